package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/shardkeeper/protocol"
	"go.mongodb.org/mongo-driver/bson"
)

// DocMismatch describes a record that routers disagree on.
type DocMismatch struct {
	Key      int64
	HostData map[string]string // host -> checksum, "NOT FOUND" or "DUPLICATE(n)"
}

type VerifyResult struct {
	DocCounts      map[string]int64
	CountsMatch    bool
	SampledDocs    int
	MatchedDocs    int
	MismatchedDocs int
	Mismatches     []DocMismatch
}

// Verifier checks that every router sees the same documents. A router
// routing on a stale table, or an orphaned range left behind by a
// migration, shows up as a count or checksum difference.
type Verifier struct {
	pool    *Pool
	ns      string
	samples int
	timeout time.Duration
	rng     *rand.Rand
}

func NewVerifier(pool *Pool, ns string, samples int, timeout time.Duration) *Verifier {
	return &Verifier{
		pool:    pool,
		ns:      ns,
		samples: samples,
		timeout: timeout,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (v *Verifier) Verify(ctx context.Context) (*VerifyResult, error) {
	result := &VerifyResult{DocCounts: make(map[string]int64)}

	if err := v.countDocs(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	result.CountsMatch = allEqual(result.DocCounts)

	keys, err := v.sampleKeys(ctx, result.DocCounts[v.pool.Hosts()[0]])
	if err != nil {
		return nil, fmt.Errorf("failed to sample keys: %w", err)
	}
	result.SampledDocs = len(keys)

	if err := v.verifyKeys(ctx, keys, result); err != nil {
		return nil, fmt.Errorf("failed to verify keys: %w", err)
	}
	return result, nil
}

func (v *Verifier) countDocs(ctx context.Context, result *VerifyResult) error {
	for i, host := range v.pool.Hosts() {
		opCtx, cancel := context.WithTimeout(ctx, v.timeout)
		res, err := v.pool.GetByIndex(i).Execute(opCtx, protocol.Op{Kind: protocol.OpCount, NS: v.ns}, nil)
		cancel()
		if err != nil {
			return fmt.Errorf("host %s: %w", host, err)
		}
		result.DocCounts[host] = res.N
	}
	return nil
}

// sampleKeys reads the shard key of random documents through the first
// router, one skip offset per sample.
func (v *Verifier) sampleKeys(ctx context.Context, count int64) ([]int64, error) {
	if count == 0 {
		return nil, nil
	}
	client := v.pool.GetByIndex(0)
	seen := make(map[int64]struct{})
	var keys []int64
	for i := 0; i < v.samples && int64(len(keys)) < count; i++ {
		opCtx, cancel := context.WithTimeout(ctx, v.timeout)
		res, err := client.Execute(opCtx, protocol.Op{
			Kind:       protocol.OpFind,
			NS:         v.ns,
			Sort:       bson.D{{Key: "k", Value: 1}},
			Projection: bson.D{{Key: "k", Value: 1}},
			Skip:       v.rng.Int63n(count),
			Limit:      1,
		}, nil)
		cancel()
		if err != nil {
			return nil, err
		}
		if len(res.Cursor.Docs) == 0 {
			continue
		}
		k, ok := res.Cursor.Docs[0].Map()["k"].(int64)
		if !ok {
			continue
		}
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (v *Verifier) verifyKeys(ctx context.Context, keys []int64, result *VerifyResult) error {
	const maxMismatches = 10
	hosts := v.pool.Hosts()

	for _, key := range keys {
		checksums := make(map[string]string, len(hosts))
		for i, host := range hosts {
			sum, err := v.docChecksum(ctx, i, key)
			if err != nil {
				return fmt.Errorf("host %s, key %d: %w", host, key, err)
			}
			checksums[host] = sum
		}

		if allEqual(checksums) {
			result.MatchedDocs++
			continue
		}
		result.MismatchedDocs++
		if len(result.Mismatches) < maxMismatches {
			result.Mismatches = append(result.Mismatches, DocMismatch{Key: key, HostData: checksums})
		}
	}
	return nil
}

func (v *Verifier) docChecksum(ctx context.Context, host int, key int64) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	res, err := v.pool.GetByIndex(host).Execute(opCtx, protocol.Op{
		Kind:   protocol.OpFind,
		NS:     v.ns,
		Filter: bson.D{{Key: "k", Value: key}},
	}, nil)
	if err != nil {
		return "", err
	}
	if res.Cursor.CursorID != 0 {
		v.pool.GetByIndex(host).KillCursor(opCtx, res.Cursor.CursorID)
	}
	return checksumDocs(res.Cursor.Docs)
}

func checksumDocs(docs []bson.D) (string, error) {
	switch len(docs) {
	case 0:
		return "NOT FOUND", nil
	case 1:
	default:
		return fmt.Sprintf("DUPLICATE(%d)", len(docs)), nil
	}
	raw, err := bson.Marshal(docs[0])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(raw)), nil
}

func allEqual[V comparable](data map[string]V) bool {
	first := true
	var want V
	for _, v := range data {
		if first {
			want, first = v, false
			continue
		}
		if v != want {
			return false
		}
	}
	return true
}

func (r *VerifyResult) Print() {
	fmt.Println()
	fmt.Println("Document Counts:")
	for host, count := range r.DocCounts {
		fmt.Printf("  %s: %d\n", host, count)
	}
	if r.CountsMatch {
		fmt.Println("  Status: MATCH")
	} else {
		fmt.Println("  Status: MISMATCH")
	}

	fmt.Println()
	fmt.Println("Sampled Verification:")
	fmt.Printf("  Sampled docs: %d\n", r.SampledDocs)
	fmt.Printf("  Matching:     %d\n", r.MatchedDocs)
	fmt.Printf("  Mismatched:   %d\n", r.MismatchedDocs)

	if len(r.Mismatches) > 0 {
		fmt.Println()
		fmt.Println("Mismatches:")
		for _, m := range r.Mismatches {
			fmt.Printf("  Key: %d\n", m.Key)
			for host, data := range m.HostData {
				fmt.Printf("    %s: %s\n", host, data)
			}
		}
	}
}

func (r *VerifyResult) HasMismatches() bool {
	return !r.CountsMatch || r.MismatchedDocs > 0
}

func executeVerify(ctx context.Context, cfg *Config) error {
	printHeader("Pika Cluster Verification")
	fmt.Printf("Hosts:     %s\n", cfg.Hosts)
	fmt.Printf("Namespace: %s\n", cfg.NS)
	fmt.Printf("Samples:   %d\n", cfg.VerifySamples)
	fmt.Printf("Timeout:   %s\n", cfg.VerifyTimeout)

	pool, err := NewPool(ctx, cfg.HostList(), cfg.NS, cfg.Secret)
	if err != nil {
		return fmt.Errorf("failed to connect to routers: %w", err)
	}
	defer pool.Close()

	fmt.Println()
	fmt.Println("Verifying router consistency...")
	result, err := NewVerifier(pool, cfg.NS, cfg.VerifySamples, cfg.VerifyTimeout).Verify(ctx)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	printFooter("VERIFICATION RESULTS")
	result.Print()
	if result.HasMismatches() {
		return fmt.Errorf("cluster verification failed: found inconsistencies")
	}
	fmt.Println()
	fmt.Println("Cluster verification passed!")
	return nil
}
