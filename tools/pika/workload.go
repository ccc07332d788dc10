package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/protocol"
	"github.com/maxpert/shardkeeper/router"
	"go.mongodb.org/mongo-driver/bson"
)

type OpType int

const (
	OpRead OpType = iota
	OpUpdate
	OpInsert
	OpDelete
	OpUpsert
)

func (o OpType) String() string {
	switch o {
	case OpRead:
		return "READ"
	case OpUpdate:
		return "UPDATE"
	case OpInsert:
		return "INSERT"
	case OpDelete:
		return "DELETE"
	case OpUpsert:
		return "UPSERT"
	default:
		return "UNKNOWN"
	}
}

// KeyGenerator hands out record numbers. Record n is stored with
// _id "rec_<n>" and shard key field "k" = n.
type KeyGenerator struct {
	counter       uint64
	maxKey        uint64
	insertOverlap float64
}

func NewKeyGenerator(existing int64, insertOverlap float64) *KeyGenerator {
	return &KeyGenerator{maxKey: uint64(existing), insertOverlap: insertOverlap}
}

// NextInsertKey returns a fresh record number, or with insertOverlap
// percent probability an existing one so the insert hits DuplicateKey.
func (g *KeyGenerator) NextInsertKey(rng *rand.Rand) int64 {
	max := atomic.LoadUint64(&g.maxKey)
	if g.insertOverlap > 0 && max > 0 && rng.Float64()*100 < g.insertOverlap {
		return rng.Int63n(int64(max)) + 1
	}
	n := atomic.AddUint64(&g.counter, 1)
	return int64(max + n)
}

func (g *KeyGenerator) RandomExistingKey(rng *rand.Rand) int64 {
	max := atomic.LoadUint64(&g.maxKey)
	if max == 0 {
		return g.NextInsertKey(rng)
	}
	return rng.Int63n(int64(max)) + 1
}

func (g *KeyGenerator) UpdateMaxKey(delta int64) {
	atomic.AddUint64(&g.maxKey, uint64(delta))
}

type Operation struct {
	Type  OpType
	Key   int64
	Value string
}

// Executor runs one routed operation. transport.RouterClient and
// router.Router both satisfy it.
type Executor interface {
	Execute(ctx context.Context, op protocol.Op, sess *protocol.Session) (router.Result, error)
}

// OpSelector picks operation types according to a distribution.
type OpSelector struct {
	dist       WorkloadDistribution
	thresholds [5]int
	rng        *rand.Rand
}

func NewOpSelector(dist WorkloadDistribution, seed int64) *OpSelector {
	s := &OpSelector{
		dist: dist,
		rng:  rand.New(rand.NewSource(seed)),
	}
	s.thresholds[0] = dist.Read
	s.thresholds[1] = s.thresholds[0] + dist.Update
	s.thresholds[2] = s.thresholds[1] + dist.Insert
	s.thresholds[3] = s.thresholds[2] + dist.Delete
	s.thresholds[4] = s.thresholds[3] + dist.Upsert
	return s
}

func (s *OpSelector) Select() OpType {
	r := s.rng.Intn(100)
	switch {
	case r < s.thresholds[0]:
		return OpRead
	case r < s.thresholds[1]:
		return OpUpdate
	case r < s.thresholds[2]:
		return OpInsert
	case r < s.thresholds[3]:
		return OpDelete
	}
	return OpUpsert
}

func generateFieldValue(rng *rand.Rand) string {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 100
	b := make([]byte, length)
	for i := range b {
		b[i] = chars[rng.Intn(len(chars))]
	}
	return string(b)
}

func recordID(n int64) string {
	return fmt.Sprintf("rec_%012d", n)
}

func recordDoc(n int64, value string) bson.D {
	return bson.D{
		{Key: "_id", Value: recordID(n)},
		{Key: "k", Value: n},
		{Key: "field0", Value: value},
		{Key: "field1", Value: value},
		{Key: "field2", Value: value},
		{Key: "field3", Value: value},
	}
}

// BuildOp turns an Operation into the routed operation on ns. Every
// filter carries the shard key so writes target one shard.
func BuildOp(ns string, op Operation) (protocol.Op, error) {
	byKey := bson.D{{Key: "k", Value: op.Key}}
	switch op.Type {
	case OpRead:
		return protocol.Op{Kind: protocol.OpFind, NS: ns, Filter: byKey, Limit: 1}, nil
	case OpUpdate:
		return protocol.Op{Kind: protocol.OpUpdate, NS: ns, Filter: byKey,
			Update: bson.D{{Key: "$set", Value: bson.D{{Key: "field0", Value: op.Value}}}}}, nil
	case OpInsert:
		return protocol.Op{Kind: protocol.OpInsert, NS: ns, Docs: []bson.D{recordDoc(op.Key, op.Value)}}, nil
	case OpDelete:
		return protocol.Op{Kind: protocol.OpDelete, NS: ns, Filter: byKey}, nil
	case OpUpsert:
		return protocol.Op{Kind: protocol.OpUpdate, NS: ns, Filter: byKey, Upsert: true,
			Update: bson.D{
				{Key: "$set", Value: bson.D{{Key: "field0", Value: op.Value}}},
				{Key: "$setOnInsert", Value: bson.D{{Key: "_id", Value: recordID(op.Key)}}},
			}}, nil
	default:
		return protocol.Op{}, fmt.Errorf("unknown operation type: %v", op.Type)
	}
}

// ExecuteOp runs op against exec inside sess, which may be nil.
func ExecuteOp(ctx context.Context, exec Executor, ns string, op Operation, sess *protocol.Session) error {
	routed, err := BuildOp(ns, op)
	if err != nil {
		return err
	}
	_, err = exec.Execute(ctx, routed, sess)
	return err
}

// IsRetryableError reports whether the whole operation or transaction
// can be attempted again.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return errs.IsRetryable(err) || errs.CategoryOf(err) == errs.Transient
}
