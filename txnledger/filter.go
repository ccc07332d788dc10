package txnledger

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
)

const (
	filterBucketSize      = 4
	filterFingerprintBits = 32
	defaultFilterCapacity = 1 << 20
)

// statementFilter answers "was this statement definitely never executed"
// without touching the store. A miss is authoritative; a hit still needs a
// store lookup.
type statementFilter struct {
	mu     sync.RWMutex
	filter *cuckoo.Filter

	// saturated is set once an insert fails; every lookup then answers maybe.
	saturated bool
}

func newStatementFilter(capacity uint) *statementFilter {
	if capacity == 0 {
		capacity = defaultFilterCapacity
	}
	return &statementFilter{
		filter: cuckoo.NewFilter(filterBucketSize, filterFingerprintBits, capacity, cuckoo.TableTypePacked),
	}
}

func statementHash(lsid string, txn int64, stmt int32) []byte {
	h := xxhash.New()
	h.WriteString(lsid)
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(txn))
	binary.BigEndian.PutUint32(buf[8:], uint32(stmt))
	h.Write(buf[:])
	return binary.BigEndian.AppendUint64(nil, h.Sum64())
}

func (f *statementFilter) mightContain(lsid string, txn int64, stmt int32) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.saturated || f.filter.Contain(statementHash(lsid, txn, stmt))
}

// add reports false when the filter is full. Lookups then always fall
// through to the store.
func (f *statementFilter) add(lsid string, txn int64, stmt int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.filter.Add(statementHash(lsid, txn, stmt)) {
		f.saturated = true
		return false
	}
	return true
}

func (f *statementFilter) remove(lsid string, txn int64, stmt int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter.Delete(statementHash(lsid, txn, stmt))
}

func (f *statementFilter) size() uint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.Size()
}
