package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/id"
	"github.com/maxpert/shardkeeper/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
)

// Page is one batch of a cursor. CursorID is zero once the cursor is
// exhausted.
type Page struct {
	CursorID int64
	NS       string
	Docs     []bson.D
}

type cursor struct {
	id   int64
	ns   string
	txn  string
	mu   sync.Mutex
	docs []bson.D
	used time.Time
}

// cursorRegistry holds the merged results that did not fit the first
// batch.
type cursorRegistry struct {
	seq     atomic.Int64
	ids     id.Generator
	open    *xsync.MapOf[int64, *cursor]
	timeout time.Duration
	now     func() time.Time
}

// newCursorRegistry numbers cursors from ids, or sequentially when ids is
// nil.
func newCursorRegistry(timeout time.Duration, ids id.Generator) *cursorRegistry {
	return &cursorRegistry{
		ids:     ids,
		open:    xsync.NewMapOf[int64, *cursor](),
		timeout: timeout,
		now:     time.Now,
	}
}

// page returns the first batch of docs and parks the rest.
func (r *cursorRegistry) page(ns, txn string, docs []bson.D, batch int) Page {
	if batch <= 0 || len(docs) <= batch {
		return Page{NS: ns, Docs: docs}
	}
	c := &cursor{id: r.nextID(), ns: ns, txn: txn, docs: docs[batch:], used: r.now()}
	r.open.Store(c.id, c)
	telemetry.RouterOpenCursors.Inc()
	return Page{CursorID: c.id, NS: ns, Docs: docs[:batch]}
}

func (r *cursorRegistry) nextID() int64 {
	if r.ids != nil {
		return r.ids.NextID()
	}
	return r.seq.Add(1)
}

func (r *cursorRegistry) getMore(id int64, batch int) (Page, error) {
	c, ok := r.open.Load(id)
	if !ok {
		return Page{}, errs.Newf(errs.CursorNotFound, "cursor %d not found", id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.used = r.now()
	if batch <= 0 || batch >= len(c.docs) {
		out := Page{NS: c.ns, Docs: c.docs}
		r.remove(id)
		return out, nil
	}
	out := Page{CursorID: id, NS: c.ns, Docs: c.docs[:batch]}
	c.docs = c.docs[batch:]
	return out, nil
}

func (r *cursorRegistry) remove(id int64) bool {
	if _, ok := r.open.LoadAndDelete(id); ok {
		telemetry.RouterOpenCursors.Dec()
		return true
	}
	return false
}

// killTxn drops every cursor opened inside the given transaction.
func (r *cursorRegistry) killTxn(txn string) int {
	n := 0
	r.open.Range(func(id int64, c *cursor) bool {
		if c.txn == txn && r.remove(id) {
			n++
		}
		return true
	})
	return n
}

// reap drops cursors idle for longer than the timeout.
func (r *cursorRegistry) reap() int {
	if r.timeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.timeout)
	n := 0
	r.open.Range(func(id int64, c *cursor) bool {
		c.mu.Lock()
		idle := c.used.Before(cutoff)
		c.mu.Unlock()
		if idle && r.remove(id) {
			n++
		}
		return true
	})
	if n > 0 {
		log.Debug().Int("cursors", n).Msg("Reaped idle cursors")
	}
	return n
}
