package shard

import (
	"context"
	"errors"
	"strings"

	"github.com/maxpert/shardkeeper/encoding"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/placement"
	"github.com/maxpert/shardkeeper/shardkey"
	"github.com/maxpert/shardkeeper/txnledger"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
)

// RangeExport is what a donor hands a recipient for one namespace.
type RangeExport struct {
	NS   string   `bson:"ns"`
	Docs []bson.D `bson:"docs,omitempty"`
	// Sessions is a msgpack []txnledger.MigrationEntry.
	Sessions []byte `bson:"sessions,omitempty"`
}

// DatabaseExport carries a database's unsharded collections.
type DatabaseExport struct {
	DB          string        `bson:"db"`
	Collections []RangeExport `bson:"collections,omitempty"`
}

// Endpoint is the migration side of a shard, in process or remote.
type Endpoint interface {
	BeginDonate(ctx context.Context, req placement.MigrationRequest) (RangeExport, error)
	AcceptRange(ctx context.Context, exp RangeExport) error
	EndDonate(ctx context.Context, req placement.MigrationRequest, committed bool) error
	EndAccept(ctx context.Context, req placement.MigrationRequest, committed bool) error
	DeleteRange(ctx context.Context, ns string, r shardkey.Range) (int, error)

	BeginDonateDatabase(ctx context.Context, dbName string) (DatabaseExport, error)
	AcceptDatabase(ctx context.Context, exp DatabaseExport) error
	EndDonateDatabase(ctx context.Context, dbName string, committed bool) error
	EndAcceptDatabase(ctx context.Context, dbName string, committed bool) error
}

var _ Endpoint = (*Shard)(nil)

// drainTxns aborts active transactions that wrote to a matching namespace
// and waits for prepared ones to finish.
func (s *Shard) drainTxns(ctx context.Context, touches func(ns string) bool, reason string) error {
	for {
		var abort []*txn
		var wait chan struct{}
		s.mu.Lock()
		for _, t := range s.txns {
			hit := false
			for _, pw := range t.pending {
				if touches(pw.ns) {
					hit = true
					break
				}
			}
			if !hit {
				continue
			}
			if t.state == txnActive {
				abort = append(abort, t)
			} else if wait == nil {
				wait = t.done
			}
		}
		s.mu.Unlock()

		for _, t := range abort {
			s.abortOnError(t, errs.Newf(errs.Interrupted, "aborted by %s", reason))
		}
		if wait == nil {
			return nil
		}
		if err := waitFor(ctx, wait, "prepared transaction"); err != nil {
			return err
		}
	}
}

func (s *Shard) patternOf(ctx context.Context, ns string) (*shardkey.Pattern, error) {
	e, err := s.cache.Refresh(ctx, ns)
	if err != nil {
		return nil, err
	}
	if !e.Sharded() {
		return nil, errs.Newf(errs.NamespaceNotSharded, "%s is not sharded", ns)
	}
	p := e.Table.Pattern
	return &p, nil
}

// docsInRange returns committed documents of ns whose shard key lies in r.
func (s *Shard) docsInRange(ns string, p *shardkey.Pattern, r shardkey.Range) ([]storedDoc, error) {
	var out []storedDoc
	err := scanDocs(s.store, nsPrefix(ns), func(key []byte, doc bson.D) error {
		k, err := p.Extract(doc)
		if err != nil {
			return nil
		}
		if r.Contains(k) {
			out = append(out, storedDoc{key: key, doc: doc})
		}
		return nil
	})
	return out, err
}

// BeginDonate blocks writes to the namespace and exports the range with
// the ledger sessions that wrote into it. The block lasts until EndDonate.
func (s *Shard) BeginDonate(ctx context.Context, req placement.MigrationRequest) (RangeExport, error) {
	section := collectionSection(req.NS)
	if err := s.enterCritical(section, "moveChunk "+req.Range.String()); err != nil {
		return RangeExport{}, err
	}
	exp, err := s.exportRange(ctx, req)
	if err != nil {
		s.exitCritical(section)
		return RangeExport{}, err
	}
	log.Info().Str("shard", s.id).Str("ns", req.NS).Str("range", req.Range.String()).Int("docs", len(exp.Docs)).Msg("Exported range for migration")
	return exp, nil
}

func (s *Shard) exportRange(ctx context.Context, req placement.MigrationRequest) (RangeExport, error) {
	if err := s.drainTxns(ctx, func(ns string) bool { return ns == req.NS }, "migration of "+req.NS); err != nil {
		return RangeExport{}, err
	}
	p, err := s.patternOf(ctx, req.NS)
	if err != nil {
		return RangeExport{}, err
	}
	found, err := s.docsInRange(req.NS, p, req.Range)
	if err != nil {
		return RangeExport{}, err
	}
	sessions, err := s.ledger.SessionsTouching(req.NS, req.Range)
	if err != nil {
		return RangeExport{}, err
	}
	exp := RangeExport{NS: req.NS, Docs: docsOf(found)}
	if len(sessions) > 0 {
		entries, err := s.ledger.MigrationBatch(sessions)
		if err != nil {
			return RangeExport{}, err
		}
		if exp.Sessions, err = encoding.Marshal(entries); err != nil {
			return RangeExport{}, pkgerrors.WithMessage(err, "encode migrated sessions")
		}
	}
	return exp, nil
}

// AcceptRange installs documents and sessions exported by a donor.
// Documents already present are overwritten.
func (s *Shard) AcceptRange(ctx context.Context, exp RangeExport) error {
	if err := errs.FromContext(ctx, "accept range"); err != nil {
		return err
	}
	s.writeMu.Lock()
	b := s.store.NewBatch()
	err := func() error {
		defer b.Discard()
		for _, doc := range exp.Docs {
			key, err := keyOfDoc(exp.NS, doc)
			if err != nil {
				return err
			}
			if err := putDoc(b, key, doc); err != nil {
				return err
			}
		}
		return b.Commit(true)
	}()
	s.writeMu.Unlock()
	if err != nil {
		return pkgerrors.WithMessagef(err, "import %s", exp.NS)
	}

	if len(exp.Sessions) > 0 {
		var entries []txnledger.MigrationEntry
		if err := encoding.Unmarshal(exp.Sessions, &entries); err != nil {
			return pkgerrors.WithMessage(err, "decode migrated sessions")
		}
		if _, err := s.ledger.ApplyMigrated(ctx, entries); err != nil {
			return err
		}
	}
	log.Info().Str("shard", s.id).Str("ns", exp.NS).Int("docs", len(exp.Docs)).Msg("Imported migrated documents")
	return nil
}

// EndDonate lifts the write block after the catalog committed or gave up.
// The cache is dropped so stale stamps are rejected against the new
// placement.
func (s *Shard) EndDonate(_ context.Context, req placement.MigrationRequest, committed bool) error {
	s.cache.Invalidate(req.NS)
	s.exitCritical(collectionSection(req.NS))
	log.Debug().Str("shard", s.id).Str("ns", req.NS).Bool("committed", committed).Msg("Donor left critical section")
	return nil
}

// EndAccept reloads placement on the recipient and, when the move did
// not commit, drops the copies it received.
func (s *Shard) EndAccept(ctx context.Context, req placement.MigrationRequest, committed bool) error {
	s.cache.Invalidate(req.NS)
	if committed {
		return nil
	}
	_, err := s.DeleteRange(ctx, req.NS, req.Range)
	return err
}

// DeleteRange removes documents of ns in r that this shard no longer
// owns.
func (s *Shard) DeleteRange(ctx context.Context, ns string, r shardkey.Range) (int, error) {
	p, err := s.patternOf(ctx, ns)
	if errs.Is(err, errs.NamespaceNotSharded) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	snap, err := s.cache.GetOwnedRanges(ctx, ns)
	if err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	found, err := s.docsInRange(ns, p, r)
	if err != nil {
		return 0, err
	}
	b := s.store.NewBatch()
	defer b.Discard()
	n := 0
	for _, d := range found {
		k, _ := p.Extract(d.doc)
		if snap.Owns(k) {
			continue
		}
		if err := b.Delete(d.key); err != nil {
			return 0, err
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(true); err != nil {
		return 0, err
	}
	log.Info().Str("shard", s.id).Str("ns", ns).Str("range", r.String()).Int("docs", n).Msg("Deleted migrated range")
	return n, nil
}

// unshardedCollections groups the documents of a database's unsharded
// collections by namespace.
func (s *Shard) unshardedCollections(ctx context.Context, dbName string) (map[string][]storedDoc, error) {
	out := make(map[string][]storedDoc)
	sharded := make(map[string]bool)
	prefix := dbPrefix(dbName)
	err := scanDocs(s.store, prefix, func(key []byte, doc bson.D) error {
		rest := string(key[len(prefixDocs):])
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return nil
		}
		ns := rest[:slash]
		isSharded, seen := sharded[ns]
		if !seen {
			e, err := s.cache.Refresh(ctx, ns)
			if err != nil {
				return err
			}
			isSharded = e.Sharded()
			sharded[ns] = isSharded
		}
		if !isSharded {
			out[ns] = append(out[ns], storedDoc{key: key, doc: doc})
		}
		return nil
	})
	return out, err
}

// BeginDonateDatabase blocks writes to the database's unsharded
// collections and exports them for a primary move.
func (s *Shard) BeginDonateDatabase(ctx context.Context, dbName string) (DatabaseExport, error) {
	section := databaseSection(dbName)
	if err := s.enterCritical(section, "movePrimary"); err != nil {
		return DatabaseExport{}, err
	}
	exp, err := s.exportDatabase(ctx, dbName)
	if err != nil {
		s.exitCritical(section)
		return DatabaseExport{}, err
	}
	return exp, nil
}

func (s *Shard) exportDatabase(ctx context.Context, dbName string) (DatabaseExport, error) {
	prefix := dbName + "."
	if err := s.drainTxns(ctx, func(ns string) bool { return strings.HasPrefix(ns, prefix) }, "movePrimary of "+dbName); err != nil {
		return DatabaseExport{}, err
	}
	colls, err := s.unshardedCollections(ctx, dbName)
	if err != nil {
		return DatabaseExport{}, err
	}
	exp := DatabaseExport{DB: dbName}
	for ns, found := range colls {
		exp.Collections = append(exp.Collections, RangeExport{NS: ns, Docs: docsOf(found)})
	}
	log.Info().Str("shard", s.id).Str("database", dbName).Int("collections", len(exp.Collections)).Msg("Exported unsharded collections")
	return exp, nil
}

// AcceptDatabase imports a database's unsharded collections.
func (s *Shard) AcceptDatabase(ctx context.Context, exp DatabaseExport) error {
	for _, coll := range exp.Collections {
		if err := s.AcceptRange(ctx, coll); err != nil {
			return err
		}
	}
	return nil
}

// EndDonateDatabase lifts the block; after a committed move the old
// primary drops its copies.
func (s *Shard) EndDonateDatabase(ctx context.Context, dbName string, committed bool) error {
	s.cache.InvalidateDatabase(dbName)
	var err error
	if committed {
		err = s.deleteUnsharded(ctx, dbName)
	}
	s.exitCritical(databaseSection(dbName))
	return err
}

// EndAcceptDatabase reloads the database entry and drops imported copies
// when the move did not commit.
func (s *Shard) EndAcceptDatabase(ctx context.Context, dbName string, committed bool) error {
	s.cache.InvalidateDatabase(dbName)
	if committed {
		return nil
	}
	return s.deleteUnsharded(ctx, dbName)
}

func (s *Shard) deleteUnsharded(ctx context.Context, dbName string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	colls, err := s.unshardedCollections(ctx, dbName)
	if err != nil {
		return err
	}
	b := s.store.NewBatch()
	defer b.Discard()
	for _, found := range colls {
		for _, d := range found {
			if err := b.Delete(d.key); err != nil {
				return err
			}
		}
	}
	if b.Empty() {
		return nil
	}
	return b.Commit(true)
}

// Resolver finds the migration endpoint of a shard.
type Resolver func(shardID string) (Endpoint, error)

// Mover carries documents between shards for the catalog.
type Mover struct {
	resolve Resolver
}

// NewMover returns a placement.Migrator that reaches shards through
// resolve.
func NewMover(resolve Resolver) *Mover {
	return &Mover{resolve: resolve}
}

var _ placement.Migrator = (*Mover)(nil)

func (m *Mover) pair(from, to string) (Endpoint, Endpoint, error) {
	donor, err := m.resolve(from)
	if err != nil {
		return nil, nil, err
	}
	recipient, err := m.resolve(to)
	if err != nil {
		return nil, nil, err
	}
	return donor, recipient, nil
}

func (m *Mover) CloneRange(ctx context.Context, req placement.MigrationRequest) error {
	donor, recipient, err := m.pair(req.From, req.To)
	if err != nil {
		return err
	}
	exp, err := donor.BeginDonate(ctx, req)
	if err != nil {
		return err
	}
	return recipient.AcceptRange(ctx, exp)
}

func (m *Mover) FinishRange(ctx context.Context, req placement.MigrationRequest, committed bool) error {
	donor, recipient, err := m.pair(req.From, req.To)
	if err != nil {
		return err
	}
	return errors.Join(
		recipient.EndAccept(ctx, req, committed),
		donor.EndDonate(ctx, req, committed),
	)
}

func (m *Mover) CleanupRange(ctx context.Context, req placement.MigrationRequest) error {
	donor, err := m.resolve(req.From)
	if err != nil {
		return err
	}
	_, err = donor.DeleteRange(ctx, req.NS, req.Range)
	return err
}

// MoveDatabase copies unsharded collections to the new primary. A failed
// copy is rolled back here, since the catalog does not finish a move it
// never started.
func (m *Mover) MoveDatabase(ctx context.Context, dbName, from, to string) error {
	donor, recipient, err := m.pair(from, to)
	if err != nil {
		return err
	}
	exp, err := donor.BeginDonateDatabase(ctx, dbName)
	if err != nil {
		return err
	}
	if err := recipient.AcceptDatabase(ctx, exp); err != nil {
		return errors.Join(err,
			recipient.EndAcceptDatabase(ctx, dbName, false),
			donor.EndDonateDatabase(ctx, dbName, false),
		)
	}
	return nil
}

func (m *Mover) FinishDatabase(ctx context.Context, dbName, from, to string, committed bool) error {
	donor, recipient, err := m.pair(from, to)
	if err != nil {
		return err
	}
	return errors.Join(
		recipient.EndAcceptDatabase(ctx, dbName, committed),
		donor.EndDonateDatabase(ctx, dbName, committed),
	)
}
