package txnledger

import (
	"context"
	"sort"

	"github.com/maxpert/shardkeeper/encoding"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/shardkey"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
)

// EncodeKey packs a shard key for StatementEntry.Key.
func EncodeKey(k shardkey.Key) ([]byte, error) {
	return bson.Marshal(bson.D{{Key: "k", Value: k}})
}

// DecodeKey reverses EncodeKey.
func DecodeKey(raw []byte) (shardkey.Key, error) {
	var doc struct {
		K shardkey.Key `bson:"k"`
	}
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc.K, nil
}

// MigrationEntry is everything a recipient needs to answer retries for one
// session after a chunk moves to it.
type MigrationEntry struct {
	Record     SessionRecord    `msgpack:"rec"`
	Statements []StatementEntry `msgpack:"stmts"`
	Images     map[int32]Image  `msgpack:"imgs,omitempty"`
}

// SessionsTouching lists the sessions whose current transaction wrote a
// document of ns inside r.
func (l *Ledger) SessionsTouching(ns string, r shardkey.Range) ([]string, error) {
	seen := make(map[string]struct{})
	err := l.store.Scan([]byte(prefixStmt), func(_, value []byte) error {
		var e StatementEntry
		if err := encoding.Unmarshal(value, &e); err != nil {
			return err
		}
		if e.NS != ns || len(e.Key) == 0 {
			return nil
		}
		if _, ok := seen[e.SessionID]; ok {
			return nil
		}
		k, err := DecodeKey(e.Key)
		if err != nil {
			return pkgerrors.WithMessagef(err, "decode key of %s stmt %d", e.SessionID, e.StmtID)
		}
		if r.Contains(k) {
			seen[e.SessionID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for lsid := range seen {
		out = append(out, lsid)
	}
	sort.Strings(out)
	return out, nil
}

// MigrationBatch exports the listed sessions, statements oldest first.
func (l *Ledger) MigrationBatch(sessions []string) ([]MigrationEntry, error) {
	out := make([]MigrationEntry, 0, len(sessions))
	for _, lsid := range sessions {
		entry, ok, err := l.exportSession(lsid)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (l *Ledger) exportSession(lsid string) (MigrationEntry, bool, error) {
	unlock := l.lockSession(lsid)
	defer unlock()

	rec, found, err := l.Session(lsid)
	if err != nil || !found {
		return MigrationEntry{}, false, err
	}
	entry := MigrationEntry{Record: rec}
	err = l.store.Scan(stmtSessionPrefix(lsid), func(_, value []byte) error {
		var e StatementEntry
		if err := encoding.Unmarshal(value, &e); err != nil {
			return err
		}
		if e.TxnNumber != rec.TxnNumber {
			return nil
		}
		entry.Statements = append(entry.Statements, e)
		if e.ImageKind != ImageNone {
			img, err := l.LookupImage(lsid, e.TxnNumber, e.StmtID)
			if err != nil {
				return err
			}
			if entry.Images == nil {
				entry.Images = make(map[int32]Image)
			}
			entry.Images[e.StmtID] = img
		}
		return nil
	})
	if err != nil {
		return MigrationEntry{}, false, err
	}
	sort.Slice(entry.Statements, func(i, j int) bool {
		return hlc.Less(entry.Statements[i].OpTime, entry.Statements[j].OpTime)
	})
	return entry, true, nil
}

// ApplyMigrated installs sessions exported by a donor. Applying the same
// batch twice is a no-op, and sessions the recipient already knows at a
// newer txnNumber or retry counter are left alone. Donor optimes are kept
// so History chains stay intact.
func (l *Ledger) ApplyMigrated(ctx context.Context, entries []MigrationEntry) (int, error) {
	applied := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		ok, err := l.applySession(entry)
		if err != nil {
			return applied, pkgerrors.WithMessagef(err, "apply migrated session %s", entry.Record.SessionID)
		}
		if ok {
			applied++
		}
	}
	log.Debug().Int("sessions", len(entries)).Int("applied", applied).Msg("Applied migrated ledger sessions")
	return applied, nil
}

func (l *Ledger) applySession(entry MigrationEntry) (bool, error) {
	in := entry.Record
	lsid := in.SessionID
	unlock := l.lockSession(lsid)
	defer unlock()

	local, found, err := l.Session(lsid)
	if err != nil {
		return false, err
	}
	same := false
	if found {
		switch {
		case local.TxnNumber > in.TxnNumber:
			return false, nil
		case local.TxnNumber == in.TxnNumber && local.TxnRetryCounter > in.TxnRetryCounter:
			return false, nil
		case local.TxnNumber == in.TxnNumber && local.TxnRetryCounter == in.TxnRetryCounter:
			same = true
		default:
			if err := l.purge(lsid); err != nil {
				return false, err
			}
		}
	}

	b := l.store.NewBatch()
	defer b.Discard()

	merged := in
	if same {
		merged = local
	}
	var latest hlc.Timestamp
	var added []StatementEntry
	for _, e := range entry.Statements {
		if same {
			if _, exists, err := l.getStatement(lsid, e.TxnNumber, e.StmtID); err != nil {
				return false, err
			} else if exists {
				continue
			}
		}
		if err := b.PutMsgpack(stmtKey(lsid, e.TxnNumber, e.StmtID), &e); err != nil {
			return false, err
		}
		if img, ok := entry.Images[e.StmtID]; ok {
			if err := b.PutMsgpack(imageKey(lsid, e.TxnNumber, e.StmtID), &img); err != nil {
				return false, err
			}
		}
		added = append(added, e)
		latest = hlc.Max(latest, e.OpTime)
	}
	if same && len(added) == 0 {
		return false, nil
	}
	if hlc.After(in.LastWriteOpTime, merged.LastWriteOpTime) {
		merged.LastWriteOpTime = in.LastWriteOpTime
		merged.LastStmtID = in.LastStmtID
	}
	if err := b.PutMsgpack(sessionKey(lsid), &merged); err != nil {
		return false, err
	}
	if err := b.Commit(true); err != nil {
		return false, err
	}

	l.cacheRecord(merged)
	for _, e := range added {
		l.filter.add(lsid, e.TxnNumber, e.StmtID)
	}
	if !latest.IsZero() {
		l.clock.Update(latest)
	}
	return true, nil
}
