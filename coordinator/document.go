package coordinator

import (
	"encoding/binary"
	"errors"
	"sort"

	"github.com/maxpert/shardkeeper/db"
	"github.com/maxpert/shardkeeper/encoding"
	"github.com/maxpert/shardkeeper/errs"
	pkgerrors "github.com/pkg/errors"
	"github.com/samber/lo"
)

// DocState is the persisted progress of a coordinator. It is either
// ParticipantsState or DecisionState; a decision can never exist without
// its participant list.
type DocState interface {
	kind() docKind
	participants() []string
}

type docKind uint8

const (
	kindParticipants docKind = iota + 1
	kindDecision
)

// ParticipantsState is written before any prepare is sent.
type ParticipantsState struct {
	Participants []string `msgpack:"p"`
}

func (ParticipantsState) kind() docKind            { return kindParticipants }
func (s ParticipantsState) participants() []string { return s.Participants }

// DecisionState is written before any participant learns the outcome.
type DecisionState struct {
	Participants []string `msgpack:"p"`
	Decision     Decision `msgpack:"d"`
}

func (DecisionState) kind() docKind            { return kindDecision }
func (s DecisionState) participants() []string { return s.Participants }

// Document is the coordinator's durable record.
type Document struct {
	ID    TxnID
	State DocState
}

// Decision returns the recorded decision, if any.
func (d Document) Decision() (Decision, bool) {
	if s, ok := d.State.(DecisionState); ok {
		return s.Decision, true
	}
	return Decision{}, false
}

type docEnvelope struct {
	ID   TxnID   `msgpack:"id"`
	Kind docKind `msgpack:"k"`
	Body []byte  `msgpack:"b"`
}

const prefixCoordinator = "/coord/"

func docKey(lsid string, txn int64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefixCoordinator+lsid+"/"), uint64(txn))
}

func encodeDoc(doc Document) ([]byte, error) {
	body, err := encoding.Marshal(doc.State)
	if err != nil {
		return nil, err
	}
	return encoding.Marshal(&docEnvelope{ID: doc.ID, Kind: doc.State.kind(), Body: body})
}

func decodeDoc(raw []byte) (Document, error) {
	var env docEnvelope
	if err := encoding.Unmarshal(raw, &env); err != nil {
		return Document{}, err
	}
	doc := Document{ID: env.ID}
	switch env.Kind {
	case kindParticipants:
		var s ParticipantsState
		if err := encoding.Unmarshal(env.Body, &s); err != nil {
			return Document{}, err
		}
		doc.State = s
	case kindDecision:
		var s DecisionState
		if err := encoding.Unmarshal(env.Body, &s); err != nil {
			return Document{}, err
		}
		doc.State = s
	default:
		return Document{}, pkgerrors.Errorf("unknown coordinator document kind %d", env.Kind)
	}
	return doc, nil
}

// docStore persists coordinator documents with synced writes.
type docStore struct {
	store *db.Store
}

func (s *docStore) get(id TxnID) (Document, bool, error) {
	raw, err := s.store.Get(docKey(id.LSID, id.TxnNumber))
	if errors.Is(err, db.ErrNotFound) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	doc, err := decodeDoc(raw)
	if err != nil {
		return Document{}, false, pkgerrors.WithMessagef(err, "decode coordinator doc %s", id)
	}
	return doc, true, nil
}

func (s *docStore) put(doc Document) error {
	raw, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	return s.store.Put(docKey(doc.ID.LSID, doc.ID.TxnNumber), raw, true)
}

func (s *docStore) checkAttempt(existing Document, id TxnID) error {
	if existing.ID.RetryCounter != id.RetryCounter {
		return errs.Newf(errs.ConflictingOperationInProgress,
			"coordinator for %s exists for retry counter %d", id, existing.ID.RetryCounter)
	}
	return nil
}

// writeParticipants persists the participant list. Writing the same list
// again is a no-op; a different list fails.
func (s *docStore) writeParticipants(id TxnID, participants []string) (Document, error) {
	participants = normalizeParticipants(participants)
	existing, found, err := s.get(id)
	if err != nil {
		return Document{}, err
	}
	if found {
		if err := s.checkAttempt(existing, id); err != nil {
			return Document{}, err
		}
		if !lo.Every(existing.State.participants(), participants) || len(existing.State.participants()) != len(participants) {
			return Document{}, &ParticipantListMismatchError{ID: id, Stored: existing.State.participants(), Requested: participants}
		}
		return existing, nil
	}
	doc := Document{ID: id, State: ParticipantsState{Participants: participants}}
	return doc, s.put(doc)
}

// writeDecision persists the decision. An existing decision wins and is
// returned unchanged.
func (s *docStore) writeDecision(id TxnID, participants []string, d Decision) (Document, error) {
	existing, found, err := s.get(id)
	if err != nil {
		return Document{}, err
	}
	if found {
		if err := s.checkAttempt(existing, id); err != nil {
			return Document{}, err
		}
		if _, decided := existing.Decision(); decided {
			return existing, nil
		}
		participants = existing.State.participants()
	}
	doc := Document{ID: id, State: DecisionState{Participants: normalizeParticipants(participants), Decision: d}}
	return doc, s.put(doc)
}

// remove deletes a decided document of exactly this attempt.
func (s *docStore) remove(id TxnID) error {
	existing, found, err := s.get(id)
	if err != nil || !found {
		return err
	}
	if existing.ID.TxnNumber != id.TxnNumber || existing.ID.RetryCounter != id.RetryCounter {
		return errs.Newf(errs.IllegalOperation, "coordinator doc is for %s, not %s", existing.ID, id)
	}
	if _, decided := existing.Decision(); !decided {
		return errs.Newf(errs.IllegalOperation, "coordinator doc %s has no decision", id)
	}
	return s.store.Delete(docKey(id.LSID, id.TxnNumber), true)
}

func (s *docStore) loadAll() ([]Document, error) {
	var docs []Document
	err := s.store.Scan([]byte(prefixCoordinator), func(_, value []byte) error {
		doc, err := decodeDoc(value)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
		return nil
	})
	return docs, err
}

func normalizeParticipants(p []string) []string {
	out := lo.Uniq(p)
	sort.Strings(out)
	return out
}
