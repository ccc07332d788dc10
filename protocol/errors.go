package protocol

import (
	"strings"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/placement"
	"github.com/maxpert/shardkeeper/shardcache"
	"github.com/maxpert/shardkeeper/txnledger"
)

// Error is the wire form of an errs.Error. Only the Info keys callers act
// on survive the trip.
type Error struct {
	Code           errs.Code                  `bson:"code"`
	Message        string                     `bson:"msg,omitempty"`
	NS             string                     `bson:"ns,omitempty"`
	Shard          string                     `bson:"shard,omitempty"`
	DB             string                     `bson:"db,omitempty"`
	Received       *placement.Version         `bson:"received,omitempty"`
	Wanted         *placement.Version         `bson:"wanted,omitempty"`
	ReceivedDB     *placement.DatabaseVersion `bson:"receivedDb,omitempty"`
	WantedDB       *placement.DatabaseVersion `bson:"wantedDb,omitempty"`
	CurrentCounter *int32                     `bson:"currentTxnRetryCounter,omitempty"`
}

// EncodeError converts err for the wire. nil stays nil.
func EncodeError(err error) *Error {
	if err == nil {
		return nil
	}
	code := errs.CodeOf(err)
	e := &Error{Code: code, Message: strings.TrimPrefix(err.Error(), code.String()+": ")}
	if v, ok := errs.InfoOf(err, shardcache.InfoNS); ok {
		e.NS, _ = v.(string)
	}
	if v, ok := errs.InfoOf(err, shardcache.InfoShard); ok {
		e.Shard, _ = v.(string)
	}
	if v, ok := errs.InfoOf(err, shardcache.InfoDB); ok {
		e.DB, _ = v.(string)
	}
	for key, dst := range map[string]**placement.Version{shardcache.InfoReceived: &e.Received, shardcache.InfoWanted: &e.Wanted} {
		if v, ok := errs.InfoOf(err, key); ok {
			if ver, ok := v.(placement.Version); ok {
				*dst = &ver
			}
		}
	}
	for key, dst := range map[string]**placement.DatabaseVersion{shardcache.InfoReceived: &e.ReceivedDB, shardcache.InfoWanted: &e.WantedDB} {
		if v, ok := errs.InfoOf(err, key); ok {
			if ver, ok := v.(placement.DatabaseVersion); ok {
				*dst = &ver
			}
		}
	}
	if rc, ok := txnledger.CurrentCounter(err); ok {
		e.CurrentCounter = &rc
	}
	return e
}

// Err rebuilds the coded error. A nil envelope is a nil error.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	out := errs.New(e.Code, e.Message)
	if e.NS != "" {
		out = out.WithInfo(shardcache.InfoNS, e.NS)
	}
	if e.Shard != "" {
		out = out.WithInfo(shardcache.InfoShard, e.Shard)
	}
	if e.DB != "" {
		out = out.WithInfo(shardcache.InfoDB, e.DB)
	}
	if e.Received != nil {
		out = out.WithInfo(shardcache.InfoReceived, *e.Received)
	}
	if e.Wanted != nil {
		out = out.WithInfo(shardcache.InfoWanted, *e.Wanted)
	}
	if e.ReceivedDB != nil {
		out = out.WithInfo(shardcache.InfoReceived, *e.ReceivedDB)
	}
	if e.WantedDB != nil {
		out = out.WithInfo(shardcache.InfoWanted, *e.WantedDB)
	}
	if e.CurrentCounter != nil {
		out = out.WithInfo(txnledger.InfoCurrentCounter, *e.CurrentCounter)
	}
	return out
}
