// Package errs defines the coded errors shared by every shardkeeper component.
//
// Each Code belongs to a Category that tells the caller how to react: staleness
// errors are refreshed and retried transparently, conflicts are retried with
// backoff by the layer that issued the metadata request, transient errors abort
// the running transaction, and fatal errors surface verbatim.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Category groups codes by recovery strategy.
type Category int

const (
	Fatal Category = iota
	Staleness
	Conflict
	Transient
)

func (c Category) String() string {
	switch c {
	case Staleness:
		return "staleness"
	case Conflict:
		return "conflict"
	case Transient:
		return "transient"
	default:
		return "fatal"
	}
}

// Code identifies a failure class. Values are stable and travel over the wire.
type Code int32

const (
	OK Code = 0

	StaleConfig           Code = 13388
	StaleDbVersion        Code = 249
	TxnRetryCounterTooOld Code = 350

	LockBusy                       Code = 46
	ConflictingOperationInProgress Code = 117
	RangeOverlapConflict           Code = 178

	WriteConflict     Code = 112
	Interrupted       Code = 11601
	NoSuchTransaction Code = 251
	PrepareConflict   Code = 314
	MaxTimeMSExpired  Code = 50
	QueryPlanKilled   Code = 175

	DuplicateKey         Code = 11000
	InvalidOptions       Code = 72
	IllegalOperation     Code = 20
	ZoneNotFound         Code = 10125
	ShardNotFound        Code = 70
	NamespaceNotFound    Code = 26
	NamespaceNotSharded  Code = 118
	CursorNotFound       Code = 43
	TransactionTooOld    Code = 225
	TransactionCommitted Code = 256
	TransactionAborted   Code = 263
	NoSuchStatement      Code = 10001
	ShardKeyNotFound     Code = 61
	BadValue             Code = 2
	InternalError        Code = 1
)

var codeNames = map[Code]string{
	OK:                             "OK",
	StaleConfig:                    "StaleConfig",
	StaleDbVersion:                 "StaleDbVersion",
	TxnRetryCounterTooOld:          "TxnRetryCounterTooOld",
	LockBusy:                       "LockBusy",
	ConflictingOperationInProgress: "ConflictingOperationInProgress",
	RangeOverlapConflict:           "RangeOverlapConflict",
	WriteConflict:                  "WriteConflict",
	Interrupted:                    "Interrupted",
	NoSuchTransaction:              "NoSuchTransaction",
	PrepareConflict:                "PrepareConflict",
	MaxTimeMSExpired:               "MaxTimeMSExpired",
	QueryPlanKilled:                "QueryPlanKilled",
	DuplicateKey:                   "DuplicateKey",
	InvalidOptions:                 "InvalidOptions",
	IllegalOperation:               "IllegalOperation",
	ZoneNotFound:                   "ZoneNotFound",
	ShardNotFound:                  "ShardNotFound",
	NamespaceNotFound:              "NamespaceNotFound",
	NamespaceNotSharded:            "NamespaceNotSharded",
	CursorNotFound:                 "CursorNotFound",
	TransactionTooOld:              "TransactionTooOld",
	TransactionCommitted:           "TransactionCommitted",
	TransactionAborted:             "TransactionAborted",
	NoSuchStatement:                "NoSuchStatement",
	ShardKeyNotFound:               "ShardKeyNotFound",
	BadValue:                       "BadValue",
	InternalError:                  "InternalError",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int32(c))
}

// Category returns the recovery class of the code.
func (c Code) Category() Category {
	switch c {
	case StaleConfig, StaleDbVersion, TxnRetryCounterTooOld:
		return Staleness
	case LockBusy, ConflictingOperationInProgress, RangeOverlapConflict:
		return Conflict
	case WriteConflict, Interrupted, NoSuchTransaction, PrepareConflict, MaxTimeMSExpired, QueryPlanKilled:
		return Transient
	default:
		return Fatal
	}
}

// Error is a coded error. Info carries structured details such as the
// version a shard wanted or the retry counter a ledger currently holds.
type Error struct {
	Code    Code
	Message string
	Info    map[string]any
	cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New returns an error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, cause error, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// WithInfo returns a copy of e with key set in Info.
func (e *Error) WithInfo(key string, value any) *Error {
	info := make(map[string]any, len(e.Info)+1)
	for k, v := range e.Info {
		info[k] = v
	}
	info[key] = value
	return &Error{Code: e.Code, Message: e.Message, Info: info, cause: e.cause}
}

// CodeOf extracts the code from err. Context errors map onto their coded
// equivalents; unknown errors are InternalError.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if isDeadline(err) {
		return MaxTimeMSExpired
	}
	if isCanceled(err) {
		return Interrupted
	}
	return InternalError
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	if err == nil {
		return code == OK
	}
	var e *Error
	if !errors.As(err, &e) {
		return CodeOf(err) == code
	}
	for e != nil {
		if e.Code == code {
			return true
		}
		next := e.cause
		e = nil
		if next != nil {
			errors.As(next, &e)
		}
	}
	return false
}

// InfoOf returns the Info value for key from the first coded error in the chain.
func InfoOf(err error, key string) (any, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Info == nil {
		return nil, false
	}
	v, ok := e.Info[key]
	return v, ok
}

// CategoryOf is shorthand for CodeOf(err).Category().
func CategoryOf(err error) Category {
	return CodeOf(err).Category()
}

// IsRetryable reports whether the caller may transparently retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch CategoryOf(err) {
	case Staleness, Conflict:
		return true
	}
	return false
}
