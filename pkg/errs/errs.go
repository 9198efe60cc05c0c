// Package errs defines the error-kind taxonomy of spec §7, following
// the teacher's per-kind constructor pattern
// (consensus/scope.go: NewBallotError, NewTimeoutError,
// NewInvalidStatusUpdateError) generalized to the data plane's kinds.
package errs

import "fmt"

// Kind classifies an error for the purposes of local recovery policy
// (spec §7's table).
type Kind string

const (
	KindTransientTransport  = Kind("TransientTransport")
	KindNoPrimary           = Kind("NoPrimary")
	KindStaleConfig         = Kind("StaleConfig")
	KindGlobalDeadline      = Kind("GlobalDeadline")
	KindStorageChecksum     = Kind("StorageChecksum")
	KindSchemaMiss          = Kind("SchemaMiss")
	KindBatchSizeExceeded   = Kind("BatchSizeExceeded")
	KindAcceptorPersistence = Kind("AcceptorPersistence")
	KindBallot              = Kind("Ballot")
	KindTimeout             = Kind("Timeout")
	KindInvalidStatusUpdate = Kind("InvalidStatusUpdate")
)

// Error is a typed, kind-tagged error. Fatal kinds (AcceptorPersistence,
// and StorageChecksum when it arises from log corruption rather than a
// chunk) carry Fatal=true in the Fatal field; nothing in the module
// aborts the process on it.
type Error struct {
	Kind    Kind
	Message string
	Fatal   bool
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func new_(kind Kind, fatal bool, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Fatal: fatal}
}

func NewTransientTransportError(format string, args ...interface{}) *Error {
	return new_(KindTransientTransport, false, format, args...)
}

func NewNoPrimaryError(format string, args ...interface{}) *Error {
	return new_(KindNoPrimary, false, format, args...)
}

func NewStaleConfigError(format string, args ...interface{}) *Error {
	return new_(KindStaleConfig, false, format, args...)
}

func NewGlobalDeadlineError(format string, args ...interface{}) *Error {
	return new_(KindGlobalDeadline, false, format, args...)
}

// NewStorageChecksumError reports a checksum mismatch. fatal should be
// true only for write-ahead-log corruption, which spec §7 treats as an
// unconditional process abort; chunk-file corruption instead falls back
// to an older chunk and is non-fatal.
func NewStorageChecksumError(fatal bool, format string, args ...interface{}) *Error {
	return new_(KindStorageChecksum, fatal, format, args...)
}

func NewSchemaMissError(format string, args ...interface{}) *Error {
	return new_(KindSchemaMiss, false, format, args...)
}

func NewBatchSizeExceededError(format string, args ...interface{}) *Error {
	return new_(KindBatchSizeExceeded, false, format, args...)
}

// NewAcceptorPersistenceError reports a Paxos acceptor fsync failure.
// Always fatal: the acceptor cannot safely continue once it can no
// longer durably record its promises.
func NewAcceptorPersistenceError(cause error) *Error {
	return &Error{Kind: KindAcceptorPersistence, Message: "acceptor state fsync failed", Fatal: true, cause: cause}
}

func NewBallotError(format string, args ...interface{}) *Error {
	return new_(KindBallot, false, format, args...)
}

func NewTimeoutError(format string, args ...interface{}) *Error {
	return new_(KindTimeout, false, format, args...)
}

func NewInvalidStatusUpdateError(from, to fmt.Stringer) *Error {
	return new_(KindInvalidStatusUpdate, false, "cannot move from status %v to %v", from, to)
}

// AsKind reports whether e has the given Kind.
func (e *Error) AsKind(kind Kind) bool { return e.Kind == kind }
