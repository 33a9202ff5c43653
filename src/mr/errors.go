package mr

import (
	"fmt"
	"strings"
)

// ErrKind classifies failures across the RPC boundary. net/rpc flattens
// server-side errors to strings, so the kind travels as a "Kind: message"
// prefix and is recovered with KindOf on the far side.
type ErrKind string

const (
	BadRequest        ErrKind = "BadRequest"
	NotFound          ErrKind = "NotFound"
	UserCodeError     ErrKind = "UserCodeError"
	WorkerUnavailable ErrKind = "WorkerUnavailable"
	Timeout           ErrKind = "Timeout"
	BlobStoreError    ErrKind = "BlobStoreError"
	InternalError     ErrKind = "InternalError"
)

func Errf(kind ErrKind, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %s", kind, fmt.Sprintf(format, args...))
}

// KindOf extracts the kind prefix from an error, local or RPC-flattened.
// Errors without a recognised prefix report InternalError.
func KindOf(err error) ErrKind {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.Index(msg, ":"); i > 0 {
		switch k := ErrKind(msg[:i]); k {
		case BadRequest, NotFound, UserCodeError, WorkerUnavailable,
			Timeout, BlobStoreError, InternalError:
			return k
		}
	}
	return InternalError
}
