// Package errs defines the error taxonomy for the storage core.
//
// Narrow per-condition exception types collapse to a single tagged Kind
// plus a wrapped cause, relying on github.com/cockroachdb/errors for
// stack traces and Is/As matching instead of reinventing that machinery.
package errs

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind tags every error a public operation can return.
type Kind uint8

const (
	KindUnknown Kind = iota

	// Volume lifecycle
	KindVolumeNotFound
	KindVolumeAlreadyExists
	KindInvalidVolumeSpec
	KindVolumeClosed
	KindVolumeFull
	KindTruncateVolume

	// Tree lifecycle
	KindTreeNotFound
	KindTreeAlreadyExists

	// On-disk damage
	KindCorruptVolume
	KindInvalidPageStructure
	KindInvalidPageType
	KindMalformedValue
	KindCorruptImportStream
	KindCorruptJournal

	// I/O
	KindPersistitIO
	KindAppendableIO
	KindIOInterrupted

	// Thread interrupt
	KindPersistitInterrupted

	// Latch/claim budget
	KindTimeout
	KindInUse

	// Transaction outcomes
	KindRollback
	KindTransactionFailed

	// Value codec
	KindConversion

	// Background-thread / operator diagnostics
	KindMissingThread
	KindRecoveryMissingVolumes
	KindLogInitialization
)

func (k Kind) String() string {
	switch k {
	case KindVolumeNotFound:
		return "VolumeNotFound"
	case KindVolumeAlreadyExists:
		return "VolumeAlreadyExists"
	case KindInvalidVolumeSpec:
		return "InvalidVolumeSpec"
	case KindVolumeClosed:
		return "VolumeClosed"
	case KindVolumeFull:
		return "VolumeFull"
	case KindTruncateVolume:
		return "TruncateVolume"
	case KindTreeNotFound:
		return "TreeNotFound"
	case KindTreeAlreadyExists:
		return "TreeAlreadyExists"
	case KindCorruptVolume:
		return "CorruptVolume"
	case KindInvalidPageStructure:
		return "InvalidPageStructure"
	case KindInvalidPageType:
		return "InvalidPageType"
	case KindMalformedValue:
		return "MalformedValue"
	case KindCorruptImportStream:
		return "CorruptImportStream"
	case KindCorruptJournal:
		return "CorruptJournal"
	case KindPersistitIO:
		return "PersistitIO"
	case KindAppendableIO:
		return "AppendableIO"
	case KindIOInterrupted:
		return "IOInterrupted"
	case KindPersistitInterrupted:
		return "PersistitInterrupted"
	case KindTimeout:
		return "Timeout"
	case KindInUse:
		return "InUse"
	case KindRollback:
		return "Rollback"
	case KindTransactionFailed:
		return "TransactionFailed"
	case KindConversion:
		return "Conversion"
	case KindMissingThread:
		return "MissingThread"
	case KindRecoveryMissingVolumes:
		return "RecoveryMissingVolumes"
	case KindLogInitialization:
		return "LogInitialization"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned from public operations.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf returns the tag carried by err, or KindUnknown if err is not (or
// does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// New constructs a tagged error with a stack trace attached.
func New(kind Kind, msg string) error {
	return errors.WithStack(&Error{kind: kind, msg: msg})
}

// Newf is New with fmt.Sprintf formatting.
func Newf(kind Kind, format string, args ...any) error {
	return errors.WithStack(&Error{kind: kind, msg: fmt.Sprintf(format, args...)})
}

// Wrap tags cause with kind, preserving it as the unwrap chain.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return errors.WithStack(&Error{kind: kind, msg: msg, cause: cause})
}

// Wrapf is Wrap with fmt.Sprintf formatting.
func Wrapf(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return errors.WithStack(&Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause})
}

