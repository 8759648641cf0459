package sim

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure raised by the market core.
// Callers branch on the kind, never on the message text.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota

	// Benign kinds: expected outcomes of contention between actors.
	KindStaleState
	KindOfferNotOpen
	KindCapacityExhausted
	KindPriorServiceUnfinished
	KindPriorOfferOpen
	KindInsufficientFunds
	KindAlreadyPooled

	// Fatal kinds: programming errors that halt the run.
	KindDoubleRelease
	KindNotFound
	KindDrainStall
	KindInvariantViolated
	KindInvalidArgument
)

var kindNames = map[ErrorKind]string{
	KindUnknown:                "Unknown",
	KindStaleState:             "StaleState",
	KindOfferNotOpen:           "OfferNotOpen",
	KindCapacityExhausted:      "CapacityExhausted",
	KindPriorServiceUnfinished: "PriorServiceUnfinished",
	KindPriorOfferOpen:         "PriorOfferOpen",
	KindInsufficientFunds:      "InsufficientFunds",
	KindAlreadyPooled:          "AlreadyPooled",
	KindDoubleRelease:          "DoubleRelease",
	KindNotFound:               "NotFound",
	KindDrainStall:             "DrainStall",
	KindInvariantViolated:      "InvariantViolated",
	KindInvalidArgument:        "InvalidArgument",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Benign reports whether the kind is an expected lost race rather than a defect.
func (k ErrorKind) Benign() bool {
	return k >= KindStaleState && k <= KindAlreadyPooled
}

// Error is the structured failure returned by every market operation.
type Error struct {
	Kind   ErrorKind
	Op     string     // operation that failed, e.g. "accept-offer"
	Entity EntityKind // entity the operation targeted (may be empty)
	ID     ID         // entity id (may be empty)
	Err    error      // optional underlying cause
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Entity != "" {
		msg += fmt.Sprintf(" (%s %s)", e.Entity, e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Entity == ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrStaleState             = &Error{Kind: KindStaleState}
	ErrOfferNotOpen           = &Error{Kind: KindOfferNotOpen}
	ErrCapacityExhausted      = &Error{Kind: KindCapacityExhausted}
	ErrPriorServiceUnfinished = &Error{Kind: KindPriorServiceUnfinished}
	ErrPriorOfferOpen         = &Error{Kind: KindPriorOfferOpen}
	ErrInsufficientFunds      = &Error{Kind: KindInsufficientFunds}
	ErrAlreadyPooled          = &Error{Kind: KindAlreadyPooled}
	ErrDoubleRelease          = &Error{Kind: KindDoubleRelease}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrDrainStall             = &Error{Kind: KindDrainStall}
	ErrInvariantViolated      = &Error{Kind: KindInvariantViolated}
	ErrInvalidArgument        = &Error{Kind: KindInvalidArgument}
)

func newError(kind ErrorKind, op string, entity EntityKind, id ID) *Error {
	return &Error{Kind: kind, Op: op, Entity: entity, ID: id}
}

// NewError builds a structured error. Repository implementations outside this
// package use it to report NotFound and friends.
func NewError(kind ErrorKind, op string, entity EntityKind, id ID, cause error) *Error {
	return &Error{Kind: kind, Op: op, Entity: entity, ID: id, Err: cause}
}

// KindOf extracts the kind of err, or KindUnknown for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsBenign reports whether err is an expected lost race that callers should drop.
func IsBenign(err error) bool {
	return err != nil && KindOf(err).Benign()
}
