// ABOUTME: Error taxonomy for lifecycle operations
// ABOUTME: Each failure carries a Kind that the HTTP layer maps onto a status code

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/parley-gateway/internal/store"
)

// Kind classifies a lifecycle failure.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindNotFound
	KindInvalid
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindNotFound:
		return "not found"
	case KindInvalid:
		return "invalid"
	case KindForbidden:
		return "forbidden"
	default:
		return "internal"
	}
}

// Error is returned by every Service operation that fails.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "delete message"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the bare sentinels below by kind, so
// errors.Is(err, conversation.ErrNotFound) works for any NotFound error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrInvalid         = &Error{Kind: KindInvalid}
	ErrForbidden       = &Error{Kind: KindForbidden}
)

// KindOf classifies err. store.ErrNotFound counts as NotFound; anything
// unrecognised is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, store.ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// wrapStore turns a store failure into a lifecycle error.
func wrapStore(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return newError(KindNotFound, op, err)
	}
	return newError(KindInternal, op, err)
}

var (
	errEmptyMessage  = errors.New("message needs a body or an image")
	errNotMember     = errors.New("user is not a member of the conversation")
	errNotSender     = errors.New("only the sender may change this message")
	errGroupTooSmall = errors.New("group conversations need a name and at least two other members")
	errNoPeer        = errors.New("one-to-one conversations need another user")
)
