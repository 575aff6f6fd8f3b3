package alloc

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidRequest indicates a zero size or an invalid alignment. Never retried.
	ErrInvalidRequest = errors.New("alloc: invalid request")

	// ErrExhausted indicates the arena cannot currently satisfy the request.
	// It wraps unix.ENOMEM.
	ErrExhausted = fmt.Errorf("alloc: arena exhausted: %w", unix.ENOMEM)
)

// Violation is the panic value raised when a caller breaks the allocator
// contract, e.g. by freeing a pointer it was never given.
type Violation struct {
	Op     string
	Addr   Addr
	Layout Layout
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("alloc: contract violation in %s(%s, %s): %s", v.Op, v.Addr, v.Layout, v.Reason)
}

// Violate panics with a *Violation.
func Violate(op string, a Addr, l Layout, format string, args ...any) {
	panic(&Violation{Op: op, Addr: a, Layout: l, Reason: fmt.Sprintf(format, args...)})
}

// AsViolation reports whether a recovered panic value is a *Violation.
func AsViolation(r any) (*Violation, bool) {
	err, ok := r.(error)
	if !ok {
		return nil, false
	}
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
