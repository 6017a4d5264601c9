package connmgr

// ============================================================================
// Connection Error Definitions
// Purpose: One tagged error type for every way opening or closing can fail
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors, matched with errors.Is
var (
	// ErrResolve indicates the host name could not be resolved or resolved
	// to no address (not retried)
	ErrResolve = errors.New("connmgr: name resolution failed")

	// ErrSocket indicates the stream socket could not be created (not retried)
	ErrSocket = errors.New("connmgr: socket creation failed")

	// ErrRetriesExhausted indicates every connect attempt failed
	ErrRetriesExhausted = errors.New("connmgr: connect failed on every attempt")

	// ErrLocal indicates the local socket could not be created or connected
	ErrLocal = errors.New("connmgr: local socket connect failed")

	// ErrClose indicates the underlying close failed
	ErrClose = errors.New("connmgr: close failed")

	// ErrInvalidPort indicates a port outside 1..65535 (checked before any
	// lookup, not retried)
	ErrInvalidPort = errors.New("connmgr: invalid port")

	// ErrDirect indicates a network operation on the direct handle
	ErrDirect = errors.New("connmgr: direct handle has no network connection")
)

// Kind classifies a ConnError
type Kind int

const (
	KindResolve          Kind = iota + 1 // could not even try: lookup failed
	KindSocket                           // could not even try: no socket
	KindRetriesExhausted                 // tried and failed
	KindLocal                            // local socket failure
	KindClose                            // close failure
	KindInvalidPort                      // could not even try: bad port argument
)

func (k Kind) String() string {
	switch k {
	case KindResolve:
		return "resolve"
	case KindSocket:
		return "socket"
	case KindRetriesExhausted:
		return "retries_exhausted"
	case KindLocal:
		return "local"
	case KindClose:
		return "close"
	case KindInvalidPort:
		return "invalid_port"
	default:
		return "unknown"
	}
}

// Code returns the legacy status value for the kind: -1 for invalid port,
// lookup and socket failures, -2 for exhausted retries, 1 for local failures
// and -1 for close failures.
func (k Kind) Code() int {
	switch k {
	case KindRetriesExhausted:
		return -2
	case KindLocal:
		return 1
	default:
		return -1
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindResolve:
		return ErrResolve
	case KindSocket:
		return ErrSocket
	case KindRetriesExhausted:
		return ErrRetriesExhausted
	case KindLocal:
		return ErrLocal
	case KindClose:
		return ErrClose
	case KindInvalidPort:
		return ErrInvalidPort
	default:
		return nil
	}
}

// ConnError is returned by every failing Manager operation
type ConnError struct {
	Kind     Kind   // failure class
	Op       string // "open_remote", "open_local", "close"
	Addr     string // host:port or socket path
	Attempts int    // connect attempts made (open_remote only)
	Err      error  // underlying error
}

func (e *ConnError) Error() string {
	msg := fmt.Sprintf("connmgr: %s %s: %s", e.Op, e.Addr, e.Kind)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf extracts the Kind of err, or 0 when err is not a ConnError
func KindOf(err error) Kind {
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}
