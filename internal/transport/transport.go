// ============================================================================
// Peer-Broker Transport - Reliable Full-Buffer I/O
// ============================================================================
//
// Package: internal/transport
// File: transport.go
// Purpose: Move an exact number of bytes over a connected stream that may
//          deliver or accept data in arbitrary fragments.
//
// Contract:
//   Receive / Send loop until the whole buffer has been transferred, the peer
//   closes the stream, or an error occurs. The returned count is the only
//   success signal: n == len(buf) means success, anything less means failure.
//   The error (if any) only explains why the count is short.
//
// Fragments:
//   - A zero-length fragment (0, nil) is not a close; the loop keeps going.
//   - io.EOF from Read is an orderly close.
//   - Between fragments the loop sleeps RetryInterval (default 1ms).
//
// Timeout / Cancellation:
//   Default is no timeout: absent a close or error the call can block forever.
//   Options.Timeout bounds the whole transfer and ctx cancels it. Both work
//   through SetReadDeadline / SetWriteDeadline, so they only interrupt a
//   blocked call on connections that support deadlines (net.Conn does).
//
// Concurrency:
//   A connection has a single owner. Do not call Receive (or Send) for the
//   same connection from two goroutines.
//
// ============================================================================

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// DefaultRetryInterval is the pause between fragments.
const DefaultRetryInterval = time.Millisecond

// ErrShortTransfer marks a transfer that stopped before the requested size.
var ErrShortTransfer = errors.New("transport: short transfer")

// Options tunes a single transfer. The zero value means: 1ms retry
// interval, no timeout, no logging.
type Options struct {
	// RetryInterval is slept between fragments.
	RetryInterval time.Duration
	// Timeout bounds the whole transfer. Zero means no timeout.
	Timeout time.Duration
	// Logger receives per-fragment diagnostics at debug level.
	Logger *slog.Logger
}

func (o Options) retryInterval() time.Duration {
	if o.RetryInterval <= 0 {
		return DefaultRetryInterval
	}
	return o.RetryInterval
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(discardHandler{})
	}
	return o.Logger
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Receive reads exactly len(buf) bytes from r into buf.
//
// It returns the number of bytes read. A count below len(buf) means the
// peer closed the stream, an error occurred, the timeout expired or ctx was
// cancelled; err then carries the cause wrapped with ErrShortTransfer.
func Receive(ctx context.Context, r io.Reader, buf []byte, opts Options) (int, error) {
	var setDeadline func(time.Time) error
	if d, ok := r.(readDeadliner); ok {
		setDeadline = d.SetReadDeadline
	}
	return transfer(ctx, "receive", r.Read, setDeadline, buf, opts)
}

// Send writes exactly len(buf) bytes from buf to w.
//
// The return value follows the same contract as Receive.
func Send(ctx context.Context, w io.Writer, buf []byte, opts Options) (int, error) {
	var setDeadline func(time.Time) error
	if d, ok := w.(writeDeadliner); ok {
		setDeadline = d.SetWriteDeadline
	}
	return transfer(ctx, "send", w.Write, setDeadline, buf, opts)
}

func transfer(
	ctx context.Context,
	op string,
	step func([]byte) (int, error),
	setDeadline func(time.Time) error,
	buf []byte,
	opts Options,
) (int, error) {
	logger := opts.logger()
	interval := opts.retryInterval()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if setDeadline != nil {
		deadline, hasDeadline := ctx.Deadline()
		if hasDeadline {
			_ = setDeadline(deadline)
		}
		// Unblock a pending Read/Write when ctx is cancelled.
		fired := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			_ = setDeadline(time.Unix(1, 0))
			close(fired)
		})
		defer func() {
			if !stop() {
				<-fired
				_ = setDeadline(time.Time{})
				return
			}
			if hasDeadline {
				_ = setDeadline(time.Time{})
			}
		}()
	}

	total, calls := 0, 0
	for total < len(buf) {
		if err := ctx.Err(); err != nil {
			return total, shortTransfer(op, total, len(buf), err)
		}

		n, err := step(buf[total:])
		if n > 0 {
			total += n
		}
		calls++

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, os.ErrDeadlineExceeded) {
				err = ctxErr
			}
			if errors.Is(err, io.EOF) && total < len(buf) {
				err = io.ErrUnexpectedEOF
			}
			if total == len(buf) {
				break
			}
			logger.Debug("transfer stopped", "op", op, "done", total, "want", len(buf), "error", err)
			return total, shortTransfer(op, total, len(buf), err)
		}

		logger.Debug("fragment", "op", op, "bytes", n, "done", total, "want", len(buf))
		if total < len(buf) {
			if err := sleep(ctx, interval); err != nil {
				return total, shortTransfer(op, total, len(buf), err)
			}
		}
	}

	logger.Debug("transfer complete", "op", op, "bytes", total, "calls", calls)
	return total, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ShortTransferError describes a transfer that stopped early.
type ShortTransferError struct {
	Op    string // "receive" or "send"
	Done  int    // bytes transferred
	Want  int    // bytes requested
	Cause error
}

func (e *ShortTransferError) Error() string {
	return fmt.Sprintf("transport: %s stopped after %d/%d bytes: %v", e.Op, e.Done, e.Want, e.Cause)
}

func (e *ShortTransferError) Unwrap() []error {
	return []error{ErrShortTransfer, e.Cause}
}

func shortTransfer(op string, done, want int, cause error) error {
	return &ShortTransferError{Op: op, Done: done, Want: want, Cause: cause}
}
