package connmgr

import (
	"context"
	"net"

	"go.uber.org/atomic"

	"github.com/ChuLiYu/peer-broker/internal/metrics"
	"github.com/ChuLiYu/peer-broker/internal/transport"
)

// Handle is an open connection returned by a Manager.
//
// A handle has one owner; Receive and Send must not run concurrently on
// the same handle. Closing the connection from another goroutine is the
// way to release a blocked transfer (besides ctx).
type Handle struct {
	id      uint64
	conn    net.Conn
	network string
	addr    string
	mgr     *Manager
	closed  atomic.Bool
}

// ID returns 0 for the direct handle and a value >= 1 otherwise
func (h *Handle) ID() uint64 { return h.id }

// Direct reports whether the handle is the in-process path (port 0)
func (h *Handle) Direct() bool { return h.conn == nil }

// Conn returns the underlying connection, nil for the direct handle
func (h *Handle) Conn() net.Conn { return h.conn }

// Network returns "tcp", "unix" or "direct"
func (h *Handle) Network() string { return h.network }

// Addr returns the address the handle was opened with
func (h *Handle) Addr() string { return h.addr }

// Receive fills buf from the connection. See transport.Receive.
func (h *Handle) Receive(ctx context.Context, buf []byte) (int, error) {
	if h.Direct() {
		return 0, ErrDirect
	}
	n, err := transport.Receive(ctx, h.conn, buf, h.mgr.cfg.Transfer)
	h.mgr.metrics.RecordTransfer(metrics.DirectionReceive, n, len(buf))
	return n, err
}

// Send writes all of buf to the connection. See transport.Send.
func (h *Handle) Send(ctx context.Context, buf []byte) (int, error) {
	if h.Direct() {
		return 0, ErrDirect
	}
	n, err := transport.Send(ctx, h.conn, buf, h.mgr.cfg.Transfer)
	h.mgr.metrics.RecordTransfer(metrics.DirectionSend, n, len(buf))
	return n, err
}
