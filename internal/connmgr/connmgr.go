// ============================================================================
// Peer-Broker Connection Manager
// ============================================================================
//
// Package: internal/connmgr
// File: connmgr.go
// Purpose: Open and close stream connections to peers
//
// Connection kinds:
//   - Remote TCP by host name and port, with bounded connect retry
//   - Local unix socket by filesystem path, no retry
//   - Direct: port 0 selects the in-process path; no lookup, no socket
//
// Remote open sequence:
//   1. port == 0              → direct handle (ID 0)
//   2. resolve host           → ErrResolve on failure or zero addresses
//   3. connect, at most ConnectAttempts times, ConnectBackoff in between
//        socket creation failure → ErrSocket (not retried)
//        every attempt failed    → ErrRetriesExhausted
//   4. success                → handle with ID >= 1
//
// Counters:
//   The open-connection counter changes on every successful open and every
//   close of a networked handle, whatever the log level. Only the diagnostic
//   line is gated by the logger level.
//
// ============================================================================

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/atomic"

	"github.com/ChuLiYu/peer-broker/internal/metrics"
	"github.com/ChuLiYu/peer-broker/internal/transport"
)

// Defaults for Config
const (
	DefaultConnectAttempts = 3
	DefaultConnectBackoff  = 5 * time.Millisecond
)

// Config holds connection manager settings
type Config struct {
	ConnectAttempts int               // connect tries before giving up
	ConnectBackoff  time.Duration     // pause between failed tries
	DialTimeout     time.Duration     // per attempt, 0 means none
	Transfer        transport.Options // applied by Handle.Receive / Handle.Send
}

// DefaultConfig returns the stock settings: 3 attempts, 5ms backoff, no
// dial timeout, 1ms fragment interval and no transfer timeout.
func DefaultConfig() Config {
	return Config{
		ConnectAttempts: DefaultConnectAttempts,
		ConnectBackoff:  DefaultConnectBackoff,
		Transfer:        transport.Options{RetryInterval: transport.DefaultRetryInterval},
	}
}

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// DialFunc connects to address on network.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Option customizes a Manager
type Option func(*Manager)

// WithResolver replaces net.DefaultResolver
func WithResolver(r Resolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// WithDialFunc replaces net.Dialer.DialContext
func WithDialFunc(d DialFunc) Option {
	return func(m *Manager) { m.dial = d }
}

// WithMetrics attaches a Prometheus collector
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithLogger replaces the default component logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager opens and closes connections and counts the open ones.
// It is safe for concurrent use; the handles it returns are not.
type Manager struct {
	cfg      Config
	resolver Resolver
	dial     DialFunc
	metrics  *metrics.Collector
	logger   *slog.Logger

	open *atomic.Int64  // currently open networked handles
	seq  *atomic.Uint64 // last handle ID issued
}

// New creates a Manager. Zero fields in cfg fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = def.ConnectAttempts
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = def.ConnectBackoff
	}

	m := &Manager{
		cfg:      cfg,
		resolver: net.DefaultResolver,
		logger:   slog.With("component", "connmgr"),
		open:     atomic.NewInt64(0),
		seq:      atomic.NewUint64(0),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dial == nil {
		d := &net.Dialer{}
		m.dial = d.DialContext
	}
	if m.cfg.Transfer.Logger == nil {
		m.cfg.Transfer.Logger = m.logger
	}
	return m
}

// OpenConnections returns the number of networked handles currently open
func (m *Manager) OpenConnections() int64 {
	return m.open.Load()
}

// OpenRemote connects to host:port over TCP.
//
// port 0 returns the direct handle without any lookup or socket. The
// returned error is always a *ConnError (or the ctx error when ctx ends
// during the retry backoff).
func (m *Manager) OpenRemote(ctx context.Context, host string, port int) (*Handle, error) {
	if port == 0 {
		m.logger.Debug("using direct memory copy", "host", host)
		return &Handle{mgr: m, network: "direct", addr: host}, nil
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	m.logger.Debug("opening tcp connection", "server", host, "port", port)

	if port < 0 || port > 65535 {
		return nil, m.fail(&ConnError{Kind: KindInvalidPort, Op: "open_remote", Addr: addr,
			Err: fmt.Errorf("port %d out of range", port)})
	}

	ips, err := m.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, m.fail(&ConnError{Kind: KindResolve, Op: "open_remote", Addr: addr, Err: err})
	}
	ip, ok := pickAddr(ips)
	if !ok {
		return nil, m.fail(&ConnError{Kind: KindResolve, Op: "open_remote", Addr: addr,
			Err: errors.New("no addresses")})
	}
	target := net.JoinHostPort(ip.String(), strconv.Itoa(port))

	var lastErr error
	for attempt := 1; attempt <= m.cfg.ConnectAttempts; attempt++ {
		m.metrics.RecordConnectAttempt()
		conn, err := m.dialOnce(ctx, "tcp", target)
		if err == nil {
			h := m.register(conn, "tcp", addr)
			m.logger.Debug("connected", "addr", addr, "handle", h.id,
				"attempt", attempt, "connections", m.open.Load())
			return h, nil
		}
		if isSocketCreation(err) {
			return nil, m.fail(&ConnError{Kind: KindSocket, Op: "open_remote", Addr: addr,
				Attempts: attempt, Err: err})
		}

		lastErr = err
		m.logger.Debug("connect failed", "addr", addr, "attempt", attempt, "error", err)
		if attempt == m.cfg.ConnectAttempts {
			break
		}
		if err := wait(ctx, m.cfg.ConnectBackoff); err != nil {
			return nil, fmt.Errorf("connmgr: open_remote %s: %w", addr, err)
		}
	}

	return nil, m.fail(&ConnError{Kind: KindRetriesExhausted, Op: "open_remote", Addr: addr,
		Attempts: m.cfg.ConnectAttempts, Err: lastErr})
}

// OpenLocal connects a unix stream socket to path. It is not retried.
func (m *Manager) OpenLocal(ctx context.Context, path string) (*Handle, error) {
	conn, err := m.dialOnce(ctx, "unix", path)
	if err != nil {
		return nil, m.fail(&ConnError{Kind: KindLocal, Op: "open_local", Addr: path, Err: err})
	}
	h := m.register(conn, "unix", path)
	m.logger.Debug("connected", "path", path, "handle", h.id, "connections", m.open.Load())
	return h, nil
}

// Close closes a networked handle. Closing nil or the direct handle is a
// no-op. A second Close on the same handle returns ErrClose and leaves the
// counter alone.
func (m *Manager) Close(h *Handle) error {
	if h == nil || h.Direct() {
		return nil
	}
	if !h.closed.CompareAndSwap(false, true) {
		return &ConnError{Kind: KindClose, Op: "close", Addr: h.addr, Err: net.ErrClosed}
	}

	err := h.conn.Close()
	n := m.open.Dec()
	m.metrics.RecordClose()
	m.logger.Debug("closed connection", "handle", h.id, "connections", n)

	if err != nil {
		m.logger.Warn("close failed", "handle", h.id, "error", err)
		return &ConnError{Kind: KindClose, Op: "close", Addr: h.addr, Err: err}
	}
	return nil
}

func (m *Manager) dialOnce(ctx context.Context, network, address string) (net.Conn, error) {
	if m.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()
	}
	return m.dial(ctx, network, address)
}

func (m *Manager) register(conn net.Conn, network, addr string) *Handle {
	m.open.Inc()
	m.metrics.RecordOpen()
	return &Handle{
		id:      m.seq.Inc(),
		conn:    conn,
		network: network,
		addr:    addr,
		mgr:     m,
	}
}

func (m *Manager) fail(err *ConnError) error {
	m.metrics.RecordConnectFailure(err.Kind.String())
	m.logger.Debug("open failed", "op", err.Op, "addr", err.Addr, "kind", err.Kind, "error", err.Err)
	return err
}

// pickAddr prefers IPv4, like the legacy AF_INET-only connect path.
func pickAddr(ips []net.IPAddr) (net.IPAddr, bool) {
	for _, ip := range ips {
		if ip.IP.To4() != nil {
			return ip, true
		}
	}
	for _, ip := range ips {
		if len(ip.IP) > 0 {
			return ip, true
		}
	}
	return net.IPAddr{}, false
}

func isSocketCreation(err error) bool {
	var se *os.SyscallError
	return errors.As(err, &se) && se.Syscall == "socket"
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
