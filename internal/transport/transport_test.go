package transport

// ============================================================================
// Transport Test File
// Purpose: Verify fragment reassembly, short transfers, timeout/cancellation
// ============================================================================

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var fastOpts = Options{RetryInterval: time.Microsecond}

// fragmentReader hands out data in the scripted chunk sizes (cycled).
// A chunk of 0 yields (0, nil).
type fragmentReader struct {
	data   []byte
	chunks []int
	calls  int
	err    error // returned once data is exhausted; io.EOF when nil
}

func (r *fragmentReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	size := r.chunks[r.calls%len(r.chunks)]
	r.calls++
	if size > len(p) {
		size = len(p)
	}
	if size > len(r.data) {
		size = len(r.data)
	}
	n := copy(p, r.data[:size])
	r.data = r.data[n:]
	return n, nil
}

// fragmentWriter accepts at most the scripted chunk sizes per call and
// fails with err after limit bytes (limit < 0 means unlimited).
type fragmentWriter struct {
	buf    bytes.Buffer
	chunks []int
	calls  int
	limit  int
	err    error
}

func (w *fragmentWriter) Write(p []byte) (int, error) {
	if w.limit >= 0 && w.buf.Len() >= w.limit {
		return 0, w.err
	}
	size := w.chunks[w.calls%len(w.chunks)]
	w.calls++
	if size > len(p) {
		size = len(p)
	}
	if w.limit >= 0 && w.buf.Len()+size > w.limit {
		size = w.limit - w.buf.Len()
	}
	w.buf.Write(p[:size])
	return size, nil
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// ============================================================================
// Receive Tests
// ============================================================================

func TestReceiveFragments(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		chunks []int
	}{
		{"single read", 64, []int{64}},
		{"byte at a time", 17, []int{1}},
		{"uneven fragments", 100, []int{3, 7, 11, 50}},
		{"zero-length fragments", 40, []int{0, 5, 0, 0, 9}},
		{"empty request", 0, []int{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := payload(tt.size)
			r := &fragmentReader{data: append([]byte(nil), want...), chunks: tt.chunks}
			buf := make([]byte, tt.size)

			n, err := Receive(context.Background(), r, buf, fastOpts)

			require.NoError(t, err)
			assert.Equal(t, tt.size, n)
			assert.Equal(t, want, buf)
		})
	}
}

func TestReceivePeerClosesEarly(t *testing.T) {
	r := &fragmentReader{data: payload(7), chunks: []int{2, 3}}
	buf := make([]byte, 20)

	n, err := Receive(context.Background(), r, buf, fastOpts)

	assert.Equal(t, 7, n, "count must equal the bytes delivered before close")
	assert.ErrorIs(t, err, ErrShortTransfer)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, payload(7), buf[:7])
}

func TestReceiveError(t *testing.T) {
	boom := errors.New("connection reset")
	r := &fragmentReader{data: payload(5), chunks: []int{5}, err: boom}
	buf := make([]byte, 8)

	n, err := Receive(context.Background(), r, buf, fastOpts)

	assert.Equal(t, 5, n)
	assert.ErrorIs(t, err, boom)

	var short *ShortTransferError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, "receive", short.Op)
	assert.Equal(t, 5, short.Done)
	assert.Equal(t, 8, short.Want)
}

func TestReceiveOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	want := payload(1024)
	go func() {
		for off := 0; off < len(want); off += 100 {
			end := off + 100
			if end > len(want) {
				end = len(want)
			}
			_, _ = server.Write(want[off:end])
		}
	}()

	buf := make([]byte, len(want))
	n, err := Receive(context.Background(), client, buf, fastOpts)

	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	assert.Equal(t, want, buf)
}

func TestReceiveOverPipeClosedMidway(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		_, _ = server.Write([]byte("abc"))
		server.Close()
	}()

	buf := make([]byte, 10)
	n, err := Receive(context.Background(), client, buf, fastOpts)

	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "abc", string(buf[:n]))
}

// ============================================================================
// Send Tests
// ============================================================================

func TestSendFragments(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		chunks []int
	}{
		{"single write", 64, []int{64}},
		{"small fragments", 33, []int{4}},
		{"zero-length fragments", 25, []int{0, 6, 0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := payload(tt.size)
			w := &fragmentWriter{chunks: tt.chunks, limit: -1}

			n, err := Send(context.Background(), w, want, fastOpts)

			require.NoError(t, err)
			assert.Equal(t, tt.size, n)
			assert.Equal(t, want, w.buf.Bytes())
		})
	}
}

func TestSendPeerGoneMidway(t *testing.T) {
	w := &fragmentWriter{chunks: []int{4}, limit: 10, err: io.ErrClosedPipe}

	n, err := Send(context.Background(), w, payload(30), fastOpts)

	assert.Equal(t, 10, n)
	assert.ErrorIs(t, err, ErrShortTransfer)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestSendReceiveLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	want := payload(256 * 1024)
	got := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			got <- nil
			return
		}
		defer conn.Close()
		buf := make([]byte, len(want))
		n, _ := Receive(context.Background(), conn, buf, fastOpts)
		got <- buf[:n]
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	n, err := Send(context.Background(), conn, want, fastOpts)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)

	select {
	case b := <-got:
		assert.Equal(t, want, b)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not finish")
	}
}

// ============================================================================
// Timeout / Cancellation Tests
// ============================================================================

func TestReceiveTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	opts := fastOpts
	opts.Timeout = 20 * time.Millisecond

	start := time.Now()
	n, err := Receive(context.Background(), client, make([]byte, 4), opts)

	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrShortTransfer)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestReceiveCancel(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	n, err := Receive(ctx, client, make([]byte, 4), fastOpts)

	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeadlineClearedAfterTransfer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	opts := fastOpts
	opts.Timeout = 50 * time.Millisecond

	go func() { _, _ = server.Write([]byte("ab")) }()
	n, err := Receive(context.Background(), client, make([]byte, 2), opts)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Outlive the previous timeout; the next read must not inherit it.
	time.Sleep(80 * time.Millisecond)
	go func() { _, _ = server.Write([]byte("cd")) }()
	buf := make([]byte, 2)
	n, err = Receive(context.Background(), client, buf, fastOpts)
	require.NoError(t, err)
	assert.Equal(t, "cd", string(buf[:n]))
}
