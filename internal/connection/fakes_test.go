package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errRemoteClosed = errors.New("remote closed")

// fakeConn is an in-memory Conn. Frames pushed with deliver are returned by
// ReadMessage; writes are recorded.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	clean    atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errRemoteClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Close(clean bool) error {
	c.once.Do(func() {
		c.clean.Store(clean)
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// drop simulates the server going away.
func (c *fakeConn) drop() {
	c.once.Do(func() { close(c.closed) })
}

func (c *fakeConn) deliver(t *testing.T, msgType string, payload any) {
	t.Helper()
	f, err := protocol.NewFrame(msgType, payload, time.Now())
	require.NoError(t, err)
	data, err := f.Encode()
	require.NoError(t, err)
	c.in <- data
}

// writtenTypes returns the frame types written so far, in order.
func (c *fakeConn) writtenTypes(t *testing.T) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		f, err := protocol.Parse(w)
		require.NoError(t, err)
		types = append(types, f.Type)
	}
	return types
}

func (c *fakeConn) written(t *testing.T) []*protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := make([]*protocol.Frame, 0, len(c.writes))
	for _, w := range c.writes {
		f, err := protocol.Parse(w)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

type dialResult struct {
	conn Conn
	err  error
}

// fakeDialer blocks each Dial until the test supplies an outcome.
type fakeDialer struct {
	results chan dialResult
	dials   atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.dials.Add(1)
	select {
	case r := <-d.results:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) succeed(c *fakeConn) { d.results <- dialResult{conn: c} }
func (d *fakeDialer) fail()               { d.results <- dialResult{err: errors.New("connection refused")} }

// statusRecorder collects status transitions.
type statusRecorder struct {
	mu   sync.Mutex
	seen []Status
}

func (r *statusRecorder) record(s Status) {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	r.mu.Unlock()
}

func (r *statusRecorder) get() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.seen...)
}

type harness struct {
	m      *Manager
	dialer *fakeDialer
	clock  *clockwork.FakeClock
	status *statusRecorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		dialer: newFakeDialer(),
		clock:  clockwork.NewFakeClock(),
		status: &statusRecorder{},
	}
	m, err := NewManager(cfg, h.dialer, zerolog.Nop(), WithClock(h.clock))
	require.NoError(t, err)
	m.OnStatusChange(h.status.record)
	h.m = m
	t.Cleanup(m.Close)
	return h
}

// connect drives the manager to StatusConnected over c.
func (h *harness) connect(t *testing.T, c *fakeConn) {
	t.Helper()
	dials := h.dialer.dials.Load()
	h.m.Connect()
	h.waitDials(t, dials+1)
	h.dialer.succeed(c)
	h.waitStatus(t, StatusConnected)
}

func (h *harness) waitStatus(t *testing.T, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.Status() == want },
		time.Second, 5*time.Millisecond, "status never became %s (now %s)", want, h.m.Status())
}

func (h *harness) waitDials(t *testing.T, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return h.dialer.dials.Load() == n },
		time.Second, 5*time.Millisecond, "expected %d dials, got %d", n, h.dialer.dials.Load())
}

type chatPayload struct {
	Seq int `json:"seq"`
}

func seqOf(t *testing.T, f *protocol.Frame) int {
	t.Helper()
	var p chatPayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	return p.Seq
}
