// Package connection owns the persistent push channel to the backend.
//
// A Manager runs one event loop goroutine. Transport events, timer callbacks
// and public calls are all posted to that loop, so connection state is only
// ever touched from one goroutine and every subscriber callback runs there
// too. Public methods never wait for the loop, which means handlers may call
// Send, Connect or Disconnect from inside a callback.
package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/dispatch"
	"github.com/AakeshF/legalai-portfolio-sub000/internal/metrics"
	"github.com/AakeshF/legalai-portfolio-sub000/internal/protocol"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used for timers.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(mt *metrics.Connection) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager maintains one logical push-channel connection.
type Manager struct {
	cfg     Config
	dialer  Dialer
	clock   clockwork.Clock
	log     zerolog.Logger
	metrics *metrics.Connection

	registry        *dispatch.Registry
	statusListeners dispatch.Listeners[Status]

	// Readable from any goroutine.
	status     atomic.Value
	queueDepth atomic.Int64
	attempt    atomic.Int64
	lastPong   atomic.Int64

	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}

	// Owned by the loop goroutine.
	conn         Conn
	gen          uint64
	dialing      bool
	dialCancel   context.CancelFunc
	queue        []OutboundMessage
	backoff      backoff.BackOff
	reconnect    clockwork.Timer
	reconnectGen uint64
	heartbeat    clockwork.Timer
	pongTimer    clockwork.Timer
	awaitingPong bool
	finished     bool
}

// NewManager creates a Manager and starts its event loop. It does not connect.
func NewManager(cfg Config, dialer Dialer, log zerolog.Logger, opts ...Option) (*Manager, error) {
	if dialer == nil {
		return nil, ErrNilDialer
	}

	m := &Manager{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		clock:   clockwork.NewRealClock(),
		log:     log.With().Str("component", "connection").Logger(),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.registry = dispatch.NewRegistry(log)
	m.backoff = m.newBackOff()
	m.status.Store(StatusDisconnected)
	m.metrics.SetStatus(string(StatusDisconnected), statusNames())

	go m.run()
	return m, nil
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.ReconnectBaseDelay
	b.MaxInterval = m.cfg.ReconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Clock = m.clock
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(m.cfg.MaxReconnectAttempts))
}

func statusNames() []string {
	names := make([]string, len(AllStatuses))
	for i, s := range AllStatuses {
		names[i] = string(s)
	}
	return names
}

// Connect opens the connection unless one is open or being opened. After the
// manager gave up with StatusError, Connect starts a fresh series of attempts.
func (m *Manager) Connect() {
	m.post(func() { m.connect(true) })
}

// Disconnect closes the connection cleanly and cancels any pending reconnect.
func (m *Manager) Disconnect() {
	m.post(m.disconnect)
}

// Send transmits a frame, or queues it until the next successful connection.
// It only fails if payload cannot be encoded or the manager is closed.
func (m *Manager) Send(msgType string, payload any) error {
	f, err := protocol.NewFrame(msgType, payload, m.clock.Now())
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	data, err := f.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}

	msg := OutboundMessage{Type: msgType, Payload: payload, CreatedAt: f.Timestamp, frame: data}
	if !m.post(func() { m.deliver(msg) }) {
		return ErrClosed
	}
	return nil
}

// On subscribes h to eventType, or to every event with dispatch.Wildcard.
// Reserved heartbeat frames are never delivered.
func (m *Manager) On(eventType string, h dispatch.Handler) func() {
	return m.registry.Subscribe(eventType, h)
}

// OnTyped subscribes fn to eventType and decodes each frame's data into T.
// Frames whose data does not decode are logged and skipped.
func OnTyped[T any](m *Manager, eventType string, fn func(T, *protocol.Frame)) func() {
	return m.On(eventType, func(f *protocol.Frame) {
		var v T
		if err := f.ParseData(&v); err != nil {
			m.log.Warn().Err(&ParseError{Raw: f.Data, Err: err}).Str("type", f.Type).Msg("dropping event with undecodable data")
			return
		}
		fn(v, f)
	})
}

// OnStatusChange registers fn for status transitions.
func (m *Manager) OnStatusChange(fn func(Status)) func() {
	return m.statusListeners.Add(fn)
}

// Status returns the current status.
func (m *Manager) Status() Status {
	return m.status.Load().(Status)
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	var lastPong time.Time
	if ns := m.lastPong.Load(); ns != 0 {
		lastPong = time.Unix(0, ns)
	}
	return Stats{
		Status:           m.Status(),
		QueueDepth:       int(m.queueDepth.Load()),
		ReconnectAttempt: int(m.attempt.Load()),
		LastPong:         lastPong,
	}
}

// Close disconnects, stops all timers and waits for the event loop to exit.
// It must not be called from a subscriber callback.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		m.pending = append(m.pending, m.teardown)
	}
	m.mu.Unlock()
	m.signal()
	<-m.stopped
}

// post schedules fn on the event loop. It reports false after Close.
func (m *Manager) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.pending = append(m.pending, fn)
	m.mu.Unlock()
	m.signal()
	return true
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer close(m.stopped)

	for range m.wake {
		for {
			m.mu.Lock()
			batch := m.pending
			m.pending = nil
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
				if m.finished {
					return
				}
			}
		}
	}
}

func (m *Manager) teardown() {
	m.disconnect()
	m.finished = true
	m.log.Debug().Msg("manager closed")
}

func (m *Manager) setStatus(s Status) {
	if m.Status() == s {
		return
	}
	m.status.Store(s)
	m.metrics.SetStatus(string(s), statusNames())
	m.log.Debug().Str("status", string(s)).Msg("status changed")

	for _, p := range m.statusListeners.Notify(s) {
		m.log.Error().Interface("panic", p).Msg("status listener panicked")
	}
}

func (m *Manager) connect(manual bool) {
	if manual {
		m.cancelReconnect()
		if m.Status() == StatusError {
			m.resetBackoff()
		}
	}
	if m.conn != nil || m.dialing {
		return
	}
	m.startDial()
}

func (m *Manager) startDial() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	m.dialing = true
	m.dialCancel = cancel
	m.setStatus(StatusConnecting)

	go func() {
		conn, err := m.dialer.Dial(ctx)
		cancel()
		if !m.post(func() { m.handleDial(gen, conn, err) }) && conn != nil {
			_ = conn.Close(true)
		}
	}()
}

func (m *Manager) handleDial(gen uint64, conn Conn, err error) {
	if gen != m.gen {
		if conn != nil {
			_ = conn.Close(true)
		}
		return
	}
	m.dialing = false
	m.dialCancel = nil

	if err != nil {
		m.log.Warn().Err(&TransportError{Op: "dial", Err: err}).Msg("connect failed")
		m.connectionLost()
		return
	}

	m.conn = conn
	m.resetBackoff()
	m.lastPong.Store(m.clock.Now().UnixNano())
	m.awaitingPong = false
	m.armHeartbeat()
	go m.readLoop(gen, conn)

	m.log.Info().Msg("connected")
	m.setStatus(StatusConnected)
	m.flush()
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.post(func() { m.handleReadError(gen, err) })
			return
		}
		if !m.post(func() { m.handleFrame(gen, data) }) {
			return
		}
	}
}

func (m *Manager) handleReadError(gen uint64, err error) {
	if gen != m.gen || m.conn == nil {
		return
	}
	m.abort(&TransportError{Op: "read", Err: err})
}

func (m *Manager) handleFrame(gen uint64, data []byte) {
	if gen != m.gen || m.conn == nil {
		return
	}

	f, err := protocol.Parse(data)
	if err != nil {
		m.log.Warn().Err(&ParseError{Raw: data, Err: err}).Str("data", truncate(data, 200)).Msg("dropping malformed frame")
		m.metrics.IncDropped()
		return
	}
	m.metrics.IncReceived(f.Type)

	switch f.Type {
	case protocol.TypePong:
		m.lastPong.Store(m.clock.Now().UnixNano())
		m.awaitingPong = false
		stopTimer(&m.pongTimer)
		return
	case protocol.TypePing:
		return
	}

	errs := m.registry.Dispatch(f)
	m.metrics.AddHandlerPanics(len(errs))
}

// abort tears down a connection that failed and schedules a reconnect.
func (m *Manager) abort(err error) {
	m.log.Warn().Err(err).Msg("connection lost")
	if conn := m.dropConn(); conn != nil {
		_ = conn.Close(false)
	}
	m.connectionLost()
}

func (m *Manager) dropConn() Conn {
	conn := m.conn
	m.conn = nil
	m.gen++
	m.awaitingPong = false
	stopTimer(&m.heartbeat)
	stopTimer(&m.pongTimer)
	return conn
}

// connectionLost schedules the next reconnect, or gives up once the attempts
// are exhausted. The timer is armed before listeners hear about the
// disconnect.
func (m *Manager) connectionLost() {
	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop {
		m.setStatus(StatusDisconnected)
		m.log.Error().Err(ErrReconnectExhausted).Int("attempts", m.cfg.MaxReconnectAttempts).Msg("giving up")
		m.setStatus(StatusError)
		return
	}

	attempt := m.attempt.Add(1)
	m.metrics.IncReconnect()
	m.log.Info().Int64("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")

	m.reconnectGen++
	rgen := m.reconnectGen
	m.reconnect = m.clock.AfterFunc(delay, func() {
		m.post(func() {
			if rgen != m.reconnectGen {
				return
			}
			m.reconnect = nil
			m.connect(false)
		})
	})

	m.setStatus(StatusDisconnected)
}

func (m *Manager) cancelReconnect() {
	m.reconnectGen++
	stopTimer(&m.reconnect)
}

func (m *Manager) resetBackoff() {
	m.backoff.Reset()
	m.attempt.Store(0)
}

func (m *Manager) disconnect() {
	m.cancelReconnect()
	if m.dialing {
		m.dialCancel()
		m.dialing = false
		m.dialCancel = nil
		m.gen++
	}
	if conn := m.dropConn(); conn != nil {
		if err := conn.Close(true); err != nil {
			m.log.Debug().Err(&TransportError{Op: "close", Err: err}).Msg("close failed")
		}
		m.log.Info().Msg("disconnected")
	}
	m.resetBackoff()

	if m.cfg.DropQueueOnDisconnect && len(m.queue) > 0 {
		m.log.Info().Int("dropped", len(m.queue)).Msg("discarding queued messages")
		m.queue = nil
		m.updateQueueDepth()
	}
	m.setStatus(StatusDisconnected)
}

func (m *Manager) deliver(msg OutboundMessage) {
	if m.conn != nil && m.Status() == StatusConnected {
		err := m.conn.WriteMessage(msg.frame)
		if err == nil {
			return
		}
		m.enqueue(msg)
		m.abort(&TransportError{Op: "write", Err: err})
		return
	}

	m.enqueue(msg)
	if m.Status() == StatusDisconnected && m.reconnect == nil && !m.dialing {
		m.connect(false)
	}
}

func (m *Manager) enqueue(msg OutboundMessage) {
	m.queue = append(m.queue, msg)
	if limit := m.cfg.MaxQueueSize; limit > 0 && len(m.queue) > limit {
		dropped := len(m.queue) - limit
		m.queue = m.queue[dropped:]
		m.log.Warn().Int("dropped", dropped).Msg("outbound queue full, dropping oldest")
	}
	m.updateQueueDepth()
}

// flush drains the queue in order. An entry is only removed after it was written.
func (m *Manager) flush() {
	if len(m.queue) == 0 {
		return
	}
	now := m.clock.Now()
	sent := 0
	for len(m.queue) > 0 && m.conn != nil {
		msg := m.queue[0]
		if m.cfg.MaxQueueAge > 0 && now.Sub(msg.CreatedAt) > m.cfg.MaxQueueAge {
			m.log.Warn().Str("type", msg.Type).Time("created_at", msg.CreatedAt).Msg("dropping stale queued message")
			m.queue = m.queue[1:]
			continue
		}
		if err := m.conn.WriteMessage(msg.frame); err != nil {
			m.updateQueueDepth()
			m.abort(&TransportError{Op: "write", Err: err})
			return
		}
		m.queue = m.queue[1:]
		sent++
	}
	if len(m.queue) == 0 {
		m.queue = nil
	}
	m.updateQueueDepth()
	m.log.Debug().Int("sent", sent).Msg("flushed outbound queue")
}

func (m *Manager) updateQueueDepth() {
	m.queueDepth.Store(int64(len(m.queue)))
	m.metrics.SetQueueDepth(len(m.queue))
}

func (m *Manager) armHeartbeat() {
	gen := m.gen
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() {
		m.post(func() { m.beat(gen) })
	})
}

func (m *Manager) beat(gen uint64) {
	if gen != m.gen || m.conn == nil {
		return
	}
	m.armHeartbeat()

	f, err := protocol.NewFrame(protocol.TypePing, nil, m.clock.Now())
	if err != nil {
		return
	}
	data, err := f.Encode()
	if err != nil {
		return
	}

	if m.cfg.PongTimeout > 0 && !m.awaitingPong {
		m.awaitingPong = true
		m.pongTimer = m.clock.AfterFunc(m.cfg.PongTimeout, func() {
			m.post(func() {
				if gen == m.gen && m.conn != nil && m.awaitingPong {
					m.abort(ErrPongTimeout)
				}
			})
		})
	}

	if err := m.conn.WriteMessage(data); err != nil {
		m.abort(&TransportError{Op: "write", Err: err})
	}
}

func stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
