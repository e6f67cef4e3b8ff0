// Package polling implements the pull side of status synchronization: while
// any tracked resource is processing, the Scheduler periodically fetches the
// full status snapshot and reports changes.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// StatusProcessing is the only status that counts as pending work.
const StatusProcessing = "processing"

// Resource is a tracked long-running job.
type Resource struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ResourceSource is the caller's live view of tracked resources.
type ResourceSource interface {
	Resources() []Resource
}

// SourceFunc adapts a function to ResourceSource.
type SourceFunc func() []Resource

func (f SourceFunc) Resources() []Resource { return f() }

// Fetcher retrieves the current status of every resource. Implementations
// must honor ctx and must not retry.
type Fetcher interface {
	FetchStatuses(ctx context.Context) ([]Resource, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) ([]Resource, error)

func (f FetcherFunc) FetchStatuses(ctx context.Context) ([]Resource, error) { return f(ctx) }

// FetchError reports one failed fetch. Terminal errors mean the scheduler
// has stopped.
type FetchError struct {
	Attempt  int
	Terminal bool
	Err      error
}

func (e *FetchError) Error() string {
	kind := "transient"
	if e.Terminal {
		kind = "terminal"
	}
	return fmt.Sprintf("status fetch failed (%s, attempt %d): %v", kind, e.Attempt, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Configuration errors returned by New.
var (
	ErrInvalidInterval   = errors.New("polling: interval must be positive")
	ErrInvalidMaxRetries = errors.New("polling: max retries must not be negative")
	ErrNilSource         = errors.New("polling: resource source is required")
	ErrNilFetcher        = errors.New("polling: fetcher is required")
)

// Config configures a Scheduler.
type Config struct {
	Interval   time.Duration
	MaxRetries int // Consecutive failures that stop the scheduler

	OnUpdate func(snapshot []Resource)
	OnError  func(err *FetchError)
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock used for the interval timer.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Polling) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler polls the status snapshot while there is pending work.
type Scheduler struct {
	cfg     Config
	source  ResourceSource
	fetcher Fetcher
	clock   clockwork.Clock
	log     zerolog.Logger
	metrics *metrics.Polling

	wg sync.WaitGroup

	// Serializes OnUpdate and OnError; deliveredGen is the newest fetch
	// whose result reached a callback.
	deliverMu    sync.Mutex
	deliveredGen uint64

	mu          sync.Mutex
	active      bool
	halted      bool
	visible     bool
	closed      bool
	timer       clockwork.Timer
	timerGen    uint64
	cancel      context.CancelFunc
	fetchGen    uint64
	failures    int
	lastSuccess time.Time
}

// New creates a Scheduler. It stays idle until Evaluate finds pending work.
func New(source ResourceSource, fetcher Fetcher, cfg Config, log zerolog.Logger, opts ...Option) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if cfg.MaxRetries < 0 {
		return nil, ErrInvalidMaxRetries
	}
	if source == nil {
		return nil, ErrNilSource
	}
	if fetcher == nil {
		return nil, ErrNilFetcher
	}

	s := &Scheduler{
		cfg:     cfg,
		source:  source,
		fetcher: fetcher,
		clock:   clockwork.NewRealClock(),
		log:     log.With().Str("component", "polling").Logger(),
		visible: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HasPendingWork reports whether any tracked resource is processing.
func (s *Scheduler) HasPendingWork() bool {
	return hasPending(s.source.Resources())
}

func hasPending(resources []Resource) bool {
	for _, r := range resources {
		if r.Status == StatusProcessing {
			return true
		}
	}
	return false
}

// IsPolling reports whether the scheduler is active.
func (s *Scheduler) IsPolling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// RetryCount returns the number of consecutive failed fetches.
func (s *Scheduler) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// LastSuccess returns the time of the last successful fetch in the current
// active period, or the zero time.
func (s *Scheduler) LastSuccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSuccess
}

// Evaluate starts or stops polling to match the resource list. Call it
// whenever the list changes; repeated calls never create a second timer.
func (s *Scheduler) Evaluate() {
	pending := s.HasPendingWork()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	switch {
	case pending && !s.active && !s.halted:
		s.active = true
		s.failures = 0
		s.metrics.SetActive(true)
		s.log.Debug().Msg("pending work, polling started")
		if s.visible {
			s.startFetchLocked()
			s.armLocked(s.cfg.Interval)
		}
	case !pending && s.active:
		s.stopLocked()
		s.log.Debug().Msg("no pending work, polling stopped")
	case !pending:
		s.halted = false
	}
}

// Retry restarts a scheduler that stopped after too many failures.
func (s *Scheduler) Retry() {
	s.mu.Lock()
	s.halted = false
	s.mu.Unlock()
	s.Evaluate()
}

// SetVisible suspends polling while the host is hidden. On becoming visible
// again the scheduler fetches at once if the last success is at least one
// interval old, and otherwise resumes the cadence.
func (s *Scheduler) SetVisible(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.visible == visible {
		return
	}
	s.visible = visible
	if !s.active {
		return
	}

	if !visible {
		// The in-flight fetch, if any, completes normally.
		s.stopTimerLocked()
		return
	}

	elapsed := s.clock.Since(s.lastSuccess)
	if s.lastSuccess.IsZero() || elapsed >= s.cfg.Interval {
		s.startFetchLocked()
		s.armLocked(s.cfg.Interval)
		return
	}
	s.armLocked(s.cfg.Interval - elapsed)
}

// Close stops the timer, aborts the in-flight fetch and waits for the fetch
// call to return. No callback starts after Close returns, but Close does not
// wait for one already running, so OnUpdate and OnError may call Close.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopLocked()
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) stopLocked() {
	s.stopTimerLocked()
	s.abortLocked()
	s.active = false
	s.failures = 0
	s.lastSuccess = time.Time{}
	s.metrics.SetActive(false)
}

func (s *Scheduler) armLocked(d time.Duration) {
	s.stopTimerLocked()
	s.timerGen++
	gen := s.timerGen
	s.timer = s.clock.AfterFunc(d, func() { s.tick(gen) })
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *Scheduler) tick(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.timerGen || s.closed || !s.active || !s.visible {
		return
	}
	s.armLocked(s.cfg.Interval)
	s.startFetchLocked()
}

func (s *Scheduler) abortLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.fetchGen++
}

// startFetchLocked aborts any outstanding fetch and starts a new one.
func (s *Scheduler) startFetchLocked() {
	if s.cancel != nil {
		s.metrics.IncFetch("aborted")
		s.log.Debug().Msg("aborting outstanding fetch")
	}
	s.abortLocked()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	gen := s.fetchGen

	s.wg.Add(1)
	go func() {
		resources, err := s.fetcher.FetchStatuses(ctx)
		cancel()
		s.wg.Done()
		s.complete(gen, resources, err)
	}()
}

func (s *Scheduler) complete(gen uint64, snapshot []Resource, err error) {
	s.mu.Lock()
	if gen != s.fetchGen || s.closed || !s.active {
		s.mu.Unlock()
		return
	}
	s.cancel = nil

	if err != nil {
		s.failures++
		ferr := &FetchError{Attempt: s.failures, Err: err}
		if s.failures >= s.cfg.MaxRetries {
			ferr.Terminal = true
			s.stopLocked()
			s.halted = true
			s.failures = ferr.Attempt
		}
		s.metrics.IncFetch("error")
		s.mu.Unlock()

		ev := s.log.Warn()
		if ferr.Terminal {
			ev = s.log.Error()
		}
		ev.Err(err).Int("attempt", ferr.Attempt).Bool("terminal", ferr.Terminal).Msg("status fetch failed")

		if s.cfg.OnError != nil {
			s.deliver(gen, func() { s.cfg.OnError(ferr) })
		}
		return
	}

	s.failures = 0
	s.lastSuccess = s.clock.Now()
	s.metrics.IncFetch("ok")
	s.mu.Unlock()

	if s.cfg.OnUpdate != nil {
		s.deliver(gen, func() {
			if changed(s.source.Resources(), snapshot) {
				s.cfg.OnUpdate(snapshot)
			}
		})
	}
	s.Evaluate()
}

// deliver runs fn for the result of fetch gen, one callback at a time. A
// result older than one already delivered is discarded, as is anything
// arriving after Close.
func (s *Scheduler) deliver(gen uint64, fn func()) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	stale := s.closed || gen < s.deliveredGen
	if !stale {
		s.deliveredGen = gen
	}
	s.mu.Unlock()

	if stale {
		s.log.Debug().Uint64("gen", gen).Msg("discarding superseded fetch result")
		return
	}
	fn()
}

// changed reports whether any resource pending in known has a different
// status in snapshot, or is missing from it.
func changed(known, snapshot []Resource) bool {
	latest := make(map[string]string, len(snapshot))
	for _, r := range snapshot {
		latest[r.ID] = r.Status
	}
	for _, r := range known {
		if r.Status != StatusProcessing {
			continue
		}
		if status, ok := latest[r.ID]; !ok || status != r.Status {
			return true
		}
	}
	return false
}
