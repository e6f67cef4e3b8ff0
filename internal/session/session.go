// Package session wires the push channel and status polling into one
// application-level session: push events and poll snapshots update a shared
// resource view, and polling runs only while something is processing.
package session

import (
	"errors"
	"time"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/connection"
	"github.com/AakeshF/legalai-portfolio-sub000/internal/dispatch"
	"github.com/AakeshF/legalai-portfolio-sub000/internal/metrics"
	"github.com/AakeshF/legalai-portfolio-sub000/internal/polling"
	"github.com/AakeshF/legalai-portfolio-sub000/internal/protocol"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	ErrNoManager    = errors.New("session: connection manager is required")
	ErrEmptyMessage = errors.New("session: chat message is empty")
)

// Deps are the collaborators of a Session.
type Deps struct {
	Manager *connection.Manager
	Fetcher polling.Fetcher

	PollInterval   time.Duration
	PollMaxRetries int

	// TrackAll tracks every resource the server reports instead of only
	// those passed to Track.
	TrackAll bool

	Clock          clockwork.Clock  // optional
	PollingMetrics *metrics.Polling // optional
}

// Indicator is the state a UI needs to render connectivity.
type Indicator struct {
	Connection connection.Status
	Polling    bool
	RetryCount int
	QueueDepth int
}

// Session is one client session.
type Session struct {
	ID string

	log       zerolog.Logger
	manager   *connection.Manager
	poller    *polling.Scheduler
	resources *ResourceSet

	pollErrors dispatch.Listeners[*polling.FetchError]
	unsub      []func()
}

// New builds a session. Nothing connects or polls until Start.
func New(deps Deps, log zerolog.Logger) (*Session, error) {
	if deps.Manager == nil {
		return nil, ErrNoManager
	}

	id := uuid.NewString()
	log = log.With().Str("session", id).Logger()

	s := &Session{
		ID:        id,
		log:       log,
		manager:   deps.Manager,
		resources: NewResourceSet(log, deps.TrackAll),
	}

	opts := []polling.Option{polling.WithMetrics(deps.PollingMetrics)}
	if deps.Clock != nil {
		opts = append(opts, polling.WithClock(deps.Clock))
	}
	poller, err := polling.New(s.resources, deps.Fetcher, polling.Config{
		Interval:   deps.PollInterval,
		MaxRetries: deps.PollMaxRetries,
		OnUpdate: func(snapshot []polling.Resource) {
			if n := s.resources.ApplySnapshot(snapshot); n > 0 {
				s.log.Debug().Int("changes", n).Msg("applied poll snapshot")
			}
		},
		OnError: func(err *polling.FetchError) {
			for _, p := range s.pollErrors.Notify(err) {
				s.log.Error().Interface("panic", p).Msg("poll error listener panicked")
			}
		},
	}, log, opts...)
	if err != nil {
		return nil, err
	}
	s.poller = poller

	s.unsub = append(s.unsub,
		connection.OnTyped(s.manager, protocol.TypeDocumentStatus, s.handleDocumentStatus),
		s.manager.OnStatusChange(func(st connection.Status) {
			s.log.Debug().Str("status", st.String()).Msg("push channel status")
		}),
	)
	return s, nil
}

func (s *Session) handleDocumentStatus(p protocol.DocumentStatusPayload, _ *protocol.Frame) {
	if p.ID == "" {
		return
	}
	if s.resources.Apply(p.ID, p.Status) {
		s.log.Debug().Str("id", p.ID).Str("status", p.Status).Msg("pushed status applied")
	}
	s.poller.Evaluate()
}

// Start opens the push channel and starts polling if anything is pending.
func (s *Session) Start() {
	s.log.Info().Msg("session starting")
	s.manager.Connect()
	s.poller.Evaluate()
}

// Close stops polling and closes the push channel. It must not be called
// from a subscriber callback.
func (s *Session) Close() {
	for _, fn := range s.unsub {
		fn()
	}
	s.unsub = nil
	s.poller.Close()
	s.manager.Close()
	s.log.Info().Msg("session closed")
}

// Track starts following a resource.
func (s *Session) Track(id, status string) {
	s.resources.Track(id, status)
	s.poller.Evaluate()
}

// Untrack stops following a resource.
func (s *Session) Untrack(id string) {
	s.resources.Untrack(id)
	s.poller.Evaluate()
}

// Resources returns the tracked resources.
func (s *Session) Resources() []polling.Resource {
	return s.resources.Resources()
}

// Status returns the current status of a tracked resource.
func (s *Session) Status(id string) (string, bool) {
	return s.resources.Get(id)
}

// SendChat sends a user chat turn and returns its message id. The turn is
// queued while the push channel is down.
func (s *Session) SendChat(conversationID, content string) (string, error) {
	if content == "" {
		return "", ErrEmptyMessage
	}
	id := uuid.NewString()
	err := s.manager.Send(protocol.TypeChatMessage, protocol.ChatMessagePayload{
		ConversationID: conversationID,
		MessageID:      id,
		Role:           "user",
		Content:        content,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// OnChat registers fn for chat turns pushed by the server.
func (s *Session) OnChat(fn func(protocol.ChatMessagePayload)) func() {
	return connection.OnTyped(s.manager, protocol.TypeChatMessage, func(p protocol.ChatMessagePayload, _ *protocol.Frame) {
		fn(p)
	})
}

// OnTurnComplete registers fn for the end of assistant turns.
func (s *Session) OnTurnComplete(fn func(protocol.ChatTurnCompletePayload)) func() {
	return connection.OnTyped(s.manager, protocol.TypeChatTurnComplete, func(p protocol.ChatTurnCompletePayload, _ *protocol.Frame) {
		fn(p)
	})
}

// OnResourceChange registers fn for status changes from either path.
func (s *Session) OnResourceChange(fn func(Change)) func() {
	return s.resources.OnChange(fn)
}

// OnPollError registers fn for failed status fetches.
func (s *Session) OnPollError(fn func(*polling.FetchError)) func() {
	return s.pollErrors.Add(fn)
}

// RetryPolling restarts polling after it stopped on repeated failures.
func (s *Session) RetryPolling() {
	s.poller.Retry()
}

// SetVisible suspends polling while the host application is hidden.
func (s *Session) SetVisible(visible bool) {
	s.poller.SetVisible(visible)
}

// Indicator returns the current connectivity state.
func (s *Session) Indicator() Indicator {
	stats := s.manager.Stats()
	return Indicator{
		Connection: stats.Status,
		Polling:    s.poller.IsPolling(),
		RetryCount: s.poller.RetryCount(),
		QueueDepth: stats.QueueDepth,
	}
}
