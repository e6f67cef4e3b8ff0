package devserver

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/documents"
	"github.com/AakeshF/legalai-portfolio-sub000/internal/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Option customizes a Server.
type Option func(*Server)

// WithClock replaces the wall clock driving document processing.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// Server is the dev relay server.
type Server struct {
	cfg       *Config
	log       zerolog.Logger
	clock     clockwork.Clock
	store     *Store
	auth      *AuthService
	hub       *Hub
	processor *Processor
	router    *chi.Mux

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dev server and starts its hub and processor.
func New(cfg *Config, db *sql.DB, log zerolog.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:   cfg,
		log:   log.With().Str("component", "devserver").Logger(),
		clock: clockwork.NewRealClock(),
		auth:  NewAuthService(cfg.TokenHash),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.store = NewStore(db, s.clock)
	s.hub = NewHub(log, s.clock, cfg.RateLimit, cfg.RateBurst)

	var notify func(documents.Document)
	if cfg.PushStatus {
		notify = s.publish
	}
	s.processor = NewProcessor(s.store, s.clock, cfg.ProcessingDelay, log, notify)

	s.setupRouter()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.processor.Run(ctx)
	}()

	if err := s.processor.Resume(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	// Public routes
	r.Get("/health", s.handleHealth)

	// WebSocket checks the token itself so the handshake gets a plain 401
	r.Get("/ws", s.handleWebSocket)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/documents", s.handleListDocuments)
		r.Post("/documents", s.handleCreateDocument)
		r.Get("/documents/{documentID}", s.handleGetDocument)
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// requireToken rejects requests without a valid bearer token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.ValidateToken(TokenFromRequest(r)) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// publish pushes a document's status to every client.
func (s *Server) publish(doc documents.Document) {
	s.hub.Broadcast(protocol.TypeDocumentStatus, protocol.DocumentStatusPayload{
		ID:       doc.ID,
		Status:   doc.Status,
		Filename: doc.Filename,
		Error:    doc.Error,
	})
}

// Run serves HTTP on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting dev server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the push-channel hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Processor returns the document processor.
func (s *Server) Processor() *Processor {
	return s.processor
}

// Close stops the hub and the processor. Open WebSocket clients receive a
// going-away close frame.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}
