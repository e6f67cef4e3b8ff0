// legalai-realtime follows document processing and chat over the realtime
// push channel, falling back to polling while documents are processing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/config"
	"github.com/AakeshF/legalai-portfolio-sub000/internal/connection"
	"github.com/AakeshF/legalai-portfolio-sub000/internal/documents"
	"github.com/AakeshF/legalai-portfolio-sub000/internal/metrics"
	"github.com/AakeshF/legalai-portfolio-sub000/internal/polling"
	"github.com/AakeshF/legalai-portfolio-sub000/internal/protocol"
	"github.com/AakeshF/legalai-portfolio-sub000/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Version is set at build time.
var Version = "dev"

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")
	configPath := flag.String("config", "", "optional YAML config file")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("legalai-realtime %s\n", Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck(*configPath))
	}

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", Version).
		Str("ws", cfg.WSURL).
		Str("api", cfg.APIURL).
		Msg("legalai-realtime starting")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("client failed")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadFromEnv()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})

	httpClient := oauth2.NewClient(ctx, tokens)
	httpClient.Timeout = cfg.RequestTimeout
	api, err := documents.NewClient(cfg.APIURL,
		documents.WithHTTPClient(httpClient),
		documents.WithRateLimit(rate.NewLimiter(rate.Every(time.Second), 5)),
	)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	connMetrics := metrics.NewConnection(reg)
	pollMetrics := metrics.NewPolling(reg)

	dialer := &connection.WebSocketDialer{
		URL:              cfg.WSURL,
		Header:           bearerHeader(tokens, log),
		HandshakeTimeout: cfg.RequestTimeout,
	}
	manager, err := connection.NewManager(cfg.Connection(), dialer, log, connection.WithMetrics(connMetrics))
	if err != nil {
		return err
	}

	s, err := session.New(session.Deps{
		Manager:        manager,
		Fetcher:        api,
		PollInterval:   cfg.PollInterval,
		PollMaxRetries: cfg.PollMaxRetries,
		TrackAll:       true,
		PollingMetrics: pollMetrics,
	}, log)
	if err != nil {
		manager.Close()
		return err
	}
	defer s.Close()

	manager.OnStatusChange(func(st connection.Status) {
		log.Info().Str("status", st.String()).Msg("push channel")
	})
	s.OnResourceChange(func(c session.Change) {
		if c.Status == "" {
			log.Info().Str("id", c.ID).Msg("document no longer reported")
			return
		}
		log.Info().Str("id", c.ID).Str("from", c.Previous).Str("to", c.Status).Msg("document status")
	})
	s.OnChat(func(p protocol.ChatMessagePayload) {
		log.Info().Str("conversation", p.ConversationID).Str("role", p.Role).Msg(p.Content)
	})
	s.OnTurnComplete(func(p protocol.ChatTurnCompletePayload) {
		log.Debug().Str("conversation", p.ConversationID).Str("message", p.MessageID).Msg("turn complete")
	})
	s.OnPollError(func(err *polling.FetchError) {
		if err.Terminal {
			log.Error().Msg("status polling stopped; send SIGHUP to retry")
		}
	})

	seed(ctx, api, s, log)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = serveMetrics(cfg.MetricsAddr, reg, log)
	}

	s.Start()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			log.Info().Msg("hidden: polling suspended")
			s.SetVisible(false)
		case syscall.SIGUSR2:
			log.Info().Msg("visible: polling resumed")
			s.SetVisible(true)
		case syscall.SIGHUP:
			log.Info().Msg("retrying status polling")
			s.RetryPolling()
		default:
			log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
			if metricsSrv != nil {
				shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				_ = metricsSrv.Shutdown(shutdownCtx)
				stop()
			}
			return nil
		}
	}
	return nil
}

// bearerHeader builds handshake headers from the token source on every dial.
func bearerHeader(tokens oauth2.TokenSource, log zerolog.Logger) func() http.Header {
	return func() http.Header {
		h := http.Header{}
		tok, err := tokens.Token()
		if err != nil {
			log.Warn().Err(err).Msg("no token for push channel")
			return h
		}
		tok.SetAuthHeader(&http.Request{Header: h})
		return h
	}
}

// seed tracks every document the API currently knows about.
func seed(ctx context.Context, api *documents.HTTPClient, s *session.Session, log zerolog.Logger) {
	docs, err := api.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list documents, tracking pushed updates only")
		return
	}
	pending := 0
	for _, d := range docs {
		s.Track(d.ID, d.Status)
		if d.Status == protocol.DocumentProcessing {
			pending++
		}
	}
	log.Info().Int("documents", len(docs)).Int("processing", pending).Msg("tracking documents")
}

// serveMetrics exposes /metrics and /health on addr.
func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics.Handler(reg))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

func printUsage() {
	fmt.Printf(`Usage: legalai-realtime [options]

legalai-realtime %s - follows document processing and chat in realtime.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test connectivity
  --config FILE   Read settings from a YAML file (environment still wins)

Signals:
  SIGUSR1         Treat the session as hidden (suspend polling)
  SIGUSR2         Treat the session as visible again
  SIGHUP          Retry polling after it stopped on errors

Environment variables:
  LEGALAI_WS_URL                   Push channel URL, ws:// or wss:// (required)
  LEGALAI_API_URL                  REST base URL, http:// or https:// (required)
  LEGALAI_TOKEN                    Bearer token (required)
  LEGALAI_HEARTBEAT_INTERVAL       Heartbeat interval (default: 30s)
  LEGALAI_PONG_TIMEOUT             Reconnect when no pong arrives in time (default: off)
  LEGALAI_RECONNECT_BASE           First reconnect delay (default: 1s)
  LEGALAI_RECONNECT_MAX            Reconnect delay cap (default: 30s)
  LEGALAI_RECONNECT_ATTEMPTS       Automatic reconnects before giving up (default: 5)
  LEGALAI_MAX_QUEUE_AGE            Drop queued messages older than this (default: keep)
  LEGALAI_DROP_QUEUE_ON_DISCONNECT Discard queued messages on disconnect (default: false)
  LEGALAI_POLL_INTERVAL            Status poll interval (default: 5s)
  LEGALAI_POLL_MAX_RETRIES         Consecutive poll failures before stopping (default: 3)
  LEGALAI_REQUEST_TIMEOUT          HTTP request timeout (default: 15s)
  LEGALAI_METRICS_ADDR             Serve Prometheus metrics on this address
  LEGALAI_LOG_LEVEL                Log level: debug, info, warn, error
`, Version)
}

func runConfigCheck(path string) int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := loadConfig(path)
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  Push channel:  %s\n", cfg.WSURL)
	fmt.Printf("  API:           %s\n", cfg.APIURL)
	fmt.Printf("  Poll interval: %s\n", cfg.PollInterval)
	fmt.Println()

	fmt.Print("Testing API connectivity... ")
	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Get(strings.TrimSuffix(cfg.APIURL, "/") + "/health")
	latency := time.Since(start)
	if err != nil {
		fmt.Printf("❌ Failed\n")
		fmt.Printf("  Error: %v\n", err)
		return 1
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		fmt.Printf("❌ Failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}
	fmt.Printf("✓ OK (latency: %dms)\n", latency.Milliseconds())

	fmt.Print("Testing push channel... ")
	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
	dialer := &connection.WebSocketDialer{
		URL:              cfg.WSURL,
		Header:           bearerHeader(tokens, zerolog.Nop()),
		HandshakeTimeout: 10 * time.Second,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start = time.Now()
	conn, err := dialer.Dial(ctx)
	if err != nil {
		fmt.Printf("❌ Failed\n")
		if errors.Is(err, connection.ErrUnauthorized) {
			fmt.Println("  Token rejected")
		}
		fmt.Printf("  Error: %v\n", err)
		return 1
	}
	_ = conn.Close(true)
	fmt.Printf("✓ OK (handshake: %dms)\n", time.Since(start).Milliseconds())
	return 0
}
