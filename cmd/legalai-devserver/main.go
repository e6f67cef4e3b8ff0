// legalai-devserver is a local relay for developing against the realtime
// client: it serves the documents API and the push channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/devserver"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	hashToken := flag.String("hash-token", "", "print the bcrypt hash of a token for LEGALAI_DEV_TOKEN_HASH and exit")
	flag.Parse()

	if *hashToken != "" {
		hash, err := devserver.HashToken(*hashToken, bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		os.Exit(0)
	}

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	// Load configuration
	cfg, err := devserver.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Initialize database
	db, err := devserver.InitDatabase(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer func() { _ = db.Close() }()

	// Create server
	server, err := devserver.New(cfg, db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}
	defer server.Close()

	// Handle shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down...")
		cancel()
	}()

	// Run server
	if err := server.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server error")
		return
	}
	log.Info().Msg("shut down")
}
