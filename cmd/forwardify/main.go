// Copyright 2024-2026 Aiku AI

// Command forwardify multiplexes many end-user Telegram forwarding sessions
// over a single control surface. Each authorized user links a personal
// account session through the login API, defines forwarding tasks, and the
// process relays matching messages from source chats to target chats on
// that user's behalf.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exzerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/config"
	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/engine"
	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/httpapi"
	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/store"
	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/telegram"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if errors.Is(err, config.ErrExampleWritten) {
		fmt.Printf("Wrote example config to %s, edit it and restart\n", *configPath)
		os.Exit(0)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	exzerolog.SetupDefaults(log)
	log.Info().
		Str("tag", Tag).
		Str("commit", Commit).
		Str("build_time", BuildTime).
		Msg("Starting forwardify")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := dbutil.NewFromConfig("forwardify", cfg.Database, dbutil.ZeroLogger(*log))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	st := store.New(db)
	if err := db.Upgrade(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to upgrade database schema")
	}
	if err := st.EnsureOperator(ctx, cfg.Admin.OperatorID); err != nil {
		log.Fatal().Err(err).Msg("Failed to bootstrap operator")
	}

	dialer := telegram.NewGatewayDialer(cfg.Gateway.BaseURL, cfg.Gateway.Token, *log)
	eng := engine.New(st, dialer, *log)

	restored, err := eng.RestoreSessions(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Session restore failed")
	}
	log.Info().Int("restored", restored).Msg("Startup restore finished")

	api := httpapi.New(eng, *log)
	server := &http.Server{
		Addr:         cfg.Admin.ListenAddr,
		Handler:      api.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Str("addr", cfg.Admin.ListenAddr).Msg("Starting control API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("Control API stopped with error")
	}

	eng.Close()
	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
	log.Info().Msg("Shutdown complete")
}
