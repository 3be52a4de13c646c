package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dmitro3/flipnosis/internal/archive"
	"github.com/dmitro3/flipnosis/internal/dbconfig"
	"github.com/dmitro3/flipnosis/internal/settlement"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration, fall back to defaults if the file is absent
	configPath := getEnv("CONFIG_PATH", "config.yaml")
	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Warn().Err(err).Str("path", configPath).Msg("using default configuration")
		cfg = &Config{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to the archive database
	dbCfg := dbconfig.NewConfigFromEnv()
	pool, err := archive.Connect(ctx, dbCfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	// Connect to the settlement stream
	jsCfg := settlement.DefaultJetStreamConfig()
	jsCfg.URL = getEnv("NATS_URL", jsCfg.URL)
	if cfg.Settlement.StreamName != "" {
		jsCfg.StreamName = cfg.Settlement.StreamName
	}
	if cfg.Settlement.SubjectPrefix != "" {
		jsCfg.SubjectPrefix = cfg.Settlement.SubjectPrefix
	}
	publisher, err := settlement.NewJetStreamPublisher(jsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create settlement publisher")
	}
	defer publisher.Close()

	log.Info().
		Str("database", dbCfg.Database).
		Str("nats_url", jsCfg.URL).
		Msg("starting flip server")

	services := setupServices(ctx, cfg, archive.NewRepository(pool), publisher)
	server := setupServer(services)

	// Start connection manager broadcast loop
	go services.ConnManager.Start(ctx)

	// Start deadline scheduler
	go func() {
		if err := services.Scheduler.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	// Start HTTP server
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop scheduler and broadcast loop
	cancel()

	// Give in-flight work time to clean up
	time.Sleep(1 * time.Second)

	log.Info().Msg("flip server shutdown complete")
}
