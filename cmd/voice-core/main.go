// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	internal_vad "github.com/rapidaai/voice-core/internal/audio/vad"
	internal_callstore "github.com/rapidaai/voice-core/internal/callstore"
	internal_config "github.com/rapidaai/voice-core/internal/config"
	internal_hedge "github.com/rapidaai/voice-core/internal/hedge"
	internal_llm "github.com/rapidaai/voice-core/internal/llm"
	internal_router "github.com/rapidaai/voice-core/internal/router"
	internal_vault "github.com/rapidaai/voice-core/internal/vault"
	"github.com/rapidaai/voice-core/pkg/commons"
)

// Exit codes of the voice-core process.
const (
	exitOK          = 0
	exitConfigError = 2
	exitVaultKey    = 3
	exitPortBind    = 4
)

const (
	hedgePrewarm    = 8
	shutdownTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := internal_config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voice-core: %v\n", err)
		if errors.Is(err, internal_config.ErrVaultKey) {
			return exitVaultKey
		}
		return exitConfigError
	}

	var loggerOpts []commons.LoggerOption
	if cfg.LogFile != "" {
		loggerOpts = append(loggerOpts, commons.WithRotatingFile(cfg.LogFile))
	}
	logger, err := commons.NewApplicationLogger(loggerOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voice-core: logger init failed: %v\n", err)
		return exitConfigError
	}

	vault, err := internal_vault.NewVault(logger, cfg.VoipEncryptionKey)
	if err != nil {
		logger.Errorw("vault init failed", "error", err)
		return exitVaultKey
	}

	db, err := openDatabase(cfg.StoreURL)
	if err != nil {
		logger.Errorw("store open failed", "error", err)
		return exitConfigError
	}
	store, err := internal_callstore.NewStore(db, logger)
	if err != nil {
		logger.Errorw("store migration failed", "error", err)
		return exitConfigError
	}
	writer := internal_callstore.NewAsyncWriter(store, logger)
	defer writer.Close()

	hedge, err := internal_hedge.NewEngine(logger, cfg.FillerDir, hedgePrewarm)
	if err != nil {
		logger.Warnw("filler catalog unavailable, calls proceed without fillers",
			"dir", cfg.FillerDir, "error", err)
	}

	openSession, err := internal_llm.NewGeminiFactory(logger, cfg.LLMAPIKey, cfg.LLMModel)
	if err != nil {
		logger.Errorw("model client init failed", "error", err)
		return exitConfigError
	}

	deps := internal_router.Deps{
		Store:         store,
		Writer:        writer,
		Vault:         vault,
		Hedge:         hedge,
		OpenSession:   openSession,
		PublicBaseURL: cfg.PublicBaseURL,
		PublicWsBase:  cfg.PublicWsBase,
	}
	if cfg.VADModelPath != "" {
		deps.NewDetector = func(vadCfg internal_vad.Config) internal_vad.Detector {
			detector, err := internal_vad.NewSileroDetector(logger, cfg.VADModelPath, vadCfg)
			if err != nil {
				logger.Warnw("silero detector unavailable, falling back to energy VAD", "error", err)
				return internal_vad.NewEnergyDetector(logger, vadCfg)
			}
			return detector
		}
	}

	engine := internal_router.NewEngine()
	internal_router.New(logger, deps).Routes(engine)

	addr := fmt.Sprintf(":%d", cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Errorw("port bind failed", "addr", addr, "error", err)
		return exitPortBind
	}

	server := &http.Server{Handler: engine}
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(listener) }()
	logger.Infow("voice-core listening", "addr", addr, "publicBaseUrl", cfg.PublicBaseURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Infow("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("server stopped", "error", err)
			return exitPortBind
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warnw("shutdown incomplete, forcing close", "error", err)
		server.Close()
	}
	return exitOK
}

// openDatabase connects to postgres when STORE_URL is set and falls back to
// a local sqlite file for development.
func openDatabase(storeURL string) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	if storeURL != "" {
		return gorm.Open(postgres.Open(storeURL), gormCfg)
	}
	return gorm.Open(sqlite.Open("voice-core.db"), gormCfg)
}
