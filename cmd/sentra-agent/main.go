package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sentra-hq/sentra/internal/agent"
	"github.com/sentra-hq/sentra/internal/detector"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	logger := mustBuildLogger(envOrDefault("SENTRA_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	cfg := agent.Config{
		OperatorID:  envOrDefault("SENTRA_OPERATOR_ID", ""),
		Dept:        envOrDefault("SENTRA_DEPT", ""),
		ServerURL:   envOrDefault("SENTRA_SERVER_URL", "ws://localhost:8080/ws"),
		Token:       os.Getenv("SENTRA_TOKEN"),
		QueuePath:   envOrDefault("SENTRA_QUEUE_PATH", "sentra-queue.db"),
		KeywordFile: envOrDefault("SENTRA_KEYWORD_FILE", "keywords.yaml"),
		Logger:      logger,
		OnWhisper: func(content string) {
			fmt.Fprintf(os.Stderr, "\n*** supervisor: %s\n", content)
		},
		OnStoreError: func(err error) {
			fmt.Fprintf(os.Stderr, "\n*** event capture failed: %v\n", err)
		},
	}
	if cfg.OperatorID == "" {
		logger.Fatal("SENTRA_OPERATOR_ID is required")
	}
	if cfg.Token == "" {
		logger.Fatal("SENTRA_TOKEN is required")
	}

	a, err := agent.New(cfg)
	if err != nil {
		logger.Fatal("failed to build agent", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		logger.Fatal("failed to start agent", zap.Error(err))
	}
	logger.Info("sentra agent started",
		zap.String("operator_id", cfg.OperatorID),
		zap.String("dept", cfg.Dept),
		zap.String("server_url", cfg.ServerURL),
	)

	// Keystrokes arrive on stdin; a terminal in raw mode or a host input
	// shim pipes them here one rune at a time.
	go readInput(a, logger)

	// SIGUSR1 raises a help request, so a desktop hotkey bound to
	// `kill -USR1` reaches a supervisor without touching the keyboard feed.
	helpCh := make(chan os.Signal, 1)
	signal.Notify(helpCh, syscall.SIGUSR1)
	go func() {
		for range helpCh {
			a.RequestHelp("operator requested assistance", "")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	cancel()
	if err := a.Close(); err != nil {
		logger.Error("agent close error", zap.Error(err))
	}
	logger.Info("sentra agent stopped")
}

// readInput feeds stdin runes into the detector until EOF. DEL and BS
// both map to the detector's backspace so deleted text is not scanned.
func readInput(a *agent.Agent, logger *zap.Logger) {
	reader := bufio.NewReader(os.Stdin)
	for {
		r, _, err := reader.ReadRune()
		if err != nil {
			if err != io.EOF {
				logger.Warn("stdin read failed", zap.Error(err))
			}
			return
		}
		if r == 0x7f || r == '\b' {
			a.OnKeyPress(detector.Backspace)
			continue
		}
		a.OnKeyPress(r)
	}
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
