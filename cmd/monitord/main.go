// Command monitord is the always-on monitoring daemon binary. It loads a
// declarative YAML configuration, compiles it into a set of monitor
// pipelines, starts all of their event sources, and runs them until
// SIGTERM or SIGINT is received, at which point every monitor drains and
// exits before the process does.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/tripwire/agent/internal/config"
	"github.com/tripwire/agent/internal/history"
	"github.com/tripwire/agent/internal/notify"
	"github.com/tripwire/agent/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "/etc/monitord/config.yaml", "path to the monitord YAML configuration file")
	dbPath := flag.String("history-db", "/var/lib/monitord/history.db", "path to the SQLite dispatch history database")
	auditPath := flag.String("audit-log", "", "optional path to a tamper-evident hash-chained audit log of every dispatch")
	logLevel := flag.String("log-level", "info", "minimum log level: debug, info, warn, error")
	smtpAddr := flag.String("smtp-addr", "", "optional host:port of an SMTP relay used for \"notify\" dispatch")
	smtpFrom := flag.String("smtp-from", "", "From address for SMTP notifications")
	smtpTo := flag.String("smtp-to", "", "comma-separated To addresses for SMTP notifications")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	specs, err := config.LoadSpecs(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitord: %v\n", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", slog.String("config_path", *configPath), slog.Int("num_monitors", len(specs)))

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
		logger.Error("failed to create history db directory", slog.Any("error", err))
		os.Exit(1)
	}
	ledger, err := history.Open(*dbPath, *auditPath)
	if err != nil {
		logger.Error("failed to open dispatch history", slog.String("path", *dbPath), slog.Any("error", err))
		os.Exit(1)
	}

	var notifier notify.Notifier = notify.NoOp{}
	if *smtpAddr != "" {
		notifier = notify.NewSMTPNotifier(notify.SMTPConfig{
			Addr: *smtpAddr,
			From: *smtpFrom,
			To:   strings.Split(*smtpTo, ","),
		})
	}

	sup, err := supervisor.New(logger, specs,
		supervisor.WithLedger(ledger),
		supervisor.WithNotifier(notifier),
	)
	if err != nil {
		logger.Error("failed to build supervisor", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		if err := <-runErr; err != nil {
			logger.Error("supervisor exited with error after shutdown signal", slog.Any("error", err))
			os.Exit(1)
		}
	case err := <-runErr:
		if err != nil {
			logger.Error("supervisor exited unexpectedly", slog.Any("error", err))
			os.Exit(1)
		}
	}

	logger.Info("monitord exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
