// Command mailsift watches a mailbox for new messages, downloads their
// attachments, and writes generated summaries beside any PDFs.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mailsift/mailsift/internal/config"
	"github.com/mailsift/mailsift/internal/extract"
	"github.com/mailsift/mailsift/internal/mailbox"
	"github.com/mailsift/mailsift/internal/store"
	"github.com/mailsift/mailsift/internal/summarize"
	"github.com/mailsift/mailsift/internal/watcher"
)

func main() {
	envPath := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	if err := run(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "mailsift: %v\n", err)
		os.Exit(1)
	}
}

func run(envPath string) error {
	cfg, err := config.Load(envPath)
	if err != nil {
		return err
	}

	log, closeLog, err := newLogger(cfg.LogDir)
	if err != nil {
		return err
	}
	defer closeLog()

	log.Info().
		Str("mailbox", cfg.Address).
		Str("attachments_dir", cfg.AttachmentsDir).
		Bool("summarization", cfg.EnableSummarization).
		Msg("starting mailsift")

	tracker, err := store.NewTracker(cfg.TrackerDB, log)
	if err != nil {
		return err
	}
	defer tracker.Close()

	files, err := store.NewFileStore(cfg.AttachmentsDir, log)
	if err != nil {
		return err
	}

	summarizer, err := summarize.New(cfg, log)
	if err != nil {
		return err
	}

	client := mailbox.NewClient(cfg.IMAPServer, cfg.IMAPPort, cfg.Address, cfg.Password)

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	w := watcher.New(client, tracker, files, extract.NewPDFExtractor(), summarizer, cfg, log)
	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("watcher terminated")
		return err
	}

	log.Info().Msg("shut down cleanly")
	return nil
}

// newLogger writes one human-readable event per line to stderr and, when
// a log directory is configured, mirrors events to a file there.
func newLogger(logDir string) (zerolog.Logger, func(), error) {
	console := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	writers := []io.Writer{console}
	closeLog := func() {}

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("creating log directory: %w", err)
		}
		path := filepath.Join(logDir, "mailsift.log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("opening log file: %w", err)
		}
		writers = append(writers, f)
		closeLog = func() { f.Close() }
	}

	log := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().Timestamp().Logger()

	return log, closeLog, nil
}
