// Package watcher owns the mailbox connection lifecycle and drives the
// attachment pipeline: fetch, track, store, extract, summarize. One
// watcher runs one mailbox with a single synchronous worker loop.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mailsift/mailsift/internal/config"
	"github.com/mailsift/mailsift/internal/extract"
	"github.com/mailsift/mailsift/internal/mailbox"
	"github.com/mailsift/mailsift/internal/model"
	"github.com/mailsift/mailsift/internal/store"
	"github.com/mailsift/mailsift/internal/summarize"
)

// State is the watcher's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateWatching
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateWatching:
		return "watching"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Source is the mail-server session the watcher exclusively owns.
// *mailbox.Client implements it; tests substitute fakes.
type Source interface {
	Connect(ctx context.Context) error
	Close() error
	Unseen(ctx context.Context, all bool) ([]uint32, error)
	Fetch(ctx context.Context, uid uint32) (*model.MailMessage, error)
	MarkSeen(ctx context.Context, uid uint32) error
}

// Extractor converts PDF bytes into plain text.
type Extractor interface {
	Extract(data []byte) (extract.Result, error)
}

// Summarizer is the summarization capability the watcher consumes.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (summarize.Summary, error)
	Model() string
}

const (
	// maxBackoff bounds the exponential reconnect delay.
	maxBackoff = 5 * time.Minute

	// fetchTimeout bounds a single server round trip so one stuck
	// command cannot wedge the poll loop.
	fetchTimeout = 2 * time.Minute
)

// Watcher polls one mailbox and pushes every new message through the
// pipeline exactly once.
type Watcher struct {
	source     Source
	tracker    *store.Tracker
	files      *store.FileStore
	extractor  Extractor
	summarizer Summarizer
	cfg        *config.Config
	log        zerolog.Logger

	state State
}

// New wires a watcher from its owned collaborators.
func New(
	source Source,
	tracker *store.Tracker,
	files *store.FileStore,
	extractor Extractor,
	summarizer Summarizer,
	cfg *config.Config,
	log zerolog.Logger,
) *Watcher {
	return &Watcher{
		source:     source,
		tracker:    tracker,
		files:      files,
		extractor:  extractor,
		summarizer: summarizer,
		cfg:        cfg,
		log:        log,
		state:      StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (w *Watcher) State() State { return w.state }

// Run connects and watches until ctx is canceled or a fatal error
// occurs. Transient network faults reconnect with exponential backoff;
// after the configured number of consecutive failures the watcher
// terminates with the last error. Rejected credentials and storage
// failures terminate immediately.
func (w *Watcher) Run(ctx context.Context) error {
	w.setState(StateConnecting)
	if err := w.connectWithRetry(ctx); err != nil {
		if ctx.Err() != nil {
			w.setState(StateDisconnected)
			return nil
		}
		w.setState(StateTerminated)
		return err
	}
	defer w.source.Close()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.setState(StateWatching)

	// First cycle runs immediately so a backlog of unseen messages is
	// drained at startup.
	for {
		if err := w.pollCycle(ctx); err != nil {
			switch {
			case ctx.Err() != nil:
				w.setState(StateDisconnected)
				return nil

			case mailbox.IsNetworkError(err):
				w.log.Warn().Err(err).Msg("poll cycle failed, reconnecting")
				w.setState(StateReconnecting)
				if rerr := w.connectWithRetry(ctx); rerr != nil {
					if ctx.Err() != nil {
						w.setState(StateDisconnected)
						return nil
					}
					w.setState(StateTerminated)
					return rerr
				}
				w.setState(StateWatching)

			default:
				// Auth and storage errors are fatal.
				w.setState(StateTerminated)
				return err
			}
		}

		select {
		case <-ctx.Done():
			w.setState(StateDisconnected)
			return nil
		case <-ticker.C:
		}
	}
}

// connectWithRetry attempts to establish the session, backing off
// exponentially between attempts. Auth errors abort immediately: a bad
// app password does not heal with time.
func (w *Watcher) connectWithRetry(ctx context.Context) error {
	var lastErr error

	for attempt := 0; attempt < w.cfg.MaxReconnectAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, w.cfg.ReconnectDelay)
			w.log.Info().
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("retrying connection")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := w.source.Connect(ctx)
		if err == nil {
			w.setState(StateConnected)
			w.log.Info().Str("server", w.cfg.IMAPServer).Msg("connected to mailbox")
			return nil
		}

		if mailbox.IsAuthError(err) {
			return err
		}

		lastErr = err
		w.log.Warn().Err(err).Msg("connection attempt failed")
	}

	return fmt.Errorf(
		"giving up after %d connection attempts: %w",
		w.cfg.MaxReconnectAttempts, lastErr,
	)
}

// backoffDelay computes the exponential delay before the given retry
// attempt, capped at maxBackoff.
func backoffDelay(attempt int, base time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// pollCycle lists candidate messages and pipelines each one that is not
// already tracked. A cycle interrupted by cancellation stops between
// messages; the in-flight message either completes its record or is
// left unmarked for the next start.
func (w *Watcher) pollCycle(ctx context.Context) error {
	listCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	uids, err := w.source.Unseen(listCtx, w.cfg.FetchMode == "all")
	cancel()
	if err != nil {
		return asTransient("search", ctx, err)
	}

	var pending []uint32
	for _, uid := range uids {
		done, err := w.tracker.IsProcessed(ctx, uid)
		if err != nil {
			return err
		}
		if !done {
			pending = append(pending, uid)
		}
	}

	if len(pending) == 0 {
		return nil
	}
	w.log.Info().Int("count", len(pending)).Msg("new messages found")

	for _, uid := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.handleMessage(ctx, uid); err != nil {
			return err
		}
	}

	return nil
}

// handleMessage runs the full pipeline for one message and records the
// outcome. The durable mark is written before the \Seen flag so a crash
// between the two never causes reprocessing.
func (w *Watcher) handleMessage(ctx context.Context, uid uint32) error {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	msg, err := w.source.Fetch(fetchCtx, uid)
	cancel()
	if err != nil {
		return asTransient("fetch", ctx, err)
	}

	w.log.Info().
		Uint32("uid", uid).
		Str("from", msg.From).
		Str("subject", msg.Subject).
		Int("attachments", len(msg.Attachments)).
		Msg("processing message")

	outcome, err := w.processAttachments(ctx, msg)
	if err != nil {
		return err
	}

	if err := w.tracker.MarkProcessed(ctx, uid, outcome); err != nil {
		return err
	}
	if err := w.source.MarkSeen(ctx, uid); err != nil {
		return err
	}

	w.log.Info().
		Uint32("uid", uid).
		Str("outcome", string(outcome)).
		Msg("message processed")
	return nil
}

// processAttachments persists every eligible attachment and summarizes
// the PDFs among them. Per-document extraction and inference faults are
// soft: they mark the message failed but never abort the run. Storage
// faults are returned and terminate the watcher.
func (w *Watcher) processAttachments(
	ctx context.Context, msg *model.MailMessage,
) (model.Outcome, error) {
	var (
		saved      int
		summarized int
		softFail   bool
	)

	for _, att := range msg.Attachments {
		if !w.cfg.AllowsExtension(att.Filename) {
			w.log.Debug().Str("file", att.Filename).Msg("extension not allowed, skipping")
			continue
		}
		if w.cfg.MaxAttachmentSize > 0 && int64(len(att.Data)) > w.cfg.MaxAttachmentSize {
			w.log.Warn().
				Str("file", att.Filename).
				Int("bytes", len(att.Data)).
				Msg("attachment exceeds size limit, skipping")
			continue
		}

		path, err := w.files.SaveAttachment(msg.UID, att.Filename, att.Data)
		if err != nil {
			return "", err
		}
		saved++

		attID, err := w.tracker.RecordAttachment(ctx, store.AttachmentRecord{
			MessageUID:   msg.UID,
			OriginalName: att.Filename,
			StoredPath:   path,
			ContentType:  att.ContentType,
			SizeBytes:    int64(len(att.Data)),
		})
		if err != nil {
			w.log.Warn().Err(err).Msg("cataloging attachment failed")
		}

		if !isPDF(att) {
			continue
		}

		ok, failed, err := w.summarizePDF(ctx, msg, att, path, attID)
		if err != nil {
			return "", err
		}
		if ok {
			summarized++
		}
		if failed {
			softFail = true
		}
	}

	switch {
	case summarized > 0:
		return model.OutcomeSummarized, nil
	case softFail:
		return model.OutcomeFailed, nil
	case saved > 0:
		return model.OutcomeSaved, nil
	default:
		return model.OutcomeSkipped, nil
	}
}

// summarizePDF extracts text from one stored PDF and writes the summary
// artifact beside it. Returns whether a summary was produced and
// whether a soft failure occurred. Only storage faults propagate as
// errors; extraction and inference faults are soft.
func (w *Watcher) summarizePDF(
	ctx context.Context,
	msg *model.MailMessage,
	att model.Attachment,
	path, attID string,
) (ok bool, failed bool, err error) {
	result, extractErr := w.extractor.Extract(att.Data)
	if extractErr != nil {
		w.log.Warn().Err(extractErr).Str("file", att.Filename).Msg("pdf extraction failed")
		return false, true, nil
	}

	if result.Empty() {
		if result.HasImages {
			w.log.Info().Str("file", att.Filename).
				Msg("no text layer, document appears scanned")
		} else {
			w.log.Info().Str("file", att.Filename).Msg("no extractable text")
		}
		return false, false, nil
	}

	summary, sumErr := w.summarizer.Summarize(ctx, result.Text)
	if sumErr != nil {
		w.log.Warn().Err(sumErr).Str("file", att.Filename).Msg("summarization failed")
		return false, true, nil
	}
	if summary.Skipped {
		w.log.Info().
			Str("file", att.Filename).
			Str("reason", summary.Reason).
			Msg("summary skipped")
		return false, false, nil
	}

	now := time.Now().UTC()
	summaryPath, err := w.files.SaveSummary(path, store.SummaryContent{
		OriginalName: att.Filename,
		From:         msg.From,
		Subject:      msg.Subject,
		Model:        summary.Model,
		GeneratedAt:  now,
		Summary:      summary.Text,
		Preview:      result.Text,
	})
	if err != nil {
		return false, false, err
	}

	if err := w.tracker.RecordSummary(ctx, attID, model.SummaryArtifact{
		AttachmentPath: path,
		SummaryPath:    summaryPath,
		Model:          summary.Model,
		GeneratedAt:    now,
	}); err != nil {
		w.log.Warn().Err(err).Msg("cataloging summary failed")
	}

	w.log.Info().
		Str("file", att.Filename).
		Str("model", summary.Model).
		Msg("summary generated")
	return true, false, nil
}

// asTransient reclassifies a per-call timeout as a network fault so the
// reconnect path handles it. A deadline hit while the parent context is
// already canceled is shutdown, not a fault, and passes through.
func asTransient(op string, parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return &mailbox.NetworkError{Op: op, Err: err}
	}
	return err
}

func isPDF(att model.Attachment) bool {
	if strings.EqualFold(filepath.Ext(att.Filename), ".pdf") {
		return true
	}
	return strings.EqualFold(att.ContentType, "application/pdf")
}

func (w *Watcher) setState(s State) {
	if w.state == s {
		return
	}
	w.log.Debug().
		Str("from", w.state.String()).
		Str("to", s.String()).
		Msg("state transition")
	w.state = s
}
