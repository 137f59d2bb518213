// Package summarize produces bounded-length abstracts of extracted
// document text. The backend is chosen once at startup and fixed for
// the process lifetime: "fast" is a pure-Go extractive scorer that runs
// on the CPU by construction, "quality" talks to a local inference
// server.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mailsift/mailsift/internal/config"
)

// ModelLoadError indicates a summarization backend could not be
// initialized at startup.
type ModelLoadError struct {
	Model string
	Err   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("loading model %s: %v", e.Model, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// InferenceError indicates a single document failed to summarize. It is
// soft: the document is skipped and the run continues.
type InferenceError struct {
	Model string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed on %s: %v", e.Model, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// IsInferenceError reports whether err chains to an InferenceError.
func IsInferenceError(err error) bool {
	var infErr *InferenceError
	return errors.As(err, &infErr)
}

// Summary is the outcome of one summarization request. When Skipped is
// set no artifact should be persisted; Reason says why.
type Summary struct {
	Text    string
	Model   string
	Skipped bool
	Reason  string
}

// backend generates a summary for already-truncated input text.
type backend interface {
	Name() string
	Generate(ctx context.Context, text string, minWords, maxWords int) (string, error)
}

// Summarizer owns the selected backend and enforces the input and
// output length contracts around it.
type Summarizer struct {
	backend  backend
	enabled  bool
	maxInput int
	minWords int
	maxWords int
	log      zerolog.Logger
}

// New builds the summarizer for the configured profile. With
// summarization disabled no backend is loaded and every request is
// skipped. A quality backend that fails its startup probe degrades to
// the fast extractive backend with a warning, mirroring the fallback
// behavior the feature always had; the choice is then fixed for the
// process lifetime.
func New(cfg *config.Config, log zerolog.Logger) (*Summarizer, error) {
	s := &Summarizer{
		enabled:  cfg.EnableSummarization,
		maxInput: cfg.MaxInputLength,
		minWords: cfg.SummaryMinLength,
		maxWords: cfg.SummaryMaxLength,
		log:      log,
	}

	if !cfg.EnableSummarization {
		log.Info().Msg("summarization disabled")
		return s, nil
	}

	switch cfg.SummarizationModel {
	case config.ProfileFast:
		s.backend = newExtractive()

	case config.ProfileQuality:
		llm := newLLMBackend(cfg.ModelEndpoint, cfg.ModelName, cfg.ForceCPU)
		if err := llm.probe(context.Background()); err != nil {
			log.Warn().Err(err).
				Str("endpoint", cfg.ModelEndpoint).
				Str("model", cfg.ModelName).
				Msg("quality model unavailable, falling back to fast profile")
			s.backend = newExtractive()
		} else {
			s.backend = llm
		}

	default:
		return nil, &ModelLoadError{
			Model: string(cfg.SummarizationModel),
			Err:   fmt.Errorf("unknown profile"),
		}
	}

	log.Info().Str("model", s.backend.Name()).Msg("summarization model ready")
	return s, nil
}

// Model returns the active backend identifier, or "" when disabled.
func (s *Summarizer) Model() string {
	if s.backend == nil {
		return ""
	}
	return s.backend.Name()
}

// Summarize produces a summary whose length falls within the configured
// word window. Input longer than the configured maximum is
// head-truncated first: the beginning of a document is kept, the tail
// discarded. Text below the minimal informative threshold, or any
// request while summarization is disabled, yields a skipped result
// rather than an error.
func (s *Summarizer) Summarize(ctx context.Context, text string) (Summary, error) {
	if !s.enabled || s.backend == nil {
		return Summary{Skipped: true, Reason: "summarization disabled"}, nil
	}

	words := strings.Fields(text)
	if len(words) < s.minWords {
		return Summary{
			Skipped: true,
			Reason:  fmt.Sprintf("insufficient text (%d words)", len(words)),
		}, nil
	}

	if len(words) > s.maxInput {
		words = words[:s.maxInput]
		s.log.Debug().
			Int("max_input", s.maxInput).
			Msg("input truncated before summarization")
	}
	input := strings.Join(words, " ")

	out, err := s.backend.Generate(ctx, input, s.minWords, s.maxWords)
	if err != nil {
		return Summary{}, &InferenceError{Model: s.backend.Name(), Err: err}
	}

	out = strings.TrimSpace(out)
	if out == "" {
		return Summary{}, &InferenceError{
			Model: s.backend.Name(),
			Err:   fmt.Errorf("empty generation"),
		}
	}

	return Summary{Text: out, Model: s.backend.Name()}, nil
}
