package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	generatePath = "/api/generate"
	tagsPath     = "/api/tags"

	llmTimeout = 120 * time.Second
)

// llmBackend is the quality profile: a local Ollama-compatible
// inference server. Inference runs on the same host; when forceCPU is
// set the request pins generation to the CPU so no accelerator is ever
// used regardless of what the server has available.
type llmBackend struct {
	endpoint string
	model    string
	forceCPU bool
	client   *http.Client
}

func newLLMBackend(endpoint, model string, forceCPU bool) *llmBackend {
	return &llmBackend{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		forceCPU: forceCPU,
		client:   &http.Client{Timeout: llmTimeout},
	}
}

func (b *llmBackend) Name() string { return b.model }

// probe verifies the inference server is reachable and the configured
// model is present. Called once at startup; failure means the backend
// never loads.
func (b *llmBackend) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+tagsPath, nil)
	if err != nil {
		return &ModelLoadError{Model: b.model, Err: err}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return &ModelLoadError{Model: b.model, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ModelLoadError{
			Model: b.model,
			Err:   fmt.Errorf("inference server returned %s", resp.Status),
		}
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return &ModelLoadError{Model: b.model, Err: fmt.Errorf("parsing model list: %w", err)}
	}

	for _, m := range tags.Models {
		if m.Name == b.model || strings.SplitN(m.Name, ":", 2)[0] == b.model {
			return nil
		}
	}

	return &ModelLoadError{
		Model: b.model,
		Err:   fmt.Errorf("model not present on inference server"),
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	NumPredict int  `json:"num_predict"`
	NumGPU     *int `json:"num_gpu,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

// Generate asks the model for an abstract inside the requested word
// window. The window is passed to the model as a generation constraint
// (prompt instruction plus a token budget) rather than applied as a
// post-hoc cut, so the summary ends on a sentence where possible.
func (b *llmBackend) Generate(
	ctx context.Context, text string, minWords, maxWords int,
) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize the following document in %d to %d words. "+
			"Reply with the summary only, no preamble.\n\n%s",
		minWords, maxWords, text,
	)

	genReq := generateRequest{
		Model:  b.model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			// Rough words-to-tokens margin so the budget does not cut
			// the summary mid-sentence before the prompt limit does.
			NumPredict: maxWords * 2,
		},
	}
	if b.forceCPU {
		zero := 0
		genReq.Options.NumGPU = &zero
	}

	body, err := json.Marshal(genReq)
	if err != nil {
		return "", fmt.Errorf("encoding generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, b.endpoint+generatePath, bytes.NewReader(body),
	)
	if err != nil {
		return "", fmt.Errorf("building generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling inference server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf(
			"inference server returned %s: %s", resp.Status, strings.TrimSpace(string(raw)),
		)
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("parsing generate response: %w", err)
	}
	if genResp.Error != "" {
		return "", fmt.Errorf("inference server error: %s", genResp.Error)
	}

	return clampWords(genResp.Response, maxWords), nil
}

// clampWords trims output that ignored the word budget, cutting at the
// last sentence boundary inside the limit when one exists.
func clampWords(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return strings.TrimSpace(text)
	}

	clipped := strings.Join(words[:maxWords], " ")
	if idx := strings.LastIndexAny(clipped, ".!?"); idx > 0 {
		return clipped[:idx+1]
	}
	return clipped
}
