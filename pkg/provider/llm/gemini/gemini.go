// Package gemini implements llm.Provider on top of the Google Gemini
// generateContent REST API.
//
// Streaming uses the streamGenerateContent endpoint with alt=sse. Some API
// versions send cumulative text per event instead of deltas, so the stream
// reader diffs each event against the text accumulated so far.
//
// When the configured model is not available for the API version, the client
// falls back through a fixed list of model candidates before giving up.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voicepi/voicepi/pkg/provider/llm"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-3-flash-preview"
)

// fallbackModels is tried in order after the configured model when the API
// reports the model as unknown.
var fallbackModels = []string{
	"gemini-3-flash-preview",
	"gemini-2.5-flash",
	"gemini-flash-latest",
}

// Provider implements llm.Provider against the Gemini REST API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

var _ llm.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithModel overrides the default model ("gemini-3-flash-preview").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base URL. Useful for tests and proxies.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New creates a Gemini provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 180 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ---- wire types ----

type generateRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// Complete implements llm.Provider. It tries each model candidate in order
// and returns the first successful reply.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return "", err
	}

	var attempts []string
	for _, model := range p.modelCandidates() {
		text, err := p.generateOnce(ctx, model, payload)
		if err == nil {
			return text, nil
		}
		attempts = append(attempts, err.Error())
		if !modelUnavailable(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("gemini: generateContent failed for all model candidates: %s", strings.Join(attempts, " | "))
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	payload, err := buildPayload(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		var attempts []string
		for _, model := range p.modelCandidates() {
			streamed, err := p.streamOnce(ctx, model, payload, ch)
			if err == nil {
				select {
				case ch <- llm.Chunk{FinishReason: "stop"}:
				case <-ctx.Done():
				}
				return
			}
			attempts = append(attempts, err.Error())
			// Only fall back when nothing was emitted yet: once chunks have
			// been forwarded, retrying another model would duplicate output.
			if streamed || !modelUnavailable(err) {
				emitError(ctx, ch, err)
				return
			}
		}
		emitError(ctx, ch, fmt.Errorf("gemini: streamGenerateContent failed for all model candidates: %s", strings.Join(attempts, " | ")))
	}()
	return ch, nil
}

func (p *Provider) generateOnce(ctx context.Context, model string, payload generateRequest) (string, error) {
	resp, err := p.post(ctx, model, "generateContent", payload, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini: generateContent failed for model %s (%d): %s", model, resp.StatusCode, errorDetail(resp.Body))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("gemini: decode response: %w", err)
	}
	return extractText(out), nil
}

// streamOnce forwards SSE deltas into ch. The bool reports whether any chunk
// was emitted before the error occurred.
func (p *Provider) streamOnce(ctx context.Context, model string, payload generateRequest, ch chan<- llm.Chunk) (bool, error) {
	resp, err := p.post(ctx, model, "streamGenerateContent", payload, true)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("gemini: streamGenerateContent failed for model %s (%d): %s", model, resp.StatusCode, errorDetail(resp.Body))
	}

	streamed := false
	accumulated := ""
	events := bufio.NewScanner(resp.Body)
	events.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLines []string
	flush := func() (string, bool) {
		if len(dataLines) == 0 {
			return "", false
		}
		data := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		return data, true
	}
	handle := func(data string) bool {
		if data == "[DONE]" {
			return false
		}
		var event generateResponse
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return true
		}
		text := extractText(event)
		if text == "" {
			return true
		}
		var delta string
		delta, accumulated = extractDelta(text, accumulated)
		if delta == "" {
			return true
		}
		streamed = true
		select {
		case ch <- llm.Chunk{Text: delta}:
		case <-ctx.Done():
			return false
		}
		return true
	}

	for events.Scan() {
		row := strings.TrimSpace(events.Text())
		if row == "" {
			if data, ok := flush(); ok && !handle(data) {
				return streamed, ctx.Err()
			}
			continue
		}
		if strings.HasPrefix(row, ":") {
			continue
		}
		if rest, ok := strings.CutPrefix(row, "data:"); ok {
			dataLines = append(dataLines, strings.TrimSpace(rest))
		}
	}
	if err := events.Err(); err != nil {
		return streamed, fmt.Errorf("gemini: read stream: %w", err)
	}
	if data, ok := flush(); ok {
		handle(data)
	}
	return streamed, ctx.Err()
}

func (p *Provider) post(ctx context.Context, model, method string, payload generateRequest, sse bool) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	query := url.Values{"key": {p.apiKey}}
	if sse {
		query.Set("alt", "sse")
	}
	endpoint := fmt.Sprintf("%s/models/%s:%s?%s", p.baseURL, model, method, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: %s: %w", method, err)
	}
	return resp, nil
}

func (p *Provider) modelCandidates() []string {
	seen := make(map[string]struct{}, 1+len(fallbackModels))
	var out []string
	for _, m := range append([]string{p.model}, fallbackModels...) {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// ---- helpers ----

func buildPayload(req llm.CompletionRequest) (generateRequest, error) {
	var contents []content
	for _, m := range req.Messages {
		role := geminiRole(m.Role)
		text := strings.TrimSpace(m.Content)
		if role == "" || text == "" {
			continue
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: text}}})
	}
	if len(contents) == 0 {
		return generateRequest{}, fmt.Errorf("gemini: messages must include at least one non-empty user or assistant entry")
	}
	out := generateRequest{Contents: contents}
	if req.SystemPrompt != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}
	return out, nil
}

// geminiRole maps provider-neutral roles onto the API's user/model pair.
func geminiRole(role string) string {
	switch role {
	case llm.RoleUser:
		return "user"
	case llm.RoleAssistant:
		return "model"
	default:
		return ""
	}
}

func extractText(resp generateResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

// extractDelta handles both cumulative and incremental stream payloads: when
// text extends the accumulated reply, only the new suffix is returned.
func extractDelta(text, accumulated string) (delta, total string) {
	if strings.HasPrefix(text, accumulated) {
		return text[len(accumulated):], text
	}
	return text, accumulated + text
}

func modelUnavailable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not found for API version") || strings.Contains(msg, "is not found")
}

func emitError(ctx context.Context, ch chan<- llm.Chunk, err error) {
	select {
	case ch <- llm.Chunk{FinishReason: llm.FinishReasonError, Text: err.Error()}:
	case <-ctx.Done():
	}
}

func errorDetail(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil {
		return "unknown error"
	}
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	if detail := strings.TrimSpace(string(body)); detail != "" {
		return detail
	}
	return "unknown error"
}
