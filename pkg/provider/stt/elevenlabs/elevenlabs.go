// Package elevenlabs provides an ElevenLabs-backed Recognizer using the
// speech-to-text REST endpoint. Raw PCM is wrapped in a WAV container and
// uploaded as multipart/form-data; the response carries the transcript as
// plain JSON.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/voicepi/voicepi/pkg/audio"
	"github.com/voicepi/voicepi/pkg/provider/stt"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io/v1"
	defaultModelID = "scribe_v1"
)

// Compile-time assertion that Recognizer satisfies stt.Recognizer.
var _ stt.Recognizer = (*Recognizer)(nil)

// Option is a functional option for configuring a Recognizer.
type Option func(*Recognizer)

// WithBaseURL overrides the ElevenLabs API base URL. Used by tests to point
// at an httptest server.
func WithBaseURL(url string) Option {
	return func(r *Recognizer) { r.baseURL = strings.TrimRight(url, "/") }
}

// WithModelID sets the speech-to-text model (e.g., "scribe_v1").
func WithModelID(id string) Option {
	return func(r *Recognizer) { r.modelID = id }
}

// WithLanguageCode sets the expected language of the audio (ISO 639-1).
// Empty lets the service auto-detect.
func WithLanguageCode(code string) Option {
	return func(r *Recognizer) { r.languageCode = code }
}

// Recognizer implements stt.Recognizer against the ElevenLabs
// /speech-to-text endpoint.
type Recognizer struct {
	apiKey       string
	baseURL      string
	modelID      string
	languageCode string
	httpClient   *http.Client
}

// New creates a Recognizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	r := &Recognizer{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		modelID:    defaultModelID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// sttResponse is the JSON body returned by POST /speech-to-text.
type sttResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads the utterance and returns its transcript. Empty input
// returns an empty Result without touching the network.
func (r *Recognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Result, error) {
	if len(pcm) == 0 {
		return stt.Result{}, nil
	}

	wavData := audio.EncodeWAV(pcm, audio.Format{SampleRate: sampleRate, Channels: 1})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Result{}, fmt.Errorf("elevenlabs: create form file: %w", err)
	}
	if _, err := fw.Write(wavData); err != nil {
		return stt.Result{}, fmt.Errorf("elevenlabs: write wav data: %w", err)
	}
	if err := mw.WriteField("model_id", r.modelID); err != nil {
		return stt.Result{}, fmt.Errorf("elevenlabs: write model_id field: %w", err)
	}
	if r.languageCode != "" {
		if err := mw.WriteField("language_code", r.languageCode); err != nil {
			return stt.Result{}, fmt.Errorf("elevenlabs: write language_code field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("elevenlabs: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/speech-to-text", &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("xi-api-key", r.apiKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("elevenlabs: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, fmt.Errorf("elevenlabs: speech-to-text failed (%d): %s",
			resp.StatusCode, errorDetail(resp.Body))
	}

	var result sttResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return stt.Result{}, fmt.Errorf("elevenlabs: parse JSON response: %w", err)
	}
	return stt.Result{Text: strings.TrimSpace(result.Text)}, nil
}

// errorDetail extracts a human-readable message from an error response body.
// Falls back to the raw body when the JSON shape is unexpected.
func errorDetail(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return "unknown error"
	}
	var payload struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Detail != nil {
		switch d := payload.Detail.(type) {
		case string:
			return d
		case map[string]any:
			if msg, ok := d["message"].(string); ok {
				return msg
			}
		}
	}
	return strings.TrimSpace(string(data))
}
