package elevenlabs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voicepi/voicepi/pkg/audio"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Fatal("expected error for empty apiKey, got nil")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model: got %q, want %q", p.model, defaultModel)
	}
	if p.voiceID != defaultVoiceID {
		t.Errorf("voiceID: got %q, want %q", p.voiceID, defaultVoiceID)
	}
}

func TestNew_WithOptions(t *testing.T) {
	p, err := New("key", WithModel("eleven_flash_v2_5"), WithVoiceID("v123"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_flash_v2_5" {
		t.Errorf("model: got %q", p.model)
	}
	if p.voiceID != "v123" {
		t.Errorf("voiceID: got %q", p.voiceID)
	}
}

func TestFormat(t *testing.T) {
	p, _ := New("key")
	got := p.Format()
	if got.SampleRate != 16000 || got.Channels != 1 {
		t.Errorf("Format: got %+v, want 16 kHz mono", got)
	}
}

// TestSynthesize verifies the request shape and that the returned raw PCM is
// wrapped into a valid WAV container.
func TestSynthesize(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/text-to-speech/v123") {
			t.Errorf("unexpected path: %q", r.URL.Path)
		}
		if got := r.Header.Get("xi-api-key"); got != "key" {
			t.Errorf("xi-api-key: got %q", got)
		}

		var body ttsRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Text != "hello" {
			t.Errorf("text: got %q", body.Text)
		}
		if body.OutputFormat != outputFormat {
			t.Errorf("output_format: got %q, want %q", body.OutputFormat, outputFormat)
		}

		w.Write(pcm)
	}))
	defer srv.Close()

	p, err := New("key", WithBaseURL(srv.URL), WithVoiceID("v123"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	clip, err := p.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	gotPCM, format, err := audio.DecodeWAV(clip)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if format.SampleRate != outputRate {
		t.Errorf("sample rate: got %d, want %d", format.SampleRate, outputRate)
	}
	if string(gotPCM) != string(pcm) {
		t.Errorf("pcm: got %v, want %v", gotPCM, pcm)
	}
}

// TestSynthesize_APIError verifies that the detail field of an error payload
// ends up in the returned error.
func TestSynthesize_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":{"status":"invalid_api_key","message":"Invalid API key"}}`))
	}))
	defer srv.Close()

	p, _ := New("bad", WithBaseURL(srv.URL))
	_, err := p.Synthesize(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "Invalid API key") {
		t.Errorf("error should carry API detail, got: %v", err)
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), "   "); err == nil {
		t.Fatal("expected error for blank text, got nil")
	}
}
