package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/troikatech/voice-bridge/pkg/env"
)

func testClient(t *testing.T, openAIURL, elevenURL string) *Client {
	t.Helper()
	cfg := &env.Config{
		OpenAIApiKey:      "test-key",
		OpenAIModel:       "gpt-4o-mini",
		OpenAIMaxTokens:   100,
		WhisperModel:      "whisper-1",
		TTSModel:          "tts-1-hd",
		TTSVoice:          "shimmer",
		PipelineTimeoutMs: 2000,
	}
	c := NewClient(cfg, zap.NewNop())
	if openAIURL != "" {
		c.openAIBaseURL = openAIURL
	}
	if elevenURL != "" {
		c.elevenKey = "eleven-key"
		c.elevenVoiceID = "voice-1"
		c.elevenBaseURL = elevenURL
	}
	return c
}

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("not a multipart request: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q", got)
		}
		w.Write([]byte(`{"text":"  hello there  "}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, "")
	text, err := c.Transcribe(context.Background(), []byte("RIFFfakewav"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello there" {
		t.Errorf("text = %q, want trimmed transcript", text)
	}
}

func TestTranscribeServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, "")
	_, err := c.Transcribe(context.Background(), []byte("audio"))

	var terr *TranscriptionError
	if !errors.As(err, &terr) {
		t.Fatalf("error = %T, want *TranscriptionError", err)
	}
}

func TestTranscribeEmptyAudio(t *testing.T) {
	c := testClient(t, "", "")
	var terr *TranscriptionError
	if _, err := c.Transcribe(context.Background(), nil); !errors.As(err, &terr) {
		t.Fatalf("expected TranscriptionError for empty audio, got %v", err)
	}
}

func TestReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"model":"gpt-4o-mini-2024","choices":[{"message":{"content":"Namaste!"}}]}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, "")
	history := []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	text, model, err := c.Reply(context.Background(), "You are a helpful agent.", history, "how are you?")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if text != "Namaste!" {
		t.Errorf("text = %q", text)
	}
	if model != "gpt-4o-mini-2024" {
		t.Errorf("model = %q", model)
	}
}

func TestReplyNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, "")
	_, _, err := c.Reply(context.Background(), "prompt", nil, "text")

	var gerr *GenerationError
	if !errors.As(err, &gerr) {
		t.Fatalf("error = %T, want *GenerationError", err)
	}
}

func TestSynthesizeElevenLabsPCM(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/text-to-speech/voice-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("output_format"); got != "pcm_8000" {
			t.Errorf("output_format = %q, want pcm_8000", got)
		}
		if got := r.Header.Get("xi-api-key"); got != "eleven-key" {
			t.Errorf("missing xi-api-key header")
		}
		w.Write(make([]byte, 640))
	}))
	defer srv.Close()

	c := testClient(t, "", srv.URL)
	result, err := c.Synthesize(context.Background(), &SynthesisRequest{Text: "hello", SampleRate: 8000})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if result.Container != ContainerPCM {
		t.Errorf("container = %q, want pcm", result.Container)
	}
	if result.SampleRate != 8000 {
		t.Errorf("sample rate = %d, want 8000", result.SampleRate)
	}
	if len(result.Audio) != 640 {
		t.Errorf("audio = %d bytes, want 640", len(result.Audio))
	}
}

func TestSynthesizeOpenAIWAV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/speech" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte("RIFFwavpayload"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, "")
	result, err := c.Synthesize(context.Background(), &SynthesisRequest{Text: "hello", SampleRate: 8000})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if result.Container != ContainerWAV {
		t.Errorf("container = %q, want wav", result.Container)
	}
}

func TestSynthesizeEmptyText(t *testing.T) {
	c := testClient(t, "", "")
	var serr *SynthesisError
	if _, err := c.Synthesize(context.Background(), &SynthesisRequest{}); !errors.As(err, &serr) {
		t.Fatalf("expected SynthesisError for empty text, got %v", err)
	}
}
