package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troikatech/voice-bridge/internal/call"
	"github.com/troikatech/voice-bridge/pkg/agent"
	"github.com/troikatech/voice-bridge/pkg/env"
	"github.com/troikatech/voice-bridge/pkg/pipeline"
)

// fakePipeline scripts the three stage calls for adapter tests.
type fakePipeline struct {
	transcribeCalls int32
	transcript      string
	transcribeErr   error

	replyCalls int32
	reply      string
	replyErr   error

	synthCalls int32
	synthAudio []byte
	synthErr   error
}

func (f *fakePipeline) IsAvailable() bool { return true }

func (f *fakePipeline) Transcribe(_ context.Context, _ []byte) (string, error) {
	atomic.AddInt32(&f.transcribeCalls, 1)
	return f.transcript, f.transcribeErr
}

func (f *fakePipeline) Reply(_ context.Context, _ string, _ []pipeline.Message, _ string) (string, string, error) {
	atomic.AddInt32(&f.replyCalls, 1)
	return f.reply, "test-model", f.replyErr
}

func (f *fakePipeline) Synthesize(_ context.Context, _ *pipeline.SynthesisRequest) (*pipeline.SynthesisResult, error) {
	atomic.AddInt32(&f.synthCalls, 1)
	if f.synthErr != nil {
		return nil, f.synthErr
	}
	return &pipeline.SynthesisResult{
		Audio:      f.synthAudio,
		Container:  pipeline.ContainerPCM,
		SampleRate: 8000,
	}, nil
}

func testConfig() *env.Config {
	return &env.Config{
		AppEnv:                "development",
		VoicebotBaseURL:       "https://bridge.example.com",
		ExotelExophone:        "+911234567890",
		VoiceSampleRate:       8000,
		VoiceChunkThreshold:   3200,
		VoiceKeepaliveMs:      0,
		VoicePlaybackCap:      16000,
		VoiceHistoryLimit:     20,
		VoiceMaxTurns:         50,
		VoiceRecordMaxSeconds: 30,
		PipelineTimeoutMs:     2000,
	}
}

func testHandler(cfg *env.Config, fp *fakePipeline, resolver agent.Resolver) *Handler {
	return &Handler{
		cfg:      cfg,
		logger:   zap.NewNop(),
		pipeline: fp,
		registry: call.NewRegistry(call.RegistryConfig{
			SampleRate:   cfg.VoiceSampleRate,
			HistoryLimit: cfg.VoiceHistoryLimit,
			PlaybackCap:  cfg.VoicePlaybackCap,
		}),
		resolver: resolver,
	}
}

func testResolver() agent.Resolver {
	return agent.StaticResolver{
		"+911234567890": {
			Name:         "Asha",
			SystemPrompt: "You are Asha, a helpful phone assistant.",
			VoiceID:      "voice-1",
			Greeting:     "Hello! How can I help you today?",
		},
	}
}

func postTurn(t *testing.T, h *Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/webhook/voice", h.VoiceTurn)

	req := httptest.NewRequest(http.MethodPost, "/webhook/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestVoiceTurnFirstTurnGreets(t *testing.T) {
	h := testHandler(testConfig(), &fakePipeline{}, testResolver())

	form := url.Values{}
	form.Set("CallSid", "call123")
	form.Set("From", "+919876543210")
	form.Set("To", "+911234567890")
	w := postTurn(t, h, form)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "<Say>Hello! How can I help you today?</Say>") {
		t.Errorf("missing greeting Say: %q", body)
	}
	if !strings.Contains(body, "CallSid=call123") {
		t.Errorf("record action does not reference the call endpoint: %q", body)
	}
	if !strings.Contains(body, `maxLength="30"`) {
		t.Errorf("capture duration not bounded to 30s: %q", body)
	}
	if strings.Contains(body, "<Hangup") {
		t.Errorf("first turn must not hang up: %q", body)
	}
}

func TestVoiceTurnTranscriptionFailureHangsUp(t *testing.T) {
	fp := &fakePipeline{
		transcribeErr: &pipeline.TranscriptionError{Err: context.DeadlineExceeded},
	}
	h := testHandler(testConfig(), fp, testResolver())

	// Recording server is never reached: point the URL at a server
	// that answers with an error so the fetch itself also fails fast.
	recSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusBadGateway)
	}))
	defer recSrv.Close()

	// Seed the session so this is not treated as a first turn.
	sess, _ := h.registry.GetOrCreate("call123", call.TransportWebhook)
	sess.Agent, _ = testResolver().Resolve(context.Background(), "+911234567890")

	form := url.Values{}
	form.Set("CallSid", "call123")
	form.Set("RecordingUrl", recSrv.URL+"/rec.wav")
	w := postTurn(t, h, form)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even on pipeline failure", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "<Say>") || !strings.Contains(body, "Sorry") {
		t.Errorf("missing spoken apology: %q", body)
	}
	if !strings.Contains(body, "<Hangup") {
		t.Errorf("missing hangup after failed transcription: %q", body)
	}
	if strings.Contains(body, "<Record") {
		t.Errorf("call left in capture loop after failure: %q", body)
	}
	if h.registry.Get("call123") != nil {
		t.Error("session not evicted after terminal turn")
	}
}

func TestVoiceTurnRecognizedTextSkipsTranscription(t *testing.T) {
	fp := &fakePipeline{reply: "The weather is sunny."}
	h := testHandler(testConfig(), fp, testResolver())

	sess, _ := h.registry.GetOrCreate("call123", call.TransportWebhook)
	sess.Agent, _ = testResolver().Resolve(context.Background(), "+911234567890")

	form := url.Values{}
	form.Set("CallSid", "call123")
	form.Set("SpeechResult", "what is the weather")
	w := postTurn(t, h, form)

	body := w.Body.String()
	if atomic.LoadInt32(&fp.transcribeCalls) != 0 {
		t.Error("transcription invoked despite recognized text")
	}
	if atomic.LoadInt32(&fp.replyCalls) != 1 {
		t.Errorf("reply calls = %d, want 1", fp.replyCalls)
	}
	if !strings.Contains(body, "<Say>The weather is sunny.</Say>") {
		t.Errorf("missing spoken reply: %q", body)
	}
	if !strings.Contains(body, "<Record") {
		t.Errorf("conversation loop not continued: %q", body)
	}

	history := sess.History()
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want user+assistant", len(history))
	}
	if history[0].Content != "what is the weather" || history[1].Content != "The weather is sunny." {
		t.Errorf("history = %+v", history)
	}
}

func TestVoiceTurnNoAgentHangsUp(t *testing.T) {
	h := testHandler(testConfig(), &fakePipeline{}, agent.StaticResolver{})

	form := url.Values{}
	form.Set("CallSid", "call999")
	form.Set("To", "+910000000000")
	w := postTurn(t, h, form)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "<Hangup") {
		t.Errorf("missing hangup for unbound phone: %q", body)
	}
	if strings.Contains(body, "<Record") {
		t.Errorf("capture issued with no agent: %q", body)
	}
}

func TestVoiceTurnMaxTurnsBound(t *testing.T) {
	cfg := testConfig()
	cfg.VoiceMaxTurns = 2
	fp := &fakePipeline{reply: "ok"}
	h := testHandler(cfg, fp, testResolver())

	form := url.Values{}
	form.Set("CallSid", "call123")
	form.Set("To", "+911234567890")
	form.Set("SpeechResult", "hello")

	postTurn(t, h, form)
	postTurn(t, h, form)
	w := postTurn(t, h, form)

	body := w.Body.String()
	if !strings.Contains(body, "<Hangup") {
		t.Errorf("call not terminated at turn bound: %q", body)
	}
	if h.registry.Get("call123") != nil {
		t.Error("session survived the turn bound")
	}
}

func TestVoiceTurnStatus(t *testing.T) {
	h := testHandler(testConfig(), &fakePipeline{}, testResolver())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/webhook/voice", h.VoiceTurnStatus)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhook/voice", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp["status"] != "active" {
		t.Errorf("status = %q, want active", resp["status"])
	}
	if resp["phone_id"] != "+911234567890" {
		t.Errorf("phone_id = %q", resp["phone_id"])
	}
}
