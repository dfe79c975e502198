package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-bridge/pkg/circuitbreaker"
	"github.com/troikatech/voice-bridge/pkg/env"
	"github.com/troikatech/voice-bridge/pkg/metrics"
)

// Client wraps the three external pipeline calls: speech-to-text, reply
// generation and speech synthesis. Every call is a single attempt with a
// fixed deadline; there are no retries: a failed stage surfaces a typed
// error and the adapter decides the fallback. A per-stage circuit breaker
// turns a dead service into an immediate failure instead of a timeout wait.
type Client struct {
	openAIKey       string
	chatModel       string
	maxTokens       int
	whisperModel    string
	whisperLanguage string
	ttsModel        string
	ttsVoice        string

	elevenKey     string
	elevenVoiceID string
	elevenModel   string

	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	openAIBaseURL string
	elevenBaseURL string

	sttBreaker *circuitbreaker.CircuitBreaker
	llmBreaker *circuitbreaker.CircuitBreaker
	ttsBreaker *circuitbreaker.CircuitBreaker
}

// Message is one conversation history entry.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Container identifies how synthesized audio is framed.
type Container string

const (
	ContainerPCM Container = "pcm" // raw PCM16LE at the requested rate
	ContainerWAV Container = "wav"
)

// SynthesisRequest asks for speech for one reply.
type SynthesisRequest struct {
	Text       string
	VoiceID    string // overrides the configured default when set
	SampleRate int    // target rate for raw PCM output
}

// SynthesisResult carries the audio and how it is framed.
type SynthesisResult struct {
	Audio      []byte
	Container  Container
	SampleRate int
}

// NewClient builds a pipeline client from service configuration.
func NewClient(cfg *env.Config, logger *zap.Logger) *Client {
	timeout := cfg.PipelineTimeout()
	return &Client{
		openAIKey:       cfg.OpenAIApiKey,
		chatModel:       cfg.OpenAIModel,
		maxTokens:       cfg.OpenAIMaxTokens,
		whisperModel:    cfg.WhisperModel,
		whisperLanguage: cfg.WhisperLanguage,
		ttsModel:        cfg.TTSModel,
		ttsVoice:        cfg.TTSVoice,

		elevenKey:     cfg.ElevenLabsApiKey,
		elevenVoiceID: cfg.ElevenLabsVoiceID,
		elevenModel:   cfg.ElevenLabsModel,

		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,

		openAIBaseURL: "https://api.openai.com/v1",
		elevenBaseURL: "https://api.elevenlabs.io/v1",

		sttBreaker: circuitbreaker.New("stt", circuitbreaker.DefaultConfig()),
		llmBreaker: circuitbreaker.New("llm", circuitbreaker.DefaultConfig()),
		ttsBreaker: circuitbreaker.New("tts", circuitbreaker.DefaultConfig()),
	}
}

// IsAvailable reports whether the pipeline is configured at all.
func (c *Client) IsAvailable() bool {
	return c.openAIKey != ""
}

// Transcribe sends a WAV buffer to the speech-to-text service and returns
// the transcript. An empty transcript is not an error; callers skip it.
func (c *Client) Transcribe(ctx context.Context, wavData []byte) (string, error) {
	if !c.IsAvailable() {
		return "", &TranscriptionError{Err: fmt.Errorf("OPENAI_API_KEY not configured")}
	}
	if len(wavData) == 0 {
		return "", &TranscriptionError{Err: fmt.Errorf("audio data cannot be empty")}
	}

	start := time.Now()
	var text string
	err := c.sttBreaker.Execute(ctx, func() error {
		var err error
		text, err = c.transcribeOnce(ctx, wavData)
		return err
	})
	metrics.RecordServiceCall("stt", err == nil, time.Since(start))

	if err != nil {
		return "", &TranscriptionError{Err: err}
	}
	return strings.TrimSpace(text), nil
}

func (c *Client) transcribeOnce(ctx context.Context, wavData []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(wavData); err != nil {
		return "", fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := writer.WriteField("model", c.whisperModel); err != nil {
		return "", err
	}
	if c.whisperLanguage != "" {
		if err := writer.WriteField("language", c.whisperLanguage); err != nil {
			return "", err
		}
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return "", err
	}
	writer.Close()

	url := fmt.Sprintf("%s/audio/transcriptions", c.openAIBaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+c.openAIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("transcription API error: %d - %s", resp.StatusCode, string(respBody))
	}

	var whisperResp struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&whisperResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return whisperResp.Text, nil
}

// Reply asks the language model for the next assistant turn given the
// agent's system prompt, the rolling history and the new user utterance.
// Returns the reply text and the model that produced it.
func (c *Client) Reply(ctx context.Context, systemPrompt string, history []Message, userText string) (string, string, error) {
	if !c.IsAvailable() {
		return "", "", &GenerationError{Err: fmt.Errorf("OPENAI_API_KEY not configured")}
	}

	start := time.Now()
	var text, model string
	err := c.llmBreaker.Execute(ctx, func() error {
		var err error
		text, model, err = c.replyOnce(ctx, systemPrompt, history, userText)
		return err
	})
	metrics.RecordServiceCall("llm", err == nil, time.Since(start))

	if err != nil {
		return "", "", &GenerationError{Err: err}
	}
	return text, model, nil
}

func (c *Client) replyOnce(ctx context.Context, systemPrompt string, history []Message, userText string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: userText})

	requestBody := map[string]interface{}{
		"model":       c.chatModel,
		"messages":    messages,
		"max_tokens":  c.maxTokens,
		"temperature": 0.7,
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", c.openAIBaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.openAIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", "", fmt.Errorf("chat API error: %d - %s", resp.StatusCode, string(respBody))
	}

	var chatResp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", "", fmt.Errorf("chat API returned no choices")
	}

	return strings.TrimSpace(chatResp.Choices[0].Message.Content), chatResp.Model, nil
}

// Synthesize converts reply text to audio. ElevenLabs is preferred when
// configured because it emits raw PCM at the session's exact sample rate;
// otherwise the OpenAI speech endpoint returns a WAV the caller unwraps.
func (c *Client) Synthesize(ctx context.Context, req *SynthesisRequest) (*SynthesisResult, error) {
	if req.Text == "" {
		return nil, &SynthesisError{Err: fmt.Errorf("text cannot be empty")}
	}

	start := time.Now()
	var result *SynthesisResult
	err := c.ttsBreaker.Execute(ctx, func() error {
		var err error
		if c.elevenKey != "" {
			result, err = c.synthesizeElevenLabs(ctx, req)
		} else {
			result, err = c.synthesizeOpenAI(ctx, req)
		}
		return err
	})
	metrics.RecordServiceCall("tts", err == nil, time.Since(start))

	if err != nil {
		return nil, &SynthesisError{Err: err}
	}
	return result, nil
}

func (c *Client) synthesizeElevenLabs(ctx context.Context, req *SynthesisRequest) (*SynthesisResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	voiceID := req.VoiceID
	if voiceID == "" {
		voiceID = c.elevenVoiceID
	}

	sampleRate := req.SampleRate
	if sampleRate != 8000 && sampleRate != 16000 && sampleRate != 24000 {
		sampleRate = 16000
	}

	requestBody := map[string]interface{}{
		"text":     req.Text,
		"model_id": c.elevenModel,
		"voice_settings": map[string]interface{}{
			"stability":        0.5,
			"similarity_boost": 0.5,
		},
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s?output_format=pcm_%d", c.elevenBaseURL, voiceID, sampleRate)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", c.elevenKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("elevenlabs API error: %d - %s", resp.StatusCode, string(respBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("no audio data received")
	}

	return &SynthesisResult{Audio: audio, Container: ContainerPCM, SampleRate: sampleRate}, nil
}

func (c *Client) synthesizeOpenAI(ctx context.Context, req *SynthesisRequest) (*SynthesisResult, error) {
	if c.openAIKey == "" {
		return nil, fmt.Errorf("no synthesis service configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	voice := req.VoiceID
	if voice == "" {
		voice = c.ttsVoice
	}

	requestBody := map[string]interface{}{
		"model":           c.ttsModel,
		"input":           req.Text,
		"voice":           voice,
		"response_format": "wav",
		"speed":           1.0,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/audio/speech", c.openAIBaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.openAIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("speech API error: %d - %s", resp.StatusCode, string(respBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("no audio data received")
	}

	return &SynthesisResult{Audio: audio, Container: ContainerWAV}, nil
}
