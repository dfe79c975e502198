package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troikatech/voice-bridge/internal/call"
	"github.com/troikatech/voice-bridge/pkg/errors"
	"github.com/troikatech/voice-bridge/pkg/logger"
	"github.com/troikatech/voice-bridge/pkg/markup"
	"github.com/troikatech/voice-bridge/pkg/metrics"
	"github.com/troikatech/voice-bridge/pkg/middleware"
	"github.com/troikatech/voice-bridge/pkg/pipeline"
)

// Spoken fallbacks for the webhook flow. The caller always hears
// something before a hangup; silence is never a terminal state.
const (
	noAgentMessage  = "Sorry, this number is not configured for an assistant. Goodbye."
	turnFailMessage = "Sorry, I am having trouble understanding right now. Please call again later. Goodbye."
	maxTurnsMessage = "Thank you for the conversation. Goodbye."
	defaultGreeting = "Hello! How can I help you today?"
)

// VoiceTurnRequest is one provider-initiated webhook turn. Exotel sends
// form-encoded fields; the recognized-text and recording fields are
// mutually exclusive in practice but both are accepted.
type VoiceTurnRequest struct {
	CallSid      string `form:"CallSid" json:"CallSid"`
	From         string `form:"From" json:"From"`
	To           string `form:"To" json:"To"`
	SpeechResult string `form:"SpeechResult" json:"SpeechResult"`
	RecordingURL string `form:"RecordingUrl" json:"RecordingUrl"`
}

// VoiceTurnStatus answers the provider's webhook verification check.
func (h *Handler) VoiceTurnStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "active",
		"phone_id": h.cfg.ExotelExophone,
		"message":  "voice webhook is ready",
	})
}

// VoiceTurn handles one conversational turn. The provider retries
// aggressively on non-200 responses, so every outcome past basic
// request validation answers 200 with markup - failures become a
// spoken apology plus hangup rather than an error status.
func (h *Handler) VoiceTurn(c *gin.Context) {
	start := time.Now()

	var req VoiceTurnRequest
	if err := c.ShouldBind(&req); err != nil {
		req.CallSid = c.PostForm("CallSid")
	}
	if req.CallSid == "" {
		req.CallSid = c.Query("CallSid")
	}
	if req.CallSid == "" {
		errors.BadRequest(c, "CallSid is required")
		return
	}

	resp := h.processTurn(c.Request.Context(), &req)
	metrics.RecordRequest("voice_turn", true, time.Since(start))
	c.Data(http.StatusOK, "application/xml", resp.Render())
}

func (h *Handler) processTurn(ctx context.Context, req *VoiceTurnRequest) *markup.Response {
	sess, created := h.registry.GetOrCreate(req.CallSid, call.TransportWebhook)
	if created {
		cfg, err := h.resolver.Resolve(ctx, req.To)
		if err != nil {
			h.logger.Warn("agent resolution failed",
				zap.Error(err),
				zap.String("call_sid", req.CallSid),
			)
		}
		sess.Agent = cfg
	}

	if sess.Agent == nil {
		h.registry.Remove(req.CallSid)
		return markup.New().WithSay(noAgentMessage).WithHangup()
	}

	if h.cfg.VoiceMaxTurns > 0 && sess.TurnIndex >= h.cfg.VoiceMaxTurns {
		h.logger.Info("turn limit reached, ending call",
			zap.String("call_sid", req.CallSid),
			zap.Int("turns", sess.TurnIndex),
		)
		h.registry.Remove(req.CallSid)
		return markup.New().WithSay(maxTurnsMessage).WithHangup()
	}
	sess.NextTurn()

	// First turn carries no utterance: greet and start the capture loop.
	if req.SpeechResult == "" && req.RecordingURL == "" {
		h.logger.Info("starting webhook conversation",
			zap.String("call_sid", req.CallSid),
			logger.MaskPhoneIfPresent("from", req.From),
		)
		greeting := sess.Agent.Greeting
		if greeting == "" {
			greeting = defaultGreeting
		}
		return markup.New().
			WithSay(greeting).
			WithRecord(h.turnActionURL(req.CallSid), h.cfg.VoiceRecordMaxSeconds)
	}

	turnStart := time.Now()

	userText := middleware.SanitizeString(req.SpeechResult)
	if userText == "" {
		// Provider did not recognize speech itself; transcribe the
		// recording. A failed or empty transcript ends the call with
		// an audible notice instead of looping the caller forever.
		text, err := h.transcribeRecording(ctx, req.RecordingURL)
		if err != nil || text == "" {
			h.logger.Warn("transcription failed for webhook turn",
				zap.Error(err),
				zap.Bool("timeout", pipeline.IsTimeout(err)),
				zap.String("call_sid", req.CallSid),
			)
			h.registry.Remove(req.CallSid)
			metrics.RecordTurn("webhook", false, time.Since(turnStart))
			return markup.New().WithSay(turnFailMessage).WithHangup()
		}
		userText = text
	}

	reply, model, err := h.pipeline.Reply(ctx, sess.SystemPrompt(), sess.History(), userText)
	if err != nil {
		h.logger.Error("reply generation failed for webhook turn",
			zap.Error(err),
			zap.Bool("timeout", pipeline.IsTimeout(err)),
			zap.String("call_sid", req.CallSid),
		)
		h.registry.Remove(req.CallSid)
		metrics.RecordTurn("webhook", false, time.Since(turnStart))
		return markup.New().WithSay(turnFailMessage).WithHangup()
	}
	sess.AppendUser(userText)
	sess.AppendAssistant(reply)
	metrics.RecordTurn("webhook", true, time.Since(turnStart))

	h.logger.Info("webhook turn completed",
		zap.String("call_sid", req.CallSid),
		zap.Int("turn", sess.TurnIndex),
		zap.String("model", model),
	)

	return markup.New().
		WithSay(reply).
		WithRecord(h.turnActionURL(req.CallSid), h.cfg.VoiceRecordMaxSeconds)
}

// turnActionURL points the provider back at this endpoint for the next
// captured utterance of the same call.
func (h *Handler) turnActionURL(callSid string) string {
	base := strings.TrimRight(h.cfg.VoicebotBaseURL, "/")
	return fmt.Sprintf("%s/webhook/voice?CallSid=%s", base, callSid)
}

// transcribeRecording fetches the provider-hosted recording and runs it
// through speech-to-text. Exotel serves recordings as WAV, which the
// transcription endpoint accepts directly.
func (h *Handler) transcribeRecording(ctx context.Context, recordingURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.PipelineTimeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid recording url: %w", err)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to fetch recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("recording fetch returned status %d", resp.StatusCode)
	}
	audioData, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read recording: %w", err)
	}

	text, err := h.pipeline.Transcribe(ctx, audioData)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
