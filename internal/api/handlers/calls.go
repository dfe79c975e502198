package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troikatech/voice-bridge/pkg/errors"
	"github.com/troikatech/voice-bridge/pkg/exotel"
	"github.com/troikatech/voice-bridge/pkg/logger"
	"github.com/troikatech/voice-bridge/pkg/middleware"
	"github.com/troikatech/voice-bridge/pkg/mongo"
	"github.com/troikatech/voice-bridge/pkg/utils"
	"github.com/troikatech/voice-bridge/pkg/webhook"
)

// CreateCallRequest asks the provider to dial a number and route the
// answered call into the voicebot flow.
type CreateCallRequest struct {
	To      string `json:"to" binding:"required"`
	AgentID string `json:"agent_id"`
}

// CreateCall places an outbound call via the provider's REST API and
// records it. Protected by JWT auth and the idempotency middleware.
func (h *Handler) CreateCall(c *gin.Context) {
	var req CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.BadRequest(c, err.Error())
		return
	}

	to := utils.NormalizePhone(req.To)
	if !utils.ValidateE164(to) {
		errors.BadRequest(c, "to must be a valid E.164 phone number")
		return
	}
	if h.exotelClient == nil || !h.exotelClient.Configured() {
		errors.ErrorResponse(c, http.StatusServiceUnavailable,
			"Service Unavailable", "telephony provider is not configured")
		return
	}

	base := h.cfg.VoicebotBaseURL
	callReq := exotel.ConnectCallRequest{
		To:          to,
		Exophone:    h.cfg.ExotelExophone,
		CallType:    "trans",
		CallbackURL: base + "/webhooks/exotel",
		VoicebotURL: base + "/voicebot/init",
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	resp, err := h.exotelClient.ConnectCall(ctx, callReq)
	if err != nil {
		h.logger.Error("failed to initiate call",
			zap.Error(err),
			logger.MaskPhoneIfPresent("to", to),
		)
		errors.InternalError(c, err, h.logger)
		return
	}

	h.logger.Info("call initiated",
		zap.String("call_sid", resp.Call.Sid),
		zap.String("status", resp.Call.Status),
		logger.MaskPhoneIfPresent("to", to),
	)
	record := map[string]interface{}{
		"call_sid":    resp.Call.Sid,
		"to_number":   to,
		"from_number": h.cfg.ExotelExophone,
		"agent_id":    req.AgentID,
		"direction":   "outbound",
		"status":      resp.Call.Status,
		"started_at":  time.Now().Format(time.RFC3339),
	}
	mongo.AddTimestamps(record)
	h.upsertCallRecord(resp.Call.Sid, record)

	body, _ := json.Marshal(gin.H{
		"call_sid": resp.Call.Sid,
		"status":   resp.Call.Status,
		"message":  "call initiated",
	})
	middleware.StoreIdempotencyResponse(c, h.redisClient, http.StatusOK, body)
	c.Data(http.StatusOK, "application/json", body)
}

// GetCall returns the stored record for one call.
func (h *Handler) GetCall(c *gin.Context) {
	callSid := c.Param("call_sid")
	if h.mongoClient == nil {
		errors.NotFound(c, "call not found")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	doc, err := h.mongoClient.NewQuery("calls").
		Eq("call_sid", callSid).
		FindOne(ctx)
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}
	if doc == nil {
		errors.NotFound(c, "call not found")
		return
	}
	c.JSON(http.StatusOK, doc)
}

// StatusCallbackPayload is the provider's end-of-call report.
type StatusCallbackPayload struct {
	CallSid      string `form:"CallSid"`
	From         string `form:"From"`
	To           string `form:"To"`
	Direction    string `form:"Direction"`
	Status       string `form:"Status"`
	StartTime    string `form:"StartTime"`
	EndTime      string `form:"EndTime"`
	Duration     string `form:"Duration"`
	RecordingURL string `form:"RecordingUrl"`
}

// StatusCallback ingests the provider's call status webhook: HMAC
// verified, idempotent per CallSid, upserted into the call record.
func (h *Handler) StatusCallback(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		errors.BadRequest(c, "invalid form data")
		return
	}

	signature := c.GetHeader("X-Exotel-Signature")
	if err := webhook.VerifySignature(h.cfg.ExotelWebhookSecret, c.Request.PostForm, signature); err != nil {
		h.logger.Warn("status callback signature rejected", zap.Error(err))
		errors.Unauthorized(c, "invalid signature")
		return
	}

	var payload StatusCallbackPayload
	if err := c.ShouldBind(&payload); err != nil || payload.CallSid == "" {
		errors.BadRequest(c, "CallSid is required")
		return
	}

	if h.redisClient != nil {
		ctx := c.Request.Context()
		key := fmt.Sprintf("webhook:exotel:%s:%s", payload.CallSid, payload.Status)
		set, err := h.redisClient.SetNX(ctx, key, "processed", 24*time.Hour).Result()
		if err == nil && !set {
			h.logger.Info("status callback already processed",
				zap.String("call_sid", payload.CallSid),
				zap.String("status", payload.Status),
			)
			c.JSON(http.StatusOK, gin.H{"message": "already processed"})
			return
		}
	}

	var durationSec int
	if payload.Duration != "" {
		fmt.Sscanf(payload.Duration, "%d", &durationSec)
	}
	h.upsertCallRecord(payload.CallSid, map[string]interface{}{
		"call_sid":            payload.CallSid,
		"from_number":         payload.From,
		"to_number":           payload.To,
		"direction":           payload.Direction,
		"status":              payload.Status,
		"started_at":          payload.StartTime,
		"ended_at":            payload.EndTime,
		"duration_sec":        durationSec,
		"recording_url":       payload.RecordingURL,
		"webhook_received_at": time.Now().Format(time.RFC3339),
	})

	// The provider reporting a terminal state evicts any lingering
	// session for the call.
	switch payload.Status {
	case "completed", "failed", "busy", "no-answer":
		h.registry.Remove(payload.CallSid)
	}

	c.JSON(http.StatusOK, gin.H{"message": "webhook processed"})
}
