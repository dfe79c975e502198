package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/troikatech/voice-bridge/internal/call"
	"github.com/troikatech/voice-bridge/pkg/agent"
	"github.com/troikatech/voice-bridge/pkg/audio"
	"github.com/troikatech/voice-bridge/pkg/env"
	"github.com/troikatech/voice-bridge/pkg/errors"
	"github.com/troikatech/voice-bridge/pkg/logger"
	"github.com/troikatech/voice-bridge/pkg/metrics"
	"github.com/troikatech/voice-bridge/pkg/mongo"
	"github.com/troikatech/voice-bridge/pkg/pipeline"
)

// streamEvent is one JSON frame on the provider's bidirectional socket.
// Unknown event kinds are logged and ignored; a malformed frame never
// closes the socket.
type streamEvent struct {
	Event     string `json:"event"`
	StreamSid string `json:"stream_sid,omitempty"`
	Start     *struct {
		StreamSid        string            `json:"stream_sid"`
		CallSid          string            `json:"call_sid"`
		CustomParameters map[string]string `json:"custom_parameters,omitempty"`
		MediaFormat      struct {
			Encoding   string `json:"encoding"`
			SampleRate string `json:"sample_rate"`
		} `json:"media_format"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

type outboundMediaEvent struct {
	Event     string `json:"event"`
	StreamSid string `json:"stream_sid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundMarkEvent struct {
	Event     string `json:"event"`
	StreamSid string `json:"stream_sid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// VoicebotInitRequest is the payload the provider sends when a call
// lands on the voicebot applet, asking where to open the socket.
type VoicebotInitRequest struct {
	CallSid string `json:"CallSid" form:"CallSid"`
	From    string `json:"From" form:"From"`
	To      string `json:"To" form:"To"`
}

// VoicebotInit answers the provider's applet fetch with the public
// WebSocket URL for this call. Supports GET and POST since the
// provider uses either depending on applet configuration.
func (h *Handler) VoicebotInit(c *gin.Context) {
	var req VoicebotInitRequest
	if err := c.ShouldBind(&req); err != nil {
		req.CallSid = c.Query("CallSid")
		req.From = c.Query("From")
		req.To = c.Query("To")
	}
	if req.CallSid == "" {
		req.CallSid = c.Query("call_sid")
	}
	if req.CallSid == "" {
		errors.BadRequest(c, "CallSid is required")
		return
	}

	base := strings.TrimRight(h.cfg.VoicebotBaseURL, "/")
	if strings.HasPrefix(base, "https") {
		base = "wss" + base[len("https"):]
	} else if strings.HasPrefix(base, "http") {
		base = "ws" + base[len("http"):]
	}
	wsURL := fmt.Sprintf("%s/voicebot/ws?call_sid=%s&from=%s&to=%s",
		base, req.CallSid, req.From, req.To)

	h.logger.Info("voicebot init",
		zap.String("call_sid", req.CallSid),
		logger.MaskPhoneIfPresent("from", req.From),
	)
	c.JSON(http.StatusOK, gin.H{"websocket_url": wsURL})
}

func newStreamUpgrader(cfg *env.Config) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.AppEnv == "development" {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Provider infrastructure connects without an Origin header.
				return true
			}
			allowed := []string{
				"https://my.exotel.com",
				"https://api.exotel.com",
				"https://" + cfg.ExotelSubdomain + ".exotel.com",
			}
			if cfg.VoicebotBaseURL != "" {
				allowed = append(allowed, cfg.VoicebotBaseURL)
			}
			for _, a := range allowed {
				if origin == a {
					return true
				}
			}
			logger.Log.Warn("websocket connection rejected, invalid origin",
				zap.String("origin", origin),
				zap.String("remote_addr", r.RemoteAddr),
			)
			return false
		},
	}
}

// VoicebotStream upgrades the provider's connection and runs the call's
// bridge loop until the call ends or the socket closes. One goroutine
// owns the session; only the keepalive ticker runs beside it, and it
// touches the socket through the shared write lock, never the session.
func (h *Handler) VoicebotStream(c *gin.Context) {
	callSid := c.Query("call_sid")
	if callSid == "" {
		callSid = c.Query("callLogId")
	}
	if callSid == "" {
		errors.BadRequest(c, "call_sid is required")
		return
	}
	to := c.Query("to")

	sampleRate := h.cfg.VoiceSampleRate
	if sr, err := strconv.Atoi(c.Query("sample-rate")); err == nil && sr > 0 {
		sampleRate = sr
	}

	upgrader := newStreamUpgrader(h.cfg)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			zap.Error(err),
			zap.String("call_sid", callSid),
		)
		return
	}
	defer conn.Close()

	sess, _ := h.registry.GetOrCreate(callSid, call.TransportStreaming)
	sess.SampleRate = sampleRate
	metrics.SetActiveStreams(int64(h.registry.Len()))
	defer func() {
		h.registry.Remove(callSid)
		metrics.SetActiveStreams(int64(h.registry.Len()))
	}()

	h.logger.Info("voicebot stream connected",
		zap.String("call_sid", callSid),
		zap.Int("sample_rate", sampleRate),
		logger.MaskPhoneIfPresent("to", to),
	)
	h.upsertCallRecord(callSid, map[string]interface{}{
		"call_sid":   callSid,
		"transport":  "streaming",
		"status":     "in-progress",
		"started_at": time.Now().Format(time.RFC3339),
	})

	b := &streamBridge{
		h:             h,
		conn:          conn,
		sess:          sess,
		phoneID:       to,
		keepaliveStop: make(chan struct{}),
	}
	b.run(c.Request.Context())

	h.upsertCallRecord(callSid, map[string]interface{}{
		"status":   "completed",
		"ended_at": time.Now().Format(time.RFC3339),
	})
	h.logger.Info("voicebot stream closed", zap.String("call_sid", callSid))
}

// streamBridge drives one streaming call: a blocking read loop with a
// switch over event kind, plus a keepalive ticker that quiets once the
// first real reply has been played.
type streamBridge struct {
	h       *Handler
	conn    *websocket.Conn
	sess    *call.Session
	phoneID string

	// mulaw is set when the start event reports a mu-law media format;
	// inbound payloads are then companded and must be decoded to PCM16.
	mulaw bool

	// agentReady delivers the prefetched agent config. Start handling
	// never blocks on resolution; the first pipeline turn awaits it.
	agentReady chan *agent.Config

	writeMu       sync.Mutex
	playing       atomic.Bool
	firstAudio    atomic.Bool
	keepaliveStop chan struct{}
	keepaliveOnce sync.Once
}

func (b *streamBridge) run(ctx context.Context) {
	for {
		msgType, message, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.h.logger.Warn("websocket read error",
					zap.Error(err),
					zap.String("call_sid", b.sess.CallID),
				)
			}
			b.stopKeepalive()
			b.sess.SetStatus(call.StatusStopped)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal(message, &event); err != nil {
			b.h.logger.Warn("malformed stream event",
				zap.Error(err),
				zap.String("call_sid", b.sess.CallID),
			)
			continue
		}

		switch event.Event {
		case "start":
			b.handleStart(ctx, &event)
		case "media":
			b.handleMedia(ctx, &event)
		case "mark":
			name := ""
			if event.Mark != nil {
				name = event.Mark.Name
			}
			b.h.logger.Debug("mark acknowledged",
				zap.String("call_sid", b.sess.CallID),
				zap.String("mark", name),
			)
		case "stop":
			b.handleStop()
			return
		default:
			b.h.logger.Debug("ignoring unknown stream event",
				zap.String("call_sid", b.sess.CallID),
				zap.String("event", event.Event),
			)
		}
	}
}

func (b *streamBridge) handleStart(ctx context.Context, event *streamEvent) {
	agentHint := ""
	if event.Start != nil {
		if event.Start.StreamSid != "" {
			b.sess.StreamID = event.Start.StreamSid
		}
		if sr, err := strconv.Atoi(event.Start.MediaFormat.SampleRate); err == nil && sr > 0 {
			b.sess.SampleRate = sr
		}
		if strings.Contains(event.Start.MediaFormat.Encoding, "mulaw") {
			b.mulaw = true
		}
		agentHint = event.Start.CustomParameters["agent_id"]
	}
	if b.sess.StreamID == "" {
		b.sess.StreamID = event.StreamSid
	}

	b.h.logger.Info("stream started",
		zap.String("call_sid", b.sess.CallID),
		zap.String("stream_sid", b.sess.StreamID),
		zap.Int("sample_rate", b.sess.SampleRate),
		zap.Bool("mulaw", b.mulaw),
	)

	// Prefetch the agent; awaited by ensureAgent when first needed.
	b.agentReady = make(chan *agent.Config, 1)
	go func(hint, phoneID string) {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.agentReady <- b.h.resolveAgent(rctx, hint, phoneID)
	}(agentHint, b.phoneID)

	go b.keepaliveLoop()

	// Speak the greeting before the caller says anything. Media frames
	// arriving meanwhile queue on the socket and are buffered after.
	if cfg := b.ensureAgent(); cfg != nil && cfg.Greeting != "" {
		b.speak(ctx, cfg.Greeting)
	}
}

func (b *streamBridge) handleMedia(ctx context.Context, event *streamEvent) {
	if event.Media == nil || event.Media.Payload == "" {
		return
	}
	payload, err := audio.DecodePayload(event.Media.Payload)
	if err != nil {
		b.h.logger.Warn("undecodable media payload",
			zap.Error(err),
			zap.String("call_sid", b.sess.CallID),
		)
		return
	}
	if b.mulaw {
		payload = audio.DecodeMuLaw(payload)
	}

	b.sess.AppendInbound(payload)
	if !b.sess.ReadyForPipeline(b.h.cfg.VoiceChunkThreshold) {
		return
	}

	b.sess.SetStatus(call.StatusPipelineRunning)
	chunk := b.sess.DrainInbound()
	b.runTurn(ctx, chunk)

	if b.sess.Stopped() {
		return
	}
	if b.sess.BufferedBytes() > 0 {
		b.sess.SetStatus(call.StatusBuffering)
	} else {
		b.sess.SetStatus(call.StatusIdle)
	}
}

// runTurn processes one buffered chunk end to end. A stage failure is
// logged and the call keeps buffering; a single bad turn never ends
// the stream.
func (b *streamBridge) runTurn(ctx context.Context, chunk []byte) {
	turnStart := time.Now()
	wavData := audio.WAVFromPCM(chunk, b.sess.SampleRate)

	transcript, err := b.h.pipeline.Transcribe(ctx, wavData)
	if err != nil {
		b.h.logger.Error("transcription failed",
			zap.Error(err),
			zap.Bool("timeout", pipeline.IsTimeout(err)),
			zap.String("call_sid", b.sess.CallID),
		)
		metrics.RecordTurn("streaming", false, time.Since(turnStart))
		return
	}
	if strings.TrimSpace(transcript) == "" {
		return
	}

	cfg := b.ensureAgent()
	prompt := ""
	if cfg != nil {
		prompt = cfg.SystemPrompt
	}

	reply, model, err := b.h.pipeline.Reply(ctx, prompt, b.sess.History(), transcript)
	if err != nil {
		b.h.logger.Error("reply generation failed",
			zap.Error(err),
			zap.Bool("timeout", pipeline.IsTimeout(err)),
			zap.String("call_sid", b.sess.CallID),
		)
		metrics.RecordTurn("streaming", false, time.Since(turnStart))
		return
	}
	b.sess.AppendUser(transcript)
	b.sess.AppendAssistant(reply)
	metrics.RecordTurn("streaming", true, time.Since(turnStart))

	b.h.logger.Info("stream turn completed",
		zap.String("call_sid", b.sess.CallID),
		zap.Int("turn", b.sess.NextTurn()),
		zap.String("model", model),
	)

	b.speak(ctx, reply)
}

// speak synthesizes text and plays it onto the stream, paced to real
// time. Playback runs inside the read loop, so media the provider
// sends meanwhile queues on the socket and is read only after the last
// frame goes out; the buffer reset plus an echo-discard window sized
// to the played audio keep that echo out of the next turn.
func (b *streamBridge) speak(ctx context.Context, text string) {
	voiceID := ""
	if cfg := b.ensureAgent(); cfg != nil {
		voiceID = cfg.VoiceID
	}

	result, err := b.h.pipeline.Synthesize(ctx, &pipeline.SynthesisRequest{
		Text:       text,
		VoiceID:    voiceID,
		SampleRate: b.sess.SampleRate,
	})
	if err != nil {
		b.h.logger.Error("synthesis failed",
			zap.Error(err),
			zap.Bool("timeout", pipeline.IsTimeout(err)),
			zap.String("call_sid", b.sess.CallID),
		)
		return
	}

	pcm := result.Audio
	rate := result.SampleRate
	if result.Container == pipeline.ContainerWAV {
		pcm, rate, err = audio.PCMFromWAV(result.Audio)
		if err != nil {
			b.h.logger.Error("synthesized WAV unreadable",
				zap.Error(err),
				zap.String("call_sid", b.sess.CallID),
			)
			return
		}
	}
	if rate != b.sess.SampleRate {
		pcm = audio.Resample(pcm, rate, b.sess.SampleRate)
	}
	if len(pcm) == 0 {
		return
	}

	b.sess.SetStatus(call.StatusPlaying)
	b.playing.Store(true)
	played := 0
	defer func() {
		b.playing.Store(false)
		b.sess.ResetInbound()
		b.sess.BeginEchoDiscard(played)
		b.sess.SetStatus(call.StatusBuffering)
	}()

	frames := audio.SplitFrames(pcm, audio.MinFrameSize)
	metrics.AddPlaybackFrames(int64(len(frames)))
	for _, frame := range frames {
		if err := b.writeFrame(frame); err != nil {
			b.h.logger.Warn("failed to send media frame",
				zap.Error(err),
				zap.String("call_sid", b.sess.CallID),
			)
			return
		}
		played += len(frame)
		if !b.firstAudio.Load() {
			b.firstAudio.Store(true)
			b.sess.FirstPlaybackSent = true
			b.stopKeepalive()
		}
		time.Sleep(audio.FrameDuration(len(frame), b.sess.SampleRate))
	}

	b.writeMark("playback_done")
}

func (b *streamBridge) handleStop() {
	b.h.logger.Info("stream stopped by provider",
		zap.String("call_sid", b.sess.CallID),
		zap.String("stream_sid", b.sess.StreamID),
	)
	b.stopKeepalive()
	b.sess.SetStatus(call.StatusStopped)
}

// keepaliveLoop sends a silent frame at a fixed cadence so the
// provider's idle timeout cannot drop the socket before the first real
// reply is synthesized. It stops permanently once any real audio goes
// out.
func (b *streamBridge) keepaliveLoop() {
	interval := time.Duration(b.h.cfg.VoiceKeepaliveMs) * time.Millisecond
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.keepaliveStop:
			return
		case <-ticker.C:
			if b.playing.Load() || b.firstAudio.Load() {
				continue
			}
			if err := b.writeFrame(audio.SilenceFrame()); err != nil {
				return
			}
		}
	}
}

func (b *streamBridge) stopKeepalive() {
	b.keepaliveOnce.Do(func() { close(b.keepaliveStop) })
}

func (b *streamBridge) writeFrame(frame []byte) error {
	event := outboundMediaEvent{Event: "media", StreamSid: b.sess.StreamID}
	event.Media.Payload = audio.EncodePayload(frame)

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteJSON(event)
}

func (b *streamBridge) writeMark(name string) {
	event := outboundMarkEvent{Event: "mark", StreamSid: b.sess.StreamID}
	event.Mark.Name = name

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.WriteJSON(event); err != nil {
		b.h.logger.Warn("failed to send mark event",
			zap.Error(err),
			zap.String("call_sid", b.sess.CallID),
		)
	}
}

// ensureAgent waits for the prefetched agent config and caches it on
// the session. Safe to call repeatedly; only the first call can block.
func (b *streamBridge) ensureAgent() *agent.Config {
	if b.sess.Agent != nil {
		return b.sess.Agent
	}
	if b.agentReady == nil {
		return nil
	}
	select {
	case cfg := <-b.agentReady:
		b.agentReady = nil
		b.sess.Agent = cfg
		return cfg
	case <-time.After(5 * time.Second):
		return nil
	}
}

// resolveAgent picks a specific agent when the start event carried a
// hint, otherwise falls back to the phone-number binding.
func (h *Handler) resolveAgent(ctx context.Context, agentHint, phoneID string) *agent.Config {
	if agentHint != "" {
		if byID, ok := h.resolver.(interface {
			ResolveByID(context.Context, string) (*agent.Config, error)
		}); ok {
			cfg, err := byID.ResolveByID(ctx, agentHint)
			if err == nil && cfg != nil {
				return cfg
			}
			if err != nil {
				h.logger.Warn("agent hint resolution failed",
					zap.Error(err),
					zap.String("agent_id", agentHint),
				)
			}
		}
	}
	cfg, err := h.resolver.Resolve(ctx, phoneID)
	if err != nil {
		h.logger.Warn("agent resolution failed",
			zap.Error(err),
			logger.MaskPhoneIfPresent("phone", phoneID),
		)
		return nil
	}
	return cfg
}

// upsertCallRecord keeps a best-effort call document current. A nil
// database client (tests, single-binary dev mode) makes this a no-op.
func (h *Handler) upsertCallRecord(callSid string, fields map[string]interface{}) {
	if h.mongoClient == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mongo.UpdateTimestamp(fields)
	if _, err := h.mongoClient.NewQuery("calls").
		Upsert(ctx, bson.M{"call_sid": callSid}, fields); err != nil {
		h.logger.Warn("call record upsert failed", zap.Error(err), zap.String("call_sid", callSid))
	}
}
