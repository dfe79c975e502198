package call

import (
	"github.com/troikatech/voice-bridge/pkg/agent"
	"github.com/troikatech/voice-bridge/pkg/pipeline"
)

// Transport is how the provider delivers a call's turns.
type Transport string

const (
	TransportWebhook   Transport = "webhook"
	TransportStreaming Transport = "streaming"
)

// Status is the session's turn state. A session is in exactly one state
// at a time; in particular it is never PipelineRunning and Playing at
// once, since playback starts only after the pipeline run completes.
type Status int

const (
	StatusIdle Status = iota
	StatusBuffering
	StatusPipelineRunning
	StatusPlaying
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBuffering:
		return "buffering"
	case StatusPipelineRunning:
		return "pipeline_running"
	case StatusPlaying:
		return "playing"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Session is the state for one live phone call. It is created on the
// first provider event for a call and evicted on termination. Exactly
// one goroutine owns a session; only the Registry is shared across
// calls, so Session itself carries no locking.
type Session struct {
	CallID    string
	StreamID  string
	Transport Transport

	// Agent is resolved once per call and treated as immutable after.
	// Nil means no agent is bound to the phone; adapters answer with a
	// graceful hangup instead of a conversation.
	Agent *agent.Config

	SampleRate        int
	TurnIndex         int
	FirstPlaybackSent bool

	status       Status
	history      []pipeline.Message
	historyLimit int
	inbound      []byte
	playbackCap  int
	echoDiscard  int
}

// Status returns the session's current turn state.
func (s *Session) Status() Status {
	return s.status
}

// SetStatus moves the session to a new state. Stopped is terminal:
// once a stop event has been seen no later event may revive the call.
func (s *Session) SetStatus(next Status) {
	if s.status == StatusStopped {
		return
	}
	s.status = next
}

// Stopped reports whether the call has terminated.
func (s *Session) Stopped() bool {
	return s.status == StatusStopped
}

// NextTurn advances and returns the turn counter.
func (s *Session) NextTurn() int {
	s.TurnIndex++
	return s.TurnIndex
}

// AppendInbound buffers provider audio and returns the buffered size.
// An armed echo-discard window is consumed first, then, while
// synthesized audio is playing, the buffer is capped instead of grown,
// so echoed playback cannot leak into the next real turn. A stopped
// session discards everything.
func (s *Session) AppendInbound(payload []byte) int {
	if s.status == StatusStopped {
		return len(s.inbound)
	}
	if s.echoDiscard > 0 {
		if len(payload) <= s.echoDiscard {
			s.echoDiscard -= len(payload)
			return len(s.inbound)
		}
		payload = payload[s.echoDiscard:]
		s.echoDiscard = 0
	}
	switch s.status {
	case StatusPlaying:
		room := s.playbackCap - len(s.inbound)
		if room <= 0 {
			return len(s.inbound)
		}
		if len(payload) > room {
			payload = payload[:room]
		}
	case StatusIdle:
		s.status = StatusBuffering
	}
	s.inbound = append(s.inbound, payload...)
	return len(s.inbound)
}

// BufferedBytes returns the size of the unprocessed inbound audio.
func (s *Session) BufferedBytes() int {
	return len(s.inbound)
}

// ReadyForPipeline reports whether enough audio is buffered to run a
// pipeline turn. It is false while a run is already in flight or while
// playback is active, which makes turn processing strictly sequential.
func (s *Session) ReadyForPipeline(threshold int) bool {
	return s.status == StatusBuffering && len(s.inbound) >= threshold
}

// DrainInbound snapshots and clears the inbound buffer.
func (s *Session) DrainInbound() []byte {
	chunk := s.inbound
	s.inbound = nil
	return chunk
}

// ResetInbound discards buffered audio without processing it.
func (s *Session) ResetInbound() {
	s.inbound = nil
}

// BeginEchoDiscard arms a window of n inbound bytes to drop before
// buffering resumes. Playback runs inside the read loop, so audio the
// provider delivers while a reply plays queues on the socket and is
// only read after playback finishes; the window absorbs that queued
// echo instead of treating it as caller speech.
func (s *Session) BeginEchoDiscard(n int) {
	if n > 0 {
		s.echoDiscard = n
	}
}

// AppendUser adds a user utterance to the rolling history.
func (s *Session) AppendUser(text string) {
	s.appendHistory(pipeline.Message{Role: "user", Content: text})
}

// AppendAssistant adds an assistant reply to the rolling history.
func (s *Session) AppendAssistant(text string) {
	s.appendHistory(pipeline.Message{Role: "assistant", Content: text})
}

func (s *Session) appendHistory(msg pipeline.Message) {
	s.history = append(s.history, msg)
	if s.historyLimit > 0 && len(s.history) > s.historyLimit {
		trimmed := make([]pipeline.Message, s.historyLimit)
		copy(trimmed, s.history[len(s.history)-s.historyLimit:])
		s.history = trimmed
	}
}

// History returns a copy of the conversation so far, oldest first.
func (s *Session) History() []pipeline.Message {
	out := make([]pipeline.Message, len(s.history))
	copy(out, s.history)
	return out
}

// SystemPrompt returns the cached agent prompt, or empty when no agent
// is bound.
func (s *Session) SystemPrompt() string {
	if s.Agent == nil {
		return ""
	}
	return s.Agent.SystemPrompt
}

// VoiceID returns the cached agent voice, or empty for the default.
func (s *Session) VoiceID() string {
	if s.Agent == nil {
		return ""
	}
	return s.Agent.VoiceID
}
