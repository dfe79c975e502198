package call

import (
	"sync"
)

// Registry maps call identifiers to their live sessions. It is the one
// structure shared across calls; the mutex guards only insert, lookup
// and remove, while session contents are mutated exclusively by the
// call's own goroutine. The registry is created at service start and injected
// into both adapters.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	sampleRate   int
	historyLimit int
	playbackCap  int
}

// RegistryConfig carries the per-session defaults new sessions start with.
type RegistryConfig struct {
	SampleRate   int
	HistoryLimit int
	PlaybackCap  int
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		sessions:     make(map[string]*Session),
		sampleRate:   cfg.SampleRate,
		historyLimit: cfg.HistoryLimit,
		playbackCap:  cfg.PlaybackCap,
	}
}

// GetOrCreate returns the session for a call, creating one with default
// fields on first sight. The second return reports whether the session
// was created by this lookup.
func (r *Registry) GetOrCreate(callID string, transport Transport) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[callID]; ok {
		return sess, false
	}
	sess := &Session{
		CallID:       callID,
		Transport:    transport,
		SampleRate:   r.sampleRate,
		status:       StatusIdle,
		historyLimit: r.historyLimit,
		playbackCap:  r.playbackCap,
	}
	r.sessions[callID] = sess
	return sess, true
}

// Get returns the session for a call, or nil when none exists.
func (r *Registry) Get(callID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[callID]
}

// Remove evicts a call's session. Idempotent.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

// Len reports the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
