package call

import (
	"fmt"
	"sync"
	"testing"
)

func newTestRegistry() *Registry {
	return NewRegistry(RegistryConfig{
		SampleRate:   8000,
		HistoryLimit: 20,
		PlaybackCap:  16000,
	})
}

func TestHistoryBound(t *testing.T) {
	reg := newTestRegistry()
	sess, _ := reg.GetOrCreate("call-1", TransportStreaming)

	for i := 0; i < 50; i++ {
		sess.AppendUser(fmt.Sprintf("user %d", i))
		sess.AppendAssistant(fmt.Sprintf("assistant %d", i))
	}

	history := sess.History()
	if len(history) != 20 {
		t.Fatalf("history length = %d, want 20", len(history))
	}
	// Oldest entries trimmed first: the window ends at exchange 49.
	if got := history[len(history)-1].Content; got != "assistant 49" {
		t.Errorf("newest entry = %q, want assistant 49", got)
	}
	if got := history[0].Content; got != "user 40" {
		t.Errorf("oldest surviving entry = %q, want user 40", got)
	}
}

func TestHistoryReturnsCopy(t *testing.T) {
	reg := newTestRegistry()
	sess, _ := reg.GetOrCreate("call-1", TransportWebhook)
	sess.AppendUser("hello")

	h := sess.History()
	h[0].Content = "mutated"

	if got := sess.History()[0].Content; got != "hello" {
		t.Errorf("history entry = %q after external mutation, want hello", got)
	}
}

func TestAppendInboundBuffering(t *testing.T) {
	reg := newTestRegistry()
	sess, _ := reg.GetOrCreate("call-1", TransportStreaming)

	if sess.Status() != StatusIdle {
		t.Fatalf("new session status = %v, want idle", sess.Status())
	}
	n := sess.AppendInbound(make([]byte, 320))
	if n != 320 {
		t.Errorf("buffered = %d, want 320", n)
	}
	if sess.Status() != StatusBuffering {
		t.Errorf("status after first audio = %v, want buffering", sess.Status())
	}
	if sess.ReadyForPipeline(8000) {
		t.Error("ready for pipeline below threshold")
	}

	for i := 0; i < 24; i++ {
		sess.AppendInbound(make([]byte, 320))
	}
	if !sess.ReadyForPipeline(8000) {
		t.Errorf("not ready for pipeline at %d buffered bytes", sess.BufferedBytes())
	}

	chunk := sess.DrainInbound()
	if len(chunk) != 8000 {
		t.Errorf("drained %d bytes, want 8000", len(chunk))
	}
	if sess.BufferedBytes() != 0 {
		t.Errorf("buffer not cleared after drain: %d bytes", sess.BufferedBytes())
	}
}

func TestPlaybackCapsInbound(t *testing.T) {
	reg := newTestRegistry()
	sess, _ := reg.GetOrCreate("call-1", TransportStreaming)

	sess.SetStatus(StatusPlaying)
	for i := 0; i < 100; i++ {
		sess.AppendInbound(make([]byte, 320))
	}
	if got := sess.BufferedBytes(); got > 16000 {
		t.Errorf("buffered %d bytes during playback, cap is 16000", got)
	}
	if sess.ReadyForPipeline(8000) {
		t.Error("pipeline triggered during playback")
	}
}

func TestEchoDiscardWindow(t *testing.T) {
	reg := newTestRegistry()
	sess, _ := reg.GetOrCreate("call-1", TransportStreaming)

	sess.BeginEchoDiscard(640)

	// Entirely inside the window: dropped, nothing buffered.
	if got := sess.AppendInbound(make([]byte, 320)); got != 0 {
		t.Fatalf("buffered %d bytes inside discard window, want 0", got)
	}
	// Straddling the boundary: the first 320 bytes complete the window,
	// the remaining 160 buffer as real speech.
	if got := sess.AppendInbound(make([]byte, 480)); got != 160 {
		t.Fatalf("buffered %d bytes across window boundary, want 160", got)
	}
	// Window consumed: later audio buffers untouched.
	if got := sess.AppendInbound(make([]byte, 320)); got != 480 {
		t.Fatalf("buffered %d bytes after window, want 480", got)
	}
}

func TestPipelineGuardSequential(t *testing.T) {
	reg := newTestRegistry()
	sess, _ := reg.GetOrCreate("call-1", TransportStreaming)

	sess.AppendInbound(make([]byte, 8000))
	if !sess.ReadyForPipeline(8000) {
		t.Fatal("expected pipeline trigger at threshold")
	}
	sess.SetStatus(StatusPipelineRunning)
	sess.DrainInbound()

	// A second threshold crossing while a run is in flight buffers
	// without triggering.
	sess.AppendInbound(make([]byte, 9000))
	if sess.ReadyForPipeline(8000) {
		t.Error("pipeline re-triggered while a run is in flight")
	}
	if sess.BufferedBytes() != 9000 {
		t.Errorf("buffered = %d, want 9000", sess.BufferedBytes())
	}

	sess.SetStatus(StatusBuffering)
	if !sess.ReadyForPipeline(8000) {
		t.Error("buffered chunk not eligible after guard cleared")
	}
}

func TestStoppedIsTerminal(t *testing.T) {
	reg := newTestRegistry()
	sess, _ := reg.GetOrCreate("call-1", TransportStreaming)

	sess.SetStatus(StatusStopped)
	sess.SetStatus(StatusBuffering)
	if sess.Status() != StatusStopped {
		t.Errorf("status = %v after stop, want stopped", sess.Status())
	}
	sess.AppendInbound(make([]byte, 320))
	if sess.BufferedBytes() != 0 {
		t.Error("stopped session buffered inbound audio")
	}
}

func TestRegistryGetOrCreateIdempotent(t *testing.T) {
	reg := newTestRegistry()

	a, created := reg.GetOrCreate("call-1", TransportWebhook)
	if !created {
		t.Error("first lookup did not create")
	}
	b, created := reg.GetOrCreate("call-1", TransportWebhook)
	if created {
		t.Error("second lookup created a new session")
	}
	if a != b {
		t.Error("same call id returned different sessions")
	}

	reg.Remove("call-1")
	reg.Remove("call-1") // idempotent
	if reg.Len() != 0 {
		t.Errorf("registry len = %d after remove, want 0", reg.Len())
	}
}

func TestSessionIsolation(t *testing.T) {
	reg := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("call-%d", i)
			sess, _ := reg.GetOrCreate(id, TransportStreaming)
			for turn := 0; turn < 30; turn++ {
				sess.AppendUser(fmt.Sprintf("%s turn %d", id, turn))
				sess.AppendInbound(make([]byte, 160))
			}
		}(i)
	}
	wg.Wait()

	if reg.Len() != 8 {
		t.Fatalf("registry len = %d, want 8", reg.Len())
	}
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("call-%d", i)
		sess := reg.Get(id)
		if sess == nil {
			t.Fatalf("session %s missing", id)
		}
		for _, msg := range sess.History() {
			if want := id + " turn"; len(msg.Content) < len(want) || msg.Content[:len(want)] != want {
				t.Errorf("session %s holds foreign history entry %q", id, msg.Content)
			}
		}
		if sess.BufferedBytes() != 30*160 {
			t.Errorf("session %s buffered %d bytes, want %d", id, sess.BufferedBytes(), 30*160)
		}
	}
}
