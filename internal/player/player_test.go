package player

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/JAGUARAVI/Volcano/internal/voice"
)

type fakeTransport struct {
	mu       sync.Mutex
	frames   [][]byte
	speaking []bool
}

func (f *fakeTransport) Join(context.Context, string, string) error { return nil }
func (f *fakeTransport) Leave() error                               { return nil }
func (f *fakeTransport) SendOpus(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.frames = append(f.frames, cp)
	return nil
}
func (f *fakeTransport) SetSpeaking(active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speaking = append(f.speaking, active)
	return nil
}
func (f *fakeTransport) OnVoiceServerUpdate(voice.ServerState) {}
func (f *fakeTransport) Closed() <-chan voice.CloseInfo         { return make(chan voice.CloseInfo) }

func TestNewPlayerStartsIdle(t *testing.T) {
	p := New(&fakeTransport{}, Callbacks{})
	if p.State() != StateIdle {
		t.Fatalf("new player state = %v, want Idle", StateIdle)
	}
	if p.PlaybackDurationMS() != 0 {
		t.Fatalf("new player playback duration = %d, want 0", p.PlaybackDurationMS())
	}
}

func TestPauseResumeNoOpWhenNotPlaying(t *testing.T) {
	p := New(&fakeTransport{}, Callbacks{})
	p.Pause()
	if p.State() != StateIdle {
		t.Fatalf("Pause() on idle player changed state to %v", p.State())
	}
	p.Resume()
	if p.State() != StateIdle {
		t.Fatalf("Resume() on idle player changed state to %v", p.State())
	}
}

func TestPlayInvalidStreamReportsErrorAndIdle(t *testing.T) {
	p := New(&fakeTransport{}, Callbacks{})

	var endErr error
	var called bool
	p.callbacks.OnEnd = func(err error) {
		called = true
		endErr = err
	}

	err := p.Play(context.Background(), bytes.NewReader([]byte("not an ogg stream")))
	if err == nil {
		t.Fatal("expected error for invalid ogg stream")
	}
	if !called {
		t.Fatal("OnEnd was not invoked")
	}
	if endErr == nil {
		t.Fatal("OnEnd received nil error")
	}
	if p.State() != StateIdle {
		t.Fatalf("state after failed play = %v, want Idle", p.State())
	}
}

func TestStopDuringBufferingIsSafeAndPlayReturnsOnSourceClose(t *testing.T) {
	// A pipe that blocks until closed simulates a stalled source stuck in
	// Buffering; Stop must be safe to call concurrently, and closing the
	// source must still let Play unwind (a blocking io.Read is not itself
	// preempted by context cancellation, matching Go's usual semantics).
	pr, pw := io.Pipe()

	p := New(&fakeTransport{}, Callbacks{})

	done := make(chan struct{})
	go func() {
		_ = p.Play(context.Background(), pr)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if p.State() != StateBuffering {
		t.Fatalf("state while blocked on header read = %v, want Buffering", p.State())
	}
	p.Stop()
	pw.CloseWithError(io.EOF)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return after source closed")
	}
	if p.State() != StateIdle {
		t.Fatalf("state after Play returned = %v, want Idle", p.State())
	}
}
