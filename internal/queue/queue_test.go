package queue

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/JAGUARAVI/Volcano/internal/events"
	"github.com/JAGUARAVI/Volcano/internal/track"
	"github.com/JAGUARAVI/Volcano/internal/voice"
)

type fakeTransport struct {
	mu      sync.Mutex
	left    bool
	closed  chan voice.CloseInfo
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{closed: make(chan voice.CloseInfo)}
}

func (f *fakeTransport) Join(context.Context, string, string) error { return nil }
func (f *fakeTransport) Leave() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = true
	return nil
}
func (f *fakeTransport) SendOpus([]byte) error              { return nil }
func (f *fakeTransport) SetSpeaking(bool) error              { return nil }
func (f *fakeTransport) OnVoiceServerUpdate(voice.ServerState) {}
func (f *fakeTransport) Closed() <-chan voice.CloseInfo        { return f.closed }

type fakeOpener struct {
	err    error
	opened chan struct{}
	block  bool // if set, Open blocks until ctx is done and returns ctx.Err()
}

func (o *fakeOpener) Open(ctx context.Context, desc track.Descriptor) (io.ReadCloser, error) {
	if o.opened != nil {
		close(o.opened)
	}
	if o.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, o.err
}

type recordedEnd struct {
	blob   string
	reason events.EndReason
}

type recordedClose struct {
	code     int
	byRemote bool
}

type fakeSink struct {
	mu        sync.Mutex
	starts    []string
	ends      []recordedEnd
	exception []error
	stuck     []string
	closed    []recordedClose
}

func (s *fakeSink) TrackStart(_ Key, blob string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, blob)
}
func (s *fakeSink) TrackEnd(_ Key, blob string, reason events.EndReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends = append(s.ends, recordedEnd{blob, reason})
}
func (s *fakeSink) TrackException(_ Key, _ string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exception = append(s.exception, err)
}
func (s *fakeSink) TrackStuck(_ Key, blob string, _ int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuck = append(s.stuck, blob)
}
func (s *fakeSink) WebSocketClosed(_ Key, code int, byRemote bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, recordedClose{code, byRemote})
}

func (s *fakeSink) closedSnapshot() []recordedClose {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedClose(nil), s.closed...)
}

func (s *fakeSink) snapshot() ([]string, []recordedEnd, []error, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.starts...),
		append([]recordedEnd(nil), s.ends...),
		append([]error(nil), s.exception...),
		append([]string(nil), s.stuck...)
}

func blobFor(t *testing.T, src track.Source, id string) string {
	t.Helper()
	blob, err := track.Encode(track.Descriptor{Source: src, Identifier: id, Title: "t"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return blob
}

func newTestQueue(sink Sink, resolvers Resolvers) *Queue {
	return New(Config{
		Key:        Key{ClientID: "c1", RoomID: "r1"},
		Transport:  newFakeTransport(),
		Resolvers:  resolvers,
		Sink:       sink,
		FFMpegPath: "ffmpeg",
	})
}

func TestPlayDisabledSourceEmitsConfigurationException(t *testing.T) {
	sink := &fakeSink{}
	q := newTestQueue(sink, Resolvers{}) // nothing configured

	if err := q.Play(track.PlayRequest{TrackBlob: blobFor(t, track.SourceVideo, "abc")}); err != nil {
		t.Fatalf("Play returned error: %v", err)
	}

	waitFor(t, func() bool {
		_, _, exc, _ := sink.snapshot()
		return len(exc) == 1
	})

	_, _, exc, _ := sink.snapshot()
	var typed *events.Error
	if !errors.As(exc[0], &typed) || typed.Kind != events.KindConfiguration {
		t.Fatalf("expected ConfigurationError, got %v", exc[0])
	}
	if q.Phase() != PhaseIdle {
		t.Fatalf("phase after failed arm = %v, want Idle", q.Phase())
	}
}

func TestPlayResolutionErrorEmitsException(t *testing.T) {
	sink := &fakeSink{}
	opener := &fakeOpener{err: errors.New("404 not found")}
	q := newTestQueue(sink, Resolvers{HTTP: opener})

	if err := q.Play(track.PlayRequest{TrackBlob: blobFor(t, track.SourceHTTP, "abc")}); err != nil {
		t.Fatalf("Play returned error: %v", err)
	}

	waitFor(t, func() bool {
		_, _, exc, _ := sink.snapshot()
		return len(exc) == 1
	})

	_, _, exc, _ := sink.snapshot()
	var typed *events.Error
	if !errors.As(exc[0], &typed) || typed.Kind != events.KindResolution {
		t.Fatalf("expected ResolutionError, got %v", exc[0])
	}
}

func TestInvalidTrackBlobRejected(t *testing.T) {
	sink := &fakeSink{}
	q := newTestQueue(sink, Resolvers{})

	err := q.Play(track.PlayRequest{TrackBlob: "not-base64!!"})
	if err == nil {
		t.Fatal("expected error for malformed track blob")
	}
	var typed *events.Error
	if !errors.As(err, &typed) || typed.Kind != events.KindProtocol {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestStopDuringResolutionIsSafe(t *testing.T) {
	sink := &fakeSink{}
	opened := make(chan struct{})
	opener := &fakeOpener{block: true, opened: opened}
	q := newTestQueue(sink, Resolvers{Local: opener})

	if err := q.Play(track.PlayRequest{TrackBlob: blobFor(t, track.SourceLocal, "f.mp3")}); err != nil {
		t.Fatalf("Play returned error: %v", err)
	}

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("opener.Open was never called")
	}

	stopDone := make(chan struct{})
	go func() {
		q.Stop(false)
		close(stopDone)
	}()

	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return; the blocked resolver was not cancelled")
	}

	waitFor(t, func() bool { return q.Phase() == PhaseIdle })

	_, ends, _, _ := sink.snapshot()
	if len(ends) != 1 || ends[0].reason != events.ReasonStopped {
		t.Fatalf("ends = %+v, want exactly one STOPPED", ends)
	}
}

func TestReplaceEmitsReplacedNotFinished(t *testing.T) {
	// Both arms fail during resolution (deterministic, non-blocking): the
	// interesting assertion here is Play()'s own replace() bookkeeping, not
	// the resolver/codec pipeline already covered above.
	sink := &fakeSink{}
	opener := &fakeOpener{err: errors.New("unavailable")}
	q := newTestQueue(sink, Resolvers{Local: opener})

	blobA := blobFor(t, track.SourceLocal, "a.mp3")
	if err := q.Play(track.PlayRequest{TrackBlob: blobA}); err != nil {
		t.Fatalf("first Play: %v", err)
	}
	// Force the queue to believe a track is already live, so the second
	// Play goes through the replace() path instead of a fresh arm.
	q.mu.Lock()
	q.phase = PhaseLive
	q.mu.Unlock()

	blobB := blobFor(t, track.SourceLocal, "b.mp3")
	if err := q.Play(track.PlayRequest{TrackBlob: blobB}); err != nil {
		t.Fatalf("second Play: %v", err)
	}

	waitFor(t, func() bool {
		_, ends, exc, _ := sink.snapshot()
		return len(ends) >= 1 && len(exc) >= 1
	})

	_, ends, _, _ := sink.snapshot()
	if ends[0].reason != events.ReasonReplaced {
		t.Fatalf("first end reason = %v, want REPLACED", ends[0].reason)
	}
	for _, e := range ends {
		if e.reason == events.ReasonFinished {
			t.Fatalf("leaked a FINISHED event from a replace: %+v", ends)
		}
	}
}

func TestNoReplaceOnLiveQueueIsNoop(t *testing.T) {
	sink := &fakeSink{}
	q := newTestQueue(sink, Resolvers{})

	// Seed the queue as already live with track A, bypassing the async arm
	// pipeline entirely so this test only exercises Play()'s own no-replace
	// bookkeeping, not resolver/codec behavior already covered elsewhere.
	blobA := blobFor(t, track.SourceLocal, "a.mp3")
	descA, err := track.Decode(blobA)
	if err != nil {
		t.Fatalf("decode blobA: %v", err)
	}
	q.mu.Lock()
	q.current = &descA
	q.currentBlob = blobA
	q.phase = PhaseLive
	q.mu.Unlock()

	blobB := blobFor(t, track.SourceLocal, "b.mp3")
	if err := q.Play(track.PlayRequest{TrackBlob: blobB, NoReplace: true}); err != nil {
		t.Fatalf("no-replace Play: %v", err)
	}

	q.mu.Lock()
	current := q.currentBlob
	phase := q.phase
	q.mu.Unlock()
	if current != blobA {
		t.Fatalf("currentBlob = %q, want unchanged %q", current, blobA)
	}
	if phase != PhaseLive {
		t.Fatalf("phase = %v, want unchanged PhaseLive", phase)
	}

	starts, ends, exc, stuck := sink.snapshot()
	if len(starts) != 0 || len(ends) != 0 || len(exc) != 0 || len(stuck) != 0 {
		t.Fatalf("no-replace PLAY on a live queue must emit nothing, got starts=%v ends=%v exc=%v stuck=%v", starts, ends, exc, stuck)
	}
}

func TestConnectedLatchesCloseAndReportsOnce(t *testing.T) {
	sink := &fakeSink{}
	q := newTestQueue(sink, Resolvers{})
	ft := q.transport.(*fakeTransport)

	if !q.Connected() {
		t.Fatal("a freshly constructed queue should report connected")
	}

	go func() { ft.closed <- voice.CloseInfo{Code: 4014, ByRemote: true} }()
	waitFor(t, func() bool { return !q.Connected() })

	// Polling again must not re-observe the channel or double-report.
	if q.Connected() {
		t.Fatal("queue should stay disconnected after the drop")
	}

	closed := sink.closedSnapshot()
	if len(closed) != 1 || closed[0].code != 4014 || !closed[0].byRemote {
		t.Fatalf("closed events = %+v, want exactly one {4014 true}", closed)
	}
}

func TestPositionIdleIsZero(t *testing.T) {
	q := newTestQueue(&fakeSink{}, Resolvers{})
	pos, pastEnd := q.Position()
	if pos != 0 || pastEnd {
		t.Fatalf("idle position = (%d, %v), want (0, false)", pos, pastEnd)
	}
}

func TestSetVolumeClampsRange(t *testing.T) {
	q := newTestQueue(&fakeSink{}, Resolvers{})
	q.SetVolume(-5)
	if q.volumePct != 0 {
		t.Fatalf("volume = %d, want clamped to 0", q.volumePct)
	}
	q.SetVolume(5000)
	if q.volumePct != 1000 {
		t.Fatalf("volume = %d, want clamped to 1000", q.volumePct)
	}
}

func TestDestroyIsIdempotentAndLeavesTransport(t *testing.T) {
	sink := &fakeSink{}
	q := newTestQueue(sink, Resolvers{})
	q.Destroy()
	q.Destroy() // must not panic or double-leave

	if !q.Destroyed() {
		t.Fatal("queue not marked destroyed")
	}
	ft := q.transport.(*fakeTransport)
	ft.mu.Lock()
	left := ft.left
	ft.mu.Unlock()
	if !left {
		t.Fatal("transport.Leave() was not called")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before deadline")
	}
}
