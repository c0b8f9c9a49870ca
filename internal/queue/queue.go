// Package queue implements the playback state machine: one Queue per
// (client-id, room-id), owning a current track, a filter chain, volume,
// rate and seek offset, and driving the Arming -> Playing/Paused ->
// Destroyed lifecycle with live re-arming.
package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/JAGUARAVI/Volcano/internal/codec"
	"github.com/JAGUARAVI/Volcano/internal/events"
	"github.com/JAGUARAVI/Volcano/internal/filter"
	"github.com/JAGUARAVI/Volcano/internal/player"
	"github.com/JAGUARAVI/Volcano/internal/track"
	"github.com/JAGUARAVI/Volcano/internal/voice"
)

// Key identifies a Queue, unique cluster-wide.
type Key struct {
	ClientID string
	RoomID   string
}

func (k Key) String() string { return k.ClientID + "/" + k.RoomID }

// Phase collapses what would otherwise be two racy booleans
// (applyingFilters, shouldNotCallFinish) into a single enum, so arming and
// re-arming can never disagree about which state the queue is in.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseArming
	PhaseLive
	PhaseRearming
	PhaseDestroyed
)

// PlayerStuckThreshold bounds how long an arm may sit without reaching
// Playing before it is reported stuck.
const PlayerStuckThreshold = 10 * time.Second

// SourceOpener is the narrow interface a resolver exposes to the Queue: open
// a byte stream for a resolved track.
type SourceOpener interface {
	Open(ctx context.Context, desc track.Descriptor) (io.ReadCloser, error)
}

// Resolvers bundles one opener per source, gated by configuration.
type Resolvers struct {
	Video SourceOpener
	Audio SourceOpener
	Local SourceOpener
	HTTP  SourceOpener
}

func (r Resolvers) forSource(src track.Source) (SourceOpener, *events.Error) {
	switch src {
	case track.SourceVideo:
		if r.Video == nil {
			return nil, events.ConfigurationError("YOUTUBE_NOT_ENABLED")
		}
		return r.Video, nil
	case track.SourceAudio:
		if r.Audio == nil {
			return nil, events.ConfigurationError("SOUNDCLOUD_NOT_ENABLED")
		}
		return r.Audio, nil
	case track.SourceLocal:
		if r.Local == nil {
			return nil, events.ConfigurationError("LOCAL_NOT_ENABLED")
		}
		return r.Local, nil
	case track.SourceHTTP:
		if r.HTTP == nil {
			return nil, events.ConfigurationError("HTTP_NOT_ENABLED")
		}
		return r.HTTP, nil
	default:
		return nil, events.ConfigurationError("UNKNOWN_SOURCE")
	}
}

// Sink receives the events a Queue emits, for forwarding to the client
// socket via the worker/dispatcher/gateway chain.
type Sink interface {
	TrackStart(key Key, trackBlob string)
	TrackEnd(key Key, trackBlob string, reason events.EndReason)
	TrackException(key Key, trackBlob string, err error)
	TrackStuck(key Key, trackBlob string, thresholdMS int64)
	WebSocketClosed(key Key, code int, byRemote bool)
}

// Config bundles the queue's static dependencies.
type Config struct {
	Key        Key
	Transport  voice.Transport
	Resolvers  Resolvers
	Sink       Sink
	FFMpegPath string
}

// Queue is the per-room playback state machine.
type Queue struct {
	key        Key
	transport  voice.Transport
	resolvers  Resolvers
	sink       Sink
	ffmpegPath string

	mu          sync.Mutex
	phase       Phase
	current     *track.Descriptor
	currentBlob string
	endMS       int64
	filters     filter.Spec
	rawGraph    *string
	chainRate   float64
	volumePct   int
	seekMS      int64
	paused      bool
	destroyed   bool
	connected   bool

	player *player.Player

	gen                    uint64
	currentGenForCallbacks uint64
	armCancel              context.CancelFunc
	armDone                chan struct{}
}

// New constructs an idle Queue bound to a voice transport and resolver set.
func New(cfg Config) *Queue {
	q := &Queue{
		key:        cfg.Key,
		transport:  cfg.Transport,
		resolvers:  cfg.Resolvers,
		sink:       cfg.Sink,
		ffmpegPath: cfg.FFMpegPath,
		phase:      PhaseIdle,
		volumePct:  100,
		chainRate:  1,
		connected:  true,
	}
	q.player = player.New(cfg.Transport, player.Callbacks{
		OnStart: q.onPlayerStart,
		OnEnd:   q.onPlayerEnd,
	})
	return q
}

// Phase returns the queue's current arm phase.
func (q *Queue) Phase() Phase {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.phase
}

// IsPlaying reports whether a track is actively live (Playing or Paused),
// used by the PLAY op's no-replace check.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.phase == PhaseLive || q.phase == PhaseRearming
}

// Destroyed reports whether the queue has been torn down.
func (q *Queue) Destroyed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.destroyed
}

// Play implements the PLAY op: queue(track) on an Idle queue, or replace()
// on a Live one.
func (q *Queue) Play(req track.PlayRequest) error {
	desc, err := track.Decode(req.TrackBlob)
	if err != nil {
		return events.ProtocolError("invalid track blob", err)
	}
	if !desc.IsValid() {
		return events.ProtocolError("track descriptor missing required fields", nil)
	}
	if req.EndMS > 0 {
		desc.LengthMS = req.EndMS
	}

	wasLive := q.IsPlaying()
	if wasLive && req.NoReplace {
		return nil
	}
	if wasLive {
		q.emitEnd(events.ReasonReplaced)
	}

	q.mu.Lock()
	q.current = &desc
	q.currentBlob = req.TrackBlob
	q.endMS = req.EndMS
	q.volumePct = req.Volume()
	q.paused = req.Pause
	if req.StartMS > 0 {
		q.seekMS = req.StartMS
	} else {
		q.seekMS = 0
	}
	q.mu.Unlock()

	q.triggerArm()
	return nil
}

// Stop implements the STOP op (and internal stop paths): any state goes
// Idle on stop, emitting TrackEndEvent{STOPPED} unless internal suppresses
// it.
func (q *Queue) Stop(internal bool) {
	q.stopWithReason(internal, events.ReasonStopped)
}

func (q *Queue) stopWithReason(internal bool, reason events.EndReason) {
	q.mu.Lock()
	hadTrack := q.current != nil
	blob := q.currentBlob
	q.current = nil
	q.seekMS = 0
	if !q.destroyed {
		q.phase = PhaseIdle
	}
	q.gen++ // invalidate the torn-down arm's callbacks before cancelling it
	q.mu.Unlock()

	q.cancelArmAndWait()

	if hadTrack && !internal {
		q.sink.TrackEnd(q.key, blob, reason)
	}
}

// Pause toggles pause/resume on the live player.
func (q *Queue) Pause() (paused bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = !q.paused
	if q.paused {
		q.player.Pause()
	} else {
		q.player.Resume()
	}
	return q.paused
}

// IsPaused reports the queue's pause flag.
func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Seek implements the SEEK op: prepend/replace -ss in the pipeline and
// re-arm.
func (q *Queue) Seek(ms int64) {
	q.mu.Lock()
	if q.current == nil {
		q.mu.Unlock()
		return
	}
	if q.current.LengthMS > 0 && ms > q.current.LengthMS {
		ms = q.current.LengthMS
	}
	q.seekMS = ms
	q.mu.Unlock()
	q.triggerArm()
}

// SetVolume implements the VOLUME op: it clamps pct to 0..1000, stores it
// for the queue and hands pct/100 to the player. The player does not scale
// the frames it sends, so this does not change the loudness of playback.
func (q *Queue) SetVolume(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 1000 {
		pct = 1000
	}
	q.mu.Lock()
	q.volumePct = pct
	q.mu.Unlock()
	q.player.SetVolume(float64(pct) / 100.0)
}

// SetFilters implements the FILTERS op: replace the filter chain from a
// FilterSpec, preserving the active seek, and re-arm.
func (q *Queue) SetFilters(spec filter.Spec) {
	q.mu.Lock()
	q.filters = spec
	q.rawGraph = nil
	q.mu.Unlock()
	q.triggerArm()
}

// SetRawFilterGraph implements the FFMPEG op: replace the filter chain with
// a raw ffmpeg -af argument sequence, and re-arm.
func (q *Queue) SetRawFilterGraph(graph string) {
	q.mu.Lock()
	q.rawGraph = &graph
	q.mu.Unlock()
	q.triggerArm()
}

// Destroy tears the queue down: stop, release the voice connection, mark
// destroyed. Idempotent.
func (q *Queue) Destroy() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.destroyed = true
	q.phase = PhaseDestroyed
	q.mu.Unlock()

	q.Stop(true)
	_ = q.transport.Leave()
}

// Position computes the reported playback position: floor of (player
// duration + seek time) scaled by the timescale rate. It also reports
// whether the queue should auto-stop because it reached track.end-ms.
func (q *Queue) Position() (positionMS int64, pastEnd bool) {
	q.mu.Lock()
	seek := q.seekMS
	rate := q.chainRate
	end := q.endMS
	q.mu.Unlock()

	raw := float64(q.player.PlaybackDurationMS()+seek) * rate
	positionMS = int64(math.Floor(raw))
	if end > 0 && positionMS >= end {
		pastEnd = true
	}
	return positionMS, pastEnd
}

// ApplyVoiceServer implements the VOICE_SERVER op: join (or move into) the
// reported channel and hand the session/token/endpoint down to the
// transport. Per the Open Question decision recorded in DESIGN.md, Volcano
// drives its own voice join via a bot session rather than a headless
// UDP handshake, so Join does the real work and OnVoiceServerUpdate is
// bookkeeping for the values the client reported.
func (q *Queue) ApplyVoiceServer(ctx context.Context, state voice.ServerState) error {
	if err := q.transport.Join(ctx, state.RoomID, state.ChannelID); err != nil {
		return events.TransportError("voice channel join failed", err)
	}
	q.mu.Lock()
	q.connected = true
	q.mu.Unlock()
	q.transport.OnVoiceServerUpdate(state)
	return nil
}

// Connected reports whether the underlying voice transport believes it is
// connected (used for playerUpdate.state.connected). It latches the first
// CloseInfo observed on the transport's Closed channel: once a drop is
// reported, the queue stays disconnected until the next successful
// ApplyVoiceServer, and the drop is reported once via WebSocketClosed.
func (q *Queue) Connected() bool {
	q.mu.Lock()
	wasConnected := q.connected
	q.mu.Unlock()
	if !wasConnected {
		return false
	}

	select {
	case info := <-q.transport.Closed():
		q.mu.Lock()
		q.connected = false
		q.mu.Unlock()
		q.sink.WebSocketClosed(q.key, info.Code, info.ByRemote)
		return false
	default:
		return true
	}
}

// Snapshot reports the minimal per-queue state the worker's heartbeat needs
// for playerUpdate/stats frames.
type Snapshot struct {
	Key        Key
	Playing    bool
	Paused     bool
	PositionMS int64
	Connected  bool
}

// Snapshot returns the queue's current state for the heartbeat tick.
func (q *Queue) Snapshot() Snapshot {
	pos, _ := q.Position()
	return Snapshot{
		Key:        q.key,
		Playing:    q.IsPlaying(),
		Paused:     q.IsPaused(),
		PositionMS: pos,
		Connected:  q.Connected(),
	}
}

// CheckEndOfTrack stops the queue if position has crossed track.end-ms,
// called from the worker's heartbeat.
func (q *Queue) CheckEndOfTrack() {
	_, pastEnd := q.Position()
	if pastEnd {
		q.stopWithReason(false, events.ReasonFinished)
	}
}

// ---- internal: re-arm pipeline ----

func (q *Queue) triggerArm() {
	q.mu.Lock()
	if q.destroyed || q.current == nil {
		q.mu.Unlock()
		return
	}
	if q.phase == PhaseLive || q.phase == PhaseRearming {
		q.phase = PhaseRearming
	} else {
		q.phase = PhaseArming
	}
	// Bump the generation before tearing down any in-flight arm so its
	// OnEnd/OnStart callbacks are recognised as stale instead of reporting
	// a spurious natural end for what is actually a replace/re-arm.
	q.gen++
	myGen := q.gen
	desc := *q.current
	blob := q.currentBlob
	q.mu.Unlock()

	q.cancelArmAndWait()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	q.mu.Lock()
	q.armCancel = cancel
	q.armDone = done
	q.mu.Unlock()

	go func() {
		defer close(done)
		q.runArm(ctx, myGen, desc, blob)
	}()
}

func (q *Queue) cancelArmAndWait() {
	q.mu.Lock()
	cancel := q.armCancel
	done := q.armDone
	q.armCancel = nil
	q.armDone = nil
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (q *Queue) runArm(ctx context.Context, gen uint64, desc track.Descriptor, blob string) {
	opener, cfgErr := q.resolvers.forSource(desc.Source)
	if cfgErr != nil {
		q.fail(gen, blob, cfgErr)
		return
	}

	source, err := opener.Open(ctx, desc)
	if err != nil {
		q.fail(gen, blob, events.ResolutionError("source resolution failed", err))
		return
	}
	defer source.Close()

	// Read the pipeline's current filter/seek/raw-graph state fresh, right
	// before building ffmpeg argv, so any mutation that arrived while we
	// were still resolving the source wins.
	q.mu.Lock()
	if q.gen != gen {
		q.mu.Unlock()
		return
	}
	seek := q.seekMS
	var graph string
	var rate float64 = 1
	if q.rawGraph != nil {
		graph = *q.rawGraph
	} else {
		chain := filter.Build(q.filters)
		graph = chain.Graph
		rate = chain.Rate
	}
	q.chainRate = rate
	q.mu.Unlock()

	reader, teardown, err := q.prepareStream(ctx, source, seek, graph)
	if err != nil {
		q.fail(gen, blob, events.CodecError("pipeline setup failed", err))
		return
	}
	defer teardown()

	q.mu.Lock()
	if q.gen != gen {
		q.mu.Unlock()
		return
	}
	stuck := time.AfterFunc(PlayerStuckThreshold, func() { q.onStuck(gen, blob) })
	q.mu.Unlock()

	err = q.runPlayerGuarded(ctx, gen, reader)
	stuck.Stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		q.fail(gen, blob, events.CodecError("playback failed", err))
	}
}

// runPlayerGuarded wraps player.Play so OnStart/OnEnd only act when they
// still belong to the generation that launched them (stale callbacks from a
// superseded arm are silently dropped).
func (q *Queue) runPlayerGuarded(ctx context.Context, gen uint64, reader io.Reader) error {
	q.mu.Lock()
	q.currentGenForCallbacks = gen
	q.mu.Unlock()
	return q.player.Play(ctx, reader)
}

func (q *Queue) prepareStream(ctx context.Context, source io.Reader, seekMS int64, graph string) (io.Reader, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	needsFFmpeg := seekMS > 0 || graph != ""

	head := make([]byte, 64)
	n, _ := io.ReadFull(source, head)
	prefixed := io.MultiReader(bytes.NewReader(head[:n]), source)

	if !needsFFmpeg {
		container := codec.Probe(head[:n])
		if container.CanPassthrough() {
			return prefixed, func() {}, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	trans, err := codec.Start(ctx, prefixed, codec.Options{
		FFMpegPath: q.ffmpegPath,
		SeekMS:     seekMS,
		FilterArgs: graph,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("spawn ffmpeg: %w", err)
	}
	return trans.Stdout(), func() { _ = trans.Close() }, nil
}

func (q *Queue) onPlayerStart() {
	q.mu.Lock()
	gen := q.currentGenForCallbacks
	stale := gen != q.gen
	wasArming := q.phase == PhaseArming
	if !stale {
		q.phase = PhaseLive
	}
	blob := q.currentBlob
	q.mu.Unlock()

	if stale {
		return
	}
	if wasArming {
		q.sink.TrackStart(q.key, blob)
	}
}

func (q *Queue) onPlayerEnd(err error) {
	q.mu.Lock()
	gen := q.currentGenForCallbacks
	stale := gen != q.gen
	destroyed := q.destroyed
	blob := q.currentBlob
	q.mu.Unlock()

	if stale || destroyed {
		return
	}

	if err != nil {
		q.fail(gen, blob, events.CodecError("stream ended with error", err))
		return
	}

	q.mu.Lock()
	q.phase = PhaseIdle
	q.current = nil
	q.mu.Unlock()
	q.sink.TrackEnd(q.key, blob, events.ReasonFinished)
}

func (q *Queue) onStuck(gen uint64, blob string) {
	q.mu.Lock()
	stale := gen != q.gen
	q.mu.Unlock()
	if stale {
		return
	}

	q.sink.TrackStuck(q.key, blob, PlayerStuckThreshold.Milliseconds())
	q.cancelArmAndWait()

	q.mu.Lock()
	if q.gen == gen {
		q.phase = PhaseIdle
		q.current = nil
	}
	q.mu.Unlock()
	q.sink.TrackEnd(q.key, blob, events.ReasonStopped)
}

func (q *Queue) fail(gen uint64, blob string, err error) {
	q.mu.Lock()
	stale := gen != q.gen
	if !stale {
		q.phase = PhaseIdle
		q.current = nil
	}
	q.mu.Unlock()
	if stale {
		return
	}
	q.sink.TrackException(q.key, blob, err)
}

func (q *Queue) emitEnd(reason events.EndReason) {
	q.mu.Lock()
	blob := q.currentBlob
	had := q.current != nil
	q.mu.Unlock()
	if had {
		q.sink.TrackEnd(q.key, blob, reason)
	}
}
