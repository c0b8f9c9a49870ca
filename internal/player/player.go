// Package player implements a state machine over one audio resource
// (idle/buffering/playing/paused) that demuxes an Ogg-Opus stream and
// paces frames onto a voice.Transport at 20ms, the frame duration
// Discord's voice protocol expects.
package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v3/pkg/media/oggreader"

	"github.com/JAGUARAVI/Volcano/internal/voice"
)

// State is one of the player's four lifecycle states.
type State int

const (
	StateIdle State = iota
	StateBuffering
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

const frameDuration = 20 * time.Millisecond

// Callbacks are the events a Queue registers to observe Player transitions.
// All are invoked from the Player's own playback goroutine; callers must not
// block inside them.
type Callbacks struct {
	OnStart func()
	// OnEnd reports the end of the resource: err is nil when the stream ran
	// out or playback was cancelled, otherwise the Ogg read error or the
	// transport's send error, unwrapped.
	OnEnd func(err error)
}

// Player drives a single audio resource through Idle -> Buffering ->
// Playing [<-> Paused] -> Idle.
type Player struct {
	transport voice.Transport
	callbacks Callbacks

	mu         sync.Mutex
	state      State
	cancel     context.CancelFunc
	playbackMS int64
	pausedSince time.Time
	volume     float64 // inline software volume, 0..10, 1.0 = unity
}

// New constructs a Player bound to a voice transport.
func New(transport voice.Transport, callbacks Callbacks) *Player {
	return &Player{transport: transport, callbacks: callbacks, state: StateIdle, volume: 1.0}
}

// State returns the player's current state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetVolume records the inline software volume level (1.0 = unity). Pages
// are forwarded as Ogg-Opus without decoding, so the level is only stored
// and does not change the frames sent; loudness changes only through the
// volume entry of a filter.Spec, which filter.Build turns into an ffmpeg
// volume filter.
func (p *Player) SetVolume(v float64) {
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
}

// Play starts streaming the Ogg-Opus source. It returns once the resource
// ends, is stopped, or errors; callbacks fire as transitions occur. Play
// must not be called again until a previous Play's goroutine has returned
// (the Queue serialises this).
func (p *Player) Play(ctx context.Context, source io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.state = StateBuffering
	p.cancel = cancel
	p.playbackMS = 0
	p.mu.Unlock()

	ogg, _, err := oggreader.NewWith(source)
	if err != nil {
		wrapped := fmt.Errorf("player: ogg header: %w", err)
		p.setState(StateIdle)
		if p.callbacks.OnEnd != nil {
			p.callbacks.OnEnd(wrapped)
		}
		return wrapped
	}

	started := false
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	var playErr error
loop:
	for {
		select {
		case <-ctx.Done():
			playErr = nil
			break loop
		default:
		}

		p.mu.Lock()
		paused := p.state == StatePaused
		p.mu.Unlock()
		if paused {
			select {
			case <-ctx.Done():
				break loop
			case <-time.After(frameDuration):
				continue
			}
		}

		page, _, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			playErr = nil
			break loop
		}
		if err != nil {
			playErr = err
			break loop
		}
		if len(page) == 0 {
			continue
		}

		if sendErr := p.transport.SendOpus(page); sendErr != nil {
			playErr = sendErr
			break loop
		}

		if !started {
			started = true
			_ = p.transport.SetSpeaking(true)
			p.setState(StatePlaying)
			if p.callbacks.OnStart != nil {
				p.callbacks.OnStart()
			}
		}

		p.mu.Lock()
		p.playbackMS += frameDuration.Milliseconds()
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
	}

	_ = p.transport.SetSpeaking(false)
	p.setState(StateIdle)
	if p.callbacks.OnEnd != nil {
		p.callbacks.OnEnd(playErr)
	}
	return playErr
}

// Pause transitions Playing -> Paused.
func (p *Player) Pause() {
	p.mu.Lock()
	if p.state == StatePlaying {
		p.state = StatePaused
		p.pausedSince = time.Now()
	}
	p.mu.Unlock()
}

// Resume transitions Paused -> Playing.
func (p *Player) Resume() {
	p.mu.Lock()
	if p.state == StatePaused {
		p.state = StatePlaying
	}
	p.mu.Unlock()
}

// Stop cancels playback; Play's goroutine will unwind and invoke OnEnd(nil).
func (p *Player) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// PlaybackDurationMS returns milliseconds of audio actually played so far,
// the sole input (along with seek-time and rate) to Queue's position
// computation.
func (p *Player) PlaybackDurationMS() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playbackMS
}

func (p *Player) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}
