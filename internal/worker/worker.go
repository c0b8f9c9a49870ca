// Package worker implements a goroutine that owns a disjoint set of Queues,
// exclusively, with no locking needed between workers because no two
// workers ever touch the same key.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JAGUARAVI/Volcano/internal/events"
	"github.com/JAGUARAVI/Volcano/internal/filter"
	"github.com/JAGUARAVI/Volcano/internal/queue"
	"github.com/JAGUARAVI/Volcano/internal/track"
	"github.com/JAGUARAVI/Volcano/internal/voice"
)

// Kind enumerates the operations a Worker accepts.
type Kind string

const (
	KindPlay        Kind = "PLAY"
	KindStop        Kind = "STOP"
	KindPause       Kind = "PAUSE"
	KindDestroy     Kind = "DESTROY"
	KindSeek        Kind = "SEEK"
	KindVolume      Kind = "VOLUME"
	KindFilters     Kind = "FILTERS"
	KindFFmpeg      Kind = "FFMPEG"
	KindVoiceServer Kind = "VOICE_SERVER"
	KindDeleteAll   Kind = "DELETE_ALL"
)

// Op is one message routed to the worker owning Key (or, for KindPlay on an
// unrouted key, to whichever worker the dispatcher picked to own it).
type Op struct {
	Key         queue.Key
	Kind        Kind
	Play        track.PlayRequest
	SeekMS      int64
	VolumePct   int
	Filters     filter.Spec
	RawGraph    string
	VoiceServer voice.ServerState

	// Reply, if non-nil, receives the op's outcome; nil means fire-and-forget.
	Reply chan error
}

// TransportFactory builds a fresh voice.Transport for a newly created Queue.
type TransportFactory func(queue.Key) voice.Transport

// Sink extends queue.Sink with the periodic playerUpdate heartbeat the
// worker itself emits, so the gateway layer implements one interface for
// both track-level and heartbeat events.
type Sink interface {
	queue.Sink
	PlayerUpdate(key queue.Key, positionMS int64, connected bool)
}

// Config bundles a Worker's static dependencies.
type Config struct {
	ID         string
	Resolvers  queue.Resolvers
	Sink       Sink
	Transports TransportFactory
	FFMpegPath string
	Logger     *zap.Logger
	Heartbeat  time.Duration // default 5s
}

type ownsQuery struct {
	key   queue.Key
	reply chan bool
}

// Worker owns a disjoint map[queue.Key]*queue.Queue and processes Ops
// sequentially off its own inbox, serialized by a single per-worker message
// loop. The owns/load/snapshot queries travel over their own typed channels
// rather than overloading Op, since Op only carries an error-shaped Reply.
type Worker struct {
	id         string
	inbox      chan Op
	ownsQ      chan ownsQuery
	loadQ      chan chan int
	snapshotQ  chan chan []queue.Snapshot
	resolvers  queue.Resolvers
	sink       Sink
	transports TransportFactory
	ffmpegPath string
	logger     *zap.Logger
	heartbeat  time.Duration

	queues map[queue.Key]*queue.Queue
}

// New constructs a Worker. Call Run to start its message loop.
func New(cfg Config) *Worker {
	hb := cfg.Heartbeat
	if hb <= 0 {
		hb = 5 * time.Second
	}
	return &Worker{
		id:         cfg.ID,
		inbox:      make(chan Op, 64),
		ownsQ:      make(chan ownsQuery),
		loadQ:      make(chan chan int),
		snapshotQ:  make(chan chan []queue.Snapshot),
		resolvers:  cfg.Resolvers,
		sink:       cfg.Sink,
		transports: cfg.Transports,
		ffmpegPath: cfg.FFMpegPath,
		logger:     cfg.Logger,
		heartbeat:  hb,
		queues:     make(map[queue.Key]*queue.Queue),
	}
}

// ID returns the identifier the worker was configured with. Routing does
// not use it; the dispatcher compares Load() values.
func (w *Worker) ID() string { return w.id }

// Submit enqueues an Op for processing. It never blocks the caller beyond
// the inbox's buffer; callers that need the outcome should set Reply.
func (w *Worker) Submit(op Op) {
	w.inbox <- op
}

// Owns reports whether this worker currently owns key, used by the
// dispatcher's unicast-by-key broadcast-and-ask routing: there is no shared
// key->worker index, so ownership is discovered by asking each worker.
func (w *Worker) Owns(key queue.Key) bool {
	reply := make(chan bool, 1)
	w.ownsQ <- ownsQuery{key: key, reply: reply}
	return <-reply
}

// Load reports the number of queues this worker owns, for execute()'s
// least-loaded selection.
func (w *Worker) Load() int {
	reply := make(chan int, 1)
	w.loadQ <- reply
	return <-reply
}

// Snapshot returns every queue this worker owns, for STATS aggregation and
// the dispatcher's dump() operation.
func (w *Worker) Snapshot() []queue.Snapshot {
	reply := make(chan []queue.Snapshot, 1)
	w.snapshotQ <- reply
	return <-reply
}

// Run drives the worker's message loop until ctx is cancelled, then
// destroys every owned queue.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, q := range w.queues {
				q.Destroy()
			}
			return
		case op := <-w.inbox:
			w.safeHandle(ctx, op)
		case q := <-w.ownsQ:
			_, ok := w.queues[q.key]
			q.reply <- ok
		case reply := <-w.loadQ:
			reply <- len(w.queues)
		case reply := <-w.snapshotQ:
			snaps := make([]queue.Snapshot, 0, len(w.queues))
			for _, qu := range w.queues {
				snaps = append(snaps, qu.Snapshot())
			}
			reply <- snaps
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Worker) tick() {
	for key, q := range w.queues {
		if q.Destroyed() {
			delete(w.queues, key)
			continue
		}
		q.CheckEndOfTrack()
		snap := q.Snapshot()
		w.sink.PlayerUpdate(key, snap.PositionMS, snap.Connected)
	}
}

// safeHandle recovers a panic inside a single op's handling so one bad op
// (a malformed descriptor, a misbehaving resolver) can't take down this
// worker's whole goroutine. Since all of a worker's state lives in its own
// loop goroutine, recovering in place and continuing to serve w.inbox is
// this worker's version of a restart; the op that panicked is reported as
// failed instead of hanging its caller forever.
func (w *Worker) safeHandle(ctx context.Context, op Op) {
	defer func() {
		if r := recover(); r != nil {
			err := events.ProcessError(fmt.Sprintf("worker %s: recovered from panic handling %s", w.id, op.Kind), fmt.Errorf("%v", r))
			if w.logger != nil {
				w.logger.Error("worker op panicked", zap.String("key", op.Key.String()), zap.String("kind", string(op.Kind)), zap.Any("panic", r))
			}
			if op.Kind == KindPlay || op.Kind == KindVoiceServer {
				w.sink.TrackException(op.Key, op.Play.TrackBlob, err)
			}
			reply(op, err)
		}
	}()
	w.handle(ctx, op)
}

func (w *Worker) handle(ctx context.Context, op Op) {
	switch op.Kind {
	case KindPlay:
		q := w.ensureQueue(op.Key)
		err := q.Play(op.Play)
		if err != nil && w.logger != nil {
			w.logger.Warn("play rejected", zap.String("key", op.Key.String()), zap.Error(err))
		}
		reply(op, err)
	case KindStop:
		if q, ok := w.queues[op.Key]; ok {
			q.Stop(false)
		}
		reply(op, nil)
	case KindPause:
		if q, ok := w.queues[op.Key]; ok {
			q.Pause()
		}
		reply(op, nil)
	case KindDestroy:
		if q, ok := w.queues[op.Key]; ok {
			q.Destroy()
			delete(w.queues, op.Key)
		}
		reply(op, nil)
	case KindSeek:
		if q, ok := w.queues[op.Key]; ok {
			q.Seek(op.SeekMS)
		}
		reply(op, nil)
	case KindVolume:
		if q, ok := w.queues[op.Key]; ok {
			q.SetVolume(op.VolumePct)
		}
		reply(op, nil)
	case KindFilters:
		if q, ok := w.queues[op.Key]; ok {
			q.SetFilters(op.Filters)
		}
		reply(op, nil)
	case KindFFmpeg:
		if q, ok := w.queues[op.Key]; ok {
			q.SetRawFilterGraph(op.RawGraph)
		}
		reply(op, nil)
	case KindVoiceServer:
		q := w.ensureQueue(op.Key)
		err := q.ApplyVoiceServer(ctx, op.VoiceServer)
		if err != nil && w.logger != nil {
			w.logger.Warn("voice join failed", zap.String("key", op.Key.String()), zap.Error(err))
		}
		reply(op, err)
	case KindDeleteAll:
		// op.Key.ClientID scopes the wipe to one client's queues (the
		// gateway's per-connection cleanup on resume-window expiry); a zero
		// ClientID means every queue this worker owns (the "dump" op's
		// full-pool reset).
		for key, q := range w.queues {
			if op.Key.ClientID != "" && key.ClientID != op.Key.ClientID {
				continue
			}
			q.Destroy()
			delete(w.queues, key)
		}
		reply(op, nil)
	default:
		reply(op, nil)
	}
}

func (w *Worker) ensureQueue(key queue.Key) *queue.Queue {
	if q, ok := w.queues[key]; ok {
		return q
	}
	q := queue.New(queue.Config{
		Key:        key,
		Transport:  w.transports(key),
		Resolvers:  w.resolvers,
		Sink:       w.sink,
		FFMpegPath: w.ffmpegPath,
	})
	w.queues[key] = q
	return q
}

func reply(op Op, err error) {
	if op.Reply != nil {
		op.Reply <- err
	}
}
