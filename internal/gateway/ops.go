package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JAGUARAVI/Volcano/internal/filter"
	"github.com/JAGUARAVI/Volcano/internal/queue"
	"github.com/JAGUARAVI/Volcano/internal/track"
	"github.com/JAGUARAVI/Volcano/internal/voice"
	"github.com/JAGUARAVI/Volcano/internal/worker"
)

// opEnvelope carries just enough to route the frame; each op then decodes
// the raw payload again into its own shape, since "volume" (among others)
// means a different type depending on the op.
type opEnvelope struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
}

type playPayload struct {
	Track     string `json:"track"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
	Volume    int    `json:"volume"`
	Pause     bool   `json:"pause"`
	NoReplace bool   `json:"noReplace"`
}

type seekPayload struct {
	Position int64 `json:"position"`
}

type volumePayload struct {
	Volume int `json:"volume"`
}

type filtersPayload struct {
	Volume    *float64               `json:"volume,omitempty"`
	Equalizer []filter.EqualizerBand `json:"equalizer,omitempty"`
	Timescale *filter.Timescale      `json:"timescale,omitempty"`
	Tremolo   *filter.Tremolo        `json:"tremolo,omitempty"`
	Vibrato   *filter.Vibrato        `json:"vibrato,omitempty"`
	Rotation  *filter.Rotation       `json:"rotation,omitempty"`
	LowPass   *filter.LowPass        `json:"lowPass,omitempty"`
}

type ffmpegPayload struct {
	Graph string `json:"graph"`
}

type voiceUpdatePayload struct {
	SessionID string `json:"sessionId"`
	Event     struct {
		Token    string `json:"token"`
		GuildID  string `json:"guild_id"`
		Endpoint string `json:"endpoint"`
	} `json:"event"`
}

type configureResumingPayload struct {
	Key     string `json:"key"`
	Timeout int    `json:"timeout"`
}

// serve drains conn's inbound frames until the socket closes, dispatching
// each op to the pool. It also drives the periodic ping keepalive.
func (s *Server) serve(conn *connection) {
	defer s.onClose(conn)

	conn.socket.SetReadDeadline(time.Now().Add(s.cfg.PingInterval + 10*time.Second))
	conn.socket.SetPongHandler(func(string) error {
		conn.socket.SetReadDeadline(time.Now().Add(s.cfg.PingInterval + 10*time.Second))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(conn, stop)

	for {
		_, data, err := conn.socket.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(conn, data)
	}
}

func (s *Server) pingLoop(conn *connection, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			conn.writeMu.Lock()
			err := conn.socket.WriteMessage(websocket.PingMessage, nil)
			conn.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handleFrame(conn *connection, data []byte) {
	var env opEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		// A malformed frame is logged and dropped; the client stays connected.
		if s.logger != nil {
			s.logger.Warn("malformed inbound frame", zap.Error(err))
		}
		return
	}

	key := queue.Key{ClientID: conn.userID, RoomID: env.GuildID}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch env.Op {
	case "play":
		var p playPayload
		if err := json.Unmarshal(data, &p); err != nil {
			s.protocolError(err)
			return
		}
		s.st.bindPlayer(key, conn)
		s.execute(ctx, worker.Op{Key: key, Kind: worker.KindPlay, Play: track.PlayRequest{
			TrackBlob: p.Track,
			StartMS:   p.StartTime,
			EndMS:     p.EndTime,
			VolumeMS:  p.Volume,
			Pause:     p.Pause,
			NoReplace: p.NoReplace,
		}})
	case "stop":
		s.execute(ctx, worker.Op{Key: key, Kind: worker.KindStop})
	case "pause":
		s.execute(ctx, worker.Op{Key: key, Kind: worker.KindPause})
	case "destroy":
		s.st.unbindPlayer(key)
		s.execute(ctx, worker.Op{Key: key, Kind: worker.KindDestroy})
	case "seek":
		var p seekPayload
		if err := json.Unmarshal(data, &p); err != nil {
			s.protocolError(err)
			return
		}
		s.execute(ctx, worker.Op{Key: key, Kind: worker.KindSeek, SeekMS: p.Position})
	case "volume":
		var p volumePayload
		if err := json.Unmarshal(data, &p); err != nil {
			s.protocolError(err)
			return
		}
		s.execute(ctx, worker.Op{Key: key, Kind: worker.KindVolume, VolumePct: p.Volume})
	case "filters":
		var p filtersPayload
		if err := json.Unmarshal(data, &p); err != nil {
			s.protocolError(err)
			return
		}
		s.execute(ctx, worker.Op{Key: key, Kind: worker.KindFilters, Filters: filter.Spec{
			Volume:    p.Volume,
			Equalizer: p.Equalizer,
			Timescale: p.Timescale,
			Tremolo:   p.Tremolo,
			Vibrato:   p.Vibrato,
			Rotation:  p.Rotation,
			LowPass:   p.LowPass,
		}})
	case "ffmpeg":
		var p ffmpegPayload
		if err := json.Unmarshal(data, &p); err != nil {
			s.protocolError(err)
			return
		}
		s.execute(ctx, worker.Op{Key: key, Kind: worker.KindFFmpeg, RawGraph: p.Graph})
	case "voiceUpdate":
		var p voiceUpdatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			s.protocolError(err)
			return
		}
		st := voice.ServerState{
			ClientID:  conn.userID,
			RoomID:    env.GuildID,
			SessionID: p.SessionID,
			Token:     p.Event.Token,
			Endpoint:  p.Event.Endpoint,
		}
		s.st.putVoiceServer(conn.userID, st)
		s.st.bindPlayer(key, conn)
		s.execute(ctx, worker.Op{Key: key, Kind: worker.KindVoiceServer, VoiceServer: st})
	case "configureResuming":
		var p configureResumingPayload
		if err := json.Unmarshal(data, &p); err != nil {
			s.protocolError(err)
			return
		}
		timeout := time.Duration(p.Timeout) * time.Second
		if timeout <= 0 {
			timeout = s.cfg.DefaultResumeTimeout
		}
		conn.mu.Lock()
		conn.resumeKey = p.Key
		conn.resumeTimeout = timeout
		conn.mu.Unlock()
	case "dump":
		_ = s.pool.Broadcast(ctx, func() worker.Op { return worker.Op{Kind: worker.KindDeleteAll} })
	default:
		if s.logger != nil {
			s.logger.Warn("unknown inbound op", zap.String("op", env.Op))
		}
	}
}

func (s *Server) protocolError(err error) {
	if s.logger != nil {
		s.logger.Warn("malformed inbound op payload", zap.Error(err))
	}
}

func (s *Server) execute(ctx context.Context, op worker.Op) {
	if err := s.pool.Execute(ctx, op); err != nil && s.logger != nil {
		s.logger.Warn("op execution failed", zap.String("op", string(op.Kind)), zap.Error(err))
	}
}

// onClose schedules the resume window (or an immediate cleanup when no
// resume-key is configured).
func (s *Server) onClose(conn *connection) {
	conn.mu.Lock()
	conn.alive = false
	resumeKey := conn.resumeKey
	timeout := conn.resumeTimeout
	userID := conn.userID
	conn.mu.Unlock()

	s.st.removeConnection(conn)
	conn.socket.Close()

	if resumeKey == "" {
		s.deleteAllForUser(userID)
		return
	}

	s.st.scheduleResumeBuffer(resumeKey, userID, timeout, func() {
		s.deleteAllForUser(userID)
	})
}

func (s *Server) deleteAllForUser(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.pool.Broadcast(ctx, func() worker.Op {
		return worker.Op{Key: queue.Key{ClientID: userID}, Kind: worker.KindDeleteAll}
	})
}
