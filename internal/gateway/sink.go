package gateway

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JAGUARAVI/Volcano/internal/events"
	"github.com/JAGUARAVI/Volcano/internal/queue"
)

// gatewaySink implements worker.Sink, routing every track/heartbeat event
// to the socket playerMap names for that key: buffer while the owning
// connection is in its resume window, otherwise send immediately.
type gatewaySink struct {
	st     *state
	logger *zap.Logger
}

func newSink(st *state, logger *zap.Logger) *gatewaySink {
	return &gatewaySink{st: st, logger: logger}
}

func (g *gatewaySink) TrackStart(key queue.Key, blob string) {
	g.deliver(key, events.NewTrackStartEvent(key.RoomID, blob))
}

func (g *gatewaySink) TrackEnd(key queue.Key, blob string, reason events.EndReason) {
	g.deliver(key, events.NewTrackEndEvent(key.RoomID, blob, reason))
	g.st.unbindPlayer(key)
}

func (g *gatewaySink) TrackException(key queue.Key, blob string, err error) {
	severity := events.SeverityCommon
	if kindErr, ok := err.(*events.Error); ok {
		switch kindErr.Kind {
		case events.KindCodec, events.KindProcess:
			severity = events.SeverityFault
		case events.KindTransport:
			severity = events.SeveritySuspicious
		}
	}
	g.deliver(key, events.NewTrackExceptionEvent(key.RoomID, blob, err.Error(), severity))
}

func (g *gatewaySink) TrackStuck(key queue.Key, blob string, thresholdMS int64) {
	g.deliver(key, events.NewTrackStuckEvent(key.RoomID, blob, thresholdMS))
}

func (g *gatewaySink) WebSocketClosed(key queue.Key, code int, byRemote bool) {
	g.deliver(key, events.NewWebSocketClosedEvent(key.RoomID, code, byRemote))
}

func (g *gatewaySink) PlayerUpdate(key queue.Key, positionMS int64, connected bool) {
	g.deliver(key, events.NewPlayerUpdate(key.RoomID, time.Now().UnixMilli(), positionMS, connected))
}

// deliver routes an event to the connection playerMap names for key,
// buffering it if that connection is mid-resume-window instead of dropping
// it.
func (g *gatewaySink) deliver(key queue.Key, payload any) {
	conn := g.st.connectionFor(key)
	if conn == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		if g.logger != nil {
			g.logger.Warn("failed to marshal outbound event", zap.Error(err))
		}
		return
	}

	conn.mu.Lock()
	resumeKey := conn.resumeKey
	conn.mu.Unlock()

	if resumeKey != "" {
		if buf, disconnected := g.st.bufferFor(resumeKey); disconnected {
			buf.append(data)
			return
		}
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	_ = conn.socket.WriteMessage(websocket.TextMessage, data)
}
