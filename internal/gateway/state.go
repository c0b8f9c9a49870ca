package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JAGUARAVI/Volcano/internal/queue"
	"github.com/JAGUARAVI/Volcano/internal/voice"
)

// connection holds one live WebSocket plus the resume-window bookkeeping
// carried across disconnects.
type connection struct {
	socket *websocket.Conn
	userID string

	writeMu sync.Mutex

	mu            sync.Mutex
	resumeKey     string
	resumeTimeout time.Duration
	alive         bool
}

func (c *connection) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.socket.WriteMessage(websocket.TextMessage, data)
}

// resumeBuffer holds outbound frames for a disconnected socket identified
// by its resume-key.
type resumeBuffer struct {
	mu     sync.Mutex
	userID string
	timer  *time.Timer
	events [][]byte
}

func (b *resumeBuffer) append(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, data)
}

func (b *resumeBuffer) drain() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.events
	b.events = nil
	return events
}

// voiceServerEntry is a voice server state with its 20s TTL.
type voiceServerEntry struct {
	state     voice.ServerState
	expiresAt time.Time
}

// state bundles every piece of mutable gateway bookkeeping behind one
// mutex, instead of scattering it across package-level globals.
type state struct {
	mu sync.Mutex

	connections   map[string][]*connection  // userID -> live sockets
	playerMap     map[queue.Key]*connection // which socket owns a room's events
	resumeBuffers map[string]*resumeBuffer  // resumeKey -> buffer
	voiceServers  map[string]voiceServerEntry // "userID/guildId" -> state
}

func newState() *state {
	return &state{
		connections:   make(map[string][]*connection),
		playerMap:     make(map[queue.Key]*connection),
		resumeBuffers: make(map[string]*resumeBuffer),
		voiceServers:  make(map[string]voiceServerEntry),
	}
}

func (s *state) addConnection(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[c.userID] = append(s.connections[c.userID], c)
}

func (s *state) removeConnection(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := s.connections[c.userID]
	for i, existing := range conns {
		if existing == c {
			s.connections[c.userID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	for key, owner := range s.playerMap {
		if owner == c {
			delete(s.playerMap, key)
		}
	}
}

func (s *state) bindPlayer(key queue.Key, c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playerMap[key] = c
}

// unbindPlayer clears playerMap on track end / queue destroy so a stale
// connection never keeps routing events for a room it no longer owns.
func (s *state) unbindPlayer(key queue.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.playerMap, key)
}

func (s *state) connectionFor(key queue.Key) *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playerMap[key]
}

func (s *state) allConnections() []*connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*connection
	for _, conns := range s.connections {
		all = append(all, conns...)
	}
	return all
}

func (s *state) scheduleResumeBuffer(key string, userID string, timeout time.Duration, onExpire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := &resumeBuffer{userID: userID}
	buf.timer = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		delete(s.resumeBuffers, key)
		s.mu.Unlock()
		onExpire()
	})
	s.resumeBuffers[key] = buf
}

func (s *state) takeResumeBuffer(key string) (*resumeBuffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.resumeBuffers[key]
	if ok {
		buf.timer.Stop()
		delete(s.resumeBuffers, key)
	}
	return buf, ok
}

func (s *state) bufferFor(key string) (*resumeBuffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.resumeBuffers[key]
	return buf, ok
}

func voiceServerKey(userID, guildID string) string { return userID + "/" + guildID }

func (s *state) putVoiceServer(userID string, st voice.ServerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voiceServers[voiceServerKey(userID, st.RoomID)] = voiceServerEntry{
		state:     st,
		expiresAt: time.Now().Add(20 * time.Second),
	}
}

func (s *state) voiceServer(userID, guildID string) (voice.ServerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.voiceServers[voiceServerKey(userID, guildID)]
	if !ok || time.Now().After(entry.expiresAt) {
		return voice.ServerState{}, false
	}
	return entry.state, true
}
