// Package gateway implements the Client Gateway: a WebSocket control channel
// plus a REST side-channel, built on gin for REST routing and
// gorilla/websocket for the control channel.
package gateway

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JAGUARAVI/Volcano/internal/dispatcher"
	"github.com/JAGUARAVI/Volcano/internal/events"
	"github.com/JAGUARAVI/Volcano/internal/resolve"
)

// Config carries the gateway's static settings.
type Config struct {
	Password             string
	DefaultResumeTimeout time.Duration // used if configureResuming omits timeout
	PingInterval         time.Duration
	StatsInterval        time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultResumeTimeout <= 0 {
		c.DefaultResumeTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 60 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 60 * time.Second
	}
	return c
}

// Server is the Client Gateway: REST handlers plus the WS upgrade/session
// loop, all driving a shared dispatcher.Pool.
type Server struct {
	cfg       Config
	pool      *dispatcher.Pool
	resolvers *resolve.Registry
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	engine    *gin.Engine
	st        *state
	startedAt time.Time

	httpSrv *http.Server
}

// New builds a Server. Call Sink to obtain the worker.Sink to wire into the
// dispatcher's workers, then Run to serve.
func New(cfg Config, pool *dispatcher.Pool, resolvers *resolve.Registry, logger *zap.Logger) *Server {
	cfg = cfg.withDefaults()
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		pool:      pool,
		resolvers: resolvers,
		logger:    logger,
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		st:        newState(),
		startedAt: time.Now(),
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

// Sink returns the worker.Sink every dispatcher worker should be configured
// with, so track/heartbeat events reach the sockets this gateway owns.
func (s *Server) Sink() *gatewaySink {
	return newSink(s.st, s.logger)
}

// Run serves REST+WS on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.engine}

	go s.statsLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/", s.authMiddleware(), s.handleRootOrUpgrade)
	s.engine.GET("/loadtracks", s.authMiddleware(), s.handleLoadTracks)
	s.engine.GET("/decodetracks", s.authMiddleware(), s.handleDecodeTracks)
}

// authMiddleware enforces the Authorization-header check uniformly across
// REST and the WS upgrade.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Password == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != s.cfg.Password {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func (s *Server) handleRootOrUpgrade(c *gin.Context) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		s.handleUpgrade(c)
		return
	}
	c.String(http.StatusOK, "Ok boomer.")
}

func (s *Server) handleUpgrade(c *gin.Context) {
	userID := c.GetHeader("User-Id")
	if _, err := strconv.ParseInt(userID, 10, 64); err != nil {
		writeRawUnauthorized(c.Writer)
		return
	}

	resumeKey := c.GetHeader("Resume-Key")
	resumed := false
	var replay [][]byte
	if resumeKey != "" {
		if buf, ok := s.st.takeResumeBuffer(resumeKey); ok {
			resumed = true
			replay = buf.drain()
		}
	}

	header := http.Header{}
	header.Set("Session-Resumed", strconv.FormatBool(resumed))
	header.Set("Lavalink-Major-Version", "3")
	header.Set("Is-Volcano", "true")

	socket, err := s.upgrader.Upgrade(c.Writer, c.Request, header)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket upgrade failed", zap.Error(err))
		}
		return
	}

	conn := &connection{socket: socket, userID: userID, alive: true, resumeKey: resumeKey, resumeTimeout: s.cfg.DefaultResumeTimeout}
	s.st.addConnection(conn)

	for _, frame := range replay {
		conn.writeMu.Lock()
		_ = socket.WriteMessage(websocket.TextMessage, frame)
		conn.writeMu.Unlock()
	}

	_ = conn.send(s.currentStats())

	go s.serve(conn)
}

func writeRawUnauthorized(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if netConn, _, err := hj.Hijack(); err == nil {
			netConn.Write([]byte("HTTP/1.1 401 Unauthorized\r\n\r\n"))
			netConn.Close()
			return
		}
	}
	w.WriteHeader(http.StatusUnauthorized)
}

// currentStats builds the periodic stats frame.
func (s *Server) currentStats() events.Stats {
	snaps := s.pool.Dump()
	playing := 0
	for _, snap := range snaps {
		if snap.Playing {
			playing++
		}
	}

	stats := events.Stats{Op: "stats", Players: len(snaps), PlayingPlayers: playing, Uptime: time.Since(s.startedAt).Milliseconds()}
	stats.CPU.Cores = runtime.NumCPU()
	return stats
}

func (s *Server) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.currentStats()
			for _, conn := range s.st.allConnections() {
				_ = conn.send(stats)
			}
		}
	}
}
