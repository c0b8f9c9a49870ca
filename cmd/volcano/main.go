// Command volcano runs the Client Gateway: WS control channel + REST
// side-channel, backed by a worker-pool dispatcher and ffmpeg transcoding.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/JAGUARAVI/Volcano/internal/config"
	"github.com/JAGUARAVI/Volcano/internal/dispatcher"
	"github.com/JAGUARAVI/Volcano/internal/gateway"
	volcanolog "github.com/JAGUARAVI/Volcano/internal/log"
	"github.com/JAGUARAVI/Volcano/internal/queue"
	"github.com/JAGUARAVI/Volcano/internal/resolve"
	"github.com/JAGUARAVI/Volcano/internal/resolve/httpsrc"
	"github.com/JAGUARAVI/Volcano/internal/resolve/local"
	"github.com/JAGUARAVI/Volcano/internal/resolve/soundcloud"
	"github.com/JAGUARAVI/Volcano/internal/resolve/youtube"
	"github.com/JAGUARAVI/Volcano/internal/voice"
	"github.com/JAGUARAVI/Volcano/internal/worker"
)

func main() {
	cfgPath := os.Getenv("VOLCANO_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("volcano: failed to load config: %v", err)
	}

	logger, err := volcanolog.New(cfg.Logging.Level.Root, false)
	if err != nil {
		log.Fatalf("volcano: failed to build logger: %v", err)
	}
	defer logger.Sync()

	session, err := openDiscordSession(pickToken())
	if err != nil {
		logger.Fatal("volcano: failed to open discord session", zap.Error(err))
	}
	if session != nil {
		defer session.Close()
	}

	reg := buildResolvers(cfg)

	ffmpegPath := os.Getenv("VOLCANO_FFMPEG_PATH")
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	workers := make([]*worker.Worker, cfg.Lavalink.Server.Workers)
	pool := dispatcher.New(workers)
	gw := gateway.New(gateway.Config{Password: cfg.Lavalink.Server.Password}, pool, reg, logger)

	transports := func(key queue.Key) voice.Transport {
		return voice.NewDiscordTransport(session)
	}
	for i := range workers {
		workers[i] = worker.New(worker.Config{
			ID:         fmt.Sprintf("w%d", i),
			Resolvers:  reg.QueueResolvers(),
			Sink:       gw.Sink(),
			Transports: transports,
			FFMpegPath: ffmpegPath,
			Logger:     logger,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- gw.Run(ctx, addr)
	}()

	logger.Info("volcano is online", zap.String("address", addr), zap.Int("workers", len(workers)))

	select {
	case <-waitForShutdown():
	case err := <-serveErr:
		if err != nil {
			logger.Error("volcano: gateway stopped", zap.Error(err))
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	select {
	case <-shutdownCtx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Warn("volcano: shutdown encountered errors", zap.Error(err))
		}
	}

	logger.Info("volcano stopped")
}

// buildResolvers wires every source dispatcher the resolve registry knows
// about, gated by cfg.Lavalink.Server.Sources exactly as resolve.Registry
// expects.
func buildResolvers(cfg config.Config) *resolve.Registry {
	rcfg := resolve.Config{
		VideoEnabled:       cfg.Lavalink.Server.Sources.YouTube,
		AudioEnabled:       cfg.Lavalink.Server.Sources.SoundCloud,
		LocalEnabled:       cfg.Lavalink.Server.Sources.Local,
		HTTPEnabled:        cfg.Lavalink.Server.Sources.HTTP,
		VideoSearchEnabled: cfg.Lavalink.Server.YouTubeSearchEnabled,
		AudioSearchEnabled: cfg.Lavalink.Server.SoundCloudSearchEnabled,
	}

	ytPath := os.Getenv("VOLCANO_YTDLP_PATH")
	if ytPath == "" {
		ytPath = "yt-dlp"
	}

	return resolve.New(rcfg, youtube.New(ytPath), soundcloud.New(""), local.New(), httpsrc.New())
}

// pickToken checks Volcano's own env var first, falling back to the
// generic DISCORD_TOKEN most bot hosting setups already export.
func pickToken() string {
	if token := os.Getenv("VOLCANO_DISCORD_TOKEN"); token != "" {
		return token
	}
	return os.Getenv("DISCORD_TOKEN")
}

// openDiscordSession opens the bot session the voice transport joins
// channels through. A missing token is not fatal: Volcano still serves
// REST/WS, it just can't join voice.
func openDiscordSession(token string) (*discordgo.Session, error) {
	if token == "" {
		return nil, nil
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("volcano: discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("volcano: discord session open: %w", err)
	}
	return session, nil
}

func waitForShutdown() <-chan struct{} {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		<-sigCh
		signal.Stop(sigCh)
		close(done)
	}()
	return done
}
