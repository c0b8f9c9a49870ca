// Package voice implements the UDP/secure-RTP connection to the chat
// platform's voice endpoint. The platform's own voice cryptography is
// explicitly out of scope and is provided wholesale by the discordgo
// library.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// ServerState is the voice server state keyed by (client-id, room-id),
// forwarded to us by the gateway's voiceUpdate handling.
type ServerState struct {
	ClientID  string
	RoomID    string
	ChannelID string
	SessionID string
	Token     string
	Endpoint  string
}

// CloseInfo describes why a voice transport closed, for
// events.WebSocketClosedEvent.
type CloseInfo struct {
	Code     int
	ByRemote bool
}

// ConnectThreshold bounds how long Join waits for the voice connection to
// report Ready before giving up.
const ConnectThreshold = 10 * time.Second

const readyPollInterval = 100 * time.Millisecond

// healthPollInterval governs how often a joined connection is checked for an
// unannounced drop (discordgo does not expose a callback for this).
const healthPollInterval = 2 * time.Second

// Transport is the capability the Queue needs from the voice layer: send
// Opus frames, toggle speaking, and observe connection lifecycle. Modelling
// it as an interface keeps queue/player free of any discordgo import.
type Transport interface {
	Join(ctx context.Context, guildID, channelID string) error
	Leave() error
	SendOpus(frame []byte) error
	SetSpeaking(active bool) error
	// OnVoiceServerUpdate feeds externally-reported session/token/endpoint
	// data into the transport. The discordgo-backed implementation
	// establishes its own connection via the bot session and ignores this
	// call: its OnVoiceServerUpdate is a no-op.
	OnVoiceServerUpdate(state ServerState)
	Closed() <-chan CloseInfo
}

// DiscordTransport adapts a discordgo.Session's voice-join facilities
// (ChannelVoiceJoin/Speaking/OpusSend) to the Transport interface.
type DiscordTransport struct {
	session *discordgo.Session

	mu     sync.Mutex
	vc     *discordgo.VoiceConnection
	closed chan CloseInfo
}

// NewDiscordTransport builds a Transport bound to a live discordgo session.
func NewDiscordTransport(session *discordgo.Session) *DiscordTransport {
	return &DiscordTransport{session: session, closed: make(chan CloseInfo, 1)}
}

// Join connects to (or moves into) the given voice channel.
func (t *DiscordTransport) Join(ctx context.Context, guildID, channelID string) error {
	if t.session == nil {
		return errors.New("voice: no discord session configured")
	}

	t.mu.Lock()
	existing := t.vc
	t.mu.Unlock()
	if existing != nil && existing.ChannelID == channelID {
		return nil
	}
	if existing != nil {
		_ = existing.Disconnect()
	}

	conn, err := t.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return fmt.Errorf("voice: channel join: %w", err)
	}

	if err := t.waitReady(ctx, conn); err != nil {
		_ = conn.Disconnect()
		t.signalClosed(CloseInfo{Code: 4000, ByRemote: false})
		return err
	}

	t.mu.Lock()
	t.vc = conn
	t.mu.Unlock()

	go t.watchConnection(conn)
	return nil
}

// waitReady polls discordgo's VoiceConnection.Ready, which it flips once the
// UDP handshake and voice-server selection finish; there is no exported
// blocking signal for this, so a bounded ticker loop stands in for one.
func (t *DiscordTransport) waitReady(ctx context.Context, conn *discordgo.VoiceConnection) error {
	if conn.Ready {
		return nil
	}
	timeout := time.After(ConnectThreshold)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("voice: connection not ready within %s", ConnectThreshold)
		case <-ticker.C:
			if conn.Ready {
				return nil
			}
		}
	}
}

// watchConnection polls Ready after a successful join and reports the first
// unannounced drop it observes. It exits once the connection is replaced or
// explicitly left (t.vc no longer points at conn).
func (t *DiscordTransport) watchConnection(conn *discordgo.VoiceConnection) {
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		t.mu.Lock()
		current := t.vc
		t.mu.Unlock()
		if current != conn {
			return
		}
		if !conn.Ready {
			t.signalClosed(CloseInfo{Code: 4014, ByRemote: true})
			return
		}
	}
}

// signalClosed delivers a CloseInfo to the one outstanding listener without
// blocking: the channel is buffered for exactly one pending notification.
func (t *DiscordTransport) signalClosed(info CloseInfo) {
	select {
	case t.closed <- info:
	default:
	}
}

// Leave tears down the voice connection, if any.
func (t *DiscordTransport) Leave() error {
	t.mu.Lock()
	vc := t.vc
	t.vc = nil
	t.mu.Unlock()

	if vc == nil {
		return nil
	}
	return vc.Disconnect()
}

// SendOpus writes one Opus frame to the voice connection's send channel.
func (t *DiscordTransport) SendOpus(frame []byte) error {
	t.mu.Lock()
	vc := t.vc
	t.mu.Unlock()

	if vc == nil {
		return errors.New("voice: not connected")
	}
	vc.OpusSend <- frame
	return nil
}

// SetSpeaking toggles the speaking indicator.
func (t *DiscordTransport) SetSpeaking(active bool) error {
	t.mu.Lock()
	vc := t.vc
	t.mu.Unlock()

	if vc == nil {
		return errors.New("voice: not connected")
	}
	return vc.Speaking(active)
}

// OnVoiceServerUpdate is a no-op for the discordgo-backed transport: the
// bot's own session already drives the handshake, so this only exists to
// satisfy the Transport contract for alternate implementations.
func (t *DiscordTransport) OnVoiceServerUpdate(ServerState) {}

// Closed signals when the underlying connection is torn down.
func (t *DiscordTransport) Closed() <-chan CloseInfo { return t.closed }
