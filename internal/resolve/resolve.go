// Package resolve implements source resolution for the REST /loadtracks and
// /decodetracks endpoints and binds the per-source resolvers into the
// queue.SourceOpener contract the playback engine consumes.
package resolve

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/JAGUARAVI/Volcano/internal/queue"
	"github.com/JAGUARAVI/Volcano/internal/track"
)

// LoadType mirrors the /loadtracks response's loadType field.
type LoadType string

const (
	LoadTypeTrack    LoadType = "TRACK_LOADED"
	LoadTypePlaylist LoadType = "PLAYLIST_LOADED"
	LoadTypeSearch   LoadType = "SEARCH_RESULT"
	LoadTypeNoMatch  LoadType = "NO_MATCHES"
	LoadTypeFailed   LoadType = "LOAD_FAILED"
)

// Resolver is what each source package implements: descriptor discovery for
// REST /loadtracks plus the byte-stream opener the Queue uses to play it.
type Resolver interface {
	queue.SourceOpener
	// Resolve turns a raw identifier (URL, search query, or local path) into
	// one or more candidate descriptors. A single descriptor means
	// TRACK_LOADED/SEARCH_RESULT; more than one means PLAYLIST_LOADED.
	Resolve(ctx context.Context, identifier string) ([]track.Descriptor, error)
}

// Config gates which sources are enabled, mirroring the
// lavalink.server.sources.* config keys.
type Config struct {
	VideoEnabled         bool
	AudioEnabled         bool
	LocalEnabled         bool
	HTTPEnabled          bool
	VideoSearchEnabled   bool
	AudioSearchEnabled   bool
}

// Registry bundles one Resolver per source and applies the /loadtracks
// identifier heuristics.
type Registry struct {
	cfg   Config
	Video Resolver
	Audio Resolver
	Local Resolver
	HTTP  Resolver
}

// New builds a Registry. Any Resolver left nil is treated as disabled
// regardless of cfg, so callers may omit sources they don't wire up.
func New(cfg Config, video, audio, local, http Resolver) *Registry {
	return &Registry{cfg: cfg, Video: video, Audio: audio, Local: local, HTTP: http}
}

// QueueResolvers projects the Registry onto queue.Resolvers, gating each
// opener by its enabled flag.
func (reg *Registry) QueueResolvers() queue.Resolvers {
	var r queue.Resolvers
	if reg.cfg.VideoEnabled && reg.Video != nil {
		r.Video = reg.Video
	}
	if reg.cfg.AudioEnabled && reg.Audio != nil {
		r.Audio = reg.Audio
	}
	if reg.cfg.LocalEnabled && reg.Local != nil {
		r.Local = reg.Local
	}
	if reg.cfg.HTTPEnabled && reg.HTTP != nil {
		r.HTTP = reg.HTTP
	}
	return r
}

var identifierPattern = regexp.MustCompile(`^(ytsearch:)?(scsearch:)?(.+)$`)

// LoadResult is the /loadtracks response shape.
type LoadResult struct {
	LoadType     LoadType          `json:"loadType"`
	PlaylistInfo PlaylistInfo      `json:"playlistInfo"`
	Tracks       []TrackWithInfo   `json:"tracks"`
}

// PlaylistInfo is empty ({}) for single-track/search results.
type PlaylistInfo struct {
	Name          string `json:"name,omitempty"`
	SelectedTrack int    `json:"selectedTrack,omitempty"`
}

// TrackWithInfo pairs an encoded blob with its decoded info, the shape both
// /loadtracks and /decodetracks return per track.
type TrackWithInfo struct {
	Track string          `json:"track"`
	Info  track.Descriptor `json:"info"`
}

// Load applies the /loadtracks routing heuristics: absolute path → local,
// URL host containing "soundcloud" → audio-share, other URL (non-video-
// platform) → http, non-URL → search (video-platform first, falling back to
// audio-share when video search is disabled).
func (reg *Registry) Load(ctx context.Context, identifier string) LoadResult {
	m := identifierPattern.FindStringSubmatch(identifier)
	raw := identifier
	if len(m) == 4 {
		raw = m[3]
	}

	resolver, isSearch := reg.route(raw)
	if resolver == nil {
		return LoadResult{LoadType: LoadTypeFailed}
	}

	descs, err := resolver.Resolve(ctx, raw)
	if err != nil {
		return LoadResult{LoadType: LoadTypeFailed}
	}
	if len(descs) == 0 {
		return LoadResult{LoadType: LoadTypeNoMatch}
	}

	tracks := make([]TrackWithInfo, 0, len(descs))
	for _, d := range descs {
		blob, encErr := track.Encode(d)
		if encErr != nil {
			continue
		}
		tracks = append(tracks, TrackWithInfo{Track: blob, Info: d})
	}
	if len(tracks) == 0 {
		return LoadResult{LoadType: LoadTypeNoMatch}
	}

	switch {
	case len(tracks) > 1:
		return LoadResult{LoadType: LoadTypePlaylist, Tracks: tracks}
	case isSearch:
		return LoadResult{LoadType: LoadTypeSearch, Tracks: tracks}
	default:
		return LoadResult{LoadType: LoadTypeTrack, Tracks: tracks}
	}
}

// route picks the resolver for raw per the heuristics table, reporting
// whether the identifier was treated as a search query rather than a direct
// reference.
func (reg *Registry) route(raw string) (resolver Resolver, isSearch bool) {
	gate := func(r Resolver, enabled bool) Resolver {
		if !enabled {
			return nil
		}
		return r
	}

	if strings.HasPrefix(raw, "/") {
		return gate(reg.Local, reg.cfg.LocalEnabled), false
	}

	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		if strings.Contains(strings.ToLower(u.Host), "soundcloud") {
			return gate(reg.Audio, reg.cfg.AudioEnabled), false
		}
		if isVideoPlatformHost(u.Host) {
			return gate(reg.Video, reg.cfg.VideoEnabled), false
		}
		return gate(reg.HTTP, reg.cfg.HTTPEnabled), false
	}

	if reg.cfg.VideoEnabled && reg.cfg.VideoSearchEnabled && reg.Video != nil {
		return reg.Video, true
	}
	if reg.cfg.AudioEnabled && reg.cfg.AudioSearchEnabled {
		return reg.Audio, true
	}
	return nil, true
}

func isVideoPlatformHost(host string) bool {
	host = strings.ToLower(host)
	return strings.Contains(host, "youtube") || strings.Contains(host, "youtu.be")
}

// Decode decodes a single track blob into its info object, for
// /decodetracks with a single value.
func Decode(blob string) (track.Descriptor, error) {
	return track.Decode(blob)
}

// DecodeMany decodes a batch of blobs into {track, info} pairs, for
// /decodetracks with repeated values.
func DecodeMany(blobs []string) []TrackWithInfo {
	out := make([]TrackWithInfo, 0, len(blobs))
	for _, b := range blobs {
		d, err := track.Decode(b)
		if err != nil {
			continue
		}
		out = append(out, TrackWithInfo{Track: b, Info: d})
	}
	return out
}
