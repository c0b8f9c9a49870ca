// Package youtube resolves video-platform identifiers and search queries by
// shelling out to yt-dlp.
package youtube

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/JAGUARAVI/Volcano/internal/events"
	"github.com/JAGUARAVI/Volcano/internal/track"
)

const defaultTimeout = 20 * time.Second

// Resolver shells out to yt-dlp for metadata and stream-URL discovery.
type Resolver struct {
	Executable string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// New builds a Resolver. path defaults to "yt-dlp" on the PATH.
func New(path string) *Resolver {
	if strings.TrimSpace(path) == "" {
		path = "yt-dlp"
	}
	return &Resolver{Executable: path, Timeout: defaultTimeout, HTTPClient: http.DefaultClient}
}

type ytdlpItem struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Uploader   string      `json:"uploader"`
	WebpageURL string      `json:"webpage_url"`
	Duration   json.Number `json:"duration"`
	URL        string      `json:"url"`
}

// Resolve runs yt-dlp against identifier (a direct URL or a bare search
// query, which the caller has already decided belongs to this source) and
// returns one descriptor per result line yt-dlp prints.
func (r *Resolver) Resolve(ctx context.Context, identifier string) ([]track.Descriptor, error) {
	query := identifier
	if !looksLikeURL(query) {
		query = "ytsearch1:" + query
	}

	args := []string{
		"--no-playlist",
		"--ignore-errors",
		"--dump-json",
		"--no-warnings",
		"-f", "bestaudio[ext=m4a]/bestaudio[ext=webm]/bestaudio/best",
		query,
	}

	cmd := exec.CommandContext(ctx, r.Executable, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, events.ResolutionError("yt-dlp stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, events.ResolutionError("start yt-dlp", err)
	}

	var descs []track.Descriptor
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var item ytdlpItem
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			continue
		}
		descs = append(descs, itemToDescriptor(item))
	}

	if err := cmd.Wait(); err != nil {
		if len(descs) > 0 {
			return descs, nil
		}
		return nil, events.ResolutionError("yt-dlp failed", fmt.Errorf("%s", strings.TrimSpace(stderr.String())))
	}
	return descs, nil
}

func itemToDescriptor(item ytdlpItem) track.Descriptor {
	lengthMS := int64(0)
	if seconds, err := item.Duration.Float64(); err == nil && seconds > 0 {
		lengthMS = int64(seconds * 1000)
	}
	uri := item.WebpageURL
	if uri == "" {
		uri = item.URL
	}
	return track.Descriptor{
		Source:     track.SourceVideo,
		Identifier: item.ID,
		URI:        uri,
		Title:      item.Title,
		Author:     item.Uploader,
		LengthMS:   lengthMS,
		IsSeekable: true,
	}
}

// Open re-resolves desc's URI to a fresh signed stream URL (yt-dlp
// URLs expire) and opens an HTTP GET against it, returning its body as the
// byte stream the Queue demuxes.
func (r *Resolver) Open(ctx context.Context, desc track.Descriptor) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, r.Executable,
		"--no-playlist", "--no-warnings", "-f",
		"bestaudio[ext=m4a]/bestaudio[ext=webm]/bestaudio/best",
		"-g", desc.URI)

	out, err := cmd.Output()
	if err != nil {
		return nil, events.ResolutionError("resolve stream url", err)
	}
	streamURL := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if streamURL == "" {
		return nil, events.ResolutionError("yt-dlp returned no stream url", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, events.ResolutionError("build stream request", err)
	}

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, events.ResolutionError("fetch stream", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, events.ResolutionError(fmt.Sprintf("stream http status %d", resp.StatusCode), nil)
	}
	return resp.Body, nil
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
