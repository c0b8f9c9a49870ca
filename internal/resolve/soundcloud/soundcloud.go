// Package soundcloud resolves audio-share identifiers and search queries,
// scraping the site's web app for its anonymous client key and caching it
// on disk.
package soundcloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JAGUARAVI/Volcano/internal/events"
	"github.com/JAGUARAVI/Volcano/internal/track"
)

const (
	keyMaxAge  = 7 * 24 * time.Hour
	identifierPrefix = "O:"
	apiBase    = "https://api-v2.soundcloud.com"
)

// Resolver scrapes soundcloud.com for its anonymous client_id and uses it
// against the v2 API for resolution and streaming.
type Resolver struct {
	CacheFile  string
	HTTPClient *http.Client

	clientID string
	fetchedAt time.Time
}

// New builds a Resolver caching its client key at cacheFile (default
// "./soundcloud.txt").
func New(cacheFile string) *Resolver {
	if strings.TrimSpace(cacheFile) == "" {
		cacheFile = "soundcloud.txt"
	}
	return &Resolver{CacheFile: cacheFile, HTTPClient: http.DefaultClient}
}

// Resolve looks up a track by URL or search query and returns its descriptor.
func (r *Resolver) Resolve(ctx context.Context, identifier string) ([]track.Descriptor, error) {
	clientID, err := r.ensureClientID(ctx)
	if err != nil {
		return nil, err
	}

	raw := strings.TrimPrefix(identifier, identifierPrefix)

	var apiURL string
	if looksLikeURL(raw) {
		apiURL = fmt.Sprintf("%s/resolve?url=%s&client_id=%s", apiBase, url.QueryEscape(raw), clientID)
		item, err := r.fetchTrack(ctx, apiURL)
		if err != nil {
			return nil, err
		}
		return []track.Descriptor{item}, nil
	}

	apiURL = fmt.Sprintf("%s/search/tracks?q=%s&limit=1&client_id=%s", apiBase, url.QueryEscape(raw), clientID)
	items, err := r.fetchSearch(ctx, apiURL)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Open resolves desc's progressive stream URL and opens it.
func (r *Resolver) Open(ctx context.Context, desc track.Descriptor) (io.ReadCloser, error) {
	clientID, err := r.ensureClientID(ctx)
	if err != nil {
		return nil, err
	}

	progressiveURL := fmt.Sprintf("%s/tracks/%s/streams?client_id=%s", apiBase, desc.Identifier, clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, progressiveURL, nil)
	if err != nil {
		return nil, events.ResolutionError("build streams request", err)
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return nil, events.ResolutionError("fetch stream list", err)
	}
	defer resp.Body.Close()

	var streams struct {
		HTTPMP3128URL string `json:"http_mp3_128_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&streams); err != nil {
		return nil, events.ResolutionError("decode stream list", err)
	}
	if streams.HTTPMP3128URL == "" {
		return nil, events.ResolutionError("no progressive stream available", nil)
	}

	streamReq, err := http.NewRequestWithContext(ctx, http.MethodGet, streams.HTTPMP3128URL, nil)
	if err != nil {
		return nil, events.ResolutionError("build stream request", err)
	}
	streamResp, err := r.client().Do(streamReq)
	if err != nil {
		return nil, events.ResolutionError("fetch stream", err)
	}
	if streamResp.StatusCode >= 400 {
		streamResp.Body.Close()
		return nil, events.ResolutionError(fmt.Sprintf("stream http status %d", streamResp.StatusCode), nil)
	}
	return streamResp.Body, nil
}

type apiTrack struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Duration int64  `json:"duration"`
	User     struct {
		Username string `json:"username"`
	} `json:"user"`
	PermalinkURL string `json:"permalink_url"`
}

func (r *Resolver) fetchTrack(ctx context.Context, apiURL string) (track.Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return track.Descriptor{}, events.ResolutionError("build resolve request", err)
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return track.Descriptor{}, events.ResolutionError("resolve track", err)
	}
	defer resp.Body.Close()

	var item apiTrack
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return track.Descriptor{}, events.ResolutionError("decode track", err)
	}
	return apiTrackToDescriptor(item), nil
}

func (r *Resolver) fetchSearch(ctx context.Context, apiURL string) ([]track.Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, events.ResolutionError("build search request", err)
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return nil, events.ResolutionError("search tracks", err)
	}
	defer resp.Body.Close()

	var page struct {
		Collection []apiTrack `json:"collection"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, events.ResolutionError("decode search results", err)
	}

	descs := make([]track.Descriptor, 0, len(page.Collection))
	for _, item := range page.Collection {
		descs = append(descs, apiTrackToDescriptor(item))
	}
	return descs, nil
}

func apiTrackToDescriptor(item apiTrack) track.Descriptor {
	return track.Descriptor{
		Source:     track.SourceAudio,
		Identifier: fmt.Sprintf("%d", item.ID),
		URI:        item.PermalinkURL,
		Title:      item.Title,
		Author:     item.User.Username,
		LengthMS:   item.Duration,
		IsSeekable: true,
	}
}

func (r *Resolver) client() *http.Client {
	if r.HTTPClient == nil {
		return http.DefaultClient
	}
	return r.HTTPClient
}

// ensureClientID returns a cached client key if fresh, else re-scrapes.
func (r *Resolver) ensureClientID(ctx context.Context) (string, error) {
	if r.clientID != "" && time.Since(r.fetchedAt) < keyMaxAge {
		return r.clientID, nil
	}

	if id, fetchedAt, ok := r.readCache(); ok && time.Since(fetchedAt) < keyMaxAge {
		r.clientID = id
		r.fetchedAt = fetchedAt
		return id, nil
	}

	id, err := r.scrapeClientID(ctx)
	if err != nil {
		return "", err
	}
	r.clientID = id
	r.fetchedAt = time.Now()
	_ = r.writeCache(id)
	return id, nil
}

var scriptSrcPattern = regexp.MustCompile(`client_id=([A-Za-z0-9]+)`)

// scrapeClientID fetches the audio-share homepage, finds its bundled app
// scripts via goquery, and greps them from last to first, returning the
// client_id of the first one checked that embeds it.
func (r *Resolver) scrapeClientID(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://soundcloud.com", nil)
	if err != nil {
		return "", events.ResolutionError("build homepage request", err)
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return "", events.ResolutionError("fetch homepage", err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", events.ResolutionError("parse homepage", err)
	}

	var scripts []string
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok && strings.Contains(src, "sndcdn.com") {
			scripts = append(scripts, src)
		}
	})

	for i := len(scripts) - 1; i >= 0; i-- {
		id, err := r.scrapeClientIDFromScript(ctx, scripts[i])
		if err == nil && id != "" {
			return id, nil
		}
	}
	return "", events.ResolutionError("client_id not found in any app script", nil)
}

func (r *Resolver) scrapeClientIDFromScript(ctx context.Context, scriptURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scriptURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	m := scriptSrcPattern.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("no client_id in %s", scriptURL)
	}
	return string(m[1]), nil
}

func (r *Resolver) readCache() (id string, fetchedAt time.Time, ok bool) {
	info, err := os.Stat(r.CacheFile)
	if err != nil {
		return "", time.Time{}, false
	}
	data, err := os.ReadFile(r.CacheFile)
	if err != nil {
		return "", time.Time{}, false
	}
	return strings.TrimSpace(string(data)), info.ModTime(), true
}

// writeCache persists the client key atomically (temp file + rename) so a
// crash mid-write never leaves a truncated cache file behind.
func (r *Resolver) writeCache(id string) error {
	dir := filepath.Dir(r.CacheFile)
	tmp, err := os.CreateTemp(dir, ".soundcloud-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(id); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), r.CacheFile)
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
