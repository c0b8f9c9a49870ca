// Package httpsrc resolves and opens arbitrary direct HTTP(S) URLs, matched
// by the "other URL (non-video-platform) → http" routing heuristic.
package httpsrc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/JAGUARAVI/Volcano/internal/events"
	"github.com/JAGUARAVI/Volcano/internal/track"
)

// Resolver fetches a byte stream directly from an HTTP(S) URL, with no
// metadata beyond what the URL itself reveals.
type Resolver struct {
	HTTPClient *http.Client
}

// New builds an httpsrc Resolver.
func New() *Resolver {
	return &Resolver{HTTPClient: http.DefaultClient}
}

// Resolve returns a single descriptor carrying the URL verbatim; the server
// cannot know duration/seekability until the stream is opened.
func (r *Resolver) Resolve(_ context.Context, identifier string) ([]track.Descriptor, error) {
	u, err := url.Parse(identifier)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, events.ResolutionError("not a valid http(s) url", err)
	}

	title := path.Base(u.Path)
	if title == "." || title == "/" {
		title = u.Host
	}

	return []track.Descriptor{{
		Source:     track.SourceHTTP,
		Identifier: identifier,
		URI:        identifier,
		Title:      title,
		IsStream:   true,
	}}, nil
}

// Open issues a GET against desc.URI and returns its body.
func (r *Resolver) Open(ctx context.Context, desc track.Descriptor) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URI, nil)
	if err != nil {
		return nil, events.ResolutionError("build http request", err)
	}

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, events.ResolutionError("fetch http stream", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, events.ResolutionError(fmt.Sprintf("http status %d for %s", resp.StatusCode, desc.URI), nil)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		return resp.Body, nil
	}
	resp.Body.Close()
	return nil, events.ResolutionError("refusing to stream an html response", nil)
}
