// Package local resolves and opens local filesystem tracks, matched by the
// "absolute path → local" routing heuristic.
package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JAGUARAVI/Volcano/internal/events"
	"github.com/JAGUARAVI/Volcano/internal/track"
)

// Resolver opens tracks directly off the local filesystem.
type Resolver struct{}

// New builds a local Resolver.
func New() *Resolver { return &Resolver{} }

// Resolve stats the path and returns a single descriptor for it.
func (r *Resolver) Resolve(_ context.Context, identifier string) ([]track.Descriptor, error) {
	path := filepath.Clean(identifier)
	info, err := os.Stat(path)
	if err != nil {
		return nil, events.ResolutionError("local file not found", err)
	}
	if info.IsDir() {
		return nil, events.ResolutionError("identifier is a directory", nil)
	}

	return []track.Descriptor{{
		Source:     track.SourceLocal,
		Identifier: path,
		URI:        path,
		Title:      strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		IsSeekable: true,
	}}, nil
}

// Open opens the file for reading.
func (r *Resolver) Open(_ context.Context, desc track.Descriptor) (io.ReadCloser, error) {
	f, err := os.Open(desc.Identifier)
	if err != nil {
		return nil, events.ResolutionError("open local file", err)
	}
	return f, nil
}
