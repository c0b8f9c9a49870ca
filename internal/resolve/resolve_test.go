package resolve

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/JAGUARAVI/Volcano/internal/track"
)

type fakeResolver struct {
	source track.Source
	descs  []track.Descriptor
	err    error
}

func (f *fakeResolver) Resolve(context.Context, string) ([]track.Descriptor, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.descs, nil
}

func (f *fakeResolver) Open(context.Context, track.Descriptor) (io.ReadCloser, error) {
	return nil, errors.New("not implemented in test")
}

func descFor(source track.Source, id string) track.Descriptor {
	return track.Descriptor{Source: source, Identifier: id, Title: id}
}

func TestLoadRoutesLocalPath(t *testing.T) {
	local := &fakeResolver{descs: []track.Descriptor{descFor(track.SourceLocal, "/tmp/a.ogg")}}
	reg := New(Config{LocalEnabled: true}, nil, nil, local, nil)

	res := reg.Load(context.Background(), "/tmp/a.ogg")
	if res.LoadType != LoadTypeTrack {
		t.Fatalf("loadType = %s, want %s", res.LoadType, LoadTypeTrack)
	}
	if len(res.Tracks) != 1 {
		t.Fatalf("tracks = %d, want 1", len(res.Tracks))
	}
}

func TestLoadRoutesSoundcloudHost(t *testing.T) {
	audio := &fakeResolver{descs: []track.Descriptor{descFor(track.SourceAudio, "123")}}
	reg := New(Config{AudioEnabled: true}, nil, audio, nil, nil)

	res := reg.Load(context.Background(), "https://soundcloud.com/artist/track")
	if res.LoadType != LoadTypeTrack {
		t.Fatalf("loadType = %s, want %s", res.LoadType, LoadTypeTrack)
	}
}

func TestLoadRoutesVideoHost(t *testing.T) {
	video := &fakeResolver{descs: []track.Descriptor{descFor(track.SourceVideo, "abc")}}
	reg := New(Config{VideoEnabled: true}, video, nil, nil, nil)

	res := reg.Load(context.Background(), "https://www.youtube.com/watch?v=abc")
	if res.LoadType != LoadTypeTrack {
		t.Fatalf("loadType = %s, want %s", res.LoadType, LoadTypeTrack)
	}
}

func TestLoadRoutesOtherURLToHTTP(t *testing.T) {
	httpR := &fakeResolver{descs: []track.Descriptor{descFor(track.SourceHTTP, "https://cdn.example.com/a.mp3")}}
	reg := New(Config{HTTPEnabled: true}, nil, nil, nil, httpR)

	res := reg.Load(context.Background(), "https://cdn.example.com/a.mp3")
	if res.LoadType != LoadTypeTrack {
		t.Fatalf("loadType = %s, want %s", res.LoadType, LoadTypeTrack)
	}
}

func TestLoadSearchFallsBackToAudioWhenVideoSearchDisabled(t *testing.T) {
	audio := &fakeResolver{descs: []track.Descriptor{descFor(track.SourceAudio, "1")}}
	reg := New(Config{AudioEnabled: true, AudioSearchEnabled: true, VideoSearchEnabled: false}, nil, audio, nil, nil)

	res := reg.Load(context.Background(), "some query")
	if res.LoadType != LoadTypeSearch {
		t.Fatalf("loadType = %s, want %s", res.LoadType, LoadTypeSearch)
	}
}

func TestLoadMultipleResultsIsPlaylist(t *testing.T) {
	local := &fakeResolver{descs: []track.Descriptor{descFor(track.SourceLocal, "a"), descFor(track.SourceLocal, "b")}}
	reg := New(Config{LocalEnabled: true}, nil, nil, local, nil)

	res := reg.Load(context.Background(), "/tmp/playlist-dir")
	if res.LoadType != LoadTypePlaylist {
		t.Fatalf("loadType = %s, want %s", res.LoadType, LoadTypePlaylist)
	}
}

func TestLoadResolverErrorIsLoadFailed(t *testing.T) {
	local := &fakeResolver{err: errors.New("boom")}
	reg := New(Config{LocalEnabled: true}, nil, nil, local, nil)

	res := reg.Load(context.Background(), "/tmp/a.ogg")
	if res.LoadType != LoadTypeFailed {
		t.Fatalf("loadType = %s, want %s", res.LoadType, LoadTypeFailed)
	}
}

func TestLoadNoResultsIsNoMatches(t *testing.T) {
	local := &fakeResolver{descs: nil}
	reg := New(Config{LocalEnabled: true}, nil, nil, local, nil)

	res := reg.Load(context.Background(), "/tmp/a.ogg")
	if res.LoadType != LoadTypeNoMatch {
		t.Fatalf("loadType = %s, want %s", res.LoadType, LoadTypeNoMatch)
	}
}

func TestLoadDisabledSourceIsLoadFailed(t *testing.T) {
	reg := New(Config{}, nil, nil, nil, nil)
	res := reg.Load(context.Background(), "/tmp/a.ogg")
	if res.LoadType != LoadTypeFailed {
		t.Fatalf("loadType = %s, want %s", res.LoadType, LoadTypeFailed)
	}
}

func TestDecodeManySkipsInvalidBlobs(t *testing.T) {
	blob, err := track.Encode(descFor(track.SourceLocal, "x"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out := DecodeMany([]string{blob, "not-valid-base64!!"})
	if len(out) != 1 {
		t.Fatalf("got %d decoded tracks, want 1", len(out))
	}
}

func TestQueueResolversGatesDisabledSources(t *testing.T) {
	video := &fakeResolver{}
	reg := New(Config{VideoEnabled: false}, video, nil, nil, nil)

	qr := reg.QueueResolvers()
	if qr.Video != nil {
		t.Fatal("disabled video source should not be projected into queue.Resolvers")
	}
}
