package httpsrc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveRejectsNonURL(t *testing.T) {
	r := New()
	if _, err := r.Resolve(context.Background(), "not a url"); err == nil {
		t.Fatal("expected an error for a non-URL identifier")
	}
}

func TestResolveAcceptsDirectURL(t *testing.T) {
	r := New()
	descs, err := r.Resolve(context.Background(), "https://example.com/audio/track.mp3")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(descs) != 1 || descs[0].Title != "track.mp3" {
		t.Fatalf("unexpected descriptors: %+v", descs)
	}
}

func TestOpenStreamsNonHTMLBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("fake-mp3-bytes"))
	}))
	defer srv.Close()

	r := New()
	descs, err := r.Resolve(context.Background(), srv.URL+"/x.mp3")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	rc, err := r.Open(context.Background(), descs[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
}

func TestOpenRejectsHTMLBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	r := New()
	descs, err := r.Resolve(context.Background(), srv.URL+"/x")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, err := r.Open(context.Background(), descs[0]); err == nil {
		t.Fatal("expected an error opening an html response")
	}
}

func TestOpenPropagatesHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := New()
	descs, err := r.Resolve(context.Background(), srv.URL+"/missing.mp3")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, err := r.Open(context.Background(), descs[0]); err == nil {
		t.Fatal("expected an error for a 404 response")
	}
}
