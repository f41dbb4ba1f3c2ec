package sourceprobe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewAppliesDefaultTimeout(t *testing.T) {
	p := New()
	if p.httpClient.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", p.httpClient.Timeout, DefaultTimeout)
	}
}

func TestNewWithTimeoutOption(t *testing.T) {
	p := New(WithTimeout(2 * time.Second))
	if p.httpClient.Timeout != 2*time.Second {
		t.Errorf("Timeout = %v, want 2s", p.httpClient.Timeout)
	}
}

func TestProbeReachableSetsStatusAndContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := New()
	res := p.Probe(context.Background(), server.URL)
	if !res.Reachable {
		t.Fatalf("Reachable = false, want true; Error = %q", res.Error)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if res.ContentType != "audio/mpeg" {
		t.Errorf("ContentType = %q, want %q", res.ContentType, "audio/mpeg")
	}
}

func TestProbeReachableEvenOnNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	p := New()
	res := p.Probe(context.Background(), server.URL)
	if !res.Reachable {
		t.Error("Reachable = false, want true (server responded, just with 404)")
	}
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestProbeUnreachableConnectionRefused(t *testing.T) {
	p := New(WithTimeout(200 * time.Millisecond))
	res := p.Probe(context.Background(), "http://127.0.0.1:1/nope")
	if res.Reachable {
		t.Error("Reachable = true, want false for a connection that cannot be made")
	}
	if res.Error == "" {
		t.Error("Error = \"\", want a transport error message")
	}
}

func TestProbeInvalidURI(t *testing.T) {
	p := New()
	res := p.Probe(context.Background(), "http://[::1]:namedport/")
	if res.Reachable {
		t.Error("Reachable = true, want false for a malformed request")
	}
}

func TestProbeHonorsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	p := New()
	res := p.Probe(ctx, server.URL)
	if res.Reachable {
		t.Error("Reachable = true, want false when context deadline is exceeded before response")
	}
}

func TestLooksLikeAudio(t *testing.T) {
	cases := map[string]bool{
		"":                         true,
		"audio/mpeg":               true,
		"audio/aac":                true,
		"application/ogg":          true,
		"video/mp2t":               true,
		"text/html":                false,
		"application/json":         false,
		"AUDIO/MPEG;codecs=\"mp3\"": true,
	}
	for ct, want := range cases {
		if got := LooksLikeAudio(ct); got != want {
			t.Errorf("LooksLikeAudio(%q) = %v, want %v", ct, got, want)
		}
	}
}
