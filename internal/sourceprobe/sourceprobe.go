// SPDX-License-Identifier: MIT

// Package sourceprobe performs an optional pre-flight reachability
// check against an HTTP audio source before the manager spawns a
// decoder subprocess for it, so a misconfigured URI shows up as a
// clear "unreachable" diagnostic instead of a decoder spawn-loop.
package sourceprobe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds how long a single probe request may take.
const DefaultTimeout = 5 * time.Second

// Prober checks whether an HTTP audio source is reachable and
// plausibly serving an audio stream.
type Prober struct {
	httpClient *http.Client
}

// Option configures a Prober.
type Option func(*Prober)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(p *Prober) {
		p.httpClient.Timeout = timeout
	}
}

// WithHTTPClient installs a custom *http.Client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Prober) {
		p.httpClient = client
	}
}

// New constructs a Prober with DefaultTimeout unless overridden.
func New(opts ...Option) *Prober {
	p := &Prober{
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result is the outcome of probing one source URI.
type Result struct {
	Reachable   bool
	StatusCode  int
	ContentType string
	Error       string
}

// Probe issues a GET against uri and reports whether it is reachable.
// The body is never fully read — only enough of the response line and
// headers to classify it — since the goal is reachability, not
// decoding. A non-2xx status or a non-"audio/"-ish content type is
// still reported as Reachable (the server responded) but flagged via
// StatusCode/ContentType so the caller can log a warning without
// treating it as a hard failure; only a transport-level error (DNS,
// connection refused, timeout) sets Reachable to false.
func (p *Prober) Probe(ctx context.Context, uri string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return Result{Error: fmt.Sprintf("sourceprobe: invalid request: %v", err)}
	}
	req.Header.Set("Icy-MetaData", "0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Result{Error: fmt.Sprintf("sourceprobe: %v", err)}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return Result{
		Reachable:   true,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}
}

// LooksLikeAudio reports whether a probed content type plausibly
// describes an audio stream (audio/*, or the common
// application/ogg and video/mp2t container types used by some
// encoders for audio-only streams).
func LooksLikeAudio(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "" {
		return true // unset is common for raw icecast relays; not a red flag on its own
	}
	if strings.HasPrefix(ct, "audio/") {
		return true
	}
	switch {
	case strings.HasPrefix(ct, "application/ogg"):
		return true
	case strings.HasPrefix(ct, "video/mp2t"):
		return true
	}
	return false
}
