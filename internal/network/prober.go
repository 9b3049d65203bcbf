package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProber checks reachability by requesting a health URL.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{URL: url, Client: &http.Client{Timeout: timeout}}
}

// Probe reports disconnected when the request cannot be made at all,
// connected but unreachable on a 5xx, and reachable otherwise. A cancelled
// ctx is returned as an error so the monitor keeps its last status.
func (p *HTTPProber) Probe(ctx context.Context) (Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return Event{}, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Event{Connected: true, Reachable: ReachabilityUnreachable, TransportType: "http"}, nil
		}
		return Event{Connected: false, Reachable: ReachabilityUnreachable, TransportType: "http"}, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return Event{Connected: true, Reachable: ReachabilityUnreachable, TransportType: "http"}, nil
	}
	return Event{Connected: true, Reachable: ReachabilityReachable, TransportType: "http"}, nil
}
