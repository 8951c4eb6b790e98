package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/clipvault/internal/metrics"
)

// allowAllRobots is served in place of a robots.txt that stayed unreachable.
const allowAllRobots = "User-agent: *\nAllow: /"

// defaultRobotsBackoff spaces the retries of a robots.txt request.
var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsTransport retries robots.txt requests that time out and, once the
// retries are spent, answers with an allow-all file so the page itself is
// still fetched. Every other request passes straight through.
type robotsTransport struct {
	next    http.RoundTripper
	backoff []time.Duration
	// assumed is set once a synthetic allow-all answer was served.
	assumed atomic.Bool
	cause   atomic.Value
}

func newRobotsTransport(next http.RoundTripper) *robotsTransport {
	return &robotsTransport{next: next, backoff: defaultRobotsBackoff}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.next.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("robots transport: %w", err)
		}
		return resp, nil
	}

	for attempt := 0; ; attempt++ {
		resp, err := t.next.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		cause := timeoutCause(err)
		if cause == "" {
			return nil, fmt.Errorf("robots.txt %s: %w", req.URL.Host, err)
		}
		if attempt >= len(t.backoff) {
			t.assume(req.URL.Host, cause)
			return allowAllResponse(req), nil
		}
		if err := pause(req.Context(), t.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots.txt %s: %w", req.URL.Host, err)
		}
	}
}

func (t *robotsTransport) assume(host, cause string) {
	t.cause.Store(cause)
	t.assumed.Store(true)
	metrics.ObserveRobotsFallback(host, cause)
}

// fallback reports whether robots.txt was assumed allow-all and why.
func (t *robotsTransport) fallback() (bool, string) {
	if !t.assumed.Load() {
		return false, ""
	}
	cause, _ := t.cause.Load().(string)
	return true, cause
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}

func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// timeoutCause names the kind of timeout err is, or "" when err is not one
// worth retrying.
func timeoutCause(err error) string {
	var netErr net.Error
	switch {
	case err == nil:
		return ""
	case strings.Contains(err.Error(), "tls: handshake timeout"),
		strings.Contains(err.Error(), "TLS handshake timeout"):
		return "tls_handshake_timeout"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "network_timeout"
	default:
		return ""
	}
}
