package collect

import (
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/kuremedy/kuremedy/pkg/tlsutil"
)

// errUpstreamStatus marks 5xx responses as breaker failures while still
// handing the response back to the caller.
var errUpstreamStatus = errors.New("collect: upstream server error")

// BreakerTransport wraps a RoundTripper with a circuit breaker so a dead
// query backend sheds load quickly instead of burning the collection
// deadline on every incident.
type BreakerTransport struct {
	base http.RoundTripper
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerTransport returns a transport for the named backend. A nil base
// uses the shared DNS-cached transport.
func NewBreakerTransport(name string, base http.RoundTripper) *BreakerTransport {
	if base == nil {
		base = backendTransport()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("backend", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Backend circuit state changed")
		},
	})
	return &BreakerTransport{base: base, cb: cb}
}

func (t *BreakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	result, err := t.cb.Execute(func() (interface{}, error) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, errUpstreamStatus
		}
		return resp, nil
	})
	if errors.Is(err, errUpstreamStatus) {
		return result.(*http.Response), nil
	}
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

// State exposes the breaker state for health reporting.
func (t *BreakerTransport) State() gobreaker.State {
	return t.cb.State()
}

func backendTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         tlsutil.DialContextWithCache,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
}

// NewBackendClient returns the HTTP client collectors use to reach Loki and
// Prometheus.
func NewBackendClient(name string, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: NewBreakerTransport(name, nil),
	}
}
