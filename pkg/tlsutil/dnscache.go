package tlsutil

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const resolverRefreshInterval = 5 * time.Minute

var (
	sharedResolver *dnscache.Resolver
	resolverOnce   sync.Once
)

// Resolver returns the process-wide caching DNS resolver. The Loki and
// Prometheus backends issue frequent queries against the same few hosts, so
// cached lookups cut DNS traffic without risking long-stale entries.
func Resolver() *dnscache.Resolver {
	resolverOnce.Do(func() {
		sharedResolver = &dnscache.Resolver{}

		go func() {
			ticker := time.NewTicker(resolverRefreshInterval)
			defer ticker.Stop()

			for range ticker.C {
				sharedResolver.Refresh(true)
				log.Debug().Msg("DNS cache refreshed")
			}
		}()
	})
	return sharedResolver
}

// DialContextWithCache resolves through the shared cache and dials the first
// returned address. It satisfies http.Transport.DialContext.
func DialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := Resolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{
			Err:  "no IP addresses found",
			Name: host,
		}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}
