// Package dnsresolve resolves a node's own public gossip address at
// startup: the hostname a node is configured with may not be directly
// dialable, so the first A/AAAA record wins.
package dnsresolve

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mcastellin/taskmesh/internal/objcache"
)

// cacheTTL bounds how long a resolved hostname is reused before a fresh
// lookup is issued, so resolving the same hostname and port more than once
// (for example a seed that names this node's own hostname) reuses the
// earlier result.
const cacheTTL = 30 * time.Second

// cache memoizes "hostname:port" -> resolved "ip:port" lookups. A package-
// level cache is safe here: entries are keyed by the full lookup input and
// the cached value never depends on anything but DNS state.
var cache = objcache.New(256, cacheTTL)

// PublicAddr looks up hostname and returns its first resolved IP combined
// with port as "ip:port". No gossip or other server library in the
// retrieved corpus implements its own DNS client; the standard resolver is
// used directly rather than reusing a hand-rolled DNS *server* codec for an
// unrelated client-side lookup.
func PublicAddr(ctx context.Context, hostname, port string) (string, error) {
	key := net.JoinHostPort(hostname, port)

	v, err := cache.GetOrLoad(key, func(string) (any, error) {
		return lookup(ctx, hostname, port)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func lookup(ctx context.Context, hostname, port string) (string, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", hostname, err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("no addresses found for %s", hostname)
	}
	return net.JoinHostPort(ips[0].IP.String(), port), nil
}
