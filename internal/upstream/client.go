package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/dnscache"
)

// newTransport returns a tuned transport with connection pooling and DNS
// caching. proxyURL == "" means direct.
func newTransport(resolver *dnscache.Resolver, proxyURL string) (*http.Transport, error) {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("outbound proxy %q: %w", proxyURL, err)
		}
		t.Proxy = http.ProxyURL(u)
	}
	if resolver != nil && proxyURL == "" {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t, nil
}

// clientCache holds one shared http.Client per outbound-proxy choice. Clients
// carry no overall timeout; streaming responses outlive any fixed budget and
// cancellation rides the request context.
type clientCache struct {
	mu       sync.Mutex
	resolver *dnscache.Resolver
	clients  map[string]*http.Client
}

func newClientCache() *clientCache {
	return &clientCache{
		resolver: &dnscache.Resolver{},
		clients:  make(map[string]*http.Client),
	}
}

func (c *clientCache) get(proxyURL string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[proxyURL]; ok {
		return cl, nil
	}
	t, err := newTransport(c.resolver, proxyURL)
	if err != nil {
		return nil, err
	}
	cl := &http.Client{Transport: t}
	c.clients[proxyURL] = cl
	return cl, nil
}
