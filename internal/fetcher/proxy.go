package fetcher

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// RotatingProxyPolicy hands out proxies round-robin and evicts a proxy after a network failure.
type RotatingProxyPolicy struct {
	mu      sync.Mutex
	proxies []*url.URL
	next    int
	logger  *zap.Logger
}

// NewRotatingProxyPolicy parses the raw proxy list. Blank entries are ignored.
func NewRotatingProxyPolicy(raw []string, logger *zap.Logger) (*RotatingProxyPolicy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := &RotatingProxyPolicy{logger: logger}
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "://") {
			entry = "http://" + entry
		}
		u, err := url.Parse(entry)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy %q", entry)
		}
		policy.proxies = append(policy.proxies, u)
	}
	return policy, nil
}

// Next returns the next live proxy, or false when none remain.
func (p *RotatingProxyPolicy) Next() (*url.URL, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.proxies) == 0 {
		return nil, false
	}
	if p.next >= len(p.proxies) {
		p.next = 0
	}
	proxy := p.proxies[p.next]
	p.next++
	return proxy, true
}

// Report evicts proxies that failed at the network level. HTTP status errors keep the proxy.
func (p *RotatingProxyPolicy) Report(proxy *url.URL, err error) {
	if proxy == nil || err == nil {
		return
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return
	}
	var netErr net.Error
	if !errors.As(err, &netErr) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, candidate := range p.proxies {
		if candidate.String() == proxy.String() {
			p.proxies = append(p.proxies[:i], p.proxies[i+1:]...)
			if p.next > i {
				p.next--
			}
			p.logger.Warn("proxy evicted", zap.String("proxy", proxy.Redacted()), zap.Error(err))
			return
		}
	}
}

// Len returns the number of live proxies.
func (p *RotatingProxyPolicy) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}
