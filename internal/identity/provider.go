package identity

import (
	"sync"
	"time"
)

// Provider hands out the two process-wide clients: one privileged, one anon.
// Each is built lazily exactly once and reused for the lifetime of the
// process instead of being re-instantiated per request.
type Provider struct {
	baseURL    string
	serviceKey string
	anonKey    string
	timeout    time.Duration

	privOnce sync.Once
	priv     *Client
	privErr  error

	anonOnce sync.Once
	anon     *Client
	anonErr  error
}

// NewProvider records connection material without dialing anything.
func NewProvider(baseURL, serviceKey, anonKey string, timeout time.Duration) *Provider {
	return &Provider{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		anonKey:    anonKey,
		timeout:    timeout,
	}
}

// Privileged returns the shared service-key client.
func (p *Provider) Privileged() (*Client, error) {
	p.privOnce.Do(func() {
		p.priv, p.privErr = NewClient(p.baseURL, p.serviceKey, KindPrivileged, p.timeout)
	})
	return p.priv, p.privErr
}

// Anon returns the shared anon-key client used for token resolution.
func (p *Provider) Anon() (*Client, error) {
	p.anonOnce.Do(func() {
		p.anon, p.anonErr = NewClient(p.baseURL, p.anonKey, KindAnon, p.timeout)
	})
	return p.anon, p.anonErr
}
