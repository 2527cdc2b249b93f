// Package transport maintains reusable keep-alive HTTP clients for talking
// to other nodes and remote instances.
package transport

import (
	"crypto/tls"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferrydb/ferry/internal/logging"
)

// Pool defaults, used when Options leaves a field zero.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultIdleExpiry     = 5 * time.Minute
	DefaultSweepInterval  = time.Minute
	DefaultMaxIdlePerHost = 8
)

// Options configures a Pool.
type Options struct {
	RequestTimeout time.Duration
	IdleExpiry     time.Duration
	SweepInterval  time.Duration
	MaxIdlePerHost int
	TLS            *tls.Config
}

type pooledClient struct {
	client   *http.Client
	lastUsed atomic.Int64 // unix nanos
}

func (pc *pooledClient) touch() {
	pc.lastUsed.Store(time.Now().UnixNano())
}

// Pool manages one HTTP client per endpoint. Clients keep connections
// alive between calls; a background sweeper drops clients idle past the
// expiry so long-gone endpoints do not pin sockets forever.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*pooledClient
	logger  *logging.Logger

	requestTimeout time.Duration
	idleExpiry     time.Duration
	maxIdlePerHost int
	tlsConfig      *tls.Config

	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closed        bool
	closeMu       sync.Mutex
}

// NewPool creates a connection pool and starts its sweep loop.
func NewPool(logger *logging.Logger, opts Options) *Pool {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.IdleExpiry <= 0 {
		opts.IdleExpiry = DefaultIdleExpiry
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.MaxIdlePerHost <= 0 {
		opts.MaxIdlePerHost = DefaultMaxIdlePerHost
	}

	p := &Pool{
		clients:        make(map[string]*pooledClient),
		logger:         logger,
		requestTimeout: opts.RequestTimeout,
		idleExpiry:     opts.IdleExpiry,
		maxIdlePerHost: opts.MaxIdlePerHost,
		tlsConfig:      opts.TLS,
		sweepInterval:  opts.SweepInterval,
		stopCh:         make(chan struct{}),
	}

	p.wg.Add(1)
	go p.sweepLoop()

	return p
}

// Client returns the pooled HTTP client for an endpoint, creating it on
// first use. Endpoints are keyed by the exact base URL string callers pass.
func (p *Pool) Client(endpoint string) *http.Client {
	p.mu.RLock()
	pc, exists := p.clients[endpoint]
	p.mu.RUnlock()

	if exists {
		pc.touch()
		return pc.client
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring the write lock.
	if pc, exists := p.clients[endpoint]; exists {
		pc.touch()
		return pc.client
	}

	transport := &http.Transport{
		TLSClientConfig:     p.tlsConfig,
		MaxIdleConns:        p.maxIdlePerHost * 4,
		MaxIdleConnsPerHost: p.maxIdlePerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	pc = &pooledClient{
		client: &http.Client{
			Timeout:   p.requestTimeout,
			Transport: transport,
		},
	}
	pc.touch()
	p.clients[endpoint] = pc
	p.logger.Debug("Created new HTTP client", "endpoint", endpoint)

	return pc.client
}

// sweepLoop periodically drops clients idle past the expiry.
func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	cutoff := time.Now().Add(-p.idleExpiry).UnixNano()

	p.mu.Lock()
	defer p.mu.Unlock()

	for endpoint, pc := range p.clients {
		if pc.lastUsed.Load() >= cutoff {
			continue
		}
		pc.client.CloseIdleConnections()
		delete(p.clients, endpoint)
		p.logger.Debug("Dropped idle HTTP client", "endpoint", endpoint)
	}
}

// Count returns the number of pooled clients.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// LastUsed returns each pooled endpoint with its last-use time.
func (p *Pool) LastUsed() map[string]time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]time.Time, len(p.clients))
	for endpoint, pc := range p.clients {
		out[endpoint] = time.Unix(0, pc.lastUsed.Load())
	}
	return out
}

// RequestTimeout returns the per-request timeout pooled clients carry.
func (p *Pool) RequestTimeout() time.Duration {
	return p.requestTimeout
}

// Secure reports whether pooled clients dial with TLS. Callers building
// node URLs use it to pick the scheme.
func (p *Pool) Secure() bool {
	return p.tlsConfig != nil
}

// Close stops the sweeper and releases every pooled client. Safe to call
// more than once.
func (p *Pool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.closeMu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pc := range p.clients {
		pc.client.CloseIdleConnections()
	}
	p.clients = make(map[string]*pooledClient)
	p.logger.Info("Closed all HTTP clients")
}
