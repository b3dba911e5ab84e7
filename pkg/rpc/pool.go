package rpc

import (
	"net/http"
	"sync"
	"time"

	"podtable/pkg/query"
	"podtable/pkg/table"
)

// Pool hands out one HTTPRemote per target node, sharing a single
// http.Client between them.
type Pool struct {
	catalog *table.Catalog
	client  *http.Client

	mu      sync.Mutex
	remotes map[string]*HTTPRemote
}

func NewPool(catalog *table.Catalog, timeout time.Duration) *Pool {
	return &Pool{
		catalog: catalog,
		client:  &http.Client{Timeout: timeout},
		remotes: make(map[string]*HTTPRemote),
	}
}

// Remote returns the client of target, a host:port server address.
func (p *Pool) Remote(target string) *HTTPRemote {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.remotes[target]
	if !ok {
		r = NewHTTPRemote("http://"+target, p.catalog, p.client)
		p.remotes[target] = r
	}
	return r
}

// ClientFactory adapts the pool to table.Router.
func (p *Pool) ClientFactory() table.ClientFactory {
	return func(target string) (table.Remote, error) {
		return p.Remote(target), nil
	}
}

// Dialer adapts the pool to query.Gatherer.
func (p *Pool) Dialer() func(string) (query.RemoteScanner, error) {
	return func(target string) (query.RemoteScanner, error) {
		return p.Remote(target), nil
	}
}
