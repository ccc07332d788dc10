package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maxpert/shardkeeper/protocol"
	"github.com/maxpert/shardkeeper/transport"
)

// Pool spreads operations over several routers round-robin.
type Pool struct {
	clients []*transport.RouterClient
	hosts   []string
	counter uint64
}

// NewPool dials every router and checks it answers a count on ns.
func NewPool(ctx context.Context, hosts []string, ns, secret string) (*Pool, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no hosts provided")
	}

	opts := transport.ClientOptions{
		Secret:      secret,
		Compression: "zstd",
		Timeout:     30 * time.Second,
	}
	p := &Pool{
		clients: make([]*transport.RouterClient, len(hosts)),
		hosts:   hosts,
	}
	for i, host := range hosts {
		p.clients[i] = transport.NewRouterClient(host, opts)
		if _, err := p.clients[i].Execute(ctx, protocol.Op{Kind: protocol.OpCount, NS: ns}, nil); err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to reach %s: %w", host, err)
		}
	}
	return p, nil
}

// Get returns the next router.
func (p *Pool) Get() *transport.RouterClient {
	idx := atomic.AddUint64(&p.counter, 1) % uint64(len(p.clients))
	return p.clients[idx]
}

func (p *Pool) GetByIndex(i int) *transport.RouterClient { return p.clients[i] }

func (p *Pool) Hosts() []string { return p.hosts }

func (p *Pool) Size() int { return len(p.clients) }

// Count returns the number of documents in ns as seen by the first router.
func (p *Pool) Count(ctx context.Context, ns string) (int64, error) {
	res, err := p.clients[0].Execute(ctx, protocol.Op{Kind: protocol.OpCount, NS: ns}, nil)
	if err != nil {
		return 0, err
	}
	return res.N, nil
}

func (p *Pool) Close() {
	for _, c := range p.clients {
		if c != nil {
			c.Close()
		}
	}
}
