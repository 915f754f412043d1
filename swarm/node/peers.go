package node

import (
	"context"
	"flock/datamodel/unit"
	"flock/oid"
	"flock/swarm/client"
	"flock/swarm/protocol"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

// peerPool caches one RPC connection per peer address.
type peerPool struct {
	dialTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*client.Client
	sg    singleflight.Group
}

func newPeerPool(dialTimeout time.Duration) *peerPool {
	return &peerPool{
		dialTimeout: dialTimeout,
		conns:       make(map[string]*client.Client),
	}
}

func (p *peerPool) get(ctx context.Context, addr string) (*client.Client, error) {
	p.mu.Lock()
	c := p.conns[addr]
	p.mu.Unlock()
	if c != nil && !c.IsShutdown() {
		return c, nil
	}

	// Concurrent callers share one dial per address
	ch := p.sg.DoChan(addr, func() (any, error) {
		dctx, cancel := context.WithTimeout(context.Background(), p.dialTimeout)
		defer cancel()

		c, err := client.Dial(dctx, addr)
		if err != nil {
			return nil, err
		}
		log.Debugf("Connected to peer %s", addr)

		p.mu.Lock()
		old := p.conns[addr]
		p.conns[addr] = c
		p.mu.Unlock()
		if old != nil {
			old.Close()
		}
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*client.Client), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drop forgets a broken connection so the next use dials again.
func (p *peerPool) drop(addr string, c *client.Client) {
	p.mu.Lock()
	if p.conns[addr] == c {
		delete(p.conns, addr)
	}
	p.mu.Unlock()
	c.Close()
}

func (p *peerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, c := range p.conns {
		c.Close()
		delete(p.conns, addr)
	}
}

// transport carries Propose messages for the consensus engine. The local unit answers in process.
type transport struct {
	self   oid.Oid
	answer func(*protocol.ProposeMessage) *protocol.AckMessage
	pool   *peerPool
}

func (t *transport) Propose(ctx context.Context, to unit.Unit, msg *protocol.ProposeMessage) (*protocol.AckMessage, error) {
	if to.ID == t.self {
		return t.answer(msg), nil
	}

	c, err := t.pool.get(ctx, to.Address)
	if err != nil {
		return nil, err
	}

	ack, err := c.Propose(ctx, msg)
	if err != nil && !client.IsRemote(err) && ctx.Err() == nil {
		t.pool.drop(to.Address, c)
	}
	return ack, err
}
