// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package handler

import (
	"context"
	"sync"

	"github.com/creachadair/capmesh"
	"github.com/creachadair/capmesh/envelope"
)

// A Proxy is a [capmesh.Proxy] that caches the properties of a remote
// capability and forwards invocations to it. Each event from the remote
// capability updates the property named by its aspect.
type Proxy struct {
	conn capmesh.ProxyConn

	μ     sync.Mutex
	props *envelope.Map
	subs  map[int]func(string, envelope.Value)
	next  int

	calls   map[string]*pendingCall // invocation ID → caller
	issuing int                     // calls between Invoke and recording their ID
}

var _ capmesh.Proxy = (*Proxy)(nil)

type result struct {
	v   envelope.Value
	err error
}

type pendingCall struct {
	ready     chan result // buffered
	claimed   bool        // a caller has recorded the ID
	abandoned bool        // the caller stopped waiting
}

// NewProxy constructs a new Proxy that issues invocations via conn.
func NewProxy(conn capmesh.ProxyConn) *Proxy {
	return &Proxy{
		conn:  conn,
		props: envelope.NewMap(),
		subs:  make(map[int]func(string, envelope.Value)),
		calls: make(map[string]*pendingCall),
	}
}

// Conn returns the connection used by p.
func (p *Proxy) Conn() capmesh.ProxyConn { return p.conn }

// Get returns the cached value of the named property, and reports whether
// it is known.
func (p *Proxy) Get(name string) (envelope.Value, bool) {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.props.Get(name)
}

// Properties returns a copy of the cached properties.
func (p *Proxy) Properties() *envelope.Map {
	p.μ.Lock()
	defer p.μ.Unlock()
	out := envelope.NewMap()
	for k, v := range p.props.All() {
		out.Set(k, v)
	}
	return out
}

// Subscribe registers f to be called with each event applied to p, and
// returns a function that cancels the subscription. The callback runs on the
// engine's dispatch loop and must not block.
func (p *Proxy) Subscribe(f func(aspect string, args envelope.Value)) (cancel func()) {
	p.μ.Lock()
	defer p.μ.Unlock()
	id := p.next
	p.next++
	p.subs[id] = f
	return func() {
		p.μ.Lock()
		defer p.μ.Unlock()
		delete(p.subs, id)
	}
}

// HandleEvent implements a method of the [capmesh.Proxy] interface.
func (p *Proxy) HandleEvent(aspect string, args envelope.Value) {
	p.μ.Lock()
	p.props.Set(aspect, args)
	subs := make([]func(string, envelope.Value), 0, len(p.subs))
	for _, f := range p.subs {
		subs = append(subs, f)
	}
	p.μ.Unlock()
	for _, f := range subs {
		f(aspect, args)
	}
}

// HandleResponse implements a method of the [capmesh.Proxy] interface.
func (p *Proxy) HandleResponse(id string, v envelope.Value) { p.complete(id, result{v: v}) }

// HandleError implements a method of the [capmesh.Proxy] interface.
func (p *Proxy) HandleError(id string, err error) { p.complete(id, result{err: err}) }

// complete delivers the outcome of invocation id to its caller. An outcome
// that arrives while no call is being issued belongs to an invocation not
// made by Call, and is ignored.
func (p *Proxy) complete(id string, r result) {
	p.μ.Lock()
	defer p.μ.Unlock()
	pc, ok := p.calls[id]
	if ok && pc.abandoned {
		delete(p.calls, id)
		return
	} else if !ok {
		if p.issuing == 0 {
			return
		}
		// The outcome arrived before the caller recorded the ID.
		pc = &pendingCall{ready: make(chan result, 1)}
		p.calls[id] = pc
	}
	select {
	case pc.ready <- r:
	default:
		// duplicate outcome
	}
}

// Call invokes aspect on the remote capability with args, and blocks until
// it concludes or ctx ends. If the proxy is unbound or purged while the call
// is pending, Call reports an error matching [capmesh.ErrRecipientGone].
// Call must not be called from the dispatch loop.
func (p *Proxy) Call(ctx context.Context, aspect string, args envelope.Value) (envelope.Value, error) {
	p.μ.Lock()
	p.issuing++
	p.μ.Unlock()

	id := p.conn.Invoke(aspect, args)
	pc := p.claim(id)
	select {
	case r := <-pc.ready:
		p.μ.Lock()
		delete(p.calls, id)
		p.μ.Unlock()
		return r.v, r.err
	case <-ctx.Done():
		p.μ.Lock()
		defer p.μ.Unlock()
		select {
		case <-pc.ready:
			delete(p.calls, id)
		default:
			pc.abandoned = true
		}
		return envelope.Null, ctx.Err()
	}
}

// claim records that a caller is waiting for id. When no other call is being
// issued, unclaimed outcomes are discarded, since no caller can claim them.
func (p *Proxy) claim(id string) *pendingCall {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.issuing--
	pc, ok := p.calls[id]
	if !ok {
		pc = &pendingCall{ready: make(chan result, 1)}
		p.calls[id] = pc
	}
	pc.claimed = true
	if p.issuing == 0 {
		for k, c := range p.calls {
			if !c.claimed {
				delete(p.calls, k)
			}
		}
	}
	return pc
}
