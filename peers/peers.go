// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing engines.
package peers

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/capmesh"
	"github.com/creachadair/capmesh/channel"
	"github.com/creachadair/taskgroup"
)

// Default addresses of the engines of a [Local] pair.
var (
	AddrA = capmesh.Address{Peer: "A", Service: "local"}
	AddrB = capmesh.Address{Peer: "B", Service: "local"}
)

// Local is a pair of running engines joined by an in-memory mesh, for use in
// tests. Each engine uses the mesh as its roster.
type Local struct {
	A, B         *capmesh.Engine
	AddrA, AddrB capmesh.Address
	Mesh         *channel.Mesh
}

// NewLocal starts a [Local] pair at [AddrA] and [AddrB].
func NewLocal() *Local { return NewPair(AddrA, AddrB) }

// NewPair starts a [Local] pair of engines at the given addresses, which
// must be distinct.
func NewPair(a, b capmesh.Address) *Local {
	m := channel.NewMesh()
	start := func(addr capmesh.Address) *capmesh.Engine {
		return capmesh.NewEngine().UseRoster(m).Start(m.Endpoint(addr))
	}
	return &Local{A: start(a), B: start(b), AddrA: a, AddrB: b, Mesh: m}
}

// Stop stops both engines and waits for them to exit. It reports the errors
// of both, if any.
func (p *Local) Stop() error { return errors.Join(p.A.Stop(), p.B.Stop()) }

// An Accepter yields a transport for each new engine.
type Accepter interface {
	Accept(context.Context) (capmesh.Transport, error)
}

// Loop runs an engine from newEngine on each transport accepted from acc,
// until acc is closed or ctx ends. Ending ctx also stops the engines that
// are still running. Loop does not return until all its engines have exited.
func Loop(ctx context.Context, acc Accepter, newEngine func() *capmesh.Engine) error {
	g := taskgroup.New(nil)
	defer g.Wait()
	for {
		tr, err := acc.Accept(ctx)
		if errors.Is(err, net.ErrClosed) {
			return nil
		} else if err != nil {
			return err
		}
		e := newEngine().Start(tr)
		g.Go(func() error {
			stop := context.AfterFunc(ctx, func() { e.Stop() })
			defer stop()
			return e.Wait()
		})
	}
}

// NetAccepter returns an [Accepter] for connections from lst. Frames on each
// connection are addressed to or from the local service at addr.
func NetAccepter(lst net.Listener, addr capmesh.Address) Accepter {
	return netAccepter{lst: lst, addr: addr}
}

type netAccepter struct {
	lst  net.Listener
	addr capmesh.Address
}

// Accept waits for the next connection. The listener is closed if ctx ends
// first, since Accept on a listener cannot be interrupted otherwise.
func (n netAccepter) Accept(ctx context.Context) (capmesh.Transport, error) {
	stop := context.AfterFunc(ctx, func() { n.lst.Close() })
	defer stop()

	conn, err := n.lst.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(n.addr, conn, conn), nil
}
