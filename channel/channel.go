// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the capmesh.Transport
// interface.
package channel

import (
	"bufio"
	"context"
	"io"
	"net"
	"slices"
	"sync"

	"github.com/creachadair/capmesh"
	"github.com/creachadair/capmesh/packet"
	"github.com/creachadair/mds/mapset"
)

// A Mesh is an in-memory network of service endpoints. It also serves as a
// presence roster: peers advertise capabilities with Advertise, and the Mesh
// reports them via KnownCapabilities.
type Mesh struct {
	μ         sync.Mutex
	endpoints map[capmesh.Address]*Endpoint
	caps      map[string]mapset.Set[string] // peer → advertised capabilities
}

var _ capmesh.Roster = (*Mesh)(nil)

// NewMesh constructs a new empty mesh.
func NewMesh() *Mesh {
	return &Mesh{
		endpoints: make(map[capmesh.Address]*Endpoint),
		caps:      make(map[string]mapset.Set[string]),
	}
}

// Endpoint attaches a new endpoint to m at the specified address. If an
// endpoint is already attached at addr, it is closed and replaced.
func (m *Mesh) Endpoint(addr capmesh.Address) *Endpoint {
	ep := &Endpoint{
		mesh:   m,
		addr:   addr,
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	m.μ.Lock()
	old := m.endpoints[addr]
	m.endpoints[addr] = ep
	m.μ.Unlock()
	if old != nil {
		old.close()
	}
	return ep
}

// Advertise records that peer provides the given capabilities, and returns m
// to permit chaining.
func (m *Mesh) Advertise(peer string, caps ...string) *Mesh {
	m.μ.Lock()
	defer m.μ.Unlock()
	s, ok := m.caps[peer]
	if !ok {
		s = mapset.New[string]()
		m.caps[peer] = s
	}
	s.Add(caps...)
	return m
}

// Withdraw removes the given capabilities from the advertisement of peer. If
// no capabilities are given, all of them are removed.
func (m *Mesh) Withdraw(peer string, caps ...string) {
	m.μ.Lock()
	defer m.μ.Unlock()
	s, ok := m.caps[peer]
	if !ok {
		return
	}
	if len(caps) == 0 {
		delete(m.caps, peer)
		return
	}
	s.Remove(caps...)
	if s.IsEmpty() {
		delete(m.caps, peer)
	}
}

// KnownCapabilities implements the [capmesh.Roster] interface. The
// capabilities are returned in sorted order.
func (m *Mesh) KnownCapabilities(_ context.Context, peer string) ([]string, error) {
	m.μ.Lock()
	defer m.μ.Unlock()
	out := m.caps[peer].Slice()
	slices.Sort(out)
	return out, nil
}

func (m *Mesh) lookup(addr capmesh.Address) *Endpoint {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.endpoints[addr]
}

func (m *Mesh) detach(ep *Endpoint) {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.endpoints[ep.addr] == ep {
		delete(m.endpoints, ep.addr)
	}
}

// An Endpoint is a service attached to a [Mesh]. It implements the
// [capmesh.Transport] interface. Messages sent to an endpoint are queued
// without bound until received.
type Endpoint struct {
	mesh *Mesh
	addr capmesh.Address

	μ      sync.Mutex
	inbox  []*capmesh.Message
	ready  chan struct{} // signaled when inbox becomes non-empty
	closed chan struct{}
	once   sync.Once
}

// Addr returns the address of the endpoint.
func (ep *Endpoint) Addr() capmesh.Address { return ep.addr }

func (ep *Endpoint) isClosed() bool {
	select {
	case <-ep.closed:
		return true
	default:
		return false
	}
}

// Send implements a method of the [capmesh.Transport] interface. A message
// to an address with no endpoint is silently discarded.
func (ep *Endpoint) Send(to capmesh.Address, text []byte) error {
	if ep.isClosed() {
		return net.ErrClosed
	}
	if dst := ep.mesh.lookup(to); dst != nil {
		dst.deliver(&capmesh.Message{From: ep.addr, Text: slices.Clone(text)})
	}
	return nil
}

func (ep *Endpoint) deliver(msg *capmesh.Message) {
	ep.μ.Lock()
	defer ep.μ.Unlock()
	if ep.isClosed() {
		return
	}
	ep.inbox = append(ep.inbox, msg)
	select {
	case ep.ready <- struct{}{}:
	default:
	}
}

// Recv implements a method of the [capmesh.Transport] interface.
func (ep *Endpoint) Recv() (*capmesh.Message, error) {
	for {
		if ep.isClosed() {
			return nil, net.ErrClosed
		}
		ep.μ.Lock()
		if len(ep.inbox) != 0 {
			msg := ep.inbox[0]
			ep.inbox = ep.inbox[1:]
			ep.μ.Unlock()
			return msg, nil
		}
		ep.μ.Unlock()

		select {
		case <-ep.ready:
		case <-ep.closed:
		}
	}
}

// Close implements a method of the [capmesh.Transport] interface. It detaches
// the endpoint from its mesh.
func (ep *Endpoint) Close() error {
	if ep.isClosed() {
		return net.ErrClosed
	}
	ep.close()
	return nil
}

func (ep *Endpoint) close() {
	ep.once.Do(func() {
		ep.μ.Lock()
		close(ep.closed)
		ep.inbox = nil
		ep.μ.Unlock()
		ep.mesh.detach(ep)
	})
}

// IO constructs a transport for the local service at addr that receives
// frames from r and sends frames to wc.
func IO(local capmesh.Address, r io.Reader, wc io.WriteCloser) *IOTransport {
	// N.B. The bufio package will reuse existing buffers if possible.
	return &IOTransport{local: local, r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOTransport sends and receives [packet.Frame] values on a reader and a
// writer. Frames addressed to a service other than the local one are
// discarded.
type IOTransport struct {
	local capmesh.Address
	r     *bufio.Reader

	μ sync.Mutex // protects w
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [capmesh.Transport] interface.
func (t *IOTransport) Send(to capmesh.Address, text []byte) error {
	t.μ.Lock()
	defer t.μ.Unlock()
	if _, err := (packet.Frame{From: t.local, To: to, Text: text}).WriteTo(t.w); err != nil {
		return err
	}
	return t.w.Flush()
}

// Recv implements a method of the [capmesh.Transport] interface.
func (t *IOTransport) Recv() (*capmesh.Message, error) {
	for {
		var f packet.Frame
		if _, err := f.ReadFrom(t.r); err != nil {
			return nil, err
		}
		if f.To == t.local || f.To == (capmesh.Address{}) {
			return &capmesh.Message{From: f.From, Text: f.Text}, nil
		}
	}
}

// Close implements a method of the [capmesh.Transport] interface.
func (t *IOTransport) Close() error { return t.c.Close() }
