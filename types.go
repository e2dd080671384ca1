// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package capmesh

import (
	"context"
	"fmt"
	"slices"

	"github.com/creachadair/capmesh/envelope"
)

// An Address names a service endpoint on a peer of the mesh.
type Address struct {
	Peer    string // the peer identifier
	Service string // the service identifier on that peer
}

func (a Address) String() string { return a.Peer + "/" + a.Service }

// A Message is a raw payload received from the transport.
type Message struct {
	From Address // the service that sent the message
	Text []byte  // the encoded envelope
}

// A Transport delivers raw envelope text between a local service and the
// services of remote peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Transport interface {
	// Send delivers text to the specified service. Delivery is best-effort:
	// an error reports only a local failure, such as a closed transport.
	Send(to Address, text []byte) error

	// Recv blocks until the next message addressed to the local service is
	// available, and returns it.
	Recv() (*Message, error)

	// Close closes the transport, causing any pending Recv to terminate and
	// report an error. After Close, all further operations must report an
	// error.
	Close() error
}

// A Roster reports the capabilities advertised by peers of the mesh.
type Roster interface {
	// KnownCapabilities returns the FQC-IDs advertised by the given peer.
	KnownCapabilities(ctx context.Context, peer string) ([]string, error)
}

// StaticRoster is a fixed [Roster] mapping peer IDs to capabilities.
type StaticRoster map[string][]string

// KnownCapabilities implements the [Roster] interface. A peer not present in
// the map advertises no capabilities.
func (s StaticRoster) KnownCapabilities(_ context.Context, peer string) ([]string, error) {
	return slices.Clone(s[peer]), nil
}

// An AdapterFunc constructs an [Adapter] exposing the application value impl.
// The adapter reports asynchronous results and events via em.
type AdapterFunc func(impl any, em Emitter) (Adapter, error)

// A ProxyFunc constructs a [Proxy] that issues its invocations via conn.
type ProxyFunc func(conn ProxyConn) Proxy

// A Registry maps capability identifiers to the constructors for their
// adapters and proxies.
type Registry interface {
	AdapterFor(capability string) (AdapterFunc, bool)
	ProxyFor(capability string) (ProxyFunc, bool)
}

// An EnvelopeLogger logs an envelope exchanged with a remote service.
type EnvelopeLogger func(EnvelopeInfo)

// An EnvelopeInfo combines an envelope with its remote address and a flag
// indicating whether it was sent or received.
type EnvelopeInfo struct {
	*envelope.Envelope

	Addr Address // the remote service
	Sent bool    // whether the envelope was sent (true) or received (false)
}

func (e EnvelopeInfo) dir() string {
	if e.Sent {
		return "send"
	}
	return "recv"
}

func (e EnvelopeInfo) String() string {
	return fmt.Sprintf("%s %v %v", e.dir(), e.Addr, e.Envelope)
}

// ProxyInfo describes a proxy constructed by a Profile binding.
type ProxyInfo struct {
	Addr       Address // the remote service hosting the capability
	Capability string  // the capability FQC-ID
	Proxy      Proxy   // the live proxy
}
