// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package natsmesh

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/creachadair/capmesh"
	"github.com/nats-io/nats.go"
)

// recvBuffer is the number of inbound messages buffered per transport.
const recvBuffer = 256

// A Transport implements the [capmesh.Transport] interface for one local
// service on a NATS connection.
type Transport struct {
	nc    *nats.Conn
	local capmesh.Address
	sub   *nats.Subscription
	msgs  chan *nats.Msg
	done  chan struct{}
	once  sync.Once
}

var _ capmesh.Transport = (*Transport)(nil)

// Listen subscribes to messages for the local service at addr on nc, and
// returns a transport that delivers them. The caller remains responsible for
// closing nc.
func Listen(nc *nats.Conn, addr capmesh.Address) (*Transport, error) {
	const logPrefix = "natsmesh:listen"

	msgs := make(chan *nats.Msg, recvBuffer)
	sub, err := nc.ChanSubscribe(Subject(addr), msgs)
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe %v: %w", logPrefix, addr, err)
	}
	// Make sure the subscription is registered before any sends.
	if err := nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("%s - flush: %w", logPrefix, err)
	}
	slog.Debug(fmt.Sprintf("%s - listening for %v on %q", logPrefix, addr, sub.Subject))
	return &Transport{
		nc:    nc,
		local: addr,
		sub:   sub,
		msgs:  msgs,
		done:  make(chan struct{}),
	}, nil
}

// Addr returns the address of the local service.
func (t *Transport) Addr() capmesh.Address { return t.local }

func (t *Transport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Send implements a method of the [capmesh.Transport] interface.
func (t *Transport) Send(to capmesh.Address, text []byte) error {
	if t.closed() {
		return net.ErrClosed
	}
	msg := nats.NewMsg(Subject(to))
	msg.Header.Set(HeaderPeer, t.local.Peer)
	msg.Header.Set(HeaderService, t.local.Service)
	msg.Data = text
	return t.nc.PublishMsg(msg)
}

// Recv implements a method of the [capmesh.Transport] interface. Messages
// that do not identify their sender are discarded.
func (t *Transport) Recv() (*capmesh.Message, error) {
	const logPrefix = "natsmesh:recv"
	for {
		select {
		case <-t.done:
			return nil, net.ErrClosed
		case msg := <-t.msgs:
			peer := msg.Header.Get(HeaderPeer)
			if peer == "" {
				slog.Warn(fmt.Sprintf("%s - dropped message on %q with no sender", logPrefix, msg.Subject))
				continue
			}
			return &capmesh.Message{
				From: capmesh.Address{Peer: peer, Service: msg.Header.Get(HeaderService)},
				Text: msg.Data,
			}, nil
		}
	}
}

// Close implements a method of the [capmesh.Transport] interface. It does not
// close the underlying NATS connection.
func (t *Transport) Close() error {
	err := net.ErrClosed
	t.once.Do(func() {
		err = t.sub.Unsubscribe()
		close(t.done)
	})
	return err
}
