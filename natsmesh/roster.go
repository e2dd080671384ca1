// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package natsmesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/creachadair/capmesh"
	"github.com/nats-io/nats.go"
)

// DefaultRosterTimeout is the time a roster query waits for an answer when
// its context has no deadline.
const DefaultRosterTimeout = 2 * time.Second

// rosterReply is the JSON body of an answer to a roster query.
type rosterReply struct {
	Peer         string   `json:"peer"`
	Capabilities []string `json:"capabilities"`
}

// A Roster implements the [capmesh.Roster] interface by querying peers over
// NATS. A peer with no responder advertises no capabilities.
type Roster struct {
	nc      *nats.Conn
	timeout time.Duration
}

var _ capmesh.Roster = (*Roster)(nil)

// NewRoster constructs a roster that queries peers via nc. If timeout <= 0,
// [DefaultRosterTimeout] is used.
func NewRoster(nc *nats.Conn, timeout time.Duration) *Roster {
	if timeout <= 0 {
		timeout = DefaultRosterTimeout
	}
	return &Roster{nc: nc, timeout: timeout}
}

// KnownCapabilities implements the [capmesh.Roster] interface.
func (r *Roster) KnownCapabilities(ctx context.Context, peer string) ([]string, error) {
	const logPrefix = "natsmesh:roster"
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	msg, err := r.nc.RequestWithContext(ctx, rosterSubject(peer), nil)
	if errors.Is(err, nats.ErrNoResponders) {
		slog.Debug(fmt.Sprintf("%s - no roster for peer %q", logPrefix, peer))
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("%s - query %q: %w", logPrefix, peer, err)
	}
	var reply rosterReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("%s - invalid reply from %q: %w", logPrefix, peer, err)
	}
	return reply.Capabilities, nil
}

// Advertise answers roster queries for peer on nc with the capabilities
// reported by caps, until the returned subscription is unsubscribed.
func Advertise(nc *nats.Conn, peer string, caps func() []string) (*nats.Subscription, error) {
	const logPrefix = "natsmesh:advertise"
	sub, err := nc.Subscribe(rosterSubject(peer), func(msg *nats.Msg) {
		ids := slices.Clone(caps())
		slices.Sort(ids)
		data, err := json.Marshal(rosterReply{Peer: peer, Capabilities: ids})
		if err != nil {
			slog.Error(fmt.Sprintf("%s - encode roster: %v", logPrefix, err))
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Warn(fmt.Sprintf("%s - respond to roster query: %v", logPrefix, err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe: %w", logPrefix, err)
	}
	if err := nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("%s - flush: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - advertising capabilities of peer %q", logPrefix, peer))
	return sub, nil
}

// Depart announces that peer is leaving the mesh.
func Depart(nc *nats.Conn, peer string) error {
	if err := nc.Publish(departSubject(peer), []byte(peer)); err != nil {
		return err
	}
	return nc.Flush()
}

// OnDepart calls f with the ID of each peer that announces its departure,
// until the returned subscription is unsubscribed. Typically f is the
// Disconnect method of an engine.
func OnDepart(nc *nats.Conn, f func(peer string)) (*nats.Subscription, error) {
	const logPrefix = "natsmesh:depart"
	sub, err := nc.Subscribe(subjectRoot+".depart.*", func(msg *nats.Msg) {
		peer := string(msg.Data)
		if peer == "" || !strings.HasSuffix(msg.Subject, "."+token(peer)) {
			slog.Warn(fmt.Sprintf("%s - ignored malformed departure on %q", logPrefix, msg.Subject))
			return
		}
		slog.Info(fmt.Sprintf("%s - peer %q departed", logPrefix, peer))
		f(peer)
	})
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe: %w", logPrefix, err)
	}
	if err := nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("%s - flush: %w", logPrefix, err)
	}
	return sub, nil
}
