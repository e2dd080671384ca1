// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package natsmesh carries capmesh envelopes and presence over NATS.
//
// Each service listens on the subject
//
//	capmesh.svc.<peer>.<service>
//
// and each message carries the address of its sender in headers. A peer
// answers roster queries for its capabilities on "capmesh.roster.<peer>",
// and announces its departure on "capmesh.depart.<peer>".
package natsmesh

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/creachadair/capmesh"
	"github.com/nats-io/nats.go"
)

const logPrefix = "natsmesh:connect"

// Headers carrying the address of the sender of a message.
const (
	HeaderPeer    = "Capmesh-Peer"
	HeaderService = "Capmesh-Service"
)

const subjectRoot = "capmesh"

var tokenEscaper = strings.NewReplacer(
	"%", "%25", ".", "%2E", " ", "%20", "*", "%2A", ">", "%3E", "\t", "%09",
)

// token escapes s for use as a single token of a NATS subject.
func token(s string) string {
	if s == "" {
		return "%"
	}
	return tokenEscaper.Replace(s)
}

// Subject returns the NATS subject on which the service at addr listens.
func Subject(addr capmesh.Address) string {
	return subjectRoot + ".svc." + token(addr.Peer) + "." + token(addr.Service)
}

func rosterSubject(peer string) string { return subjectRoot + ".roster." + token(peer) }

func departSubject(peer string) string { return subjectRoot + ".depart." + token(peer) }

// Connect connects to the NATS server at url, identifying itself as name. If
// onReconnect != nil, it is called each time the connection is
// re-established after a disconnection.
func Connect(url, name string, onReconnect func()) (*nats.Conn, error) {
	slog.Info(fmt.Sprintf("%s - connecting to NATS at %s as %s", logPrefix, url, name))

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - NATS disconnected: %v", logPrefix, err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info(fmt.Sprintf("%s - NATS reconnected to %s", logPrefix, nc.ConnectedUrl()))
			if onReconnect != nil {
				onReconnect()
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info(fmt.Sprintf("%s - NATS connection closed", logPrefix))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - connected to NATS at %s", logPrefix, nc.ConnectedUrl()))
	return nc, nil
}
