// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/creachadair/capmesh"
	"github.com/creachadair/capmesh/caps"
	"github.com/creachadair/capmesh/channel"
	"github.com/creachadair/capmesh/envelope"
	"github.com/creachadair/capmesh/internal/config"
	"github.com/creachadair/capmesh/natsmesh"
	"github.com/creachadair/capmesh/peers"
	"github.com/creachadair/capmesh/stream"
	"github.com/creachadair/command"
	"github.com/google/uuid"
)

const logPrefix = "capmesh:main"

// loadConfig reads and validates the environment settings, and installs the
// configured logger as the default. If anonymous is true, a missing peer ID
// is replaced by a random one.
func loadConfig(anonymous bool) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Peer == "" && anonymous {
		cfg.Peer = "cli-" + uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	slog.SetDefault(config.NewLogger(os.Stderr, cfg.LogLevel))
	return cfg, nil
}

// newEngine constructs an unstarted engine with the settings of cfg.
func newEngine(cfg *config.Config) (*capmesh.Engine, error) {
	e := capmesh.NewEngine().
		SetTimeout(cfg.InvocationTimeout).
		UseRegistry(caps.Catalog())
	r, err := cfg.Roster()
	if err != nil {
		return nil, err
	} else if r != nil {
		e.UseRoster(r)
	}
	return e, nil
}

// A node is an engine joined to the mesh, and the resources it holds.
type node struct {
	*capmesh.Engine
	cleanup []func()
}

func (n *node) Close() {
	for i := len(n.cleanup) - 1; i >= 0; i-- {
		n.cleanup[i]()
	}
}

// joinNATS starts e on the NATS mesh named by cfg. The node advertises the
// capabilities registered with e, and purges the state of peers that depart.
func joinNATS(cfg *config.Config, e *capmesh.Engine) (*node, error) {
	if cfg.NATSURL == "" {
		return nil, errors.New("CAPMESH_NATS_URL is not set")
	}
	n := &node{Engine: e}
	nc, err := natsmesh.Connect(cfg.NATSURL, cfg.Address().String(), e.Reconnected)
	if err != nil {
		return nil, err
	}
	n.cleanup = append(n.cleanup, nc.Close)

	tr, err := natsmesh.Listen(nc, cfg.Address())
	if err != nil {
		n.Close()
		return nil, err
	}
	if cfg.RosterFile == "" {
		e.UseRoster(natsmesh.NewRoster(nc, 0))
	}
	e.Start(tr)
	n.cleanup = append(n.cleanup, func() { e.Stop() })

	adv, err := natsmesh.Advertise(nc, cfg.Peer, func() []string { return e.Snapshot().Adapters })
	if err != nil {
		n.Close()
		return nil, err
	}
	dep, err := natsmesh.OnDepart(nc, func(peer string) {
		if peer != cfg.Peer {
			e.Disconnect(peer)
		}
	})
	if err != nil {
		adv.Unsubscribe()
		n.Close()
		return nil, err
	}
	n.cleanup = append(n.cleanup, func() {
		adv.Unsubscribe()
		dep.Unsubscribe()
		if err := natsmesh.Depart(nc, cfg.Peer); err != nil {
			slog.Warn(fmt.Sprintf("%s - announce departure: %v", logPrefix, err))
		}
	})
	return n, nil
}

// dialTCP starts e on a TCP connection to addr.
func dialTCP(cfg *config.Config, e *capmesh.Engine, addr string) (*node, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	e.Start(channel.IO(cfg.Address(), conn, conn))
	return &node{Engine: e, cleanup: []func(){func() { e.Stop() }}}, nil
}

// registerLocal registers the local player and battery with e.
func registerLocal(e *capmesh.Engine, player *caps.Player, battery *caps.Battery) error {
	if _, err := e.Register(caps.PlayerID, player); err != nil {
		return err
	}
	if _, err := e.Register(caps.BatteryID, battery); err != nil {
		return err
	}
	return nil
}

func runServe(env *command.Env) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	player := caps.NewPlayer(serveFlags.Volume)
	level := serveFlags.Level
	battery := caps.NewBattery(func(context.Context) (float64, bool, error) {
		return level, level < 100, nil
	})
	if _, err := battery.Refresh(ctx); err != nil {
		return err
	}

	if serveFlags.Listen != "" {
		lst, err := net.Listen("tcp", serveFlags.Listen)
		if err != nil {
			return err
		}
		slog.Info(fmt.Sprintf("%s - serving %v at %s", logPrefix, cfg.Address(), lst.Addr()))
		return peers.Loop(ctx, peers.NetAccepter(lst, cfg.Address()), func() *capmesh.Engine {
			e, err := newEngine(cfg)
			if err != nil {
				slog.Error(fmt.Sprintf("%s - %v", logPrefix, err))
				e = capmesh.NewEngine()
			}
			if err := registerLocal(e, player, battery); err != nil {
				slog.Error(fmt.Sprintf("%s - register: %v", logPrefix, err))
			}
			return e
		})
	}

	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	if err := registerLocal(e, player, battery); err != nil {
		return err
	}
	n, err := joinNATS(cfg, e)
	if err != nil {
		return err
	}
	defer n.Close()
	slog.Info(fmt.Sprintf("%s - serving %v on %s", logPrefix, cfg.Address(), cfg.NATSURL))

	select {
	case <-ctx.Done():
		return nil
	case <-waitChan(n.Engine):
		return n.Wait()
	}
}

func waitChan(e *capmesh.Engine) <-chan struct{} {
	ch := make(chan struct{})
	go func() { defer close(ch); e.Wait() }()
	return ch
}

// joinClient starts a client engine per cfg, using TCP if a dial address is
// set and NATS otherwise.
func joinClient(cfg *config.Config) (*node, error) {
	e, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}
	if clientFlags.Dial != "" {
		return dialTCP(cfg, e, clientFlags.Dial)
	}
	return joinNATS(cfg, e)
}

func runCall(env *command.Env) error {
	if len(env.Args) < 3 {
		return env.Usagef("missing arguments")
	}
	to, err := parseAddress(env.Args[0])
	if err != nil {
		return err
	}
	args := envelope.Null
	if len(env.Args) > 3 {
		args, err = envelope.ParseLiteral(strings.Join(env.Args[3:], " "))
		if err != nil {
			return fmt.Errorf("invalid arguments: %w", err)
		}
	}
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	n, err := joinClient(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, cancel := signalContext()
	defer cancel()
	v, err := n.Call(ctx, to, env.Args[1], env.Args[2], args)
	if err != nil {
		return treatCanceledAsSuccess(err)
	}
	fmt.Println(v)
	return nil
}

func runWatch(env *command.Env) error {
	if len(env.Args) != 2 {
		return env.Usagef("want an address and a capability")
	}
	to, err := parseAddress(env.Args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	n, err := joinClient(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, cancel := signalContext()
	defer cancel()
	p, err := n.BindProxy(ctx, to, env.Args[1])
	if err != nil {
		return treatCanceledAsSuccess(err)
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), cfg.InvocationTimeout)
		defer cancel()
		if _, err := n.UnbindProxy(uctx, p); err != nil {
			slog.Warn(fmt.Sprintf("%s - unbind: %v", logPrefix, err))
		}
	}()

	if pp, ok := p.(interface{ Properties() *envelope.Map }); ok {
		for name, v := range pp.Properties().All() {
			fmt.Printf("%s = %v\n", name, v)
		}
	}
	src, ok := p.(stream.Source)
	if !ok {
		return fmt.Errorf("proxy for %q does not report changes", env.Args[1])
	}
	for c := range stream.Watch(ctx, src) {
		fmt.Printf("%s -> %v\n", c.Aspect, c.Value)
	}
	return nil
}
