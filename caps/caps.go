// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package caps defines the built-in capabilities of capmesh, with the
// adapters and proxies that carry them over the mesh.
//
// Use [Catalog] as the registry of an engine to serve and bind the built-in
// capabilities:
//
//	e := capmesh.NewEngine().UseRegistry(caps.Catalog())
//	e.Register(caps.PlayerID, caps.NewPlayer(0.5))
package caps

import (
	"fmt"
	"sync"

	"github.com/creachadair/capmesh"
	"github.com/creachadair/capmesh/catalog"
	"github.com/creachadair/capmesh/handler"
)

var (
	catOnce sync.Once
	cat     *catalog.Catalog
)

// Catalog returns the catalog of built-in capabilities. The catalog is
// constructed once and shared by all callers.
func Catalog() *catalog.Catalog {
	catOnce.Do(func() {
		cat = catalog.New(
			catalog.Entry{ID: PlayerID, Adapter: newPlayerAdapter, Proxy: newPlayerProxy},
			catalog.Entry{ID: BatteryID, Adapter: newBatteryAdapter, Proxy: newBatteryProxy},
		)
	})
	return cat
}

// An observers is a set of callbacks notified of property changes.
type observers struct {
	μ    sync.Mutex
	next int
	subs map[int]func(name string, v any)
}

// watch adds f to o, and returns a function that removes it.
func (o *observers) watch(f func(name string, v any)) (unwatch func()) {
	o.μ.Lock()
	defer o.μ.Unlock()
	if o.subs == nil {
		o.subs = make(map[int]func(string, any))
	}
	id := o.next
	o.next++
	o.subs[id] = f
	return func() {
		o.μ.Lock()
		defer o.μ.Unlock()
		delete(o.subs, id)
	}
}

func (o *observers) notify(name string, v any) {
	o.μ.Lock()
	subs := make([]func(string, any), 0, len(o.subs))
	for _, f := range o.subs {
		subs = append(subs, f)
	}
	o.μ.Unlock()
	for _, f := range subs {
		f(name, v)
	}
}

func (o *observers) len() int {
	o.μ.Lock()
	defer o.μ.Unlock()
	return len(o.subs)
}

func badImpl(id string, impl any) error {
	return fmt.Errorf("%s: unsupported implementation %T", id, impl)
}

// proxyCall runs call, and labels its error with the capability of p.
func proxyCall(p *handler.Proxy, call func() error) error {
	if err := call(); err != nil {
		return fmt.Errorf("%s: %w", p.Conn().Capability(), err)
	}
	return nil
}

var _ capmesh.Proxy = (*PlayerProxy)(nil)
var _ capmesh.Proxy = (*BatteryProxy)(nil)
