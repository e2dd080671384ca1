// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package caps

import (
	"context"
	"fmt"
	"sync"

	"github.com/creachadair/capmesh"
	"github.com/creachadair/capmesh/envelope"
	"github.com/creachadair/capmesh/handler"
)

// PlayerID is the FQC-ID of the media player capability.
const PlayerID = "org.capmesh.Player"

// Properties and methods of the player capability.
const (
	PropVolume  = "volume"  // number in [0, 1]
	PropPlaying = "playing" // bool

	MethodPlay      = "Play"
	MethodPause     = "Pause"
	MethodSetVolume = "SetVolume" // number in [0, 1]
)

// A Player is a simple media player. It is safe for concurrent use.
type Player struct {
	obs observers

	μ       sync.Mutex
	volume  float64
	playing bool
}

// NewPlayer constructs a stopped player with the given volume.
func NewPlayer(volume float64) *Player { return &Player{volume: volume} }

// Volume reports the current volume.
func (p *Player) Volume() float64 {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.volume
}

// Playing reports whether the player is playing.
func (p *Player) Playing() bool {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.playing
}

// Play starts the player.
func (p *Player) Play() { p.setPlaying(true) }

// Pause stops the player.
func (p *Player) Pause() { p.setPlaying(false) }

func (p *Player) setPlaying(ok bool) {
	p.μ.Lock()
	p.playing = ok
	p.μ.Unlock()
	p.obs.notify(PropPlaying, ok)
}

// SetVolume sets the volume, which must be between 0 and 1 inclusive.
func (p *Player) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("volume %v out of range", v)
	}
	p.μ.Lock()
	p.volume = v
	p.μ.Unlock()
	p.obs.notify(PropVolume, v)
	return nil
}

func newPlayerAdapter(impl any, em capmesh.Emitter) (capmesh.Adapter, error) {
	p, ok := impl.(*Player)
	if !ok {
		return nil, badImpl(PlayerID, impl)
	}
	a := handler.New(em).
		Init(PropVolume, envelope.Number(p.Volume())).
		Init(PropPlaying, envelope.Bool(p.Playing())).
		Method(MethodPlay, handler.Error(func(context.Context) error { p.Play(); return nil })).
		Method(MethodPause, handler.Error(func(context.Context) error { p.Pause(); return nil })).
		Method(MethodSetVolume, handler.ParamError(func(_ context.Context, v float64) error {
			return p.SetVolume(v)
		}))
	a.OnClose(p.obs.watch(func(name string, v any) {
		switch t := v.(type) {
		case bool:
			a.Set(name, envelope.Bool(t))
		case float64:
			a.Set(name, envelope.Number(t))
		}
	}))
	return a, nil
}

// A PlayerProxy is the client view of a remote [Player].
type PlayerProxy struct {
	*handler.Proxy
}

func newPlayerProxy(conn capmesh.ProxyConn) capmesh.Proxy {
	return &PlayerProxy{Proxy: handler.NewProxy(conn)}
}

// Volume reports the last known volume of the remote player.
func (p *PlayerProxy) Volume() float64 {
	v, _ := p.Get(PropVolume)
	f, _ := v.AsNumber()
	return f
}

// Playing reports whether the remote player was last known to be playing.
func (p *PlayerProxy) Playing() bool {
	v, _ := p.Get(PropPlaying)
	ok, _ := v.AsBool()
	return ok
}

// Play starts the remote player.
func (p *PlayerProxy) Play(ctx context.Context) error {
	return proxyCall(p.Proxy, func() error {
		_, err := p.Call(ctx, MethodPlay, envelope.Null)
		return err
	})
}

// Pause stops the remote player.
func (p *PlayerProxy) Pause(ctx context.Context) error {
	return proxyCall(p.Proxy, func() error {
		_, err := p.Call(ctx, MethodPause, envelope.Null)
		return err
	})
}

// SetVolume sets the volume of the remote player.
func (p *PlayerProxy) SetVolume(ctx context.Context, v float64) error {
	return proxyCall(p.Proxy, func() error {
		_, err := p.Call(ctx, MethodSetVolume, envelope.Number(v))
		return err
	})
}
