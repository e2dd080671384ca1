// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package caps

import (
	"context"
	"sync"

	"github.com/creachadair/capmesh"
	"github.com/creachadair/capmesh/envelope"
	"github.com/creachadair/capmesh/handler"
)

// BatteryID is the FQC-ID of the battery status capability.
const BatteryID = "org.capmesh.Battery"

// Properties and methods of the battery capability.
const (
	PropLevel    = "level"    // number in [0, 100]
	PropCharging = "charging" // bool

	// Refresh samples the battery and reports the new level. It completes
	// asynchronously.
	MethodRefresh = "Refresh"
)

// A Sampler reads the current state of a battery.
type Sampler func(ctx context.Context) (level float64, charging bool, err error)

// A Battery reports the state of a battery. It is safe for concurrent use.
type Battery struct {
	obs    observers
	sample Sampler

	μ        sync.Mutex
	level    float64
	charging bool
}

// NewBattery constructs a battery that reads its state with sample. The
// initial state is zero until the first call to Refresh.
func NewBattery(sample Sampler) *Battery { return &Battery{sample: sample} }

// Level reports the last sampled level.
func (b *Battery) Level() float64 {
	b.μ.Lock()
	defer b.μ.Unlock()
	return b.level
}

// Charging reports whether the battery was charging when last sampled.
func (b *Battery) Charging() bool {
	b.μ.Lock()
	defer b.μ.Unlock()
	return b.charging
}

// Refresh samples the battery and updates its state.
func (b *Battery) Refresh(ctx context.Context) (float64, error) {
	level, charging, err := b.sample(ctx)
	if err != nil {
		return 0, err
	}
	b.μ.Lock()
	b.level, b.charging = level, charging
	b.μ.Unlock()
	b.obs.notify(PropLevel, level)
	b.obs.notify(PropCharging, charging)
	return level, nil
}

func newBatteryAdapter(impl any, em capmesh.Emitter) (capmesh.Adapter, error) {
	b, ok := impl.(*Battery)
	if !ok {
		return nil, badImpl(BatteryID, impl)
	}
	a := handler.New(em).
		Init(PropLevel, envelope.Number(b.Level())).
		Init(PropCharging, envelope.Bool(b.Charging())).
		Async(MethodRefresh, func(call *capmesh.Call) {
			go func() {
				level, err := b.Refresh(call.Context())
				if err != nil {
					call.Fail(err)
				} else {
					call.Reply(envelope.Number(level))
				}
			}()
		})
	a.OnClose(b.obs.watch(func(name string, v any) {
		switch t := v.(type) {
		case bool:
			a.Set(name, envelope.Bool(t))
		case float64:
			a.Set(name, envelope.Number(t))
		}
	}))
	return a, nil
}

// A BatteryProxy is the client view of a remote [Battery].
type BatteryProxy struct {
	*handler.Proxy
}

func newBatteryProxy(conn capmesh.ProxyConn) capmesh.Proxy {
	return &BatteryProxy{Proxy: handler.NewProxy(conn)}
}

// Level reports the last known level of the remote battery.
func (p *BatteryProxy) Level() float64 {
	v, _ := p.Get(PropLevel)
	f, _ := v.AsNumber()
	return f
}

// Charging reports whether the remote battery was last known to be charging.
func (p *BatteryProxy) Charging() bool {
	v, _ := p.Get(PropCharging)
	ok, _ := v.AsBool()
	return ok
}

// Refresh asks the remote battery to sample its state, and reports the new
// level.
func (p *BatteryProxy) Refresh(ctx context.Context) (float64, error) {
	var level float64
	err := proxyCall(p.Proxy, func() error {
		v, err := p.Call(ctx, MethodRefresh, envelope.Null)
		level, _ = v.AsNumber()
		return err
	})
	return level, err
}
