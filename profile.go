// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package capmesh

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/creachadair/capmesh/envelope"
	"github.com/creachadair/mds/mapset"
	"github.com/google/uuid"
)

// ProfileCapability is the reserved FQC-ID of the Profile capability. Every
// engine implements it; it cannot be registered by the application.
const ProfileCapability = "org.capmesh.Profile"

// Aspects of the Profile capability. Both take a map argument whose
// "capability" entry names the target capability.
const (
	// Register the caller to receive events for the target capability. The
	// response is a map of the current properties of the capability.
	AspectRegisterProxy = "register-proxy"

	// Remove the registration of the caller for the target capability. The
	// response is a Boolean reporting whether a registration was removed.
	AspectUnregisterProxy = "unregister-proxy"
)

func profileArgs(capability string) envelope.Value {
	return envelope.MapValue(envelope.NewMap().Set("capability", envelope.String(capability)))
}

// A proxyKey identifies a capability of a remote service.
type proxyKey struct {
	addr       Address
	capability string
}

// A proxySlot holds a live proxy. Once a slot is dead, nothing further is
// delivered to its proxy.
type proxySlot struct {
	key     proxyKey
	proxy   Proxy
	live    atomic.Bool
	pending mapset.Set[string] // invocations awaiting a reply
}

// A binding is a pending register-proxy invocation.
type binding struct {
	id    string
	key   proxyKey
	reply func(Proxy, error)
}

// dispatchProfile serves an invocation of the Profile capability.
func (e *Engine) dispatchProfile(from Address, env *envelope.Envelope) {
	fail := func(err error) {
		engineMetrics.invocationInErr.Add(1)
		e.send(from, errorEnvelope(env.Invocation, err))
	}
	var target string
	if m, ok := env.Arguments.AsMap(); ok {
		v, _ := m.Get("capability")
		target, _ = v.AsString()
	}
	if target == "" {
		fail(newError(CodeMalformedMessage, "%s: missing capability argument", env.Aspect))
		return
	}

	switch env.Aspect {
	case AspectRegisterProxy:
		e.μ.Lock()
		slot, ok := e.adapters[target]
		e.μ.Unlock()
		if !ok {
			fail(newError(CodeUnknownCapability, "no adapter for %q", target))
			return
		}
		var props *envelope.Map
		if !e.guard("properties of "+target, func() { props = slot.adapter.Properties() }) {
			fail(newError(CodeServiceError, "properties of %q are unavailable", target))
			return
		}
		rs, ok := e.receivers[target]
		if !ok {
			rs = mapset.New[Address]()
			e.receivers[target] = rs
		}
		rs.Add(from)
		e.logger().Debug(fmt.Sprintf("%s - registered %v for events of %s", logPrefix, from, target))
		e.send(from, &envelope.Envelope{
			Kind:       envelope.Response,
			Invocation: env.Invocation,
			Response:   envelope.MapValue(props),
		})

	case AspectUnregisterProxy:
		var removed bool
		if rs, ok := e.receivers[target]; ok && rs.Has(from) {
			rs.Remove(from)
			if rs.IsEmpty() {
				delete(e.receivers, target)
			}
			removed = true
		}
		e.send(from, &envelope.Envelope{
			Kind:       envelope.Response,
			Invocation: env.Invocation,
			Response:   envelope.Bool(removed),
		})

	default:
		fail(UnknownAspect(ProfileCapability, env.Aspect))
	}
}

// BindProxy asks the service at to to register this engine for events of
// capability, and returns a live proxy for it, seeded with the current
// properties of the capability.
//
// If a roster is set, BindProxy first checks that the peer advertises the
// capability. Binding fails with an unknown-capability error if the remote
// service has no adapter for it, or the registry has no proxy for it.
func (e *Engine) BindProxy(ctx context.Context, to Address, capability string) (Proxy, error) {
	if _, _, roster := e.config(); roster != nil {
		caps, err := roster.KnownCapabilities(ctx, to.Peer)
		if err != nil {
			return nil, fmt.Errorf("capabilities of %q: %w", to.Peer, err)
		}
		if !slices.Contains(caps, capability) {
			return nil, newError(CodeUnknownCapability, "peer %q does not advertise %q", to.Peer, capability)
		}
	}

	type result struct {
		p   Proxy
		err error
	}
	ch := make(chan result, 1)
	b := &binding{
		id:    uuid.NewString(),
		key:   proxyKey{addr: to, capability: capability},
		reply: func(p Proxy, err error) { ch <- result{p, err} },
	}
	e.post(func() { e.startBinding(b) })

	select {
	case r := <-ch:
		return r.p, r.err
	case <-ctx.Done():
		e.post(func() {
			if e.bindings[b.id] == b {
				// The remote service may have registered us already.
				delete(e.bindings, b.id)
				e.abandon(b.id)
				e.releaseRemote(b.key)
				return
			}

			// The binding completed before it was abandoned.
			select {
			case r := <-ch:
				if r.p != nil {
					e.unbindLocal(r.p)
					e.releaseRemote(b.key)
				}
			default:
			}
		})
		return nil, ctx.Err()
	}
}

func (e *Engine) startBinding(b *binding) {
	e.bindings[b.id] = b
	e.sendInvocation(b.id, b.key.addr, ProfileCapability, AspectRegisterProxy, profileArgs(b.key.capability),
		func(v envelope.Value, err error) { e.completeBinding(b, v, err) },
		func() {
			delete(e.bindings, b.id)
			b.reply(nil, newError(CodeRecipientGone, "%v was disconnected", b.key.addr))
		},
	)
}

// completeBinding constructs a proxy from the reply to a register-proxy
// invocation.
func (e *Engine) completeBinding(b *binding, v envelope.Value, err error) {
	if e.bindings[b.id] != b {
		return
	}
	delete(e.bindings, b.id)
	if err != nil {
		b.reply(nil, err)
		return
	}
	capability := b.key.capability
	props, ok := v.AsMap()
	if !ok {
		b.reply(nil, newError(CodeMalformedMessage, "register-proxy for %q returned %v, not a property map", capability, v.Type()))
		return
	}

	// If we cannot construct a proxy, release the registration the remote
	// service made on our behalf.
	release := func(err error) {
		e.releaseRemote(b.key)
		b.reply(nil, err)
	}
	_, reg, _ := e.config()
	var newProxy ProxyFunc
	if reg != nil {
		newProxy, _ = reg.ProxyFor(capability)
	}
	if newProxy == nil {
		release(newError(CodeUnknownCapability, "no proxy for %q", capability))
		return
	}
	slot := &proxySlot{key: b.key, pending: mapset.New[string]()}
	if !e.guard("proxy constructor for "+capability, func() {
		slot.proxy = newProxy(&proxyConn{e: e, slot: slot})
	}) || slot.proxy == nil {
		release(newError(CodeServiceError, "constructing proxy for %q failed", capability))
		return
	}
	slot.live.Store(true)

	// Seed the proxy with the initial property values.
	for name, val := range props.All() {
		e.guard("proxy for "+capability, func() { slot.proxy.HandleEvent(name, val) })
	}
	e.proxies[b.key] = append(e.proxies[b.key], slot)
	engineMetrics.proxiesActive.Add(1)
	e.logger().Debug(fmt.Sprintf("%s - bound proxy for %s at %v", logPrefix, capability, b.key.addr))

	e.μ.Lock()
	onProxy := e.onProxy
	e.μ.Unlock()
	if onProxy != nil {
		e.guard("proxy hook", func() {
			onProxy(ProxyInfo{Addr: b.key.addr, Capability: capability, Proxy: slot.proxy})
		})
	}
	b.reply(slot.proxy, nil)
}

// UnbindProxy detaches p from the engine, so that it receives no further
// events or replies. If p was the last proxy bound to its remote capability,
// UnbindProxy also asks the remote service to unregister this engine, and
// reports whether it did so. It reports false without error if p is not a
// live proxy of e.
func (e *Engine) UnbindProxy(ctx context.Context, p Proxy) (bool, error) {
	var key proxyKey
	var found, last bool
	e.do(func() {
		for k, slots := range e.proxies {
			if slices.ContainsFunc(slots, func(s *proxySlot) bool { return s.proxy == p }) {
				key, found = k, true
				last = e.unbindLocal(p)
				return
			}
		}
	})
	if !found {
		return false, nil
	} else if !last {
		return true, nil
	}
	v, err := e.Call(ctx, key.addr, ProfileCapability, AspectUnregisterProxy, profileArgs(key.capability))
	if err != nil {
		return false, err
	}
	ok, _ := v.AsBool()
	return ok, nil
}

// releaseRemote asks the service at key.addr to unregister this engine for
// events of key.capability, unless a live proxy or a pending binding for key
// still relies on the registration. The request is best-effort.
func (e *Engine) releaseRemote(key proxyKey) {
	if len(e.proxies[key]) != 0 {
		return
	}
	for _, b := range e.bindings {
		if b.key == key {
			return
		}
	}
	e.sendInvocation(uuid.NewString(), key.addr, ProfileCapability, AspectUnregisterProxy, profileArgs(key.capability), nil, nil)
}

// unbindLocal removes the slot for p, and reports whether it was the last
// proxy for its remote capability.
func (e *Engine) unbindLocal(p Proxy) bool {
	for key, slots := range e.proxies {
		i := slices.IndexFunc(slots, func(s *proxySlot) bool { return s.proxy == p })
		if i < 0 {
			continue
		}
		e.closeSlot(slots[i])
		engineMetrics.proxiesActive.Add(-1)
		slots = slices.Delete(slots, i, i+1)
		if len(slots) == 0 {
			delete(e.proxies, key)
			return true
		}
		e.proxies[key] = slots
		return false
	}
	return false
}

// dropProxies kills all the proxies of key, and returns how many there were.
func (e *Engine) dropProxies(key proxyKey, slots []*proxySlot) int {
	for _, s := range slots {
		e.closeSlot(s)
	}
	delete(e.proxies, key)
	engineMetrics.proxiesActive.Add(-int64(len(slots)))
	return len(slots)
}

// closeSlot kills s, and fails each invocation still pending on its proxy.
func (e *Engine) closeSlot(s *proxySlot) {
	s.live.Store(false)
	ids := s.pending.Slice()
	s.pending.Remove(ids...)
	for _, id := range ids {
		e.abandon(id)
		err := newError(CodeRecipientGone, "proxy for %s at %v is unbound", s.key.capability, s.key.addr)
		e.guard("proxy for "+s.key.capability, func() { s.proxy.HandleError(id, err) })
	}
}

// dispatchEvent delivers an event to each proxy bound to its capability at
// the sending service.
func (e *Engine) dispatchEvent(from Address, env *envelope.Envelope) {
	slots := slices.Clone(e.proxies[proxyKey{addr: from, capability: env.Capability}])
	if len(slots) == 0 {
		engineMetrics.envelopeDropped.Add(1)
		e.logger().Debug(fmt.Sprintf("%s - no receiver for event %s.%s from %v", logPrefix, env.Capability, env.Aspect, from))
		return
	}
	for _, s := range slots {
		if s.live.Load() {
			e.guard("proxy for "+env.Capability, func() { s.proxy.HandleEvent(env.Aspect, env.Arguments) })
		}
	}
}

// proxyConn implements the ProxyConn interface for a proxy slot.
type proxyConn struct {
	e    *Engine
	slot *proxySlot
}

func (c *proxyConn) Address() Address   { return c.slot.key.addr }
func (c *proxyConn) Capability() string { return c.slot.key.capability }

func (c *proxyConn) Invoke(aspect string, args envelope.Value) string {
	e, slot := c.e, c.slot
	id := uuid.NewString()
	e.post(func() {
		if !slot.live.Load() {
			e.logger().Debug(fmt.Sprintf("%s - rejected invocation of %s.%s from unbound proxy", logPrefix, slot.key.capability, aspect))
			err := newError(CodeRecipientGone, "proxy for %s at %v is unbound", slot.key.capability, slot.key.addr)
			e.guard("proxy for "+slot.key.capability, func() { slot.proxy.HandleError(id, err) })
			return
		}
		slot.pending.Add(id)
		e.sendInvocation(id, slot.key.addr, slot.key.capability, aspect, args, func(v envelope.Value, err error) {
			slot.pending.Remove(id)
			if !slot.live.Load() {
				e.logger().Debug(fmt.Sprintf("%s - dropped reply to %s: proxy is gone", logPrefix, id))
				return
			}
			if err != nil {
				slot.proxy.HandleError(id, err)
			} else {
				slot.proxy.HandleResponse(id, v)
			}
		}, nil)
	})
	return id
}
