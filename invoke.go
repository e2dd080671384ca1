// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package capmesh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/creachadair/capmesh/envelope"
	"github.com/google/uuid"
)

// An adapterSlot is the registration of an adapter for a capability. A slot
// is live while it is the current registration for its capability.
type adapterSlot struct {
	capability string
	adapter    Adapter
	closed     bool
}

// An inbound is an invocation accepted from a remote service.
type inbound struct {
	id     string
	from   Address
	aspect string
	slot   *adapterSlot
	timer  *time.Timer
	cancel context.CancelFunc
}

// An outbound is an invocation sent to a remote service.
type outbound struct {
	id         string
	to         Address
	capability string
	aspect     string
	timer      *time.Timer

	done func(envelope.Value, error) // reports the outcome, or nil
	gone func()                      // reports a purge, or nil
}

// Register registers impl as the local implementation of capability, using
// the adapter constructor provided by the registry. It reports an error if
// the registry has no adapter for capability, or if the capability is
// already registered.
func (e *Engine) Register(capability string, impl any) (Adapter, error) {
	_, reg, _ := e.config()
	var newAdapter AdapterFunc
	if reg != nil {
		newAdapter, _ = reg.AdapterFor(capability)
	}
	if newAdapter == nil {
		return nil, newError(CodeUnknownCapability, "no adapter for %q", capability)
	}
	return e.install(capability, func(em Emitter) (Adapter, error) { return newAdapter(impl, em) })
}

// RegisterAdapter registers a custom adapter for capability. It reports an
// error if the capability is already registered.
func (e *Engine) RegisterAdapter(capability string, newAdapter func(Emitter) Adapter) (Adapter, error) {
	return e.install(capability, func(em Emitter) (Adapter, error) { return newAdapter(em), nil })
}

func (e *Engine) install(capability string, build func(Emitter) (Adapter, error)) (Adapter, error) {
	if capability == ProfileCapability {
		return nil, fmt.Errorf("capability %q is reserved", capability)
	}
	slot := &adapterSlot{capability: capability}
	a, err := build(&emitter{e: e, slot: slot})
	if err != nil {
		return nil, fmt.Errorf("adapter for %q: %w", capability, err)
	}
	slot.adapter = a

	e.μ.Lock()
	_, dup := e.adapters[capability]
	if !dup {
		e.adapters[capability] = slot
	}
	e.μ.Unlock()
	if dup {
		e.closeAdapter(slot)
		return nil, fmt.Errorf("capability %q is already registered", capability)
	}
	return a, nil
}

// Unregister removes the local adapter for capability, and reports whether
// one was registered. Pending invocations of the adapter fail with a
// recipient-gone error, and its event registrations are discarded. If the
// adapter is a [Closer], it is closed.
func (e *Engine) Unregister(capability string) bool {
	e.μ.Lock()
	slot, ok := e.adapters[capability]
	delete(e.adapters, capability)
	e.μ.Unlock()
	if !ok {
		return false
	}
	e.post(func() {
		for _, in := range e.icall {
			if in.slot == slot {
				e.releaseIn(in)
				e.reply(in, envelope.Null, newError(CodeRecipientGone, "%s was unregistered", capability))
			}
		}
		delete(e.receivers, capability)
		e.closeAdapter(slot)
	})
	return true
}

// closeAdapter releases the resources of the adapter in slot, if it has any.
func (e *Engine) closeAdapter(slot *adapterSlot) {
	if slot.closed {
		return
	}
	slot.closed = true
	if c, ok := slot.adapter.(Closer); ok {
		e.guard("close of "+slot.capability, c.Close)
	}
}

func (e *Engine) liveAdapter(slot *adapterSlot) bool {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.adapters[slot.capability] == slot
}

// Invoke sends an invocation of capability.aspect with args to the specified
// service, and returns its invocation ID. Invoke does not block; the outcome
// is reported to done on the dispatch loop. An error reported to done has
// concrete type *CallError. If done == nil the outcome is discarded.
func (e *Engine) Invoke(to Address, capability, aspect string, args envelope.Value, done func(envelope.Value, error)) string {
	return e.invoke(to, capability, aspect, args, done, nil)
}

func (e *Engine) invoke(to Address, capability, aspect string, args envelope.Value, done func(envelope.Value, error), gone func()) string {
	id := uuid.NewString()
	e.post(func() { e.sendInvocation(id, to, capability, aspect, args, done, gone) })
	return id
}

// Call sends an invocation and blocks until ctx ends or the outcome is
// reported. If ctx ends first, the invocation is abandoned and any later
// reply is dropped. An error reported by the remote service or synthesized
// by the engine has concrete type *CallError.
func (e *Engine) Call(ctx context.Context, to Address, capability, aspect string, args envelope.Value) (envelope.Value, error) {
	type result struct {
		v   envelope.Value
		err error
	}
	ch := make(chan result, 1)
	id := e.invoke(to, capability, aspect, args,
		func(v envelope.Value, err error) { ch <- result{v, err} },
		func() { ch <- result{envelope.Null, newError(CodeRecipientGone, "%v was disconnected", to)} },
	)
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		e.post(func() { e.abandon(id) })
		return envelope.Null, ctx.Err()
	}
}

// SendEvent sends an event for capability.aspect directly to the specified
// service, regardless of its registrations.
func (e *Engine) SendEvent(to Address, capability, aspect string, args envelope.Value) {
	e.post(func() {
		e.send(to, &envelope.Envelope{
			Kind:       envelope.Event,
			Capability: capability,
			Aspect:     aspect,
			Arguments:  args,
		})
	})
}

// SendStatus sends a Status envelope to the specified service.
func (e *Engine) SendStatus(to Address, env *envelope.Envelope) error {
	if env.Kind != envelope.Status {
		return fmt.Errorf("envelope kind is %v, not %v", env.Kind, envelope.Status)
	}
	e.post(func() { e.send(to, env) })
	return nil
}

func stoppedError() *CallError {
	return &CallError{Domain: Domain, Code: CodeRecipientGone, Message: "engine stopped", Err: ErrStopped}
}

func (e *Engine) sendInvocation(id string, to Address, capability, aspect string, args envelope.Value, done func(envelope.Value, error), gone func()) {
	out := &outbound{
		id:         id,
		to:         to,
		capability: capability,
		aspect:     aspect,
		done:       done,
		gone:       gone,
	}
	engineMetrics.invocationOut.Add(1)
	if e.halted {
		engineMetrics.invocationOutErr.Add(1)
		e.deliver(out, envelope.Null, stoppedError())
		return
	}
	if _, ok := e.ocall[id]; ok {
		engineMetrics.invocationOutErr.Add(1)
		e.deliver(out, envelope.Null, newError(CodeDuplicateInvocation, "invocation %q is already pending", id))
		return
	}
	timeout, _, _ := e.config()
	e.ocall[id] = out
	engineMetrics.invocationPending.Add(1)
	out.timer = time.AfterFunc(timeout, func() { e.post(func() { e.expireOut(out) }) })

	if err := e.send(to, &envelope.Envelope{
		Kind:       envelope.Invocation,
		Invocation: id,
		Capability: capability,
		Aspect:     aspect,
		Arguments:  args,
	}); err != nil {
		e.releaseOut(out)
		engineMetrics.invocationOutErr.Add(1)
		code := CodeRecipientGone
		if errors.Is(err, envelope.ErrEncode) {
			code = CodeMalformedMessage
		}
		e.deliver(out, envelope.Null, &CallError{
			Domain:  Domain,
			Code:    code,
			Message: fmt.Sprintf("send failed: %v", err),
			Err:     err,
		})
	}
}

// releaseOut removes out from the pending table and stops its timer.
func (e *Engine) releaseOut(out *outbound) {
	out.timer.Stop()
	delete(e.ocall, out.id)
	engineMetrics.invocationPending.Add(-1)
}

// releaseIn removes in from the pending table, stops its timer, and cancels
// its context.
func (e *Engine) releaseIn(in *inbound) {
	in.timer.Stop()
	in.cancel()
	delete(e.icall, in.id)
	engineMetrics.invocationActive.Add(-1)
}

// deliver reports the outcome of out to its owner.
func (e *Engine) deliver(out *outbound, v envelope.Value, err error) {
	if out.done == nil {
		if err != nil {
			e.logger().Debug(fmt.Sprintf("%s - invocation %s of %s.%s failed: %v", logPrefix, out.id, out.capability, out.aspect, err))
		}
		return
	}
	e.guard("completion of "+out.id, func() { out.done(v, err) })
}

// expireOut fires the timeout path for out, if it is still pending.
func (e *Engine) expireOut(out *outbound) {
	if e.ocall[out.id] != out {
		return // already concluded
	}
	e.releaseOut(out)
	engineMetrics.invocationTimeouts.Add(1)
	engineMetrics.invocationOutErr.Add(1)
	e.deliver(out, envelope.Null, newError(CodeInvocationTimeout, "no reply to %s.%s from %v", out.capability, out.aspect, out.to))
}

// expireIn fires the timeout path for in, if it is still pending.
func (e *Engine) expireIn(in *inbound) {
	if e.icall[in.id] != in {
		return
	}
	e.releaseIn(in)
	engineMetrics.invocationTimeouts.Add(1)
	e.reply(in, envelope.Null, newError(CodeInvocationTimeout, "%s.%s did not complete", in.slot.capability, in.aspect))
}

func (e *Engine) abandon(id string) {
	if out, ok := e.ocall[id]; ok {
		e.releaseOut(out)
		engineMetrics.invocationOutErr.Add(1)
	}
}

// dispatchReply routes a Response or Error to its pending invocation.
func (e *Engine) dispatchReply(from Address, env *envelope.Envelope) {
	out, ok := e.ocall[env.Invocation]
	if !ok {
		engineMetrics.envelopeDropped.Add(1)
		e.logger().Debug(fmt.Sprintf("%s - dropped %v for unknown invocation %q from %v", logPrefix, env.Kind, env.Invocation, from))
		return
	} else if out.to != from {
		engineMetrics.envelopeDropped.Add(1)
		e.logger().Warn(fmt.Sprintf("%s - dropped %v for invocation %q from %v, expected %v", logPrefix, env.Kind, env.Invocation, from, out.to))
		return
	}
	e.releaseOut(out)
	if env.Kind == envelope.Error {
		engineMetrics.invocationOutErr.Add(1)
		e.deliver(out, envelope.Null, &CallError{Domain: env.Domain, Code: env.Code, Message: env.Message})
	} else {
		e.deliver(out, env.Response, nil)
	}
}

// dispatchInvocation routes an inbound invocation to its local adapter.
func (e *Engine) dispatchInvocation(from Address, env *envelope.Envelope) {
	engineMetrics.invocationIn.Add(1)

	// Report a duplicate ID without disturbing the existing invocation.
	if _, ok := e.icall[env.Invocation]; ok {
		engineMetrics.invocationInErr.Add(1)
		e.send(from, errorEnvelope(env.Invocation, newError(CodeDuplicateInvocation, "invocation %q is already pending", env.Invocation)))
		return
	}
	if env.Capability == ProfileCapability {
		e.dispatchProfile(from, env)
		return
	}

	e.μ.Lock()
	slot, ok := e.adapters[env.Capability]
	timeout, base := e.timeout, e.base
	e.μ.Unlock()
	if !ok {
		engineMetrics.invocationInErr.Add(1)
		e.logger().Debug(fmt.Sprintf("%s - no adapter for %q (from %v)", logPrefix, env.Capability, from))
		e.send(from, errorEnvelope(env.Invocation, newError(CodeUnknownCapability, "no adapter for %q", env.Capability)))
		return
	}

	ctx, cancel := context.WithCancel(context.WithValue(base(), engineContextKey{}, e))
	in := &inbound{
		id:     env.Invocation,
		from:   from,
		aspect: env.Aspect,
		slot:   slot,
		cancel: cancel,
	}
	in.timer = time.AfterFunc(timeout, func() { e.post(func() { e.expireIn(in) }) })
	e.icall[in.id] = in
	engineMetrics.invocationActive.Add(1)

	call := &Call{
		ID:         env.Invocation,
		From:       from,
		Capability: env.Capability,
		Aspect:     env.Aspect,
		Args:       env.Arguments,
		ctx:        ctx,
		em:         &emitter{e: e, slot: slot},
		inline:     true,
	}
	var keep bool
	if !e.guard("adapter for "+slot.capability, func() { keep = slot.adapter.Invoke(call) }) {
		call.Fail(newError(CodeServiceError, "%s.%s failed", slot.capability, env.Aspect))
		keep = false
	}
	v, done, err := call.finish()
	if (done || !keep) && e.icall[in.id] == in {
		e.releaseIn(in)
		e.reply(in, v, err)
	}
}

// reply sends the outcome of in to its caller. A result that cannot be
// encoded is reported to the caller as a service error.
func (e *Engine) reply(in *inbound, v envelope.Value, err error) {
	if err == nil {
		err = e.send(in.from, &envelope.Envelope{
			Kind:       envelope.Response,
			Invocation: in.id,
			Response:   v,
		})
		if !errors.Is(err, envelope.ErrEncode) {
			return
		}
		err = &CallError{Domain: Domain, Code: CodeServiceError, Message: "result cannot be encoded", Err: err}
	}
	engineMetrics.invocationInErr.Add(1)
	e.send(in.from, errorEnvelope(in.id, err))
}

func errorEnvelope(id string, err error) *envelope.Envelope {
	ce := asCallError(err)
	msg := ce.Message
	if msg == "" {
		msg = ce.Error()
	}
	return &envelope.Envelope{
		Kind:       envelope.Error,
		Invocation: id,
		Domain:     envelope.SafeText(ce.Domain),
		Code:       ce.Code,
		Message:    envelope.SafeText(msg),
	}
}

// complete concludes the pending invocation id of slot.
func (e *Engine) complete(slot *adapterSlot, id string, v envelope.Value, err error) {
	in, ok := e.icall[id]
	if !ok || in.slot != slot {
		e.logger().Debug(fmt.Sprintf("%s - %s: no pending invocation %q", logPrefix, slot.capability, id))
		return
	}
	e.releaseIn(in)
	e.reply(in, v, err)
}

// broadcast sends an event from slot to every registered receiver of its
// capability.
func (e *Engine) broadcast(slot *adapterSlot, aspect string, args envelope.Value) {
	if !e.liveAdapter(slot) {
		e.logger().Debug(fmt.Sprintf("%s - dropped event %s.%s from unregistered adapter", logPrefix, slot.capability, aspect))
		return
	}
	rs, ok := e.receivers[slot.capability]
	if !ok {
		return
	}
	addrs := rs.Slice()
	slices.SortFunc(addrs, compareAddress)
	for _, to := range addrs {
		e.send(to, &envelope.Envelope{
			Kind:       envelope.Event,
			Capability: slot.capability,
			Aspect:     aspect,
			Arguments:  args,
		})
	}
}

// emitter implements the Emitter interface for an adapter slot.
type emitter struct {
	e    *Engine
	slot *adapterSlot
}

func (m *emitter) Respond(id string, v envelope.Value) {
	m.e.post(func() { m.e.complete(m.slot, id, v, nil) })
}

func (m *emitter) Fail(id string, err error) {
	m.e.post(func() { m.e.complete(m.slot, id, envelope.Null, err) })
}

func (m *emitter) Emit(aspect string, args envelope.Value) {
	m.e.post(func() { m.e.broadcast(m.slot, aspect, args) })
}
