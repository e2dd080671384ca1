// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package capmesh

import (
	"cmp"
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/capmesh/envelope"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
)

const logPrefix = "capmesh:engine"

// DefaultTimeout is the invocation deadline used if none is set.
const DefaultTimeout = 30 * time.Second

type engineState int

const (
	stateIdle engineState = iota
	stateRunning
	stateStopped
)

// An Engine is the dispatch engine for one connection of a local service to
// the mesh. Use [NewEngine] to construct an engine.
//
// Call Start with a transport to start the engine. Once started, an engine
// runs until Stop is called, or the transport fails. Use Wait to wait for the
// engine to exit and report its status. An engine cannot be restarted.
//
// All the state of the engine (pending invocations, proxy bindings, event
// receivers, and live proxies) is owned by a single dispatch loop. Inbound
// envelopes, timer expirations, and requests from the application are
// processed by the loop one at a time in the order they arrive. Callbacks to
// adapters, proxies, and hooks run on the loop, and must not block.
//
// The methods of an Engine are safe for concurrent use. However, methods that
// wait for the dispatch loop (Snapshot, UnbindProxy) must not be called from
// a callback.
type Engine struct {
	μ sync.Mutex // protects the fields below

	tr       Transport
	tasks    *taskgroup.Group
	err      error // the error that stopped the engine
	timeout  time.Duration
	reg      Registry
	roster   Roster
	log      *slog.Logger
	elog     EnvelopeLogger
	base     func() context.Context
	onExit   func(error)
	onProxy  func(ProxyInfo)
	onStatus func(Address, *envelope.Envelope)
	adapters map[string]*adapterSlot // capability → registered adapter

	q struct {
		sync.Mutex
		ops      []func()
		state    engineState
		draining bool // a goroutine is running ops outside the loop
	}
	ready chan struct{}
	run   sync.Mutex // held while executing ops

	// The fields below are owned by the dispatch loop.

	out       Transport
	halted    bool
	icall     map[string]*inbound            // inbound invocations pending
	ocall     map[string]*outbound           // outbound invocations pending
	bindings  map[string]*binding            // proxy bindings pending
	receivers map[string]mapset.Set[Address] // capability → event receivers
	proxies   map[proxyKey][]*proxySlot      // remote capability → live proxies
}

// NewEngine constructs a new unstarted engine.
func NewEngine() *Engine {
	return &Engine{
		timeout:   DefaultTimeout,
		base:      context.Background,
		adapters:  make(map[string]*adapterSlot),
		ready:     make(chan struct{}, 1),
		icall:     make(map[string]*inbound),
		ocall:     make(map[string]*outbound),
		bindings:  make(map[string]*binding),
		receivers: make(map[string]mapset.Set[Address]),
		proxies:   make(map[proxyKey][]*proxySlot),
	}
}

// Start starts the engine running on the given transport. Start does not
// block; call Wait to wait for the engine to exit and report its status.
// Requests made before Start are processed once the engine is running.
func (e *Engine) Start(tr Transport) *Engine {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.tr != nil {
		panic("engine is already started")
	}
	e.tr = tr
	e.tasks = taskgroup.New(nil)

	e.q.Lock()
	e.q.state = stateRunning
	e.q.Unlock()

	e.tasks.Go(func() error { return e.loop(tr) })
	e.tasks.Go(func() error {
		for {
			msg, err := tr.Recv()
			if err != nil {
				e.post(func() { e.fail(err) })
				return nil
			}
			engineMetrics.envelopeRecv.Add(1)
			env, err := envelope.Decode(msg.Text)
			if err != nil {
				engineMetrics.envelopeDropped.Add(1)
				e.logger().Warn(fmt.Sprintf("%s - dropped message from %v: %v", logPrefix, msg.From, err))
				continue
			}
			e.post(func() { e.dispatch(msg.From, env) })
		}
	})
	e.signal()
	return e
}

// Metrics returns the metrics map for the engine. It is safe for the caller
// to add additional metrics to the map while the engine is active.
func (e *Engine) Metrics() *expvar.Map { return engineMetrics.emap }

// Stop closes the transport and terminates the engine. It blocks until the
// engine has exited and returns its status.
func (e *Engine) Stop() error {
	e.μ.Lock()
	tr := e.tr
	e.μ.Unlock()
	if tr == nil {
		return nil
	}
	tr.Close()
	return e.Wait()
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Wait blocks until e terminates and reports the error that caused it to
// stop. If e is not running, or stopped because its transport closed, Wait
// returns nil.
func (e *Engine) Wait() error {
	e.μ.Lock()
	g := e.tasks
	e.μ.Unlock()
	if g == nil {
		return nil // the engine is not running
	}
	g.Wait()

	e.μ.Lock()
	defer e.μ.Unlock()
	if treatErrorAsSuccess(e.err) {
		return nil
	}
	return e.err
}

// SetTimeout sets the deadline for invocations sent or accepted after it is
// called. If d <= 0, [DefaultTimeout] is used. SetTimeout returns e to permit
// chaining.
func (e *Engine) SetTimeout(d time.Duration) *Engine {
	e.μ.Lock()
	defer e.μ.Unlock()
	if d <= 0 {
		d = DefaultTimeout
	}
	e.timeout = d
	return e
}

// UseRegistry sets the registry used to construct adapters and proxies.
func (e *Engine) UseRegistry(r Registry) *Engine {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.reg = r
	return e
}

// UseRoster sets the roster consulted by BindProxy. If r == nil, BindProxy
// does not check whether the remote peer advertises a capability.
func (e *Engine) UseRoster(r Roster) *Engine {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.roster = r
	return e
}

// SetLogger sets the logger used by the engine. If lg == nil, the default
// logger is used.
func (e *Engine) SetLogger(lg *slog.Logger) *Engine {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.log = lg
	return e
}

// LogEnvelopes registers a callback that will be invoked for each envelope
// exchanged with a remote service, including envelopes to be discarded.
// Passing nil disables envelope logging. The logger runs on the dispatch loop.
func (e *Engine) LogEnvelopes(log EnvelopeLogger) *Engine {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.elog = log
	return e
}

// OnExit registers a callback to be invoked when the engine terminates. The
// callback is executed synchronously during shutdown, with the same error
// value that would be reported by Wait.
func (e *Engine) OnExit(f func(error)) *Engine {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.onExit = f
	return e
}

// OnProxy registers a callback to be invoked once for each proxy created by
// a Profile binding, after it has been seeded with its initial properties.
func (e *Engine) OnProxy(f func(ProxyInfo)) *Engine {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.onProxy = f
	return e
}

// OnStatus registers a callback to be invoked for each Status envelope
// received. Status envelopes are dropped if no callback is set.
func (e *Engine) OnStatus(f func(from Address, env *envelope.Envelope)) *Engine {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.onStatus = f
	return e
}

// NewContext registers a function that will be called to create a new base
// context for inbound invocations. If it is not set, a background context is
// used.
func (e *Engine) NewContext(base func() context.Context) *Engine {
	e.μ.Lock()
	defer e.μ.Unlock()
	if base == nil {
		e.base = context.Background
	} else {
		e.base = base
	}
	return e
}

func (e *Engine) logger() *slog.Logger {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.log == nil {
		return slog.Default()
	}
	return e.log
}

func (e *Engine) config() (timeout time.Duration, reg Registry, roster Roster) {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.timeout, e.reg, e.roster
}

// loop is the dispatch loop. It runs ops until the engine halts, then hands
// any remaining ops off to be run by the goroutines that post them.
func (e *Engine) loop(tr Transport) error {
	e.out = tr
	for range e.ready {
		for !e.halted && e.runOps() {
		}
		if e.halted {
			break
		}
	}
	e.q.Lock()
	e.q.state = stateStopped
	e.q.draining = true
	e.q.Unlock()
	e.drain()
	return nil
}

// runOps runs all the currently queued ops, and reports whether there were
// any.
func (e *Engine) runOps() bool {
	e.q.Lock()
	ops := e.q.ops
	e.q.ops = nil
	e.q.Unlock()
	if len(ops) == 0 {
		return false
	}
	e.run.Lock()
	defer e.run.Unlock()
	for _, op := range ops {
		op()
	}
	return true
}

// drain runs queued ops until none remain. The caller must have set the
// draining flag.
func (e *Engine) drain() {
	for {
		e.q.Lock()
		if len(e.q.ops) == 0 {
			e.q.draining = false
			e.q.Unlock()
			return
		}
		e.q.Unlock()
		e.runOps()
	}
}

func (e *Engine) signal() {
	select {
	case e.ready <- struct{}{}:
	default:
	}
}

// post queues op to run on the dispatch loop, and returns without waiting
// for it. Ops posted before Start wait for the loop; ops posted after the
// loop exits run on the calling goroutine.
func (e *Engine) post(op func()) {
	e.q.Lock()
	e.q.ops = append(e.q.ops, op)
	switch {
	case e.q.state == stateRunning:
		e.q.Unlock()
		e.signal()
	case e.q.state == stateStopped && !e.q.draining:
		e.q.draining = true
		e.q.Unlock()
		e.drain()
	default:
		e.q.Unlock()
	}
}

// do runs f on the dispatch loop and waits for it to complete. Before Start,
// f runs directly on the calling goroutine.
func (e *Engine) do(f func()) {
	e.q.Lock()
	idle := e.q.state == stateIdle
	e.q.Unlock()
	if idle {
		e.run.Lock()
		defer e.run.Unlock()
		f()
		return
	}
	done := make(chan struct{})
	e.post(func() { defer close(done); f() })
	<-done
}

// fail terminates all pending state and records the failure status.
func (e *Engine) fail(err error) {
	if e.halted {
		return
	}
	e.halted = true

	e.μ.Lock()
	e.err = err
	tr, onExit := e.tr, e.onExit
	e.μ.Unlock()
	tr.Close()

	stopped := stoppedError()
	for _, out := range e.ocall {
		e.releaseOut(out)
		e.deliver(out, envelope.Null, stopped)
	}
	for _, in := range e.icall {
		e.releaseIn(in)
	}
	for key, slots := range e.proxies {
		e.dropProxies(key, slots)
	}
	clear(e.receivers)
	clear(e.bindings)

	e.μ.Lock()
	slots := make([]*adapterSlot, 0, len(e.adapters))
	for _, slot := range e.adapters {
		slots = append(slots, slot)
	}
	e.μ.Unlock()
	for _, slot := range slots {
		e.closeAdapter(slot)
	}

	if treatErrorAsSuccess(err) {
		err = nil
		e.logger().Info(fmt.Sprintf("%s - engine stopped", logPrefix))
	} else {
		e.logger().Error(fmt.Sprintf("%s - engine failed: %v", logPrefix, err))
	}
	if onExit != nil {
		onExit(err)
	}
}

// send encodes and sends env to the specified address.
func (e *Engine) send(to Address, env *envelope.Envelope) error {
	if e.halted {
		return ErrStopped
	} else if e.out == nil {
		return errors.New("engine is not started")
	}
	e.μ.Lock()
	elog := e.elog
	e.μ.Unlock()
	text, err := env.Encode()
	if err != nil {
		e.logger().Warn(fmt.Sprintf("%s - cannot send %v to %v: %v", logPrefix, env.Kind, to, err))
		return err
	}
	if elog != nil {
		elog(EnvelopeInfo{Envelope: env, Addr: to, Sent: true})
	}
	engineMetrics.envelopeSent.Add(1)
	if err := e.out.Send(to, text); err != nil {
		e.logger().Warn(fmt.Sprintf("%s - send %v to %v failed: %v", logPrefix, env.Kind, to, err))
		return err
	}
	return nil
}

// dispatch routes an inbound envelope from the specified service.
func (e *Engine) dispatch(from Address, env *envelope.Envelope) {
	if e.halted {
		return
	}
	e.μ.Lock()
	elog := e.elog
	e.μ.Unlock()
	if elog != nil {
		elog(EnvelopeInfo{Envelope: env, Addr: from})
	}

	switch env.Kind {
	case envelope.Invocation:
		e.dispatchInvocation(from, env)
	case envelope.Response, envelope.Error:
		e.dispatchReply(from, env)
	case envelope.Event:
		e.dispatchEvent(from, env)
	case envelope.Status:
		e.dispatchStatus(from, env)
	default:
		engineMetrics.envelopeDropped.Add(1)
	}
}

func (e *Engine) dispatchStatus(from Address, env *envelope.Envelope) {
	e.μ.Lock()
	onStatus := e.onStatus
	e.μ.Unlock()
	if onStatus == nil {
		engineMetrics.envelopeDropped.Add(1)
		e.logger().Debug(fmt.Sprintf("%s - dropped status %s.%s from %v", logPrefix, env.Capability, env.Aspect, from))
		return
	}
	e.guard("status hook", func() { onStatus(from, env) })
}

// guard calls f, recovering and logging a panic.
func (e *Engine) guard(what string, f func()) (ok bool) {
	defer func() {
		if x := recover(); x != nil {
			e.logger().Warn(fmt.Sprintf("%s - %s panicked (recovered): %v", logPrefix, what, x))
			ok = false
		}
	}()
	f()
	return true
}

// Disconnect purges all state associated with the specified peer: pending
// invocations to and from any of its services, event registrations, and
// proxies bound to its capabilities. No further callbacks are delivered for
// the purged invocations. The purge is a single step of the dispatch loop.
func (e *Engine) Disconnect(peer string) {
	e.post(func() {
		e.purge(func(a Address) bool { return a.Peer == peer }, "peer "+peer)
	})
}

// DropService purges all state associated with the specified remote service,
// as [Engine.Disconnect] does for a peer.
func (e *Engine) DropService(addr Address) {
	e.post(func() {
		e.purge(func(a Address) bool { return a == addr }, "service "+addr.String())
	})
}

func (e *Engine) purge(match func(Address) bool, what string) {
	var nout, nin, nreg, nprx int
	for _, out := range e.ocall {
		if match(out.to) {
			e.releaseOut(out)
			delete(e.bindings, out.id)
			if out.gone != nil {
				out.gone()
			}
			nout++
		}
	}
	for _, in := range e.icall {
		if match(in.from) {
			e.releaseIn(in)
			nin++
		}
	}
	for capability, rs := range e.receivers {
		for _, a := range rs.Slice() {
			if match(a) {
				rs.Remove(a)
				nreg++
			}
		}
		if rs.IsEmpty() {
			delete(e.receivers, capability)
		}
	}
	for key, slots := range e.proxies {
		if match(key.addr) {
			nprx += e.dropProxies(key, slots)
		}
	}
	e.logger().Info(fmt.Sprintf("%s - purged %s: %d outbound, %d inbound, %d registrations, %d proxies",
		logPrefix, what, nout, nin, nreg, nprx))
}

// Reconnected reports that the transport was re-established. All pending
// outbound invocations are treated as lost, and fail with a timeout error.
// Pending inbound invocations are abandoned without a reply.
func (e *Engine) Reconnected() {
	e.post(func() {
		for _, out := range e.ocall {
			e.expireOut(out)
		}
		for _, in := range e.icall {
			e.releaseIn(in)
		}
	})
}

// A Snapshot reports the state of an engine.
type Snapshot struct {
	Adapters  []string             // capabilities with a registered adapter
	Inbound   int                  // pending inbound invocations
	Outbound  int                  // pending outbound invocations
	Bindings  int                  // pending proxy bindings
	Receivers map[string][]Address // capability → registered event receivers
	Proxies   int                  // live proxies
}

// Snapshot returns a snapshot of the current state of e.
func (e *Engine) Snapshot() Snapshot {
	var s Snapshot
	e.do(func() {
		s.Inbound = len(e.icall)
		s.Outbound = len(e.ocall)
		s.Bindings = len(e.bindings)
		for _, slots := range e.proxies {
			s.Proxies += len(slots)
		}
		if len(e.receivers) != 0 {
			s.Receivers = make(map[string][]Address)
			for capability, rs := range e.receivers {
				addrs := rs.Slice()
				slices.SortFunc(addrs, compareAddress)
				s.Receivers[capability] = addrs
			}
		}
	})
	e.μ.Lock()
	defer e.μ.Unlock()
	for capability := range e.adapters {
		s.Adapters = append(s.Adapters, capability)
	}
	slices.Sort(s.Adapters)
	return s
}

func compareAddress(a, b Address) int {
	if c := cmp.Compare(a.Peer, b.Peer); c != 0 {
		return c
	}
	return cmp.Compare(a.Service, b.Service)
}

type engineContextKey struct{}

// ContextEngine returns the Engine associated with the given context, or nil
// if none is defined. The context of an inbound [Call] has this value.
func ContextEngine(ctx context.Context) *Engine {
	if v := ctx.Value(engineContextKey{}); v != nil {
		return v.(*Engine)
	}
	return nil
}
