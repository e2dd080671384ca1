// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package capmesh

import (
	"context"
	"sync"

	"github.com/creachadair/capmesh/envelope"
)

// An Adapter exposes a local capability implementation to the engine.
//
// The engine calls the methods of an Adapter only from its dispatch loop, so
// an implementation does not need to synchronize with itself, but it must not
// block.
type Adapter interface {
	// Properties returns a snapshot of the current property values of the
	// capability. It must not have side-effects.
	Properties() *envelope.Map

	// Invoke handles an inbound invocation. If it returns false the
	// invocation is concluded as soon as Invoke returns: the engine replies
	// with the result passed to call.Reply or the error passed to call.Fail,
	// or with a null response if neither was called. If it returns true the
	// invocation remains pending until the adapter replies via the call or
	// its [Emitter], or the invocation times out.
	Invoke(call *Call) (keepPending bool)
}

// A Closer is an [Adapter] that holds resources to release when it leaves
// service. The engine calls Close at most once: when the adapter is
// unregistered, rejected as a duplicate, or the engine stops. Close must not
// block.
type Closer interface {
	Close()
}

// An Emitter is the channel by which an [Adapter] reports asynchronous
// results and events to the engine. Its methods are safe for concurrent use
// and do not block.
type Emitter interface {
	// Respond concludes the pending invocation id with a result.
	Respond(id string, v envelope.Value)

	// Fail concludes the pending invocation id with an error. An error of
	// concrete type *CallError is sent as-is; any other error is reported as
	// a service error with its text as the message.
	Fail(id string, err error)

	// Emit broadcasts an event to every service registered to receive events
	// for the capability.
	Emit(aspect string, args envelope.Value)
}

// A Call is an inbound invocation delivered to an [Adapter].
type Call struct {
	ID         string         // the invocation ID
	From       Address        // the calling service
	Capability string         // the capability FQC-ID
	Aspect     string         // the method name
	Args       envelope.Value // the arguments, or null

	ctx context.Context
	em  Emitter

	μ      sync.Mutex
	inline bool // Invoke is running on the dispatch loop
	done   bool // a result has been recorded or sent
	result envelope.Value
	err    error
}

// Context returns a context for the call. It is cancelled when the invocation
// concludes for any reason, including timeout and teardown of the caller.
// Use [ContextEngine] to recover the engine from it.
func (c *Call) Context() context.Context { return c.ctx }

// Reply concludes the invocation with result v. Only the first call to Reply
// or Fail has any effect.
func (c *Call) Reply(v envelope.Value) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.done {
		return
	}
	c.done = true
	if c.inline {
		c.result = v
	} else {
		c.em.Respond(c.ID, v)
	}
}

// Fail concludes the invocation with error err. Only the first call to Reply
// or Fail has any effect.
func (c *Call) Fail(err error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.done {
		return
	}
	c.done = true
	if c.inline {
		c.err = err
	} else {
		c.em.Fail(c.ID, err)
	}
}

// finish ends the inline phase of c, and reports whether a result was
// recorded during it.
func (c *Call) finish() (envelope.Value, bool, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.inline = false
	return c.result, c.done, c.err
}

// A Proxy represents a remote capability locally. The engine calls the
// methods of a Proxy only from its dispatch loop; they must not block.
type Proxy interface {
	// HandleEvent applies a property update or notification from the remote
	// capability. It is also called once for each property of the snapshot
	// that seeds a new proxy.
	HandleEvent(aspect string, args envelope.Value)

	// HandleResponse completes the invocation id issued via the proxy's
	// [ProxyConn].
	HandleResponse(id string, v envelope.Value)

	// HandleError reports the failure of invocation id issued via the
	// proxy's [ProxyConn]. The error has concrete type *CallError.
	HandleError(id string, err error)
}

// A ProxyConn is the channel by which a [Proxy] issues invocations to its
// remote capability.
type ProxyConn interface {
	// Invoke sends an invocation of aspect with args and returns its ID. The
	// outcome is reported to the proxy's HandleResponse or HandleError. An
	// invocation that is pending when the proxy is unbound or purged, or made
	// after that, fails with a recipient-gone error.
	Invoke(aspect string, args envelope.Value) string

	// Address returns the address of the remote service.
	Address() Address

	// Capability returns the FQC-ID of the remote capability.
	Capability() string
}
