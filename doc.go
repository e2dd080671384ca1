// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package capmesh implements a peer-to-peer capability invocation and event
// protocol for services on a local mesh.
//
// Each service advertises named capabilities, identified by a fully-qualified
// capability identifier (FQC-ID) such as "org.capmesh.Player". Peers invoke
// methods of a capability, receive events when its properties change, and
// exchange responses, using the envelopes defined by the envelope package.
//
// # Engines
//
// The core type defined by this package is the [Engine]. An engine routes
// envelopes between the local capabilities of one service and the remote
// services of the mesh, over a [Transport]:
//
//	e := capmesh.NewEngine().UseRegistry(caps.Catalog())
//	e.Start(tr)
//
// The engine runs until [Engine.Stop] is called or the transport fails. Call
// [Engine.Wait] to wait for the engine to exit and return its status:
//
//	if err := e.Wait(); err != nil {
//	   log.Fatalf("Engine failed: %v", err)
//	}
//
// All the state of an engine is owned by a single dispatch loop, which
// processes inbound envelopes, timer expirations, and application requests
// one at a time.
//
// # Adapters
//
// An [Adapter] exposes a local capability implementation to remote callers.
// Use [Engine.Register] to register an implementation whose adapter is known
// to the registry, or [Engine.RegisterAdapter] for a custom adapter:
//
//	e.Register("org.capmesh.Player", myPlayer)
//
// Adapters report asynchronous results and property-change events through the
// [Emitter] they are constructed with. Events are broadcast to each remote
// service that has registered a proxy for the capability.
//
// # Invocations
//
// To invoke a method of a remote capability, use [Engine.Invoke] or the
// blocking [Engine.Call]:
//
//	v, err := e.Call(ctx, addr, "org.capmesh.Player", "SetVolume", args)
//
// Each invocation has a fresh random ID and a deadline. It concludes exactly
// once: with the response or error sent by the remote service, or with a
// timeout error synthesized by the engine. Errors have concrete type
// [*CallError].
//
// # Proxies and Profile
//
// A [Proxy] represents a remote capability locally. Proxies are created by the
// Profile capability ([ProfileCapability]), which every engine implements. To
// bind a proxy, use [Engine.BindProxy]:
//
//	p, err := e.BindProxy(ctx, addr, "org.capmesh.Player")
//
// This asks the remote service to register the local service for events of
// the capability. The remote replies with a snapshot of the current property
// values, and the engine constructs a proxy with the registry and seeds it
// with those values. Subsequent events from the remote capability are
// delivered to the proxy.
//
// # Teardown
//
// Use [Engine.Disconnect] when a peer leaves the mesh, and
// [Engine.DropService] when a single remote service goes away. Either purges
// all pending invocations, registrations, and proxies associated with the
// departed peer or service in a single step. Use [Engine.Reconnected] after
// the transport is re-established; pending invocations fail with a timeout.
//
// # Metrics
//
// Engines maintain a collection of metrics while running. Use the
// [Engine.Metrics] method to obtain an [expvar.Map] containing the metrics
// exported by the engine. Metrics are shared globally among all engines.
//
// The metrics currently exported include:
//
//   - envelopes_received: counter of envelopes received
//   - envelopes_sent: counter of envelopes sent
//   - envelopes_dropped: counter of envelopes received and discarded
//   - invocations_in: counter of inbound invocations received
//   - invocations_in_failed: counter of inbound invocations resulting in errors
//   - invocations_active: gauge of inbound invocations currently pending
//   - invocations_out: counter of outbound invocations issued
//   - invocations_out_failed: counter of outbound invocations resulting in errors
//   - invocations_pending: gauge of outbound invocations currently pending
//   - invocation_timeouts: counter of invocations that timed out
//   - proxies_active: gauge of live proxies
package capmesh
