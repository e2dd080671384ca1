// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package capmesh

import "expvar"

// metrics record engine activity counters.
type metrics struct {
	envelopeRecv       expvar.Int
	envelopeSent       expvar.Int
	envelopeDropped    expvar.Int // received but not delivered anywhere
	invocationIn       expvar.Int // number of inbound invocations received
	invocationInErr    expvar.Int // number of inbound invocations reporting an error
	invocationActive   expvar.Int // inbound
	invocationOut      expvar.Int // number of outbound invocations issued
	invocationOutErr   expvar.Int // number of outbound invocations reporting an error
	invocationPending  expvar.Int // outbound
	invocationTimeouts expvar.Int
	proxiesActive      expvar.Int

	emap *expvar.Map
}

var engineMetrics = newMetrics()

func newMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	m.emap.Set("envelopes_received", &m.envelopeRecv)
	m.emap.Set("envelopes_sent", &m.envelopeSent)
	m.emap.Set("envelopes_dropped", &m.envelopeDropped)
	m.emap.Set("invocations_in", &m.invocationIn)
	m.emap.Set("invocations_in_failed", &m.invocationInErr)
	m.emap.Set("invocations_active", &m.invocationActive)
	m.emap.Set("invocations_out", &m.invocationOut)
	m.emap.Set("invocations_out_failed", &m.invocationOutErr)
	m.emap.Set("invocations_pending", &m.invocationPending)
	m.emap.Set("invocation_timeouts", &m.invocationTimeouts)
	m.emap.Set("proxies_active", &m.proxiesActive)
	return m
}
