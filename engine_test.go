// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package capmesh_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/capmesh"
	"github.com/creachadair/capmesh/catalog"
	"github.com/creachadair/capmesh/channel"
	"github.com/creachadair/capmesh/envelope"
	"github.com/creachadair/capmesh/peers"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/mtest"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

const testCap = "org.example.Test"

var (
	addrE = capmesh.Address{Peer: "E", Service: "main"}
	addrR = capmesh.Address{Peer: "R", Service: "raw"}
)

// testAdapter is an adapter whose behavior is selected by the aspect of the
// call.
type testAdapter struct {
	em    capmesh.Emitter
	props *envelope.Map
	held  chan *capmesh.Call // calls to "hold" are sent here
}

func newTestAdapter(em capmesh.Emitter) *testAdapter {
	return &testAdapter{
		em: em,
		props: envelope.NewMap().
			Set("volume", envelope.Number(0.5)).
			Set("playing", envelope.Bool(false)),
		held: make(chan *capmesh.Call, 16),
	}
}

func (a *testAdapter) Properties() *envelope.Map { return a.props }

func (a *testAdapter) Invoke(call *capmesh.Call) bool {
	switch call.Aspect {
	case "echo":
		call.Reply(call.Args)
	case "fail":
		call.Fail(errors.New("it broke"))
	case "panic":
		panic("oh no")
	case "nothing":
		// Reply with null.
	case "engine":
		call.Reply(envelope.Bool(capmesh.ContextEngine(call.Context()) != nil))
	case "infinity":
		call.Reply(envelope.Number(math.Inf(1)))
	case "badtext":
		call.Fail(errors.New("bad\x01text"))
	case "hold":
		a.held <- call
		return true
	default:
		call.Fail(capmesh.UnknownAspect(call.Capability, call.Aspect))
	}
	return false
}

func (a *testAdapter) nextHeld(t *testing.T) *capmesh.Call {
	t.Helper()
	select {
	case c := <-a.held:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a held call")
		return nil
	}
}

// rawPeer is an endpoint on a mesh that exchanges envelopes directly, so the
// test can observe and forge traffic.
type rawPeer struct {
	ep   *channel.Endpoint
	recv chan *capmesh.Message
}

func newRawPeer(m *channel.Mesh, addr capmesh.Address) *rawPeer {
	r := &rawPeer{ep: m.Endpoint(addr), recv: make(chan *capmesh.Message, 64)}
	go func() {
		defer close(r.recv)
		for {
			msg, err := r.ep.Recv()
			if err != nil {
				return
			}
			r.recv <- msg
		}
	}()
	return r
}

func (r *rawPeer) close() { r.ep.Close() }

func (r *rawPeer) send(t *testing.T, to capmesh.Address, env *envelope.Envelope) {
	t.Helper()
	text, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode %v: %v", env, err)
	}
	if err := r.ep.Send(to, text); err != nil {
		t.Fatalf("Send %v: %v", env, err)
	}
}

func (r *rawPeer) next(t *testing.T) *envelope.Envelope {
	t.Helper()
	select {
	case msg, ok := <-r.recv:
		if !ok {
			t.Fatal("Raw peer is closed")
		}
		env, err := envelope.Decode(msg.Text)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for an envelope")
		return nil
	}
}

// quiet reports an error if r receives anything within a short interval.
func (r *rawPeer) quiet(t *testing.T) {
	t.Helper()
	select {
	case msg := <-r.recv:
		t.Errorf("Unexpected message from %v: %s", msg.From, msg.Text)
	case <-time.After(30 * time.Millisecond):
	}
}

// newRawPair returns an engine at addrE with a test adapter registered, and a
// raw peer at addrR on the same mesh.
func newRawPair(t *testing.T) (*capmesh.Engine, *testAdapter, *rawPeer) {
	t.Helper()
	m := channel.NewMesh()
	r := newRawPeer(m, addrR)
	e := capmesh.NewEngine().Start(m.Endpoint(addrE))
	var ta *testAdapter
	if _, err := e.RegisterAdapter(testCap, func(em capmesh.Emitter) capmesh.Adapter {
		ta = newTestAdapter(em)
		return ta
	}); err != nil {
		t.Fatalf("RegisterAdapter: %v", err)
	}
	return e, ta, r
}

func invocation(id, capability, aspect string, args envelope.Value) *envelope.Envelope {
	return &envelope.Envelope{
		Kind:       envelope.Invocation,
		Invocation: id,
		Capability: capability,
		Aspect:     aspect,
		Arguments:  args,
	}
}

func profileArgs(capability string) envelope.Value {
	return envelope.MapValue(envelope.NewMap().Set("capability", envelope.String(capability)))
}

func checkError(t *testing.T, env *envelope.Envelope, id string, code int) {
	t.Helper()
	if env.Kind != envelope.Error || env.Invocation != id || env.Domain != capmesh.Domain || env.Code != code {
		t.Errorf("Got %v, want Error(ID=%s, %s:%d)", env, id, capmesh.Domain, code)
	}
}

// waitSnapshot polls e until its snapshot satisfies ok.
func waitSnapshot(t *testing.T, e *capmesh.Engine, ok func(capmesh.Snapshot) bool) capmesh.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s := e.Snapshot()
		if ok(s) {
			return s
		} else if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for snapshot: %+v", s)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEngine(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping engines: %v", err)
		}
		checkZero := func(m *expvar.Map, name string) {
			v := m.Get(name).(*expvar.Int).Value()
			if v != 0 {
				t.Errorf("Metric %q = %d, want 0", name, v)
			}
		}
		m := loc.A.Metrics()
		t.Logf("Metrics at exit: %v", m)

		checkZero(m, "invocations_active")
		checkZero(m, "invocations_pending")
	}()
	if _, err := loc.A.RegisterAdapter(testCap, func(em capmesh.Emitter) capmesh.Adapter {
		return newTestAdapter(em)
	}); err != nil {
		t.Fatalf("RegisterAdapter: %v", err)
	}

	tests := []struct {
		capability, aspect string
		args               envelope.Value
		want               envelope.Value
		wantErr            error
		wantMsg            string
	}{
		{testCap, "echo", envelope.String("hello"), envelope.String("hello"), nil, ""},
		{testCap, "echo", envelope.Null, envelope.Null, nil, ""},
		{testCap, "nothing", envelope.Number(1), envelope.Null, nil, ""},
		{testCap, "engine", envelope.Null, envelope.Bool(true), nil, ""},
		{testCap, "fail", envelope.Null, envelope.Null, capmesh.ErrServiceError, "it broke"},
		{testCap, "panic", envelope.Null, envelope.Null, capmesh.ErrServiceError, "panic failed"},
		{testCap, "nonesuch", envelope.Null, envelope.Null, capmesh.ErrUnknownAspect, "nonesuch"},
		{testCap, "infinity", envelope.Null, envelope.Null, capmesh.ErrServiceError, "cannot be encoded"},
		{testCap, "badtext", envelope.Null, envelope.Null, capmesh.ErrServiceError, "bad\ufffdtext"},
		{testCap, "echo", envelope.Number(math.Inf(-1)), envelope.Null, capmesh.ErrMalformedMessage, "cannot encode"},
		{"org.example.Missing", "echo", envelope.Null, envelope.Null, capmesh.ErrUnknownCapability, "org.example.Missing"},
	}
	for _, tc := range tests {
		t.Run(tc.capability+"."+tc.aspect, func(t *testing.T) {
			got, err := loc.B.Call(t.Context(), loc.AddrA, tc.capability, tc.aspect, tc.args)
			if tc.wantErr != nil {
				var ce *capmesh.CallError
				if !errors.As(err, &ce) {
					t.Fatalf("Call: got error %[1]T (%[1]v), want *CallError", err)
				}
				if !errors.Is(err, tc.wantErr) {
					t.Errorf("Call: got %v, want %v", err, tc.wantErr)
				}
				if !strings.Contains(ce.Message, tc.wantMsg) {
					t.Errorf("Call: message %q does not mention %q", ce.Message, tc.wantMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Call: unexpected error: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Errorf("Call: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	e := capmesh.NewEngine()
	newAdapter := func(em capmesh.Emitter) capmesh.Adapter { return newTestAdapter(em) }

	if _, err := e.RegisterAdapter(testCap, newAdapter); err != nil {
		t.Fatalf("RegisterAdapter: %v", err)
	}
	if _, err := e.RegisterAdapter(testCap, newAdapter); err == nil {
		t.Error("RegisterAdapter duplicate: got nil, want error")
	}
	if _, err := e.RegisterAdapter(capmesh.ProfileCapability, newAdapter); err == nil {
		t.Error("RegisterAdapter profile: got nil, want error")
	}
	if _, err := e.Register("org.example.Other", nil); !errors.Is(err, capmesh.ErrUnknownCapability) {
		t.Errorf("Register without registry: got %v, want %v", err, capmesh.ErrUnknownCapability)
	}
	if diff := cmp.Diff([]string{testCap}, e.Snapshot().Adapters); diff != "" {
		t.Errorf("Adapters (-want, +got):\n%s", diff)
	}
	if !e.Unregister(testCap) {
		t.Error("Unregister: got false, want true")
	}
	if e.Unregister(testCap) {
		t.Error("Unregister again: got true, want false")
	}
	if got := e.Snapshot().Adapters; len(got) != 0 {
		t.Errorf("Adapters: got %q, want none", got)
	}

	// Starting an engine twice is not allowed.
	m := channel.NewMesh()
	e.Start(m.Endpoint(addrE))
	defer e.Stop()
	mtest.MustPanic(t, func() { e.Start(m.Endpoint(addrR)) })
}

func TestDistinctIDs(t *testing.T) {
	defer leaktest.Check(t)()

	e, _, r := newRawPair(t)
	defer r.close()
	defer e.Stop()

	const numCalls = 32
	var μ sync.Mutex
	issued := mapset.New[string]()

	var wg sync.WaitGroup
	for range numCalls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := e.Invoke(addrR, testCap, "echo", envelope.Null, nil)
			μ.Lock()
			defer μ.Unlock()
			issued.Add(id)
		}()
	}
	wg.Wait()

	sent := mapset.New[string]()
	for range numCalls {
		env := r.next(t)
		if env.Kind != envelope.Invocation {
			t.Errorf("Got %v, want an invocation", env)
		}
		sent.Add(env.Invocation)
	}
	if issued.Len() != numCalls {
		t.Errorf("Issued %d distinct IDs, want %d", issued.Len(), numCalls)
	}
	if !sent.Equals(issued) {
		t.Errorf("Sent IDs %v differ from issued IDs %v", sent, issued)
	}
	if got := e.Snapshot().Outbound; got != numCalls {
		t.Errorf("Outbound: got %d, want %d", got, numCalls)
	}
}

func TestTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	e, _, r := newRawPair(t)
	defer r.close()
	defer e.Stop()

	replies := make(chan envelope.Kind, 4)
	e.SetTimeout(30 * time.Millisecond).LogEnvelopes(func(info capmesh.EnvelopeInfo) {
		if !info.Sent {
			replies <- info.Kind
		}
	})

	var calls atomic.Int32
	done := make(chan error, 4)
	id := e.Invoke(addrR, testCap, "echo", envelope.Null, func(_ envelope.Value, err error) {
		calls.Add(1)
		done <- err
	})
	if env := r.next(t); env.Invocation != id {
		t.Errorf("Invocation ID: got %q, want %q", env.Invocation, id)
	}

	select {
	case err := <-done:
		if !errors.Is(err, capmesh.ErrInvocationTimeout) {
			t.Errorf("Invoke: got %v, want %v", err, capmesh.ErrInvocationTimeout)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the invocation to time out")
	}

	// A response arriving after the deadline is dropped.
	r.send(t, addrE, &envelope.Envelope{Kind: envelope.Response, Invocation: id, Response: envelope.String("late")})
	if got := <-replies; got != envelope.Response {
		t.Errorf("Received %v, want %v", got, envelope.Response)
	}
	if s := e.Snapshot(); s.Outbound != 0 {
		t.Errorf("Outbound: got %d, want 0", s.Outbound)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("Completion called %d times, want 1", n)
	}
}

func TestInboundTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	e, ta, r := newRawPair(t)
	defer r.close()
	defer e.Stop()
	e.SetTimeout(30 * time.Millisecond)

	r.send(t, addrE, invocation("slow", testCap, "hold", envelope.Null))
	call := ta.nextHeld(t)
	checkError(t, r.next(t), "slow", capmesh.CodeInvocationTimeout)

	select {
	case <-call.Context().Done():
	case <-time.After(5 * time.Second):
		t.Error("Call context was not cancelled")
	}

	// A reply after the deadline is not sent.
	call.Reply(envelope.String("too late"))
	r.quiet(t)
}

func TestWrongSender(t *testing.T) {
	defer leaktest.Check(t)()

	m := channel.NewMesh()
	r := newRawPeer(m, addrR)
	defer r.close()
	x := newRawPeer(m, capmesh.Address{Peer: "X", Service: "raw"})
	defer x.close()
	e := capmesh.NewEngine().Start(m.Endpoint(addrE))
	defer e.Stop()

	done := make(chan envelope.Value, 1)
	id := e.Invoke(addrR, testCap, "echo", envelope.Null, func(v envelope.Value, err error) {
		if err != nil {
			t.Errorf("Invoke: unexpected error: %v", err)
		}
		done <- v
	})
	r.next(t)

	// A reply from a service other than the target does not conclude it.
	x.send(t, addrE, &envelope.Envelope{Kind: envelope.Response, Invocation: id, Response: envelope.String("forged")})
	r.send(t, addrE, &envelope.Envelope{Kind: envelope.Response, Invocation: id, Response: envelope.String("real")})
	select {
	case v := <-done:
		if s, _ := v.AsString(); s != "real" {
			t.Errorf("Invoke: got %v, want real", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a response")
	}
}

func TestDuplicateInvocation(t *testing.T) {
	defer leaktest.Check(t)()

	e, ta, r := newRawPair(t)
	defer r.close()
	defer e.Stop()

	r.send(t, addrE, invocation("dup", testCap, "hold", envelope.Null))
	call := ta.nextHeld(t)
	r.send(t, addrE, invocation("dup", testCap, "echo", envelope.Null))
	checkError(t, r.next(t), "dup", capmesh.CodeDuplicateInvocation)

	// The original invocation is undisturbed.
	if got := e.Snapshot().Inbound; got != 1 {
		t.Errorf("Inbound: got %d, want 1", got)
	}
	call.Reply(envelope.String("first"))
	env := r.next(t)
	if env.Kind != envelope.Response || env.Invocation != "dup" || !env.Response.Equal(envelope.String("first")) {
		t.Errorf("Got %v, want Response(ID=dup, first)", env)
	}
}

func TestUnregister(t *testing.T) {
	defer leaktest.Check(t)()

	e, ta, r := newRawPair(t)
	defer r.close()
	defer e.Stop()

	r.send(t, addrE, invocation("u1", testCap, "hold", envelope.Null))
	call := ta.nextHeld(t)
	if !e.Unregister(testCap) {
		t.Fatal("Unregister: got false, want true")
	}
	checkError(t, r.next(t), "u1", capmesh.CodeRecipientGone)
	if call.Context().Err() == nil {
		t.Error("Call context was not cancelled")
	}

	r.send(t, addrE, invocation("u2", testCap, "echo", envelope.Null))
	checkError(t, r.next(t), "u2", capmesh.CodeUnknownCapability)
}

func TestProfile(t *testing.T) {
	defer leaktest.Check(t)()

	e, ta, r := newRawPair(t)
	defer r.close()
	defer e.Stop()

	tests := []struct {
		id, aspect string
		args       envelope.Value
		code       int
	}{
		{"p1", capmesh.AspectRegisterProxy, envelope.Null, capmesh.CodeMalformedMessage},
		{"p2", capmesh.AspectRegisterProxy, envelope.String(testCap), capmesh.CodeMalformedMessage},
		{"p3", capmesh.AspectRegisterProxy, profileArgs("org.example.Missing"), capmesh.CodeUnknownCapability},
		{"p4", "nonesuch", profileArgs(testCap), capmesh.CodeUnknownAspect},
	}
	for _, tc := range tests {
		r.send(t, addrE, invocation(tc.id, capmesh.ProfileCapability, tc.aspect, tc.args))
		checkError(t, r.next(t), tc.id, tc.code)
	}

	// Registration replies with the current properties.
	r.send(t, addrE, invocation("reg", capmesh.ProfileCapability, capmesh.AspectRegisterProxy, profileArgs(testCap)))
	env := r.next(t)
	if env.Kind != envelope.Response || !env.Response.Equal(envelope.MapValue(ta.props)) {
		t.Errorf("Register: got %v, want properties %v", env, ta.props)
	}
	if diff := cmp.Diff(map[string][]capmesh.Address{testCap: {addrR}}, e.Snapshot().Receivers); diff != "" {
		t.Errorf("Receivers (-want, +got):\n%s", diff)
	}

	// Events are broadcast to the registered receiver.
	ta.em.Emit("volume", envelope.Number(0.8))
	env = r.next(t)
	if env.Kind != envelope.Event || env.Capability != testCap || env.Aspect != "volume" || !env.Arguments.Equal(envelope.Number(0.8)) {
		t.Errorf("Event: got %v, want Event(%s.volume, 0.8)", env, testCap)
	}

	for _, want := range []bool{true, false} {
		r.send(t, addrE, invocation("unreg", capmesh.ProfileCapability, capmesh.AspectUnregisterProxy, profileArgs(testCap)))
		env := r.next(t)
		if env.Kind != envelope.Response || !env.Response.Equal(envelope.Bool(want)) {
			t.Errorf("Unregister: got %v, want %v", env, want)
		}
	}
	ta.em.Emit("volume", envelope.Number(0.2))
	r.quiet(t)
}

// recordProxy is a proxy that records what the engine delivers to it.
type recordProxy struct {
	conn    capmesh.ProxyConn
	events  chan string
	replies chan string
}

func newRecordProxy(conn capmesh.ProxyConn) capmesh.Proxy {
	return &recordProxy{
		conn:    conn,
		events:  make(chan string, 16),
		replies: make(chan string, 16),
	}
}

func (p *recordProxy) HandleEvent(aspect string, args envelope.Value) {
	p.events <- fmt.Sprintf("%s=%v", aspect, args)
}

func (p *recordProxy) HandleResponse(id string, v envelope.Value) {
	p.replies <- fmt.Sprintf("%s ok %v", id, v)
}

func (p *recordProxy) HandleError(id string, err error) {
	p.replies <- fmt.Sprintf("%s error %v", id, err)
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for delivery")
		return ""
	}
}

func TestBindProxy(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	var ta *testAdapter
	if _, err := loc.A.RegisterAdapter(testCap, func(em capmesh.Emitter) capmesh.Adapter {
		ta = newTestAdapter(em)
		return ta
	}); err != nil {
		t.Fatalf("RegisterAdapter: %v", err)
	}
	loc.A.RegisterAdapter("org.example.NoProxy", func(em capmesh.Emitter) capmesh.Adapter { return newTestAdapter(em) })
	loc.Mesh.Advertise("A", testCap, "org.example.NoProxy", "org.example.Ghost")

	var bound atomic.Int32
	loc.B.UseRegistry(catalog.New(catalog.Entry{ID: testCap, Proxy: newRecordProxy})).
		OnProxy(func(info capmesh.ProxyInfo) {
			bound.Add(1)
			if info.Addr != loc.AddrA || info.Capability != testCap {
				t.Errorf("OnProxy: got %v %q, want %v %q", info.Addr, info.Capability, loc.AddrA, testCap)
			}
		})

	ctx := t.Context()
	p, err := loc.B.BindProxy(ctx, loc.AddrA, testCap)
	if err != nil {
		t.Fatalf("BindProxy: %v", err)
	}
	rp := p.(*recordProxy)

	// The proxy is seeded with the current properties.
	seed := []string{recv(t, rp.events), recv(t, rp.events)}
	if diff := cmp.Diff([]string{"volume=0.5", "playing=false"}, seed); diff != "" {
		t.Errorf("Seed events (-want, +got):\n%s", diff)
	}
	if n := bound.Load(); n != 1 {
		t.Errorf("OnProxy called %d times, want 1", n)
	}

	// Property changes are delivered as events.
	ta.em.Emit("volume", envelope.Number(0.8))
	if got := recv(t, rp.events); got != "volume=0.8" {
		t.Errorf("Event: got %q, want volume=0.8", got)
	}

	// Invocations via the connection are reported to the proxy.
	id := rp.conn.Invoke("echo", envelope.String("hi"))
	if got, want := recv(t, rp.replies), id+` ok "hi"`; got != want {
		t.Errorf("Reply: got %q, want %q", got, want)
	}
	id = rp.conn.Invoke("nonesuch", envelope.Null)
	if got := recv(t, rp.replies); !strings.HasPrefix(got, id+" error unknown aspect") {
		t.Errorf("Reply: got %q, want unknown aspect error", got)
	}

	// Binding fails if the peer does not advertise the capability, if the
	// remote service has no adapter, or if there is no local proxy.
	for _, capability := range []string{"org.example.Unlisted", "org.example.Ghost", "org.example.NoProxy"} {
		if p, err := loc.B.BindProxy(ctx, loc.AddrA, capability); !errors.Is(err, capmesh.ErrUnknownCapability) {
			t.Errorf("BindProxy %q: got %v, %v; want %v", capability, p, err, capmesh.ErrUnknownCapability)
		}
	}
	waitSnapshot(t, loc.A, func(s capmesh.Snapshot) bool { return len(s.Receivers) == 1 })
	if n := bound.Load(); n != 1 {
		t.Errorf("OnProxy called %d times, want 1", n)
	}

	// Unbinding the last proxy removes the remote registration.
	if ok, err := loc.B.UnbindProxy(ctx, p); err != nil || !ok {
		t.Errorf("UnbindProxy: got %v, %v; want true, nil", ok, err)
	}
	if s := loc.A.Snapshot(); len(s.Receivers) != 0 {
		t.Errorf("Receivers: got %v, want none", s.Receivers)
	}
	if s := loc.B.Snapshot(); s.Proxies != 0 {
		t.Errorf("Proxies: got %d, want 0", s.Proxies)
	}
	if ok, err := loc.B.UnbindProxy(ctx, p); err != nil || ok {
		t.Errorf("UnbindProxy again: got %v, %v; want false, nil", ok, err)
	}
}

func TestDisconnect(t *testing.T) {
	defer leaktest.Check(t)()

	e, ta, r := newRawPair(t)
	defer r.close()
	defer e.Stop()

	// Two pending inbound invocations and one event registration from R.
	r.send(t, addrE, invocation("h1", testCap, "hold", envelope.Null))
	r.send(t, addrE, invocation("h2", testCap, "hold", envelope.Null))
	r.send(t, addrE, invocation("reg", capmesh.ProfileCapability, capmesh.AspectRegisterProxy, profileArgs(testCap)))
	held := []*capmesh.Call{ta.nextHeld(t), ta.nextHeld(t)}
	if env := r.next(t); env.Kind != envelope.Response || env.Invocation != "reg" {
		t.Fatalf("Register: got %v, want response", env)
	}

	// One pending outbound invocation to R.
	result := make(chan error, 1)
	go func() {
		_, err := e.Call(context.Background(), addrR, testCap, "echo", envelope.Null)
		result <- err
	}()
	r.next(t)

	s := e.Snapshot()
	if s.Inbound != 2 || s.Outbound != 1 || len(s.Receivers[testCap]) != 1 {
		t.Fatalf("Before disconnect: got %+v", s)
	}

	e.Disconnect(addrR.Peer)
	select {
	case err := <-result:
		if !errors.Is(err, capmesh.ErrRecipientGone) {
			t.Errorf("Call: got %v, want %v", err, capmesh.ErrRecipientGone)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for Call to fail")
	}
	if diff := cmp.Diff(capmesh.Snapshot{Adapters: []string{testCap}}, e.Snapshot()); diff != "" {
		t.Errorf("After disconnect (-want, +got):\n%s", diff)
	}
	for _, c := range held {
		if c.Context().Err() == nil {
			t.Errorf("Call %q context was not cancelled", c.ID)
		}
		c.Reply(envelope.String("orphan"))
	}
	ta.em.Emit("volume", envelope.Number(1))
	r.quiet(t)
}

func TestDropService(t *testing.T) {
	defer leaktest.Check(t)()

	m := channel.NewMesh()
	r1 := newRawPeer(m, addrR)
	defer r1.close()
	other := capmesh.Address{Peer: addrR.Peer, Service: "other"}
	r2 := newRawPeer(m, other)
	defer r2.close()
	e := capmesh.NewEngine().Start(m.Endpoint(addrE))
	defer e.Stop()

	e.Invoke(addrR, testCap, "echo", envelope.Null, nil)
	e.Invoke(other, testCap, "echo", envelope.Null, nil)
	r1.next(t)
	r2.next(t)

	// Only the state of the dropped service is purged.
	e.DropService(addrR)
	if got := e.Snapshot().Outbound; got != 1 {
		t.Errorf("Outbound: got %d, want 1", got)
	}
}

func TestReconnected(t *testing.T) {
	defer leaktest.Check(t)()

	e, ta, r := newRawPair(t)
	defer r.close()
	defer e.Stop()

	r.send(t, addrE, invocation("in", testCap, "hold", envelope.Null))
	call := ta.nextHeld(t)

	result := make(chan error, 1)
	go func() {
		_, err := e.Call(context.Background(), addrR, testCap, "echo", envelope.Null)
		result <- err
	}()
	r.next(t)

	e.Reconnected()
	if err := <-result; !errors.Is(err, capmesh.ErrInvocationTimeout) {
		t.Errorf("Call: got %v, want %v", err, capmesh.ErrInvocationTimeout)
	}

	// The inbound invocation is abandoned without a reply.
	call.Reply(envelope.Null)
	r.quiet(t)
	if s := e.Snapshot(); s.Inbound != 0 || s.Outbound != 0 {
		t.Errorf("After reconnect: got %+v", s)
	}
}

func TestStatus(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	type status struct {
		From      capmesh.Address
		Aspect    string
		Condition string
	}
	got := make(chan status, 1)
	loc.B.OnStatus(func(from capmesh.Address, env *envelope.Envelope) {
		got <- status{From: from, Aspect: env.Aspect, Condition: env.Condition.String()}
	})

	if err := loc.A.SendStatus(loc.AddrB, &envelope.Envelope{
		Kind:       envelope.Status,
		Capability: testCap,
		Aspect:     "health",
		Condition:  envelope.String("ok"),
	}); err != nil {
		t.Fatalf("SendStatus: %v", err)
	}
	select {
	case s := <-got:
		if diff := cmp.Diff(status{loc.AddrA, "health", `"ok"`}, s); diff != "" {
			t.Errorf("Status (-want, +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for status")
	}

	if err := loc.A.SendStatus(loc.AddrB, &envelope.Envelope{Kind: envelope.Event}); err == nil {
		t.Error("SendStatus with an event: got nil, want error")
	}
}

func TestMalformed(t *testing.T) {
	defer leaktest.Check(t)()

	e, _, r := newRawPair(t)
	defer r.close()
	defer e.Stop()

	// Text that does not decode is discarded, and the engine keeps running.
	for _, text := range []string{"", "garbage", "<message/>", `<message type="Bogus"/>`, `<message type="Invocation"/>`} {
		if err := r.ep.Send(addrE, []byte(text)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	r.send(t, addrE, invocation("ok", testCap, "echo", envelope.Number(3)))
	if env := r.next(t); env.Kind != envelope.Response || env.Invocation != "ok" {
		t.Errorf("Got %v, want Response(ID=ok)", env)
	}
}

func TestStop(t *testing.T) {
	defer leaktest.Check(t)()

	e, _, r := newRawPair(t)
	defer r.close()

	exited := make(chan error, 1)
	e.OnExit(func(err error) { exited <- err })

	result := make(chan error, 1)
	go func() {
		_, err := e.Call(context.Background(), addrR, testCap, "echo", envelope.Null)
		result <- err
	}()
	r.next(t)

	if err := e.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
	if err := <-exited; err != nil {
		t.Errorf("OnExit: got %v, want nil", err)
	}
	for _, err := range []error{<-result, func() error {
		_, err := e.Call(context.Background(), addrR, testCap, "echo", envelope.Null)
		return err
	}()} {
		if !errors.Is(err, capmesh.ErrStopped) || !errors.Is(err, capmesh.ErrRecipientGone) {
			t.Errorf("Call: got %v, want %v", err, capmesh.ErrStopped)
		}
	}
	if err := e.Wait(); err != nil {
		t.Errorf("Wait: unexpected error: %v", err)
	}
}

func TestCallCancel(t *testing.T) {
	defer leaktest.Check(t)()

	e, _, r := newRawPair(t)
	defer r.close()
	defer e.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if v, err := e.Call(ctx, addrR, testCap, "echo", envelope.Null); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call: got %v, %v; want %v", v, err, context.DeadlineExceeded)
	}
	env := r.next(t)

	// The abandoned invocation is released, and its reply dropped.
	waitSnapshot(t, e, func(s capmesh.Snapshot) bool { return s.Outbound == 0 })
	r.send(t, addrE, &envelope.Envelope{Kind: envelope.Response, Invocation: env.Invocation, Response: envelope.Null})
	if got := e.Snapshot().Outbound; got != 0 {
		t.Errorf("Outbound: got %d, want 0", got)
	}
}
