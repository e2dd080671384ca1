// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package natsmesh_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/creachadair/capmesh"
	"github.com/creachadair/capmesh/envelope"
	"github.com/creachadair/capmesh/handler"
	"github.com/creachadair/capmesh/natsmesh"
	"github.com/google/go-cmp/cmp"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

var (
	addrA = capmesh.Address{Peer: "alice", Service: "player"}
	addrB = capmesh.Address{Peer: "bob.example", Service: "remote"}
)

// startServer starts an in-process NATS server and returns a connection to
// it. Both are cleaned up when the test ends.
func startServer(t *testing.T) (*nats.Conn, string) {
	t.Helper()

	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   natsserver.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("Create server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("Server failed to start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return mustConnect(t, ns.ClientURL()), ns.ClientURL()
}

func mustConnect(t *testing.T, url string) *nats.Conn {
	t.Helper()
	nc, err := natsmesh.Connect(url, t.Name(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func mustListen(t *testing.T, nc *nats.Conn, addr capmesh.Address) *natsmesh.Transport {
	t.Helper()
	tr, err := natsmesh.Listen(nc, addr)
	if err != nil {
		t.Fatalf("Listen %v: %v", addr, err)
	}
	return tr
}

func TestSubject(t *testing.T) {
	tests := []struct {
		addr capmesh.Address
		want string
	}{
		{capmesh.Address{Peer: "alice", Service: "player"}, "capmesh.svc.alice.player"},
		{capmesh.Address{Peer: "bob.example", Service: "a b"}, "capmesh.svc.bob%2Eexample.a%20b"},
		{capmesh.Address{Peer: "*", Service: ">"}, "capmesh.svc.%2A.%3E"},
		{capmesh.Address{Peer: "50%", Service: ""}, "capmesh.svc.50%25.%"},
	}
	for _, tc := range tests {
		if got := natsmesh.Subject(tc.addr); got != tc.want {
			t.Errorf("Subject(%v): got %q, want %q", tc.addr, got, tc.want)
		}
	}
}

func TestConnectInvalid(t *testing.T) {
	nc, err := natsmesh.Connect("invalid://not-a-nats-server", "test", nil)
	if err == nil {
		nc.Close()
		t.Fatal("Connect: got nil error for an invalid URL")
	}
}

func TestTransport(t *testing.T) {
	nc, _ := startServer(t)
	a := mustListen(t, nc, addrA)
	b := mustListen(t, nc, addrB)

	if err := a.Send(addrB, []byte("ping")); err != nil {
		t.Fatalf("A Send: %v", err)
	}
	msg, err := b.Recv()
	if err != nil {
		t.Fatalf("B Recv: %v", err)
	}
	if diff := cmp.Diff(&capmesh.Message{From: addrA, Text: []byte("ping")}, msg); diff != "" {
		t.Errorf("B Recv (-want, +got):\n%s", diff)
	}

	// A message with no sender is discarded.
	if err := nc.Publish(natsmesh.Subject(addrA), []byte("anonymous")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Send(addrA, []byte("pong")); err != nil {
		t.Fatalf("B Send: %v", err)
	}
	if msg, err := a.Recv(); err != nil {
		t.Fatalf("A Recv: %v", err)
	} else if string(msg.Text) != "pong" || msg.From != addrB {
		t.Errorf("A Recv: got %v %q, want %v pong", msg.From, msg.Text, addrB)
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := a.Close(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Close again: got %v, want %v", err, net.ErrClosed)
	}
	if _, err := a.Recv(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Recv after close: got %v, want %v", err, net.ErrClosed)
	}
	if err := a.Send(addrB, nil); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send after close: got %v, want %v", err, net.ErrClosed)
	}
	b.Close()
}

func TestEngines(t *testing.T) {
	nc, url := startServer(t)
	nc2 := mustConnect(t, url)

	const echoCap = "org.example.Echo"
	srv := capmesh.NewEngine().Start(mustListen(t, nc, addrA))
	defer srv.Stop()
	if _, err := srv.RegisterAdapter(echoCap, func(em capmesh.Emitter) capmesh.Adapter {
		return handler.New(em).Method("echo", func(_ context.Context, args envelope.Value) (envelope.Value, error) {
			return args, nil
		})
	}); err != nil {
		t.Fatalf("RegisterAdapter: %v", err)
	}
	adv, err := natsmesh.Advertise(nc, addrA.Peer, func() []string { return srv.Snapshot().Adapters })
	if err != nil {
		t.Fatalf("Advertise: %v", err)
	}
	defer adv.Unsubscribe()

	cli := capmesh.NewEngine().
		UseRoster(natsmesh.NewRoster(nc2, time.Second)).
		Start(mustListen(t, nc2, addrB))
	defer cli.Stop()

	ctx := context.Background()
	got, err := cli.Call(ctx, addrA, echoCap, "echo", envelope.String("over nats"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if s, _ := got.AsString(); s != "over nats" {
		t.Errorf("Call: got %v, want %q", got, "over nats")
	}

	// The server has no adapter for this capability.
	if _, err := cli.Call(ctx, addrA, "org.example.Missing", "x", envelope.Null); !errors.Is(err, capmesh.ErrUnknownCapability) {
		t.Errorf("Call missing: got %v, want %v", err, capmesh.ErrUnknownCapability)
	}

	// Binding checks the roster before contacting the peer.
	if _, err := cli.BindProxy(ctx, addrA, "org.example.Missing"); !errors.Is(err, capmesh.ErrUnknownCapability) {
		t.Errorf("BindProxy missing: got %v, want %v", err, capmesh.ErrUnknownCapability)
	}
}

func TestRoster(t *testing.T) {
	nc, _ := startServer(t)

	adv, err := natsmesh.Advertise(nc, "alice", func() []string {
		return []string{"org.example.Player", "org.example.Battery"}
	})
	if err != nil {
		t.Fatalf("Advertise: %v", err)
	}
	defer adv.Unsubscribe()

	r := natsmesh.NewRoster(nc, 0)
	ctx := context.Background()
	got, err := r.KnownCapabilities(ctx, "alice")
	if err != nil {
		t.Fatalf("KnownCapabilities: %v", err)
	}
	if diff := cmp.Diff([]string{"org.example.Battery", "org.example.Player"}, got); diff != "" {
		t.Errorf("KnownCapabilities (-want, +got):\n%s", diff)
	}

	// A peer with no responder advertises nothing.
	got, err = r.KnownCapabilities(ctx, "nobody")
	if err != nil || len(got) != 0 {
		t.Errorf("KnownCapabilities nobody: got %v, %v; want empty, nil", got, err)
	}
}

func TestDepart(t *testing.T) {
	nc, _ := startServer(t)

	left := make(chan string, 1)
	sub, err := natsmesh.OnDepart(nc, func(peer string) { left <- peer })
	if err != nil {
		t.Fatalf("OnDepart: %v", err)
	}
	defer sub.Unsubscribe()

	if err := natsmesh.Depart(nc, addrB.Peer); err != nil {
		t.Fatalf("Depart: %v", err)
	}
	select {
	case got := <-left:
		if got != addrB.Peer {
			t.Errorf("Departed: got %q, want %q", got, addrB.Peer)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for departure")
	}
}
