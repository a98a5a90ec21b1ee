// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package adapter_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/creachadair/commux"
	"github.com/creachadair/commux/adapter"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

type event struct {
	Kind   string // recv, change, sendable
	Target string
	Data   string
	Online bool
}

// watch registers callbacks on a that report events on the returned channel.
func watch(a commux.Adapter) <-chan event {
	ch := make(chan event, 64)
	a.OnBytesReceived(func(src string, b []byte) {
		ch <- event{Kind: "recv", Target: src, Data: string(b)}
	})
	a.OnTargetChange(func(target string, online bool) {
		ch <- event{Kind: "change", Target: target, Online: online}
	})
	a.OnSendable(func(target string) {
		ch <- event{Kind: "sendable", Target: target}
	})
	return ch
}

func next(t *testing.T, ch <-chan event, want event) {
	t.Helper()
	select {
	case got := <-ch:
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("Event (-got, +want):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for %+v", want)
	}
}

func TestHub(t *testing.T) {
	defer leaktest.Check(t)()

	hub := adapter.NewHub(0)
	a, b := hub.Endpoint("a"), hub.Endpoint("b")
	if hub.Endpoint("a") != a {
		t.Error("Endpoint(a) returned a different endpoint")
	}
	if got := a.MTU(); got != adapter.DefaultMTU {
		t.Errorf("MTU = %d, want %d", got, adapter.DefaultMTU)
	}
	ea, eb := watch(a), watch(b)

	for _, e := range []*adapter.Endpoint{a, b} {
		if err := e.Start(); err != nil {
			t.Fatalf("Start %q: %v", e.Identity(), err)
		}
	}
	if err := a.SendBytes("b", []byte("early")); !errors.Is(err, adapter.ErrNotConnected) {
		t.Errorf("Send before connect: got %v, want %v", err, adapter.ErrNotConnected)
	}

	hub.Connect("a", "b")
	next(t, ea, event{Kind: "change", Target: "b", Online: true})
	next(t, eb, event{Kind: "change", Target: "a", Online: true})

	buf := []byte("hello")
	if err := a.SendBytes("b", buf); err != nil {
		t.Fatalf("SendBytes: %v", err)
	}
	buf[0] = 'j' // the hub must not retain the caller's buffer
	next(t, eb, event{Kind: "recv", Target: "a", Data: "hello"})

	hub.SetBusy("a", "b", true)
	if err := a.SendBytes("b", buf); !errors.Is(err, commux.ErrWaitRetry) {
		t.Errorf("Send while busy: got %v, want %v", err, commux.ErrWaitRetry)
	}
	if err := b.SendBytes("a", []byte("other way")); err != nil {
		t.Errorf("Send b to a while a to b is busy: %v", err)
	}
	next(t, ea, event{Kind: "recv", Target: "b", Data: "other way"})
	hub.SetBusy("a", "b", false)
	next(t, ea, event{Kind: "sendable", Target: "b"})

	hub.Disconnect("b", "a")
	next(t, ea, event{Kind: "change", Target: "b", Online: false})
	next(t, eb, event{Kind: "change", Target: "a", Online: false})
	if err := a.SendBytes("b", buf); !errors.Is(err, adapter.ErrNotConnected) {
		t.Errorf("Send after disconnect: got %v, want %v", err, adapter.ErrNotConnected)
	}

	// Stopping one endpoint reports it offline to its linked peers.
	hub.Connect("a", "b")
	next(t, ea, event{Kind: "change", Target: "b", Online: true})
	next(t, eb, event{Kind: "change", Target: "a", Online: true})
	if err := b.Stop(); err != nil {
		t.Errorf("Stop b: %v", err)
	}
	next(t, ea, event{Kind: "change", Target: "b", Online: false})
	if err := b.Start(); err != nil {
		t.Fatalf("Restart b: %v", err)
	}
	next(t, ea, event{Kind: "change", Target: "b", Online: true})
	next(t, eb, event{Kind: "change", Target: "a", Online: true})

	for _, e := range []*adapter.Endpoint{a, b} {
		if err := e.Stop(); err != nil {
			t.Errorf("Stop %q: %v", e.Identity(), err)
		}
	}
}

func TestNet(t *testing.T) {
	defer leaktest.Check(t)()

	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := adapter.NewNet(lst, adapter.NetConfig{Identity: "server", MTU: 4096})
	cli := adapter.NewNet(nil, adapter.NetConfig{})
	if id, _ := cli.LocalIdentity(); id == "" {
		t.Error("Default identity is empty")
	}
	cliID, _ := cli.LocalIdentity()
	es, ec := watch(srv), watch(cli)

	if err := srv.Start(); err != nil {
		t.Fatalf("Start server: %v", err)
	}
	if err := cli.Start(); err != nil {
		t.Fatalf("Start client: %v", err)
	}

	ctx := context.Background()
	peer, err := cli.Dial(ctx, "tcp", lst.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	} else if peer != "server" {
		t.Errorf("Dial: peer is %q, want server", peer)
	}
	next(t, ec, event{Kind: "change", Target: "server", Online: true})
	next(t, es, event{Kind: "change", Target: cliID, Online: true})

	if err := cli.SendBytes("server", []byte("ping")); err != nil {
		t.Fatalf("Client send: %v", err)
	}
	next(t, es, event{Kind: "recv", Target: cliID, Data: "ping"})
	if err := srv.SendBytes(cliID, []byte("pong")); err != nil {
		t.Fatalf("Server send: %v", err)
	}
	next(t, ec, event{Kind: "recv", Target: "server", Data: "pong"})

	if err := cli.SendBytes("server", make([]byte, 1<<20)); err == nil {
		t.Error("Send over MTU: got nil error")
	}
	if err := cli.SendBytes("nobody", []byte("x")); !errors.Is(err, adapter.ErrNotConnected) {
		t.Errorf("Send to unknown: got %v, want %v", err, adapter.ErrNotConnected)
	}

	if err := cli.Stop(); err != nil {
		t.Errorf("Stop client: %v", err)
	}
	next(t, es, event{Kind: "change", Target: cliID, Online: false})
	if err := srv.Stop(); err != nil {
		t.Errorf("Stop server: %v", err)
	}
}

func TestNetAttach(t *testing.T) {
	defer leaktest.Check(t)()

	a := adapter.NewNet(nil, adapter.NetConfig{Identity: "left"})
	b := adapter.NewNet(nil, adapter.NetConfig{Identity: "right"})
	ea, eb := watch(a), watch(b)
	for _, n := range []*adapter.Net{a, b} {
		if err := n.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}

	ca, cb := net.Pipe()
	type result struct {
		peer string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		peer, err := b.Attach(cb)
		done <- result{peer, err}
	}()
	if peer, err := a.Attach(ca); err != nil || peer != "right" {
		t.Fatalf("Attach left: got %q, %v; want right", peer, err)
	}
	if r := <-done; r.err != nil || r.peer != "left" {
		t.Fatalf("Attach right: got %q, %v; want left", r.peer, r.err)
	}
	next(t, ea, event{Kind: "change", Target: "right", Online: true})
	next(t, eb, event{Kind: "change", Target: "left", Online: true})
	if diff := cmp.Diff(a.Peers(), []string{"right"}); diff != "" {
		t.Errorf("Peers (-got, +want):\n%s", diff)
	}

	if err := a.SendBytes("right", []byte("over the pipe")); err != nil {
		t.Fatalf("SendBytes: %v", err)
	}
	next(t, eb, event{Kind: "recv", Target: "left", Data: "over the pipe"})

	// A second connection for the same peer is rejected.
	xa, xb := net.Pipe()
	go b.Attach(xb)
	if peer, err := a.Attach(xa); err == nil {
		t.Errorf("Duplicate attach: got %q, want error", peer)
	}
	xa.Close()
	xb.Close()

	if err := a.Stop(); err != nil {
		t.Errorf("Stop left: %v", err)
	}
	next(t, ea, event{Kind: "change", Target: "right", Online: false})
	next(t, eb, event{Kind: "change", Target: "left", Online: false})
	if err := b.Stop(); err != nil {
		t.Errorf("Stop right: %v", err)
	}
}
