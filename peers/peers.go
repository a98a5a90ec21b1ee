// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing aggregators.
package peers

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/commux"
	"github.com/creachadair/commux/adapter"
)

// Local is a pair of connected aggregators named "a" and "b", suitable for
// testing.
type Local struct {
	A *commux.Aggregator
	B *commux.Aggregator

	// Hub is the hub connecting A and B, or nil if they are connected by a
	// socket.
	Hub *adapter.Hub
}

// Stop shuts down both the aggregators and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of aggregators with the given settings that are
// connected by an in-memory hub with the given MTU. If mtu == 0, the hub
// default is used.
func NewLocal(cfg commux.Config, mtu int) (*Local, error) {
	hub := adapter.NewHub(mtu)
	loc := &Local{A: commux.New(cfg), B: commux.New(cfg), Hub: hub}
	if err := loc.A.Start(hub.Endpoint("a")); err != nil {
		return nil, err
	}
	if err := loc.B.Start(hub.Endpoint("b")); err != nil {
		loc.A.Stop()
		return nil, err
	}
	hub.Connect("a", "b")
	return loc, nil
}

// NewLoopback creates a pair of aggregators with the given settings that are
// connected by a TCP socket on the loopback interface. B dials A.
func NewLoopback(ctx context.Context, cfg commux.Config) (*Local, error) {
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	na := adapter.NewNet(lst, adapter.NetConfig{Identity: "a"})
	nb := adapter.NewNet(nil, adapter.NetConfig{Identity: "b"})

	loc := &Local{A: commux.New(cfg), B: commux.New(cfg)}
	if err := loc.A.Start(na); err != nil {
		lst.Close()
		return nil, err
	}
	if err := loc.B.Start(nb); err != nil {
		loc.A.Stop()
		return nil, err
	}
	if _, err := nb.Dial(ctx, "tcp", lst.Addr().String()); err != nil {
		return nil, errors.Join(err, loc.Stop())
	}
	return loc, nil
}
