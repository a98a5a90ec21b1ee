// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package commux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/commux/packet"
	"github.com/creachadair/commux/wire"
	"github.com/creachadair/mds/mapset"
	"github.com/rs/zerolog"
)

// A Handler processes a message received from the remote target src.
// The handler must not retain msg after it returns unless the message's
// transform copies its input.
type Handler func(src string, msg *wire.Message)

// SendConfig carries the options for [Communicator.SendMessage].
type SendConfig struct {
	// NonBlock, if true, causes SendMessage to fail immediately with
	// schedule.ErrContainerFull if the send queue is full. Otherwise
	// SendMessage waits for capacity.
	NonBlock bool

	// Timeout bounds how long a blocking send waits for capacity.
	// Zero means wait until the context ends.
	Timeout time.Duration

	// OnSendEnd, if set, is called once with the outcome of the send after
	// the message has been handed to the adapter or discarded.
	OnSendEnd func(error)
}

// A Communicator is one labeled endpoint multiplexed by an [Aggregator].
// Messages sent by a communicator are delivered to the communicator with the
// same label at the target.
type Communicator struct {
	agg   *Aggregator
	label wire.Label
	log   zerolog.Logger

	activated bool // guarded by agg.commμ

	μ          sync.Mutex
	onMessage  Handler
	onConnect  func(target string, online bool)
	onSendable func()
	online     mapset.Set[string]
}

func newCommunicator(a *Aggregator, label wire.Label) *Communicator {
	return &Communicator{
		agg:    a,
		label:  label,
		log:    a.log.With().Stringer("label", label).Logger(),
		online: mapset.New[string](),
	}
}

// Label reports the label of c.
func (c *Communicator) Label() wire.Label { return c.label }

// OnMessage registers the handler for messages received by c. A nil handler
// removes it; messages received without a handler are discarded. OnMessage
// returns c to permit chaining.
//
// Handlers are invoked synchronously with the receipt of packets. A panic in
// a handler is logged and the message is discarded.
func (c *Communicator) OnMessage(h Handler) *Communicator {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onMessage = h
	return c
}

// OnConnect registers a callback invoked when the label of c comes online or
// goes offline at a target. The callback is immediately called for each
// target where the label is already online. A nil f removes the callback.
func (c *Communicator) OnConnect(f func(target string, online bool)) *Communicator {
	c.μ.Lock()
	c.onConnect = f
	targets := c.online.Slice()
	c.μ.Unlock()

	if f != nil {
		slices.Sort(targets)
		for _, t := range targets {
			f(t, true)
		}
	}
	return c
}

// OnSendable registers a callback invoked when the send queue drains.
// A nil f removes the callback.
func (c *Communicator) OnSendable(f func()) *Communicator {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onSendable = f
	return c
}

// Activate makes c ready to receive. Frames retained for the label of c
// before activation are delivered, in the order they arrived.
func (c *Communicator) Activate() error { return c.agg.activate(c) }

// OnlineTargets reports the targets where the label of c is online, in order.
func (c *Communicator) OnlineTargets() []string {
	c.μ.Lock()
	defer c.μ.Unlock()
	out := c.online.Slice()
	slices.Sort(out)
	return out
}

// MTU reports the largest application payload a single packet can carry.
func (c *Communicator) MTU() int { return c.agg.MTU() }

// TargetMTU reports the largest application payload a single packet to
// target can carry.
func (c *Communicator) TargetMTU(target string) int { return c.agg.TargetMTU(target) }

// LocalIdentity reports the identity of the local endpoint.
func (c *Communicator) LocalIdentity() (string, error) { return c.agg.LocalIdentity() }

// RemoteVersion reports the schema version most recently announced by target.
func (c *Communicator) RemoteVersion(target string) (uint16, error) {
	return c.agg.RemoteVersion(target)
}

// SendMessage encodes msg and queues it for delivery to target at the
// priority of msg. Errors encoding or queuing the message are reported
// synchronously; the outcome of delivery is reported to opts.OnSendEnd.
func (c *Communicator) SendMessage(ctx context.Context, target string, msg *wire.Message, opts SendConfig) error {
	if target == "" || msg == nil {
		return fmt.Errorf("%w: empty target or nil message", ErrInvalidArgs)
	}
	rt := c.agg.rt.Load()
	if rt == nil {
		return ErrNotStarted
	}
	buf, err := c.agg.reg.ToBuffer(msg, false)
	if err != nil {
		return err
	}
	if err := wire.SetDivergeHeader(buf, c.label); err != nil {
		return err
	}
	return c.agg.createSendTask(ctx, rt, target, buf, wire.FrameApp, msg.Priority, opts)
}

// receive decodes and dispatches a frame received from src.
// The caller must hold agg.commμ.
func (c *Communicator) receive(src string, buf *packet.Buffer) {
	c.μ.Lock()
	h := c.onMessage
	c.μ.Unlock()
	if h == nil {
		c.log.Debug().Str("src", src).Msg("no message handler, frame discarded")
		return
	}

	msg, err := c.agg.reg.ToMessage(buf, false)
	if errors.Is(err, wire.ErrNotRegistered) {
		c.log.Warn().Str("src", src).Uint32("message", msg.ID).Msg("unknown message")
		if rt := c.agg.rt.Load(); rt != nil {
			c.agg.sendFeedback(rt, src, msg, c.label, wire.FeedbackUnknownMessage)
		}
		return
	} else if err != nil {
		c.log.Warn().Err(err).Str("src", src).Msg("decode message")
		return
	}

	defer func() {
		if x := recover(); x != nil {
			c.log.Error().Str("src", src).Uint32("message", msg.ID).Msgf("message handler panicked (recovered): %v", x)
		}
	}()
	h(src, msg)
}

// connectChange records a change of the label's status at target.
func (c *Communicator) connectChange(target string, online bool) {
	c.μ.Lock()
	if online {
		c.online.Add(target)
	} else {
		c.online.Remove(target)
	}
	f := c.onConnect
	c.μ.Unlock()
	if f != nil {
		f(target, online)
	}
}

func (c *Communicator) clearOnline() {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.online = mapset.New[string]()
}

func (c *Communicator) sendable() {
	c.μ.Lock()
	f := c.onSendable
	c.μ.Unlock()
	if f != nil {
		f()
	}
}

func compareLabels(a, b wire.Label) int { return bytes.Compare(a[:], b[:]) }
