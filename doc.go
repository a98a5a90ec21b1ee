// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package commux implements a labeled peer-to-peer messaging substrate.
//
// Peers exchange binary frames over a pluggable transport, the [Adapter].
// Each peer multiplexes any number of independently labeled logical channels,
// called communicators, over one adapter. Frames larger than the adapter MTU
// are fragmented on send and reassembled on receipt, and peers run a label
// exchange handshake so that a sender learns when a communicator for a label
// exists at a target.
//
// # Aggregators
//
// The core type defined by this package is the [Aggregator]. To create a new,
// unstarted aggregator:
//
//	agg := commux.New(commux.DefaultConfig())
//
// To begin sending and receiving, call Start with an adapter:
//
//	if err := agg.Start(adapter); err != nil {
//	   log.Fatalf("Start: %v", err)
//	}
//
// The aggregator runs until [Aggregator.Stop] is called. Stop discards any
// queued sends and stops the adapter. A stopped aggregator may be restarted.
//
// # Communicators
//
// A [Communicator] is allocated for a 32-byte [wire.Label]:
//
//	c, err := agg.AllocUint64(1)
//	if err != nil {
//	   log.Fatalf("Alloc: %v", err)
//	}
//	c.OnMessage(func(src string, msg *wire.Message) {
//	   log.Printf("message %d from %s", msg.ID, src)
//	})
//	c.Activate()
//
// A communicator receives nothing until it is activated. Application frames
// that arrive for a label with no active communicator are passed to the
// callback registered with [Aggregator.OnCommunicatorLack], which decides
// whether to retain them for a short while or discard them. Retained frames
// are delivered in their original order when the communicator is activated.
//
// Message bodies are encoded by the [wire.Transform] registered for each
// message ID in the aggregator's [wire.Registry]. To send a message:
//
//	err := c.SendMessage(ctx, target, &wire.Message{
//	   ID:     msgID,
//	   Type:   wire.TypeRequest,
//	   Object: body,
//	}, commux.SendConfig{Timeout: time.Second})
//
// A request that arrives for a label with no communicator, or with a message
// ID that has no transform, is answered with a response carrying an error
// code in its header, so the sender observes the failure.
//
// # Backpressure
//
// Sends are queued by priority. Each priority may fill the queue to a shared
// base capacity plus its own allowance, so control traffic keeps flowing when
// bulk traffic fills the queue. A non-blocking send fails when the capacity
// for its priority is used; a blocking send waits until capacity frees, its
// timeout elapses, or its context ends. An adapter that cannot accept data
// for a target reports [ErrWaitRetry]; the target's sends are deferred until
// the adapter reports it sendable again.
//
// # Metrics
//
// Aggregators maintain a collection of metrics while running. Use the
// [Aggregator.Metrics] method to obtain an [expvar.Map] containing the metrics
// exported by the aggregator.
//
// The metrics currently exported include:
//
//   - packets_received: counter of packets received
//   - packets_sent: counter of packets sent
//   - packets_dropped: counter of packets and frames discarded
//   - frames_combined: counter of frames reassembled from fragments
//   - frames_retained: counter of frames held for inactive communicators
//   - frames_delivered: counter of frames delivered to communicators
//   - feedback_sent: counter of error responses synthesized
//   - probes_sent: counter of version probes sent
//   - tasks_queued: counter of frames queued for sending
//   - tasks_failed: counter of frames whose send failed
//   - send_wait_retry: counter of sends deferred by adapter backpressure
//
// It is safe for the caller to modify the metrics map to add, update, and
// remove entries.
package commux
