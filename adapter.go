// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package commux

import (
	"errors"

	"github.com/creachadair/commux/schedule"
)

var (
	// ErrAlreadyAllocated is reported by Alloc for a label in use.
	ErrAlreadyAllocated = errors.New("commux: label already allocated")

	// ErrNotFound is reported when a communicator or target is unknown.
	ErrNotFound = errors.New("commux: not found")

	// ErrTimeout is reported by a blocking send that could not be queued
	// before its timeout elapsed.
	ErrTimeout = errors.New("commux: send timed out")

	// ErrNotStarted is reported by operations that require a running aggregator.
	ErrNotStarted = errors.New("commux: aggregator not started")

	// ErrNoIdentity is passed to the completion callback of a send that was
	// discarded because the adapter could not report a local identity.
	ErrNoIdentity = errors.New("commux: local identity unavailable")

	// ErrStopped is reported to sends discarded because the aggregator stopped.
	ErrStopped = schedule.ErrStopped

	// ErrInvalidArgs is reported for malformed arguments.
	ErrInvalidArgs = errors.New("commux: invalid arguments")

	// ErrWaitRetry is reported by [Adapter.SendBytes] when the target cannot
	// accept data right now. The adapter must later report the target as
	// sendable so the data can be retried.
	ErrWaitRetry = errors.New("commux: target busy, wait and retry")
)

// An Adapter carries packets between the local process and remote targets.
// A target is named by a string that is also its identity: the identity an
// adapter reports from LocalIdentity is the name its peers use for it.
//
// The callback registration methods replace any previous callback; a nil
// callback removes it. An adapter must not invoke callbacks concurrently
// with their replacement, and must deliver the packets of each target in
// the order they were sent.
type Adapter interface {
	// Start begins delivering callbacks.
	Start() error

	// Stop ends delivery of callbacks and releases the adapter's resources.
	Stop() error

	// MTU reports the largest packet the adapter can send to any target.
	MTU() int

	// TargetMTU reports the largest packet the adapter can send to target.
	TargetMTU(target string) int

	// LocalIdentity reports the identity of the local endpoint.
	LocalIdentity() (string, error)

	// SendBytes sends one packet to target. The adapter must not retain b
	// after SendBytes returns. If the target is temporarily unable to accept
	// data, SendBytes reports [ErrWaitRetry].
	SendBytes(target string, b []byte) error

	// OnBytesReceived registers the callback for inbound packets. The packet
	// passed to the callback is valid only for the duration of the call.
	OnBytesReceived(func(src string, b []byte))

	// OnTargetChange registers the callback for target connectivity changes.
	OnTargetChange(func(target string, online bool))

	// OnSendable registers the callback for a target recovering from an
	// earlier [ErrWaitRetry].
	OnSendable(func(target string))
}
