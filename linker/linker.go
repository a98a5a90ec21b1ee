// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package linker implements the label exchange handshake between peers.
//
// Each node announces the complete set of labels it has activated to every
// online target, tagged with a per-process distinct value and a sequence
// number. Announcements are retransmitted with backoff until acknowledged.
// A receiver compares an announcement with the labels it last heard from the
// sender and reports which labels came online or went offline.
package linker

import (
	"cmp"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/commux/packet"
	"github.com/creachadair/commux/wire"
	"github.com/creachadair/mds/mapset"
	"github.com/rs/zerolog"
)

var (
	// ErrOutOfDate is reported for an exchange or acknowledgement older than
	// one already processed.
	ErrOutOfDate = errors.New("linker: out of date")

	// ErrNotFound is reported for an acknowledgement that matches no pending
	// exchange, or for an unknown local label.
	ErrNotFound = errors.New("linker: not found")

	// ErrLabelExists is reported when a local label is added twice.
	ErrLabelExists = errors.New("linker: label already online")
)

// A Sender enqueues control frames for delivery.
type Sender interface {
	// SendControl enqueues buf, a communication-layer frame of type ft,
	// for delivery to target without blocking.
	SendControl(target string, buf *packet.Buffer, ft wire.FrameType) error
}

// Config carries the retransmission settings for a [Linker].
type Config struct {
	AckWait                  time.Duration // base retransmission interval
	RetrySend                time.Duration // delay after a failed enqueue
	RetransmitLimit          int           // retransmissions per exchange
	EqualIntervalRetransmits int           // retransmissions before backoff grows
}

// DefaultConfig returns the default linker settings.
func DefaultConfig() Config {
	return Config{
		AckWait:                  5 * time.Second,
		RetrySend:                time.Second,
		RetransmitLimit:          20,
		EqualIntervalRetransmits: 5,
	}
}

// backoff reports the delay before retransmission count+1.
func (c Config) backoff(count int) time.Duration {
	if count <= c.EqualIntervalRetransmits {
		return c.AckWait
	}
	n := time.Duration(count - c.EqualIntervalRetransmits)
	return n * n * c.AckWait
}

// A Linker tracks which labels are online at each peer. Its methods are safe
// for concurrent use by multiple goroutines.
type Linker struct {
	cfg      Config
	log      zerolog.Logger
	send     Sender
	distinct uint64

	μ              sync.Mutex
	stopped        bool
	labels         mapset.Set[wire.Label] // local labels online
	online         mapset.Set[string]     // targets online
	remoteLabels   map[string]mapset.Set[wire.Label]
	remoteDistinct map[string]uint64
	topRecv        map[string]uint64 // highest exchange sequence received
	waitAck        map[string]uint64 // exchange sequence awaiting ack
	recvAck        map[string]uint64 // highest exchange sequence acked
	ackTrigger     map[string]uint64 // latest ack id per target
	seq            uint64
	ackID          uint64
	timers         mapset.Set[*time.Timer]
}

// New constructs a Linker that sends control frames through s.
// Zero fields of cfg are replaced by their defaults.
func New(cfg Config, s Sender, log zerolog.Logger) *Linker {
	def := DefaultConfig()
	cfg.AckWait = cmp.Or(cfg.AckWait, def.AckWait)
	cfg.RetrySend = cmp.Or(cfg.RetrySend, def.RetrySend)
	cfg.RetransmitLimit = cmp.Or(cfg.RetransmitLimit, def.RetransmitLimit)
	cfg.EqualIntervalRetransmits = cmp.Or(cfg.EqualIntervalRetransmits, def.EqualIntervalRetransmits)
	return &Linker{
		cfg:      cfg,
		log:      log.With().Str("component", "linker").Logger(),
		send:     s,
		distinct: newDistinct(),

		labels:         mapset.New[wire.Label](),
		online:         mapset.New[string](),
		remoteLabels:   make(map[string]mapset.Set[wire.Label]),
		remoteDistinct: make(map[string]uint64),
		topRecv:        make(map[string]uint64),
		waitAck:        make(map[string]uint64),
		recvAck:        make(map[string]uint64),
		ackTrigger:     make(map[string]uint64),
		timers:         mapset.New[*time.Timer](),
	}
}

var instances atomic.Uint64

// newDistinct returns a value that differs for every Linker created, including
// across restarts of the process.
func newDistinct() uint64 {
	return wire.SourceID(fmt.Sprintf("%d/%d", time.Now().UnixMicro(), instances.Add(1)))
}

// Distinct reports the distinct value l announces to its peers.
func (l *Linker) Distinct() uint64 { return l.distinct }

// Stop cancels all pending transmissions. After Stop, l sends nothing more.
func (l *Linker) Stop() {
	l.μ.Lock()
	defer l.μ.Unlock()
	l.stopped = true
	for t := range l.timers {
		t.Stop()
	}
	l.timers = mapset.New[*time.Timer]()
}

// TargetOnline records that target is reachable and starts a label exchange
// with it. If target was not already online, TargetOnline returns the labels
// last known to be online at target.
func (l *Linker) TargetOnline(target string) []wire.Label {
	l.μ.Lock()
	var related []wire.Label
	if !l.online.Has(target) {
		l.online.Add(target)
		if labs := l.remoteLabels[target]; labs != nil {
			related = labs.Slice()
		}
	}
	l.μ.Unlock()

	l.trigger(target)
	return related
}

// TargetOffline records that target is unreachable and returns the labels
// last known to be online at target. The labels are remembered for when the
// target returns.
func (l *Linker) TargetOffline(target string) []wire.Label {
	l.μ.Lock()
	defer l.μ.Unlock()
	var related []wire.Label
	if labs := l.remoteLabels[target]; labs != nil {
		related = labs.Slice()
	}
	l.online.Remove(target)
	delete(l.remoteDistinct, target)
	delete(l.topRecv, target)
	return related
}

// IsOnline reports whether target is online.
func (l *Linker) IsOnline(target string) bool {
	l.μ.Lock()
	defer l.μ.Unlock()
	return l.online.Has(target)
}

// OnlineTargets returns the targets currently online.
func (l *Linker) OnlineTargets() []string {
	l.μ.Lock()
	defer l.μ.Unlock()
	return l.online.Slice()
}

// IncreaseLocalLabel marks label online locally and announces the change to
// all online targets. It returns the online targets at which label is
// already known to be online.
func (l *Linker) IncreaseLocalLabel(label wire.Label) ([]string, error) {
	l.μ.Lock()
	if l.labels.Has(label) {
		l.μ.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrLabelExists, label)
	}
	l.labels.Add(label)
	var related []string
	targets := l.online.Slice()
	for _, target := range targets {
		if l.remoteLabels[target].Has(label) {
			related = append(related, target)
		}
	}
	l.μ.Unlock()

	for _, target := range targets {
		l.trigger(target)
	}
	return related, nil
}

// DecreaseLocalLabel marks label offline locally and announces the change to
// all online targets.
func (l *Linker) DecreaseLocalLabel(label wire.Label) error {
	l.μ.Lock()
	if !l.labels.Has(label) {
		l.μ.Unlock()
		return fmt.Errorf("%w: label %v", ErrNotFound, label)
	}
	l.labels.Remove(label)
	targets := l.online.Slice()
	l.μ.Unlock()

	for _, target := range targets {
		l.trigger(target)
	}
	return nil
}

// ReceiveLabelExchange processes a label exchange from target and returns
// the labels whose state changed, mapped to true if they came online and
// false if they went offline. An exchange older than one already processed
// reports [ErrOutOfDate] and is not acknowledged.
func (l *Linker) ReceiveLabelExchange(target string, labels mapset.Set[wire.Label], distinct, seq uint64) (map[wire.Label]bool, error) {
	l.μ.Lock()
	l.detectDistinctLocked(target, distinct)
	if top, ok := l.topRecv[target]; ok && seq < top {
		l.μ.Unlock()
		return nil, fmt.Errorf("%w: exchange %d from %q, have %d", ErrOutOfDate, seq, target, top)
	}
	l.topRecv[target] = seq

	old := l.remoteLabels[target]
	changed := make(map[wire.Label]bool)
	for lab := range labels {
		if !old.Has(lab) {
			changed[lab] = true
		}
	}
	for lab := range old {
		if !labels.Has(lab) {
			changed[lab] = false
		}
	}
	l.remoteLabels[target] = labels.Clone()
	l.ackID++
	id := l.ackID
	l.ackTrigger[target] = id
	l.μ.Unlock()

	l.sendAck(target, seq, id)
	return changed, nil
}

// ReceiveLabelExchangeAck processes an acknowledgement from target of the
// exchange with sequence seq.
func (l *Linker) ReceiveLabelExchangeAck(target string, distinct, seq uint64) error {
	l.μ.Lock()
	defer l.μ.Unlock()
	l.detectDistinctLocked(target, distinct)
	if wait, ok := l.waitAck[target]; !ok || wait < seq {
		return fmt.Errorf("%w: ack %d from %q", ErrNotFound, seq, target)
	}
	if got, ok := l.recvAck[target]; ok && seq <= got {
		return fmt.Errorf("%w: ack %d from %q, have %d", ErrOutOfDate, seq, target, got)
	}
	l.recvAck[target] = seq
	return nil
}

// detectDistinctLocked forgets the receive sequence of target if its
// distinct value changed, meaning the remote process restarted.
func (l *Linker) detectDistinctLocked(target string, distinct uint64) {
	if old, ok := l.remoteDistinct[target]; ok && old != distinct {
		l.log.Info().Str("target", target).Msg("remote distinct value changed")
		delete(l.topRecv, target)
	}
	l.remoteDistinct[target] = distinct
}

// trigger starts a new label exchange with target.
func (l *Linker) trigger(target string) {
	l.μ.Lock()
	if l.stopped {
		l.μ.Unlock()
		return
	}
	seq := l.seq
	l.seq++
	labels := l.labels.Slice()
	if wait, ok := l.waitAck[target]; ok && wait > seq {
		l.μ.Unlock()
		return
	}
	l.waitAck[target] = seq
	l.μ.Unlock()

	buf, err := wire.BuildLabelExchange(l.distinct, seq, labels)
	if err != nil {
		l.log.Error().Err(err).Str("target", target).Msg("build label exchange")
		return
	}
	l.sendExchange(target, buf, seq, 0)
}

func (l *Linker) needExchangeLocked(target string, seq uint64, count int) bool {
	if l.stopped || count > l.cfg.RetransmitLimit || !l.online.Has(target) {
		return false
	} else if wait, ok := l.waitAck[target]; ok && wait > seq {
		return false // superseded
	} else if got, ok := l.recvAck[target]; ok && got >= seq {
		return false // acknowledged
	}
	return true
}

func (l *Linker) sendExchange(target string, buf *packet.Buffer, seq uint64, count int) {
	l.μ.Lock()
	if !l.needExchangeLocked(target, seq, count) {
		l.μ.Unlock()
		return
	}
	l.μ.Unlock()

	err := l.send.SendControl(target, buf.Clone(), wire.FrameLabelExchange)

	l.μ.Lock()
	defer l.μ.Unlock()
	if err != nil {
		l.log.Debug().Err(err).Str("target", target).Uint64("seq", seq).Msg("label exchange not sent, will retry")
		l.afterLocked(l.cfg.RetrySend, func() { l.sendExchange(target, buf, seq, count) })
		return
	}
	l.log.Debug().Str("target", target).Uint64("seq", seq).Int("count", count).Msg("label exchange sent")
	l.afterLocked(l.cfg.backoff(count), func() { l.sendExchange(target, buf, seq, count+1) })
}

func (l *Linker) sendAck(target string, seq, id uint64) {
	l.μ.Lock()
	if l.stopped || l.ackTrigger[target] > id {
		l.μ.Unlock()
		return
	} else if top, ok := l.topRecv[target]; ok && top > seq {
		l.μ.Unlock()
		return
	}
	l.μ.Unlock()

	err := l.send.SendControl(target, wire.BuildLabelExchangeAck(l.distinct, seq), wire.FrameLabelExchangeAck)
	if err != nil {
		l.μ.Lock()
		defer l.μ.Unlock()
		l.log.Debug().Err(err).Str("target", target).Uint64("seq", seq).Msg("label exchange ack not sent, will retry")
		l.afterLocked(l.cfg.RetrySend, func() { l.sendAck(target, seq, id) })
	}
}

// afterLocked schedules f to run after d unless l is stopped first.
func (l *Linker) afterLocked(d time.Duration, f func()) {
	if l.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		l.μ.Lock()
		l.timers.Remove(t)
		stopped := l.stopped
		l.μ.Unlock()
		if !stopped {
			f()
		}
	})
	l.timers.Add(t)
}
