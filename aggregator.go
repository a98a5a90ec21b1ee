// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package commux

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/commux/combiner"
	"github.com/creachadair/commux/linker"
	"github.com/creachadair/commux/packet"
	"github.com/creachadair/commux/retainer"
	"github.com/creachadair/commux/schedule"
	"github.com/creachadair/commux/wire"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// An Aggregator multiplexes labeled communicators over a single [Adapter].
// Use [New] to construct an aggregator.
//
// Call Start with an adapter to begin sending and receiving. The aggregator
// runs until Stop is called, after which it may be restarted. Communicators
// allocated with Alloc survive a restart.
//
// Message handlers and connection callbacks of communicators are invoked
// while the aggregator holds the lock that guards its communicators. They
// may send messages, but must not call Alloc, Release, or Activate.
type Aggregator struct {
	cfg     Config
	log     zerolog.Logger
	reg     *wire.Registry
	metrics *aggMetrics

	feedback atomic.Bool
	sourceID atomic.Uint64 // 0 until the adapter reports an identity
	frameID  atomic.Uint32

	μ  sync.Mutex // serializes Start and Stop
	rt atomic.Pointer[runState]

	commμ sync.Mutex
	comms map[wire.Label]*Communicator

	lackμ  sync.Mutex
	onLack func(wire.Label) error

	connμ     sync.Mutex
	onConnect func(target string, online bool)

	retryμ sync.Mutex
	retry  chan struct{} // closed and replaced when queue capacity frees

	verμ     sync.Mutex
	versions map[string]uint16
	probed   mapset.Set[string] // targets sent a version probe while online
}

// runState is the state of one run of an aggregator, from Start to Stop.
type runState struct {
	adapter Adapter
	sched   *schedule.Scheduler
	comb    *combiner.Combiner
	ret     *retainer.Retainer
	link    *linker.Linker
	tasks   *taskgroup.Group
	stop    chan struct{}
	wake    chan struct{}
}

func (rt *runState) wakeSender() {
	select {
	case rt.wake <- struct{}{}:
	default:
	}
}

func (rt *runState) stopped() bool {
	select {
	case <-rt.stop:
		return true
	default:
		return false
	}
}

// New constructs a new unstarted aggregator with the given settings.
func New(cfg Config) *Aggregator {
	if cfg.Schedule == (schedule.Config{}) {
		cfg.Schedule = schedule.DefaultConfig()
	}
	if cfg.Registry == nil {
		cfg.Registry = wire.NewRegistry()
	}
	cfg.Logger = cfg.Logger.Level(cfg.LogLevel)
	a := &Aggregator{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "aggregator").Logger(),
		reg:      cfg.Registry,
		metrics:  newAggMetrics(),
		comms:    make(map[wire.Label]*Communicator),
		retry:    make(chan struct{}),
		versions: make(map[string]uint16),
		probed:   mapset.New[string](),
	}
	a.feedback.Store(cfg.NotFoundFeedback)
	return a
}

// Start starts a running on the given adapter. If any step fails, the
// partial state is discarded and Start may be retried.
func (a *Aggregator) Start(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("%w: nil adapter", ErrInvalidArgs)
	}
	a.μ.Lock()
	defer a.μ.Unlock()
	if a.rt.Load() != nil {
		return errors.New("commux: aggregator already started")
	}

	rt := &runState{
		adapter: adapter,
		sched:   schedule.New(a.cfg.Schedule),
		comb:    combiner.New(a.cfg.Combine, a.cfg.Logger),
		ret:     retainer.New(a.cfg.Retain, a.cfg.Logger),
		stop:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	rt.link = linker.New(a.cfg.Link, controlSender{a: a, rt: rt}, a.cfg.Logger)
	rt.comb.Start()
	rt.ret.Start()
	a.rt.Store(rt)

	// Communicators activated during an earlier run are announced again.
	a.commμ.Lock()
	for label, c := range a.comms {
		if c.activated {
			if _, err := rt.link.IncreaseLocalLabel(label); err != nil {
				a.log.Warn().Err(err).Stringer("label", label).Msg("announce label")
			}
		}
	}
	a.commμ.Unlock()

	adapter.OnBytesReceived(a.onBytesReceived)
	adapter.OnTargetChange(a.onTargetChange)
	adapter.OnSendable(a.onSendable)
	if err := adapter.Start(); err != nil {
		a.unregister(adapter)
		a.rt.Store(nil)
		rt.link.Stop()
		rt.ret.Stop()
		rt.comb.Stop()
		return fmt.Errorf("start adapter: %w", err)
	}

	a.sourceID.Store(0)
	a.loadSourceID(rt)

	rt.tasks = taskgroup.New(nil)
	rt.tasks.Go(func() error { a.sendLoop(rt); return nil })
	a.log.Info().Uint64("distinct", rt.link.Distinct()).Msg("aggregator started")
	return nil
}

// Stop stops a, discarding queued sends, and blocks until its sender has
// exited. Sends discarded by Stop report [ErrStopped] to their completion
// callbacks. Stop reports the error from stopping the adapter.
func (a *Aggregator) Stop() error {
	a.μ.Lock()
	defer a.μ.Unlock()
	rt := a.rt.Load()
	if rt == nil {
		return nil
	}
	close(rt.stop)
	rt.tasks.Wait()
	rt.sched.Stop()

	err := rt.adapter.Stop()
	a.unregister(rt.adapter)
	a.rt.Store(nil)
	rt.link.Stop()
	rt.ret.Stop()
	rt.comb.Stop()

	a.commμ.Lock()
	for _, c := range a.comms {
		c.clearOnline()
	}
	a.commμ.Unlock()
	a.log.Info().Err(err).Msg("aggregator stopped")
	return err
}

func (a *Aggregator) unregister(adapter Adapter) {
	adapter.OnBytesReceived(nil)
	adapter.OnTargetChange(nil)
	adapter.OnSendable(nil)
}

// Metrics returns a metrics map for the aggregator. It is safe for the caller
// to add additional metrics to the map while the aggregator is active.
func (a *Aggregator) Metrics() *expvar.Map { return a.metrics.emap }

// Registry returns the message transform registry used by a.
func (a *Aggregator) Registry() *wire.Registry { return a.reg }

// Alloc allocates a new inactive communicator for label.
// Each label may be allocated to at most one communicator at a time.
func (a *Aggregator) Alloc(label wire.Label) (*Communicator, error) {
	a.commμ.Lock()
	defer a.commμ.Unlock()
	if _, ok := a.comms[label]; ok {
		return nil, fmt.Errorf("%w: %v", ErrAlreadyAllocated, label)
	}
	c := newCommunicator(a, label)
	a.comms[label] = c
	return c, nil
}

// AllocUint64 allocates a communicator for the label encoding v.
func (a *Aggregator) AllocUint64(v uint64) (*Communicator, error) {
	return a.Alloc(wire.LabelFromUint64(v))
}

// Release releases c and withdraws its label from the peers.
func (a *Aggregator) Release(c *Communicator) error {
	a.commμ.Lock()
	if c == nil || a.comms[c.label] != c {
		a.commμ.Unlock()
		return fmt.Errorf("%w: communicator not allocated", ErrNotFound)
	}
	delete(a.comms, c.label)
	wasActive := c.activated
	c.activated = false
	a.commμ.Unlock()

	if rt := a.rt.Load(); rt != nil && wasActive {
		if err := rt.link.DecreaseLocalLabel(c.label); err != nil {
			a.log.Warn().Err(err).Stringer("label", c.label).Msg("withdraw label")
		}
	}
	return nil
}

// activate marks c active, reports the targets where its label is already
// online, and delivers the frames retained for it.
func (a *Aggregator) activate(c *Communicator) error {
	a.commμ.Lock()
	defer a.commμ.Unlock()
	if a.comms[c.label] != c {
		return fmt.Errorf("%w: communicator not allocated", ErrNotFound)
	} else if c.activated {
		return nil
	}
	c.activated = true
	rt := a.rt.Load()
	if rt == nil {
		return nil // announced when a starts
	}
	targets, err := rt.link.IncreaseLocalLabel(c.label)
	if err != nil {
		a.log.Warn().Err(err).Stringer("label", c.label).Msg("announce label")
	}
	for _, t := range targets {
		c.connectChange(t, true)
	}
	for _, f := range rt.ret.Fetch(c.label) {
		a.metrics.framesDelivered.Add(1)
		c.receive(f.Source, f.Buf)
	}
	return nil
}

// OnCommunicatorLack registers a callback invoked when an application frame
// arrives for a label with no active communicator. If the callback reports
// nil, the frame is retained for a while in case a communicator for the
// label is activated; otherwise it is discarded. The callback may allocate
// and activate the missing communicator, in which case the frame is
// delivered to it directly. A nil f removes the callback.
func (a *Aggregator) OnCommunicatorLack(f func(wire.Label) error) *Aggregator {
	a.lackμ.Lock()
	defer a.lackμ.Unlock()
	a.onLack = f
	return a
}

// OnConnect registers a callback invoked when a target goes online or
// offline at the adapter. The callback is immediately called for each target
// already online. A nil f removes the callback.
func (a *Aggregator) OnConnect(f func(target string, online bool)) *Aggregator {
	a.connμ.Lock()
	defer a.connμ.Unlock()
	a.onConnect = f
	if rt := a.rt.Load(); rt != nil && f != nil {
		for _, t := range rt.link.OnlineTargets() {
			f(t, true)
		}
	}
	return a
}

// EnableNotFoundFeedback sets whether requests for labels with no active
// communicator are answered with an error response.
func (a *Aggregator) EnableNotFoundFeedback(enable bool) { a.feedback.Store(enable) }

// MTU reports the largest application payload a single packet can carry.
// It reports 0 if a is not running.
func (a *Aggregator) MTU() int {
	if rt := a.rt.Load(); rt != nil {
		return max(rt.adapter.MTU()-wire.Overhead, 0)
	}
	return 0
}

// TargetMTU reports the largest application payload a single packet to
// target can carry. It reports 0 if a is not running.
func (a *Aggregator) TargetMTU(target string) int {
	if rt := a.rt.Load(); rt != nil {
		return max(rt.adapter.TargetMTU(target)-wire.Overhead, 0)
	}
	return 0
}

// LocalIdentity reports the identity of the local endpoint.
func (a *Aggregator) LocalIdentity() (string, error) {
	rt := a.rt.Load()
	if rt == nil {
		return "", ErrNotStarted
	}
	return rt.adapter.LocalIdentity()
}

// RemoteVersion reports the schema version most recently announced by target.
func (a *Aggregator) RemoteVersion(target string) (uint16, error) {
	a.verμ.Lock()
	defer a.verμ.Unlock()
	v, ok := a.versions[target]
	if !ok {
		return 0, fmt.Errorf("%w: no version for %q", ErrNotFound, target)
	}
	return v, nil
}

func (a *Aggregator) setRemoteVersion(target string, v uint16) {
	a.verμ.Lock()
	defer a.verμ.Unlock()
	a.versions[target] = v
}

// loadSourceID derives the local source ID from the adapter's identity.
// It reports 0 if the adapter has no identity.
func (a *Aggregator) loadSourceID(rt *runState) uint64 {
	id, err := rt.adapter.LocalIdentity()
	if err == nil && id == "" {
		err = ErrNoIdentity
	}
	if err != nil {
		a.log.Error().Err(err).Msg("local identity")
		return 0
	}
	sid := wire.SourceID(id)
	a.sourceID.Store(sid)
	return sid
}

// controlSender delivers linker control frames through an aggregator.
type controlSender struct {
	a  *Aggregator
	rt *runState
}

func (s controlSender) SendControl(target string, buf *packet.Buffer, ft wire.FrameType) error {
	return s.a.createSendTask(context.Background(), s.rt, target, buf, ft, wire.PriorityHigh, SendConfig{NonBlock: true})
}

// createSendTask stamps the physical header of buf and queues it for delivery
// to target.
func (a *Aggregator) createSendTask(ctx context.Context, rt *runState, target string, buf *packet.Buffer, ft wire.FrameType, prio wire.Priority, opts SendConfig) error {
	if rt.stopped() {
		return ErrStopped
	}
	src := a.sourceID.Load()
	if src == 0 {
		if src = a.loadSourceID(rt); src == 0 {
			a.log.Error().Str("target", target).Stringer("type", ft).Msg("discarding frame without a local identity")
			if opts.OnSendEnd != nil {
				go opts.OnSendEnd(ErrNoIdentity)
			}
			return nil
		}
	}
	if err := wire.SetPhyHeader(buf, wire.PhyInfo{
		SourceID:  src,
		FrameID:   a.frameID.Add(1),
		FrameType: ft,
	}); err != nil {
		return err
	}

	task := &schedule.Task{Buf: buf, Target: target, FrameType: ft, OnEnd: opts.OnSendEnd}
	var err error
	if opts.NonBlock {
		err = rt.sched.Add(task, prio)
	} else {
		err = a.addWait(ctx, rt, task, prio, opts.Timeout)
	}
	if err != nil {
		return err
	}
	a.metrics.tasksQueued.Add(1)
	rt.wakeSender()
	return nil
}

// addWait adds task to the scheduler, waiting for capacity if necessary until
// the timeout elapses, ctx ends, or the run stops. A zero timeout does not
// expire.
func (a *Aggregator) addWait(ctx context.Context, rt *runState, task *schedule.Task, prio wire.Priority, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		ready := a.retryReady()
		err := rt.sched.Add(task, prio)
		if !errors.Is(err, schedule.ErrContainerFull) {
			return err
		}
		select {
		case <-ready:
		case <-rt.stop:
			return ErrStopped
		case <-expired:
			return fmt.Errorf("%w after %v", ErrTimeout, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Aggregator) retryReady() <-chan struct{} {
	a.retryμ.Lock()
	defer a.retryμ.Unlock()
	return a.retry
}

func (a *Aggregator) broadcastRetry() {
	a.retryμ.Lock()
	defer a.retryμ.Unlock()
	close(a.retry)
	a.retry = make(chan struct{})
}

// sendLoop sends queued tasks until rt stops.
func (a *Aggregator) sendLoop(rt *runState) {
	for {
		if rt.sched.NoDelayCount() == 0 {
			select {
			case <-rt.stop:
				return
			case <-rt.wake:
			}
			continue
		}
		if rt.stopped() {
			return
		}
		a.sendNext(rt)
	}
}

// sendNext sends the next scheduled task, one packet at a time.
func (a *Aggregator) sendNext(rt *runState) {
	task, err := rt.sched.Schedule()
	if err != nil {
		a.log.Error().Err(err).Msg("schedule send task")
		return
	}
	pkts, err := wire.SplitFrame(task.Buf, rt.adapter.TargetMTU(task.Target))
	if err != nil {
		a.finishTask(rt, task, err)
		return
	}
	if pkts == nil {
		pkts = [][]byte{task.Buf.Entire()}
	}
	for _, pkt := range pkts {
		err = rt.adapter.SendBytes(task.Target, pkt)
		if errors.Is(err, ErrWaitRetry) {
			// Leave the task queued; it is retried when the target is sendable.
			a.metrics.waitRetry.Add(1)
			rt.sched.Delay(task.Target)
			return
		} else if err != nil {
			break
		}
		a.metrics.packetSent.Add(1)
	}
	a.finishTask(rt, task, err)
}

func (a *Aggregator) finishTask(rt *runState, task *schedule.Task, err error) {
	if err != nil {
		a.metrics.tasksFailed.Add(1)
		a.log.Warn().Err(err).Str("target", task.Target).Stringer("type", task.FrameType).Msg("send failed")
	}
	task.End(err)
	tr, err := rt.sched.FinalizeLast()
	if err != nil {
		a.log.Error().Err(err).Msg("finalize send task")
		return
	}
	if tr.Has(schedule.FullToNotFull) {
		a.broadcastRetry()
	}
	if tr.Has(schedule.NotEmptyToEmpty) {
		a.notifySendable()
	}
}

func (a *Aggregator) notifySendable() {
	a.commμ.Lock()
	var active []*Communicator
	for _, c := range a.comms {
		if c.activated {
			active = append(active, c)
		}
	}
	a.commμ.Unlock()
	for _, c := range active {
		c.sendable()
	}
}

func (a *Aggregator) onSendable(target string) {
	if rt := a.rt.Load(); rt != nil {
		rt.sched.NoDelay(target)
		rt.wakeSender()
	}
}

func (a *Aggregator) onTargetChange(target string, online bool) {
	rt := a.rt.Load()
	if rt == nil {
		return
	} else if target == "" {
		a.log.Error().Bool("online", online).Msg("target change without a target")
		return
	}
	a.log.Info().Str("target", target).Bool("online", online).Msg("target changed")
	a.verμ.Lock()
	a.probed.Remove(target)
	a.verμ.Unlock()

	var labels []wire.Label
	if online {
		labels = rt.link.TargetOnline(target)
	} else {
		labels = rt.link.TargetOffline(target)
	}

	a.connμ.Lock()
	if a.onConnect != nil {
		a.onConnect(target, online)
	}
	a.connμ.Unlock()

	changed := make(map[wire.Label]bool, len(labels))
	for _, lab := range labels {
		changed[lab] = online
	}
	a.notifyLabels(target, changed)
}

// notifyLabels reports label changes at target to the active communicators
// for those labels.
func (a *Aggregator) notifyLabels(target string, changed map[wire.Label]bool) {
	a.commμ.Lock()
	defer a.commμ.Unlock()
	for lab, online := range changed {
		if c := a.comms[lab]; c != nil && c.activated {
			c.connectChange(target, online)
		}
	}
}

func (a *Aggregator) onBytesReceived(src string, b []byte) {
	rt := a.rt.Load()
	if rt == nil {
		return
	}
	a.metrics.packetRecv.Add(1)
	res, err := wire.CheckAndParsePacket(src, b)
	if err != nil {
		a.dropPacket(src, b, err)
		if errors.Is(err, wire.ErrVersionNotSupported) {
			a.sendProbe(rt, src)
		}
		return
	}
	a.setRemoteVersion(src, res.DBVersion)
	if res.FrameType == wire.FrameEmpty {
		return
	}

	data := b
	if res.Fragmented {
		buf, fres, err := rt.comb.Assemble(b, res)
		if err != nil {
			a.dropPacket(src, b, err)
			return
		} else if buf == nil {
			return // more fragments to come
		}
		a.metrics.framesCombined.Add(1)
		if err := wire.CheckAndParseFrame(buf, &fres); err != nil {
			a.dropPacket(src, buf.Entire(), err)
			return
		}
		data, res = buf.Entire(), fres
	}

	if res.FrameType == wire.FrameApp {
		a.onAppFrame(rt, src, data, res)
	} else {
		a.onCommFrame(rt, src, res)
	}
}

func (a *Aggregator) dropPacket(src string, b []byte, err error) {
	a.metrics.packetDropped.Add(1)
	ev := a.log.Warn().Err(err).Str("src", src).Int("len", len(b))
	if a.log.GetLevel() <= zerolog.DebugLevel {
		ev = ev.Str("packet", wire.Describe(b))
	}
	ev.Msg("dropped packet")
}

func (a *Aggregator) onCommFrame(rt *runState, src string, res wire.ParseResult) {
	switch res.FrameType {
	case wire.FrameLabelExchangeAck:
		if err := rt.link.ReceiveLabelExchangeAck(src, res.Distinct, res.Sequence); err != nil {
			a.log.Debug().Err(err).Str("src", src).Uint64("seq", res.Sequence).Msg("ignored label exchange ack")
		}

	case wire.FrameLabelExchange:
		if res.Duplicates > 0 {
			a.log.Warn().Str("src", src).Int("duplicates", res.Duplicates).Msg("duplicate labels in exchange")
		}
		changed, err := rt.link.ReceiveLabelExchange(src, res.Labels, res.Distinct, res.Sequence)
		if err != nil {
			a.log.Debug().Err(err).Str("src", src).Uint64("seq", res.Sequence).Msg("ignored label exchange")
			return
		}
		if !rt.link.IsOnline(src) {
			a.log.Debug().Str("src", src).Msg("label exchange from offline target")
			return
		}
		a.notifyLabels(src, changed)
	}
}

func (a *Aggregator) onAppFrame(rt *runState, src string, data []byte, res wire.ParseResult) {
	var buf packet.Buffer
	if err := buf.SetExternal(data, len(data)-int(res.PaddingLen), wire.AppHeaderLen); err != nil {
		a.dropPacket(src, data, err)
		return
	}
	if a.deliver(src, &buf, res.Label) {
		return
	}

	// The lock is not held here, so the callback may allocate and activate a
	// communicator for the label.
	a.lackμ.Lock()
	onLack := a.onLack
	a.lackμ.Unlock()
	lackErr := error(ErrNotFound)
	if onLack != nil {
		lackErr = onLack(res.Label)
	}
	// Retain under the label-map lock, so that a concurrent activation either
	// receives the frame here or fetches it from the retainer.
	a.commμ.Lock()
	if a.deliverLocked(src, &buf, res.Label) {
		a.commμ.Unlock()
		return
	}
	if lackErr != nil {
		a.commμ.Unlock()
		a.metrics.packetDropped.Add(1)
		a.log.Debug().Err(lackErr).Str("src", src).Stringer("label", res.Label).Msg("no communicator for frame")
		if a.feedback.Load() {
			msg, err := a.reg.ToMessage(&buf, true)
			if errors.Is(err, wire.ErrVersionNotSupported) {
				a.sendProbe(rt, src)
			} else if err == nil {
				a.sendFeedback(rt, src, msg, res.Label, wire.FeedbackCommunicatorNotFound)
			}
		}
		return
	}

	buf.Own()
	err := rt.ret.Retain(retainer.Frame{
		Label:   res.Label,
		Source:  src,
		FrameID: res.FrameID,
		Buf:     &buf,
	})
	a.commμ.Unlock()
	if err != nil {
		a.metrics.packetDropped.Add(1)
		a.log.Warn().Err(err).Str("src", src).Stringer("label", res.Label).Msg("retain frame")
		return
	}
	a.metrics.framesRetained.Add(1)
}

// deliver passes buf to the active communicator for label, if there is one,
// and reports whether it did so.
func (a *Aggregator) deliver(src string, buf *packet.Buffer, label wire.Label) bool {
	a.commμ.Lock()
	defer a.commμ.Unlock()
	return a.deliverLocked(src, buf, label)
}

func (a *Aggregator) deliverLocked(src string, buf *packet.Buffer, label wire.Label) bool {
	c := a.comms[label]
	if c == nil || !c.activated {
		return false
	}
	a.metrics.framesDelivered.Add(1)
	c.receive(src, buf)
	return true
}

// sendFeedback answers msg, if it is a request, with an error response
// carrying errNo.
func (a *Aggregator) sendFeedback(rt *runState, target string, msg *wire.Message, label wire.Label, errNo uint32) {
	if msg == nil || msg.Type != wire.TypeRequest {
		return // replies to other types could loop
	}
	rsp := &wire.Message{
		ID:         msg.ID,
		Type:       wire.TypeResponse,
		Version:    msg.Version,
		SessionID:  msg.SessionID,
		SequenceID: msg.SequenceID,
		ErrorNo:    errNo,
	}
	buf, err := wire.BuildFeedbackFrame(rsp, label)
	if err == nil {
		err = a.createSendTask(context.Background(), rt, target, buf, wire.FrameApp, wire.PriorityHigh, SendConfig{NonBlock: true})
	}
	if err != nil {
		a.log.Warn().Err(err).Str("target", target).Uint32("errno", errNo).Msg("send feedback")
		return
	}
	a.metrics.feedbackSent.Add(1)
}

// sendProbe sends an empty frame to target so that it learns the local
// protocol version. Only one probe is sent to a target while it is online.
func (a *Aggregator) sendProbe(rt *runState, target string) {
	a.verμ.Lock()
	sent := a.probed.Has(target)
	a.probed.Add(target)
	a.verμ.Unlock()
	if sent {
		return
	}
	if err := a.createSendTask(context.Background(), rt, target, wire.BuildEmptyFrame(), wire.FrameEmpty, wire.PriorityHigh, SendConfig{NonBlock: true}); err != nil {
		a.log.Warn().Err(err).Str("target", target).Msg("send version probe")
		return
	}
	a.metrics.probesSent.Add(1)
}

// Communicators returns the labels of the allocated communicators in order.
func (a *Aggregator) Communicators() []wire.Label {
	a.commμ.Lock()
	defer a.commμ.Unlock()
	out := make([]wire.Label, 0, len(a.comms))
	for lab := range a.comms {
		out = append(out, lab)
	}
	slices.SortFunc(out, compareLabels)
	return out
}
