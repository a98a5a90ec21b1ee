// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package adapter provides implementations of the commux.Adapter interface.
package adapter

import (
	"errors"
	"fmt"
	"sync"

	"github.com/creachadair/commux"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
)

// ErrNotConnected is reported by SendBytes for a target that is not online.
var ErrNotConnected = errors.New("adapter: target not connected")

// DefaultMTU is the MTU of a [Hub] constructed with a zero MTU.
const DefaultMTU = 1024

type link struct{ a, b string }

func linkOf(a, b string) link {
	if b < a {
		a, b = b, a
	}
	return link{a, b}
}

// A Hub connects in-memory endpoints, suitable for testing. Packets are
// passed directly between endpoints without a transport. Two endpoints see
// each other online when they are linked and both are started.
type Hub struct {
	mtu int

	μ     sync.Mutex
	ends  map[string]*Endpoint
	links mapset.Set[link]
	busy  mapset.Set[link] // ordered: sends from a to b report ErrWaitRetry
}

// NewHub constructs a hub whose endpoints have the given MTU.
// If mtu == 0, [DefaultMTU] is used.
func NewHub(mtu int) *Hub {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Hub{
		mtu:   mtu,
		ends:  make(map[string]*Endpoint),
		links: mapset.New[link](),
		busy:  mapset.New[link](),
	}
}

// Endpoint returns the endpoint for identity, creating it if necessary.
func (h *Hub) Endpoint(identity string) *Endpoint {
	h.μ.Lock()
	defer h.μ.Unlock()
	if e, ok := h.ends[identity]; ok {
		return e
	}
	e := &Endpoint{hub: h, id: identity, ready: make(chan struct{}, 1)}
	h.ends[identity] = e
	return e
}

// Connect links the endpoints for a and b. If both are started, each is
// notified that the other is online.
func (h *Hub) Connect(a, b string) {
	h.μ.Lock()
	defer h.μ.Unlock()
	if a == b || h.links.Has(linkOf(a, b)) {
		return
	}
	h.links.Add(linkOf(a, b))
	h.notifyLocked(a, b, true)
}

// Disconnect removes the link between a and b. If both are started, each is
// notified that the other is offline.
func (h *Hub) Disconnect(a, b string) {
	h.μ.Lock()
	defer h.μ.Unlock()
	if !h.links.Has(linkOf(a, b)) {
		return
	}
	h.links.Remove(linkOf(a, b))
	h.notifyLocked(a, b, false)
}

// SetBusy sets whether sends from src to dst report [commux.ErrWaitRetry].
// When busy is cleared, src is notified that dst is sendable.
func (h *Hub) SetBusy(src, dst string, busy bool) {
	h.μ.Lock()
	defer h.μ.Unlock()
	key := link{src, dst}
	if busy {
		h.busy.Add(key)
		return
	} else if !h.busy.Has(key) {
		return
	}
	h.busy.Remove(key)
	if e := h.ends[src]; e != nil && e.isStarted() {
		e.post(func(cb callbacks) {
			if cb.sendable != nil {
				cb.sendable(dst)
			}
		})
	}
}

func (h *Hub) notifyLocked(a, b string, online bool) {
	ea, eb := h.ends[a], h.ends[b]
	if ea == nil || eb == nil || !ea.isStarted() || !eb.isStarted() {
		return
	}
	ea.postChange(b, online)
	eb.postChange(a, online)
}

func (h *Hub) send(src, dst string, b []byte) error {
	h.μ.Lock()
	defer h.μ.Unlock()
	peer := h.ends[dst]
	if !h.links.Has(linkOf(src, dst)) || peer == nil || !peer.isStarted() {
		return fmt.Errorf("%w: %q", ErrNotConnected, dst)
	}
	if h.busy.Has(link{src, dst}) {
		return commux.ErrWaitRetry
	}
	pkt := append([]byte(nil), b...)
	peer.post(func(cb callbacks) {
		if cb.recv != nil {
			cb.recv(src, pkt)
		}
	})
	return nil
}

// setStarted notifies the started peers of id that it is online or offline.
// When id comes online, it is also notified of its started peers.
func (h *Hub) setStarted(id string, online bool) {
	h.μ.Lock()
	defer h.μ.Unlock()
	self := h.ends[id]
	for lk := range h.links {
		var peer string
		switch id {
		case lk.a:
			peer = lk.b
		case lk.b:
			peer = lk.a
		default:
			continue
		}
		pe := h.ends[peer]
		if pe == nil || !pe.isStarted() {
			continue
		}
		if online {
			self.postChange(peer, true)
		}
		pe.postChange(id, online)
	}
}

type callbacks struct {
	recv     func(string, []byte)
	change   func(string, bool)
	sendable func(string)
}

// An Endpoint is one node attached to a [Hub]. It implements the
// [commux.Adapter] interface. Callbacks are invoked in order on a goroutine
// owned by the endpoint.
type Endpoint struct {
	hub   *Hub
	id    string
	ready chan struct{}

	μ       sync.Mutex
	cb      callbacks
	started bool
	inbox   queue.Queue[func(callbacks)]
	stop    chan struct{}
	tasks   *taskgroup.Group
}

var _ commux.Adapter = (*Endpoint)(nil)

// Identity reports the identity of e.
func (e *Endpoint) Identity() string { return e.id }

func (e *Endpoint) isStarted() bool {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.started
}

func (e *Endpoint) post(f func(callbacks)) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if !e.started {
		return
	}
	e.inbox.Add(f)
	select {
	case e.ready <- struct{}{}:
	default:
	}
}

func (e *Endpoint) postChange(target string, online bool) {
	e.post(func(cb callbacks) {
		if cb.change != nil {
			cb.change(target, online)
		}
	})
}

// Start implements a method of the [commux.Adapter] interface.
func (e *Endpoint) Start() error {
	e.μ.Lock()
	if e.started {
		e.μ.Unlock()
		return errors.New("adapter: endpoint already started")
	}
	e.started = true
	stop := make(chan struct{})
	e.stop = stop
	e.tasks = taskgroup.New(nil)
	e.tasks.Go(func() error { e.deliver(stop); return nil })
	e.μ.Unlock()

	e.hub.setStarted(e.id, true)
	return nil
}

// Stop implements a method of the [commux.Adapter] interface.
func (e *Endpoint) Stop() error {
	if !e.isStarted() {
		return nil
	}
	e.hub.setStarted(e.id, false)

	e.μ.Lock()
	if !e.started {
		e.μ.Unlock()
		return nil
	}
	e.started = false
	close(e.stop)
	tasks := e.tasks
	e.μ.Unlock()

	tasks.Wait()
	e.μ.Lock()
	defer e.μ.Unlock()
	e.inbox = queue.Queue[func(callbacks)]{}
	return nil
}

// deliver runs posted callbacks in order until stop closes.
func (e *Endpoint) deliver(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-e.ready:
		}
		for {
			select {
			case <-stop:
				return
			default:
			}
			e.μ.Lock()
			f, ok := e.inbox.Pop()
			cb := e.cb
			e.μ.Unlock()
			if !ok {
				break
			}
			f(cb)
		}
	}
}

// MTU implements a method of the [commux.Adapter] interface.
func (e *Endpoint) MTU() int { return e.hub.mtu }

// TargetMTU implements a method of the [commux.Adapter] interface.
func (e *Endpoint) TargetMTU(string) int { return e.hub.mtu }

// LocalIdentity implements a method of the [commux.Adapter] interface.
func (e *Endpoint) LocalIdentity() (string, error) { return e.id, nil }

// SendBytes implements a method of the [commux.Adapter] interface.
func (e *Endpoint) SendBytes(target string, b []byte) error {
	if !e.isStarted() {
		return fmt.Errorf("adapter: endpoint %q not started", e.id)
	}
	return e.hub.send(e.id, target, b)
}

// OnBytesReceived implements a method of the [commux.Adapter] interface.
func (e *Endpoint) OnBytesReceived(f func(src string, b []byte)) {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.cb.recv = f
}

// OnTargetChange implements a method of the [commux.Adapter] interface.
func (e *Endpoint) OnTargetChange(f func(target string, online bool)) {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.cb.change = f
}

// OnSendable implements a method of the [commux.Adapter] interface.
func (e *Endpoint) OnSendable(f func(target string)) {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.cb.sendable = f
}
