// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package adapter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/commux"
	"github.com/creachadair/commux/packet"
	"github.com/creachadair/taskgroup"
	"github.com/rs/xid"
)

// helloTimeout bounds the exchange of identities on a new connection.
const helloTimeout = 10 * time.Second

// DefaultNetMTU is the MTU of a [Net] adapter whose config does not set one.
const DefaultNetMTU = 64 << 10

// NetConfig carries the settings for a [Net] adapter.
type NetConfig struct {
	// Identity is the identity announced to peers. If empty, a random
	// identity is generated.
	Identity string

	// MTU is the largest packet sent or accepted on a connection.
	MTU int
}

// Net is an adapter that exchanges packets over stream connections such as
// TCP sockets. Each packet is sent as a 4-byte big-endian length followed by
// the packet. When a connection is attached, each side first sends its
// identity, and the connection is thereafter named by the peer's identity.
type Net struct {
	id  string
	mtu int
	lst net.Listener

	μ       sync.Mutex
	cb      callbacks
	conns   map[string]*netConn
	started bool
	tasks   *taskgroup.Group
}

var _ commux.Adapter = (*Net)(nil)

type netConn struct {
	conn net.Conn
	r    *bufio.Reader

	wμ sync.Mutex
	w  *bufio.Writer
}

// NewNet constructs an unstarted adapter. If lst != nil, the adapter accepts
// connections from lst while it is running, and closes lst when stopped.
func NewNet(lst net.Listener, cfg NetConfig) *Net {
	if cfg.Identity == "" {
		cfg.Identity = xid.New().String()
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultNetMTU
	}
	return &Net{id: cfg.Identity, mtu: cfg.MTU, lst: lst, conns: make(map[string]*netConn)}
}

// Start implements a method of the [commux.Adapter] interface.
func (n *Net) Start() error {
	n.μ.Lock()
	defer n.μ.Unlock()
	if n.started {
		return errors.New("adapter: already started")
	}
	n.started = true
	n.tasks = taskgroup.New(nil)
	if n.lst != nil {
		n.tasks.Go(n.acceptLoop)
	}
	return nil
}

func (n *Net) acceptLoop() error {
	for {
		conn, err := n.lst.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		n.tasks.Go(func() error {
			if _, err := n.Attach(conn); err != nil {
				conn.Close()
			}
			return nil
		})
	}
}

// Stop implements a method of the [commux.Adapter] interface. It closes the
// listener and all attached connections.
func (n *Net) Stop() error {
	n.μ.Lock()
	if !n.started {
		n.μ.Unlock()
		return nil
	}
	n.started = false
	var lerr error
	if n.lst != nil {
		lerr = n.lst.Close()
	}
	for _, c := range n.conns {
		c.conn.Close()
	}
	tasks := n.tasks
	n.μ.Unlock()

	tasks.Wait()
	if errors.Is(lerr, net.ErrClosed) {
		return nil
	}
	return lerr
}

// Dial connects to the adapter listening at addr and attaches the connection.
// It returns the identity of the peer.
func (n *Net) Dial(ctx context.Context, network, addr string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return "", err
	}
	id, err := n.Attach(conn)
	if err != nil {
		conn.Close()
		return "", err
	}
	return id, nil
}

// Attach exchanges identities on conn and begins receiving packets from it.
// The peer is reported online until the connection closes. Attach returns the
// identity of the peer.
func (n *Net) Attach(conn net.Conn) (string, error) {
	nc := &netConn{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}

	// Send and receive concurrently, since conn may be unbuffered.
	conn.SetDeadline(time.Now().Add(helloTimeout))
	defer conn.SetDeadline(time.Time{})
	sent := make(chan error, 1)
	go func() { sent <- nc.write([]byte(n.id)) }()
	hello, err := readRecord(nc.r, n.mtu)
	if werr := <-sent; err == nil {
		err = werr
	}
	if err != nil {
		return "", fmt.Errorf("exchange identity: %w", err)
	}
	peer := string(hello)
	if peer == "" || peer == n.id {
		return "", fmt.Errorf("adapter: invalid peer identity %q", peer)
	}

	n.μ.Lock()
	if !n.started {
		n.μ.Unlock()
		return "", errors.New("adapter: not started")
	} else if _, ok := n.conns[peer]; ok {
		n.μ.Unlock()
		return "", fmt.Errorf("adapter: peer %q already attached", peer)
	}
	n.conns[peer] = nc
	change, tasks := n.cb.change, n.tasks
	n.μ.Unlock()

	if change != nil {
		change(peer, true)
	}
	tasks.Go(func() error { n.readLoop(peer, nc); return nil })
	return peer, nil
}

func (n *Net) readLoop(peer string, nc *netConn) {
	for {
		pkt, err := readRecord(nc.r, n.mtu)
		if err != nil {
			break
		}
		n.μ.Lock()
		recv := n.cb.recv
		n.μ.Unlock()
		if recv != nil {
			recv(peer, pkt)
		}
	}
	nc.conn.Close()

	n.μ.Lock()
	if n.conns[peer] == nc {
		delete(n.conns, peer)
	}
	change := n.cb.change
	n.μ.Unlock()
	if change != nil {
		change(peer, false)
	}
}

func readRecord(r *bufio.Reader, limit int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size, _ := packet.NewScanner(hdr[:]).Uint32()
	if int64(size) > int64(limit) {
		return nil, fmt.Errorf("adapter: record of %d bytes exceeds %d", size, limit)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *netConn) write(b []byte) error {
	var hdr [4]byte
	packet.Into(hdr[:]).Uint32(uint32(len(b)))
	c.wμ.Lock()
	defer c.wμ.Unlock()
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(b); err != nil {
		return err
	}
	return c.w.Flush()
}

// Peers reports the identities of the attached peers.
func (n *Net) Peers() []string {
	n.μ.Lock()
	defer n.μ.Unlock()
	out := make([]string, 0, len(n.conns))
	for id := range n.conns {
		out = append(out, id)
	}
	return out
}

// MTU implements a method of the [commux.Adapter] interface.
func (n *Net) MTU() int { return n.mtu }

// TargetMTU implements a method of the [commux.Adapter] interface.
func (n *Net) TargetMTU(string) int { return n.mtu }

// LocalIdentity implements a method of the [commux.Adapter] interface.
func (n *Net) LocalIdentity() (string, error) { return n.id, nil }

// SendBytes implements a method of the [commux.Adapter] interface.
func (n *Net) SendBytes(target string, b []byte) error {
	if len(b) > n.mtu {
		return fmt.Errorf("adapter: packet of %d bytes exceeds MTU %d", len(b), n.mtu)
	}
	n.μ.Lock()
	nc, ok := n.conns[target]
	n.μ.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotConnected, target)
	}
	return nc.write(b)
}

// OnBytesReceived implements a method of the [commux.Adapter] interface.
func (n *Net) OnBytesReceived(f func(src string, b []byte)) {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.cb.recv = f
}

// OnTargetChange implements a method of the [commux.Adapter] interface.
func (n *Net) OnTargetChange(f func(target string, online bool)) {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.cb.change = f
}

// OnSendable implements a method of the [commux.Adapter] interface.
// A Net adapter never reports backpressure, so the callback is not used.
func (n *Net) OnSendable(f func(target string)) {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.cb.sendable = f
}
