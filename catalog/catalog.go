// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a mapping from mnemonic string names to message IDs
// for use with a commux.Communicator. Message names are not exchanged between
// peers on the wire, but a Catalog can be encoded as the body of a message
// and sent from one peer to another.
//
// # Usage
//
// Construct a new empty catalog and add message names to it:
//
//	cat := catalog.New().Add("foo", "bar", "baz")
//
// Add assigns message IDs to the specified names. To recover the assigned ID
// use the Lookup method:
//
//	id := cat.Lookup("foo")
//
// If you want to choose the ID, use Set:
//
//	cat.Set("quux", 125)
//
// Message IDs are assigned systematically, so that repeating the same
// sequence of Add and Set calls will always result in the same IDs.
//
// Body transforms are registered by name:
//
//	cat.Register(reg, "foo", transform.For[string]())
//
// To associate a catalog with a specific communicator, use Bind. This creates
// a copy of the catalog sharing the same names but with its own handlers:
//
//	cat.Bind(comm1).
//	  Handle("foo", handleFoo).
//	  Handle("bar", handleBar)
//
// Note that Handle will panic if given a name not registered with the catalog.
//
// On a peer that wants to send these messages, use Send:
//
//	err := cat.Bind(comm2).Send(ctx, target, "foo", wire.TypeNotify, "data", opts)
//
// A Catalog provides a Transform so that it can be sent as a message body:
//
//	cat.Set("catalog", 1)
//	cat.Register(reg, "catalog", catalog.Transform())
package catalog

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/creachadair/commux"
	"github.com/creachadair/commux/packet"
	"github.com/creachadair/commux/wire"
)

// A Catalog associates a communicator with a static mapping from message
// names to IDs for use with that communicator.
type Catalog struct {
	comm  *commux.Communicator
	ids   map[string]uint32
	route *routes // nil if unbound
}

type routes struct {
	μ        sync.Mutex
	handlers map[uint32]commux.Handler
}

// New creates a new empty, unbound catalog to map names to message IDs. It is
// safe to copy the resulting value, all copies share a reference to the same
// name to ID mapping.
func New() Catalog { return Catalog{ids: make(map[string]uint32)} }

// Add adds the specified names to c with fresh positive IDs, and returns c to
// allow chaining.
func (c Catalog) Add(names ...string) Catalog {
	for _, name := range names {
		c.Set(name, c.pickUnusedID())
	}
	return c
}

// Set maps name to id in c, and returns c to allow chaining. If name was
// already mapped in c, the existing mapping is replaced.
//
// The name mapping of a catalog is shared among all copies of it. It is not
// safe to call Set while c is used concurrently by other goroutines without
// external synchronization.
func (c Catalog) Set(name string, id uint32) Catalog {
	c.ids[name] = id
	return c
}

func (c Catalog) pickUnusedID() uint32 {
	var max uint32
	for _, id := range c.ids {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// Bind returns a copy of c bound to the specified communicator. The copy has
// its own set of handlers, which it installs as the message handler of comm
// when the first one is added.
func (c Catalog) Bind(comm *commux.Communicator) Catalog {
	return Catalog{comm: comm, ids: c.ids, route: &routes{handlers: make(map[uint32]commux.Handler)}}
}

// Communicator returns the communicator associated with c, or nil if c is
// unbound.
func (c Catalog) Communicator() *commux.Communicator { return c.comm }

// Lookup returns the message ID assigned to name, or 0.
//
// Note that the caller may Set a name with ID 0, but assigned IDs will always
// be positive, so a return value of 0 means name was not assigned an ID even
// if it is a valid mapping for the catalog.
func (c Catalog) Lookup(name string) uint32 { return c.ids[name] }

// Name returns the name mapped to id, or "" if there is none.
func (c Catalog) Name(id uint32) string {
	for name, v := range c.ids {
		if v == id {
			return name
		}
	}
	return ""
}

// Register registers t in r as the transform for the message ID mapped to
// name. It reports an error if name is not known by the catalog.
func (c Catalog) Register(r *wire.Registry, name string, t wire.Transform) error {
	id, ok := c.ids[name]
	if !ok {
		return fmt.Errorf("message %q not known", name)
	}
	return r.Register(id, t)
}

// Send sends a message of the given type with the ID mapped to name and body
// obj to target. It reports an error if name is not known by the catalog.
// Send will panic if c is not bound to a communicator.
func (c Catalog) Send(ctx context.Context, target, name string, mtype wire.MessageType, obj any, opts commux.SendConfig) error {
	id, ok := c.ids[name]
	if !ok {
		return fmt.Errorf("message %q not known", name)
	}
	return c.comm.SendMessage(ctx, target, &wire.Message{ID: id, Type: mtype, Object: obj}, opts)
}

// Handle binds the handler for the message ID mapped to name on the
// communicator associated with c, and returns c to permit chaining. A nil
// handler removes the binding. Messages with no bound handler are discarded.
// Handle will panic if c is not bound to a communicator, or if name is not
// known by the catalog.
func (c Catalog) Handle(name string, h commux.Handler) Catalog {
	id, ok := c.ids[name]
	if !ok {
		panic(fmt.Sprintf("message %q not known", name))
	}
	c.route.μ.Lock()
	first := len(c.route.handlers) == 0
	if h == nil {
		delete(c.route.handlers, id)
	} else {
		c.route.handlers[id] = h
	}
	c.route.μ.Unlock()
	if first && h != nil {
		c.comm.OnMessage(c.dispatch)
	}
	return c
}

func (c Catalog) dispatch(src string, msg *wire.Message) {
	c.route.μ.Lock()
	h := c.route.handlers[msg.ID]
	c.route.μ.Unlock()
	if h != nil {
		h(src, msg)
	}
}

// Encode encodes c in binary format.
//
// The wire format of the catalog is a big-endian uint32 count of entries,
// followed by the entries in lexicographic order of name. Each entry is a
// big-endian uint16 name length, the bytes of the name, and the big-endian
// uint32 message ID.
func (c Catalog) Encode() []byte {
	if len(c.ids) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.ids))
	size := 4
	for name := range c.ids {
		names = append(names, name)
		size += 2 + len(name) + 4
	}
	slices.Sort(names)

	b := packet.Into(make([]byte, 0, size))
	b.Uint32(uint32(len(names)))
	for _, name := range names {
		b.Uint16(uint16(len(name)))
		b.Put([]byte(name)...)
		b.Uint32(c.ids[name])
	}
	return b.Bytes()
}

// Decode decodes data as a Catalog payload, replacing the contents of c.
func (c *Catalog) Decode(data []byte) error {
	if c.ids == nil {
		c.ids = make(map[string]uint32)
	} else {
		clear(c.ids)
	}
	if len(data) == 0 {
		return nil
	}
	s := packet.NewScanner(data)
	n, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("truncated catalog count: %w", err)
	}
	for i := range n {
		nlen, err := s.Uint16()
		if err != nil {
			return fmt.Errorf("truncated entry %d at offset %d", i, s.Offset())
		}
		name, err := packet.Get[string](s, int(nlen))
		if err != nil {
			return fmt.Errorf("truncated name at offset %d", s.Offset())
		}
		id, err := s.Uint32()
		if err != nil {
			return fmt.Errorf("truncated ID at offset %d", s.Offset())
		}
		c.ids[name] = id
	}
	if s.Len() != 0 {
		return fmt.Errorf("%d extra bytes after catalog", s.Len())
	}
	return nil
}

// Transform returns a message transform whose bodies are catalogs. The Object
// of a message sent with the transform may be a Catalog or a *Catalog; the
// Object of a message decoded with it is a Catalog.
func Transform() wire.Transform {
	encode := func(m *wire.Message) ([]byte, error) {
		switch v := m.Object.(type) {
		case Catalog:
			return v.Encode(), nil
		case *Catalog:
			return v.Encode(), nil
		default:
			return nil, fmt.Errorf("body is %T, not a catalog", m.Object)
		}
	}
	return wire.Transform{
		Length: func(m *wire.Message) int {
			data, err := encode(m)
			if err != nil {
				return -1
			}
			return len(data)
		},
		Serialize: func(dst []byte, m *wire.Message) error {
			data, err := encode(m)
			if err != nil {
				return err
			}
			copy(dst, data)
			return nil
		},
		Deserialize: func(src []byte, m *wire.Message) error {
			var cat Catalog
			if err := cat.Decode(src); err != nil {
				return err
			}
			m.Object = cat
			return nil
		},
	}
}
