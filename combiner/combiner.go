// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package combiner reassembles frames from their fragment packets.
//
// A Combiner keeps one unit of work per (source, frame) pair in flight. Work
// that makes no progress between two consecutive sweeps is discarded, and
// when a source exceeds its work budget the least recently progressed work is
// evicted to make room.
package combiner

import (
	"cmp"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/commux/packet"
	"github.com/creachadair/commux/wire"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// ErrDuplicate is reported when a fragment has already been combined.
var ErrDuplicate = errors.New("combiner: duplicate fragment")

// Config carries the settings for a [Combiner].
type Config struct {
	MaxWorkPerSource int           // concurrent frames per source
	SweepInterval    time.Duration // period of the progress check
}

// DefaultConfig returns the default combiner settings.
func DefaultConfig() Config {
	return Config{MaxWorkPerSource: 1, SweepInterval: 10 * time.Second}
}

// Status records the progress of a single frame.
type Status struct {
	FragCount  uint16
	Received   mapset.Set[uint16]
	ProgressID uint64 // larger values made progress more recently
	Progressed bool   // progress since the last sweep
}

type work struct {
	buf     *packet.Buffer
	status  Status
	fragLen uint32
	lastLen uint32
	result  wire.ParseResult
}

// A Combiner reassembles fragmented frames. Its methods are safe for
// concurrent use by multiple goroutines.
type Combiner struct {
	cfg Config
	log zerolog.Logger

	μ        sync.Mutex
	pool     map[uint64]map[uint32]*work // sourceID → frameID → work
	progress uint64
	stop     chan struct{}
	tasks    *taskgroup.Group
}

// New constructs a new, unstarted Combiner.
// Zero fields of cfg are replaced by their defaults.
func New(cfg Config, log zerolog.Logger) *Combiner {
	def := DefaultConfig()
	cfg.MaxWorkPerSource = max(cmp.Or(cfg.MaxWorkPerSource, def.MaxWorkPerSource), 1)
	cfg.SweepInterval = cmp.Or(cfg.SweepInterval, def.SweepInterval)
	return &Combiner{
		cfg:  cfg,
		log:  log.With().Str("component", "combiner").Logger(),
		pool: make(map[uint64]map[uint32]*work),
	}
}

// Start starts the periodic sweep. It has no effect if c is already running.
func (c *Combiner) Start() {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.tasks != nil {
		return
	}
	stop := make(chan struct{})
	c.stop = stop
	c.tasks = taskgroup.New(nil)
	c.tasks.Go(func() error {
		t := time.NewTicker(c.cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return nil
			case <-t.C:
				c.sweep()
			}
		}
	})
}

// Stop stops the sweep and discards all incomplete work.
func (c *Combiner) Stop() {
	c.μ.Lock()
	g := c.tasks
	if g != nil {
		close(c.stop)
		c.stop, c.tasks = nil, nil
	}
	clear(c.pool)
	c.μ.Unlock()
	if g != nil {
		g.Wait()
	}
}

// Len reports the number of frames currently being assembled.
func (c *Combiner) Len() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	var n int
	for _, works := range c.pool {
		n += len(works)
	}
	return n
}

// Assemble adds fragment pkt, whose headers were decoded into info, to the
// frame it belongs to. When the frame is complete, Assemble returns the
// frame buffer and the packet fields describing the whole frame; otherwise
// it returns a nil buffer.
//
// A fragment that disagrees with earlier fragments of the same frame about
// its layout reports [wire.ErrParseFail]. A fragment that was already
// combined reports [ErrDuplicate]. In both cases the partial frame is left
// unchanged.
func (c *Combiner) Assemble(pkt []byte, info wire.ParseResult) (*packet.Buffer, wire.ParseResult, error) {
	var none wire.ParseResult
	if !info.Fragmented {
		return nil, none, fmt.Errorf("%w: packet is not a fragment", wire.ErrInvalidArgs)
	}
	fragLen, lastLen, err := wire.AnalyzeSplit(info)
	if err != nil {
		return nil, none, err
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	works := c.pool[info.SourceID]
	if works == nil {
		works = make(map[uint32]*work)
		c.pool[info.SourceID] = works
	}
	w := works[info.FrameID]
	if w == nil {
		if w, err = c.newWorkLocked(works, pkt, info, fragLen, lastLen); err != nil {
			return nil, none, err
		}
	} else if w.result.PacketLen != info.FrameLen || w.status.FragCount != info.FragCount {
		return nil, none, fmt.Errorf("%w: frame %d: fragment layout %d/%d, want %d/%d", wire.ErrParseFail,
			info.FrameID, info.FrameLen, info.FragCount, w.result.PacketLen, w.status.FragCount)
	}
	if w.status.Received.Has(info.FragNo) {
		return nil, none, fmt.Errorf("%w: frame %d fragment %d", ErrDuplicate, info.FrameID, info.FragNo)
	}

	n := w.fragLen
	if info.FragNo == info.FragCount-1 {
		n = w.lastLen
	}
	if err := wire.CombinePacket(w.buf.Entire(), pkt, int(info.FragNo)*int(w.fragLen), int(n)); err != nil {
		return nil, none, err
	}
	c.progress++
	w.status.Received.Add(info.FragNo)
	w.status.ProgressID = c.progress
	w.status.Progressed = true

	if w.status.Received.Len() < int(w.status.FragCount) {
		return nil, none, nil
	}
	delete(works, info.FrameID)
	if len(works) == 0 {
		delete(c.pool, info.SourceID)
	}
	return w.buf, w.result, nil
}

func (c *Combiner) newWorkLocked(works map[uint32]*work, pkt []byte, info wire.ParseResult, fragLen, lastLen uint32) (*work, error) {
	for len(works) >= c.cfg.MaxWorkPerSource {
		var oldest uint32
		var oldestP uint64
		first := true
		for id, w := range works {
			if first || w.status.ProgressID < oldestP {
				oldest, oldestP, first = id, w.status.ProgressID, false
			}
		}
		c.log.Debug().Uint64("source", info.SourceID).Uint32("frame", oldest).Msg("evict incomplete frame")
		delete(works, oldest)
	}

	buf := new(packet.Buffer)
	if err := buf.AllocByTotalLength(int(info.FrameLen), wire.PhyHeaderLen); err != nil {
		return nil, err
	}
	copy(buf.Header(), pkt[:wire.PhyHeaderLen])

	res := info
	res.Fragmented = false
	res.PacketLen = info.FrameLen
	res.PaddingLen = 0
	w := &work{
		buf: buf,
		status: Status{
			FragCount: info.FragCount,
			Received:  mapset.New[uint16](),
		},
		fragLen: fragLen,
		lastLen: lastLen,
		result:  res,
	}
	works[info.FrameID] = w
	return w, nil
}

// sweep discards work that made no progress since the previous sweep.
func (c *Combiner) sweep() {
	c.μ.Lock()
	defer c.μ.Unlock()
	for src, works := range c.pool {
		for id, w := range works {
			if !w.status.Progressed {
				c.log.Debug().Uint64("source", src).Uint32("frame", id).
					Int("received", w.status.Received.Len()).
					Uint16("count", w.status.FragCount).Msg("discard stalled frame")
				delete(works, id)
				continue
			}
			w.status.Progressed = false
		}
		if len(works) == 0 {
			delete(c.pool, src)
		}
	}
}
