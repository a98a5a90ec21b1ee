// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package retainer holds application frames addressed to communicators that
// do not exist yet, so they can be delivered once the communicator is
// activated.
//
// Retained frames are bounded three ways: a per-(label, source) count, a
// global byte budget, and a maximum age. When a bound is exceeded the oldest
// frames are discarded first.
package retainer

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/commux/packet"
	"github.com/creachadair/commux/wire"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// ErrTooLarge is reported by Retain for a frame above the size limit.
var ErrTooLarge = errors.New("retainer: frame too large")

// Config carries the settings for a [Retainer].
type Config struct {
	MaxFrameSize  int           // frames larger than this are not retained
	MaxTotal      int           // total bytes retained
	MaxPerTarget  int           // frames per (label, source)
	MaxAge        time.Duration // frames older than this are discarded
	SweepInterval time.Duration // period of the age check
}

// DefaultConfig returns the default retainer settings.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:  wire.MaxFrameLen,
		MaxTotal:      64 << 20,
		MaxPerTarget:  5,
		MaxAge:        10 * time.Second,
		SweepInterval: time.Second,
	}
}

// A Frame is an application frame held for later delivery.
type Frame struct {
	Label   wire.Label
	Source  string
	FrameID uint32
	Buf     *packet.Buffer // must own its storage
}

type entry struct {
	Frame
	order    uint64
	deadline time.Time
}

// A Retainer holds frames for later delivery. Its methods are safe for
// concurrent use by multiple goroutines.
type Retainer struct {
	cfg Config
	log zerolog.Logger

	μ     sync.Mutex
	pool  map[wire.Label]map[string]map[uint64]*entry
	order uint64
	total int
	stop  chan struct{}
	tasks *taskgroup.Group
}

// New constructs a new, unstarted Retainer.
// Zero fields of cfg are replaced by their defaults.
func New(cfg Config, log zerolog.Logger) *Retainer {
	def := DefaultConfig()
	cfg.MaxFrameSize = cmp.Or(cfg.MaxFrameSize, def.MaxFrameSize)
	cfg.MaxTotal = cmp.Or(cfg.MaxTotal, def.MaxTotal)
	cfg.MaxPerTarget = max(cmp.Or(cfg.MaxPerTarget, def.MaxPerTarget), 1)
	cfg.MaxAge = cmp.Or(cfg.MaxAge, def.MaxAge)
	cfg.SweepInterval = cmp.Or(cfg.SweepInterval, def.SweepInterval)
	return &Retainer{
		cfg:  cfg,
		log:  log.With().Str("component", "retainer").Logger(),
		pool: make(map[wire.Label]map[string]map[uint64]*entry),
	}
}

// Start starts the periodic age sweep. It has no effect if r is already
// running.
func (r *Retainer) Start() {
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.tasks != nil {
		return
	}
	stop := make(chan struct{})
	r.stop = stop
	r.tasks = taskgroup.New(nil)
	r.tasks.Go(func() error {
		t := time.NewTicker(r.cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return nil
			case now := <-t.C:
				r.sweep(now)
			}
		}
	})
}

// Stop stops the age sweep and discards all retained frames.
func (r *Retainer) Stop() {
	r.μ.Lock()
	g := r.tasks
	if g != nil {
		close(r.stop)
		r.stop, r.tasks = nil, nil
	}
	clear(r.pool)
	r.total = 0
	r.μ.Unlock()
	if g != nil {
		g.Wait()
	}
}

// Retain adds f to the pool, evicting older frames as needed to respect the
// configured bounds.
func (r *Retainer) Retain(f Frame) error {
	size := f.Buf.Len()
	if size > r.cfg.MaxFrameSize || size > r.cfg.MaxTotal {
		return fmt.Errorf("%w: %d bytes for label %v", ErrTooLarge, size, f.Label)
	}
	f.Buf.Own()

	r.μ.Lock()
	defer r.μ.Unlock()
	for {
		frames := r.pool[f.Label][f.Source]
		if len(frames) < r.cfg.MaxPerTarget {
			break
		}
		e := frames[slices.Min(slices.Collect(maps.Keys(frames)))]
		r.log.Debug().Stringer("label", f.Label).Str("source", f.Source).
			Uint32("frame", e.FrameID).Msg("discard retained frame over count limit")
		r.removeLocked(e)
	}
	for r.total+size > r.cfg.MaxTotal {
		e := r.oldestLocked()
		if e == nil {
			break
		}
		r.log.Debug().Stringer("label", e.Label).Str("source", e.Source).
			Uint32("frame", e.FrameID).Msg("discard retained frame over size limit")
		r.removeLocked(e)
	}

	r.order++
	e := &entry{Frame: f, order: r.order, deadline: time.Now().Add(r.cfg.MaxAge)}
	r.insertLocked(e)
	return nil
}

// Fetch removes and returns all frames retained for label, in the order they
// were retained.
func (r *Retainer) Fetch(label wire.Label) []Frame {
	r.μ.Lock()
	defer r.μ.Unlock()
	var es []*entry
	for _, frames := range r.pool[label] {
		for _, e := range frames {
			es = append(es, e)
		}
	}
	slices.SortFunc(es, func(a, b *entry) int { return cmp.Compare(a.order, b.order) })
	out := make([]Frame, len(es))
	for i, e := range es {
		r.removeLocked(e)
		out[i] = e.Frame
	}
	return out
}

// Len reports the number of frames and bytes currently retained.
func (r *Retainer) Len() (frames, size int) {
	r.μ.Lock()
	defer r.μ.Unlock()
	for _, byTarget := range r.pool {
		for _, fs := range byTarget {
			frames += len(fs)
		}
	}
	return frames, r.total
}

func (r *Retainer) sweep(now time.Time) {
	r.μ.Lock()
	defer r.μ.Unlock()
	for _, byTarget := range r.pool {
		for _, frames := range byTarget {
			for _, e := range frames {
				if !now.Before(e.deadline) {
					r.log.Debug().Stringer("label", e.Label).Str("source", e.Source).
						Uint32("frame", e.FrameID).Msg("discard expired retained frame")
					r.removeLocked(e)
				}
			}
		}
	}
}

func (r *Retainer) insertLocked(e *entry) {
	byTarget := r.pool[e.Label]
	if byTarget == nil {
		byTarget = make(map[string]map[uint64]*entry)
		r.pool[e.Label] = byTarget
	}
	frames := byTarget[e.Source]
	if frames == nil {
		frames = make(map[uint64]*entry)
		byTarget[e.Source] = frames
	}
	frames[e.order] = e
	r.total += e.Buf.Len()
}

func (r *Retainer) removeLocked(e *entry) {
	byTarget := r.pool[e.Label]
	frames := byTarget[e.Source]
	if _, ok := frames[e.order]; !ok {
		return
	}
	delete(frames, e.order)
	r.total -= e.Buf.Len()
	if len(frames) == 0 {
		delete(byTarget, e.Source)
	}
	if len(byTarget) == 0 {
		delete(r.pool, e.Label)
	}
}

func (r *Retainer) oldestLocked() *entry {
	var old *entry
	for _, byTarget := range r.pool {
		for _, frames := range byTarget {
			for _, e := range frames {
				if old == nil || e.order < old.order {
					old = e
				}
			}
		}
	}
	return old
}
