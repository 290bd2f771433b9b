// Package viewcache caches query results per logical key and refetches them when a
// change event touches one of the key's dependency topics.
//
// Each entry moves through empty -> refetching -> clean -> dirty -> refetching -> clean.
// At most one fetch per key is in flight. Invalidations that arrive while a fetch runs
// collapse into a single follow-up fetch, and a value is only reported clean when its
// fetch started after the last invalidation the entry processed.
package viewcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/todo-1m/taskchat/internal/contracts"
	"github.com/todo-1m/taskchat/internal/platform/metrics"
	"go.uber.org/zap"
)

var ErrViewClosed = errors.New("view closed")

const DefaultFetchTimeout = 10 * time.Second

// Key identifies a logical query: the entity listed and its filter parameters.
type Key struct {
	Entity string `json:"entity"`
	Params string `json:"params"`
}

func (k Key) String() string { return k.Entity + "?" + k.Params }

// FetchFunc loads the current result of a query from the store.
type FetchFunc func(ctx context.Context) (any, error)

type State int

const (
	StateEmpty State = iota
	StateRefetching
	StateClean
	StateDirty
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateRefetching:
		return "refetching"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	default:
		return "unknown"
	}
}

// Snapshot is a fetched result. Version increases with every completed fetch of the key.
type Snapshot struct {
	Key       Key       `json:"key"`
	Value     any       `json:"value"`
	Version   uint64    `json:"version"`
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale"`
}

type Coordinator struct {
	log          *zap.Logger
	fetchTimeout time.Duration
	now          func() time.Time

	base context.Context
	stop context.CancelFunc

	mu        sync.Mutex
	entries   map[Key]*entry
	byTopic   map[contracts.Topic]map[Key]*entry
	nextFetch uint64
}

type entry struct {
	key   Key
	deps  []contracts.Topic
	fetch FetchFunc
	views map[*View]struct{}

	state     State
	value     any
	hasValue  bool
	version   uint64
	fetchedAt time.Time
	err       error

	// invalGen counts processed invalidations; a fetch is current when the
	// generation it started at still equals invalGen when it completes.
	invalGen uint64
	fetchID  uint64
	inflight bool
	cancel   context.CancelFunc
	lastSeq  map[contracts.Topic]uint64
	changed  chan struct{}
}

func NewCoordinator(log *zap.Logger, fetchTimeout time.Duration) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	base, stop := context.WithCancel(context.Background())
	return &Coordinator{
		log:          log,
		fetchTimeout: fetchTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		base:         base,
		stop:         stop,
		entries:      map[Key]*entry{},
		byTopic:      map[contracts.Topic]map[Key]*entry{},
	}
}

// Stop cancels every in-flight fetch. Views stay usable but no longer refetch.
func (c *Coordinator) Stop() { c.stop() }

// View is one consumer's handle on a cached key. Views of the same key share the
// entry; the entry and any running fetch go away when the last view closes.
type View struct {
	c       *Coordinator
	e       *entry
	updates chan Snapshot
	closed  bool
}

// Open returns a view of key, creating the entry and starting its first fetch when
// no view of key is open. deps and fetch are ignored when the entry already exists.
func (c *Coordinator) Open(key Key, deps []contracts.Topic, fetch FetchFunc) *View {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &entry{
			key:     key,
			fetch:   fetch,
			views:   map[*View]struct{}{},
			lastSeq: map[contracts.Topic]uint64{},
			changed: make(chan struct{}),
		}
		c.entries[key] = e
		c.indexLocked(e, deps)
		metrics.ViewEntries.Inc()
	}
	v := &View{c: c, e: e, updates: make(chan Snapshot, 1)}
	e.views[v] = struct{}{}

	switch {
	case e.state == StateClean:
		v.offer(e.snapshot())
	case !e.inflight:
		c.startFetchLocked(e)
	}
	return v
}

func (c *Coordinator) indexLocked(e *entry, deps []contracts.Topic) {
	for _, t := range e.deps {
		if set := c.byTopic[t]; set != nil {
			delete(set, e.key)
			if len(set) == 0 {
				delete(c.byTopic, t)
			}
		}
	}
	e.deps = nil
	seen := map[contracts.Topic]struct{}{}
	for _, t := range deps {
		if _, dup := seen[t]; dup || !t.Valid() {
			continue
		}
		seen[t] = struct{}{}
		e.deps = append(e.deps, t)
		set, ok := c.byTopic[t]
		if !ok {
			set = map[Key]*entry{}
			c.byTopic[t] = set
		}
		set[e.key] = e
	}
}

// Invalidate marks every entry depending on topic dirty and schedules its refetch.
// A nonzero seq at or below the last seq an entry processed for topic is ignored.
// It returns the number of entries invalidated.
func (c *Coordinator) Invalidate(topic contracts.Topic, seq uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.byTopic[topic] {
		if seq != 0 {
			if seq <= e.lastSeq[topic] {
				metrics.ViewInvalidations.WithLabelValues("duplicate").Inc()
				continue
			}
			e.lastSeq[topic] = seq
		}
		c.invalidateLocked(e)
		n++
	}
	return n
}

// InvalidateKey forces a refetch of key, for example after a resync signal.
func (c *Coordinator) InvalidateKey(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok {
		c.invalidateLocked(e)
	}
	return ok
}

func (c *Coordinator) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		c.invalidateLocked(e)
	}
}

func (c *Coordinator) invalidateLocked(e *entry) {
	e.invalGen++
	switch {
	case e.inflight:
		// The running fetch is now stale; its completion schedules the follow-up.
		metrics.ViewInvalidations.WithLabelValues("collapsed").Inc()
	default:
		metrics.ViewInvalidations.WithLabelValues("refetch").Inc()
		if e.state == StateClean {
			e.state = StateDirty
		}
		c.startFetchLocked(e)
	}
}

func (c *Coordinator) startFetchLocked(e *entry) {
	c.nextFetch++
	id := c.nextFetch
	startGen := e.invalGen
	ctx, cancel := context.WithTimeout(c.base, c.fetchTimeout)

	e.fetchID = id
	e.inflight = true
	e.cancel = cancel
	e.state = StateRefetching
	e.broadcastLocked()

	go c.runFetch(ctx, cancel, e, e.fetch, id, startGen)
}

func (c *Coordinator) runFetch(ctx context.Context, cancel context.CancelFunc, e *entry, fetch FetchFunc, id, startGen uint64) {
	value, err := fetch(ctx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[e.key] != e || e.fetchID != id {
		// Superseded or released; the entry belongs to someone else now.
		metrics.ViewFetches.WithLabelValues("superseded").Inc()
		return
	}
	e.inflight = false
	e.cancel = nil
	current := startGen == e.invalGen

	if err != nil {
		metrics.ViewFetches.WithLabelValues("error").Inc()
		c.log.Warn("view fetch failed", zap.String("key", e.key.String()), zap.Error(err))
		if current || c.base.Err() != nil {
			e.state = StateDirty
			e.err = err
			e.broadcastLocked()
			return
		}
		c.startFetchLocked(e)
		return
	}

	metrics.ViewFetches.WithLabelValues("ok").Inc()
	e.value = value
	e.hasValue = true
	e.version++
	e.fetchedAt = c.now()
	e.err = nil
	if !current {
		c.startFetchLocked(e)
		return
	}
	e.state = StateClean
	snap := e.snapshot()
	for v := range e.views {
		v.offer(snap)
	}
	e.broadcastLocked()
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{
		Key:       e.key,
		Value:     e.value,
		Version:   e.version,
		FetchedAt: e.fetchedAt,
		Stale:     e.state != StateClean,
	}
}

func (e *entry) broadcastLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// Key returns the key the view was opened on.
func (v *View) Key() Key { return v.e.key }

// Get waits for a clean result. It starts a fetch when none is running and returns
// the error of a fetch it waited for if that fetch failed.
func (v *View) Get(ctx context.Context) (Snapshot, error) {
	c := v.c
	triggered := false
	for {
		c.mu.Lock()
		if v.closed {
			c.mu.Unlock()
			return Snapshot{}, ErrViewClosed
		}
		e := v.e
		if e.state == StateClean {
			snap := e.snapshot()
			c.mu.Unlock()
			return snap, nil
		}
		if !e.inflight {
			if triggered && e.err != nil {
				err := e.err
				c.mu.Unlock()
				return Snapshot{}, err
			}
			c.startFetchLocked(e)
		}
		triggered = true
		wait := e.changed
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
}

// Peek returns the last fetched value without waiting. Stale is set unless the entry
// is clean.
func (v *View) Peek() (Snapshot, bool) {
	v.c.mu.Lock()
	defer v.c.mu.Unlock()
	if v.closed || !v.e.hasValue {
		return Snapshot{}, false
	}
	return v.e.snapshot(), true
}

func (v *View) State() State {
	v.c.mu.Lock()
	defer v.c.mu.Unlock()
	return v.e.state
}

// Updates yields each clean snapshot. Only the latest undelivered snapshot is kept.
// The channel is closed by Close.
func (v *View) Updates() <-chan Snapshot { return v.updates }

// SetDeps replaces the dependency topics of the view's key and forces a refetch, since
// events on the new topics may predate the change.
func (v *View) SetDeps(deps []contracts.Topic) {
	c := v.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.closed {
		return
	}
	c.indexLocked(v.e, deps)
	c.invalidateLocked(v.e)
}

func (v *View) Deps() []contracts.Topic {
	v.c.mu.Lock()
	defer v.c.mu.Unlock()
	return append([]contracts.Topic(nil), v.e.deps...)
}

// Close releases the view. Closing the last view of a key cancels its fetch and
// drops the entry. It is safe to call more than once.
func (v *View) Close() {
	c := v.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	close(v.updates)
	e := v.e
	delete(e.views, v)
	e.broadcastLocked()
	if len(e.views) > 0 {
		return
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	delete(c.entries, e.key)
	c.indexLocked(e, nil)
	metrics.ViewEntries.Dec()
}

// offer replaces any undelivered snapshot with snap. Callers hold c.mu.
func (v *View) offer(snap Snapshot) {
	select {
	case v.updates <- snap:
		return
	default:
	}
	select {
	case <-v.updates:
	default:
	}
	select {
	case v.updates <- snap:
	default:
	}
}

// Len reports the number of live entries.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
