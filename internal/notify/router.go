// Package notify fans change events out to subscribers by topic.
//
// Per subscriber and topic, events are delivered in strictly increasing seq order:
// an event whose seq is not above the last one delivered on that topic is a duplicate
// or a replay and is dropped. A subscriber that cannot keep up loses events but gets a
// resync signal, so it refetches instead of trusting a gap.
package notify

import (
	"sync"

	"github.com/todo-1m/taskchat/internal/contracts"
	"github.com/todo-1m/taskchat/internal/platform/metrics"
	"go.uber.org/zap"
)

const DefaultBuffer = 64

// Resync reasons.
const (
	ReasonOverflow  = "overflow"
	ReasonReconnect = "reconnect"
	ReasonFeedLost  = "feed-lost"
	ReasonGap       = "gap"
)

type Router struct {
	log    *zap.Logger
	buffer int

	mu      sync.Mutex
	byTopic map[contracts.Topic]map[uint64]*Subscription
	subs    map[uint64]*Subscription
	nextID  uint64
}

func NewRouter(log *zap.Logger, buffer int) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Router{
		log:     log,
		buffer:  buffer,
		byTopic: map[contracts.Topic]map[uint64]*Subscription{},
		subs:    map[uint64]*Subscription{},
	}
}

// Subscription receives events for a fixed set of topics.
type Subscription struct {
	id     uint64
	router *Router
	topics []contracts.Topic
	events chan contracts.ChangeEvent
	resync chan struct{}

	// guarded by router.mu
	lastSeq map[contracts.Topic]uint64
	closed  bool
}

func (s *Subscription) Events() <-chan contracts.ChangeEvent { return s.events }

// Resync is signalled when events may have been missed. Signals coalesce.
func (s *Subscription) Resync() <-chan struct{} { return s.resync }

func (s *Subscription) Topics() []contracts.Topic {
	return append([]contracts.Topic(nil), s.topics...)
}

// Close detaches the subscription. It is safe to call more than once. The events
// channel is not closed; readers should stop on their own context.
func (s *Subscription) Close() {
	s.router.remove(s)
}

// Subscribe registers interest in topics. Invalid and repeated topics are ignored.
func (r *Router) Subscribe(topics ...contracts.Topic) *Subscription {
	seen := map[contracts.Topic]struct{}{}
	clean := make([]contracts.Topic, 0, len(topics))
	for _, t := range topics {
		if !t.Valid() {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		clean = append(clean, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &Subscription{
		id:      r.nextID,
		router:  r,
		topics:  clean,
		events:  make(chan contracts.ChangeEvent, r.buffer),
		resync:  make(chan struct{}, 1),
		lastSeq: map[contracts.Topic]uint64{},
	}
	r.subs[sub.id] = sub
	for _, t := range clean {
		set, ok := r.byTopic[t]
		if !ok {
			set = map[uint64]*Subscription{}
			r.byTopic[t] = set
		}
		set[sub.id] = sub
	}
	metrics.RouterSubscriptions.Inc()
	return sub
}

func (r *Router) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(r.subs, sub.id)
	for _, t := range sub.topics {
		set := r.byTopic[t]
		delete(set, sub.id)
		if len(set) == 0 {
			delete(r.byTopic, t)
		}
	}
	metrics.RouterSubscriptions.Dec()
}

// Publish delivers ev to every subscriber of any of its topics, at most once per
// subscriber. It never blocks.
func (r *Router) Publish(ev contracts.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := map[uint64]*Subscription{}
	var order []*Subscription
	for _, t := range ev.Topics {
		for id, sub := range r.byTopic[t] {
			if ev.Seq != 0 && ev.Seq <= sub.lastSeq[t] {
				continue
			}
			if ev.Seq != 0 {
				sub.lastSeq[t] = ev.Seq
			}
			if _, ok := targets[id]; !ok {
				targets[id] = sub
				order = append(order, sub)
			}
		}
	}
	if len(order) == 0 {
		metrics.RouterEvents.WithLabelValues("unrouted").Inc()
		return
	}

	for _, sub := range order {
		select {
		case sub.events <- ev:
			metrics.RouterEvents.WithLabelValues("delivered").Inc()
		default:
			metrics.RouterEvents.WithLabelValues("dropped").Inc()
			r.log.Warn("subscriber buffer full, forcing resync",
				zap.Uint64("subscription", sub.id),
				zap.Uint64("seq", ev.Seq),
				zap.String("key", ev.Key),
			)
			r.signalLocked(sub, ReasonOverflow)
		}
	}
}

// Resync signals every subscriber to refetch, for example after the upstream
// connection dropped and events may have been missed.
func (r *Router) Resync(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.Info("resyncing all subscribers", zap.String("reason", reason), zap.Int("subscriptions", len(r.subs)))
	for _, sub := range r.subs {
		r.signalLocked(sub, reason)
	}
}

func (r *Router) signalLocked(sub *Subscription, reason string) {
	select {
	case sub.resync <- struct{}{}:
		metrics.RouterResyncs.WithLabelValues(reason).Inc()
	default:
	}
}

// Len reports the number of open subscriptions.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
