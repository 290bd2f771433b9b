// Package changefeed feeds relayed change events from JetStream into the local router.
package changefeed

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/todo-1m/taskchat/internal/contracts"
	"github.com/todo-1m/taskchat/internal/notify"
	"github.com/todo-1m/taskchat/internal/sharding"
	"go.uber.org/zap"
)

var ErrInvalidEventPayload = errors.New("invalid change event payload")
var ErrSubjectMismatch = errors.New("subject does not match event topics")

type Publisher interface {
	Publish(ev contracts.ChangeEvent)
	Resync(reason string)
}

var _ Publisher = (*notify.Router)(nil)

type Bridge struct {
	Router Publisher
	Log    *zap.Logger

	mu         sync.Mutex
	lastStream uint64
}

func NewBridge(router Publisher, log *zap.Logger) *Bridge {
	return &Bridge{Router: router, Log: log}
}

// Handle decodes one relayed message. The same event arrives once per topic; the
// router drops the repeats by seq.
func (b *Bridge) Handle(subject string, payload []byte) error {
	var ev contracts.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ErrInvalidEventPayload
	}
	topic, ok := sharding.TopicFromSubject(subject)
	if !ok || !slices.Contains(ev.Topics, topic) {
		return ErrSubjectMismatch
	}
	b.Router.Publish(ev)
	return nil
}

// observeStreamSeq resyncs when the consumer skipped stream sequences.
func (b *Bridge) observeStreamSeq(seq uint64) {
	b.mu.Lock()
	last := b.lastStream
	if seq > last {
		b.lastStream = seq
	}
	b.mu.Unlock()
	if last != 0 && seq > last+1 {
		b.Log.Warn("change stream gap", zap.Uint64("last", last), zap.Uint64("seq", seq))
		b.Router.Resync(notify.ReasonGap)
	}
}

func (b *Bridge) onMessage(msg *nats.Msg) {
	if meta, err := msg.Metadata(); err == nil {
		b.observeStreamSeq(meta.Sequence.Stream)
	}
	if err := b.Handle(msg.Subject, msg.Data); err != nil {
		b.Log.Warn("discarding change message", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

// Subscribe starts an ephemeral consumer on every change subject, delivering only
// messages published from now on. Views fetch their initial state from the store.
func (b *Bridge) Subscribe(js nats.JetStreamContext) (*nats.Subscription, error) {
	return js.Subscribe(sharding.WildcardSubject(), b.onMessage, nats.DeliverNew(), nats.AckNone())
}

// ReconnectOption resyncs every subscriber after the NATS connection comes back, since
// messages may have been missed in between.
func (b *Bridge) ReconnectOption() nats.Option {
	return nats.ReconnectHandler(func(c *nats.Conn) {
		b.Log.Info("nats reconnected, resyncing views", zap.String("url", c.ConnectedUrl()))
		b.mu.Lock()
		b.lastStream = 0
		b.mu.Unlock()
		b.Router.Resync(notify.ReasonReconnect)
	})
}

// Local adapts the bridge to relay.PublishFunc for single-process deployments that
// skip NATS.
func (b *Bridge) Local(subject, _ string, payload []byte) error {
	return b.Handle(subject, payload)
}
