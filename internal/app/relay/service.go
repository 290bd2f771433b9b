// Package relay moves the committed change log to JetStream. Every event is published
// once per topic; the message id makes republishing after a crash idempotent.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/todo-1m/taskchat/internal/contracts"
	"github.com/todo-1m/taskchat/internal/platform/metrics"
	"github.com/todo-1m/taskchat/internal/sharding"
	"github.com/todo-1m/taskchat/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultName         = "change-relay"
	DefaultBatchSize    = 500
	DefaultPollInterval = 2 * time.Second
)

type PublishFunc func(subject, msgID string, payload []byte) error

type Service struct {
	Feed         store.ChangeFeed
	Publish      PublishFunc
	Log          *zap.Logger
	Name         string
	BatchSize    int
	PollInterval time.Duration
}

func NewService(feed store.ChangeFeed, publish PublishFunc, log *zap.Logger) *Service {
	return &Service{
		Feed:         feed,
		Publish:      publish,
		Log:          log,
		Name:         DefaultName,
		BatchSize:    DefaultBatchSize,
		PollInterval: DefaultPollInterval,
	}
}

// MsgID is the JetStream deduplication id of ev on topic.
func MsgID(ev contracts.ChangeEvent, topic contracts.Topic) string {
	return ev.EventID + ":" + topic.String()
}

// Run drains the log whenever the feed signals a commit and on every poll tick, until
// ctx is done. A lost listener is re-established on the next tick.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()

	var wake <-chan struct{}
	for {
		if wake == nil {
			ch, err := s.Feed.Listen(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.Log.Warn("change listener unavailable, polling", zap.Error(err))
			} else {
				wake = ch
			}
		}

		if _, err := s.Drain(ctx); err != nil && ctx.Err() == nil {
			s.Log.Warn("relay drain failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-wake:
			if !ok {
				wake = nil
				if ctx.Err() == nil {
					s.Log.Warn("change listener closed")
				}
			}
		case <-ticker.C:
		}
	}
}

// Drain publishes everything after the stored offset and returns the number of events
// relayed. The offset only advances past events whose topics were all published.
func (s *Service) Drain(ctx context.Context) (int, error) {
	offset, err := s.Feed.RelayOffset(ctx, s.Name)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		events, err := s.Feed.ChangesSince(ctx, offset, s.batchSize())
		if err != nil {
			return total, err
		}
		if len(events) == 0 {
			return total, nil
		}

		done := offset
		var pubErr error
		for _, ev := range events {
			if pubErr = s.publish(ev); pubErr != nil {
				break
			}
			done = ev.Seq
			total++
		}
		if done > offset {
			if err := s.Feed.SaveRelayOffset(ctx, s.Name, done); err != nil {
				return total, err
			}
			metrics.RelayOffset.Set(float64(done))
			offset = done
		}
		if pubErr != nil {
			return total, pubErr
		}
		if len(events) < s.batchSize() {
			return total, nil
		}
	}
}

func (s *Service) publish(ev contracts.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	for _, topic := range ev.Topics {
		if err := s.Publish(sharding.Subject(topic), MsgID(ev, topic), payload); err != nil {
			metrics.RelayPublished.WithLabelValues("failed").Inc()
			return fmt.Errorf("publish seq %d to %s: %w", ev.Seq, topic, err)
		}
		metrics.RelayPublished.WithLabelValues("published").Inc()
	}
	if len(ev.Topics) == 0 {
		metrics.RelayPublished.WithLabelValues("skipped").Inc()
	}
	return nil
}

func (s *Service) batchSize() int {
	if s.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return s.BatchSize
}

func (s *Service) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return s.PollInterval
}
