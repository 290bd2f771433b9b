package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/todo-1m/taskchat/internal/sharding"
)

const (
	ChangesStream = "CHANGES"

	// DuplicateWindow bounds how long a relayed Nats-Msg-Id is remembered.
	DuplicateWindow = 10 * time.Minute
	changesMaxAge   = 24 * time.Hour
)

// EnsureStreams creates the change stream if it does not exist yet:
// - app.change.>
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(ChangesStream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		if _, addErr := js.AddStream(&nats.StreamConfig{
			Name:       ChangesStream,
			Subjects:   []string{sharding.WildcardSubject()},
			Retention:  nats.LimitsPolicy,
			Storage:    nats.FileStorage,
			Replicas:   1,
			MaxAge:     changesMaxAge,
			Duplicates: DuplicateWindow,
		}); addErr != nil {
			return addErr
		}
	}
	return nil
}
