package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/todo-1m/taskchat/internal/contracts"
)

func (s *Store) ChangesSince(ctx context.Context, afterSeq uint64, limit int) ([]contracts.ChangeEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT seq, event_id, op, table_name, row_key, topics, occurred_at
		 FROM change_log
		 WHERE seq > $1
		 ORDER BY seq ASC
		 LIMIT NULLIF($2::bigint, -1)`,
		int64(afterSeq), limit,
	)
	if err != nil {
		return nil, mapError("ChangesSince", err)
	}
	defer rows.Close()

	result := []contracts.ChangeEvent{}
	for rows.Next() {
		var (
			ev        contracts.ChangeEvent
			seq       int64
			op, table string
			topics    []string
		)
		if err := rows.Scan(&seq, &ev.EventID, &op, &table, &ev.Key, &topics, &ev.OccurredAt); err != nil {
			return nil, mapError("ChangesSince", err)
		}
		ev.Seq = uint64(seq)
		ev.Op = contracts.Op(op)
		ev.Table = contracts.Table(table)
		ev.OccurredAt = utc(ev.OccurredAt)
		for _, raw := range topics {
			if t, ok := contracts.ParseTopic(raw); ok {
				ev.Topics = append(ev.Topics, t)
			}
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("ChangesSince", err)
	}
	return result, nil
}

// Listen holds a dedicated connection on LISTEN change_log. The returned channel is
// closed when ctx ends or the connection fails.
func (s *Store) Listen(ctx context.Context) (<-chan struct{}, error) {
	pooled, err := s.Pool.Acquire(ctx)
	if err != nil {
		return nil, mapError("Listen", err)
	}
	// A listening connection must not go back to the pool.
	conn := pooled.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, mapError("Listen", err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer conn.Close(context.Background())
		for {
			if _, err := conn.WaitForNotification(ctx); err != nil {
				return
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch, nil
}

func (s *Store) RelayOffset(ctx context.Context, name string) (uint64, error) {
	var offset int64
	err := s.Pool.QueryRow(ctx,
		`SELECT COALESCE(last_seq, 0) FROM relay_offsets WHERE name = $1`, name,
	).Scan(&offset)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, mapError("RelayOffset", err)
	}
	return uint64(offset), nil
}

const upsertRelayOffsetSQL = `
INSERT INTO relay_offsets (name, last_seq, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE
SET last_seq = GREATEST(relay_offsets.last_seq, EXCLUDED.last_seq),
    updated_at = now()
`

func (s *Store) SaveRelayOffset(ctx context.Context, name string, seq uint64) error {
	_, err := s.Pool.Exec(ctx, upsertRelayOffsetSQL, name, int64(seq))
	return mapError("SaveRelayOffset", err)
}
