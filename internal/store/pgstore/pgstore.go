// Package pgstore is the Postgres store.Store. Every mutation runs in one transaction
// that also appends its change events to change_log and notifies listeners, so the log
// never disagrees with the rows it describes.
package pgstore

import (
	"context"
	"embed"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nuid"
	"github.com/pressly/goose/v3"
	"github.com/todo-1m/taskchat/internal/contracts"
	"github.com/todo-1m/taskchat/internal/store"
)

// NotifyChannel is the LISTEN channel that receives the seq of each committed change.
const NotifyChannel = "change_log"

// changeLogLock serialises change_log appends so seq order matches commit order.
const changeLogLock int64 = 0x7461736b636861

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	Pool       *pgxpool.Pool
	NewEventID func() string
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool, NewEventID: nuid.Next}
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError(op, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return mapError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(op, err)
	}
	return nil
}

const insertChangeSQL = `
INSERT INTO change_log (event_id, op, table_name, row_key, topics)
VALUES ($1, $2, $3, $4, $5)
RETURNING seq, occurred_at
`

// appendChange stamps ev and writes it to change_log inside tx. The advisory lock is
// held until tx ends.
func (s *Store) appendChange(ctx context.Context, tx pgx.Tx, ev contracts.ChangeEvent) (contracts.ChangeEvent, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, changeLogLock); err != nil {
		return ev, err
	}
	ev.EventID = s.NewEventID()
	topics := make([]string, 0, len(ev.Topics))
	for _, t := range ev.Topics {
		topics = append(topics, t.String())
	}
	var seq int64
	if err := tx.QueryRow(ctx, insertChangeSQL, ev.EventID, string(ev.Op), string(ev.Table), ev.Key, topics).
		Scan(&seq, &ev.OccurredAt); err != nil {
		return ev, err
	}
	ev.Seq = uint64(seq)
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, strconv.FormatUint(ev.Seq, 10)); err != nil {
		return ev, err
	}
	return ev, nil
}

func utc(t time.Time) time.Time { return t.UTC() }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
