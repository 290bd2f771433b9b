package pgstore

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/todo-1m/taskchat/internal/contracts"
	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/store"
)

// CreateChatroom inserts the room and its members in one transaction. The unique
// direct_key constraint rejects a second direct room for the same pair.
func (s *Store) CreateChatroom(ctx context.Context, room entity.Chatroom) (entity.Chatroom, error) {
	if room.IsDirect && (room.DirectKey == "" || len(room.Members) != 2) {
		return entity.Chatroom{}, &entity.InvalidEntityError{Entity: "chatroom", Invariant: entity.InvDirectOneTarget}
	}
	members := append([]string(nil), room.Members...)
	sort.Strings(members)
	room.Members = members

	err := s.inTx(ctx, "CreateChatroom", func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO chatrooms (id, name, is_direct, created_by, direct_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING created_at`,
			room.ID, room.Name, room.IsDirect, room.CreatedBy, nullable(room.DirectKey), room.CreatedAt,
		).Scan(&room.CreatedAt); err != nil {
			return err
		}
		for _, m := range members {
			if _, err := tx.Exec(ctx,
				`INSERT INTO chatroom_members (chatroom_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				room.ID, m,
			); err != nil {
				return err
			}
		}
		_, err := s.appendChange(ctx, tx, store.ChatroomChange(contracts.OpInsert, room))
		return err
	})
	if err != nil {
		return entity.Chatroom{}, err
	}
	room.CreatedAt = utc(room.CreatedAt)
	return room, nil
}

const chatroomColumns = `c.id, c.name, c.is_direct, c.created_by, c.direct_key, c.created_at,
       ARRAY(SELECT m.user_id FROM chatroom_members m WHERE m.chatroom_id = c.id ORDER BY m.user_id)`

func scanChatroom(row pgx.Row) (entity.Chatroom, error) {
	var (
		c   entity.Chatroom
		key *string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.IsDirect, &c.CreatedBy, &key, &c.CreatedAt, &c.Members); err != nil {
		return entity.Chatroom{}, err
	}
	c.DirectKey = deref(key)
	c.CreatedAt = utc(c.CreatedAt)
	return c, nil
}

func (s *Store) FindDirectChatroom(ctx context.Context, directKey string) (entity.Chatroom, error) {
	c, err := scanChatroom(s.Pool.QueryRow(ctx,
		`SELECT `+chatroomColumns+` FROM chatrooms c WHERE c.direct_key = $1`, directKey,
	))
	if err != nil {
		return entity.Chatroom{}, mapError("FindDirectChatroom", err)
	}
	return c, nil
}

func (s *Store) GetChatroom(ctx context.Context, id string) (entity.Chatroom, error) {
	c, err := scanChatroom(s.Pool.QueryRow(ctx,
		`SELECT `+chatroomColumns+` FROM chatrooms c WHERE c.id = $1`, id,
	))
	if err != nil {
		return entity.Chatroom{}, mapError("GetChatroom", err)
	}
	return c, nil
}

func (s *Store) ListChatroomsForUser(ctx context.Context, userID string) ([]entity.Chatroom, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+chatroomColumns+`
		 FROM chatrooms c
		 JOIN chatroom_members me ON me.chatroom_id = c.id AND me.user_id = $1
		 ORDER BY c.created_at DESC, c.id`,
		userID,
	)
	if err != nil {
		return nil, mapError("ListChatroomsForUser", err)
	}
	defer rows.Close()

	result := []entity.Chatroom{}
	for rows.Next() {
		c, err := scanChatroom(rows)
		if err != nil {
			return nil, mapError("ListChatroomsForUser", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("ListChatroomsForUser", err)
	}
	return result, nil
}

func (s *Store) IsChatroomMember(ctx context.Context, chatroomID, userID string) (bool, error) {
	var ok bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chatroom_members WHERE chatroom_id = $1 AND user_id = $2)`,
		chatroomID, userID,
	).Scan(&ok)
	return ok, mapError("IsChatroomMember", err)
}

// InsertMessage appends the change first so the message carries its seq.
func (s *Store) InsertMessage(ctx context.Context, msg entity.Message) (entity.Message, error) {
	err := s.inTx(ctx, "InsertMessage", func(tx pgx.Tx) error {
		ev, err := s.appendChange(ctx, tx, store.MessageChange(msg))
		if err != nil {
			return err
		}
		msg.Seq = ev.Seq
		return tx.QueryRow(ctx,
			`INSERT INTO messages (id, chatroom_id, sender_id, content, created_at, seq)
			 VALUES ($1, $2, $3, $4, clock_timestamp(), $5)
			 RETURNING created_at`,
			msg.ID, msg.ChatroomID, msg.SenderID, msg.Content, int64(msg.Seq),
		).Scan(&msg.CreatedAt)
	})
	if err != nil {
		return entity.Message{}, err
	}
	msg.CreatedAt = utc(msg.CreatedAt)
	return msg, nil
}

const messageColumns = `id, chatroom_id, sender_id, content, created_at, seq`

func scanMessage(row pgx.Row) (entity.Message, error) {
	var (
		m   entity.Message
		seq int64
	)
	if err := row.Scan(&m.ID, &m.ChatroomID, &m.SenderID, &m.Content, &m.CreatedAt, &seq); err != nil {
		return entity.Message{}, err
	}
	m.Seq = uint64(seq)
	m.CreatedAt = utc(m.CreatedAt)
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (entity.Message, error) {
	m, err := scanMessage(s.Pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return entity.Message{}, mapError("GetMessage", err)
	}
	return m, nil
}

const listMessagesAfterSQL = `
SELECT ` + messageColumns + `
FROM messages
WHERE chatroom_id = $1 AND seq > $2
ORDER BY created_at ASC, seq ASC
LIMIT NULLIF($3::bigint, -1)
`

// listLatestMessagesSQL keeps the newest $3 messages and returns them oldest first.
const listLatestMessagesSQL = `
SELECT ` + messageColumns + `
FROM (
  SELECT ` + messageColumns + `
  FROM messages
  WHERE chatroom_id = $1 AND seq > $2
  ORDER BY created_at DESC, seq DESC
  LIMIT $3
) latest
ORDER BY created_at ASC, seq ASC
`

func (s *Store) ListMessages(ctx context.Context, chatroomID string, page store.MessagePage) ([]entity.Message, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = -1
	}
	query := listMessagesAfterSQL
	if page.AfterSeq == 0 && limit > 0 {
		query = listLatestMessagesSQL
	}
	rows, err := s.Pool.Query(ctx, query, chatroomID, int64(page.AfterSeq), limit)
	if err != nil {
		return nil, mapError("ListMessages", err)
	}
	defer rows.Close()

	result := []entity.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapError("ListMessages", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("ListMessages", err)
	}
	return result, nil
}
