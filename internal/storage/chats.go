package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const previewRunes = 50

var chatColumns = []string{"id", "character_id", "name", "external_id", "last_message", "last_message_at", "created_at"}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (Chat, error) {
	var c Chat
	var last sql.NullTime
	if err := row.Scan(&c.ID, &c.CharacterID, &c.Name, &c.ExternalID, &c.LastMessage, &last, &c.CreatedAt); err != nil {
		return Chat{}, err
	}
	if last.Valid {
		t := last.Time
		c.LastMessageAt = &t
	}
	return c, nil
}

func (s *Store) CreateChat(ctx context.Context, c Chat) error {
	q := s.sql.Insert("chats").
		Columns("id", "character_id", "name", "external_id", "created_at").
		Values(c.ID, c.CharacterID, c.Name, c.ExternalID, c.CreatedAt.UTC())
	_, err := s.exec(ctx, s.db, q, "insert chat")
	return err
}

func (s *Store) GetChat(ctx context.Context, id string) (Chat, error) {
	sqlStr, args, err := s.sql.Select(chatColumns...).From("chats").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build get chat query: %w", err)
	}
	c, err := scanChat(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

// ListChats returns the chats owned by an external conversation, most
// recently active first.
func (s *Store) ListChats(ctx context.Context, externalID int64) ([]Chat, error) {
	q := s.sql.Select(chatColumns...).
		From("chats").
		Where(sq.Eq{"external_id": externalID}).
		OrderBy("COALESCE(last_message_at, created_at) DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chats query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	return out, nil
}

// DeleteChat removes the chat with its messages, realities and binding.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, s.sql.Delete("messages").Where(sq.Eq{"chat_id": id}), "delete chat messages"); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, s.sql.Delete("realities").Where(sq.Eq{"chat_id": id}), "delete chat realities"); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, s.sql.Delete("chat_bindings").Where(sq.Eq{"chat_id": id}), "delete chat binding"); err != nil {
			return err
		}
		n, err := s.exec(ctx, tx, s.sql.Delete("chats").Where(sq.Eq{"id": id}), "delete chat")
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) BindChat(ctx context.Context, externalID int64, chatID string) error {
	q := s.sql.Insert("chat_bindings").
		Columns("external_id", "chat_id", "updated_at").
		Values(externalID, chatID, time.Now().UTC()).
		Suffix("ON CONFLICT(external_id) DO UPDATE SET chat_id=excluded.chat_id, updated_at=excluded.updated_at")
	_, err := s.exec(ctx, s.db, q, "bind chat")
	return err
}

func (s *Store) ActiveChat(ctx context.Context, externalID int64) (Chat, error) {
	sqlStr, args, err := s.sql.Select("chat_id").From("chat_bindings").Where(sq.Eq{"external_id": externalID}).ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build active chat query: %w", err)
	}
	var chatID string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&chatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, fmt.Errorf("get active chat: %w", err)
	}
	return s.GetChat(ctx, chatID)
}

func (s *Store) AddMessage(ctx context.Context, m Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertMessage(ctx, tx, m)
	})
}

// insertMessage also refreshes the chat's preview columns.
func (s *Store) insertMessage(ctx context.Context, tx *sql.Tx, m Message) error {
	meta := "{}"
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("marshal message metadata: %w", err)
		}
		meta = string(b)
	}
	q := s.sql.Insert("messages").
		Columns("id", "chat_id", "sender", "type", "content", "metadata_json", "created_at").
		Values(m.ID, m.ChatID, m.Sender, m.Type, m.Content, meta, m.CreatedAt.UTC())
	if _, err := s.exec(ctx, tx, q, "insert message"); err != nil {
		return err
	}

	upd := s.sql.Update("chats").
		Set("last_message", Preview(m)).
		Set("last_message_at", m.CreatedAt.UTC()).
		Where(sq.Eq{"id": m.ChatID})
	_, err := s.exec(ctx, tx, upd, "update chat preview")
	return err
}

// Preview is the chat list line for m.
func Preview(m Message) string {
	text := m.Content
	switch m.Type {
	case MessageReality:
		text = "[Reality] " + m.Content
	case MessageImage:
		text = "[Image]"
	}
	r := []rune(text)
	if len(r) > previewRunes {
		return string(r[:previewRunes])
	}
	return text
}

// ListMessages returns the last limit messages of a chat in chronological
// order. limit <= 0 returns all of them.
func (s *Store) ListMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	q := s.sql.Select("id", "chat_id", "sender", "type", "content", "metadata_json", "created_at").
		From("messages").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("seq DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		var meta string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.Type, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode message metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
