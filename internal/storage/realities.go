package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var realityColumns = []string{"id", "chat_id", "status", "title", "paragraphs_json", "summary", "created_at", "updated_at"}

func scanReality(row rowScanner) (Reality, error) {
	var r Reality
	var paragraphs string
	var summary sql.NullString
	if err := row.Scan(&r.ID, &r.ChatID, &r.Status, &r.Title, &paragraphs, &summary, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return Reality{}, err
	}
	if err := json.Unmarshal([]byte(paragraphs), &r.Paragraphs); err != nil {
		return Reality{}, fmt.Errorf("decode paragraphs: %w", err)
	}
	if summary.Valid {
		r.Summary = &summary.String
	}
	return r, nil
}

func marshalParagraphs(ps []RealityParagraph) (string, error) {
	if ps == nil {
		ps = []RealityParagraph{}
	}
	b, err := json.Marshal(ps)
	if err != nil {
		return "", fmt.Errorf("marshal paragraphs: %w", err)
	}
	return string(b), nil
}

// CreateReality stores r and its invite message in one transaction.
func (s *Store) CreateReality(ctx context.Context, r Reality, invite Message) error {
	paragraphs, err := marshalParagraphs(r.Paragraphs)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		q := s.sql.Insert("realities").
			Columns(realityColumns...).
			Values(r.ID, r.ChatID, string(r.Status), r.Title, paragraphs, r.Summary, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
		if _, err := s.exec(ctx, tx, q, "insert reality"); err != nil {
			return err
		}
		return s.insertMessage(ctx, tx, invite)
	})
}

func (s *Store) GetReality(ctx context.Context, id string) (Reality, error) {
	sqlStr, args, err := s.sql.Select(realityColumns...).From("realities").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Reality{}, fmt.Errorf("build get reality query: %w", err)
	}
	r, err := scanReality(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Reality{}, ErrNotFound
		}
		return Reality{}, fmt.Errorf("get reality: %w", err)
	}
	return r, nil
}

func (s *Store) ListRealities(ctx context.Context, chatID string) ([]Reality, error) {
	q := s.sql.Select(realityColumns...).
		From("realities").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("created_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list realities query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list realities: %w", err)
	}
	defer rows.Close()

	out := make([]Reality, 0)
	for rows.Next() {
		r, err := scanReality(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reality row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reality rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateReality(ctx context.Context, r Reality) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.updateReality(ctx, tx, r)
	})
}

// FinishReality writes the ended reality and appends its recap to the chat.
func (s *Store) FinishReality(ctx context.Context, r Reality, recap Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.updateReality(ctx, tx, r); err != nil {
			return err
		}
		return s.insertMessage(ctx, tx, recap)
	})
}

func (s *Store) updateReality(ctx context.Context, tx *sql.Tx, r Reality) error {
	paragraphs, err := marshalParagraphs(r.Paragraphs)
	if err != nil {
		return err
	}
	q := s.sql.Update("realities").
		Set("status", string(r.Status)).
		Set("title", r.Title).
		Set("paragraphs_json", paragraphs).
		Set("summary", r.Summary).
		Set("updated_at", r.UpdatedAt.UTC()).
		Where(sq.Eq{"id": r.ID})
	n, err := s.exec(ctx, tx, q, "update reality")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
