package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var loreColumns = []string{"seq", "id", "name", "content", "category", "priority", "enabled", "created_at"}

func (s *Store) CreateLoreEntry(ctx context.Context, e LoreEntry) error {
	q := s.sql.Insert("lore_entries").
		Columns("id", "name", "content", "category", "priority", "enabled", "created_at").
		Values(e.ID, e.Name, e.Content, e.Category, e.Priority, e.Enabled, e.CreatedAt.UTC())
	_, err := s.exec(ctx, s.db, q, "insert lore entry")
	return err
}

func (s *Store) UpdateLoreEntry(ctx context.Context, e LoreEntry) error {
	q := s.sql.Update("lore_entries").
		Set("name", e.Name).
		Set("content", e.Content).
		Set("category", e.Category).
		Set("priority", e.Priority).
		Set("enabled", e.Enabled).
		Where(sq.Eq{"id": e.ID})
	n, err := s.exec(ctx, s.db, q, "update lore entry")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetLoreEnabled(ctx context.Context, id string, enabled bool) error {
	q := s.sql.Update("lore_entries").Set("enabled", enabled).Where(sq.Eq{"id": id})
	n, err := s.exec(ctx, s.db, q, "toggle lore entry")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteLoreEntry(ctx context.Context, id string) error {
	n, err := s.exec(ctx, s.db, s.sql.Delete("lore_entries").Where(sq.Eq{"id": id}), "delete lore entry")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetLoreEntry(ctx context.Context, id string) (LoreEntry, error) {
	sqlStr, args, err := s.sql.Select(loreColumns...).From("lore_entries").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return LoreEntry{}, fmt.Errorf("build get lore entry query: %w", err)
	}
	var e LoreEntry
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&e.Seq, &e.ID, &e.Name, &e.Content, &e.Category, &e.Priority, &e.Enabled, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LoreEntry{}, ErrNotFound
		}
		return LoreEntry{}, fmt.Errorf("get lore entry: %w", err)
	}
	return e, nil
}

// ListLore returns entries in insertion order. onlyEnabled filters in SQL.
func (s *Store) ListLore(ctx context.Context, onlyEnabled bool) ([]LoreEntry, error) {
	q := s.sql.Select(loreColumns...).From("lore_entries").OrderBy("seq ASC")
	if onlyEnabled {
		q = q.Where(sq.Eq{"enabled": true})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list lore query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list lore: %w", err)
	}
	defer rows.Close()

	out := make([]LoreEntry, 0)
	for rows.Next() {
		var e LoreEntry
		if err := rows.Scan(&e.Seq, &e.ID, &e.Name, &e.Content, &e.Category, &e.Priority, &e.Enabled, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lore row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lore rows: %w", err)
	}
	return out, nil
}
