package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) exec(ctx context.Context, db execer, q sq.Sqlizer, what string) (int64, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build %s query: %w", what, err)
	}
	res, err := db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	// -1 when the driver cannot count, so callers never mistake it for a miss.
	n, err := res.RowsAffected()
	if err != nil {
		return -1, nil
	}
	return n, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) CreateCharacter(ctx context.Context, c Character) error {
	q := s.sql.Insert("characters").
		Columns("id", "name", "bio", "persona", "created_at", "updated_at").
		Values(c.ID, c.Name, c.Bio, c.Persona, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	_, err := s.exec(ctx, s.db, q, "insert character")
	return err
}

func (s *Store) UpdateCharacter(ctx context.Context, c Character) error {
	q := s.sql.Update("characters").
		Set("name", c.Name).
		Set("bio", c.Bio).
		Set("persona", c.Persona).
		Set("updated_at", c.UpdatedAt.UTC()).
		Where(sq.Eq{"id": c.ID})
	n, err := s.exec(ctx, s.db, q, "update character")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetCharacter(ctx context.Context, id string) (Character, error) {
	q := s.sql.Select("id", "name", "bio", "persona", "created_at", "updated_at").
		From("characters").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Character{}, fmt.Errorf("build get character query: %w", err)
	}
	var c Character
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.ID, &c.Name, &c.Bio, &c.Persona, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Character{}, ErrNotFound
		}
		return Character{}, fmt.Errorf("get character: %w", err)
	}
	return c, nil
}

func (s *Store) FindCharacterByName(ctx context.Context, name string) (Character, error) {
	q := s.sql.Select("id").From("characters").Where(sq.Eq{"name": strings.TrimSpace(name)}).Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Character{}, fmt.Errorf("build find character query: %w", err)
	}
	var id string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Character{}, ErrNotFound
		}
		return Character{}, fmt.Errorf("find character: %w", err)
	}
	return s.GetCharacter(ctx, id)
}

func (s *Store) ListCharacters(ctx context.Context) ([]Character, error) {
	q := s.sql.Select("id", "name", "bio", "persona", "created_at", "updated_at").
		From("characters").
		OrderBy("created_at ASC", "name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list characters query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	out := make([]Character, 0)
	for rows.Next() {
		var c Character
		if err := rows.Scan(&c.ID, &c.Name, &c.Bio, &c.Persona, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan character row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate character rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteCharacter(ctx context.Context, id string) error {
	n, err := s.exec(ctx, s.db, s.sql.Delete("characters").Where(sq.Eq{"id": id}), "delete character")
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CountCharacters(ctx context.Context) (int, error) {
	sqlStr, args, err := s.sql.Select("COUNT(*)").From("characters").ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count characters query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count characters: %w", err)
	}
	return n, nil
}
