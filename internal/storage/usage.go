package storage

import (
	"context"
	"fmt"
)

func (s *Store) InsertTokenUsage(ctx context.Context, u TokenUsage) error {
	q := s.sql.Insert("token_usage").
		Columns("id", "character_id", "character_name", "provider", "prompt_tokens", "completion_tokens", "total_tokens", "created_at").
		Values(u.ID, u.CharacterID, u.CharacterName, u.Provider, u.PromptTokens, u.CompletionTokens, u.TotalTokens, u.CreatedAt.UTC())
	_, err := s.exec(ctx, s.db, q, "insert token usage")
	return err
}

func (s *Store) ListTokenUsage(ctx context.Context) ([]TokenUsage, error) {
	q := s.sql.Select("id", "character_id", "character_name", "provider", "prompt_tokens", "completion_tokens", "total_tokens", "created_at").
		From("token_usage").
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list token usage query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list token usage: %w", err)
	}
	defer rows.Close()

	out := make([]TokenUsage, 0)
	for rows.Next() {
		var u TokenUsage
		if err := rows.Scan(&u.ID, &u.CharacterID, &u.CharacterName, &u.Provider, &u.PromptTokens, &u.CompletionTokens, &u.TotalTokens, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan token usage row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token usage rows: %w", err)
	}
	return out, nil
}

func (s *Store) ClearTokenUsage(ctx context.Context) error {
	_, err := s.exec(ctx, s.db, s.sql.Delete("token_usage"), "clear token usage")
	return err
}
