package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const settingsRowID = "default"

func (s *Store) GetSettings(ctx context.Context) (Settings, error) {
	q := s.sql.Select("provider", "endpoint", "enc_api_key", "model", "debug_mode", "updated_at").
		From("settings").
		Where(sq.Eq{"id": settingsRowID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Settings{}, fmt.Errorf("build get settings query: %w", err)
	}
	var st Settings
	var encKey sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&st.Provider, &st.Endpoint, &encKey, &st.Model, &st.DebugMode, &st.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Settings{}, ErrNotFound
		}
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}
	if encKey.Valid {
		st.EncAPIKey = &encKey.String
	}
	return st, nil
}

func (s *Store) SaveSettings(ctx context.Context, st Settings) error {
	q := s.sql.Insert("settings").
		Columns("id", "provider", "endpoint", "enc_api_key", "model", "debug_mode", "updated_at").
		Values(settingsRowID, st.Provider, st.Endpoint, st.EncAPIKey, st.Model, st.DebugMode, st.UpdatedAt.UTC()).
		Suffix("ON CONFLICT(id) DO UPDATE SET provider=excluded.provider, endpoint=excluded.endpoint, enc_api_key=excluded.enc_api_key, model=excluded.model, debug_mode=excluded.debug_mode, updated_at=excluded.updated_at")
	_, err := s.exec(ctx, s.db, q, "save settings")
	return err
}
