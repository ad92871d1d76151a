package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"git.home.luguber.info/inful/ando/internal/model"
)

// CreateToken stores a new API token's prefix and hash.
func (s *Store) CreateToken(ctx context.Context, t *model.APIToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO api_tokens (user_id, name, prefix, token_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.UserID, t.Name, t.Prefix, t.Hash, t.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("token insert id: %w", err)
	}
	return nil
}

// TokensByPrefix returns candidate tokens for a presented prefix. The caller
// does the constant-time hash comparison; prefixes are not assumed unique.
func (s *Store) TokensByPrefix(ctx context.Context, prefix string) ([]*model.APIToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, prefix, token_hash, created_at, last_used_at
		FROM api_tokens WHERE prefix = ?`, prefix)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*model.APIToken
	for rows.Next() {
		var t model.APIToken
		var createdAt int64
		var lastUsed sql.NullInt64
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.Prefix, &t.Hash, &createdAt, &lastUsed); err != nil {
			return nil, scanErr("token", err)
		}
		t.CreatedAt = time.Unix(createdAt, 0)
		if lastUsed.Valid {
			ts := time.Unix(lastUsed.Int64, 0)
			t.LastUsedAt = &ts
		}
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

// TouchToken records when a token last authenticated a request.
func (s *Store) TouchToken(ctx context.Context, id int64, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_tokens SET last_used_at = ? WHERE id = ?`, when.Unix(), id)
	if err != nil {
		return fmt.Errorf("touch token: %w", err)
	}
	return nil
}

// DeleteToken revokes a token.
func (s *Store) DeleteToken(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return requireRow(res)
}

// GetSettings reads the singleton settings row, creating it on first use.
func (s *Store) GetSettings(ctx context.Context) (*model.Settings, error) {
	var st model.Settings
	var allow int
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT allow_registration, updated_at FROM system_settings WHERE id = 1`).
		Scan(&allow, &updatedAt)
	if err == sql.ErrNoRows {
		st = model.Settings{AllowRegistration: true, UpdatedAt: time.Now()}
		if err := s.UpdateSettings(ctx, &st); err != nil {
			return nil, err
		}
		return &st, nil
	}
	if err != nil {
		return nil, scanErr("settings", err)
	}
	st.AllowRegistration = allow != 0
	st.UpdatedAt = time.Unix(updatedAt, 0)
	return &st, nil
}

// UpdateSettings writes the singleton settings row.
func (s *Store) UpdateSettings(ctx context.Context, st *model.Settings) error {
	st.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_settings (id, allow_registration, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			allow_registration = excluded.allow_registration,
			updated_at = excluded.updated_at`,
		boolInt(st.AllowRegistration), st.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}
