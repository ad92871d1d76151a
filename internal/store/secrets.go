package store

import (
	"context"
	"fmt"
	"time"

	"git.home.luguber.info/inful/ando/internal/model"
)

// UpsertSecret writes (or overwrites) an encrypted secret value. Secrets are
// write-only from the user side: there is no read path returning values here
// except ListSecrets, which the run loop uses to build the container env.
func (s *Store) UpsertSecret(ctx context.Context, sec *model.Secret) error {
	if !model.SecretNamePattern.MatchString(sec.Name) {
		return fmt.Errorf("secret name %q must match %s", sec.Name, model.SecretNamePattern)
	}
	if sec.CreatedAt.IsZero() {
		sec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_secrets (project_id, name, encrypted_value, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project_id, name) DO UPDATE SET encrypted_value = excluded.encrypted_value`,
		sec.ProjectID, sec.Name, sec.EncryptedValue, sec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert secret: %w", err)
	}
	return nil
}

// ListSecrets returns a project's secrets with their ciphertext. Callers that
// only need names must use ListSecretNames.
func (s *Store) ListSecrets(ctx context.Context, projectID int64) ([]*model.Secret, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, name, encrypted_value, created_at
		FROM project_secrets WHERE project_id = ? ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query secrets: %w", err)
	}
	defer rows.Close()

	var secrets []*model.Secret
	for rows.Next() {
		var sec model.Secret
		var createdAt int64
		if err := rows.Scan(&sec.ProjectID, &sec.Name, &sec.EncryptedValue, &createdAt); err != nil {
			return nil, scanErr("secret", err)
		}
		sec.CreatedAt = time.Unix(createdAt, 0)
		secrets = append(secrets, &sec)
	}
	return secrets, rows.Err()
}

// ListSecretNames returns only the names of a project's secrets, sorted.
func (s *Store) ListSecretNames(ctx context.Context, projectID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM project_secrets WHERE project_id = ? ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query secret names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, scanErr("secret name", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteSecret removes one secret by name.
func (s *Store) DeleteSecret(ctx context.Context, projectID int64, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM project_secrets WHERE project_id = ? AND name = ?`, projectID, name)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return requireRow(res)
}
