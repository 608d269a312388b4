// Package store persists workspace records in postgres. A workspace row
// ties a project to its on-disk file tree and remembers which project
// version the files were loaded from.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/habemus/habemus-workspace-server/internal/herrors"
)

// Workspace is the persistent record behind a workspace room.
type Workspace struct {
	ID                 string    `json:"_id"`
	ProjectID          string    `json:"projectId"`
	OwnerUsername      string    `json:"ownerUsername"`
	ProjectVersionCode string    `json:"projectVersionCode,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Store wraps the postgres handle.
type Store struct {
	db *sql.DB
}

// New returns a Store over the given database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the workspaces table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL UNIQUE,
			owner_username TEXT NOT NULL,
			project_version_code TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure workspaces schema: %w", err)
	}
	return nil
}

// Create inserts a workspace for the project. A second workspace for the
// same project fails with WorkspaceExists.
func (s *Store) Create(ctx context.Context, username, projectID string) (*Workspace, error) {
	ws := &Workspace{
		ID:            uuid.New().String(),
		ProjectID:     projectID,
		OwnerUsername: username,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO workspaces (id, project_id, owner_username)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, ws.ID, ws.ProjectID, ws.OwnerUsername).Scan(&ws.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		// 23505: unique_violation. The only unique index is project_id.
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, &herrors.WorkspaceExists{}
		}
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return ws, nil
}

// GetByProjectID fetches the workspace for a project.
func (s *Store) GetByProjectID(ctx context.Context, projectID string) (*Workspace, error) {
	var ws Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, owner_username, project_version_code, created_at
		FROM workspaces
		WHERE project_id = $1
	`, projectID).Scan(
		&ws.ID, &ws.ProjectID, &ws.OwnerUsername,
		&ws.ProjectVersionCode, &ws.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &herrors.NotFound{Resource: "workspace"}
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace by project: %w", err)
	}
	return &ws, nil
}

// SetProjectVersionCode records which project version the workspace
// files were loaded from.
func (s *Store) SetProjectVersionCode(ctx context.Context, workspaceID, versionCode string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET project_version_code = $2 WHERE id = $1
	`, workspaceID, versionCode)
	if err != nil {
		return fmt.Errorf("set workspace version: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &herrors.NotFound{Resource: "workspace"}
	}
	return nil
}

// Delete removes a workspace record.
func (s *Store) Delete(ctx context.Context, workspaceID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM workspaces WHERE id = $1
	`, workspaceID)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return nil
}
