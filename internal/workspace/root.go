// Package workspace owns the on-disk side of workspaces: the root
// directory they all live under, the loader that populates a workspace
// from a project version archive, and the setup manager that coalesces
// concurrent ensure-ready calls.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Root derives per-workspace directories under a single base path.
type Root struct {
	base string
}

// NewRoot ensures the base directory exists and returns the builder.
func NewRoot(base string) (*Root, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspaces root: %w", err)
	}
	return &Root{base: abs}, nil
}

// PathFor returns the directory holding the workspace's files. Ids are
// uuids, but they are cleaned of separators regardless.
func (r *Root) PathFor(workspaceID string) string {
	return filepath.Join(r.base, filepath.Base(filepath.Clean(workspaceID)))
}
