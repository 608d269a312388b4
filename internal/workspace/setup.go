package workspace

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/habemus/habemus-workspace-server/internal/herrors"
	"github.com/habemus/habemus-workspace-server/internal/store"
)

// SetupStore is the slice of the workspace store the setup manager needs.
type SetupStore interface {
	GetByProjectID(ctx context.Context, projectID string) (*store.Workspace, error)
	Create(ctx context.Context, username, projectID string) (*store.Workspace, error)
}

// SetupLoader loads project files into a workspace.
type SetupLoader interface {
	IsReady(ws *store.Workspace) bool
	LoadLatestVersion(ctx context.Context, ws *store.Workspace) error
}

// inflight is one pending ensure-ready run shared by concurrent callers.
type inflight struct {
	done chan struct{}
	ws   *store.Workspace
	err  error
}

// SetupManager guarantees that the loading process for one workspace is
// never executed twice concurrently: callers for the same
// username+projectID key attach to the in-flight run and share its
// result. Entries are dropped once settled so later calls start fresh.
type SetupManager struct {
	records  SetupStore
	loader   SetupLoader
	mu       sync.Mutex
	inflight map[string]*inflight
	log      *logrus.Entry
}

// NewSetupManager builds a SetupManager.
func NewSetupManager(records SetupStore, loader SetupLoader) *SetupManager {
	return &SetupManager{
		records:  records,
		loader:   loader,
		inflight: make(map[string]*inflight),
		log:      logrus.WithField("component", "workspace-setup"),
	}
}

// EnsureReady resolves the workspace for the project, creating the
// record and loading the project files if needed.
func (m *SetupManager) EnsureReady(ctx context.Context, username, projectID string) (*store.Workspace, error) {
	key := username + "/" + projectID

	m.mu.Lock()
	if call, ok := m.inflight[key]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.ws, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &inflight{done: make(chan struct{})}
	m.inflight[key] = call
	m.mu.Unlock()

	call.ws, call.err = m.ensureReady(ctx, username, projectID)
	close(call.done)

	m.mu.Lock()
	delete(m.inflight, key)
	m.mu.Unlock()

	return call.ws, call.err
}

func (m *SetupManager) ensureReady(ctx context.Context, username, projectID string) (*store.Workspace, error) {
	ws, err := m.records.GetByProjectID(ctx, projectID)

	var notFound *herrors.NotFound
	switch {
	case err == nil:
		if m.loader.IsReady(ws) {
			return ws, nil
		}
	case errors.As(err, &notFound):
		m.log.WithField("project", projectID).Info("creating workspace")
		ws, err = m.records.Create(ctx, username, projectID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := m.loader.LoadLatestVersion(ctx, ws); err != nil {
		return nil, err
	}
	return ws, nil
}
