package workspace

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habemus/habemus-workspace-server/internal/services"
	"github.com/habemus/habemus-workspace-server/internal/store"
)

type fakeVersions struct {
	version *services.Version
	err     error
}

func (f *fakeVersions) GetLatestVersion(context.Context, string) (*services.Version, error) {
	return f.version, f.err
}

type recordingStore struct {
	mu       sync.Mutex
	versions map[string]string
}

func (r *recordingStore) SetProjectVersionCode(_ context.Context, workspaceID, versionCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.versions == nil {
		r.versions = make(map[string]string)
	}
	r.versions[workspaceID] = versionCode
	return nil
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestLoadVersionExtractsArchive(t *testing.T) {
	archive := zipArchive(t, map[string]string{
		"index.html":     "<html></html>",
		"css/styles.css": "body {}",
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer server.Close()

	root, err := NewRoot(t.TempDir())
	require.NoError(t, err)
	records := &recordingStore{}
	loader := NewLoader(&fakeVersions{}, records, root, nil)

	ws := &store.Workspace{ID: "ws-1", ProjectID: "project-1"}
	version := &services.Version{Code: "v3", SrcSignedURL: server.URL + "/archive.zip"}

	require.NoError(t, loader.LoadVersion(context.Background(), ws, version))

	data, err := os.ReadFile(filepath.Join(root.PathFor("ws-1"), "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(data))

	data, err = os.ReadFile(filepath.Join(root.PathFor("ws-1"), "css", "styles.css"))
	require.NoError(t, err)
	assert.Equal(t, "body {}", string(data))

	assert.Equal(t, "v3", records.versions["ws-1"])
	assert.Equal(t, "v3", ws.ProjectVersionCode)
	assert.True(t, loader.IsReady(ws))
}

func TestLoadVersionReplacesExistingFiles(t *testing.T) {
	root, err := NewRoot(t.TempDir())
	require.NoError(t, err)
	dir := root.PathFor("ws-1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.txt"), []byte("old"), 0o644))

	archive := zipArchive(t, map[string]string{"fresh.txt": "new"})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer server.Close()

	loader := NewLoader(&fakeVersions{}, &recordingStore{}, root, nil)
	ws := &store.Workspace{ID: "ws-1", ProjectID: "project-1"}
	version := &services.Version{Code: "v4", SrcSignedURL: server.URL}

	require.NoError(t, loader.LoadVersion(context.Background(), ws, version))

	_, err = os.Stat(filepath.Join(dir, "stale.txt"))
	assert.True(t, os.IsNotExist(err), "previous contents are replaced")
	_, err = os.Stat(filepath.Join(dir, "fresh.txt"))
	assert.NoError(t, err)
}

func TestLoadVersionRejectsEscapingArchive(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("../escape.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("nope"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	base := t.TempDir()
	root, err := NewRoot(filepath.Join(base, "workspaces"))
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	defer server.Close()

	loader := NewLoader(&fakeVersions{}, &recordingStore{}, root, nil)
	ws := &store.Workspace{ID: "ws-1", ProjectID: "project-1"}

	err = loader.LoadVersion(context.Background(), ws,
		&services.Version{Code: "v1", SrcSignedURL: server.URL})
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(base, "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestLoadVersionFetchFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	root, err := NewRoot(t.TempDir())
	require.NoError(t, err)
	records := &recordingStore{}
	loader := NewLoader(&fakeVersions{}, records, root, nil)

	ws := &store.Workspace{ID: "ws-1", ProjectID: "project-1"}
	err = loader.LoadVersion(context.Background(), ws,
		&services.Version{Code: "v1", SrcSignedURL: server.URL})
	require.Error(t, err)
	assert.Empty(t, records.versions)
}

func TestIsReadyRequiresVersionAndDirectory(t *testing.T) {
	root, err := NewRoot(t.TempDir())
	require.NoError(t, err)
	loader := NewLoader(&fakeVersions{}, &recordingStore{}, root, nil)

	ws := &store.Workspace{ID: "ws-1", ProjectID: "project-1"}
	assert.False(t, loader.IsReady(ws), "no version code yet")

	ws.ProjectVersionCode = "v1"
	assert.False(t, loader.IsReady(ws), "no directory yet")

	require.NoError(t, os.MkdirAll(root.PathFor("ws-1"), 0o755))
	assert.True(t, loader.IsReady(ws))
}

func TestRootPathForStripsSeparators(t *testing.T) {
	base := t.TempDir()
	root, err := NewRoot(base)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, "ws-1"), root.PathFor("ws-1"))
	assert.Equal(t, filepath.Join(base, "escape"), root.PathFor("../../escape"))
}
