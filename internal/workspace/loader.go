package workspace

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/sirupsen/logrus"

	"github.com/habemus/habemus-workspace-server/internal/services"
	"github.com/habemus/habemus-workspace-server/internal/store"
)

// VersionSource yields the latest published version of a project.
type VersionSource interface {
	GetLatestVersion(ctx context.Context, projectID string) (*services.Version, error)
}

// RecordStore is the slice of the workspace store the loader writes to.
type RecordStore interface {
	SetProjectVersionCode(ctx context.Context, workspaceID, versionCode string) error
}

// Loader populates a workspace directory from a project version archive.
// Archives are fetched from an https signed URL or, for s3:// sources,
// straight from S3-compatible storage.
type Loader struct {
	versions VersionSource
	records  RecordStore
	root     *Root
	s3       *minio.Client
	client   *http.Client
	log      *logrus.Entry
}

// NewLoader builds a Loader. The minio client may be nil when no S3
// source is configured.
func NewLoader(versions VersionSource, records RecordStore, root *Root, s3 *minio.Client) *Loader {
	return &Loader{
		versions: versions,
		records:  records,
		root:     root,
		s3:       s3,
		client:   &http.Client{Timeout: 5 * time.Minute},
		log:      logrus.WithField("component", "workspace-loader"),
	}
}

// IsReady reports whether the workspace's files are present and loaded
// from some project version.
func (l *Loader) IsReady(ws *store.Workspace) bool {
	if ws.ProjectVersionCode == "" {
		return false
	}
	info, err := os.Stat(l.root.PathFor(ws.ID))
	return err == nil && info.IsDir()
}

// LoadLatestVersion replaces the workspace's files with the project's
// latest version archive and records the loaded version code.
func (l *Loader) LoadLatestVersion(ctx context.Context, ws *store.Workspace) error {
	version, err := l.versions.GetLatestVersion(ctx, ws.ProjectID)
	if err != nil {
		return err
	}
	return l.LoadVersion(ctx, ws, version)
}

// LoadVersion fetches and extracts one specific version.
func (l *Loader) LoadVersion(ctx context.Context, ws *store.Workspace, version *services.Version) error {
	l.log.WithFields(logrus.Fields{
		"workspace": ws.ID,
		"version":   version.Code,
	}).Info("loading project version")

	archive, err := l.fetchArchive(ctx, version.SrcSignedURL)
	if err != nil {
		return err
	}
	defer os.Remove(archive)

	dir := l.root.PathFor(ws.ID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear workspace dir: %w", err)
	}
	if err := extractZip(archive, dir); err != nil {
		return fmt.Errorf("extract version archive: %w", err)
	}

	if err := l.records.SetProjectVersionCode(ctx, ws.ID, version.Code); err != nil {
		return err
	}
	ws.ProjectVersionCode = version.Code
	return nil
}

// fetchArchive downloads the version zip to a temp file and returns its
// path.
func (l *Loader) fetchArchive(ctx context.Context, src string) (string, error) {
	var body io.ReadCloser

	if strings.HasPrefix(src, "s3://") {
		if l.s3 == nil {
			return "", fmt.Errorf("s3 archive source %q but no s3 client configured", src)
		}
		ref, err := url.Parse(src)
		if err != nil {
			return "", fmt.Errorf("parse archive source: %w", err)
		}
		object, err := l.s3.GetObject(ctx, ref.Host,
			strings.TrimPrefix(ref.Path, "/"), minio.GetObjectOptions{})
		if err != nil {
			return "", fmt.Errorf("fetch archive from s3: %w", err)
		}
		body = object
	} else {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return "", err
		}
		res, err := l.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("fetch archive: %w", err)
		}
		if res.StatusCode != http.StatusOK {
			res.Body.Close()
			return "", fmt.Errorf("fetch archive: status %d", res.StatusCode)
		}
		body = res.Body
	}
	defer body.Close()

	tmp, err := os.CreateTemp("", "workspace-version-*.zip")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("download archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// extractZip unpacks the archive into dir, refusing entries that would
// land outside of it.
func extractZip(archive, dir string) error {
	reader, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer reader.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, file := range reader.File {
		name := filepath.FromSlash(file.Name)
		if !filepath.IsLocal(name) {
			return fmt.Errorf("archive entry %q escapes workspace dir", file.Name)
		}
		target := filepath.Join(dir, name)

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := file.Open()
		if err != nil {
			return err
		}
		dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, file.Mode().Perm()|0o200)
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}
