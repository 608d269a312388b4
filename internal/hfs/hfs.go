// Package hfs implements the per-workspace filesystem operations exposed
// to clients over the RPC bridge. Every operation is rooted at the
// workspace directory; paths that escape the root are rejected.
package hfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/habemus/habemus-workspace-server/internal/herrors"
)

// Change event names published into the room when the filesystem mutates.
const (
	EventFileCreated      = "file-created"
	EventFileUpdated      = "file-updated"
	EventFileRemoved      = "file-removed"
	EventDirectoryCreated = "directory-created"
	EventDirectoryRemoved = "directory-removed"
)

// ChangeListener receives filesystem change notifications. The path is
// workspace-relative with a leading slash.
type ChangeListener func(event string, path string)

// FS exposes create/read/update/move/remove operations rooted at a
// workspace directory.
type FS struct {
	root     string
	listener ChangeListener
}

// New returns an FS rooted at dir. The listener may be nil.
func New(dir string, listener ChangeListener) *FS {
	return &FS{root: dir, listener: listener}
}

// Root returns the workspace directory the FS is rooted at.
func (f *FS) Root() string {
	return f.root
}

// resolve maps a workspace-relative path onto the real filesystem,
// rejecting empty paths and escapes above the root.
func (f *FS) resolve(path string) (string, error) {
	if path == "" {
		return "", &herrors.InvalidOption{Option: "path", Kind: "required"}
	}

	cleaned := filepath.Clean("/" + strings.TrimPrefix(path, "/"))
	full := filepath.Join(f.root, cleaned)
	if full != f.root && !strings.HasPrefix(full, f.root+string(os.PathSeparator)) {
		return "", &herrors.InvalidOption{Option: "path", Kind: "invalid"}
	}
	return full, nil
}

func (f *FS) emit(event, path string) {
	if f.listener != nil {
		f.listener(event, "/"+strings.TrimPrefix(filepath.ToSlash(path), "/"))
	}
}

// CreateFile creates a new file. Fails if the path already exists.
func (f *FS) CreateFile(path, content string) error {
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(full); err == nil {
		return &herrors.InvalidOption{Option: "path", Kind: "exists"}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create file %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("create file %s: %w", path, err)
	}
	f.emit(EventFileCreated, path)
	return nil
}

// CreateDirectory creates a new directory. Fails if the path exists.
func (f *FS) CreateDirectory(path string) error {
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(full); err == nil {
		return &herrors.InvalidOption{Option: "path", Kind: "exists"}
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	f.emit(EventDirectoryCreated, path)
	return nil
}

// ReadFile returns the contents of a file.
func (f *FS) ReadFile(path string) (string, error) {
	full, err := f.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return "", &herrors.NotFound{Resource: path}
	}
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", path, err)
	}
	return string(data), nil
}

// DirEntry describes one entry of a directory listing.
type DirEntry struct {
	Name        string `json:"name"`
	IsDirectory bool   `json:"isDirectory"`
	Size        int64  `json:"size"`
}

// ReadDirectory lists the entries of a directory.
func (f *FS) ReadDirectory(path string) ([]DirEntry, error) {
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if os.IsNotExist(err) {
		return nil, &herrors.NotFound{Resource: path}
	}
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", path, err)
	}

	result := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		result = append(result, DirEntry{
			Name:        entry.Name(),
			IsDirectory: entry.IsDir(),
			Size:        info.Size(),
		})
	}
	return result, nil
}

// UpdateFile overwrites the contents of an existing file.
func (f *FS) UpdateFile(path, content string) error {
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(full); os.IsNotExist(err) {
		return &herrors.NotFound{Resource: path}
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("update file %s: %w", path, err)
	}
	f.emit(EventFileUpdated, path)
	return nil
}

// Move renames a file or directory within the workspace.
func (f *FS) Move(path, dest string) error {
	src, err := f.resolve(path)
	if err != nil {
		return err
	}
	dst, err := f.resolve(dest)
	if err != nil {
		if opt, ok := err.(*herrors.InvalidOption); ok && opt.Option == "path" {
			return &herrors.InvalidOption{Option: "dest", Kind: opt.Kind}
		}
		return err
	}
	info, err := os.Lstat(src)
	if os.IsNotExist(err) {
		return &herrors.NotFound{Resource: path}
	}
	if _, err := os.Lstat(dst); err == nil {
		return &herrors.InvalidOption{Option: "dest", Kind: "exists"}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("move %s: %w", path, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s to %s: %w", path, dest, err)
	}
	if info.IsDir() {
		f.emit(EventDirectoryRemoved, path)
		f.emit(EventDirectoryCreated, dest)
	} else {
		f.emit(EventFileRemoved, path)
		f.emit(EventFileCreated, dest)
	}
	return nil
}

// Remove deletes a file or directory (recursively).
func (f *FS) Remove(path string) error {
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	info, err := os.Lstat(full)
	if os.IsNotExist(err) {
		return &herrors.NotFound{Resource: path}
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	if info.IsDir() {
		f.emit(EventDirectoryRemoved, path)
	} else {
		f.emit(EventFileRemoved, path)
	}
	return nil
}

// PathExists reports whether the path exists in the workspace.
func (f *FS) PathExists(path string) (bool, error) {
	full, err := f.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Lstat(full)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return true, nil
}
