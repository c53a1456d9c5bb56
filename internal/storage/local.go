// Package storage provides the directory index and file operations on a
// single local directory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/metrics"
	"github.com/fruitsalade/lanshare/internal/protocol"
)

var (
	// ErrNotFound means no regular file of that name exists in the directory.
	ErrNotFound = errors.New("file not found")
	// ErrInvalidName means the name is not a single visible path component.
	ErrInvalidName = errors.New("invalid file name")
	// ErrIsDirectory means the name refers to a subdirectory.
	ErrIsDirectory = errors.New("is a directory")
)

// TempPattern names in-progress uploads. The leading dot keeps them out of
// the index and away from the change watcher.
const TempPattern = ".lanshare-*.tmp"

// Tracker is told about every path Commit and Remove are about to change,
// so the change watcher can tell the daemon's own writes from external ones.
// Unexpect withdraws an Expect for a path that was not changed after all.
type Tracker interface {
	Expect(path string)
	Unexpect(path string)
}

// Dir is one shared directory. It is immutable; re-targeting the share
// produces a new Dir, so requests holding the old one finish against it.
type Dir struct {
	root string
}

// Open returns a Dir rooted at root. When create is set a missing root is
// created.
func Open(root string, create bool) (*Dir, error) {
	if root == "" {
		return nil, fmt.Errorf("root path is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) && create {
			if mkErr := os.MkdirAll(abs, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", abs, mkErr)
			}
			return &Dir{root: abs}, nil
		}
		return nil, fmt.Errorf("stat root path %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", abs)
	}
	return &Dir{root: abs}, nil
}

// Root returns the absolute directory path.
func (d *Dir) Root() string { return d.root }

// IsHidden reports whether a directory entry is excluded from the index.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// ValidateName checks that name addresses exactly one visible entry
// directly inside the directory.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case !filepath.IsLocal(name), filepath.Base(name) != name:
		return fmt.Errorf("%w: %q is not a local name", ErrInvalidName, name)
	case IsHidden(name):
		return fmt.Errorf("%w: %q is hidden", ErrInvalidName, name)
	}
	return nil
}

// Path joins a validated name onto the root.
func (d *Dir) Path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(d.root, name), nil
}

// List enumerates the regular, visible files directly inside the directory.
// Entries that vanish between enumeration and stat are dropped. Symlinks are
// followed so a link to a file is listed with the target's size.
func (d *Dir) List(ctx context.Context) ([]protocol.FileEntry, error) {
	start := time.Now()

	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", d.root, err)
	}

	files := make([]protocol.FileEntry, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if IsHidden(name) {
			continue
		}

		info, err := os.Stat(filepath.Join(d.root, name))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logging.Warn("stat failed during listing",
					zap.String("dir", d.root), zap.String("name", name), zap.Error(err))
			}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}

		files = append(files, protocol.FileEntry{
			Name:     name,
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
		})
	}

	metrics.RecordIndex(len(files), time.Since(start))
	return files, nil
}

// Stat returns file info for a regular file.
func (d *Dir) Stat(name string) (os.FileInfo, error) {
	path, err := d.Path(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, name)
	}
	return info, nil
}

// OpenFile opens a regular file for reading.
func (d *Dir) OpenFile(name string) (*os.File, os.FileInfo, error) {
	path, err := d.Path(name)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, nil, fmt.Errorf("open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat %s: %w", name, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrIsDirectory, name)
	}
	return f, info, nil
}

// Remove deletes a regular file. t, if non-nil, is told about the absolute
// path just before the removal.
func (d *Dir) Remove(name string, t Tracker) error {
	path, err := d.Path(name)
	if err != nil {
		return err
	}
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("stat %s: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s", ErrIsDirectory, name)
	}

	if t != nil {
		t.Expect(path)
	}
	if err := os.Remove(path); err != nil {
		if t != nil {
			t.Unexpect(path)
		}
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// CreateTemp opens a hidden temp file inside the directory. Committing it
// with Commit is a rename, so the final file never appears half-written.
func (d *Dir) CreateTemp() (*os.File, error) {
	f, err := os.CreateTemp(d.root, TempPattern)
	if err != nil {
		return nil, fmt.Errorf("create temp in %s: %w", d.root, err)
	}
	// CreateTemp uses 0600; shared files should be readable like any other.
	if err := f.Chmod(0644); err != nil {
		logging.Debug("chmod temp failed", zap.String("path", f.Name()), zap.Error(err))
	}
	return f, nil
}

// CollisionName returns the n-th alternative for name: "a.txt" becomes
// "a_n.txt". n == 0 returns name unchanged.
func CollisionName(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem, ext = name, ""
	}
	return stem + "_" + strconv.Itoa(n) + ext
}

// Commit moves a fully written temp file into the directory under name, or
// under the first free CollisionName when name is taken. A name is claimed
// with an exclusive create before the rename, so two concurrent commits of
// the same name always land on different files. t, if non-nil, expects each
// candidate before it is claimed; candidates that are already taken are
// withdrawn again, so edits to those existing files still reach the watcher.
func (d *Dir) Commit(tmpPath, name string, t Tracker) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	for n := 0; ; n++ {
		candidate := CollisionName(name, n)
		path := filepath.Join(d.root, candidate)
		if t != nil {
			t.Expect(path)
		}

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			if t != nil {
				t.Unexpect(path)
			}
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return "", fmt.Errorf("reserve %s: %w", candidate, err)
		}
		f.Close()

		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("rename temp to %s: %w", candidate, err)
		}
		return candidate, nil
	}
}
