// Package webdav exposes the shared directory as a WebDAV share so it can
// be mounted as a network drive.
//
// The mount shows exactly what the Directory Index shows: visible regular
// files directly inside the shared root. Writes are staged in a hidden temp
// file and renamed into place on Close, and obey the same per-file ceiling
// as HTTP uploads.
package webdav

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/protocol"
	"github.com/fruitsalade/lanshare/internal/storage"
	"github.com/fruitsalade/lanshare/internal/upload"
)

// DirSource yields the directory to serve. It is consulted on every
// operation, so a retargeted share is picked up immediately.
type DirSource interface {
	Current() *storage.Dir
}

// NewHandler creates a WebDAV HTTP handler mounted at prefix. Files written
// through it may be at most maxSize bytes; maxSize <= 0 means no limit.
func NewHandler(src DirSource, prefix string, maxSize int64) http.Handler {
	dav := &webdav.Handler{
		FileSystem: &ShareFS{src: src, maxSize: maxSize},
		LockSystem: webdav.NewMemLS(),
		Prefix:     prefix,
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logging.WithContext(r.Context()).Debug("webdav request failed",
					zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
			}
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && maxSize > 0 && r.ContentLength > maxSize {
			sendTooLarge(w)
			return
		}
		st := &writeState{}
		r = r.WithContext(context.WithValue(r.Context(), writeStateKey{}, st))
		dav.ServeHTTP(&limitWriter{ResponseWriter: w, state: st}, r)
	})
}

// writeState records that a staged write hit the ceiling during a request.
type writeState struct {
	tooLarge atomic.Bool
}

type writeStateKey struct{}

func stateFrom(ctx context.Context) *writeState {
	st, _ := ctx.Value(writeStateKey{}).(*writeState)
	return st
}

// limitWriter turns the generic failure status x/net/webdav reports for a
// failed body copy into 413 when the copy failed on the size ceiling.
type limitWriter struct {
	http.ResponseWriter
	state     *writeState
	rewritten bool
}

func (lw *limitWriter) WriteHeader(code int) {
	if code >= http.StatusBadRequest && lw.state.tooLarge.Load() {
		lw.rewritten = true
		sendTooLarge(lw.ResponseWriter)
		return
	}
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *limitWriter) Write(b []byte) (int, error) {
	if lw.rewritten {
		return len(b), nil
	}
	return lw.ResponseWriter.Write(b)
}

func sendTooLarge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusRequestEntityTooLarge)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: upload.ErrTooLarge.Error(),
		Code:  http.StatusRequestEntityTooLarge,
	})
}

// ShareFS is a webdav.FileSystem over the current shared directory.
type ShareFS struct {
	src     DirSource
	maxSize int64
}

// fileName maps a WebDAV path onto a name in the shared root. The root
// itself maps to "". Anything the Directory Index would not list (nested
// paths, dotfiles, temp files) does not exist.
func fileName(name string) (string, error) {
	n := strings.TrimPrefix(name, "/")
	if n == "" {
		return "", nil
	}
	if err := storage.ValidateName(n); err != nil {
		return "", os.ErrNotExist
	}
	return n, nil
}

// Mkdir always fails: the share holds no subdirectories.
func (fs *ShareFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return os.ErrPermission
}

const writeFlags = os.O_WRONLY | os.O_RDWR | os.O_APPEND | os.O_CREATE | os.O_TRUNC

func (fs *ShareFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	n, err := fileName(name)
	if err != nil {
		return nil, err
	}
	d := fs.src.Current()

	if flag&writeFlags != 0 {
		// Only whole-file replacement (PUT, COPY, LOCK-create) is supported.
		if n == "" || flag&os.O_TRUNC == 0 {
			return nil, os.ErrPermission
		}
		return fs.stage(ctx, d, n)
	}

	f, err := webdav.Dir(d.Root()).OpenFile(ctx, "/"+n, flag, perm)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if n == "" {
		return &rootFile{File: f, root: d.Root()}, nil
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}

func (fs *ShareFS) stage(ctx context.Context, d *storage.Dir, name string) (webdav.File, error) {
	target, err := d.Path(name)
	if err != nil {
		return nil, os.ErrNotExist
	}
	if info, err := os.Stat(target); err == nil && !info.Mode().IsRegular() {
		return nil, os.ErrPermission
	}
	tmp, err := d.CreateTemp()
	if err != nil {
		return nil, err
	}
	return &stagedFile{File: tmp, tmpPath: tmp.Name(), target: target, limit: fs.maxSize, state: stateFrom(ctx)}, nil
}

func (fs *ShareFS) RemoveAll(ctx context.Context, name string) error {
	n, err := fileName(name)
	if err != nil {
		return err
	}
	if n == "" {
		return os.ErrPermission
	}
	err = fs.src.Current().Remove(n, nil)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return os.ErrNotExist
	case errors.Is(err, storage.ErrIsDirectory):
		return os.ErrPermission
	}
	return err
}

// Rename resolves the directory once so both names refer to the same root.
func (fs *ShareFS) Rename(ctx context.Context, oldName, newName string) error {
	from, err := fileName(oldName)
	if err != nil {
		return err
	}
	to, err := fileName(newName)
	if err != nil {
		return os.ErrPermission
	}
	if from == "" || to == "" {
		return os.ErrPermission
	}

	d := fs.src.Current()
	if _, err := statRegular(d, from); err != nil {
		return err
	}
	return webdav.Dir(d.Root()).Rename(ctx, "/"+from, "/"+to)
}

func (fs *ShareFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	n, err := fileName(name)
	if err != nil {
		return nil, err
	}
	d := fs.src.Current()
	if n == "" {
		return os.Stat(d.Root())
	}
	return statRegular(d, n)
}

func statRegular(d *storage.Dir, name string) (os.FileInfo, error) {
	info, err := os.Stat(filepath.Join(d.Root(), name))
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, os.ErrNotExist
	}
	return info, nil
}

// rootFile lists only what the Directory Index lists.
type rootFile struct {
	webdav.File
	root string
}

func (f *rootFile) Readdir(count int) ([]os.FileInfo, error) {
	infos, err := f.File.Readdir(count)
	out := make([]os.FileInfo, 0, len(infos))
	for _, fi := range infos {
		if storage.IsHidden(fi.Name()) {
			continue
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			target, statErr := os.Stat(filepath.Join(f.root, fi.Name()))
			if statErr != nil {
				continue
			}
			fi = target
		}
		if fi.Mode().IsRegular() {
			out = append(out, fi)
		}
	}
	return out, err
}

// stagedFile collects a write in a hidden temp file. Embedding the
// interface rather than *os.File keeps io.Copy on the Write path, where the
// ceiling is enforced.
type stagedFile struct {
	webdav.File
	tmpPath string
	target  string
	limit   int64
	written int64
	state   *writeState
	err     error
}

func (f *stagedFile) Write(p []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.limit > 0 && f.written+int64(len(p)) > f.limit {
		if f.state != nil {
			f.state.tooLarge.Store(true)
		}
		f.err = fmt.Errorf("%w: %s", upload.ErrTooLarge, filepath.Base(f.target))
		return 0, f.err
	}
	n, err := f.File.Write(p)
	f.written += int64(n)
	if err != nil {
		f.err = err
	}
	return n, err
}

// Close publishes the staged content under the target name, replacing any
// previous file, or discards it when the write failed.
func (f *stagedFile) Close() error {
	err := f.File.Close()
	if f.err != nil {
		err = f.err
	}
	if err != nil {
		os.Remove(f.tmpPath)
		return err
	}
	if err := os.Rename(f.tmpPath, f.target); err != nil {
		os.Remove(f.tmpPath)
		return fmt.Errorf("publish %s: %w", filepath.Base(f.target), err)
	}
	return nil
}
