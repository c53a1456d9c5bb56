package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/lanshare/internal/protocol"
)

func newDir(t *testing.T) *Dir {
	t.Helper()
	d, err := Open(t.TempDir(), false)
	require.NoError(t, err)
	return d
}

func writeFile(t *testing.T, d *Dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(d.Root(), name), []byte(content), 0644))
}

func names(files []protocol.FileEntry) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Name)
	}
	sort.Strings(out)
	return out
}

func TestOpenCreatesMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "a", "b")

	_, err := Open(root, false)
	require.Error(t, err)

	d, err := Open(root, true)
	require.NoError(t, err)
	assert.Equal(t, root, d.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestOpenRejectsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	_, err := Open(file, true)
	assert.Error(t, err)
}

func TestListEmpty(t *testing.T) {
	d := newDir(t)
	files, err := d.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, files)
	assert.Empty(t, files)
}

func TestListSkipsDirectoriesAndHidden(t *testing.T) {
	d := newDir(t)
	writeFile(t, d, "a.txt", "hello")
	writeFile(t, d, "b.bin", "0123456789")
	writeFile(t, d, ".secret", "x")
	require.NoError(t, os.Mkdir(filepath.Join(d.Root(), "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(d.Root(), "sub", "nested.txt"), []byte("n"), 0644))

	files, err := d.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.bin"}, names(files))

	for _, f := range files {
		if f.Name == "b.bin" {
			assert.Equal(t, int64(10), f.Size)
			assert.False(t, f.Modified.IsZero())
		}
	}
}

func TestListIsIdempotent(t *testing.T) {
	d := newDir(t)
	writeFile(t, d, "one", "1")
	writeFile(t, d, "two", "22")

	first, err := d.List(context.Background())
	require.NoError(t, err)
	second, err := d.List(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, first, second)
}

func TestListDropsDanglingSymlink(t *testing.T) {
	d := newDir(t)
	writeFile(t, d, "keep.txt", "k")
	if err := os.Symlink(filepath.Join(d.Root(), "gone"), filepath.Join(d.Root(), "dangling")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	files, err := d.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, names(files))
}

func TestListMissingRoot(t *testing.T) {
	d := newDir(t)
	require.NoError(t, os.RemoveAll(d.Root()))

	_, err := d.List(context.Background())
	assert.Error(t, err)
}

func TestValidateName(t *testing.T) {
	valid := []string{"a.txt", "report 2024.pdf", "no-ext", "ünïcode.md"}
	for _, name := range valid {
		assert.NoError(t, ValidateName(name), name)
	}

	invalid := []string{"", ".", "..", "../etc/passwd", "a/b", `a\b`, "/etc/passwd", ".hidden", "x\x00y"}
	for _, name := range invalid {
		err := ValidateName(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestCollisionName(t *testing.T) {
	assert.Equal(t, "a.txt", CollisionName("a.txt", 0))
	assert.Equal(t, "a_1.txt", CollisionName("a.txt", 1))
	assert.Equal(t, "a_12.txt", CollisionName("a.txt", 12))
	assert.Equal(t, "archive.tar_2.gz", CollisionName("archive.tar.gz", 2))
	assert.Equal(t, "README_3", CollisionName("README", 3))
}

func commitString(t *testing.T, d *Dir, name, content string) string {
	t.Helper()
	tmp, err := d.CreateTemp()
	require.NoError(t, err)
	_, err = tmp.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	stored, err := d.Commit(tmp.Name(), name, nil)
	require.NoError(t, err)
	return stored
}

func TestCommitCollisionSequence(t *testing.T) {
	d := newDir(t)

	assert.Equal(t, "a.txt", commitString(t, d, "a.txt", "0"))
	for n := 1; n <= 5; n++ {
		assert.Equal(t, CollisionName("a.txt", n), commitString(t, d, "a.txt", "x"))
	}

	data, err := os.ReadFile(filepath.Join(d.Root(), "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "0", string(data), "original must not be overwritten")

	files, err := d.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, files, 6, "temp files must not remain visible")
}

func TestCommitSkipsExistingDirectoryName(t *testing.T) {
	d := newDir(t)
	require.NoError(t, os.Mkdir(filepath.Join(d.Root(), "photos"), 0755))

	assert.Equal(t, "photos_1", commitString(t, d, "photos", "p"))
}

func TestCommitConcurrentSameName(t *testing.T) {
	d := newDir(t)

	const workers = 8
	var wg sync.WaitGroup
	stored := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tmp, err := d.CreateTemp()
			if err != nil {
				t.Error(err)
				return
			}
			tmp.WriteString("c")
			tmp.Close()
			s, err := d.Commit(tmp.Name(), "same.txt", nil)
			if err != nil {
				t.Error(err)
				return
			}
			stored[i] = s
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, s := range stored {
		assert.False(t, seen[s], "duplicate stored name %s", s)
		seen[s] = true
	}
}

type recordingTracker struct {
	calls []string
}

func (r *recordingTracker) Expect(path string) {
	r.calls = append(r.calls, "expect "+filepath.Base(path))
}

func (r *recordingTracker) Unexpect(path string) {
	r.calls = append(r.calls, "unexpect "+filepath.Base(path))
}

func TestCommitTracksOnlyClaimedName(t *testing.T) {
	d := newDir(t)
	writeFile(t, d, "b.txt", "taken")

	tr := &recordingTracker{}
	tmp, err := d.CreateTemp()
	require.NoError(t, err)
	tmp.Close()
	stored, err := d.Commit(tmp.Name(), "b.txt", tr)
	require.NoError(t, err)
	assert.Equal(t, "b_1.txt", stored)
	assert.Equal(t, []string{"expect b.txt", "unexpect b.txt", "expect b_1.txt"}, tr.calls)
}

func TestRemoveTracksPath(t *testing.T) {
	d := newDir(t)
	writeFile(t, d, "r.txt", "r")

	tr := &recordingTracker{}
	require.NoError(t, d.Remove("r.txt", tr))
	assert.Equal(t, []string{"expect r.txt"}, tr.calls)

	tr.calls = nil
	assert.ErrorIs(t, d.Remove("r.txt", tr), ErrNotFound)
	assert.Empty(t, tr.calls, "nothing to remove, nothing expected")
}

func TestRemove(t *testing.T) {
	d := newDir(t)
	writeFile(t, d, "x.txt", "x")
	require.NoError(t, os.Mkdir(filepath.Join(d.Root(), "dir"), 0755))

	require.NoError(t, d.Remove("x.txt", nil))
	_, err := os.Stat(filepath.Join(d.Root(), "x.txt"))
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, d.Remove("x.txt", nil), ErrNotFound)
	assert.ErrorIs(t, d.Remove("dir", nil), ErrIsDirectory)
	assert.ErrorIs(t, d.Remove("../x.txt", nil), ErrInvalidName)
}

func TestRemoveDoesNotEscapeRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "share")
	d, err := Open(root, true)
	require.NoError(t, err)
	outside := filepath.Join(parent, "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("keep"), 0644))

	err = d.Remove("../outside.txt", nil)
	assert.ErrorIs(t, err, ErrInvalidName)
	err = d.Remove(outside, nil)
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = os.Stat(outside)
	assert.NoError(t, err)
}

func TestOpenFile(t *testing.T) {
	d := newDir(t)
	writeFile(t, d, "doc.md", "# title")

	f, info, err := d.OpenFile("doc.md")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(7), info.Size())

	_, _, err = d.OpenFile("missing.md")
	assert.True(t, errors.Is(err, ErrNotFound))
}
