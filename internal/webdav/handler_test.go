package webdav

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/storage"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

type switchable struct {
	mu  sync.Mutex
	dir *storage.Dir
}

func (s *switchable) Current() *storage.Dir {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

func (s *switchable) set(t *testing.T, root string) {
	d, err := storage.Open(root, false)
	require.NoError(t, err)
	s.mu.Lock()
	s.dir = d
	s.mu.Unlock()
}

func TestHandlerFollowsCurrentDirectory(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	src := &switchable{}
	src.set(t, first)

	srv := httptest.NewServer(NewHandler(src, "/webdav", 1<<20))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/webdav/dav.txt", strings.NewReader("mounted"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	data, err := os.ReadFile(filepath.Join(first, "dav.txt"))
	require.NoError(t, err)
	assert.Equal(t, "mounted", string(data))

	require.NoError(t, os.WriteFile(filepath.Join(second, "other.txt"), []byte("second"), 0644))
	src.set(t, second)

	resp, err = http.Get(srv.URL + "/webdav/other.txt")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "second", string(body))

	resp, err = http.Get(srv.URL + "/webdav/dav.txt")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func newMount(t *testing.T, maxSize int64) (string, *httptest.Server) {
	t.Helper()
	root := t.TempDir()
	src := &switchable{}
	src.set(t, root)
	srv := httptest.NewServer(NewHandler(src, "/webdav", maxSize))
	t.Cleanup(srv.Close)
	return root, srv
}

func davDo(t *testing.T, method, url string, body io.Reader) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

// chunked hides the length so the ceiling is hit while copying.
type chunked struct{ r io.Reader }

func (c chunked) Read(p []byte) (int, error) { return c.r.Read(p) }

func TestPutSizeCeiling(t *testing.T) {
	root, srv := newMount(t, 10)

	status, _ := davDo(t, http.MethodPut, srv.URL+"/webdav/exact.txt", strings.NewReader("0123456789"))
	assert.Equal(t, http.StatusCreated, status)

	status, _ = davDo(t, http.MethodPut, srv.URL+"/webdav/big.txt", strings.NewReader("0123456789A"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)

	status, body := davDo(t, http.MethodPut, srv.URL+"/webdav/streamed.txt", chunked{strings.NewReader("0123456789AB")})
	assert.Equal(t, http.StatusRequestEntityTooLarge, status, body)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1, "rejected writes must leave nothing behind, temp files included")
	assert.Equal(t, "exact.txt", entries[0].Name())
}

func TestPutReplacesExistingFile(t *testing.T) {
	root, srv := newMount(t, 100)
	require.NoError(t, os.WriteFile(filepath.Join(root, "r.txt"), []byte("old content"), 0644))

	status, _ := davDo(t, http.MethodPut, srv.URL+"/webdav/r.txt", strings.NewReader("new"))
	assert.Equal(t, http.StatusCreated, status)

	data, err := os.ReadFile(filepath.Join(root, "r.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestHiddenFilesAreInvisible(t *testing.T) {
	root, srv := newMount(t, 100)
	require.NoError(t, os.WriteFile(filepath.Join(root, ".secret"), []byte("secret"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".lanshare-1.tmp"), []byte("partial"), 0644))

	status, _ := davDo(t, http.MethodPut, srv.URL+"/webdav/.hidden", strings.NewReader("x"))
	assert.GreaterOrEqual(t, status, http.StatusBadRequest)
	_, err := os.Stat(filepath.Join(root, ".hidden"))
	assert.True(t, os.IsNotExist(err))

	status, _ = davDo(t, http.MethodGet, srv.URL+"/webdav/.secret", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = davDo(t, http.MethodGet, srv.URL+"/webdav/.lanshare-1.tmp", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = davDo(t, http.MethodDelete, srv.URL+"/webdav/.secret", nil)
	assert.Equal(t, http.StatusNotFound, status)
	_, err = os.Stat(filepath.Join(root, ".secret"))
	assert.NoError(t, err)
}

func TestNestedPathsAreInvisible(t *testing.T) {
	root, srv := newMount(t, 100)
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "deep.txt"), []byte("nested"), 0644))

	status, _ := davDo(t, http.MethodGet, srv.URL+"/webdav/sub/deep.txt", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = davDo(t, http.MethodPut, srv.URL+"/webdav/sub/new.txt", strings.NewReader("x"))
	assert.GreaterOrEqual(t, status, http.StatusBadRequest)

	status, _ = davDo(t, http.MethodDelete, srv.URL+"/webdav/sub", nil)
	assert.Equal(t, http.StatusNotFound, status)
	_, err := os.Stat(filepath.Join(root, "sub", "deep.txt"))
	assert.NoError(t, err, "directory must survive")

	status, _ = davDo(t, "MKCOL", srv.URL+"/webdav/newdir", nil)
	assert.GreaterOrEqual(t, status, http.StatusBadRequest)
	_, err = os.Stat(filepath.Join(root, "newdir"))
	assert.True(t, os.IsNotExist(err))
}

func TestPropfindListsVisibleFiles(t *testing.T) {
	root, srv := newMount(t, 100)
	require.NoError(t, os.WriteFile(filepath.Join(root, "shown.txt"), []byte("s"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".secret"), []byte("h"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))

	req, err := http.NewRequest("PROPFIND", srv.URL+"/webdav/", nil)
	require.NoError(t, err)
	req.Header.Set("Depth", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)
	assert.Contains(t, string(body), "shown.txt")
	assert.NotContains(t, string(body), ".secret")
	assert.NotContains(t, string(body), "/webdav/sub")
}
