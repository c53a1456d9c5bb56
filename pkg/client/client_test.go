package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/lanshare/internal/api"
	"github.com/fruitsalade/lanshare/internal/events"
	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/protocol"
	"github.com/fruitsalade/lanshare/internal/retry"
	"github.com/fruitsalade/lanshare/internal/session"
	"github.com/fruitsalade/lanshare/internal/share"
	"github.com/fruitsalade/lanshare/internal/upload"
	"github.com/fruitsalade/lanshare/internal/watcher"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
}

// startDaemon runs the full HTTP stack on a temp directory.
func startDaemon(t *testing.T) (*Client, string) {
	t.Helper()
	root := t.TempDir()

	sh, err := share.New(root, share.Options{SuppressWindow: 2 * time.Second})
	require.NoError(t, err)
	reg := session.NewRegistry()
	bus := events.NewBus(reg, sh.Snapshot, 64)
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	require.NoError(t, sh.Start(func(e watcher.Event) { bus.Publish(events.Trigger{Kind: e.Kind}) }))

	srv := httptest.NewServer(api.NewServer(sh, reg, bus, upload.New(1<<20, sh), api.Options{SessionBuffer: 16}).Handler())
	t.Cleanup(func() {
		reg.CloseAll()
		srv.Close()
		sh.Close()
		cancel()
		<-bus.Done()
	})
	return New(Config{BaseURL: srv.URL, RetryConfig: fastRetry()}), root
}

func nextMessage(t *testing.T, sub *Subscription) protocol.Message {
	t.Helper()
	select {
	case m, ok := <-sub.Messages():
		require.True(t, ok, "subscription ended: %v", sub.Err())
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for live message")
		return protocol.Message{}
	}
}

func TestClientRoundTrip(t *testing.T) {
	c, root := startDaemon(t)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	sub, err := c.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()
	files, err := DecodeFiles(nextMessage(t, sub))
	require.NoError(t, err)
	assert.Empty(t, files)

	up, err := c.Upload(ctx,
		UploadFile{Name: "one.txt", Content: strings.NewReader("first")},
		UploadFile{Name: "one.txt", Content: strings.NewReader("second")},
	)
	require.NoError(t, err)
	require.Len(t, up.Files, 2)
	assert.Equal(t, "one_1.txt", up.Files[1].StoredName)

	m := nextMessage(t, sub)
	assert.Equal(t, protocol.EventFilesUpdated, m.Event)
	files, err = DecodeFiles(m)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	listed, err := c.ListFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	rc, size, err := c.Download(ctx, "one_1.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
	assert.Equal(t, int64(6), size)

	require.NoError(t, c.Delete(ctx, "one.txt"))
	m = nextMessage(t, sub)
	var u protocol.FilesUpdated
	require.NoError(t, json.Unmarshal(m.Data, &u))
	assert.Equal(t, "one.txt", u.Filename)

	err = c.Delete(ctx, "one.txt")
	assert.True(t, IsNotFound(err), "got %v", err)

	require.NoError(t, sub.RequestFiles())
	m = nextMessage(t, sub)
	assert.Equal(t, protocol.EventFilesList, m.Event)

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, info.SharedFolder)
	assert.Equal(t, 1, info.ConnectedClients)
}

func TestClientSetFolder(t *testing.T) {
	c, _ := startDaemon(t)
	ctx := context.Background()

	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "there.txt"), []byte("t"), 0644))

	resp, err := c.SetFolder(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, target, resp.SharedFolder)

	files, err := c.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "there.txt", files[0].Name)

	_, err = c.SetFolder(ctx, filepath.Join(target, "nope"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.Message)
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode([]protocol.FileEntry{{Name: "a", Size: 1}})
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, RetryConfig: fastRetry()})
	files, err := c.ListFiles(context.Background())
	require.NoError(t, err)
	assert.Len(t, files, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "file not found", Code: 404})
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, RetryConfig: fastRetry()})
	_, _, err := c.Download(context.Background(), "x")
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "file not found")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientUploadTooLarge(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "too big", Code: 413})
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, RetryConfig: fastRetry()})
	_, err := c.Upload(context.Background(), UploadFile{Name: "big", Content: strings.NewReader("x")})
	assert.True(t, IsTooLarge(err))
}
