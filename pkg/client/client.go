// Package client is a Go client for the lanshare HTTP API and its live
// update channel.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fruitsalade/lanshare/internal/protocol"
	"github.com/fruitsalade/lanshare/internal/retry"
)

// Client talks to one lanshare daemon.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:    100,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
	}
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

// IsTooLarge reports whether err is a 413 from the daemon.
func IsTooLarge(err error) bool {
	return statusOf(err) == http.StatusRequestEntityTooLarge
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Ping checks that the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var out map[string]string
	return c.getJSON(ctx, "/health", &out)
}

// ListFiles returns the shared directory listing.
func (c *Client) ListFiles(ctx context.Context) ([]protocol.FileEntry, error) {
	var files []protocol.FileEntry
	if err := c.getJSON(ctx, "/api/files", &files); err != nil {
		return nil, err
	}
	return files, nil
}

// Info returns daemon status.
func (c *Client) Info(ctx context.Context) (*protocol.InfoResponse, error) {
	var info protocol.InfoResponse
	if err := c.getJSON(ctx, "/api/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UploadFile is one file to upload.
type UploadFile struct {
	Name    string
	Content io.Reader
}

// Upload sends files in one multipart request. The body is streamed, so
// uploads are not retried.
func (c *Client) Upload(ctx context.Context, files ...UploadFile) (*protocol.UploadResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		for _, f := range files {
			part, err := mw.CreateFormFile("files", f.Name)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(part, f.Content); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}
	var out protocol.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &out, nil
}

// Download opens a file for reading. The caller must close the reader.
// The size is -1 when the daemon did not announce it.
func (c *Client) Download(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	type download struct {
		body io.ReadCloser
		size int64
	}
	d, err := retry.DoWithResult(ctx, c.retryConfig, func(int) (download, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/download/"+url.PathEscape(name), nil)
		if err != nil {
			return download{}, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return download{}, retry.Retryable(err)
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return download{}, classify(readError(resp))
		}
		return download{body: resp.Body, size: resp.ContentLength}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return d.body, d.size, nil
}

// Delete removes a file.
func (c *Client) Delete(ctx context.Context, name string) error {
	var out protocol.DeleteResponse
	return c.doJSON(ctx, http.MethodDelete, "/api/files/"+url.PathEscape(name), nil, &out)
}

// SetFolder switches the daemon to another shared directory.
func (c *Client) SetFolder(ctx context.Context, path string) (*protocol.SetFolderResponse, error) {
	body, err := json.Marshal(protocol.SetFolderRequest{FolderPath: path})
	if err != nil {
		return nil, err
	}
	var out protocol.SetFolderResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/set-folder", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

// doJSON performs a request with a small JSON (or empty) body, retrying
// network failures and 5xx responses.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	return retry.Do(ctx, c.retryConfig, func(int) error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return classify(readError(resp))
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	})
}

// classify marks server-side failures as retryable.
func classify(err error) error {
	if statusOf(err) >= 500 {
		return retry.Retryable(err)
	}
	return err
}

func readError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body protocol.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Message = body.Error
	}
	return apiErr
}
