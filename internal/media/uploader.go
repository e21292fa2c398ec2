// Package media uploads staged blobs to the media service before a media
// message is handed to the remote store.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Uploader stores a local file with the media service and returns its
// public URL.
type Uploader interface {
	Upload(ctx context.Context, path string) (string, error)
}

// Client implements Uploader over the service's multipart endpoint.
type Client struct {
	uploadURL  string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a media upload client.
func NewClient(uploadURL, apiKey string) *Client {
	return &Client{
		uploadURL: uploadURL,
		apiKey:    apiKey,
		// Media bodies are large; allow more than the REST client does.
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Upload sends the file at path and returns the URL the remote store
// should reference. The local file is left in place; the outbox drainer
// decides when to stop referencing it.
func (c *Client) Upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open media file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read media file: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("upload rejected: status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("parse upload response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload response missing url")
	}
	return out.URL, nil
}
