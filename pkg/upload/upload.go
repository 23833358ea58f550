// Package upload posts capture artifacts to the collection service.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	zap "go.uber.org/zap"
)

const (
	EventsField = "events"
	MediaField  = "file"

	maxErrorBody = 512
)

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upload to %s failed: status %d: %s", e.URL, e.StatusCode, e.Body)
}

type Client struct {
	EventsURL string
	MediaURL  string
	Token     string

	http   *http.Client
	logger *zap.Logger
}

func NewClient(eventsURL, mediaURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	if token == "" {
		logger.Warn("no API token configured, uploads will be unauthenticated")
	}
	return &Client{
		EventsURL: eventsURL,
		MediaURL:  mediaURL,
		Token:     token,
		http:      &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// UploadEvents sends the capture store file.
func (c *Client) UploadEvents(ctx context.Context, path string) error {
	return c.post(ctx, c.EventsURL, EventsField, path)
}

// UploadMedia sends one image.
func (c *Client) UploadMedia(ctx context.Context, path string) error {
	return c.post(ctx, c.MediaURL, MediaField, path)
}

func (c *Client) post(ctx context.Context, url, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{URL: url, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	io.Copy(io.Discard, resp.Body)

	c.logger.Info("uploaded", zap.String("file", filepath.Base(path)), zap.String("url", url))
	return nil
}
