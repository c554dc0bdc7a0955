// Package api uploads finished episode exports to a collection server.
package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/roadrl/carlaenv/pkg/core"
)

const (
	healthPath = "/healthcheck"
	uploadPath = "/api/v1/episodes"

	// how much of an error response body ends up in APIError
	maxErrorBody = 512
)

// APIError is a non-200 answer from the collection server.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client talks to the episode collection server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client for baseURL. Trailing slashes are ignored.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Healthcheck checks if the collection server is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus("healthcheck", resp)
}

// uploadFields returns the form fields sent ahead of the file, in order.
func (c *Client) uploadFields(filename string, meta core.UploadMetadata) [][2]string {
	return [][2]string{
		{"secret", c.apiKey},
		{"filename", filename},
		{"episodeId", meta.EpisodeID},
		{"mapName", meta.MapName},
		{"vehicle", meta.Vehicle},
		{"duration", strconv.FormatFloat(meta.Duration, 'f', 3, 64)},
		{"steps", strconv.Itoa(meta.Steps)},
		{"totalReward", strconv.FormatFloat(meta.TotalReward, 'f', -1, 64)},
		{"tag", meta.Tag},
	}
}

// Upload streams an exported episode file with its metadata as a multipart
// form. The file is never held in memory as a whole.
func (c *Client) Upload(ctx context.Context, filePath string, meta core.UploadMetadata) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	filename := filepath.Base(filePath)
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	errCh := make(chan error, 1)
	go func() {
		err := writeForm(form, c.uploadFields(filename, meta), filename, file)
		if cerr := form.Close(); err == nil {
			err = cerr
		}
		_ = pw.CloseWithError(err)
		errCh <- err
	}()

	// abort stops the form writer when the request ends early.
	abort := func() {
		_ = pr.Close()
		<-errCh
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+uploadPath, pr)
	if err != nil {
		abort()
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		abort()
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("upload", resp); err != nil {
		// the server may answer before reading the whole form
		abort()
		return err
	}
	return <-errCh
}

func writeForm(form *multipart.Writer, fields [][2]string, filename string, src io.Reader) error {
	for _, f := range fields {
		if err := form.WriteField(f[0], f[1]); err != nil {
			return fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return nil
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
