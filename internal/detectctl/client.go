package detectctl

import (
	"bufio"
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

	"detectd/pkg/types"
)

// Client is a thin HTTP client for the detectd API.
type Client struct {
	base string
	http *http.Client
}

// NewClient targets a detectd base URL such as http://127.0.0.1:8085.
func NewClient(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Status fetches GET /status.
func (c *Client) Status(ctx context.Context) (types.StatusResponse, error) {
	var out types.StatusResponse
	err := c.getJSON(ctx, "/status", &out)
	return out, err
}

// Models fetches GET /models.
func (c *Client) Models(ctx context.Context) ([]types.ModelInfo, error) {
	var out types.ModelsResponse
	err := c.getJSON(ctx, "/models", &out)
	return out.Models, err
}

// Detect uploads an image file to POST /detect.
func (c *Client) Detect(ctx context.Context, imagePath string) (types.DetectResponse, error) {
	var out types.DetectResponse

	f, err := os.Open(imagePath)
	if err != nil {
		return out, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return out, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return out, err
	}
	if err := mw.Close(); err != nil {
		return out, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/detect", &body)
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, decodeError(resp)
	}
	err = json.NewDecoder(resp.Body).Decode(&out)
	return out, err
}

// Watch streams GET /detections NDJSON lines to w until ctx is cancelled or
// the server closes the stream.
func (c *Client) Watch(ctx context.Context, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/detections", nil)
	if err != nil {
		return err
	}
	// The stream runs until cancelled; the default client timeout would
	// sever it mid-watch.
	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		fmt.Fprintln(w, scanner.Text())
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

// StartPipeline calls POST /pipeline/start.
func (c *Client) StartPipeline(ctx context.Context) error { return c.post(ctx, "/pipeline/start") }

// StopPipeline calls POST /pipeline/stop.
func (c *Client) StopPipeline(ctx context.Context) error { return c.post(ctx, "/pipeline/stop") }

// Invalidate calls POST /models/{id}/invalidate.
func (c *Client) Invalidate(ctx context.Context, modelID string) error {
	return c.post(ctx, "/models/"+modelID+"/invalidate")
}

func decodeError(resp *http.Response) error {
	var e types.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		if e.Kind != "" {
			return fmt.Errorf("%s (%s, HTTP %d)", e.Error, e.Kind, resp.StatusCode)
		}
		return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
	}
	return fmt.Errorf("HTTP %d from %s", resp.StatusCode, resp.Request.URL.Path)
}
