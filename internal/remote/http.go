package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmwatts/fieldsync/internal/store"
)

// HTTPClient talks JSON over HTTP to the fieldsync server.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client for the given server base URL
// (e.g. "https://fieldsync.example.org/api/v1"). The bearer token is sent
// on every request. Timeout bounds each request; zero means 30s.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// errorBody is the server's JSON error envelope.
type errorBody struct {
	Error                 string `json:"error"`
	Detail                string `json:"detail,omitempty"`
	AuthoritativeHeadHash string `json:"authoritative_head_hash,omitempty"`
}

// PushProgress implements Client.PushProgress.
func (c *HTTPClient) PushProgress(ctx context.Context, push ProgressPush) (string, error) {
	path := fmt.Sprintf("/projects/%s/progress", url.PathEscape(push.ProjectID))

	var resp struct {
		ServerID string `json:"server_id"`
	}
	if err := c.do(ctx, http.MethodPost, path, push.ProjectID, push, &resp); err != nil {
		return "", err
	}
	if resp.ServerID == "" {
		return "", &TransientError{Op: "push progress", Err: fmt.Errorf("empty server_id in reply")}
	}
	return resp.ServerID, nil
}

// FetchHead implements Client.FetchHead.
func (c *HTTPClient) FetchHead(ctx context.Context, projectID string) (*Head, error) {
	path := fmt.Sprintf("/projects/%s/progress/head", url.PathEscape(projectID))

	var head Head
	if err := c.do(ctx, http.MethodGet, path, projectID, nil, &head); err != nil {
		return nil, err
	}
	return &head, nil
}

// FetchChain implements Client.FetchChain.
func (c *HTTPClient) FetchChain(ctx context.Context, projectID string) ([]*store.ProgressLogEntry, error) {
	path := fmt.Sprintf("/projects/%s/progress", url.PathEscape(projectID))

	var wire []struct {
		ServerID    string   `json:"server_id"`
		LocalID     string   `json:"local_id"`
		ProjectID   string   `json:"project_id"`
		Percentage  float64  `json:"percentage"`
		Description string   `json:"description"`
		PrevHash    string   `json:"previous_hash"`
		CurrHash    string   `json:"current_hash"`
		CreatedAtMs int64    `json:"created_at_ms"`
		Latitude    *float64 `json:"latitude,omitempty"`
		Longitude   *float64 `json:"longitude,omitempty"`
	}
	if err := c.do(ctx, http.MethodGet, path, projectID, nil, &wire); err != nil {
		return nil, err
	}

	entries := make([]*store.ProgressLogEntry, 0, len(wire))
	for _, w := range wire {
		localID := w.LocalID
		if localID == "" {
			// Entries created by other devices keep their server id as the
			// local key in the mirrored chain.
			localID = w.ServerID
		}
		entries = append(entries, &store.ProgressLogEntry{
			LocalID:     localID,
			ServerID:    w.ServerID,
			ProjectID:   w.ProjectID,
			Percentage:  w.Percentage,
			Description: w.Description,
			PrevHash:    w.PrevHash,
			CurrHash:    w.CurrHash,
			CreatedAt:   time.UnixMilli(w.CreatedAtMs).UTC(),
			Latitude:    w.Latitude,
			Longitude:   w.Longitude,
			SyncStatus:  store.StatusSynced,
		})
	}
	return entries, nil
}

// PushTrack implements Client.PushTrack.
func (c *HTTPClient) PushTrack(ctx context.Context, push TrackPush) (string, error) {
	var resp struct {
		ServerID string `json:"server_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/gps-tracks", push.ProjectID, push, &resp); err != nil {
		return "", err
	}
	return resp.ServerID, nil
}

// PushMedia implements Client.PushMedia.
func (c *HTTPClient) PushMedia(ctx context.Context, push MediaPush) (string, error) {
	var resp struct {
		ServerID string `json:"server_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/media", push.ProjectID, push, &resp); err != nil {
		return "", err
	}
	return resp.ServerID, nil
}

// FetchProject implements Client.FetchProject.
func (c *HTTPClient) FetchProject(ctx context.Context, projectID string) (*store.ProjectMirror, error) {
	path := fmt.Sprintf("/projects/%s", url.PathEscape(projectID))

	var p store.ProjectMirror
	if err := c.do(ctx, http.MethodGet, path, projectID, nil, &p); err != nil {
		return nil, err
	}
	p.FetchedAt = time.Now().UTC()
	return &p, nil
}

// do performs one JSON request/response round trip and maps failure
// modes onto the package error taxonomy.
func (c *HTTPClient) do(ctx context.Context, method, path, projectID string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport failures and timeouts alike are retried with backoff.
		return &TransientError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &TransientError{Op: method + " " + path, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return &TransientError{Op: method + " " + path, Err: fmt.Errorf("bad response body: %w", err)}
		}
		return nil

	case resp.StatusCode == http.StatusConflict:
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		return &ConflictError{ProjectID: projectID, AuthoritativeHead: eb.AuthoritativeHeadHash}

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		detail := eb.Detail
		if detail == "" {
			detail = strings.TrimSpace(string(data))
		}
		return &ValidationError{Detail: detail}

	case resp.StatusCode >= 500:
		return &TransientError{Op: method + " " + path, Err: fmt.Errorf("server returned %d", resp.StatusCode)}

	default:
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
}
