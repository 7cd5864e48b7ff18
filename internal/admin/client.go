package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/contextualhq/eventcore/internal/streams"
	"github.com/contextualhq/eventcore/internal/taskqueue"
)

// Client is a thin HTTP client for the admin API, used by the CLI.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an admin API client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *apiError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}
	if !envelope.Success {
		if envelope.Error != nil {
			return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	if out != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

// HealthStats mirrors the /health payload.
type HealthStats struct {
	Status       string            `json:"status"`
	Components   map[string]string `json:"components"`
	Published    int64             `json:"published"`
	Delivered    int64             `json:"delivered"`
	Acked        int64             `json:"acked"`
	DeadLettered int64             `json:"dead_lettered"`
	Tasks        struct {
		Running int `json:"running"`
		Queued  int `json:"queued"`
	} `json:"tasks"`
}

// Health fetches bus-level delivery counters.
func (c *Client) Health(ctx context.Context) (*HealthStats, error) {
	var out HealthStats
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamInfo fetches backend metadata for one stream.
func (c *Client) StreamInfo(ctx context.Context, stream string) (*streams.StreamInfo, error) {
	var out streams.StreamInfo
	path := fmt.Sprintf("/streams/%s/info", url.PathEscape(stream))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamGroups fetches the consumer groups of one stream.
func (c *Client) StreamGroups(ctx context.Context, stream string) ([]streams.GroupInfo, error) {
	var out struct {
		Groups []streams.GroupInfo `json:"groups"`
	}
	path := fmt.Sprintf("/streams/%s/groups", url.PathEscape(stream))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

// RepublishDeadLetters asks the server to replay recent dead letters for a
// (stream, group) pair and returns the replayed count.
func (c *Client) RepublishDeadLetters(ctx context.Context, stream, group string, maxAge time.Duration) (int, error) {
	var out struct {
		Republished int `json:"republished"`
	}
	path := fmt.Sprintf("/streams/%s/groups/%s/republish-dead-letters",
		url.PathEscape(stream), url.PathEscape(group))
	req := RepublishRequest{MaxAgeSeconds: int64(maxAge / time.Second)}
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return 0, err
	}
	return out.Republished, nil
}

// TaskStats fetches the task queue snapshot.
func (c *Client) TaskStats(ctx context.Context) (*taskqueue.Stats, error) {
	var out taskqueue.Stats
	if err := c.do(ctx, http.MethodGet, "/tasks/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueueTask enqueues a task directly and returns its id.
func (c *Client) QueueTask(ctx context.Context, req QueueTaskRequest) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/tasks/queue", req, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}
