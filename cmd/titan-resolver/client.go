package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/titan-scrape/titan/internal/types"
)

// resolverClient is a thin HTTP client over the /resolver/* API, sharing
// the same wire DTOs the server encodes so there is exactly one source
// of truth for the JSON shape on both ends.
type resolverClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newResolverClient(baseURL, token string) *resolverClient {
	return &resolverClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *resolverClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr types.ErrorResponse
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s (%d)", path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}

func (c *resolverClient) listTasks(ctx context.Context, status string) ([]types.TaskView, error) {
	path := "/resolver/tasks"
	if status != "" {
		path += "?status=" + status
	}
	var resp types.TaskListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

func (c *resolverClient) assignTask(ctx context.Context, taskID, operator string) (*types.TaskView, error) {
	var view types.TaskView
	body := types.AssignTaskRequest{Operator: operator}
	if err := c.do(ctx, http.MethodPost, "/resolver/task/"+taskID+"/assign", body, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *resolverClient) solveTask(ctx context.Context, taskID string, solution types.SolveTaskRequest) error {
	return c.do(ctx, http.MethodPost, "/resolver/task/"+taskID+"/solve", solution, nil)
}

func (c *resolverClient) markUnsolvable(ctx context.Context, taskID, notes string) error {
	body := types.MarkUnsolvableRequest{Notes: notes}
	return c.do(ctx, http.MethodPost, "/resolver/task/"+taskID+"/mark-unsolvable", body, nil)
}
