package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is the decoded error envelope of a failed request.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Schedule mirrors the schedule representation of the REST API.
type Schedule struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	ProcessName string   `json:"process_name"`
	Type        string   `json:"type"`
	RepeatSecs  *float64 `json:"repeat_s,omitempty"`
	Day         int      `json:"day,omitempty"`
	Time        *string  `json:"time,omitempty"`
	Exclusive   bool     `json:"exclusive"`
	Enabled     bool     `json:"enabled"`
	NextRunAt   *string  `json:"next_run_at,omitempty"`
}

// Task mirrors the task representation of the REST API.
type Task struct {
	ID          string  `json:"id"`
	ScheduleID  string  `json:"schedule_id,omitempty"`
	ProcessName string  `json:"process_name"`
	State       int     `json:"state"`
	StateName   string  `json:"state_name"`
	StartTime   string  `json:"start_time"`
	EndTime     *string `json:"end_time,omitempty"`
	PID         int     `json:"pid,omitempty"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// Process is a launchable process definition.
type Process struct {
	Name   string   `json:"name"`
	Script []string `json:"script"`
}

// TaskListOptions selects tasks; zero values are omitted from the request.
type TaskListOptions struct {
	State  int
	Name   string
	Limit  int
	Offset int
	Sort   string
}

// Client talks to the daemon's /v1 API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for the daemon at baseURL, e.g. http://127.0.0.1:8081.
func New(baseURL, token string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) ListSchedules(ctx context.Context) ([]Schedule, error) {
	var out []Schedule
	err := c.do(ctx, http.MethodGet, "/v1/schedules", nil, &out)
	return out, err
}

// RunSchedule queues an immediate run of the schedule.
func (c *Client) RunSchedule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/schedules/"+url.PathEscape(id)+"/run", nil, nil)
}

func (c *Client) ListTasks(ctx context.Context, opts TaskListOptions) ([]Task, error) {
	q := url.Values{}
	if opts.State != 0 {
		q.Set("state", strconv.Itoa(opts.State))
	}
	if opts.Name != "" {
		q.Set("name", opts.Name)
	}
	if opts.Limit != 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset != 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	var out []Task
	err := c.do(ctx, http.MethodGet, "/v1/tasks", q, &out)
	return out, err
}

func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelTask cancels a running task and returns its final record.
func (c *Client) CancelTask(ctx context.Context, id string) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListProcesses(ctx context.Context) ([]Process, error) {
	var out []Process
	err := c.do(ctx, http.MethodGet, "/v1/processes", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: "http_error", Message: resp.Status}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}
