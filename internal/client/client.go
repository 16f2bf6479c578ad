// Package client talks to a butler gateway: it starts tasks and reads their
// event streams, reports results of caller-side tools and requests one-shot
// completions.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/butler/internal/protocol"
	"github.com/haasonsaas/butler/pkg/models"
)

var (
	// ErrTaskNotFound is returned when the gateway no longer tracks a task.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNoBaseURL is returned by New without a gateway address.
	ErrNoBaseURL = errors.New("client: base url is required")
)

// StatusError is a non-success gateway response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.Code)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.Code, e.Message)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the gateway root, e.g. http://localhost:8080.
	BaseURL string

	// Token is sent as a bearer token; APIKey as X-API-Key.
	Token  string
	APIKey string

	// HTTPClient defaults to a client without an overall timeout, since task
	// streams stay open for the life of the task.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client is a gateway client. It is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrNoBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Transport: http.DefaultTransport}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		apiKey:  cfg.APIKey,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger.With("component", "client"),
	}, nil
}

// StartTask posts req and calls fn for every record of the task stream,
// with adjacent content of one round merged. It returns when the stream
// ends. If reading the stream fails, fn receives an error record and the
// failure is returned.
func (c *Client) StartTask(ctx context.Context, req protocol.TaskRequest, fn func(protocol.Record)) error {
	resp, err := c.post(ctx, "/ai/task", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	dec := protocol.NewDecoder(resp.Body).MergeContent()
	for {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			fn(protocol.Record{Type: models.TaskEventError})
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("read task stream: %w", err)
		}
		fn(rec)
	}
}

// ReportToolCallResult sends the result of a caller-side tool call. A nil
// result is reported as "success".
func (c *Client) ReportToolCallResult(ctx context.Context, taskID, callID string, result any) error {
	if result == nil {
		result = "success"
	}
	resp, err := c.post(ctx, "/ai/functionCallResult", protocol.ToolCallResult{
		TaskID: taskID,
		CallID: callID,
		Result: protocol.EncodeResult(result),
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrTaskNotFound
	}
	return checkStatus(resp)
}

// GenerateText requests a completion of prompt after history without tools.
func (c *Client) GenerateText(ctx context.Context, prompt string, history []models.Message) (string, error) {
	resp, err := c.post(ctx, "/ai/generateText", protocol.GenerateTextRequest{
		Prompt:          prompt,
		HistoryMessages: history,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return string(body), nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	c.logger.Debug("gateway request", "path", path, "status", resp.StatusCode, "duration", time.Since(start))
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var msg protocol.MessageResponse
	if err := json.Unmarshal(data, &msg); err != nil || msg.Message == "" {
		msg.Message = strings.TrimSpace(string(data))
	}
	return &StatusError{Code: resp.StatusCode, Message: msg.Message}
}
