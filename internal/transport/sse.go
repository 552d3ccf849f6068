// Package transport ships the reference SSE producer. It posts a chat
// request and feeds every `data:` frame to the engine; recovery re-invokes
// the same Stream method with a continuation request, so one client serves
// both the initial stream and every resume.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/streamflow/internal/provider"
)

// doneSentinel terminates an SSE stream in the OpenAI dialect.
const doneSentinel = "[DONE]"

// Config configures a Client.
type Config struct {
	BaseURL        string // required, e.g. https://api.openai.com/v1
	Path           string // defaults to /chat/completions
	APIKey         string
	RequestTimeout time.Duration // whole-stream ceiling; 0 means 10m
	Logger         *log.Logger
}

// Client streams chat completions over HTTP/SSE.
type Client struct {
	baseURL    string
	path       string
	apiKey     string
	httpClient *http.Client
	logger     *log.Logger
}

// New creates a streaming client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("transport: base url required")
	}
	base = strings.TrimSuffix(base, "/")
	path := cfg.Path
	if path == "" {
		path = "/chat/completions"
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &Client{
		baseURL:    base,
		path:       path,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     cfg.Logger,
	}, nil
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Stream posts the request and invokes onEvent for every data frame until
// the stream closes, [DONE] arrives, onEvent returns an error, or the
// context is cancelled. A nil return means the producer ended normally.
func (c *Client) Stream(ctx context.Context, req provider.ChatRequest, onEvent func(raw []byte) error) error {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("transport: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("transport: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}

	c.logf("stream open model=%s", req.Model)
	reader := bufio.NewReader(resp.Body)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("transport: read stream: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == doneSentinel {
			return nil
		}
		if err := onEvent([]byte(payload)); err != nil {
			return err
		}
	}
}

func (c *Client) decodeError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Errorf("transport: %s (type=%s, code=%s)", errResp.Error.Message, errResp.Error.Type, errResp.Error.Code)
	}
	return fmt.Errorf("transport: http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
}
