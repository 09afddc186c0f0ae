package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/datadict/dictpipe/internal/common"
	"github.com/datadict/dictpipe/internal/retry"
)

// HTTPClient invokes a chat-completions style model endpoint over HTTP.
// 429 responses are mapped to tagged retry.RateLimitError values with the
// server's Retry-After or X-RateLimit-Reset hint populated, so the retry
// governor never has to guess from message text.
type HTTPClient struct {
	cfg    common.ModelConfig
	client *http.Client
	log    *slog.Logger
}

// NewHTTPClient builds a client for cfg. A nil httpClient gets a default
// with the configured timeout.
func NewHTTPClient(cfg common.ModelConfig, httpClient *http.Client, log *slog.Logger) *HTTPClient {
	if log == nil {
		log = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPClient{cfg: cfg, client: httpClient, log: log}
}

// Invoke sends req to the model endpoint and returns the generated text.
func (c *HTTPClient) Invoke(ctx context.Context, req Request) (Response, error) {
	reqID := uuid.New().String()
	start := time.Now()

	body := map[string]any{
		"model":       c.cfg.Model,
		"temperature": c.cfg.Temperature,
		"messages": []map[string]any{
			{"role": "system", "content": req.System},
			{"role": "user", "content": req.Prompt},
		},
	}
	bs, err := json.Marshal(body)
	if err != nil {
		c.log.Error("remote.encode_error", "req_id", reqID, "error", err)
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bs))
	if err != nil {
		c.log.Error("remote.build_request_error", "req_id", reqID, "error", err)
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	c.log.Info("remote.request", "req_id", reqID, "model", c.cfg.Model, "content_length", len(bs))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.log.Error("remote.send_error", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return Response{}, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Warn("remote.response_body_close_error", "req_id", reqID, "error", err)
		}
	}()

	raw, _ := io.ReadAll(resp.Body)

	c.log.Info("remote.response",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode == http.StatusTooManyRequests {
		return Response{}, rateLimitError(resp, raw)
	}
	if resp.StatusCode/100 != 2 {
		return Response{}, fmt.Errorf("non-2xx status: %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return Response{}, fmt.Errorf("decode model response: %w", err)
	}
	if len(cc.Choices) == 0 {
		return Response{}, fmt.Errorf("no choices in model response")
	}
	return Response{Content: strings.TrimSpace(cc.Choices[0].Message.Content)}, nil
}

// rateLimitError builds the tagged throttling error from response headers.
func rateLimitError(resp *http.Response, raw []byte) error {
	rle := &retry.RateLimitError{
		Message: fmt.Sprintf("rate limit exceeded (429): %s", truncate(string(raw), 120)),
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			rle.RetryAfter = time.Duration(secs * float64(time.Second))
		}
	}
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if unix, err := strconv.ParseFloat(v, 64); err == nil {
			rle.ResetAt = time.Unix(int64(unix), 0)
		}
	}
	return rle
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
