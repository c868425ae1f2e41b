package ai

import (
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
)

// HTTPClient talks to an OpenAI-compatible chat completions endpoint. The
// upstream provider has moved its API root more than once, so BaseURLs is an
// ordered fallback list: a 404/405 means "wrong root, try the next one" while
// any other answer settles the call.
type HTTPClient struct {
	BaseURLs     []string
	APIKey       string
	DefaultModel string
	HTTP         *http.Client
	Logger       *log.Logger
}

func NewHTTPClient(baseURLs []string, apiKey, defaultModel string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &HTTPClient{
		BaseURLs:     baseURLs,
		APIKey:       apiKey,
		DefaultModel: defaultModel,
		HTTP:         &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Invoke sends instructions as the system message and context as the user
// message, non-streaming.
func (c *HTTPClient) Invoke(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = c.DefaultModel
	}
	payload, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: req.Instructions},
			{Role: "user", Content: req.Context},
		},
	})
	if err != nil {
		return "", err
	}
	if len(payload) > 10_000 {
		c.logger().Printf("large ai request (%d bytes), may take longer to process", len(payload))
	}

	var lastErr error
	for _, base := range c.BaseURLs {
		url := strings.TrimRight(base, "/") + "/chat/completions"
		text, retryNext, err := c.post(ctx, url, payload)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryNext {
			return "", err
		}
		c.logger().Printf("ai endpoint %s unusable (%v), trying next", url, err)
	}
	if lastErr == nil {
		lastErr = ErrUnavailable
	}
	return "", fmt.Errorf("all ai endpoints failed: %w", lastErr)
}

// post returns retryNext=true only for answers that indicate a wrong API root
// rather than a real provider verdict.
func (c *HTTPClient) post(ctx context.Context, url string, payload []byte) (string, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	res, err := c.HTTP.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return "", false, fmt.Errorf("%s: %w", url, ErrTimeout)
		}
		return "", true, fmt.Errorf("%s: %w", url, ErrUnavailable)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", false, fmt.Errorf("read ai response: %w", err)
	}
	switch {
	case res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusMethodNotAllowed:
		return "", true, fmt.Errorf("endpoint answered %d: %w", res.StatusCode, ErrUnavailable)
	case res.StatusCode == http.StatusTooManyRequests:
		return "", false, ErrRateLimited
	case res.StatusCode == http.StatusGatewayTimeout:
		return "", false, ErrTimeout
	case res.StatusCode != http.StatusOK:
		return "", false, fmt.Errorf("ai provider status %d: %s: %w", res.StatusCode, truncate(string(body), 200), ErrUnavailable)
	}
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", false, fmt.Errorf("invalid ai response json: %w", ErrUnavailable)
	}
	if parsed.Error != nil {
		return "", false, fmt.Errorf("ai provider error: %s: %w", parsed.Error.Message, ErrUnavailable)
	}
	if len(parsed.Choices) == 0 {
		return "", false, fmt.Errorf("ai response missing choices: %w", ErrUnavailable)
	}
	return parsed.Choices[0].Message.Content, false, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
