// Package openai summarizes transcripts with an OpenAI-compatible chat
// completions endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/meetingscribe/meetings"
	"github.com/ggoodman/meetingscribe/summarize"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"

	// DefaultSystemPrompt asks for notes that render well as a bullet list:
	// one point per line, no markup.
	DefaultSystemPrompt = "You take notes for meetings. Summarize the transcript you are given " +
		"into short, plain-text notes: one point per line, no bullets or numbering, " +
		"covering decisions, action items with owners, and open questions."
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Index   int         `json:"index"`
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// tokenPayload is the JSON shape accepted for a stored API key. A bare
// string is accepted as well.
type tokenPayload struct {
	Token string `json:"token"`
}

// Getter resolves the API key parameter. paramstore.Client and
// paramstore.Static satisfy it.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Client is a meetings.Summarizer backed by chat completions.
type Client struct {
	baseURL      string
	model        string
	systemPrompt string
	temperature  *float64
	httpClient   *http.Client
	getter       Getter
	keyParam     string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if b := strings.TrimSpace(baseURL); b != "" {
			c.baseURL = b
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithSystemPrompt(prompt string) Option {
	return func(c *Client) {
		if p := strings.TrimSpace(prompt); p != "" {
			c.systemPrompt = p
		}
	}
}

func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = &t
	}
}

// NewClient creates a Client for model. The API key is read from keyParam
// through getter on first use and cached for the life of the process.
func NewClient(getter Getter, keyParam, model string, opts ...Option) (*Client, error) {
	if getter == nil {
		return nil, errors.New("openai: key getter must not be nil")
	}
	keyParam = strings.TrimSpace(keyParam)
	if keyParam == "" {
		return nil, errors.New("openai: key parameter must not be empty")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	c := &Client{
		baseURL:      defaultBaseURL,
		model:        model,
		systemPrompt: DefaultSystemPrompt,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		getter:       getter,
		keyParam:     keyParam,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Summarize sends the formatted transcript and returns the model's notes.
func (c *Client) Summarize(ctx context.Context, lines []meetings.Line) (string, error) {
	if len(lines) == 0 {
		return summarize.EmptyNotes, nil
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: "Here is the meeting transcript to summarize:\n\n" + meetings.FormatTranscript(lines)},
		},
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", err)
	}

	var payload chatResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	notes := strings.TrimSpace(payload.Choices[0].Message.Content)
	if notes == "" {
		return "", errors.New("openai: empty summary")
	}
	return notes, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKey(ctx, c.getter, c.keyParam)
	})
	return c.apiKey, c.keyErr
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func fetchAPIKey(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch api key: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var tp tokenPayload
		if err := json.Unmarshal([]byte(raw), &tp); err != nil {
			return "", fmt.Errorf("openai: unmarshal api key parameter as JSON: %w", err)
		}
		raw = tp.Token
	}
	if raw == "" {
		return "", errors.New("openai: api key is empty")
	}
	return raw, nil
}

var _ meetings.Summarizer = (*Client)(nil)
