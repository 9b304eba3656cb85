package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HTTPBackend implements Backend over a JSON HTTP API. One POST per
// invocation; the wire format mirrors Invocation/Result.
type HTTPBackend struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

// HTTPOption customizes an HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) { b.httpClient = c }
}

// WithModel sets the model name sent with each request.
func WithModel(model string) HTTPOption {
	return func(b *HTTPBackend) { b.model = model }
}

// WithTimeout sets the per-request timeout on the default client.
func WithTimeout(d time.Duration) HTTPOption {
	return func(b *HTTPBackend) { b.httpClient.Timeout = d }
}

// NewHTTPBackend creates a backend for the given endpoint.
func NewHTTPBackend(endpoint, apiKey string, opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type invokeRequest struct {
	Model      string    `json:"model,omitempty"`
	SessionKey string    `json:"session_key,omitempty"`
	System     string    `json:"system,omitempty"`
	Messages   []Message `json:"messages"`
	MaxTokens  int       `json:"max_tokens,omitempty"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b *HTTPBackend) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	payload := invokeRequest{
		Model:      b.model,
		SessionKey: inv.SessionKey,
		System:     inv.System,
		Messages:   inv.Messages,
		MaxTokens:  inv.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode invocation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, raw)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Msg: "unparseable response", Err: err}
	}
	slog.Debug("backend.invoke",
		"session_key", inv.SessionKey,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"duration_ms", time.Since(start).Milliseconds())
	return &result, nil
}

func (b *HTTPBackend) Summarize(ctx context.Context, text string, maxChars int) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize the following conversation log in at most %d characters. Keep decisions, open questions and facts; drop pleasantries.\n\n%s",
		maxChars, text)
	res, err := b.Invoke(ctx, Invocation{
		Messages: []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(res.Text)
	if len(summary) > maxChars {
		summary = summary[:maxChars]
	}
	return summary, nil
}

// classifyStatus maps HTTP failures onto the error taxonomy. A 404 is
// taken to mean the backend dropped the session key.
func classifyStatus(status int, raw []byte) error {
	msg := string(raw)
	var ae apiError
	if err := json.Unmarshal(raw, &ae); err == nil && ae.Error.Message != "" {
		msg = ae.Error.Message
	}
	switch {
	case status == http.StatusNotFound:
		return &Error{Kind: KindRemoteUnknown, Msg: msg}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, Msg: msg}
	case status >= 400 && status < 500:
		return &Error{Kind: KindInvalidRequest, Msg: fmt.Sprintf("status %d: %s", status, msg)}
	default:
		return &Error{Kind: KindTransport, Msg: fmt.Sprintf("status %d: %s", status, msg)}
	}
}
