// Package imagegen is an HTTP client for OpenAI-style image generation
// endpoints. It implements backend.Generator with a single request per call.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"kiln/internal/backend"
	"kiln/internal/services"
)

const (
	defaultHTTPTimeout = 10 * time.Minute
	maxResponseBytes   = 64 << 20
)

// Config captures generator connection settings.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Size           string
	TimeoutSeconds int
}

// Client calls the generation endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a generator client.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	c := &Client{
		cfg: Config{
			APIKey:         strings.TrimSpace(cfg.APIKey),
			BaseURL:        strings.TrimSpace(cfg.BaseURL),
			Model:          strings.TrimSpace(cfg.Model),
			Size:           strings.TrimSpace(cfg.Size),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generationRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
	N      int    `json:"n"`
}

type generationResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type statusError struct {
	StatusCode int
	Body       string
	Wait       time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("imagegen request: http %d: %s", e.StatusCode, e.Body)
}

// RetryAfter exposes the server's Retry-After hint.
func (e *statusError) RetryAfter() time.Duration { return e.Wait }

// Generate issues one generation request. Endpoints answering with an image
// body are returned as-is; JSON answers are decoded from data[0].b64_json.
func (c *Client) Generate(ctx context.Context, req backend.Request) (backend.Artifact, error) {
	prompt := buildPrompt(req)
	if prompt == "" {
		return backend.Artifact{}, services.Wrap(services.ErrInvalidRequest, req.Stage, "generate", "prompt required", nil)
	}
	if c.cfg.BaseURL == "" {
		return backend.Artifact{}, services.Wrap(services.ErrConfiguration, req.Stage, "generate", "base url required", nil)
	}
	apiKey := c.cfg.APIKey
	if !req.Credential.IsZero() {
		apiKey = req.Credential.Secret()
	}
	if apiKey == "" {
		return backend.Artifact{}, services.Wrap(services.ErrConfiguration, req.Stage, "generate", "api key required", nil)
	}

	encoded, err := json.Marshal(generationRequest{Model: c.cfg.Model, Prompt: prompt, Size: c.cfg.Size, N: 1})
	if err != nil {
		return backend.Artifact{}, fmt.Errorf("imagegen request: encode body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(encoded))
	if err != nil {
		return backend.Artifact{}, fmt.Errorf("imagegen request: new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return backend.Artifact{}, classify(req.Stage, fmt.Errorf("imagegen request: http error: %w", err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return backend.Artifact{}, classify(req.Stage, fmt.Errorf("imagegen request: read body: %w", err))
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		wait, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return backend.Artifact{}, classify(req.Stage, &statusError{
			StatusCode: resp.StatusCode,
			Body:       snippet(body),
			Wait:       wait,
		})
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "image/") || strings.HasPrefix(mediaType, "video/") {
		if len(body) == 0 {
			return backend.Artifact{}, errors.New("imagegen response: empty body")
		}
		return backend.Artifact{Data: body, ContentType: mediaType, Model: c.cfg.Model}, nil
	}

	var decoded generationResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return backend.Artifact{}, fmt.Errorf("imagegen response: decode: %w", err)
	}
	if decoded.Error != nil {
		return backend.Artifact{}, fmt.Errorf("imagegen response: api error: %s", strings.TrimSpace(decoded.Error.Message))
	}
	if len(decoded.Data) == 0 || decoded.Data[0].B64JSON == "" {
		return backend.Artifact{}, errors.New("imagegen response: no image data")
	}
	data, err := base64.StdEncoding.DecodeString(decoded.Data[0].B64JSON)
	if err != nil {
		return backend.Artifact{}, fmt.Errorf("imagegen response: decode image: %w", err)
	}
	return backend.Artifact{Data: data, ContentType: http.DetectContentType(data), Model: c.cfg.Model}, nil
}

func buildPrompt(req backend.Request) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Prompt))
	if len(req.Inputs) > 0 {
		keys := make([]string, 0, len(req.Inputs))
		for k := range req.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s: %s", k, req.Inputs[k])
		}
	}
	if input := strings.TrimSpace(req.Input); input != "" {
		b.WriteString("\n\n")
		b.WriteString(input)
	}
	return strings.TrimSpace(b.String())
}

func classify(stage string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		switch code := statusErr.StatusCode; {
		case code == http.StatusTooManyRequests:
			return services.Wrap(services.ErrCongestion, stage, "generate", "rate limited", err)
		case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
			return services.Wrap(services.ErrTimeout, stage, "generate", "upstream timeout", err)
		case code == http.StatusUnauthorized, code == http.StatusPaymentRequired, code == http.StatusForbidden:
			return services.Wrap(services.ErrCredentialExhausted, stage, "generate", "credential rejected", err)
		case code >= http.StatusInternalServerError:
			return err
		default:
			return services.Wrap(services.ErrInvalidRequest, stage, "generate", "request rejected", err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.Wrap(services.ErrTimeout, stage, "generate", "network timeout", err)
	}
	return err
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		if delay := time.Until(when); delay > 0 {
			return delay, true
		}
	}
	return 0, false
}

func snippet(body []byte) string {
	clean := strings.Join(strings.Fields(string(body)), " ")
	const limit = 200
	if runes := []rune(clean); len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return clean
}
