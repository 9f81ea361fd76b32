package extractor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"procurebot/internal/form"
)

// maxResponseSize caps the extractor response body
const maxResponseSize = 1 << 20

// HTTPClient calls an extraction endpoint that accepts the schema and the user input
// and answers with {"fields": {...}}.
type HTTPClient struct {
	url        string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithAPIKey sets the bearer token sent to the service
func WithAPIKey(key string) Option {
	return func(c *HTTPClient) {
		c.apiKey = key
	}
}

// WithTimeout bounds every extraction call
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		c.timeout = d
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *HTTPClient) {
		c.logger = logger
	}
}

// NewHTTPClient creates a client for the extraction service at url.
func NewHTTPClient(url string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		url:        url,
		timeout:    8 * time.Second,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type schemaField struct {
	Key        string   `json:"key"`
	Label      string   `json:"label"`
	Type       string   `json:"type"`
	Required   bool     `json:"required"`
	EnumValues []string `json:"enum_values,omitempty"`
	EnumLabels []string `json:"enum_labels,omitempty"`
}

type extractRequest struct {
	Schema   string        `json:"schema"`
	Fields   []schemaField `json:"fields"`
	Kind     string        `json:"kind"`
	Text     string        `json:"text,omitempty"`
	Data     string        `json:"data,omitempty"` // base64
	MimeType string        `json:"mime_type,omitempty"`
}

type extractResponse struct {
	Fields map[string]interface{} `json:"fields"`
}

// Extract sends one input to the service. Every failure, including an empty answer,
// is reported as ErrUnavailable wrapping the cause.
func (c *HTTPClient) Extract(ctx context.Context, in Input, schema form.Schema) (map[string]interface{}, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := extractRequest{
		Schema:   schema.Name,
		Kind:     in.Kind,
		Text:     in.Text,
		MimeType: in.MimeType,
	}
	if len(in.Data) > 0 {
		req.Data = base64.StdEncoding.EncodeToString(in.Data)
	}
	for _, f := range schema.Fields {
		if f.Type == form.TypePhoto {
			continue
		}
		req.Fields = append(req.Fields, schemaField{
			Key:        f.Key,
			Label:      f.Label,
			Type:       string(f.Type),
			Required:   f.Required,
			EnumValues: f.EnumValues,
			EnumLabels: f.EnumLabels,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrUnavailable, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out extractResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if len(out.Fields) == 0 {
		return nil, fmt.Errorf("%w: empty result", ErrUnavailable)
	}

	c.logger.Debug("Structured extraction done",
		"schema", schema.Name,
		"kind", in.Kind,
		"fields", len(out.Fields),
		"duration", time.Since(started))

	return out.Fields, nil
}
