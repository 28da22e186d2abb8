package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"parley/internal/models"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "parley/0.1"
	maxErrorBody    = 64 * 1024
)

var (
	// ErrInvalidArgument indicates blank required text or out-of-range parameters.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnauthenticated indicates a missing API key for a provider that needs one.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrTransport indicates a non-2xx status or a network failure.
	ErrTransport = errors.New("transport error")

	// ErrCancelled indicates the caller's context ended before the exchange completed.
	ErrCancelled = errors.New("cancelled")

	// ErrMalformedResponse indicates a body that does not match the provider schema.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrEmptyResponse indicates a valid body with no usable candidate or content.
	ErrEmptyResponse = errors.New("empty response")
)

// Endpoint is the connection detail a dialect needs to address its API.
type Endpoint struct {
	BaseURL string
	APIKey  string
	Headers map[string]string
}

// Chunk is the text carried by one stream fragment. Err reports a failure
// the provider announced inside the stream; it ends the stream.
type Chunk struct {
	Text string
	Done bool
	Err  error
}

// Dialect adapts the provider-neutral envelopes to one provider's wire format.
type Dialect interface {
	Name() string
	// RequiresKey reports whether calls without an API key must fail fast.
	RequiresKey() bool
	DefaultBaseURL() string
	DefaultModel() string
	Defaults() models.Sampling
	Limits() models.SamplingLimits

	NewChatRequest(ctx context.Context, ep Endpoint, env models.RequestEnvelope) (*http.Request, error)
	DecodeResponse(body []byte) (*models.ResponseEnvelope, error)
	// DecodeChunk extracts the text delta from one stream payload. A fragment
	// without text yields an empty Chunk and no error.
	DecodeChunk(data []byte) (Chunk, error)

	NewModelsRequest(ctx context.Context, ep Endpoint) (*http.Request, error)
	DecodeModels(body []byte) ([]models.ModelDescriptor, error)
}

// StatusError is returned for non-2xx responses. It matches ErrTransport.
type StatusError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s error status %d (%s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s error status %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	return ErrTransport
}

// NewJSONRequest builds a request with the JSON headers every dialect sends.
// A nil payload produces a request without a body.
func NewJSONRequest(ctx context.Context, method, url string, payload any, headers map[string]string) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)

	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

type apiErrorResponse struct {
	Error   apiErrorObject `json:"error"`
	Message string         `json:"message"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Status  string `json:"status"`
}

// ParseAPIError reads a bounded error body and turns it into a StatusError.
func ParseAPIError(resp *http.Response, providerName string) error {
	statusErr := &StatusError{Provider: providerName, StatusCode: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		statusErr.Message = fmt.Sprintf("failed to read body: %v", err)
		return statusErr
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil {
		switch {
		case apiErr.Error.Message != "":
			statusErr.Message = apiErr.Error.Message
			statusErr.Type = apiErr.Error.Type
			if statusErr.Type == "" {
				statusErr.Type = apiErr.Error.Status
			}
			return statusErr
		case apiErr.Message != "":
			statusErr.Message = apiErr.Message
			return statusErr
		}
	}

	statusErr.Message = strings.TrimSpace(string(body))
	if statusErr.Message == "" {
		statusErr.Message = http.StatusText(resp.StatusCode)
	}
	return statusErr
}

// RequireObject rejects bodies that are not a JSON object. The SDK decoders
// are lenient about shape and would otherwise accept an array or a bare
// string as an empty response.
func RequireObject(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("expected a JSON object")
	}
	return nil
}

// JoinURL appends path to base with exactly one slash between them.
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// RedactURL masks credentials carried in a URL query, such as Gemini's key.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("key") == "" {
		return raw
	}
	q.Set("key", "REDACTED")
	u.RawQuery = q.Encode()
	return u.String()
}
