// Package client keeps one conversation with one provider and exchanges
// turns with it over HTTP.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"parley/internal/conversation"
	"parley/internal/models"
	"parley/internal/provider"
	"parley/internal/stream"
	"parley/internal/transport"
)

// Reply is the assistant turn produced by one exchange.
type Reply struct {
	Text         string
	Turn         *conversation.Turn
	ID           string
	Model        string
	FinishReason string
	Usage        models.Usage
}

// Client is the protocol adapter for a single conversation. It is not safe
// for concurrent use; callers holding several conversations use several
// clients.
type Client struct {
	dialect  provider.Dialect
	endpoint provider.Endpoint
	model    string
	sampling models.Sampling
	buffer   *conversation.Buffer
	handle   *transport.Handle
	logger   *slog.Logger

	httpClient *http.Client
	timeout    time.Duration
	system     string
}

// Option configures a Client at construction.
type Option func(*Client)

// WithSampling sets instance defaults that sit between per-call overrides
// and the dialect defaults.
func WithSampling(s models.Sampling) Option {
	return func(c *Client) {
		c.sampling = s
	}
}

// WithHTTPClient borrows the caller's client. Close will not touch it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout bounds how long the client's own transport waits for response
// headers. It has no effect together with WithHTTPClient.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithBaseURL overrides the dialect's default endpoint; blank is ignored.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if strings.TrimSpace(base) != "" {
			c.endpoint.BaseURL = base
		}
	}
}

// WithHeaders adds static headers to every request.
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		if len(headers) == 0 {
			return
		}
		if c.endpoint.Headers == nil {
			c.endpoint.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			c.endpoint.Headers[k] = v
		}
	}
}

// WithLogger replaces slog.Default for this client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSystemInstruction seeds the buffer with a system turn.
func WithSystemInstruction(text string) Option {
	return func(c *Client) {
		c.system = text
	}
}

// New builds a client for the given dialect. A blank model is rejected; a
// missing key is only reported when a call needs it.
func New(dialect provider.Dialect, apiKey, model string, opts ...Option) (*Client, error) {
	if dialect == nil {
		return nil, fmt.Errorf("%w: dialect must not be nil", provider.ErrInvalidArgument)
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("%w: model must not be empty", provider.ErrInvalidArgument)
	}

	c := &Client{
		dialect: dialect,
		endpoint: provider.Endpoint{
			BaseURL: dialect.DefaultBaseURL(),
			APIKey:  apiKey,
		},
		model:  model,
		buffer: conversation.NewBuffer(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.sampling.Merge(dialect.Defaults()).Validate(dialect.Limits()); err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrInvalidArgument, err)
	}

	if c.httpClient != nil {
		c.handle = transport.Borrowed(c.httpClient)
	} else {
		c.handle = transport.Owned(c.timeout)
	}
	c.logger = c.logger.With("provider", dialect.Name(), "model", model)
	c.buffer.SetSystemInstruction(c.system)

	return c, nil
}

// Close releases the transport if the client owns it.
func (c *Client) Close() error {
	return c.handle.Close()
}

// Provider names the dialect, e.g. "anthropic".
func (c *Client) Provider() string { return c.dialect.Name() }

// Model returns the model every request targets.
func (c *Client) Model() string { return c.model }

// History returns a copy of the conversation so far.
func (c *Client) History() []*conversation.Turn {
	return c.buffer.Snapshot()
}

// SetSystemInstruction replaces the system turn; empty text removes it.
func (c *Client) SetSystemInstruction(text string) {
	c.buffer.SetSystemInstruction(text)
}

// ClearHistory drops every turn, keeping the system turn if asked.
func (c *Client) ClearHistory(keepSystem bool) {
	c.buffer.Clear(keepSystem)
}

// SetHistory replaces the conversation with turns.
func (c *Client) SetHistory(turns []*conversation.Turn) error {
	if err := c.buffer.Replace(turns); err != nil {
		return fmt.Errorf("%w: %w", provider.ErrInvalidArgument, err)
	}
	return nil
}

// SendTurn submits userText and waits for the whole reply.
func (c *Client) SendTurn(ctx context.Context, userText string, overrides models.Sampling) (*Reply, error) {
	sampling, err := c.prepare(userText, overrides)
	if err != nil {
		return nil, err
	}
	sampling.Stream = models.Bool(false)

	pending := c.buffer.AppendUser(userText)
	c.logger.Debug("sending turn", "history", c.buffer.Len())
	return c.apply(pending, settle(c.exchange(ctx, c.envelope(sampling))))
}

// StreamTurn submits userText and delivers the reply incrementally through
// onChunk. The accumulated text is committed as one assistant turn.
func (c *Client) StreamTurn(ctx context.Context, userText string, overrides models.Sampling, onChunk func(string)) (*Reply, error) {
	sampling, err := c.prepare(userText, overrides)
	if err != nil {
		return nil, err
	}
	sampling.Stream = models.Bool(true)

	pending := c.buffer.AppendUser(userText)
	c.logger.Debug("streaming turn", "history", c.buffer.Len())
	return c.apply(pending, settle(c.streamExchange(ctx, c.envelope(sampling), onChunk)))
}

// ListModels asks the provider which models it serves.
func (c *Client) ListModels(ctx context.Context) ([]models.ModelDescriptor, error) {
	if err := c.checkKey(); err != nil {
		return nil, err
	}

	req, err := c.dialect.NewModelsRequest(ctx, c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: build models request: %w", provider.ErrInvalidArgument, err)
	}

	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := c.readBody(ctx, resp)
	if err != nil {
		return nil, err
	}

	list, err := c.dialect.DecodeModels(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrMalformedResponse, err)
	}
	if list == nil {
		list = []models.ModelDescriptor{}
	}
	return list, nil
}

func (c *Client) prepare(userText string, overrides models.Sampling) (models.Sampling, error) {
	if strings.TrimSpace(userText) == "" {
		return models.Sampling{}, fmt.Errorf("%w: message must not be empty", provider.ErrInvalidArgument)
	}
	if err := c.checkKey(); err != nil {
		return models.Sampling{}, err
	}

	sampling := overrides.Merge(c.sampling).Merge(c.dialect.Defaults())
	if err := sampling.Validate(c.dialect.Limits()); err != nil {
		return models.Sampling{}, fmt.Errorf("%w: %w", provider.ErrInvalidArgument, err)
	}
	return sampling, nil
}

func (c *Client) checkKey() error {
	if c.dialect.RequiresKey() && strings.TrimSpace(c.endpoint.APIKey) == "" {
		return fmt.Errorf("%w: %s requires an API key", provider.ErrUnauthenticated, c.dialect.Name())
	}
	return nil
}

func (c *Client) envelope(sampling models.Sampling) models.RequestEnvelope {
	return models.RequestEnvelope{
		Model:    c.model,
		Turns:    c.buffer.Snapshot(),
		Sampling: sampling,
	}
}

// roundTrip transmits req and checks the status line. Non-2xx responses
// are consumed and closed here.
func (c *Client) roundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}

	resp, err := c.handle.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, cancelled(ctxErr)
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = provider.RedactURL(urlErr.URL)
		}
		return nil, fmt.Errorf("%w: %s request: %w", provider.ErrTransport, c.dialect.Name(), err)
	}

	if err := ctx.Err(); err != nil {
		resp.Body.Close()
		return nil, cancelled(err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(resp, c.dialect.Name())
	}
	return resp, nil
}

func (c *Client) readBody(ctx context.Context, resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, cancelled(ctxErr)
		}
		return nil, fmt.Errorf("%w: read %s response: %w", provider.ErrTransport, c.dialect.Name(), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}
	return body, nil
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", provider.ErrCancelled, cause)
}

func (c *Client) exchange(ctx context.Context, env models.RequestEnvelope) exchange {
	req, err := c.dialect.NewChatRequest(ctx, c.endpoint, env)
	if err != nil {
		return exchange{stage: stageBuild, err: fmt.Errorf("%w: build request: %w", provider.ErrInvalidArgument, err)}
	}

	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return exchange{stage: stageTransport, err: err}
	}
	defer resp.Body.Close()

	body, err := c.readBody(ctx, resp)
	if err != nil {
		return exchange{stage: stageTransport, err: err}
	}

	decoded, err := c.dialect.DecodeResponse(body)
	if err != nil {
		return exchange{stage: stageDecode, err: fmt.Errorf("%w: %w", provider.ErrMalformedResponse, err)}
	}
	if err := ctx.Err(); err != nil {
		return exchange{stage: stageDecode, err: cancelled(err)}
	}
	return exchange{stage: stageDone, envelope: decoded}
}

func (c *Client) streamExchange(ctx context.Context, env models.RequestEnvelope, onChunk func(string)) exchange {
	req, err := c.dialect.NewChatRequest(ctx, c.endpoint, env)
	if err != nil {
		return exchange{stage: stageBuild, err: fmt.Errorf("%w: build request: %w", provider.ErrInvalidArgument, err)}
	}

	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return exchange{stage: stageTransport, err: err}
	}
	defer resp.Body.Close()

	res, err := stream.Collect(ctx, resp.Body, c.dialect.DecodeChunk, onChunk)
	if res.Skipped > 0 {
		c.logger.Debug("skipped stream fragments", "count", res.Skipped)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return exchange{stage: stageTransport, err: cancelled(ctxErr)}
		}
		return exchange{stage: stageTransport, err: fmt.Errorf("%w: read %s stream: %w", provider.ErrTransport, c.dialect.Name(), err)}
	}

	decoded := &models.ResponseEnvelope{Model: c.model}
	if res.Text != "" {
		decoded.Candidates = []models.Candidate{{
			Turn: conversation.NewText(conversation.RoleAssistant, res.Text),
		}}
	}
	return exchange{stage: stageDone, envelope: decoded}
}

// apply is the only place an exchange touches the buffer after the
// optimistic user append.
func (c *Client) apply(pending *conversation.Turn, o outcome) (*Reply, error) {
	if o.rollback {
		if !c.buffer.RemoveIfLast(pending) {
			c.logger.Warn("user turn no longer last, rollback skipped")
		} else {
			c.logger.Debug("rolled back user turn", "err", o.err)
		}
		return nil, o.err
	}
	if o.err != nil {
		c.logger.Debug("kept unanswered user turn", "err", o.err)
		return nil, o.err
	}

	if err := c.buffer.AppendAssistant(o.reply.Turn); err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrMalformedResponse, err)
	}
	c.logger.Debug("committed assistant turn", "history", c.buffer.Len())
	return o.reply, nil
}
