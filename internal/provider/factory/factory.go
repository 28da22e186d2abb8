package factory

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"parley/internal/client"
	"parley/internal/config"
	"parley/internal/provider"
	claudeProvider "parley/internal/provider/claude"
	geminiProvider "parley/internal/provider/gemini"
	openaiProvider "parley/internal/provider/openai"
	"parley/internal/transport"
)

// ErrUnknownProvider indicates a provider name missing from configuration.
var ErrUnknownProvider = errors.New("unknown provider")

// Dialect returns the wire dialect for a configured provider kind.
func Dialect(p config.ProviderConfig) (provider.Dialect, error) {
	switch p.Kind {
	case config.KindOpenAI:
		return openaiProvider.New(), nil
	case config.KindAnthropic:
		return claudeProvider.New(claudeProvider.WithAPIVersion(p.APIVersion)), nil
	case config.KindGemini:
		return geminiProvider.New(), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", p.Kind)
	}
}

// Factory builds conversation clients from configuration. Clients built for
// the same provider borrow one shared *http.Client that the factory owns.
type Factory struct {
	cfg    config.Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

// New returns a factory over cfg.
func New(cfg config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*http.Client),
	}
}

// Config returns the configuration the factory was built with.
func (f *Factory) Config() config.Config {
	return f.cfg
}

// Build constructs a client for the named provider. Extra options are
// applied after the configured ones.
func (f *Factory) Build(name string, extra ...client.Option) (*client.Client, error) {
	p, ok := f.cfg.Provider(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	dialect, err := Dialect(p)
	if err != nil {
		return nil, fmt.Errorf("initialise %s provider: %w", name, err)
	}

	httpClient, err := f.sharedClient(name, p)
	if err != nil {
		return nil, err
	}

	model := p.Model
	if model == "" {
		model = dialect.DefaultModel()
	}

	opts := []client.Option{
		client.WithHTTPClient(httpClient),
		client.WithBaseURL(p.BaseURL),
		client.WithHeaders(p.Headers),
		client.WithSampling(p.Sampling.Sampling()),
		client.WithSystemInstruction(p.System),
		client.WithLogger(f.logger.With("config", name)),
	}
	opts = append(opts, extra...)

	c, err := client.New(dialect, p.ResolveAPIKey(), model, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialise %s provider: %w", name, err)
	}
	return c, nil
}

func (f *Factory) sharedClient(name string, p config.ProviderConfig) (*http.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if hc, ok := f.clients[name]; ok {
		return hc, nil
	}

	timeout, err := p.TimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("provider %s: timeout: %w", name, err)
	}
	hc := transport.NewHTTPClient(timeout)
	f.clients[name] = hc
	return hc, nil
}

// Close releases the shared transports. Clients built earlier must not be
// used afterwards.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for name, hc := range f.clients {
		hc.CloseIdleConnections()
		delete(f.clients, name)
	}
	return nil
}
