package chatcompact

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/youssefsiam38/chatcompact/api"
	"github.com/youssefsiam38/chatcompact/compaction"
	"github.com/youssefsiam38/chatcompact/config"
	"github.com/youssefsiam38/chatcompact/hooks"
	"github.com/youssefsiam38/chatcompact/metrics"
	"github.com/youssefsiam38/chatcompact/storage"
	"github.com/youssefsiam38/chatcompact/threadsync"
)

// Version is the current chatcompact version
const Version = "1.0.0"

// readHeaderTimeout bounds how long the server waits for request headers.
const readHeaderTimeout = 10 * time.Second

// Option configures a Client.
type Option func(*options)

type options struct {
	logger     compaction.Logger
	store      storage.ThreadStore
	summarizer compaction.Summarizer
	generator  compaction.Generator
	estimator  compaction.TokenEstimator
	registry   *prometheus.Registry
	httpClient *http.Client
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger compaction.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStore uses store instead of opening the configured one. The client
// does not close it.
func WithStore(store storage.ThreadStore) Option {
	return func(o *options) { o.store = store }
}

// WithSummarizer overrides the configured summarizer for syncers.
func WithSummarizer(s compaction.Summarizer) Option {
	return func(o *options) { o.summarizer = s }
}

// WithGenerator backs the compression handler with gen instead of the
// configured provider SDK.
func WithGenerator(gen compaction.Generator) Option {
	return func(o *options) { o.generator = gen }
}

// WithEstimator sets the token estimator.
func WithEstimator(e compaction.TokenEstimator) Option {
	return func(o *options) { o.estimator = e }
}

// WithPrometheusRegistry registers metrics on reg.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithHTTPClient sets the HTTP client used by the remote summarizer.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// Client wires a configuration into a compaction service: a thread store,
// a summarizer, hooks, metrics and the HTTP API.
type Client struct {
	config     *config.Config
	logger     compaction.Logger
	store      storage.ThreadStore
	summarizer compaction.Summarizer
	handler    *compaction.CompressionHandler
	hooks      *hooks.Registry
	metrics    *metrics.Metrics
	estimator  compaction.TokenEstimator

	// closers release resources the client opened, in reverse order.
	closers []func() error

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
	serveErr error

	started atomic.Bool
	closed  atomic.Bool
}

// NewClient creates a client from cfg. A nil cfg uses config.Default().
//
// Example:
//
//	cfg, err := config.Load("chatcompact.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := chatcompact.NewClient(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	syncer, _ := client.NewSyncer()
//	fx, _ := syncer.Sync(ctx, threadID, transcript)
func NewClient(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		if errors.Is(err, compaction.ErrInvalidConfig) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = compaction.NopLogger()
	}
	if o.estimator == nil {
		o.estimator = compaction.CharEstimator{}
	}

	c := &Client{
		config:    cfg,
		logger:    o.logger,
		estimator: o.estimator,
		hooks:     hooks.NewRegistry(),
		metrics:   metrics.New(o.registry),
	}
	hooks.NewLoggingHooks(o.logger).Register(c.hooks)

	if o.store != nil {
		c.store = o.store
	} else if err := c.openStore(ctx); err != nil {
		return nil, err
	}

	if err := c.buildSummarizer(o); err != nil {
		_ = c.Close()
		return nil, err
	}

	c.logger.Info("chatcompact client created",
		"store", cfg.Store.Driver,
		"summarizer", cfg.Summarizer.Provider,
		"active_model", cfg.ActiveModel,
	)
	return c, nil
}

// openStore opens the configured thread store and migrates its schema.
func (c *Client) openStore(ctx context.Context) error {
	sc := c.config.Store
	switch sc.Driver {
	case config.DriverMemory:
		c.store = storage.NewMemoryStore()

	case config.DriverPgx:
		pool, err := pgxpool.New(ctx, sc.DSN)
		if err != nil {
			return fmt.Errorf("%w: failed to create pool: %v", ErrStorageError, err)
		}
		store := storage.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		c.store = store
		c.closers = append(c.closers, func() error {
			pool.Close()
			return nil
		})

	case config.DriverPostgres, config.DriverSQLite:
		store, err := storage.OpenSQL(ctx, sc.Driver, sc.DSN)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageError, err)
		}
		c.store = store
		c.closers = append(c.closers, store.Close)

	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, sc.Driver)
	}
	return nil
}

// buildSummarizer resolves the compression handler and the summarizer
// used by syncers.
func (c *Client) buildSummarizer(o *options) error {
	sc := c.config.Summarizer

	gen := o.generator
	if gen == nil {
		gen = newGenerator(sc)
	}
	if gen != nil {
		c.handler = compaction.NewCompressionHandler(gen,
			compaction.WithHandlerModel(sc.Model),
			compaction.WithHandlerLogger(c.logger),
			compaction.WithHandlerEstimator(c.estimator),
		)
	}

	switch {
	case o.summarizer != nil:
		c.summarizer = o.summarizer
	case c.handler != nil:
		c.summarizer = c.handler
	case sc.Provider == config.ProviderRemote:
		c.summarizer = api.NewClient(sc.BaseURL,
			api.WithHTTPClient(o.httpClient),
			api.WithCompressionConfig(compaction.Config{Model: sc.Model}),
		)
	case sc.Provider == config.ProviderDefault:
		c.summarizer = compaction.NewDefaultSummarizer()
	default:
		return fmt.Errorf("%w: unknown summarizer provider %q", ErrInvalidConfig, sc.Provider)
	}
	return nil
}

// newGenerator creates the provider SDK generator, or nil for providers
// that do not call a model directly.
func newGenerator(sc config.SummarizerConfig) compaction.Generator {
	switch sc.Provider {
	case config.ProviderAnthropic:
		var opts []anthropicoption.RequestOption
		if sc.APIKey != "" {
			opts = append(opts, anthropicoption.WithAPIKey(sc.APIKey))
		}
		if sc.BaseURL != "" {
			opts = append(opts, anthropicoption.WithBaseURL(sc.BaseURL))
		}
		client := anthropic.NewClient(opts...)
		return compaction.NewAnthropicGenerator(&client, sc.Model, sc.MaxTokens)

	case config.ProviderOpenAI:
		var opts []openaioption.RequestOption
		if sc.APIKey != "" {
			opts = append(opts, openaioption.WithAPIKey(sc.APIKey))
		}
		if sc.BaseURL != "" {
			opts = append(opts, openaioption.WithBaseURL(sc.BaseURL))
		}
		client := openai.NewClient(opts...)
		return compaction.NewOpenAIGenerator(&client, sc.Model, sc.MaxTokens)
	}
	return nil
}

// NewSyncer creates a thread syncer bound to the client's store,
// summarizer, hooks and metrics. Each fn may adjust the options before
// the syncer is built.
func (c *Client) NewSyncer(fns ...func(*threadsync.Options)) (*threadsync.Syncer, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	opts := threadsync.Options{
		Store:       c.store,
		Summarizer:  c.summarizer,
		Hooks:       c.hooks,
		Metrics:     c.metrics,
		Logger:      c.logger,
		Estimator:   c.estimator,
		Models:      c.config.Models,
		ActiveModel: c.config.ActiveModel,
		Config:      c.config.Compaction,
	}
	for _, fn := range fns {
		fn(&opts)
	}
	return threadsync.New(opts)
}

// Handler returns the HTTP API.
func (c *Client) Handler() http.Handler {
	return api.NewRouter(&api.Config{
		Handler:      c.handler,
		Store:        c.store,
		Models:       c.config.Models,
		Estimator:    c.estimator,
		Metrics:      c.metrics,
		Logger:       c.logger,
		MaxBodyBytes: c.config.Server.MaxBodyBytes,
	})
}

// Start begins serving the HTTP API on the configured address.
func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrClientAlreadyStarted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", c.config.Server.Addr)
	if err != nil {
		c.started.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", c.config.Server.Addr, err)
	}

	srv := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	done := make(chan struct{})

	c.mu.Lock()
	c.server = srv
	c.listener = ln
	c.done = done
	c.serveErr = nil
	c.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("http server stopped", "error", err)
			c.mu.Lock()
			c.serveErr = err
			c.mu.Unlock()
		}
	}()

	c.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server, waiting at most the
// configured shutdown timeout for in-flight requests.
func (c *Client) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return ErrClientNotStarted
	}

	c.mu.Lock()
	srv, done := c.server, c.done
	c.server = nil
	c.listener = nil
	c.mu.Unlock()
	if srv == nil {
		return ErrClientNotStarted
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Server.ShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	<-done
	c.started.Store(false)
	if err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	c.logger.Info("http server stopped")
	return nil
}

// Run serves the HTTP API until ctx is cancelled or the server fails.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-done:
	}

	stopErr := c.Stop(context.WithoutCancel(ctx))

	c.mu.Lock()
	serveErr := c.serveErr
	c.mu.Unlock()
	if serveErr != nil {
		return serveErr
	}
	return stopErr
}

// Close stops the server if running and releases the store.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if c.started.Load() {
		if err := c.Stop(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Addr returns the address the server listens on, or "" when stopped.
func (c *Client) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// IsRunning returns true if the HTTP server is running.
func (c *Client) IsRunning() bool {
	return c.started.Load()
}

// Config returns the client configuration.
func (c *Client) Config() *config.Config {
	return c.config
}

// Store returns the thread store for direct access.
func (c *Client) Store() storage.ThreadStore {
	return c.store
}

// Summarizer returns the summarizer used by syncers.
func (c *Client) Summarizer() compaction.Summarizer {
	return c.summarizer
}

// CompressionHandler returns the model-backed handler, or nil when the
// configured provider does not call a model.
func (c *Client) CompressionHandler() *compaction.CompressionHandler {
	return c.handler
}

// Hooks returns the hook registry shared by every syncer.
func (c *Client) Hooks() *hooks.Registry {
	return c.hooks
}

// Metrics returns the client metrics.
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}
