// Package app wires the proxy together from a resolved configuration. It is
// shared by the standalone binary and the Workers build.
package app

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dvcrn/deepinfra-proxy/internal/config"
	"github.com/dvcrn/deepinfra-proxy/internal/dispatch"
	"github.com/dvcrn/deepinfra-proxy/internal/keys"
	"github.com/dvcrn/deepinfra-proxy/internal/metrics"
	"github.com/dvcrn/deepinfra-proxy/internal/server"
	"github.com/rs/zerolog"
)

// App is a ready-to-serve proxy plus the resources it owns.
type App struct {
	Server  *server.Server
	Metrics *metrics.Recorder

	closers []io.Closer
}

// Options tune New. The zero value is what the standalone binary uses.
type Options struct {
	// Client overrides the upstream HTTP client.
	Client dispatch.HTTPClient
	// ExtraKeys are consulted after the static and file keys.
	ExtraKeys []keys.Validator
	// DisableKeyFile skips the API key file even if one is configured.
	DisableKeyFile bool
}

// PolicyFor maps the configuration onto the dispatcher's backoff policy.
func PolicyFor(cfg *config.Config) dispatch.Policy {
	return dispatch.Policy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryDelay,
		MaxDelay:   cfg.MaxRetryDelay,
		JitterMin:  cfg.RandomDelayMin,
		JitterMax:  cfg.RandomDelayMax,
	}
}

// New builds the server, dispatcher, key validators and metrics for cfg.
func New(cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	for _, w := range cfg.Warnings {
		logger.Warn().Msg(w)
	}

	pool, err := dispatch.NewPool(cfg.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoints: %w", err)
	}

	client := opts.Client
	if client == nil {
		client = server.NewHTTPClient()
	}

	a := &App{Metrics: metrics.New(nil)}

	validators := keys.Any{keys.NewStatic(cfg.APIKeys)}
	if !opts.DisableKeyFile {
		fv, err := openKeyFile(cfg.APIKeysFile, logger)
		if err != nil {
			return nil, err
		}
		if fv != nil {
			validators = append(validators, fv)
			a.closers = append(a.closers, fv)
		}
	}
	validators = append(validators, opts.ExtraKeys...)

	d := dispatch.New(dispatch.Options{
		Client:         client,
		Pool:           pool,
		Policy:         PolicyFor(cfg),
		RequestTimeout: cfg.RequestTimeout,
		Recorder:       a.Metrics,
		Logger:         logger,
	})

	a.Server = server.New(server.Options{
		Config:     cfg,
		Dispatcher: d,
		Keys:       validators,
		Metrics:    a.Metrics,
		Logger:     logger,
	})

	hosts := make([]string, 0, pool.Len())
	for _, ep := range pool.Endpoints() {
		hosts = append(hosts, ep.Host)
	}
	logger.Info().
		Str("performance_mode", string(cfg.PerformanceMode)).
		Strs("endpoints", hosts).
		Int("max_retries", cfg.MaxRetries).
		Dur("retry_delay", cfg.RetryDelay).
		Dur("request_timeout", cfg.RequestTimeout).
		Str("random_delay", cfg.RandomDelayRange()).
		Int("static_keys", len(cfg.APIKeys)).
		Bool("metrics", cfg.EnableMetrics).
		Msg("Proxy configured")

	return a, nil
}

// openKeyFile loads and watches the configured key file, or the default
// one if it exists. A configured file that cannot be read is an error; a
// watcher that cannot start only disables hot reload.
func openKeyFile(configured string, logger zerolog.Logger) (*keys.FileValidator, error) {
	path := keys.ResolvePath(configured)
	if path == "" {
		return nil, nil
	}

	fv, err := keys.NewFileValidator(path, logger)
	if err != nil {
		return nil, fmt.Errorf("loading API keys: %w", err)
	}
	logger.Info().Str("path", path).Int("keys", fv.Len()).Msg("Loaded API keys from file")

	if err := fv.Watch(); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Key file hot reload disabled")
	}
	return fv, nil
}

func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Server.ServeHTTP(w, r)
}

// Close releases watchers and other resources held by the app.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
