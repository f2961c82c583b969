package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"stealthcompany.com/chartprep/internal/auth"
	"stealthcompany.com/chartprep/internal/chart"
	"stealthcompany.com/chartprep/internal/config"
	"stealthcompany.com/chartprep/internal/couchbase"
	"stealthcompany.com/chartprep/internal/metrics"
	"stealthcompany.com/chartprep/internal/transport"
	"stealthcompany.com/chartprep/pkg/zerolog_config"
)

// application is everything a command needs once configuration is loaded.
type application struct {
	cfg     *config.Config
	service *chart.Service
	audit   *couchbase.Client
}

func (a *application) Close() {
	if a.audit == nil {
		return
	}
	if err := a.audit.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close Couchbase connection")
	}
}

// loadApplication reads configuration and wires logging, metrics, the
// optional audit sink and the chart service.
func loadApplication(ctx context.Context) (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := zerolog_config.Startup(zerolog_config.Options{
		AppName:          cfg.AppName,
		Level:            cfg.Level(),
		ElasticsearchURL: cfg.ElasticsearchURL,
		Index:            cfg.ElasticsearchIndex,
	}); err != nil {
		return nil, err
	}

	metrics.Configure(metrics.Options{
		Business: cfg.EnableBusinessMetrics,
		System:   cfg.EnableSystemMetrics,
	})

	app := &application{cfg: cfg}

	opts := []chart.Option{chart.WithDefaultSource(cfg.DefaultSource)}
	if cfg.SequentialBundles {
		opts = append(opts, chart.WithSequentialBundles())
	}
	if cfg.AuditEnabled() {
		audit, err := couchbase.NewClient(ctx, couchbase.Options{
			URL:      cfg.CouchbaseURL,
			Username: cfg.CouchbaseUsername,
			Password: cfg.CouchbasePassword,
			Bucket:   cfg.CouchbaseBucket,
		})
		if err != nil {
			// The audit trail is optional; bundles still work without it
			log.Warn().Err(err).Msg("Couchbase audit sink unavailable, continuing without it")
		} else {
			app.audit = audit
			opts = append(opts, chart.WithDegradationRecorder(audit))
		}
	}

	retry := transport.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.RetryMaxAttempts

	httpClient := &http.Client{
		Transport: metrics.NewInstrumentedTransport(nil),
		Timeout:   cfg.RequestTimeout,
	}
	factory := chart.NewClientFactory(auth.NewTokenCache(), httpClient,
		transport.WithTimeout(cfg.RequestTimeout),
		transport.WithRetryPolicy(retry),
	)
	opts = append(opts, chart.WithClientFactory(factory))

	service, err := chart.NewService(cfg.Sources(), opts...)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.service = service

	log.Debug().
		Str("env", cfg.Env).
		Str("default_source", service.DefaultSource()).
		Int("sources", len(service.ListSources())).
		Msg("Chart service configured")

	return app, nil
}
