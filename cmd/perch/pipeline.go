package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nvr-ai/perch/controller"
	"github.com/nvr-ai/perch/identity"
	"github.com/nvr-ai/perch/inference"
	"github.com/nvr-ai/perch/metrics"
	"github.com/nvr-ai/perch/models"
	"github.com/nvr-ai/perch/store"
)

// stages selects which models a pipeline opens.
type stages struct {
	detect   bool
	identify bool
}

// pipeline is a configured controller and everything it owns.
type pipeline struct {
	controller *controller.Controller
	engine     *inference.Engine
	identities *identity.Store
	classes    *models.ClassTable
	log        *store.Store
	registry   *prometheus.Registry
	stop       context.CancelFunc
	served     chan struct{}
}

// openPipeline builds a controller from the loaded configuration.
func (a *app) openPipeline(ctx context.Context, want stages) (_ *pipeline, err error) {
	cfg := a.cfg
	p := &pipeline{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			err = multierr.Append(err, p.Close())
		}
	}()

	m, err := metrics.New(p.registry)
	if err != nil {
		return nil, err
	}
	if err := metrics.RegisterRuntime(p.registry); err != nil {
		return nil, err
	}

	if p.classes, err = cfg.ClassTable(); err != nil {
		return nil, errors.Wrap(err, "loading class table")
	}

	builder := inference.NewEngineBuilder().
		WithProvider(cfg.Provider).
		WithRunnerOptions(inference.WithLogger(a.logger), inference.WithObserver(m.ObserveInference))
	if a.backends != nil {
		builder.WithBackendFactory(a.backends)
	}
	if want.detect {
		builder.WithDetector(cfg.DetectorArgs(p.classes.Len()), cfg.DetectorOptions())
	}
	if want.identify {
		if !cfg.Embedder.Enabled {
			return nil, errors.New("identity clustering requires embedder.enabled")
		}
		builder.WithEmbedder(cfg.EmbedderArgs())
	}
	if p.engine, err = builder.Build(); err != nil {
		return nil, err
	}

	opts := controller.Options{
		Classes:     p.classes,
		ClassFilter: cfg.Pipeline.ClassFilter,
		Metrics:     m,
		Logger:      a.logger,
	}
	if p.engine.Detector != nil {
		opts.Detector = p.engine.Detector
	}
	if p.engine.Embedder != nil {
		p.identities = identity.NewStore(cfg.IdentityStore(), a.logger)
		opts.Embedder = p.engine.Embedder
		opts.Store = p.identities
	}
	if cfg.Store.Path != "" {
		if p.log, err = store.Open(cfg.Store.Path, p.classes); err != nil {
			return nil, err
		}
		opts.Sink = p.log
	}
	if p.controller, err = controller.New(opts); err != nil {
		return nil, err
	}

	if cfg.Metrics.Listen != "" {
		var serveCtx context.Context
		serveCtx, p.stop = context.WithCancel(ctx)
		p.served = make(chan struct{})
		go func() {
			defer close(p.served)
			if err := metrics.Serve(serveCtx, cfg.Metrics.Listen, p.registry, a.logger); err != nil {
				a.logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	return p, nil
}

// Close stops the metrics endpoint and releases the models and the observation log.
func (p *pipeline) Close() error {
	if p.stop != nil {
		p.stop()
		<-p.served
	}
	var err error
	if p.engine != nil {
		err = multierr.Append(err, p.engine.Close())
	}
	if p.log != nil {
		err = multierr.Append(err, p.log.Close())
	}
	return err
}
