// Command burnish runs the response formatting service: the formatting
// pipeline, experiment engine, and admin HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odellh/burnish/pkg/api"
	"github.com/odellh/burnish/pkg/bus"
	"github.com/odellh/burnish/pkg/config"
	"github.com/odellh/burnish/pkg/experiment"
	"github.com/odellh/burnish/pkg/formatter"
	"github.com/odellh/burnish/pkg/generation"
	"github.com/odellh/burnish/pkg/logging"
	"github.com/odellh/burnish/pkg/persona"
	"github.com/odellh/burnish/pkg/quality"
	"github.com/odellh/burnish/pkg/telemetry"
	"github.com/odellh/burnish/pkg/template"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const defaultAPIKeyEnv = "BURNISH_API_KEY"

func main() {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to YAML configuration file")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("burnish %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "burnish: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadServiceConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	tp, err := telemetry.NewTracerProvider("burnish")
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(ctx)
	}()

	events, err := newEventBus(cfg.Bus)
	if err != nil {
		return err
	}
	if events != nil {
		defer events.Close()
	}

	resolver := config.NewResolver(logger)
	for agentID, agentCfg := range cfg.Agents {
		if err := resolver.UpdateAgentConfig(agentID, agentCfg); err != nil {
			return fmt.Errorf("agent %s: %w", agentID, err)
		}
	}

	var archive *experiment.ArchiveStore
	if cfg.Experiment.ArchivePath != "" {
		archive, err = experiment.NewArchiveStore(cfg.Experiment.ArchivePath)
		if err != nil {
			return fmt.Errorf("opening experiment archive: %w", err)
		}
		defer archive.Close()
	}

	engine := experiment.NewEngine(resolver, archive, events, logger)

	definitions, err := persona.LoadDefinitionsFromDirs(cfg.Personas.Dirs)
	if err != nil {
		return fmt.Errorf("loading personas: %w", err)
	}
	personas := persona.NewProvider(cfg.Personas.DefaultID, cfg.Personas.Overrides, definitions)

	catalog := template.NewCatalog()
	selector := template.NewSelector(catalog, cfg.Templates.CacheSize, cfg.Templates.CacheTTL, logger)

	generator, err := newGenerator(cfg.Generation, logger)
	if err != nil {
		return err
	}

	fmtr, err := formatter.New(formatter.Options{
		Resolver:          resolver,
		Engine:            engine,
		Selector:          selector,
		Scorer:            quality.NewScorer(logger),
		Personas:          personas,
		Generator:         generator,
		Events:            events,
		Logger:            logger,
		GenerationTimeout: cfg.Generation.Timeout,
		RateLimit:         cfg.Generation.RateLimit,
		Burst:             cfg.Generation.Burst,
	})
	if err != nil {
		return err
	}

	if !cfg.API.Enabled {
		return fmt.Errorf("nothing to run: api.enabled is false")
	}

	server := api.NewServer(api.ServerConfig{
		Bind:      cfg.API.Bind,
		Resolver:  resolver,
		Engine:    engine,
		Archive:   archive,
		Catalog:   catalog,
		Selector:  selector,
		Formatter: fmtr,
		Personas:  personas,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return <-errCh
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	if cfg.Dir == "" {
		return logging.NewNopLogger(), nil
	}
	logger, err := logging.NewLogger(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger.SetMinLevel(logging.Level(cfg.MinLevel))
	return logger, nil
}

func newEventBus(cfg config.BusConfig) (bus.EventBus, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.URL == "" {
		return bus.NewMemoryBus(), nil
	}
	b, err := bus.NewNATSBus(bus.Config{URL: cfg.URL, Name: "burnish"})
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return b, nil
}

func newGenerator(cfg config.GenerationConfig, logger *logging.Logger) (formatter.Generator, error) {
	if cfg.BaseURL == "" {
		return generation.NewLocalGenerator(), nil
	}
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = defaultAPIKeyEnv
	}
	return generation.NewClient(generation.ClientConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  os.Getenv(keyEnv),
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}, logger)
}
