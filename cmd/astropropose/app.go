package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/xx70235/AstroPropose/internal/engine"
	"github.com/xx70235/AstroPropose/internal/expressions"
	"github.com/xx70235/AstroPropose/internal/logging"
	"github.com/xx70235/AstroPropose/internal/mapping"
	"github.com/xx70235/AstroPropose/internal/metrics"
	"github.com/xx70235/AstroPropose/internal/secrets"
	"github.com/xx70235/AstroPropose/internal/store"
	"github.com/xx70235/AstroPropose/internal/tools"
	"github.com/xx70235/AstroPropose/internal/validation"
)

// app is the fully wired process: store, vault, tool executor and engine.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	vault     secrets.Vault
	validator *validation.DefinitionValidator
	metrics   *metrics.Collector
	engine    *engine.Engine
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	inner := slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.slogLevel()})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// openStore opens and migrates the database.
func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if !cfg.isURL() {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	s, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// openVault returns nil when no passphrase is configured; secret references
// in tool configuration then fail at invocation time.
func openVault(ctx context.Context, s *store.LibSQLStore, cfg Config) (*secrets.AESVault, error) {
	if cfg.VaultPassphrase == "" {
		return nil, nil
	}
	salt, err := vaultSalt()
	if err != nil {
		return nil, err
	}
	v, err := secrets.NewAESVault(s, secrets.VaultConfig{Passphrase: cfg.VaultPassphrase, Salt: salt})
	if err != nil {
		return nil, err
	}
	if err := v.Verify(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: s}
	fail := func(err error) (*app, error) {
		_ = s.Close()
		return nil, err
	}

	aesVault, err := openVault(ctx, s, cfg)
	if err != nil {
		return fail(err)
	}
	if aesVault != nil {
		a.vault = aesVault
	} else {
		logger.Warn("ASTRO_VAULT_PASSPHRASE not set; secret references in tool auth will fail")
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fail(fmt.Errorf("cel engine: %w", err))
	}
	a.validator, err = validation.NewDefinitionValidator(cel)
	if err != nil {
		return fail(fmt.Errorf("definition validator: %w", err))
	}

	a.metrics = metrics.NewCollector(cfg.MetricsNamespace)
	resolver := mapping.NewResolver(expressions.NewGoJQEngine(), logger)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 10
	invoker := tools.NewInvoker(tools.InvokerDeps{
		Client:       &http.Client{Transport: transport, Timeout: cfg.toolTimeout()},
		Recorder:     s,
		Resolver:     resolver,
		Interpolator: expressions.NewInterpolator(a.vault),
		Validation:   tools.NewValidationInterpreter(expressions.NewExprEngine(), logger),
		Breakers:     tools.NewCircuitBreakerRegistry(tools.DefaultCircuitBreakerConfig()),
		Limiters:     tools.NewRateLimiters(),
		Observer:     a.metrics,
		Logger:       logger,
	})

	a.engine = engine.New(engine.Deps{
		Store:     s,
		Invoker:   invoker,
		Validator: a.validator,
		CEL:       cel,
		Resolver:  resolver,
		Observer:  a.metrics,
		Logger:    logger,
	})
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
