package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gkobilansky/abgoat/internal/config"
	"github.com/gkobilansky/abgoat/internal/engine"
	"github.com/gkobilansky/abgoat/internal/logging"
	"github.com/gkobilansky/abgoat/internal/store"
)

// app is what a command gets once config, logger, store and engine are up.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	engine *engine.Engine
}

// loadConfig reads the config file and applies flag and env overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, err
	}

	if o.dbPath != "" {
		cfg.Storage.Path = o.dbPath
	}
	if o.driver != "" {
		cfg.Storage.Driver = o.driver
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// withEngine opens the configured store, executes the function, and handles
// cleanup. One-shot commands log at warn unless --log-level says otherwise.
func withEngine(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if opts.logLevel == "" && cmd.Name() != "serve" && cmd.Parent() != nil {
		level = "warn"
	}
	logger, err := logging.New(level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	s, err := openStore(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	e := engine.New(s, engine.Config{
		DefaultConfidenceLevel:   cfg.Engine.ConfidenceLevel,
		DefaultMinimumSampleSize: cfg.Engine.MinimumSampleSize,
		AutoComplete:             cfg.Engine.AutoComplete,
	}, logger)

	return userError(fn(cmd.Context(), &app{cfg: cfg, logger: logger, engine: e}))
}

func openStore(cfg config.StorageConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.Open(cfg.Path)
	case "badger":
		return store.OpenBadger(store.BadgerConfig{
			Path:       cfg.Path,
			SyncWrites: true,
			Logger:     logger.Named("badger").WithOptions(zap.IncreaseLevel(zap.WarnLevel)),
		})
	case "memory":
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// userError spells out every validation problem on its own line.
func userError(err error) error {
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		return err
	}

	var b strings.Builder
	b.WriteString("invalid input:")
	for _, p := range verr.Problems {
		b.WriteString("\n  - ")
		b.WriteString(p)
	}
	return errors.New(b.String())
}

// resolveTest finds a test by id, falling back to a unique name match.
func resolveTest(ctx context.Context, e *engine.Engine, ref string) (*store.ABTest, error) {
	test, err := e.GetTest(ctx, ref)
	if err == nil || !engine.IsNotFound(err) {
		return test, err
	}

	tests, lerr := e.ListTests(ctx)
	if lerr != nil {
		return nil, lerr
	}
	var matches []*store.ABTest
	for _, t := range tests {
		if strings.EqualFold(t.Name, ref) {
			matches = append(matches, t)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("test '%s' not found", ref)
	case 1:
		return matches[0], nil
	}
	return nil, fmt.Errorf("%d tests are named '%s', use the test id instead", len(matches), ref)
}

// resolveVariant finds a variant by id or case-insensitive name.
func resolveVariant(test *store.ABTest, ref string) (*store.TestVariant, error) {
	if v := test.Variant(ref); v != nil {
		return v, nil
	}
	for i := range test.Variants {
		if strings.EqualFold(test.Variants[i].Name, ref) {
			return &test.Variants[i], nil
		}
	}
	return nil, fmt.Errorf("variant '%s' not found in test '%s'", ref, test.Name)
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}

func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}
