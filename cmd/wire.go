package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abhisek/packplan/internal/config"
	"github.com/abhisek/packplan/internal/genplan"
	"github.com/abhisek/packplan/internal/lifecycle"
	"github.com/abhisek/packplan/internal/llm"
	"github.com/abhisek/packplan/internal/lock"
	"github.com/abhisek/packplan/internal/logger"
	"github.com/abhisek/packplan/internal/planner"
	"github.com/abhisek/packplan/internal/selector"
	"github.com/abhisek/packplan/internal/store"
)

// app holds the wired dependencies for one command invocation.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	store   *store.Store
	planner *planner.Service
	tracker *lifecycle.Tracker

	closers []func() error
}

// loadConfig resolves --config and applies --db on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if p, _ := cmd.Flags().GetString("db"); p != "" {
		cfg.DBPath = p
	}
	return cfg, nil
}

// resolveDBPath returns the configured database path, falling back to the
// default XDG location.
func resolveDBPath(cfg *config.Config) (string, error) {
	if cfg.DBPath != "" {
		return cfg.DBPath, store.EnsureDir(cfg.DBPath)
	}
	return store.DefaultDBPath()
}

// openStore loads config and opens the database without building services.
func openStore(cmd *cobra.Command) (*config.Config, *store.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve database path: %w", err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, st, nil
}

// wireApp builds the planner service and lifecycle tracker.
func wireApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, st, err := openStore(cmd)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: st}
	a.closers = append(a.closers, st.Close)

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a.log = log

	locker, err := newLocker(ctx, cfg, log)
	if err != nil {
		a.close()
		return nil, err
	}
	if r, ok := locker.(*lock.Redis); ok {
		a.closers = append(a.closers, r.Close)
	}

	spec := cfg.Pack.Spec()
	sel := selector.New(st.CatalogRepo(), st.AttemptRepo(), spec, cfg.Planner.Selector, log)

	var gen planner.Generative
	provider, err := llm.NewProvider(ctx, cfg.LLM, st.EventRepo(), log)
	switch {
	case err == nil:
		gen = genplan.New(provider, cfg.Planner.Generative, log)
	case errors.Is(err, llm.ErrDisabled):
		log.Info("generative planner disabled; packs come from the fallback planner")
	default:
		a.close()
		return nil, fmt.Errorf("init LLM provider: %w", err)
	}

	a.planner = planner.New(st.PlanRepo(), sel, gen, locker, spec, log)
	a.tracker = lifecycle.New(st.PlanRepo(), st.AttemptRepo(), cfg.Lifecycle, log)
	return a, nil
}

func newLocker(ctx context.Context, cfg *config.Config, log *logger.Logger) (lock.Locker, error) {
	switch cfg.Lock.Backend {
	case config.LockRedis:
		rc := cfg.Lock.Redis
		if rc.Wait == 0 {
			rc.Wait = cfg.Lock.Wait
		}
		r, err := lock.NewRedis(ctx, rc, log)
		if err != nil {
			return nil, fmt.Errorf("connect redis lock: %w", err)
		}
		return r, nil
	default:
		return lock.NewKeyed(cfg.Lock.Wait), nil
	}
}

func (a *app) close() {
	if a.log != nil {
		a.log.Sync()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}
