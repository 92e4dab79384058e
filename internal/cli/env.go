package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"livingrosary.org/internal/config"
	"livingrosary.org/internal/mystery"
	"livingrosary.org/internal/obs"
	"livingrosary.org/internal/rotation"
	"livingrosary.org/internal/schedule"
	"livingrosary.org/internal/store"
)

// env is what a command needs once configuration and the store are open.
type env struct {
	cfg     config.Config
	log     *zap.Logger
	handle  store.Handle
	catalog *mystery.Catalog
	now     func() time.Time
	restore func()
}

func (e *env) Close() {
	if e.handle.Backend != nil {
		_ = e.handle.Backend.Close()
	}
	_ = e.log.Sync()
	e.restore()
}

// openConfig loads settings and a logger without touching the store.
func openConfig(opts *RootOptions) (*env, error) {
	cfg, err := config.Read(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	log, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:     cfg,
		log:     log,
		catalog: mystery.Default(),
		now:     time.Now,
		restore: obs.SetLogger(log),
	}, nil
}

// openEnv loads settings and opens the configured store.
func openEnv(ctx context.Context, opts *RootOptions) (*env, error) {
	e, err := openConfig(opts)
	if err != nil {
		return nil, err
	}
	h, err := store.Open(ctx, e.cfg.Store)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.handle = h
	return e, nil
}

func (e *env) rotator() *rotation.Rotator {
	selector := rotation.NewSelector(e.handle.Backend, e.catalog,
		rotation.WithHistoryWindow(e.cfg.Rotation.HistoryWindow),
		rotation.WithLocation(e.cfg.Location()),
		rotation.WithSelectorLogger(e.log),
	)
	return rotation.NewRotator(e.handle.Backend, selector,
		rotation.WithParallelism(e.cfg.Rotation.Parallelism),
		rotation.WithRotatorLogger(e.log),
	)
}

func (e *env) trigger(r schedule.Runner) *schedule.Trigger {
	return schedule.New(r, schedule.NewDayGuard(e.handle.Ledger), schedule.Config{
		Spec:         e.cfg.Schedule.Spec,
		Location:     e.cfg.Location(),
		RunHour:      e.cfg.Schedule.RunHour,
		PollInterval: e.cfg.Schedule.PollInterval,
	}, schedule.WithClock(e.now), schedule.WithLogger(e.log))
}

// emit writes v as JSON, or calls text for the text format.
func emit(cmd *cobra.Command, opts *RootOptions, v any, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		return nil
	}
	text(w)
	return nil
}
