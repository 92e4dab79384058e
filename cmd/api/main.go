package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"livingrosary.org/internal/auth"
	"livingrosary.org/internal/config"
	"livingrosary.org/internal/httpapi"
	"livingrosary.org/internal/mystery"
	"livingrosary.org/internal/obs"
	"livingrosary.org/internal/rotation"
	"livingrosary.org/internal/schedule"
	"livingrosary.org/internal/store"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "livingrosary-api:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	log, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer obs.SetLogger(log)()

	obs.Init()
	build := obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = h.Backend.Close() }()

	signer, err := auth.NewSigner(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	catalog := mystery.Default()
	loc := cfg.Location()
	selector := rotation.NewSelector(h.Backend, catalog,
		rotation.WithHistoryWindow(cfg.Rotation.HistoryWindow),
		rotation.WithLocation(loc),
		rotation.WithSelectorLogger(log),
	)
	rotator := rotation.NewRotator(h.Backend, selector,
		rotation.WithParallelism(cfg.Rotation.Parallelism),
		rotation.WithRotatorLogger(log),
	)
	dispatcher := rotation.NewDispatcher(log)
	trigger := schedule.New(rotator, schedule.NewDayGuard(h.Ledger), schedule.Config{
		Spec:         cfg.Schedule.Spec,
		Location:     loc,
		RunHour:      cfg.Schedule.RunHour,
		PollInterval: cfg.Schedule.PollInterval,
	}, schedule.WithLogger(log))

	if cfg.Schedule.Enabled {
		if err := trigger.Start(ctx); err != nil {
			return err
		}
	} else {
		log.Info("schedule trigger disabled")
	}

	ready := httpapi.ReadyProbe{DB: h.Backend}
	api := httpapi.New(httpapi.Deps{
		Store:          h.Backend,
		Catalog:        catalog,
		Rotator:        rotator,
		Dispatcher:     dispatcher,
		Scheduler:      trigger,
		Signer:         signer,
		Ready:          ready,
		Version:        build.Version,
		Logger:         log,
		RateBurst:      cfg.HTTP.RateLimitBurst,
		RatePerSec:     cfg.HTTP.RateLimitRPS,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv, health := httpapi.NewGRPCServer(ready, 0, log)

	log.Info("starting livingrosary-api",
		zap.String("version", build.Version),
		zap.String("commit", build.Commit),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.String("store", h.Driver),
		zap.String("timezone", loc.String()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		health.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace)
		defer cancel()

		if err := trigger.Stop(shutdownCtx); err != nil {
			log.Warn("schedule trigger did not stop cleanly", zap.Error(err))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		grpcSrv.GracefulStop()
		if err := dispatcher.Wait(shutdownCtx); err != nil {
			log.Warn("background rotations still running at exit", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info("stopped")
	return err
}
