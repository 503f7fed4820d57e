package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"mohierarchy/internal/config"
	"mohierarchy/internal/handlers"
	"mohierarchy/internal/jobs/background"
	"mohierarchy/pkg/database"
	"mohierarchy/pkg/logger"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

// CLI is the top-level command structure.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Serve the ops API and run background rebuilds."`
	Rebuild RebuildCmd `cmd:"" help:"Rebuild one hierarchy, or every owed one, and exit."`
	Migrate MigrateCmd `cmd:"" help:"Apply the database schema and exit."`
}

type ServeCmd struct{}

func (cmd *ServeCmd) Run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.bus.Start(ctx); err != nil {
		return fmt.Errorf("start notifier: %w", err)
	}

	jobs, err := background.NewJobScheduler(a.admission, cfg.RebuildDrainInterval, log)
	if err != nil {
		return err
	}
	jobs.Start()
	// orders left behind by a previous process are drained right away
	if err := jobs.RunNow(background.JobOwedRebuildDrain); err != nil {
		log.Warn("initial drain", zap.Error(err))
	}

	checks := map[string]handlers.Check{
		"database": a.pool.Ping,
		"redis":    func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() },
	}
	e := handlers.NewServer(handlers.Handlers{
		Health:      handlers.NewHealthHandlers(checks, a.counters, jobs, version),
		Hierarchies: handlers.NewHierarchyHandlers(a.hierarchies, a.admission),
		Levels:      handlers.NewLevelHandlers(a.levels, a.hierarchies),
		Children:    handlers.NewChildrenHandlers(a.filter),
		Events:      handlers.NewEventHandlers(a.dispatcher, a.hub, log),
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr), zap.String("version", version))
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		return errors.Join(e.Shutdown(shutdownCtx), jobs.Stop())
	})
	return g.Wait()
}

type RebuildCmd struct {
	HierarchyID int64 `arg:"" optional:"" help:"Hierarchy to rebuild. Without it every owed rebuild runs."`
}

func (cmd *RebuildCmd) Run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	if cmd.HierarchyID == 0 {
		return a.admission.RunOwedRebuilds(ctx)
	}
	if _, err := a.hierarchies.GetByID(ctx, cmd.HierarchyID); err != nil {
		return err
	}
	return a.admission.RunRebuild(ctx, cmd.HierarchyID)
}

type MigrateCmd struct{}

func (cmd *MigrateCmd) Run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	pool, err := database.NewPool(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		return err
	}
	log.Info("schema applied")
	return nil
}

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("mohierarchy"),
		kong.Description("Hierarchy projections over the managed-object inventory."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Bind(cfg, log),
	)
	if err := kctx.Run(); err != nil {
		log.Error("command failed", zap.String("command", kctx.Command()), zap.Error(err))
		stop()
		logger.Sync()
		os.Exit(1)
	}
}
