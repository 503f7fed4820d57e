package main

import (
	"context"
	"errors"
	"fmt"

	"mohierarchy/internal/config"
	"mohierarchy/internal/events"
	"mohierarchy/internal/inventory"
	"mohierarchy/internal/notifier"
	"mohierarchy/internal/repositories"
	"mohierarchy/internal/services"
	"mohierarchy/pkg/database"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// app holds every long-lived dependency of one process.
type app struct {
	cfg *config.Config
	log *zap.Logger

	pool       *pgxpool.Pool
	invConn    *grpc.ClientConn
	filterConn *grpc.ClientConn
	rdb        *goredis.Client
	bus        *notifier.BusNotifier
	hub        *notifier.Hub

	store       repositories.Store
	counters    *services.Counters
	hierarchies services.HierarchyService
	levels      services.LevelService
	builder     services.BuilderService
	changes     services.ChangeService
	filter      services.FilterService
	admission   services.AdmissionService
	dispatcher  *events.Dispatcher
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (a *app, err error) {
	a = &app{cfg: cfg, log: log, hub: notifier.NewHub(log), counters: services.NewCounters()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.pool, err = database.NewPool(ctx, cfg.DatabaseURL, log); err != nil {
		return nil, err
	}
	if a.invConn, err = inventory.Dial(cfg.InventoryAddr); err != nil {
		return nil, fmt.Errorf("dial inventory: %w", err)
	}
	if a.filterConn, err = inventory.Dial(cfg.FilterAddr); err != nil {
		return nil, fmt.Errorf("dial filter service: %w", err)
	}
	if a.rdb, err = notifier.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
		return nil, err
	}
	a.bus = notifier.NewBusNotifier(notifier.NewRedisBus(a.rdb, cfg.NotifyChannel, log), a.hub, log)

	retry := inventory.DefaultRetry()
	inv := inventory.NewClient(a.invConn, retry, log)
	search := inventory.NewFilterClient(a.filterConn, retry, log)
	keys := services.NewKeyResolver(inv)

	a.store = repositories.NewStore(a.pool)
	a.hierarchies = services.NewHierarchyService(a.store, a.bus, log)
	a.levels = services.NewLevelService(a.store, inv, keys, a.bus, log)
	a.builder = services.NewBuilderService(a.store, inv, keys, a.bus, a.counters, cfg.BuildFlushSize, log)
	a.changes = services.NewChangeService(a.store, keys, a.bus, a.counters, log)
	a.filter = services.NewFilterService(a.store, inv, search, log)
	a.admission = services.NewAdmissionService(a.store, a.builder, a.bus, a.counters, log,
		services.WithThreshold(cfg.RebuildThreshold),
		services.WithProbeInterval(cfg.RebuildProbeInterval),
	)
	a.dispatcher = events.NewDispatcher(a.admission, a.changes, log)
	return a, nil
}

func (a *app) close() {
	var errs []error
	if a.filterConn != nil {
		errs = append(errs, a.filterConn.Close())
	}
	if a.invConn != nil {
		errs = append(errs, a.invConn.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("closing dependencies", zap.Error(err))
	}
}
