package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"activity-queue/config"
	"activity-queue/monitoring"
	"activity-queue/services"
	"activity-queue/storage"
	"activity-queue/utils"
)

// App holds everything a command needs. It owns the store and closes it.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Monitor   *monitoring.Monitor
	Store     storage.Store
	Tree      *services.CategoryTree
	Admission *services.QueueAdmission
	Engine    *services.RoutingEngine
}

func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	var monitor *monitoring.Monitor
	if cfg.EnableMetrics {
		monitor = monitoring.NewMonitor()
	}

	backend, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	store := storage.NewGuardedStore(backend, cfg.StorageTimeout, monitor)

	var publisher services.Publisher
	if cfg.PubNubEnabled() {
		publisher = services.NewPubNubPublisher(services.NewPubNubClient(cfg), logger)
	} else {
		publisher = services.NewLogPublisher(logger)
	}

	tree := services.NewCategoryTree(store, logger)
	selector := services.NewWeightedSelector(services.SelectorOptions{
		Seed:           cfg.SelectorSeed,
		FloorWeight:    cfg.SelectorFloorWeight,
		TablePrecision: cfg.SelectorTablePrecision,
		TableThreshold: cfg.SelectorTableThreshold,
		Monitor:        monitor,
	})
	admission := services.NewQueueAdmission(store, publisher, logger, monitor)

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Monitor:   monitor,
		Store:     store,
		Tree:      tree,
		Admission: admission,
		Engine:    services.NewRoutingEngine(tree, selector, admission, logger, monitor),
	}

	if cfg.SeedFile != "" {
		if err := app.ApplySeedFile(ctx, cfg.SeedFile); err != nil {
			_ = app.Close()
			return nil, err
		}
	}
	return app, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StoreBackend {
	case "memory", "":
		logger.Info("using in-memory store")
		return storage.NewMemoryStore(), nil

	case "redis":
		client, err := utils.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return storage.NewRedisStore(client), nil

	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
		db, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := storage.Migrate(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("connected to postgres")
		return storage.NewPostgresStore(db), nil
	}
	return nil, fmt.Errorf("unknown store backend %q (supported: memory, redis, postgres)", cfg.StoreBackend)
}

func (a *App) ApplySeedFile(ctx context.Context, path string) error {
	seed, err := storage.LoadSeed(path)
	if err != nil {
		return err
	}
	return a.Tree.ApplySeed(ctx, seed)
}

func (a *App) Close() error {
	return a.Store.Close()
}
