package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/recall/internal/api"
	"github.com/nidhogg/recall/internal/config"
	"github.com/nidhogg/recall/internal/embedding"
	"github.com/nidhogg/recall/internal/graph"
	"github.com/nidhogg/recall/internal/memory"
	"github.com/nidhogg/recall/internal/retrieval"
	"github.com/nidhogg/recall/internal/sessionlog"
	"github.com/nidhogg/recall/internal/store"
	"github.com/nidhogg/recall/internal/vectorstore"
)

// backend is what every memory store offers the process.
type backend interface {
	memory.Store
	memory.Writer
}

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/recall.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting recall...", zap.String("config", cfgPath))

	ctx := context.Background()
	var closers []func()

	// Initialize memory store
	var (
		db       backend
		searcher memory.VectorSearcher
		checks   = map[string]api.Pinger{}
	)
	switch {
	case cfg.Database.Postgres.DSN != "":
		pg, err := store.NewPostgres(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Fatal("PostgreSQL unavailable", zap.Error(err))
		}
		if err := pg.Migrate(ctx, cfg.Database.Postgres.MigrationsDir); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		db, searcher = pg, pg
		checks["postgres"] = pg
		closers = append(closers, pg.Close)
	case cfg.Database.SQLite.Path != "":
		lite, err := store.NewSQLite(ctx, cfg.Database.SQLite.Path, logger)
		if err != nil {
			logger.Fatal("SQLite unavailable", zap.Error(err))
		}
		db = lite
		checks["sqlite"] = lite
		closers = append(closers, lite.Close)
	default:
		logger.Warn("no database configured, memories live in process only")
		db = memory.NewInMemoryStore(logger)
	}

	// Initialize embedding provider
	provider, err := embedding.New(cfg.Embedding, logger)
	if err != nil {
		logger.Fatal("embedding provider", zap.Error(err))
	}
	if provider == nil {
		logger.Warn("no embedding provider configured, ranking by entity match only")
	}
	if c, ok := provider.(*embedding.Cached); ok {
		closers = append(closers, c.Close)
	}

	if cfg.SeedFile != "" {
		seed, err := memory.LoadSeed(cfg.SeedFile)
		if err != nil {
			logger.Fatal("failed to load seed", zap.Error(err))
		}
		var embedder memory.Embedder
		if provider != nil {
			embedder = provider
		}
		if err := seed.Apply(ctx, db, embedder); err != nil {
			logger.Fatal("failed to apply seed", zap.Error(err))
		}
		logger.Info("Seed applied",
			zap.String("path", cfg.SeedFile),
			zap.Int("entities", len(seed.Entities)),
			zap.Int("memories", len(seed.Memories)))
	}

	var engineStore memory.Store = db

	// Entity graph
	if nc := cfg.Database.Neo4j; nc.URI != "" {
		dir, err := graph.New(nc.URI, nc.User, nc.Password, logger)
		if err == nil {
			err = dir.Ping(ctx)
		}
		if err != nil {
			logger.Warn("Neo4j unavailable, resolving entities from the store", zap.Error(err))
		} else {
			if err := dir.EnsureSchema(ctx); err != nil {
				logger.Fatal("neo4j schema", zap.Error(err))
			}
			if nc.SyncOnStart {
				if err := dir.Sync(ctx, db); err != nil {
					logger.Fatal("neo4j sync", zap.Error(err))
				}
			}
			engineStore = graph.NewOverlay(db, dir)
			checks["neo4j"] = dir
			closers = append(closers, func() { dir.Close(context.Background()) })
			logger.Info("Entity graph enabled", zap.String("uri", nc.URI))
		}
	}

	// Vector index
	if qc := cfg.Database.Qdrant; qc.Host != "" {
		idx, err := vectorstore.NewIndex(vectorstore.QdrantConfig{
			Host:       qc.Host,
			Port:       qc.Port,
			Collection: qc.Collection,
			Dimension:  cfg.Embedding.Dimension,
		}, db, logger)
		if err != nil {
			logger.Fatal("qdrant client", zap.Error(err))
		}
		if err := idx.EnsureCollection(ctx); err != nil {
			logger.Fatal("qdrant collection", zap.Error(err))
		}
		if qc.SyncOnStart {
			if err := idx.Sync(ctx, db); err != nil {
				logger.Fatal("qdrant sync", zap.Error(err))
			}
		}
		searcher = idx
		closers = append(closers, func() { idx.Close() })
		logger.Info("Qdrant search enabled", zap.String("collection", qc.Collection))
	}

	engine := retrieval.NewEngine(engineStore, provider, cfg.EngineConfig(), logger)
	if searcher != nil {
		engine.SetSearcher(searcher)
	}

	// Session log
	var sessions api.SessionReader
	if rc := cfg.Database.Redis; rc.URL != "" {
		stream, err := sessionlog.New(ctx, rc.URL, rc.MaxLen, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without session log", zap.Error(err))
		} else {
			engine.SetSessionLogger(stream)
			sessions = stream
			checks["redis"] = stream
			closers = append(closers, func() { stream.Close() })
		}
	}

	// Build HTTP handler
	handler := api.NewHandler(engine, retrieval.NewLedger(engineStore, logger), sessions, logger)
	handler.SetAllowedOrigins(cfg.Server.AllowedOrigins)
	for name, p := range checks {
		handler.AddHealthCheck(name, p)
	}

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("recall listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down recall...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		zc := zap.NewProductionConfig()
		if lvl, perr := zap.ParseAtomicLevel(level); perr == nil {
			zc.Level = lvl
		}
		logger, err = zc.Build()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
