package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/accessibility"
	"github.com/nidhogg/nuka-memory/internal/config"
	"github.com/nidhogg/nuka-memory/internal/consolidation"
	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/recall"
	"github.com/nidhogg/nuka-memory/internal/retention"
	"github.com/nidhogg/nuka-memory/internal/signals"
	pgstore "github.com/nidhogg/nuka-memory/internal/store"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// app is the wired set of components shared by every command.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	engine     *consolidation.Engine
	recall     *recall.Service
	dispatcher *consolidation.Dispatcher
	closers    []func()
}

// loadConfig reads the config file. A missing default file falls back to the
// built-in defaults; a missing explicit file is an error.
func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if configPath == "" && os.Getenv("CONFIG_PATH") == "" && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

// newApp loads configuration and connects every configured backend. Optional
// backends that cannot be reached are logged and replaced by in-process
// fallbacks, except the node store, which must come up when configured.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	eng := cfg.Engine

	nodes, err := a.openNodeStore(ctx)
	if err != nil {
		return err
	}
	history := a.openHistory(ctx)
	guard := a.openGuard()

	// Embeddings
	cache := embedding.NewCache(eng.VectorCacheSize)
	provider, err := embedding.New(cfg.Embedding)
	if err != nil {
		return err
	}
	var (
		embedder consolidation.Embedder
		searcher recall.VectorSearcher
		indexers = []consolidation.Indexer{cache}
	)
	if provider != nil {
		embedder = provider
		if coll := a.openCollection(ctx, provider.Dimension()); coll != nil {
			indexers = append(indexers, coll)
			searcher = coll
		}
		logger.Info("embeddings enabled",
			zap.String("provider", cfg.Embedding.Provider),
			zap.String("model", cfg.Embedding.Model))
	}
	a.dispatcher = consolidation.NewDispatcher(embedder, 0, logger, indexers...)
	similarity := memory.NewSimilarity(cache)

	// Engine components
	strength, err := memory.NewStrengthModel(eng.Strength)
	if err != nil {
		return err
	}
	scheduler, err := retention.NewScheduler(eng.Retention)
	if err != nil {
		return err
	}
	machine, err := accessibility.NewMachine(eng.Accessibility, strength)
	if err != nil {
		return err
	}
	importance, err := signals.NewImportance(eng.Importance)
	if err != nil {
		return err
	}
	tags, err := signals.NewTaggingSystem(eng.Tagging, logger)
	if err != nil {
		return err
	}
	emotion, err := signals.NewEmotionalMemory(eng.Emotion)
	if err != nil {
		return err
	}

	a.engine, err = consolidation.NewEngine(consolidation.Options{
		Store:      nodes,
		History:    history,
		Guard:      guard,
		Strength:   strength,
		Scheduler:  scheduler,
		Machine:    machine,
		Scorer:     importance,
		Tags:       tags,
		Emotion:    emotion,
		Similarity: similarity,
		Dispatcher: a.dispatcher,
		Dream:      eng.Dream,
		Sleep:      eng.Sleep,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	a.recall, err = recall.NewService(recall.Options{
		Store:      nodes,
		Strength:   strength,
		Scheduler:  scheduler,
		Machine:    machine,
		Scorer:     importance,
		Tags:       tags,
		Similarity: similarity,
		Dispatcher: a.dispatcher,
		Gate:       a.engine.Gate(),
		Embedder:   embedder,
		Searcher:   searcher,
		Logger:     logger,
	})
	return err
}

func (a *app) openNodeStore(ctx context.Context) (memory.NodeStore, error) {
	neo := a.cfg.Database.Neo4j
	if neo.URI == "" {
		a.logger.Warn("neo4j not configured, nodes are kept in memory")
		return memory.NewMemStore(), nil
	}
	s, err := memory.NewNeo4jStore(neo.URI, neo.User, neo.Password, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = s.Close(context.Background()) })
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("neo4j %s: %w", neo.URI, err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("neo4j schema: %w", err)
	}
	a.logger.Info("neo4j node store ready", zap.String("uri", neo.URI))
	return s, nil
}

// openHistory prefers PostgreSQL, then SQLite, then memory.
func (a *app) openHistory(ctx context.Context) consolidation.HistoryStore {
	db := a.cfg.Database
	if db.Postgres.DSN != "" {
		ps, err := pgstore.New(ctx, db.Postgres.DSN, a.logger)
		if err != nil {
			a.logger.Warn("PostgreSQL unavailable, trying SQLite history", zap.Error(err))
		} else if err := ps.Migrate(ctx, db.Postgres.MigrationsDir); err != nil {
			ps.Close()
			a.logger.Warn("PostgreSQL migration failed, trying SQLite history", zap.Error(err))
		} else {
			a.closers = append(a.closers, ps.Close)
			return ps
		}
	}
	if db.SQLite.Path != "" {
		s, err := pgstore.OpenSQLite(db.SQLite.Path, a.logger)
		if err == nil {
			a.closers = append(a.closers, func() { _ = s.Close() })
			return s
		}
		a.logger.Warn("SQLite history unavailable", zap.String("path", db.SQLite.Path), zap.Error(err))
	}
	a.logger.Warn("no history database configured, cycle history is kept in memory")
	return consolidation.NewMemHistory()
}

func (a *app) openGuard() consolidation.Guard {
	r := a.cfg.Database.Redis
	if r.URL == "" {
		return consolidation.NewLocalGuard()
	}
	g, err := consolidation.NewRedisGuard(r.URL, r.LockKey, r.LockTTL(), a.logger)
	if err != nil {
		a.logger.Warn("Redis unavailable, cycle guard is process-local", zap.Error(err))
		return consolidation.NewLocalGuard()
	}
	a.closers = append(a.closers, func() { _ = g.Close() })
	return g
}

func (a *app) openCollection(ctx context.Context, dim int) *vectorstore.Collection {
	q := a.cfg.Database.Qdrant
	if q.Host == "" {
		return nil
	}
	if dim <= 0 {
		a.logger.Warn("qdrant configured but embedding dimension unknown, set embedding.dimension")
		return nil
	}
	client, err := vectorstore.NewClient(q)
	if err != nil {
		a.logger.Warn("Qdrant unavailable, vectors are cached only", zap.Error(err))
		return nil
	}
	coll, err := vectorstore.NewCollection(ctx, client, q.Collection, dim, a.logger)
	if err != nil {
		_ = client.Close()
		a.logger.Warn("Qdrant collection unavailable, vectors are cached only", zap.Error(err))
		return nil
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	return coll
}

// Close waits briefly for background embedding jobs and releases every
// backend in reverse order.
func (a *app) Close() {
	if a.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.dispatcher.Wait(ctx); err != nil {
			a.logger.Warn("embedding jobs still running at shutdown", zap.Error(err))
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
