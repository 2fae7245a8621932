// Package engine wires a vlayer session: the SQLite database hosting the
// virtual tables, the vlayer module with its row source providers, the
// datasource adapters behind the sql provider and the layer catalog.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver and vtab hook

	"github.com/leapstack-labs/vlayer/internal/catalog"
	"github.com/leapstack-labs/vlayer/internal/config"
	"github.com/leapstack-labs/vlayer/pkg/rowsource"
	"github.com/leapstack-labs/vlayer/pkg/rowsource/file"
	"github.com/leapstack-labs/vlayer/pkg/rowsource/memory"
	"github.com/leapstack-labs/vlayer/pkg/rowsource/sqlsource"
	"github.com/leapstack-labs/vlayer/pkg/vlayer"

	// Datasource adapters available to the sql provider.
	_ "github.com/leapstack-labs/vlayer/pkg/adapters/duckdb"
	_ "github.com/leapstack-labs/vlayer/pkg/adapters/postgres"
	_ "github.com/leapstack-labs/vlayer/pkg/adapters/sqlite"
)

// Engine owns one database connection pool with the vlayer module installed.
type Engine struct {
	db         *sql.DB
	module     *vlayer.Module
	moduleName string
	catalog    *catalog.Store
	memory     *memory.Provider
	files      *file.Provider
	pool       *adapterPool
	layers     map[string]config.LayerConfig
	cancel     context.CancelFunc
	logger     *slog.Logger
}

// Config holds engine configuration.
type Config struct {
	// Database is the SQLite database hosting the virtual tables
	Database string
	// Catalog is the path of the layer catalog database; empty disables it
	Catalog string
	// Module is the name the vlayer module is registered under
	Module string
	// LimitWait bounds every blocking row source call
	LimitWait time.Duration
	// Datasources feed the sql provider
	Datasources map[string]config.DatasourceConfig
	// Layers are created when the engine starts
	Layers map[string]config.LayerConfig
	// Memory serves in-process layers (optional, a fresh provider if nil)
	Memory *memory.Provider
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
}

// ConfigFrom builds the engine configuration from a loaded config.
func ConfigFrom(cfg *config.Config, logger *slog.Logger) Config {
	return Config{
		Database:    cfg.Database,
		Catalog:     cfg.Catalog,
		Module:      cfg.Module,
		LimitWait:   cfg.LimitWait,
		Datasources: cfg.Datasources,
		Layers:      cfg.Layers,
		Logger:      logger,
	}
}

// New opens the session database with the vlayer module installed and
// creates the configured layers.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Database == "" {
		cfg.Database = config.DefaultDatabase
	}
	if cfg.Module == "" {
		cfg.Module = config.DefaultModule
	}
	if cfg.LimitWait <= 0 {
		cfg.LimitWait = vlayer.DefaultLimitWait
	}
	mem := cfg.Memory
	if mem == nil {
		mem = memory.New()
	}

	logger.Debug("initializing engine",
		slog.String("database", cfg.Database),
		slog.String("catalog", cfg.Catalog),
		slog.String("module", cfg.Module))

	e := &Engine{
		moduleName: cfg.Module,
		memory:     mem,
		files:      file.New(logger.With(slog.String("provider", file.ProviderName))),
		pool:       newAdapterPool(cfg.Datasources, logger),
		layers:     cfg.Layers,
		logger:     logger,
	}

	if cfg.Catalog != "" {
		store, err := catalog.Open(ctx, cfg.Catalog)
		if err != nil {
			_ = e.closeProviders()
			return nil, fmt.Errorf("failed to open catalog: %w", err)
		}
		e.catalog = store
	}

	registry := rowsource.NewRegistry(
		mem,
		e.files,
		sqlsource.New(e.pool.get, logger.With(slog.String("provider", sqlsource.ProviderName))),
	)

	baseCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	opts := []vlayer.ModuleOption{
		vlayer.WithLogger(logger),
		vlayer.WithLimitWait(cfg.LimitWait),
		vlayer.WithContext(baseCtx),
	}
	if e.catalog != nil {
		opts = append(opts, vlayer.WithCatalog(e.catalog))
	}
	e.module = vlayer.NewModule(registry, opts...)

	// The module is installed on connections opened after registration.
	if err := vlayer.Register(cfg.Module, e.module); err != nil {
		cancel()
		_ = e.closeProviders()
		return nil, err
	}

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	e.db = db

	for _, name := range sortedLayerNames(cfg.Layers) {
		if err := e.CreateLayer(ctx, name, cfg.Layers[name]); err != nil {
			_ = e.Close()
			return nil, err
		}
	}
	return e, nil
}

func openDatabase(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// CreateLayer creates the virtual table name over layer unless a table of
// that name already exists.
func (e *Engine) CreateLayer(ctx context.Context, name string, layer config.LayerConfig) error {
	stmt := layer.Statement(e.moduleName, name)
	e.logger.Debug("creating layer", slog.String("layer", name), slog.String("sql", stmt))
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create layer %s: %w", name, err)
	}
	return nil
}

// DB returns the session database.
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Module returns the vlayer module serving the session.
func (e *Engine) Module() *vlayer.Module {
	return e.module
}

// ModuleName returns the name the module is registered under.
func (e *Engine) ModuleName() string {
	return e.moduleName
}

// Catalog returns the layer catalog, or nil when it is disabled.
func (e *Engine) Catalog() *catalog.Store {
	return e.catalog
}

// Memory returns the in-process layer provider.
func (e *Engine) Memory() *memory.Provider {
	return e.memory
}

// Close releases all resources.
func (e *Engine) Close() error {
	e.logger.Debug("closing engine")

	var errs []error
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
		e.db = nil
	}
	if e.module != nil {
		vlayer.Unregister(e.moduleName)
		if live := e.module.Live(); live.Tables > 0 || live.Cursors > 0 {
			e.logger.Warn("vlayer handles still open after close",
				slog.Int("tables", live.Tables), slog.Int("cursors", live.Cursors))
		}
		e.module = nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	if err := e.closeProviders(); err != nil {
		errs = append(errs, err)
	}
	if e.catalog != nil {
		if err := e.catalog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close catalog: %w", err))
		}
		e.catalog = nil
	}
	return errors.Join(errs...)
}

func (e *Engine) closeProviders() error {
	var errs []error
	if err := e.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.files.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close file provider: %w", err))
	}
	return errors.Join(errs...)
}
