package app

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"reliefline/internal/config"
	"reliefline/internal/db"
	"reliefline/internal/engine"
	"reliefline/internal/geo"
	"reliefline/internal/live"
	"reliefline/internal/logging"
	"reliefline/internal/migrate"
	"reliefline/internal/store"
)

// Options selects the workspace and overrides taken from CLI flags.
type Options struct {
	Workspace string
	// LogLevel overrides log.level from reliefline.yml when set.
	LogLevel string
	// Geocoder replaces the configured provider; tests use it to avoid the network.
	Geocoder geo.Geocoder
}

// Runtime is everything a command needs to run engine operations against a
// workspace. Close releases the database and flushes the logger.
type Runtime struct {
	Workspace string
	Config    *config.Config
	Log       *zap.Logger
	DB        *sql.DB
	Dialect   db.Dialect
	Store     store.Store
	Hub       *live.Hub
	Engine    engine.Engine

	closeLog func() error
}

// EnvPath is the optional secrets file loaded before the config is applied.
func EnvPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".reliefline", ".env")
}

// Open loads config and secrets, opens and migrates the store, and builds the
// engine with its live hub and geocoder.
func Open(opts Options) (*Runtime, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	if err := godotenv.Load(EnvPath(workspace)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", EnvPath(workspace), err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logFile := cfg.Log.File
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(workspace, logFile)
	}
	log, closeLog, err := logging.New(logging.Options{Level: level, File: logFile})
	if err != nil {
		return nil, err
	}
	conn, dialect, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		_ = closeLog()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := store.NewSQL(conn, dialect)
	hub := live.NewHub(s, cfg.PollInterval(), log.Named("live"))
	geocoder := opts.Geocoder
	if geocoder == nil {
		key := os.Getenv(cfg.Geocoder.APIKeyEnv)
		if key == "" {
			log.Warn("geocoder api key not set; free-text locations will be rejected by the provider", zap.String("env", cfg.Geocoder.APIKeyEnv))
		}
		geocoder = geo.NewGoogleGeocoder(cfg.Geocoder.Endpoint, key, cfg.GeocoderTimeout())
	}
	e := engine.New(s, geo.Resolver{Geocoder: geocoder}, hub, log.Named("engine"))
	e.ConditionalUpdates = cfg.ConditionalUpdates()
	log.Debug("workspace opened",
		zap.String("workspace", workspace),
		zap.String("driver", string(dialect)),
		zap.Bool("conditional_updates", e.ConditionalUpdates))

	return &Runtime{
		Workspace: workspace,
		Config:    cfg,
		Log:       log,
		DB:        conn,
		Dialect:   dialect,
		Store:     s,
		Hub:       hub,
		Engine:    e,
		closeLog:  closeLog,
	}, nil
}

func (r *Runtime) Close() error {
	dbErr := r.DB.Close()
	if err := r.closeLog(); err != nil && dbErr == nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return dbErr
}
