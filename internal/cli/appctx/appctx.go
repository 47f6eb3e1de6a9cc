// Package appctx provides a shared bootstrap helper for CLI commands.
// It centralizes config loading, logger setup and database opening
// to reduce boilerplate across commands.
package appctx

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lherron/cardsync/internal/config"
	"github.com/lherron/cardsync/internal/db"
	"github.com/lherron/cardsync/internal/ledger"
	"github.com/lherron/cardsync/internal/store"
)

// App holds the shared application context for commands.
type App struct {
	// Config is the loaded configuration
	Config *config.Config

	// Log is the command's logger, writing to stderr
	Log *log.Entry

	// DB is the opened database connection (nil if NeedsDB is false)
	DB *db.DB

	// Store and Ledger wrap DB
	Store  *store.Store
	Ledger *ledger.Ledger
}

// Close releases resources held by the App.
// Safe to call multiple times.
func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
		a.DB = nil
	}
}

// Options configures the bootstrap behavior.
type Options struct {
	// NeedsDB indicates whether to open the database.
	NeedsDB bool

	// SkipMigrationCheck opens the database even with pending migrations.
	SkipMigrationCheck bool
}

// DefaultOptions returns default options (DB required).
func DefaultOptions() Options {
	return Options{NeedsDB: true}
}

// RunFunc is the signature for command run functions.
type RunFunc func(app *App, cmd *cobra.Command, args []string) error

// WithApp wraps a command's run function with shared bootstrap logic.
// The database is closed automatically when the wrapped function returns.
func WithApp(opts Options, fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := Bootstrap(cmd, opts)
		if err != nil {
			return err
		}
		defer app.Close()

		return fn(app, cmd, args)
	}
}

// Bootstrap initializes the App according to the given options.
// Callers are responsible for calling App.Close() when done.
func Bootstrap(cmd *cobra.Command, opts Options) (*App, error) {
	app := &App{}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	app.Config = cfg

	if dbPath := flagValue(cmd, "db"); dbPath != "" {
		app.Config.DBPath = dbPath
	}
	if level := flagValue(cmd, "log-level"); level != "" {
		app.Config.LogLevel = level
	}

	app.Log, err = NewLogger(cmd.ErrOrStderr(), app.Config.LogLevel)
	if err != nil {
		return nil, err
	}

	if opts.NeedsDB {
		database, err := db.Open(app.Config.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		if !opts.SkipMigrationCheck {
			if err := database.RequiresMigrationError(); err != nil {
				database.Close()
				return nil, err
			}
		}

		app.DB = database
		app.Store = store.New(database)
		app.Ledger = ledger.New(database)
	}

	return app, nil
}

// NewLogger builds a text logger at the named level.
func NewLogger(w io.Writer, level string) (*log.Entry, error) {
	if w == nil {
		w = os.Stderr
	}
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger := log.New()
	logger.SetOutput(w)
	logger.SetLevel(lvl)
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return log.NewEntry(logger), nil
}

func flagValue(cmd *cobra.Command, name string) string {
	if f := cmd.Flag(name); f != nil {
		return f.Value.String()
	}
	return ""
}
