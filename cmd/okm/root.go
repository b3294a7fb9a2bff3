package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/okm-core/internal/infrastructure/config"
	"github.com/nerrad567/okm-core/internal/infrastructure/database"
	"github.com/nerrad567/okm-core/internal/infrastructure/logging"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "okm",
		Short:         "RFID lock controller for workshop machines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"config file (default $"+configEnvVar+" or "+defaultConfigPath+")")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log", "",
		"override logging.level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(opts),
		newRecoverCmd(opts),
		newMigrateCmd(opts),
		newTokenCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// resolveConfigPath applies flag, then environment, then default.
func (o *rootOptions) resolveConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	return defaultConfigPath
}

// load reads the configuration and builds the logger it describes.
func (o *rootOptions) load() (*config.Config, *logging.Logger, error) {
	path := o.resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(cfg.Logging, version)
	if o.logLevel != "" {
		log.SetLevel(o.logLevel)
	}
	log.Debug("configuration loaded", "path", path)
	return cfg, log, nil
}

// openDatabase opens the configured database. Migrations are left to the
// caller.
func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// closeDatabase is deferred by every command that opens the database.
func closeDatabase(db *database.DB, log *logging.Logger) {
	if err := db.Close(); err != nil {
		log.Error("error closing database", "error", err)
	}
}
