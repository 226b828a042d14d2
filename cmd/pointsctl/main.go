package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/OUGC-Network/newpoints/internal/store/gormstore"
	"github.com/OUGC-Network/newpoints/pkg/points"
)

const (
	flagDatabaseURL      = "database-url"
	flagPageSize         = "page-size"
	flagDecimalPlaces    = "decimal-places"
	flagResetValue       = "value"
	configKeyDatabaseURL = "database_url"
	defaultDatabaseURL   = "sqlite:///tmp/newpoints.db"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pointsctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pointsctl",
		Short:         "Forum points maintenance tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.PersistentFlags().Int(flagPageSize, 0, "users processed per page (0 uses the task default)")
	cmd.PersistentFlags().Int32(flagDecimalPlaces, 2, "decimal places applied to every balance mutation")

	cmd.AddCommand(newRecountCommand())
	cmd.AddCommand(newResetCommand())
	return cmd
}

func newRecountCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recount",
		Short: "Rebuild every balance from surviving visible content",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBatch(ctx, cmd, func(ctx context.Context, engine *points.BatchEngine, cursor points.RecountCursor) (points.BatchResult, error) {
				return engine.Recount(ctx, cursor)
			})
		},
	}
}

func newResetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Overwrite every balance with a fixed value",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			rawValue, err := cmd.Flags().GetString(flagResetValue)
			if err != nil {
				return err
			}
			value, err := decimal.NewFromString(rawValue)
			if err != nil {
				return fmt.Errorf("parse reset value: %w", err)
			}
			return runBatch(ctx, cmd, func(ctx context.Context, engine *points.BatchEngine, cursor points.RecountCursor) (points.BatchResult, error) {
				return engine.Reset(ctx, cursor, value)
			})
		},
	}
	cmd.Flags().String(flagResetValue, "0", "balance value written to every user")
	return cmd
}

func runBatch(ctx context.Context, cmd *cobra.Command, page func(ctx context.Context, engine *points.BatchEngine, cursor points.RecountCursor) (points.BatchResult, error)) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	databaseURL, err := resolveDatabaseURL(cmd)
	if err != nil {
		return err
	}
	gormDB, cleanup, _, err := openDatabase(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	pageSize, err := cmd.Flags().GetInt(flagPageSize)
	if err != nil {
		return err
	}
	decimalPlaces, err := cmd.Flags().GetInt32(flagDecimalPlaces)
	if err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	rules, err := points.NewRuleStore(store)
	if err != nil {
		return fmt.Errorf("rule store init: %w", err)
	}
	if err := rules.Rebuild(ctx); err != nil {
		return fmt.Errorf("rule store rebuild: %w", err)
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := points.NewService(store, rules, points.Config{DecimalPlaces: decimalPlaces}, clock)
	if err != nil {
		return fmt.Errorf("points service init: %w", err)
	}
	engine, err := points.NewBatchEngine(service, store)
	if err != nil {
		return fmt.Errorf("batch engine init: %w", err)
	}

	cursor := points.RecountCursor{Start: 0, PerPage: pageSize}
	processed := 0
	for {
		result, err := page(ctx, engine, cursor)
		if err != nil {
			return fmt.Errorf("page starting at %d: %w", cursor.Start, err)
		}
		processed += result.Processed
		logger.Info("page complete",
			zap.Int("processed", processed),
			zap.Int("total_users", result.TotalUsers),
		)
		if !result.HasMore {
			return nil
		}
		cursor = result.NextCursor
	}
}

func resolveDatabaseURL(cmd *cobra.Command) (string, error) {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
		return "", err
	}
	if err := viper.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return "", err
	}
	databaseURL := viper.GetString(configKeyDatabaseURL)
	if databaseURL == "" {
		databaseURL = defaultDatabaseURL
	}
	return databaseURL, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "newpoints.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
