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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/OUGC-Network/newpoints/internal/httpapi"
	"github.com/OUGC-Network/newpoints/internal/store/gormstore"
	"github.com/OUGC-Network/newpoints/pkg/points"
)

const (
	flagDatabaseURL        = "database-url"
	flagListenAddr         = "listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagDecimalPlaces      = "decimal-places"
	flagFloodLimit         = "flood-limit"
	flagFloodWindow        = "flood-window-minutes"
	flagFloodExemptGroup   = "flood-exempt-group"
	configKeyDatabaseURL   = "database_url"
	configKeyListenAddr    = "listen_addr"
	configKeyOrigins       = "allowed_origins"
	configKeyDecimalPlaces = "decimal_places"
	configKeyFloodLimit    = "flood_limit"
	configKeyFloodWindow   = "flood_window_minutes"
	configKeyFloodExempt   = "flood_exempt_group"
	defaultDatabaseURL     = "sqlite:///tmp/newpoints.db"
	defaultHTTPListenAddr  = ":9090"
)

type runtimeConfig struct {
	DatabaseURL        string
	ListenAddr         string
	AllowedOrigins     []string
	DecimalPlaces      int32
	FloodLimit         int
	FloodWindowMinutes int
	FloodExemptGroupID int64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pointsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "pointsd",
		Short:         "Forum points HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().Int32(flagDecimalPlaces, 2, "decimal places applied to every balance mutation")
	cmd.Flags().Int(flagFloodLimit, 5, "transfers allowed per sender inside the flood window")
	cmd.Flags().Int(flagFloodWindow, 15, "flood window length in minutes")
	cmd.Flags().Int64(flagFloodExemptGroup, 0, "group id exempt from the flood quota (0 disables)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyListenAddr, "HTTP_LISTEN_ADDR"); err != nil {
		return err
	}

	bindings := map[string]string{
		configKeyDatabaseURL:   flagDatabaseURL,
		configKeyListenAddr:    flagListenAddr,
		configKeyOrigins:       flagAllowedOrigins,
		configKeyDecimalPlaces: flagDecimalPlaces,
		configKeyFloodLimit:    flagFloodLimit,
		configKeyFloodWindow:   flagFloodWindow,
		configKeyFloodExempt:   flagFloodExemptGroup,
	}
	for configKey, flagName := range bindings {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultHTTPListenAddr
	}
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(viper.GetString(configKeyOrigins))
	cfg.DecimalPlaces = viper.GetInt32(configKeyDecimalPlaces)
	cfg.FloodLimit = viper.GetInt(configKeyFloodLimit)
	cfg.FloodWindowMinutes = viper.GetInt(configKeyFloodWindow)
	cfg.FloodExemptGroupID = viper.GetInt64(configKeyFloodExempt)
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	rules, err := points.NewRuleStore(store)
	if err != nil {
		return fmt.Errorf("rule store init: %w", err)
	}
	if err := rules.Rebuild(ctx); err != nil {
		return fmt.Errorf("rule store rebuild: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := points.NewService(
		store,
		rules,
		points.Config{
			DecimalPlaces:      cfg.DecimalPlaces,
			FloodLimit:         cfg.FloodLimit,
			FloodWindowMinutes: cfg.FloodWindowMinutes,
			FloodExemptGroupID: points.GroupID(cfg.FloodExemptGroupID),
		},
		clock,
		points.WithOperationLogger(points.NewZapOperationLogger(logger)),
	)
	if err != nil {
		return fmt.Errorf("points service init: %w", err)
	}

	apiConfig := httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	return httpapi.Run(ctx, apiConfig, service, logger)
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
