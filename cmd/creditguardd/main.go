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

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/craudiovizai/creditguard/internal/httpserver"
	"github.com/craudiovizai/creditguard/internal/store/gormstore"
	"github.com/craudiovizai/creditguard/pkg/guard"
)

const (
	flagDatabaseURL         = "database-url"
	flagListenAddr          = "listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagSessionSigningKey   = "session-signing-key"
	flagSessionIssuer       = "session-issuer"
	flagSessionCookie       = "session-cookie"
	flagBypassMode          = "bypass-mode"
	flagInternalOrgIDs      = "internal-org-ids"
	flagInternalEmailDomain = "internal-email-domain"
	flagBypassDisabled      = "bypass-disabled"
	flagAIApplyCost         = "ai-apply-cost"

	defaultDatabaseURL = "sqlite://creditguard.db"
)

type runtimeConfig struct {
	DatabaseURL string
	Server      httpserver.Config
}

// envBindings maps viper config keys to the environment variables the
// deployment exposes.
var envBindings = map[string]string{
	flagDatabaseURL:         "DATABASE_URL",
	flagListenAddr:          "LISTEN_ADDR",
	flagAllowedOrigins:      "ALLOWED_ORIGINS",
	flagSessionSigningKey:   "SESSION_SIGNING_KEY",
	flagSessionIssuer:       "SESSION_ISSUER",
	flagSessionCookie:       "SESSION_COOKIE_NAME",
	flagBypassMode:          "INTERNAL_BYPASS_MODE",
	flagInternalOrgIDs:      "INTERNAL_UNLIMITED_ORG_IDS",
	flagInternalEmailDomain: "INTERNAL_EMAIL_DOMAIN",
	flagBypassDisabled:      "INTERNAL_BYPASS_DISABLED",
	flagAIApplyCost:         "AI_APPLY_COST",
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditguardd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditguardd",
		Short:         "Credit metering and billing guard API",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "TAuth session signing key (required)")
	cmd.Flags().String(flagSessionIssuer, "", "session JWT issuer")
	cmd.Flags().String(flagSessionCookie, "", "session cookie name")
	cmd.Flags().String(flagBypassMode, "none", "internal bypass mode (none, credits, all)")
	cmd.Flags().String(flagInternalOrgIDs, "", "comma-delimited org ids allowed to bypass billing")
	cmd.Flags().String(flagInternalEmailDomain, "", "staff email domain for bypass checks")
	cmd.Flags().Bool(flagBypassDisabled, false, "kill switch that disables all bypass")
	cmd.Flags().Int64(flagAIApplyCost, 10, "credit cost override for ai_apply")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for flagName, envName := range envBindings {
		if err := v.BindEnv(flagName, envName); err != nil {
			return err
		}
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = v.GetString(flagDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.Server = httpserver.Config{
		ListenAddr:          v.GetString(flagListenAddr),
		AllowedOrigins:      httpserver.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey:   v.GetString(flagSessionSigningKey),
		SessionIssuer:       v.GetString(flagSessionIssuer),
		SessionCookieName:   v.GetString(flagSessionCookie),
		BypassMode:          v.GetString(flagBypassMode),
		InternalOrgIDsCSV:   v.GetString(flagInternalOrgIDs),
		InternalEmailDomain: v.GetString(flagInternalEmailDomain),
		BypassDisabled:      v.GetBool(flagBypassDisabled),
		AIApplyCost:         v.GetInt64(flagAIApplyCost),
	}
	return cfg.Server.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := gormstore.AutoMigrate(gormDB); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	store := gormstore.New(gormDB)
	policy := guard.NewPolicyConfig(
		cfg.Server.BypassMode,
		cfg.Server.InternalOrgIDsCSV,
		cfg.Server.InternalEmailDomain,
		cfg.Server.BypassDisabled,
	)
	service, err := guard.NewGuard(store, policy)
	if err != nil {
		return fmt.Errorf("guard init: %w", err)
	}

	catalogue := guard.NewCatalogue(map[string]int64{"ai_apply": cfg.Server.AIApplyCost})
	return httpserver.Run(ctx, cfg.Server, service, store, catalogue)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
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
			path = "creditguard.db"
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
