package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/access"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/admin"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/auth"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/config"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/credentials"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/database"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/jobs"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/ledger"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/limits"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/logging"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/metrics"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/registry"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/relay"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/server"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/streams"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cuerelay-api",
		Short: "Live scoreboard relay for pool and billiards streams",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("trusted-proxy-header", defaults.GetString("http.trusted_proxy_header"), "Header carrying the client IP behind a proxy")
	flags.StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "CORS origins (* allows all)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("audit-log-path", defaults.GetString("log.audit_path"), "Audit log file (stderr when empty)")
	flags.String("admin-password", "", "Admin password (overrides env)")
	flags.String("admin-password-hash", "", "Bcrypt hash of the admin password (overrides env)")
	flags.String("signing-secret", "", "Admin token signing secret (overrides env)")
	flags.Duration("access-ttl", defaults.GetDuration("admin.access_ttl"), "Admin access token lifetime")
	flags.Duration("refresh-ttl", defaults.GetDuration("admin.refresh_ttl"), "Admin refresh token lifetime")
	flags.Bool("allow-private-ip-drift", defaults.GetBool("admin.allow_private_ip_drift"), "Accept admin tokens from a different private address")
	flags.StringSlice("admin-whitelist", defaults.GetStringSlice("admin.whitelist"), "IPs, CIDR ranges or domains allowed to log in")
	flags.Int("login-attempts", defaults.GetInt("admin.login_attempts"), "Admin login attempts per window")
	flags.Duration("login-window", defaults.GetDuration("admin.login_window"), "Admin login rate limit window")
	flags.Int64("max-connections", defaults.GetInt64("relay.max_connections"), "Maximum broadcaster sockets")
	flags.Int("max-connections-per-ip", defaults.GetInt("relay.max_connections_per_ip"), "Maximum broadcaster sockets per address")
	flags.Duration("auth-timeout", defaults.GetDuration("relay.auth_timeout"), "Time a socket has to authenticate")
	flags.Duration("grace-period", defaults.GetDuration("relay.grace_period"), "Time a stream stays live after its broadcaster leaves")
	flags.Int("updates-per-window", defaults.GetInt("relay.updates_per_window"), "Accepted updates per key and window")
	flags.Duration("update-window", defaults.GetDuration("relay.update_window"), "Update rate limit window")
	flags.Int64("max-message-bytes", defaults.GetInt64("relay.max_message_bytes"), "Maximum inbound message size")
	flags.Duration("stream-retention", defaults.GetDuration("streams.retention"), "Age after which inactive streams are deleted")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.trusted_proxy_header", "trusted-proxy-header")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.audit_path", "audit-log-path")
	bindFlag(cmd, "admin.password", "admin-password")
	bindFlag(cmd, "admin.password_hash", "admin-password-hash")
	bindFlag(cmd, "admin.signing_secret", "signing-secret")
	bindFlag(cmd, "admin.access_ttl", "access-ttl")
	bindFlag(cmd, "admin.refresh_ttl", "refresh-ttl")
	bindFlag(cmd, "admin.allow_private_ip_drift", "allow-private-ip-drift")
	bindFlag(cmd, "admin.whitelist", "admin-whitelist")
	bindFlag(cmd, "admin.login_attempts", "login-attempts")
	bindFlag(cmd, "admin.login_window", "login-window")
	bindFlag(cmd, "relay.max_connections", "max-connections")
	bindFlag(cmd, "relay.max_connections_per_ip", "max-connections-per-ip")
	bindFlag(cmd, "relay.auth_timeout", "auth-timeout")
	bindFlag(cmd, "relay.grace_period", "grace-period")
	bindFlag(cmd, "relay.updates_per_window", "updates-per-window")
	bindFlag(cmd, "relay.update_window", "update-window")
	bindFlag(cmd, "relay.max_message_bytes", "max-message-bytes")
	bindFlag(cmd, "streams.retention", "stream-retention")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	auditLogger, err := logging.NewAuditLogger(appConfig.AuditLogPath)
	if err != nil {
		return err
	}
	defer auditLogger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	clock := clockwork.NewRealClock()

	keyService, err := credentials.NewService(credentials.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	streamService, err := streams.NewService(streams.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		IDProvider: ledger.NewConnectionIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	deactivated, err := streamService.DeactivateAll(ctx)
	if err != nil {
		return err
	}
	logger.Info("streams deactivated at startup", zap.Int64("count", deactivated))

	metricsRegistry := metrics.NewRegistry()
	relayMetrics := metrics.NewRelayMetrics(metricsRegistry)
	adminMetrics := metrics.NewAdminMetrics(metricsRegistry)

	connections := registry.New()
	admissions := limits.NewAdmission(appConfig.Relay.MaxConnections, appConfig.Relay.MaxConnectionsPerIP)
	updates := limits.NewUpdateLimiter(appConfig.Relay.UpdatesPerWindow, appConfig.Relay.UpdateWindow, clock)
	loginLimiter := limits.NewLoginLimiter(appConfig.Admin.LoginAttempts, appConfig.Admin.LoginWindow, clock)
	dispatcher := server.NewStreamDispatcher()

	relayHandler, err := relay.NewHandler(relay.Config{
		AuthTimeout:     appConfig.Relay.AuthTimeout,
		GracePeriod:     appConfig.Relay.GracePeriod,
		MaxMessageBytes: appConfig.Relay.MaxMessageBytes,
	}, relay.Dependencies{
		Credentials: keyService,
		Ledger:      ledgerService,
		Streams:     streamService,
		Registry:    connections,
		Admission:   admissions,
		Updates:     updates,
		Publisher:   dispatcher,
		Metrics:     relayMetrics,
		Clock:       clock,
		Logger:      logger,
		Audit:       auditLogger,
	})
	if err != nil {
		return err
	}

	adminService, err := admin.NewService(admin.ServiceConfig{
		Credentials: keyService,
		Ledger:      ledgerService,
		Registry:    connections,
		Updates:     updates,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	tokenService, err := auth.NewTokenService(auth.TokenServiceConfig{
		SigningSecret:       []byte(appConfig.Admin.SigningSecret),
		AccessTTL:           appConfig.Admin.AccessTTL,
		RefreshTTL:          appConfig.Admin.RefreshTTL,
		AllowPrivateIPDrift: appConfig.Admin.AllowPrivateIPDrift,
		Clock:               clock,
	})
	if err != nil {
		return err
	}
	passwords, err := auth.NewPasswordVerifier(appConfig.Admin.Password, appConfig.Admin.PasswordHash)
	if err != nil {
		return err
	}
	whitelist := access.NewWhitelist(access.WhitelistConfig{
		Entries: appConfig.Admin.Whitelist,
		Clock:   clock,
		Logger:  logger,
	})

	scheduler, err := jobs.NewScheduler(jobs.Config{
		StreamRetention: appConfig.StreamRetention,
	}, jobs.Dependencies{
		Sessions: tokenService,
		Streams:  streamService,
		Limiters: []jobs.Pruner{updates, loginLimiter},
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Relay:              relayHandler,
		Streams:            streamService,
		Realtime:           dispatcher,
		Admin:              adminService,
		Tokens:             tokenService,
		Passwords:          passwords,
		LoginLimiter:       loginLimiter,
		Whitelist:          whitelist,
		Sockets:            admissions.Global(),
		Metrics:            adminMetrics,
		MetricsHandler:     metrics.Handler(metricsRegistry),
		TrustedProxyHeader: appConfig.TrustedProxyHeader,
		AllowedOrigins:     appConfig.AllowedOrigins,
		Clock:              clock,
		Logger:             logger,
		Audit:              auditLogger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Bool("whitelist_enabled", whitelist.Enabled()),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	relayHandler.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("maintenance jobs did not finish before shutdown")
	}
	return runErr
}
