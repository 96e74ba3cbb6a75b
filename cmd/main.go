package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/derhornspieler/memberof/internal/config"
	"github.com/derhornspieler/memberof/internal/directory/entra"
	"github.com/derhornspieler/memberof/internal/directory/keycloakdir"
	"github.com/derhornspieler/memberof/internal/directory/ldapdir"
	"github.com/derhornspieler/memberof/internal/handler"
	"github.com/derhornspieler/memberof/internal/resolve"
	"github.com/derhornspieler/memberof/internal/server"
	"github.com/derhornspieler/memberof/internal/vault"
)

func main() {
	// Initialize structured JSON logger.
	logCfg := zap.NewProductionConfig()
	logCfg.EncoderConfig.TimeKey = "timestamp"
	logCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logCfg.EncoderConfig.StacktraceKey = "stacktrace"

	logger, err := logCfg.Build()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting memberof")

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.String("port", cfg.Port),
		zap.String("backend", cfg.Backend),
		zap.String("resolve_mode", cfg.ResolveMode),
		zap.Int("resolve_workers", cfg.ResolveWorkers),
		zap.Duration("lookup_timeout", cfg.LookupTimeout),
		zap.Duration("resolve_timeout", cfg.ResolveTimeout),
	)

	// Initialize the directory backend.
	lookup, checker, cleanup, err := buildBackend(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize directory backend", zap.Error(err))
	}
	defer cleanup()
	logger.Info("directory backend initialized", zap.String("backend", cfg.Backend))

	if cfg.RetryAttempts > 0 {
		lookup = resolve.WithRetry(lookup, uint64(cfg.RetryAttempts), cfg.RetryBase)
	}

	mode, err := resolve.ParseMode(cfg.ResolveMode)
	if err != nil {
		logger.Fatal("invalid resolve mode", zap.Error(err))
	}

	resolver := resolve.New(lookup, resolve.Options{
		Mode:          mode,
		Workers:       cfg.ResolveWorkers,
		LookupTimeout: cfg.LookupTimeout,
		MaxDepth:      cfg.MaxDepth,
	}, logger)

	// Create handlers and start the server.
	h := handler.New(cfg, resolver, checker, logger)
	srv := server.New(cfg, h, logger)

	// Graceful shutdown handling.
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal.
	sig := <-shutdownCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Give outstanding requests up to 30 seconds to complete.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("memberof stopped")
}

// buildBackend constructs the configured directory lookup, its health
// checker, and a cleanup function for shutdown.
func buildBackend(cfg *config.Config, logger *zap.Logger) (resolve.Lookup, handler.HealthChecker, func(), error) {
	noop := func() {}

	switch cfg.Backend {
	case config.BackendLDAP:
		bindDN := cfg.LDAPBindDN
		bindPassword := cfg.LDAPBindPassword
		if bindPassword == "" {
			// Pull the bind credential from Vault instead.
			vc, err := vault.NewClient(vault.Config{
				Addr:       cfg.VaultAddr,
				AuthRole:   cfg.VaultAuthRole,
				RootCAPath: cfg.VaultRootCAPath,
				SecretPath: cfg.VaultSecretPath,
			}, logger)
			if err != nil {
				return nil, nil, noop, err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			user, pass, err := vc.BindCredentials(ctx)
			if err != nil {
				return nil, nil, noop, err
			}
			if user != "" {
				bindDN = user
			}
			bindPassword = pass
			logger.Info("ldap bind credential loaded from vault")
		}

		l, err := ldapdir.New(ldapdir.Config{
			URL:          cfg.LDAPURL,
			BindDN:       bindDN,
			BindPassword: bindPassword,
			BaseDN:       cfg.LDAPBaseDN,
			GroupClass:   cfg.LDAPGroupClass,
			Timeout:      cfg.LookupTimeout,
		}, logger)
		if err != nil {
			return nil, nil, noop, err
		}
		return l, l, l.Close, nil

	case config.BackendEntra:
		l, err := entra.New(entra.Config{
			TenantID:     cfg.EntraTenantID,
			ClientID:     cfg.EntraClientID,
			ClientSecret: cfg.EntraClientSecret,
		}, logger)
		if err != nil {
			return nil, nil, noop, err
		}
		return l, l, noop, nil

	default:
		l, err := keycloakdir.New(keycloakdir.Config{
			URL:          cfg.KeycloakURL,
			Realm:        cfg.KeycloakRealm,
			ClientID:     cfg.KeycloakClientID,
			ClientSecret: cfg.KeycloakClientSecret,
		}, logger)
		if err != nil {
			return nil, nil, noop, err
		}
		return l, l, noop, nil
	}
}
