package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cryptofiat/native/peg"
	"cryptofiat/observability/logging"
	telemetry "cryptofiat/observability/otel"
	"cryptofiat/services/pegd/config"
	"cryptofiat/services/pegd/issuance"
	"cryptofiat/services/pegd/server"
	"cryptofiat/services/pegd/storage"
)

func main() {
	var (
		cfgPath                       string
		allowInsecureBearerWithoutTLS bool
	)
	flag.StringVar(&cfgPath, "config", "services/pegd/config.yaml", "path to pegd configuration file")
	flag.BoolVar(&allowInsecureBearerWithoutTLS, "allow-insecure-bearer-without-tls", false, "allow admin bearer authentication without TLS (dev only)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("PEGD_ENV"))
	logger := logging.Setup("pegd", env, logging.FileFromEnv("pegd"))
	if err := run(logger, env, cfgPath, allowInsecureBearerWithoutTLS); err != nil {
		logger.Error("pegd: exiting", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, env, cfgPath string, allowInsecure bool) error {
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("pegd", env))
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("pegd: telemetry shutdown", "error", err)
		}
	}()

	var loadOptions []config.Option
	if allowInsecure {
		if env != "dev" {
			return errors.New("--allow-insecure-bearer-without-tls requires PEGD_ENV=dev")
		}
		logger.Warn("pegd: allowing admin bearer token without TLS (development override)")
		loadOptions = append(loadOptions, config.WithAllowInsecureBearerWithoutTLS())
	}
	cfg, err := config.Load(cfgPath, loadOptions...)
	if err != nil {
		return err
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		return err
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	engineCfg, err := engineConfig(cfg.Engine, logger)
	if err != nil {
		return err
	}
	svc, err := issuance.New(engineCfg, store, logger)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := svc.Bootstrap(ctx); err != nil {
		return err
	}

	policy := storage.Policy{
		ID:        cfg.Policy.ID,
		BuyLimit:  config.Limit(cfg.Policy.BuyLimit),
		SellLimit: config.Limit(cfg.Policy.SellLimit),
		Window:    cfg.Policy.Window.Duration,
	}
	if _, err := store.GetPolicy(ctx, policy.ID); errors.Is(err, storage.ErrNotFound) {
		if err := store.SavePolicy(ctx, policy); err != nil {
			logger.Warn("pegd: save policy", "error", err)
		}
	}

	adminAuth, err := server.NewAdminAuthenticator(server.AdminAuthConfig{
		BearerToken:    cfg.Admin.BearerToken,
		AllowMTLS:      cfg.Admin.MTLS.Enabled,
		ClientSubjects: cfg.Admin.MTLS.AllowedSubjects,
	}, logger)
	if err != nil {
		return err
	}
	investors, err := server.NewInvestorAuthenticator(server.InvestorAuthConfig{
		Secret:    os.Getenv(cfg.Investors.JWTSecretEnv),
		Issuer:    cfg.Investors.Issuer,
		Audience:  cfg.Investors.Audience,
		ClockSkew: cfg.Investors.ClockSkew.Duration,
	}, logger)
	if err != nil {
		return err
	}

	tlsConfig, err := adminTLS(cfg.Admin)
	if err != nil {
		return err
	}
	srv, err := server.New(server.Config{
		ListenAddress:  cfg.ListenAddress,
		PolicyID:       policy.ID,
		NativeDecimals: *cfg.Engine.NativeDecimals,
		TLS: server.TLSConfig{
			Disabled: cfg.Admin.TLS.Disable,
			CertFile: cfg.Admin.TLS.CertPath,
			KeyFile:  cfg.Admin.TLS.KeyPath,
			Config:   tlsConfig,
		},
	}, server.Deps{
		Service:   svc,
		Storage:   store,
		AdminAuth: adminAuth,
		Investors: investors,
		Limiter:   server.NewInvestorLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Info("pegd: starting",
		"administrator", engineCfg.Administrator.Address().Hex(),
		logging.MaskField("admin_bearer_token", cfg.Admin.BearerToken),
		"admin_mtls", cfg.Admin.MTLS.Enabled,
		"rebalance_policy", cfg.Engine.RebalancePolicy)
	return srv.Run(rootCtx)
}

func engineConfig(cfg config.EngineConfig, logger *slog.Logger) (peg.Config, error) {
	admin, err := peg.NewAdministrator(cfg.AdministratorAddress())
	if err != nil {
		return peg.Config{}, err
	}
	rates, err := cfg.EngineRates()
	if err != nil {
		return peg.Config{}, err
	}
	policy, err := peg.PolicyByName(cfg.RebalancePolicy)
	if err != nil {
		return peg.Config{}, err
	}
	fees := peg.FeeSchedule{BufferBps: *cfg.BufferFeeBps, DividendBps: *cfg.DividendFeeBps}
	return peg.Config{
		Administrator: admin,
		Rates:         rates,
		Fees:          &fees,
		NativeUnit:    peg.NativeUnit(*cfg.NativeDecimals),
		Policy:        policy,
		Logger:        logger,
	}, nil
}

func adminTLS(cfg config.AdminConfig) (*tls.Config, error) {
	if cfg.TLS.Disable {
		return nil, nil
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.MTLS.Enabled {
		caData, err := os.ReadFile(cfg.MTLS.ClientCAPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, errors.New("parse admin client CA: " + cfg.MTLS.ClientCAPath)
		}
		tlsConfig.ClientCAs = pool
		// Investor routes share the listener, so client certificates are
		// verified when presented rather than required.
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsConfig, nil
}
