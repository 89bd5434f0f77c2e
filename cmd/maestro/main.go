package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"maestro/internal/adapter/gateway"
	"maestro/internal/adapter/llm"
	"maestro/internal/adapter/store"
	"maestro/internal/domain"
	"maestro/internal/infra/config"
	"maestro/internal/infra/logger"
	"maestro/internal/infra/tracer"
	"maestro/internal/usecase"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "encrypt":
			if err := runEncrypt(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`maestro - conversational orchestration engine

USAGE:
    maestro [COMMAND]

COMMANDS:
    encrypt VALUE  Encrypt a secret for the config file
                   (requires MAESTRO_CONFIG_KEY)

    (no command) - Run the engine with ./config.yaml

CONFIGURATION:
    Config file: ./config.yaml (override with MAESTRO_CONFIG)
    Environment: MAESTRO_* variables override config`)
}

// runEncrypt wraps a secret in an ENC[...] marker for the config file.
func runEncrypt(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: maestro encrypt VALUE")
	}
	passphrase := os.Getenv("MAESTRO_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("MAESTRO_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println(enc)
	return nil
}

func run() error {
	configPath := os.Getenv("MAESTRO_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	db, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	maintenance := store.NewMaintenance(db, cfg.Maintenance, log)
	if err := maintenance.Start(); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}
	defer maintenance.Stop()

	registry, err := llm.Build(cfg.Providers, log)
	if err != nil {
		return fmt.Errorf("build backends: %w", err)
	}

	coordinator, err := buildCoordinator(cfg, registry, db, log)
	if err != nil {
		return err
	}

	server := gateway.NewServer(cfg.Server, coordinator, registry.List(), log)

	log.Info("maestro starting", "addr", cfg.Server.Addr, "backends", registry.List())
	return server.Start(ctx)
}

// buildCoordinator wires the turn pipeline from configuration.
func buildCoordinator(cfg *config.Config, registry *llm.Registry, db *store.SQLiteStore, log *slog.Logger) (*usecase.TurnCoordinator, error) {
	generator, defaultModel, err := buildGenerator(cfg, registry, log)
	if err != nil {
		return nil, err
	}

	// The oracle is optional: without one the matcher runs on keywords only.
	var classifier domain.Classifier
	if cfg.Classifier.Provider != "" {
		base, err := registry.Classifier(cfg.Classifier.Provider)
		if err != nil {
			return nil, fmt.Errorf("classifier backend: %w", err)
		}
		classifier = llm.NewBreakerClassifier(base, cfg.Classifier.Breaker, log)
	}

	thresholds := usecase.Thresholds{
		Match:         cfg.Matcher.MatchThreshold,
		Weak:          cfg.Matcher.WeakThreshold,
		FallbackCap:   cfg.Matcher.FallbackCap,
		OracleFloor:   cfg.Matcher.OracleFloor,
		OracleCeiling: cfg.Matcher.OracleCeiling,
	}
	matcher, err := usecase.NewMatcher(classifier, thresholds, log)
	if err != nil {
		return nil, fmt.Errorf("build matcher: %w", err)
	}

	estimator, err := usecase.NewTokenEstimator()
	if err != nil {
		return nil, fmt.Errorf("build token estimator: %w", err)
	}

	pricing := usecase.NewPriceTable(pricingTiers(cfg.Pricing))
	streamer := usecase.NewResponseStreamer(generator, pricing, estimator, log)
	ledger := usecase.NewQuotaLedger(db, cfg.Quota.Limits, log)
	provisioner := usecase.NewProvisioner(db, db, generator, defaultModel, log)

	return usecase.NewTurnCoordinator(usecase.CoordinatorDeps{
		Registry:      usecase.NewRegistryLoader(db, db, log),
		Matcher:       matcher,
		Ledger:        ledger,
		Streamer:      streamer,
		Provisioner:   provisioner,
		Synthesizer:   provisioner,
		Agents:        db,
		Skills:        db,
		Conversations: db,
		DefaultModel:  defaultModel,
		HistoryLimit:  cfg.History.MaxMessages,
		Logger:        log,
	}), nil
}

// buildGenerator resolves the default backend and wraps it with failover
// when backups are configured. The returned model is the default backend's
// configured model, used when a request names none.
func buildGenerator(cfg *config.Config, registry *llm.Registry, log *slog.Logger) (domain.Generator, string, error) {
	primary, err := registry.Generator(cfg.Generator.Default)
	if err != nil {
		return nil, "", fmt.Errorf("default backend: %w", err)
	}

	defaultModel := ""
	for _, p := range cfg.Providers {
		if p.Name == cfg.Generator.Default {
			defaultModel = p.Model
		}
	}

	if len(cfg.Generator.Failover) == 0 {
		return primary, defaultModel, nil
	}

	fallbacks := make([]domain.Generator, 0, len(cfg.Generator.Failover))
	for _, name := range cfg.Generator.Failover {
		fb, err := registry.Generator(name)
		if err != nil {
			return nil, "", fmt.Errorf("failover backend: %w", err)
		}
		fallbacks = append(fallbacks, fb)
	}
	return llm.NewFailoverGenerator(primary, fallbacks, log), defaultModel, nil
}

func pricingTiers(tiers []config.PricingTier) []usecase.PricingTier {
	out := make([]usecase.PricingTier, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, usecase.PricingTier{
			ModelPrefix: t.ModelPrefix,
			InputRate:   t.InputRate,
			OutputRate:  t.OutputRate,
			CachedRate:  t.CachedRate,
		})
	}
	return out
}
