package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"admitq/internal/admission"
	"admitq/internal/beat"
	"admitq/internal/config"
	"admitq/internal/db"
	"admitq/internal/events"
	"admitq/internal/executor"
	"admitq/internal/history"
	"admitq/internal/logging"
	"admitq/internal/metrics"
	"admitq/internal/models"
	"admitq/internal/resources"
	"admitq/internal/scheduler"
	"admitq/internal/web"
)

const Version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--version", "version":
		fmt.Printf("admitq version %s\n", Version)
	case "serve":
		runServe(os.Args[2:])
	case "check":
		os.Exit(runCheck(os.Args[2:]))
	case "token":
		runToken(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: admitq <serve|check|token|version> [args]")
}

// loadConfig layers defaults, the config file and the environment, and
// returns a flag set bound to the result. Callers add their own flags,
// parse, then validate.
func loadConfig(name string, args []string) (*config.Config, *flag.FlagSet, error) {
	configPath, err := config.ResolveConfigPath(args)
	if err != nil {
		return nil, nil, err
	}
	fileCfg, err := config.LoadFileConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg := config.DefaultConfig()
	if err := config.ApplyFileConfig(cfg, fileCfg); err != nil {
		return nil, nil, err
	}
	if err := config.ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, nil, err
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.String("config", configPath, "Path to admitq config file")
	cfg.BindFlags(fs)
	return cfg, fs, nil
}

func parseAndValidate(cfg *config.Config, fs *flag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
}

func runServe(args []string) {
	cfg, fs, err := loadConfig("serve", args)
	if err != nil {
		log.Fatal(err)
	}
	parseAndValidate(cfg, fs, args)

	instance, _ := os.Hostname()
	logger, err := logging.Init(cfg.LogLevel, cfg.LogFormat, instance)
	if err != nil {
		log.Fatal(err)
	}
	mode, _ := cfg.AdmissionMode()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	provider := resources.NewHostProvider(cfg.CPUSampleInterval)
	controller := admission.NewController(provider, mode, logger)
	broker := events.NewBroker(cfg.SubscriberBuffer, logger)

	schedOpts := scheduler.Options{
		Admission:       controller,
		Broker:          broker,
		Logger:          logger,
		CheckInterval:   cfg.CheckInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	var store *history.PostgresStore
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal(logger, "Database unavailable", err)
		}
		defer pool.Close()
		store = history.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			fatal(logger, "History schema setup failed", err)
		}
		schedOpts.Archive = store
	}
	sched, err := scheduler.New(schedOpts)
	if err != nil {
		fatal(logger, "Scheduler setup failed", err)
	}

	catalog, err := executor.NewCatalog(cfg.Jobs, cfg.AllowedJobs, &executor.Executor{MaxLogSize: cfg.MaxOutputBytes})
	if err != nil {
		fatal(logger, "Invalid job catalog", err)
	}
	periodic, err := beat.New(cfg.Periodic, sched, catalog, logger)
	if err != nil {
		fatal(logger, "Invalid periodic schedule", err)
	}

	srv, err := buildServer(cfg, sched, catalog, store, logger)
	if err != nil {
		fatal(logger, "HTTP server setup failed", err)
	}

	logger.Info("Starting admitq",
		"version", Version,
		"mode", mode.Name,
		"jobs", len(catalog.Names()),
		"periodic", len(cfg.Periodic),
		"history", store != nil,
	)
	startMemoryLogger(ctx, logger, memoryLogIntervalFromEnv(logger, os.Getenv), sched)
	go events.RunHeartbeat(ctx, broker, sched, cfg.HeartbeatInterval, logger)
	metrics.StartCollector(ctx, sched, cfg.MetricsInterval, logger)
	go periodic.Start(ctx)
	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	if err := sched.Start(ctx); err != nil {
		fatal(logger, "Dispatcher stopped", err)
	}
}

func buildServer(cfg *config.Config, sched *scheduler.Scheduler, catalog *executor.Catalog, store *history.PostgresStore, logger *slog.Logger) (*web.Server, error) {
	allowlist, err := web.ParseCIDRAllowlist(cfg.Auth.AllowCIDRs)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := web.TLSFiles{Cert: cfg.TLS.Cert, Key: cfg.TLS.Key, ClientCA: cfg.TLS.ClientCA}.Config()
	if err != nil {
		return nil, err
	}
	clientAuth := tlsConfig != nil && tlsConfig.ClientAuth == tls.RequireAndVerifyClientCert
	if cfg.Auth.Secret == "" && !isLoopbackAddr(cfg.ListenAddr) && allowlist == nil && !clientAuth {
		logger.Warn("API has no auth; every caller is an admin. Bind to localhost or set an auth secret", "addr", cfg.ListenAddr)
	}
	if cfg.Auth.AllowQueryToken {
		logger.Warn("Legacy ?token= query authentication is enabled on the task event stream")
	}

	opts := web.Options{
		Addr:            cfg.ListenAddr,
		Scheduler:       sched,
		Catalog:         catalog,
		Tokens:          web.NewTokens(cfg.Auth.Secret, cfg.Auth.StreamTokenTTL),
		AllowQueryToken: cfg.Auth.AllowQueryToken,
		AuthLimit:       cfg.Auth.Limit,
		AuthWindow:      cfg.Auth.Window,
		AuthMaxEntries:  cfg.Auth.MaxEntries,
		Allowlist:       allowlist,
		TLS:             tlsConfig,
		Logger:          logger,
	}
	if store != nil {
		opts.History = store
		opts.Health = store
	}
	return web.NewServer(opts)
}

// runCheck prints the admission decision for one task type and exits 0 when
// it would run now, 2 when it would queue.
func runCheck(args []string) int {
	cfg, fs, err := loadConfig("check", args)
	if err != nil {
		log.Fatal(err)
	}
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: admitq check [flags] <%s|%s|%s>\n", models.TaskBacktest, models.TaskModelTraining, models.TaskPrediction)
		fs.PrintDefaults()
	}
	parseAndValidate(cfg, fs, args)
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}
	taskType, err := models.ParseTaskType(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	mode, _ := cfg.AdmissionMode()
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat, "")
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	controller := admission.NewController(resources.NewHostProvider(time.Second), mode, logger)
	decision := controller.Evaluate(ctx, taskType)
	out := struct {
		Decision  admission.Decision `json:"decision"`
		Resources admission.Summary  `json:"resources"`
	}{decision, admission.Summarize(decision.Snapshot, mode)}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatal(err)
	}
	if !decision.Approved {
		return 2
	}
	return 0
}

// runToken prints an identity token signed with the configured secret.
func runToken(args []string) {
	cfg, fs, err := loadConfig("token", args)
	if err != nil {
		log.Fatal(err)
	}
	user := fs.String("user", "", "User ID the token acts as")
	admin := fs.Bool("admin", false, "Grant admin access")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime (0 for no expiry)")
	parseAndValidate(cfg, fs, args)

	tokens := web.NewTokens(cfg.Auth.Secret, cfg.Auth.StreamTokenTTL)
	if !tokens.Enabled() {
		log.Fatal("auth secret required (use AUTH_SECRET or server.auth_secret)")
	}
	if *user == "" && !*admin {
		log.Fatal("--user is required for non-admin tokens")
	}
	token, err := tokens.IssueIdentity(web.Identity{UserID: *user, Admin: *admin}, *ttl)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
