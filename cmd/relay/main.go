// ABOUTME: CLI entrypoint for the relay gateway with serve and validate modes.
// ABOUTME: Wires config, token caches, scheduler, assembly reloads, and signal handling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/2389-research/relay/config"
	"github.com/2389-research/relay/gateway"
	"github.com/2389-research/relay/pipeline"
	"github.com/2389-research/relay/scheduler"
	"github.com/2389-research/relay/store"
	"github.com/2389-research/relay/tokencache"
)

var version = "dev"

// cliConfig holds the command line as parsed, before the YAML config loads.
type cliConfig struct {
	configPath   string
	tablePath    string
	logLevel     string
	validateOnly bool
	showVersion  bool
}

func main() {
	loadDotEnv(".env")

	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("relay %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

func parseFlags() cliConfig {
	var cfg cliConfig

	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.StringVar(&cfg.configPath, "config", "relay.yaml", "Service configuration YAML")
	fs.StringVar(&cfg.tablePath, "table", "", "Assembly table path (overrides assembly.tablePath)")
	fs.StringVar(&cfg.logLevel, "log-level", "", "Override logging.level: debug, info, warn, error")
	fs.BoolVar(&cfg.validateOnly, "validate", false, "Validate configuration and assembly, then exit")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	fs.Usage = func() {
		printHelp(os.Stderr, version)
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	return cfg
}

// run dispatches to the selected mode. Exit codes: 0 success, 2 configuration
// error, 3 assembly error, 4 bind error, 130/143 after SIGINT/SIGTERM.
func run(cfg cliConfig) int {
	if cfg.validateOnly {
		return runValidate(cfg)
	}
	return runServe(cfg)
}

// boot is everything both modes need loaded and validated up front.
type boot struct {
	svc       *config.Config
	logger    *slog.Logger
	tablePath string
	table     *config.Table
	tokens    func(string) (pipeline.TokenSource, bool)
}

// loadBoot reads the service config and the assembly table and builds token
// sources. The int is an exit code; zero means the boot is usable.
func loadBoot(cfg cliConfig) (*boot, int) {
	svc, err := config.Load(cfg.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return nil, 2
	}

	if cfg.logLevel != "" {
		switch cfg.logLevel {
		case "debug", "info", "warn", "error":
			svc.Logging.Level = cfg.logLevel
		default:
			fmt.Fprintf(os.Stderr, "error: unknown log level %q\n", cfg.logLevel)
			return nil, 2
		}
	}
	logger := svc.Logger()

	tablePath := svc.Assembly.TablePath
	if cfg.tablePath != "" {
		tablePath = cfg.tablePath
	}
	if tablePath == "" {
		fmt.Fprintln(os.Stderr, "error: no assembly table: set assembly.tablePath or pass -table")
		return nil, 2
	}

	table, err := config.LoadTable(tablePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return nil, 2
	}

	tokens, err := buildTokenSources(svc, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return nil, 2
	}

	return &boot{svc: svc, logger: logger, tablePath: tablePath, table: table, tokens: tokens}, 0
}

// runValidate assembles the table against a throwaway scheduler and reports
// what a real start would have rejected, without ever listening.
func runValidate(cfg cliConfig) int {
	b, code := loadBoot(cfg)
	if code != 0 {
		return code
	}

	sched := scheduler.New(b.svc.SchedulerConfig(b.logger))
	defer shutdownScheduler(sched, b.svc, b.logger)

	rel, err := config.NewReloader(config.ReloaderConfig{
		Scheduler:    sched,
		Weights:      b.svc.Scheduler.LoadBalancing.Weights,
		TokenSources: b.tokens,
		Logger:       b.logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 3
	}
	res, err := rel.Apply(context.Background(), b.table)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 3
	}
	if code := reportFailedTemplates(res); code != 0 {
		return code
	}

	fmt.Printf("configuration valid: %d virtual models, %d templates, %d routing rules\n",
		len(b.table.VirtualModels()), len(b.table.PipelineTemplates), len(b.table.RoutingRules))
	return 0
}

func runServe(cfg cliConfig) int {
	b, code := loadBoot(cfg)
	if code != 0 {
		return code
	}
	svc, logger := b.svc, b.logger

	sched := scheduler.New(svc.SchedulerConfig(logger))
	defer shutdownScheduler(sched, svc, logger)

	var audit *store.AuditLog
	if svc.Audit.Enabled {
		var err error
		audit, err = store.OpenSqlite(store.Config{
			Path:      svc.Audit.Path,
			QueueSize: svc.Audit.QueueSize,
			Logger:    logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 2
		}
		defer func() {
			if err := audit.Close(); err != nil {
				logger.Warn("audit log close", "error", err)
			}
		}()
	}

	gw, err := gateway.NewServer(gateway.Config{
		Scheduler:       sched,
		Audit:           audit,
		MaxBodyBytes:    svc.Server.MaxBodyBytes,
		MetricsInterval: svc.MetricsInterval(),
		ShutdownGrace:   svc.ShutdownGrace(),
		Logger:          logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	rel, err := config.NewReloader(config.ReloaderConfig{
		Scheduler:    sched,
		Weights:      svc.Scheduler.LoadBalancing.Weights,
		TokenSources: b.tokens,
		OnRouter:     gw.SetRouter,
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 3
	}
	res, err := rel.Apply(context.Background(), b.table)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 3
	}
	// Startup is strict: a template that cannot assemble is an operator
	// error, not something to limp past. Reloads stay tolerant.
	if code := reportFailedTemplates(res); code != 0 {
		return code
	}

	if hcCfg, on := svc.HealthCheck(logger); on {
		hc := scheduler.NewHealthChecker(sched, hcCfg)
		hc.Start()
		defer hc.Stop()
	}

	if svc.Assembly.Watch {
		w, err := config.NewWatcher(config.WatcherConfig{
			Path:     b.tablePath,
			Debounce: svc.Debounce(),
			OnChange: func() { reloadTable(rel, b.tablePath, logger) },
			Logger:   logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 2
		}
		defer w.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	term := make(chan os.Signal, 1)
	go func() {
		sig := <-sigChan
		logger.Info("signal received, draining", "signal", sig.String())
		term <- sig
		cancel()
	}()

	ln, err := net.Listen("tcp", svc.ListenAddr())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 4
	}

	logger.Info("relay listening", "addr", ln.Addr().String(), "version", version)
	if err := gw.Serve(ctx, ln); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	select {
	case sig := <-term:
		if sig == syscall.SIGTERM {
			return 143
		}
		return 130
	default:
		return 0
	}
}

// reloadTable reruns the assembly table against the live scheduler. Reload
// failures keep the previous configuration running.
func reloadTable(rel *config.Reloader, path string, logger *slog.Logger) {
	table, err := config.LoadTable(path)
	if err != nil {
		logger.Error("assembly table reload rejected", "path", path, "error", err)
		return
	}
	res, err := rel.Apply(context.Background(), table)
	if err != nil {
		logger.Error("assembly table apply failed", "error", err)
		return
	}
	for tplID, terr := range res.Failed {
		logger.Error("template rebuild failed", "template", tplID, "error", terr)
	}
}

// buildTokenSources constructs one file-backed cache per configured OAuth
// provider. Modules referencing a provider missing here fail at assembly.
func buildTokenSources(svc *config.Config, logger *slog.Logger) (func(string) (pipeline.TokenSource, bool), error) {
	if len(svc.TokenCache.Providers) == 0 {
		return nil, nil
	}
	caches := make(map[string]pipeline.TokenSource, len(svc.TokenCache.Providers))
	for name, p := range svc.TokenCache.Providers {
		c, err := tokencache.New(tokencache.Config{
			Dir:     tokencache.Dir(svc.TokenCache.Dir, name),
			Refresh: tokencache.NewOAuthRefresher(p.TokenURL, p.ClientID, nil),
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("token cache for provider %s: %w", name, err)
		}
		caches[name] = c
	}
	return func(provider string) (pipeline.TokenSource, bool) {
		src, ok := caches[provider]
		return src, ok
	}, nil
}

// reportFailedTemplates prints assembly failures in a stable order.
func reportFailedTemplates(res *config.ApplyResult) int {
	if len(res.Failed) == 0 {
		return 0
	}
	ids := make([]string, 0, len(res.Failed))
	for id := range res.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(os.Stderr, "error: template %s: %v\n", id, res.Failed[id])
	}
	return 3
}

func shutdownScheduler(sched *scheduler.Scheduler, svc *config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), svc.ShutdownGrace())
	defer cancel()
	if err := sched.Shutdown(ctx); err != nil {
		logger.Warn("scheduler shutdown incomplete", "error", err)
	}
}
