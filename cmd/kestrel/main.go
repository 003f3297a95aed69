package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"kestrel/config"
	"kestrel/internal/bootstrap"
	inputredis "kestrel/internal/input/redis"
	"kestrel/internal/logger"
	"kestrel/internal/rules"
	"kestrel/internal/transform/wire"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("kestrel.yml"); err == nil {
		return "kestrel.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "kestrel.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "kestrel.yml"
}

func loadConfig(args []string) *config.Config {
	configArg := ""
	if len(args) > 0 {
		configArg = args[0]
	}
	configPath := findConfigFile(configArg)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	bootstrap.ApplyDefaults(&cfg.Kestrel)

	if err := logger.Init(cfg.Kestrel.Logging.Enabled, cfg.Kestrel.Logging.Level, cfg.Kestrel.Logging.File, cfg.Kestrel.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Infof("Config loaded from: %s", configPath)
	return cfg
}

func runServe(args []string) {
	cfg := loadConfig(args)
	logger.Infof("Kestrel starting")

	sys, err := bootstrap.New(cfg.Kestrel)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}
	logger.Infof("Rule backends enabled: %s", strings.Join(sys.Pool.Backends(), ", "))

	stats, err := rules.LoadDir(sys.Registry, cfg.Kestrel.Rules.Dir)
	if err != nil {
		log.Fatalf("Failed to load rules: %v", err)
	}
	logger.Infof("Rules loaded: loaded=%d failed_compile=%d skipped_invalid=%d files=%d",
		stats.Loaded, stats.FailedCompile, stats.SkippedInvalid, stats.ManifestFiles)
	if stats.Loaded == 0 {
		logger.Warnf("No rules loaded; detection is effectively disabled")
	}

	sys.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Kestrel.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", sys.Metrics.Handler())
		srv := &http.Server{Addr: cfg.Kestrel.Metrics.Listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("Metrics server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		logger.Infof("Metrics listening on %s", cfg.Kestrel.Metrics.Listen)
	}

	if cfg.Kestrel.Input.Redis.Enabled {
		consumer, err := inputredis.NewConsumer(inputredis.Config{
			Addr:         cfg.Kestrel.Input.Redis.Addr,
			Password:     cfg.Kestrel.Input.Redis.Password,
			DB:           cfg.Kestrel.Input.Redis.DB,
			Key:          cfg.Kestrel.Input.Redis.Key,
			BlockTimeout: cfg.Kestrel.Input.Redis.BlockTimeout,
		})
		if err != nil {
			log.Fatalf("Failed to create Redis consumer: %v", err)
		}
		defer consumer.Close()
		decoder := wire.NewDecoder(sys.Schema)
		go func() {
			if err := inputredis.Pump(ctx, consumer, decoder, sys.Engine.Submit); err != nil {
				logger.Errorf("Input error: %v", err)
			}
		}()
		logger.Infof("Consuming events from redis list %q at %s",
			cfg.Kestrel.Input.Redis.Key, cfg.Kestrel.Input.Redis.Addr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("Shutting down")
	cancel()
	sys.Stop()

	st := sys.Engine.Status()
	logger.Infof("Kestrel stopped: events=%d alerts=%d uptime=%s",
		st.EventsProcessed, st.AlertsGenerated, st.Uptime.Round(0))
}

// runCheck compile-validates a rules directory without starting workers.
func runCheck(args []string) int {
	cfg := loadConfig(args)

	sys, err := bootstrap.New(cfg.Kestrel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build engine: %v\n", err)
		return 1
	}
	defer sys.Stop()

	stats, err := rules.LoadDir(sys.Registry, cfg.Kestrel.Rules.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load rules: %v\n", err)
		return 1
	}

	// Highest severity first so the riskiest rules lead the report.
	list := sys.Registry.List()
	sort.Slice(list, func(i, j int) bool {
		if wi, wj := list[i].Severity.Weight(), list[j].Severity.Weight(); wi != wj {
			return wi > wj
		}
		return list[i].ID < list[j].ID
	})
	for _, r := range list {
		fmt.Printf("ok   %-30s %-8s %-6s %s\n", r.ID, r.Kind, r.Backend, r.Severity)
	}
	fmt.Printf("checked files=%d loaded=%d failed_compile=%d skipped_invalid=%d\n",
		stats.ManifestFiles, stats.Loaded, stats.FailedCompile, stats.SkippedInvalid)

	if stats.FailedCompile > 0 || stats.SkippedInvalid > 0 {
		return 1
	}
	return 0
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "check":
			os.Exit(runCheck(os.Args[2:]))
		default:
			// Backward-compatible mode: first arg is config path.
			runServe(os.Args[1:])
			return
		}
	}

	runServe(nil)
}
