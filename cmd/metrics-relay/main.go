package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/szibis/metrics-relay/internal/config"
	"github.com/szibis/metrics-relay/internal/health"
	"github.com/szibis/metrics-relay/internal/logging"
	"github.com/szibis/metrics-relay/internal/relay"
)

func main() {
	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\nRun with -help for usage.\n", err)
		os.Exit(2)
	}

	if cfg.ShowHelp {
		config.PrintUsage()
		os.Exit(0)
	}

	if cfg.ShowVersion {
		config.PrintVersion()
		os.Exit(0)
	}

	if cfg.Validate {
		if cfg.ConfigFile == "" {
			fmt.Fprintln(os.Stderr, "error: -validate needs -config")
			os.Exit(2)
		}
		result := config.ValidateFile(cfg.ConfigFile)
		fmt.Println(result.JSON())
		if !result.Valid {
			os.Exit(1)
		}
		os.Exit(0)
	}

	host, _ := os.Hostname()
	logging.SetResource(map[string]string{
		"service.name":    "metrics-relay",
		"service.version": config.Version(),
		"host.name":       host,
	})
	if level, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(level)
	}

	if err := cfg.Check(); err != nil {
		logging.Fatal("invalid configuration", logging.F("error", err.Error(), "path", cfg.ConfigFile))
	}

	if cfg.TestMode {
		os.Exit(runTestMode(cfg, os.Stdin, os.Stdout))
	}

	setMemoryLimit()

	rc, err := cfg.RelayConfig()
	if err != nil {
		logging.Fatal("invalid configuration", logging.F("error", err.Error()))
	}
	r, err := relay.New(rc)
	if err != nil {
		logging.Fatal("failed to create relay", logging.F("error", err.Error()))
	}
	if err := r.StartWorkers(cfg.Workers); err != nil {
		logging.Fatal("failed to start workers", logging.F("error", err.Error()))
	}
	if err := r.Listen(); err != nil {
		_ = r.Shutdown()
		logging.Fatal("failed to bind listener", logging.F("error", err.Error(), "addr", cfg.ListenAddr))
	}
	if cfg.CollectorInterval > 0 {
		if err := r.StartCollector(cfg.CollectorConfig(host)); err != nil {
			logging.Fatal("failed to start collector", logging.F("error", err.Error()))
		}
	}

	checker := health.New()
	checker.RegisterReadiness("listener", func() error {
		if r.Addr() == "" {
			return errors.New("listener not bound")
		}
		return nil
	})
	checker.RegisterReadiness("backends", r.BackendsReady)

	var statsServer *http.Server
	if cfg.StatsAddr != "" {
		statsMux := http.NewServeMux()
		statsMux.Handle("/metrics", promhttp.Handler())
		checker.Register(statsMux)

		statsServer = &http.Server{
			Addr:              cfg.StatsAddr,
			Handler:           statsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logging.Info("stats endpoint started", logging.F("addr", cfg.StatsAddr, "paths", "/metrics,/live,/ready"))
			if err := statsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("stats server error", logging.F("error", err.Error()))
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())

	reload := func(trigger string) {
		if cfg.ConfigFile == "" {
			logging.Warn("reload requested without -config, ignoring", logging.F("trigger", trigger))
			return
		}
		logging.Info("reloading route table", logging.F("trigger", trigger, "path", cfg.ConfigFile))
		routes, err := config.LoadRoutes(cfg.ConfigFile)
		if err != nil {
			logging.Error("reload failed, keeping the current route table", logging.F("error", err.Error()))
			return
		}
		// Relay.Reload logs the outcome.
		_ = r.Reload(routes)
	}

	if cfg.WatchConfig && cfg.ConfigFile != "" {
		go func() {
			if err := config.Watch(ctx, cfg.ConfigFile, config.DefaultWatchDebounce, func() { reload("watch") }); err != nil {
				logging.Error("config watcher stopped", logging.F("error", err.Error()))
			}
		}()
	}

	logging.Info("metrics-relay started", logging.F(
		"listen_addr", r.Addr(),
		"workers", cfg.Workers,
		"assign", cfg.Assign,
		"stats_addr", cfg.StatsAddr,
		"collector_interval", cfg.CollectorInterval.String(),
		"config", cfg.ConfigFile,
	))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	exitCode := 0
wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				reload("sighup")
				continue
			}
			logging.Info("shutdown signal received", logging.F("signal", sig.String()))
			break wait
		case <-r.Done():
			logging.Error("relay stopped unexpectedly")
			exitCode = 1
			break wait
		}
	}
	signal.Stop(sigChan)

	checker.SetShuttingDown()
	cancel()
	if err := r.Shutdown(); err != nil {
		logging.Error("relay shutdown error", logging.F("error", err.Error()))
		exitCode = 1
	}

	if statsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = statsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	logging.Info("shutdown complete")
	os.Exit(exitCode)
}

// setMemoryLimit sets GOMEMLIMIT from the cgroup limit, falling back to
// system memory. An explicit GOMEMLIMIT wins.
func setMemoryLimit() {
	limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	)
	if err != nil {
		logging.Warn("memory limit not set", logging.F("error", err.Error()))
		return
	}
	if limit > 0 {
		logging.Info("memory limit set", logging.F("gomemlimit_bytes", limit))
	}
}
