package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/stackrun/internal/bus"
	"github.com/basket/stackrun/internal/config"
	"github.com/basket/stackrun/internal/cron"
	"github.com/basket/stackrun/internal/engine"
	"github.com/basket/stackrun/internal/executor"
	"github.com/basket/stackrun/internal/gateway"
	"github.com/basket/stackrun/internal/liveness"
	otelPkg "github.com/basket/stackrun/internal/otel"
	"github.com/basket/stackrun/internal/persistence"
	"github.com/basket/stackrun/internal/sandbox/wasm"
	"github.com/basket/stackrun/internal/services"
	"github.com/basket/stackrun/internal/tasks"
	"github.com/basket/stackrun/internal/telemetry"
)

func serve(ctx context.Context, cfg config.Config, level *slog.LevelVar, logger *slog.Logger) error {
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	if cfg.Telemetry.Enabled && cfg.Telemetry.Exporter == otelPkg.ExporterStdout {
		traces, err := openTraceFile(cfg.HomeDir)
		if err != nil {
			return err
		}
		defer traces.Close()
		cfg.Telemetry.Writer = traces
	}
	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	registry, err := buildServices(cfg, store, logger)
	if err != nil {
		return err
	}
	registry.Instrument(otelProvider.Tracer, metrics)

	native := executor.NewNative()
	if err := tasks.Register(native); err != nil {
		return fmt.Errorf("register tasks: %w", err)
	}
	router := executor.NewRouter().Route(executor.NativePrefix, native)

	var wasmHost *wasm.Host
	if cfg.WASM.Enabled {
		wasmHost, err = wasm.NewHost(ctx, wasm.Config{
			Logger:           logger,
			MemoryLimitPages: cfg.WASM.MemoryLimitPages,
			InvokeTimeout:    cfg.WASM.InvokeTimeout,
		})
		if err != nil {
			return fmt.Errorf("init wasm host: %w", err)
		}
		defer wasmHost.Close(context.Background())
		router.Route(wasm.Prefix, wasmHost)

		taskWatcher := wasm.NewWatcher(cfg.TaskDir, wasmHost, logger)
		if cfg.WASM.Watch {
			if err := taskWatcher.Start(ctx); err != nil {
				return fmt.Errorf("watch task dir: %w", err)
			}
		} else if err := os.MkdirAll(cfg.TaskDir, 0o755); err == nil {
			if err := taskWatcher.LoadAll(ctx); err != nil {
				logger.Warn("load wasm tasks", "dir", cfg.TaskDir, "error", err)
			}
		}
		logger.Info("startup phase", "phase", "wasm_ready", "modules", wasmHost.Modules())
	}

	eng, err := engine.New(engine.Config{
		Store:               store,
		Executor:            router,
		Services:            registry,
		Bus:                 eventBus,
		Logger:              logger,
		Tracer:              otelProvider.Tracer,
		Metrics:             metrics,
		MaxPropagationDepth: cfg.Engine.MaxPropagationDepth,
		LockStaleAfter:      cfg.Engine.LockStaleAfter,
		ScanLimit:           cfg.Engine.ScanLimit,
		WorkerID:            cfg.Engine.WorkerID,
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	driver := liveness.New(eng, store, eventBus, liveness.Config{
		TriggerMinSpacing: cfg.Liveness.TriggerMinSpacing,
		PollInterval:      cfg.Liveness.PollInterval,
		IdleChecks:        cfg.Liveness.IdleChecksBeforeBackoff,
		Backoff:           cfg.Liveness.Backoff,
		MaxBurst:          cfg.Liveness.MaxBurst,
		DisableTrigger:    cfg.Liveness.DisableTrigger,
	}, logger, metrics)
	eng.SetNotifier(driver)
	driver.Start(ctx)
	logger.Info("startup phase", "phase", "engine_started", "worker_id", eng.Status().WorkerID)

	scheduler := cron.NewScheduler(cron.Config{
		Store:     store,
		Submitter: eng,
		Logger:    logger,
		Interval:  time.Duration(cfg.CronIntervalSeconds) * time.Second,
	})
	defs := make([]cron.Definition, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		input, err := sc.InputJSON()
		if err != nil {
			return err
		}
		defs = append(defs, cron.Definition{
			Name:     sc.Name,
			CronExpr: sc.Cron,
			TaskName: sc.Task,
			Input:    input,
			Disabled: sc.Disabled,
		})
	}
	if removed, err := scheduler.Sync(ctx, defs); err != nil {
		return err
	} else if removed > 0 {
		logger.Info("startup phase", "phase", "schedules_pruned", "removed", removed)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if cfg.Engine.WatchdogTimeout > 0 {
		go runWatchdog(ctx, eng, cfg.Engine.WatchdogInterval, cfg.Engine.WatchdogTimeout, logger)
	}

	cfgWatcher := config.NewWatcher(cfg, logger)
	if err := cfgWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go followConfig(cfgWatcher, level, logger)
	}

	token := cfg.AuthToken
	if token == "" {
		if token, err = loadAuthToken(cfg.HomeDir); err != nil {
			return err
		}
	}

	gw := gateway.New(gateway.Config{
		Engine: eng,
		Store:  store,
		Bus:    eventBus,
		Logger: logger,
		Tasks: func() []executor.TaskInfo {
			out := native.Tasks()
			if wasmHost != nil {
				for _, name := range wasmHost.Modules() {
					out = append(out, executor.TaskInfo{Name: name, Code: wasm.Prefix + name})
				}
			}
			return out
		},
		Liveness:     driver,
		Schedules:    scheduler,
		AuthToken:    token,
		AllowOrigins: cfg.AllowOrigins,
		RateLimit: gateway.RateLimitConfig{
			Enabled:           cfg.RateLimit.Enabled,
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		},
		ConfigFingerprint: cfg.Fingerprint(),
		Tracer:            otelProvider.Tracer,
	})
	gw.StartEviction(ctx)

	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && isAddrInUse(err) {
			return fmt.Errorf("%w: %s", err, portOccupantHint(cfg.BindAddr))
		}
		return err
	}

	drain := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	driver.Wait()
	logger.Info("stopped")
	return nil
}

// openTraceFile keeps stdout-exported spans next to the JSON logs.
func openTraceFile(homeDir string) (*os.File, error) {
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "traces.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return f, nil
}

func buildServices(cfg config.Config, store *persistence.Store, logger *slog.Logger) (*services.Registry, error) {
	reg := services.NewRegistry()
	svcs := []services.Service{
		services.Echo{},
		services.NewKV(store),
		services.NewSearch(services.SearchConfig{
			Endpoint:   cfg.Services.Search.Endpoint,
			Timeout:    cfg.Services.Search.Timeout,
			MaxResults: cfg.Services.Search.MaxResults,
		}),
		services.NewHTTP(services.HTTPConfig{
			Timeout:      cfg.Services.HTTP.Timeout,
			MaxBytes:     cfg.Services.HTTP.MaxBytes,
			AllowedHosts: cfg.Services.HTTP.AllowedHosts,
		}),
		services.NewLLM(services.LLMConfig{
			Provider:           cfg.LLM.Provider,
			Model:              cfg.LLM.Model,
			APIKey:             cfg.LLMProviderAPIKey(cfg.LLM.Provider),
			BaseURL:            cfg.LLMBaseURL(),
			CompatibleProvider: cfg.LLM.CompatibleProvider,
			Logger:             logger,
		}),
	}
	for _, svc := range svcs {
		if err := reg.Register(svc); err != nil {
			return nil, fmt.Errorf("register service %s: %w", svc.Name(), err)
		}
	}
	return reg, nil
}

// runWatchdog fails frames that made no progress within timeout.
func runWatchdog(ctx context.Context, eng *engine.Engine, interval, timeout time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := eng.FailStale(ctx, timeout)
			if err != nil {
				logger.Error("watchdog scan failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Warn("watchdog failed stale frames", "count", n, "timeout", timeout)
			}
		}
	}
}

// followConfig applies the live log level. Anything else needs a restart.
func followConfig(w *config.Watcher, level *slog.LevelVar, logger *slog.Logger) {
	for ev := range w.Events() {
		if ev.Err != nil {
			continue
		}
		level.Set(telemetry.ParseLevel(ev.Config.LogLevel))
		if ev.RestartRequired {
			logger.Warn("config changed; restart to apply", "fingerprint", ev.Config.Fingerprint())
		}
	}
}

func readAuthToken(homeDir string) string {
	if raw := strings.TrimSpace(os.Getenv("STACKRUN_AUTH_TOKEN")); raw != "" {
		return raw
	}
	b, err := os.ReadFile(filepath.Join(homeDir, "auth.token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// loadAuthToken returns the configured token, generating auth.token on first run.
func loadAuthToken(homeDir string) (string, error) {
	if tok := readAuthToken(homeDir); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("another process is using %s; stop it or change bind_addr in config.yaml", addr)
	}
	return fmt.Sprintf("port %s is already in use; stop the existing process or change bind_addr in config.yaml", port)
}
