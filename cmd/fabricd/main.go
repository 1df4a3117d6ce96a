// Command fabricd runs the coordination fabric as a single process: the
// webhook ingress, the external API gateway, and the admin surface for
// the registry, queue, memory and workflow coordinators.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/revoagent/fabric/core"
	"github.com/revoagent/fabric/gateway"
	"github.com/revoagent/fabric/memory"
	"github.com/revoagent/fabric/messaging"
	"github.com/revoagent/fabric/registry"
	"github.com/revoagent/fabric/webhook"
	"github.com/revoagent/fabric/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fabricd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.Parse()

	var cfg *core.Config
	var err error
	if configPath != "" {
		cfg, err = core.LoadConfigFile(configPath)
	} else {
		cfg, err = core.NewConfig()
	}
	if err != nil {
		return err
	}

	logger := core.NewJSONLogger(core.ParseLogLevel(cfg.LogLevel))
	metrics := core.NewOTelMetrics()

	kv, err := core.NewRedisKV(core.RedisKVOptions{
		RedisURL:  cfg.RedisURL,
		Namespace: cfg.Namespace,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer kv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.NewRegistry(kv, cfg.Registry)
	reg.SetLogger(logger)
	if err := reg.Rebuild(ctx); err != nil {
		logger.Warn("Registry rebuild failed, starting empty", map[string]interface{}{
			"error": err.Error(),
		})
	}
	reg.Start(ctx)
	defer reg.Stop()

	queue := messaging.NewQueue(kv, reg.Resolver(), cfg.Queue, messaging.WithMetrics(metrics))
	queue.SetLogger(logger)
	defer queue.Close()

	mem := memory.NewCoordinator(kv, cfg.Memory, memory.WithMetrics(metrics))
	mem.SetLogger(logger)
	mem.Start(ctx)
	defer mem.Stop()

	wf := workflow.NewCoordinator(reg, queue, cfg.Workflow, workflow.WithMetrics(metrics))
	wf.SetLogger(logger)
	wf.Start(ctx)
	defer wf.Stop()

	gw := gateway.NewGateway(gateway.WithMetrics(metrics))
	gw.SetLogger(logger)
	gw.Start(ctx)
	defer gw.Stop()

	hooks := webhook.NewManager(kv, webhook.WithMetrics(metrics))
	hooks.SetLogger(logger)
	hooks.Start(ctx)
	defer hooks.Stop()

	router := newRouter(kv, reg, queue, mem, wf, gw, hooks)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", map[string]interface{}{
			"port":      cfg.HTTPPort,
			"namespace": cfg.Namespace,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newRouter(
	kv core.KV,
	reg *registry.Registry,
	queue *messaging.Queue,
	mem *memory.Coordinator,
	wf *workflow.Coordinator,
	gw *gateway.Gateway,
	hooks *webhook.Manager,
) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Mount("/", hooks.Routes())

	r.Route("/admin", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			health := gw.SystemHealth()
			status := http.StatusOK
			if err := kv.HealthCheck(req.Context()); err != nil {
				health.Healthy = false
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, health)
		})

		r.Get("/integrations", func(w http.ResponseWriter, req *http.Request) {
			out := make(map[string]*gateway.IntegrationHealth)
			for _, kind := range gw.Integrations() {
				if h, err := gw.IntegrationHealth(kind); err == nil {
					out[kind] = h
				}
			}
			writeJSON(w, http.StatusOK, out)
		})

		r.Post("/integrations/{kind}/breaker/reset", func(w http.ResponseWriter, req *http.Request) {
			kind := chi.URLParam(req, "kind")
			if err := gw.ResetBreaker(kind); err != nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"integration": kind, "state": "closed"})
		})

		r.Post("/cache/clear", func(w http.ResponseWriter, req *http.Request) {
			pattern := req.URL.Query().Get("pattern")
			cleared := gw.ClearCache(pattern)
			writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
		})

		r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
			queueStats, err := queue.Stats(req.Context())
			if err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
				return
			}
			hookStats, err := hooks.Stats(req.Context())
			if err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"registry": reg.Stats(),
				"queue":    queueStats,
				"memory":   mem.Stats(),
				"workflow": wf.Stats(),
				"webhooks": hookStats,
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
