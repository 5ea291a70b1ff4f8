// Command parleyd runs the conversation orchestrator: store, event bus,
// token registry, agent runtime, bridge surface, and the HTTP adapters, in
// one process.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/parley-run/parley/internal/agent"
	"github.com/parley-run/parley/internal/bridge"
	"github.com/parley-run/parley/internal/config"
	"github.com/parley-run/parley/internal/events"
	"github.com/parley-run/parley/internal/logger"
	"github.com/parley-run/parley/internal/metrics"
	"github.com/parley-run/parley/internal/orchestrator"
	"github.com/parley-run/parley/internal/store"
	"github.com/parley-run/parley/internal/tokens"
	"github.com/parley-run/parley/internal/transport"
)

func main() {
	if err := run(); err != nil {
		logger.Error("parleyd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		httpAddr  = flag.String("http-addr", "", "listen address (overrides PARLEY_HTTP_ADDR)")
		backend   = flag.String("store", "", "store backend: memory or redis (overrides PARLEY_STORE_BACKEND)")
		redisAddr = flag.String("redis-addr", "", "redis address (overrides PARLEY_REDIS_ADDR)")
	)
	flag.Parse()

	var opts []config.Option
	if *httpAddr != "" {
		opts = append(opts, config.WithHTTPAddr(*httpAddr))
	}
	if *backend != "" {
		opts = append(opts, config.WithStoreBackend(config.StoreBackend(*backend)))
	}
	if *redisAddr != "" {
		opts = append(opts, config.WithRedisAddr(*redisAddr))
	}
	cfg := config.FromEnv(opts...)

	st, err := buildStore(cfg)
	if err != nil {
		return err
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Warn("metrics registration failed", "error", err)
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer provider shutdown failed", "error", err)
		}
	}()

	bus := events.New()
	registry := tokens.New()
	registry.Run(cfg.TokenSweepInterval)
	defer registry.Stop()

	orch := orchestrator.New(st, bus, registry, cfg)

	completer, synth := buildPolicy()
	agent.RegisterAll(orch, completer, synth, st, cfg.MaxStepsPerTurn, nil, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Resurrect(ctx, cfg.ResurrectionLookback); err != nil {
		logger.Warn("resurrection failed; continuing with empty state", "error", err)
	}

	mgr := bridge.NewManager(orch, bridge.WithTimeout(cfg.BridgeTimeout))
	defer mgr.Close()
	unwatch := mgr.WatchEnds()
	defer unwatch()

	go sweepLoop(ctx, orch, st, cfg)

	srv := transport.NewServer(orch, mgr, cfg)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	orch.Shutdown(shutdownCtx)
	return nil
}

func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendRedis:
		if cfg.RedisAddr == "" {
			return nil, errors.New("redis backend selected but no redis address configured")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return store.NewRedisStore(client, store.WithPrefix(cfg.RedisPrefix)), nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// sweepLoop periodically expires stale user queries and tokens persisted in
// the store; the in-memory registry runs its own sweep.
func sweepLoop(ctx context.Context, orch *orchestrator.Orchestrator, st store.Store, cfg *config.Config) {
	ticker := time.NewTicker(cfg.TokenSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			orch.SweepExpiredUserQueries(ctx, cfg.UserQueryTimeout)
			if _, err := st.CleanupExpiredTokens(ctx, time.Now()); err != nil {
				logger.Warn("token cleanup failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// buildPolicy wires the out-of-process LLM policy and tool-synthesis
// collaborators. Both are reached over plain HTTP when configured; without
// endpoints the agent loop's contained-failure path turns every call into a
// polite apology, which keeps a bridge-only deployment functional.
func buildPolicy() (agent.Completer, agent.ToolSynthesizer) {
	policyURL := os.Getenv("PARLEY_POLICY_URL")
	synthURL := os.Getenv("PARLEY_TOOL_SYNTH_URL")
	if synthURL == "" {
		synthURL = policyURL
	}

	httpClient := &http.Client{Timeout: 120 * time.Second}

	completer := agent.CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		if policyURL == "" {
			return "", errors.New("no policy endpoint configured")
		}
		return postJSON(ctx, httpClient, policyURL, map[string]any{"prompt": prompt})
	})

	synth := agent.ToolSynthesizerFunc(func(ctx context.Context, toolName string, args map[string]any) (any, error) {
		if synthURL == "" {
			return nil, errors.New("no tool synthesis endpoint configured")
		}
		raw, err := postJSON(ctx, httpClient, synthURL, map[string]any{"tool": toolName, "args": args})
		if err != nil {
			return nil, err
		}
		var result any
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return raw, nil
		}
		return result, nil
	})
	return completer, synth
}

func postJSON(ctx context.Context, client *http.Client, url string, body map[string]any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("policy endpoint returned %d", resp.StatusCode)
	}
	out, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", err
	}
	return string(out), nil
}
