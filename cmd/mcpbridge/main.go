// Command mcpbridge stands up one Sampling Bridge Server instance for a
// sandboxed execution and prints the {port, authToken} pair an orchestrator
// needs to reach it, then runs until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mcpbridge/internal/bridge"
	"github.com/MrWong99/mcpbridge/internal/bridge/mcpsampling"
	"github.com/MrWong99/mcpbridge/internal/config"
	"github.com/MrWong99/mcpbridge/internal/health"
	"github.com/MrWong99/mcpbridge/pkg/provider/llm"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "bridge.yaml", "path to the YAML bridge configuration file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	adminAddr := flag.String("admin-addr", "", "optional host:port for a /healthz and /readyz introspection listener (separate from the bridge's own loopback /sample listener)")
	probe := flag.Bool("probe", false, "concurrently check which provider tags have usable credentials before starting, then exit")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(*logLevel)})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "mcpbridge: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "mcpbridge: %v\n", err)
		}
		return 1
	}

	if *probe {
		probeProviders()
		return 0
	}

	providerTag := llm.ProviderTag(cfg.Provider)
	provider, err := llm.NewFromTag(providerTag, "")
	if err != nil {
		slog.Error("failed to construct provider", "provider", cfg.Provider, "err", err)
		return 1
	}
	if provider == nil {
		slog.Warn("no credentials configured for provider; bridge will start but sampling attempts will fail", "provider", cfg.Provider)
	}

	// This entrypoint has no MCP client session to wire in, so the bridge
	// starts in direct-only mode. An orchestrator embedding [bridge.Server]
	// directly (rather than via this binary) can inject a real session.
	srv := bridge.New(cfg, providerTag, provider, mcpsampling.New(nil))

	identity, err := srv.Start()
	if err != nil {
		slog.Error("failed to start bridge", "err", err)
		return 1
	}

	fmt.Printf(`{"port":%d,"authToken":%q,"executionId":%q}`+"\n", identity.Port, identity.AuthToken, identity.ExecutionID)
	slog.Info("bridge ready", "port", identity.Port, "execution_id", identity.ExecutionID)

	var adminServer *http.Server
	if *adminAddr != "" {
		adminServer = startAdminServer(*adminAddr, provider != nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	slog.Info("shutdown signal received, draining in-flight requests…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("bridge shutdown error", "err", err)
	}
	if adminServer != nil {
		_ = adminServer.Shutdown(shutdownCtx)
	}

	metrics := srv.GetSamplingMetrics()
	slog.Info("goodbye", "total_rounds", metrics.TotalRounds, "total_tokens", metrics.TotalTokens)
	return 0
}

// startAdminServer runs /healthz and /readyz on a separate listener from the
// bridge's own loopback /sample surface, so operators can probe liveness
// without a bearer token.
func startAdminServer(addr string, providerConfigured bool) *http.Server {
	h := health.New(health.Checker{
		Name: "provider",
		Check: func(context.Context) error {
			if !providerConfigured {
				return fmt.Errorf("no direct provider credentials configured")
			}
			return nil
		},
	})

	mux := http.NewServeMux()
	h.Register(mux)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "err", err)
		}
	}()
	slog.Info("admin introspection listening", "addr", addr)
	return srv
}

// probeProviders concurrently checks every known provider tag for usable
// credentials and logs what it finds, without starting a bridge.
func probeProviders() {
	tags := []llm.ProviderTag{
		llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderGemini, llm.ProviderOllama,
		llm.ProviderDeepSeek, llm.ProviderMistral, llm.ProviderGroq, llm.ProviderLlamaCpp, llm.ProviderLlamaFile,
	}

	results := make([]string, len(tags))
	var g errgroup.Group
	for i, tag := range tags {
		i, tag := i, tag
		g.Go(func() error {
			p, err := llm.NewFromTag(tag, "")
			switch {
			case err != nil:
				results[i] = fmt.Sprintf("%-12s unknown (%v)", tag, err)
			case p == nil:
				results[i] = fmt.Sprintf("%-12s no credentials", tag)
			default:
				results[i] = fmt.Sprintf("%-12s available", tag)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, line := range results {
		fmt.Println(line)
	}
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
