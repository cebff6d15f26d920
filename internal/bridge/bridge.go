// Package bridge implements the Sampling Bridge Server (C7): an ephemeral,
// loopback-only HTTP server minted once per sandboxed execution that proxies
// a single route, POST /sample, toward either an upstream MCP client's
// sampling capability or a directly-dialled LLM provider.
//
// A Server is single-use: Unstarted -> Started -> Stopped, one-way. Start
// mints a bearer token and binds an OS-assigned loopback port; Stop drains
// in-flight requests before releasing the listener. GetSamplingMetrics and
// GetSamplingCalls may be called in any state, including after Stop.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/mcpbridge/internal/bridge/mcpsampling"
	"github.com/MrWong99/mcpbridge/internal/bridge/ratelimit"
	"github.com/MrWong99/mcpbridge/internal/bridge/token"
	"github.com/MrWong99/mcpbridge/internal/config"
	"github.com/MrWong99/mcpbridge/pkg/provider/llm"
)

// state is the server's one-way lifecycle position.
type state int

const (
	stateUnstarted state = iota
	stateStarted
	stateStopped
)

// samplingMode is the one-way mcp -> direct degradation latch.
type samplingMode int

const (
	modeMCP samplingMode = iota
	modeDirect
)

const (
	// gracefulShutdownPollInterval is how often Stop polls for drained
	// in-flight requests.
	gracefulShutdownPollInterval = 100 * time.Millisecond

	// gracefulShutdownMaxWait is how long Stop waits before forcibly
	// closing remaining connections.
	gracefulShutdownMaxWait = 5000 * time.Millisecond

	// maxSystemPromptErrorLength truncates a rejected system prompt echoed
	// back in a 403 error message.
	maxSystemPromptErrorLength = 100

	defaultMaxTokens = 1000
	maxTokensCap     = 10000

	fallbackDefaultModel = "default"
)

// errAlreadyStarted is returned by Start when the instance is not Unstarted.
var errAlreadyStarted = fmt.Errorf("bridge: already started")

// Identity is what Start hands back to the orchestrator: the only
// information needed to reach and authenticate against this bridge.
type Identity struct {
	Port        int
	AuthToken   string
	ExecutionID string
}

// Server is one Sampling Bridge Server instance. Construct with New, then
// call Start exactly once, followed eventually by Stop exactly once.
type Server struct {
	cfg         *config.BridgeConfig
	providerTag llm.ProviderTag
	provider    llm.Provider
	sampler     *mcpsampling.Sampler
	executionID string

	limiter *ratelimit.Limiter

	mu           sync.Mutex
	st           state
	mode         samplingMode
	bearerToken  string
	listener     net.Listener
	httpServer   *http.Server
	startedAt    time.Time

	active sync.WaitGroup

	callsMu sync.Mutex
	calls   []SamplingCall
}

// SamplingCall is one append-only audit record for a completed /sample call.
type SamplingCall struct {
	Model        string
	Messages     []llm.Message
	SystemPrompt string
	Response     string
	DurationMs   int64
	TokensUsed   uint32
	Timestamp    time.Time
}

// New constructs a Server from cfg plus its already-resolved direct provider
// (nil if no credentials were configured) and MCP sampler (nil if no
// upstream MCP session exposes sampling). Both are injected rather than
// constructed internally so tests can supply doubles for either.
func New(cfg *config.BridgeConfig, providerTag llm.ProviderTag, provider llm.Provider, sampler *mcpsampling.Sampler) *Server {
	initialMode := modeDirect
	if sampler.Available() {
		initialMode = modeMCP
	}
	return &Server{
		cfg:         cfg,
		providerTag: providerTag,
		provider:    provider,
		sampler:     sampler,
		executionID: uuid.NewString(),
		limiter:     ratelimit.New(cfg.MaxRoundsPerExecution, cfg.MaxTokensPerExecution),
		st:          stateUnstarted,
		mode:        initialMode,
	}
}

// Start refuses if the config is disabled or the instance is not Unstarted,
// mints a bearer token, and binds a loopback listener on an OS-assigned
// ephemeral port. The returned Identity is the only way to subsequently
// authenticate against this instance.
func (s *Server) Start() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled {
		return Identity{}, fmt.Errorf("bridge: cannot start: disabled in configuration")
	}
	if s.st != stateUnstarted {
		return Identity{}, errAlreadyStarted
	}

	t, err := token.Mint()
	if err != nil {
		return Identity{}, fmt.Errorf("bridge: mint token: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return Identity{}, fmt.Errorf("bridge: bind listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.routeNotFound)
	mux.HandleFunc("POST /sample", s.handleSample)

	s.bearerToken = t
	s.listener = ln
	s.httpServer = &http.Server{Handler: mux}
	s.startedAt = time.Now()
	s.st = stateStarted

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("bridge: serve error", "execution_id", s.executionID, "err", err)
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	slog.Info("bridge started", "execution_id", s.executionID, "port", port, "provider", s.providerTag, "mode", s.modeString())

	return Identity{Port: port, AuthToken: t, ExecutionID: s.executionID}, nil
}

// Stop is a no-op from Unstarted. From Started it stops accepting new
// connections, waits for in-flight requests to drain (polling every
// gracefulShutdownPollInterval up to gracefulShutdownMaxWait), then forcibly
// closes anything left and clears in-memory identity.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.st == stateUnstarted || s.st == stateStopped {
		s.mu.Unlock()
		return nil
	}
	httpServer := s.httpServer
	listener := s.listener
	s.mu.Unlock()

	// Stop accepting new connections immediately; in-flight handlers keep
	// running and are tracked via s.active.
	httpServer.SetKeepAlivesEnabled(false)
	if err := listener.Close(); err != nil {
		slog.Warn("bridge: listener close error", "execution_id", s.executionID, "err", err)
	}

	drained := make(chan struct{})
	go func() {
		s.active.Wait()
		close(drained)
	}()

	deadline := time.NewTimer(gracefulShutdownMaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(gracefulShutdownPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-drained:
			s.finishStop()
			return nil
		case <-deadline.C:
			slog.Warn("bridge: graceful drain deadline exceeded, forcing close", "execution_id", s.executionID)
			if err := httpServer.Close(); err != nil {
				slog.Warn("bridge: forced close error", "execution_id", s.executionID, "err", err)
			}
			s.finishStop()
			return nil
		case <-ticker.C:
			// keep polling
		case <-ctx.Done():
			if err := httpServer.Close(); err != nil {
				slog.Warn("bridge: forced close error", "execution_id", s.executionID, "err", err)
			}
			s.finishStop()
			return ctx.Err()
		}
	}
}

// finishStop clears in-memory identity and moves the instance to Stopped.
func (s *Server) finishStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = stateStopped
	s.bearerToken = ""
	s.listener = nil
	s.httpServer = nil
	slog.Info("bridge stopped", "execution_id", s.executionID)
}

func (s *Server) modeString() string {
	if s.mode == modeMCP {
		return "mcp"
	}
	return "direct"
}

// routeNotFound handles every request that doesn't match POST /sample.
func (s *Server) routeNotFound(w http.ResponseWriter, _ *http.Request) {
	writeNotFound(w)
}

// inMCPMode reports whether the bridge is still trying MCP sampling before
// falling back to a direct provider.
func (s *Server) inMCPMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode == modeMCP
}

// latchToDirect performs the one-way mcp -> direct degradation. Calling it
// more than once, or when already direct, is a no-op.
func (s *Server) latchToDirect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == modeMCP {
		s.mode = modeDirect
		slog.Warn("bridge: mcp sampling failed, latching to direct provider", "execution_id", s.executionID)
	}
}

// recordCall appends call to the in-memory audit log.
func (s *Server) recordCall(call SamplingCall) {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.calls = append(s.calls, call)
}

// Metrics is the response shape for GetSamplingMetrics.
type Metrics struct {
	TotalRounds           uint32
	TotalTokens           uint32
	TotalDurationMs       int64
	AverageTokensPerRound float64
	QuotaRemaining        ratelimit.Remaining
}

// GetSamplingMetrics reports cumulative usage for this bridge instance.
func (s *Server) GetSamplingMetrics() Metrics {
	m := s.limiter.GetMetrics()
	remaining := s.limiter.GetQuotaRemaining()

	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	var avg float64
	if m.RoundsUsed > 0 {
		avg = float64(m.TokensUsed) / float64(m.RoundsUsed)
	}

	var elapsed int64
	if !startedAt.IsZero() {
		elapsed = time.Since(startedAt).Milliseconds()
	}

	return Metrics{
		TotalRounds:           m.RoundsUsed,
		TotalTokens:           m.TokensUsed,
		TotalDurationMs:       elapsed,
		AverageTokensPerRound: avg,
		QuotaRemaining:        remaining,
	}
}

// GetSamplingCalls returns a snapshot copy of the accumulated SamplingCall
// log; the caller may not observe later mutations through it.
func (s *Server) GetSamplingCalls() []SamplingCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	out := make([]SamplingCall, len(s.calls))
	copy(out, s.calls)
	return out
}
