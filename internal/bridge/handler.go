package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/mcpbridge/internal/bridge/ratelimit"
	"github.com/MrWong99/mcpbridge/internal/bridge/token"
	"github.com/MrWong99/mcpbridge/internal/bridge/validate"
	"github.com/MrWong99/mcpbridge/pkg/provider/llm"
)

// fuzzySuggestionThreshold is the minimum Jaro-Winkler similarity score
// before a "did you mean" suggestion is appended to a rejection message.
const fuzzySuggestionThreshold = 0.75

// maxBodyBytes bounds how much a single sandboxed caller may send in one
// request body. The caller is untrusted by definition; this keeps a
// runaway or malicious body from exhausting bridge memory.
const maxBodyBytes = 1 << 20

// readBody reads and size-limits the request body.
func readBody(r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)
		}
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return data, nil
}

// handleSample implements the POST /sample dispatch pipeline: auth, parse
// and validate, quota preflight, system-prompt allowlist, model selection,
// token cap, then unary or streaming dispatch.
func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	s.active.Add(1)
	defer s.active.Done()

	// 1. Auth.
	if !s.authenticate(r) {
		if r.Header.Get("Authorization") == "" {
			writeError(w, http.StatusUnauthorized, "Missing or invalid authorization header")
		} else {
			writeError(w, http.StatusUnauthorized, "Auth token invalid")
		}
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// 2. Parse & validate.
	req, err := validate.Validate(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// 3. Preflight quota under rate-limit-check.
	var roundsOK, tokensOK bool
	s.limiter.WithCheck(func(l *ratelimit.Limiter) {
		roundsOK = l.CheckRoundLimitLocked()
		tokensOK = l.CheckTokenLimitLocked(0)
	})
	if !roundsOK || !tokensOK {
		writeError(w, http.StatusTooManyRequests, s.quotaExceededMessage(!roundsOK))
		return
	}

	// 4. System prompt allowlist.
	if req.SystemPrompt != "" && !contains(s.cfg.AllowedSystemPrompts, req.SystemPrompt) {
		writeError(w, http.StatusForbidden, fmt.Sprintf("System prompt not in allowlist: %s", truncatePrompt(req.SystemPrompt)))
		return
	}

	// 5. Model selection.
	model := req.Model
	if model == "" {
		model = s.defaultModel()
	}
	if !contains(s.cfg.AllowedModels, model) {
		writeError(w, http.StatusBadRequest, s.disallowedModelMessage(model))
		return
	}

	// 6. Token cap.
	maxTokens := defaultMaxTokens
	if req.HasMaxTokens {
		maxTokens = req.MaxTokens
	}
	if maxTokens > maxTokensCap {
		maxTokens = maxTokensCap
	}
	if s.provider != nil {
		if capped := s.provider.Capabilities().MaxOutputTokens; capped > 0 && maxTokens > capped {
			maxTokens = capped
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(s.cfg.TimeoutPerCallMs)*time.Millisecond)
	defer cancel()

	// 7. Dispatch.
	if req.Stream {
		s.dispatchStreaming(ctx, w, req, model, maxTokens)
		return
	}
	s.dispatchUnary(ctx, w, req, model, maxTokens)
}

// authenticate checks the Authorization header against the live bearer
// token. Length is checked before the constant-time comparison runs.
func (s *Server) authenticate(r *http.Request) bool {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return false
	}
	provided := strings.TrimPrefix(h, prefix)

	s.mu.Lock()
	expected := s.bearerToken
	s.mu.Unlock()

	return provided != "" && token.Verify(provided, expected)
}

// defaultModel resolves the model to use when a request omits one:
// provider-specific default, falling back to a fixed sentinel if the
// provider is unset or unknown.
func (s *Server) defaultModel() string {
	if m := llm.DefaultModel(s.providerTag); m != "" {
		return m
	}
	return fallbackDefaultModel
}

func (s *Server) quotaExceededMessage(roundsExhausted bool) string {
	m := s.limiter.GetMetrics()
	if roundsExhausted {
		return fmt.Sprintf("Rate limit exceeded: %d/%d rounds used, %d remaining", m.RoundsUsed, s.cfg.MaxRoundsPerExecution, s.cfg.MaxRoundsPerExecution-m.RoundsUsed)
	}
	remaining := s.limiter.GetQuotaRemaining()
	return fmt.Sprintf("Rate limit exceeded: %d/%d tokens used, %d remaining", m.TokensUsed, s.cfg.MaxTokensPerExecution, remaining.Tokens)
}

func (s *Server) disallowedModelMessage(model string) string {
	msg := fmt.Sprintf("model %q is not allowed; allowed: %s", model, strings.Join(s.cfg.AllowedModels, ", "))
	if suggestion, ok := closestMatch(model, s.cfg.AllowedModels); ok {
		msg = fmt.Sprintf("model %q is not allowed (did you mean %q?); allowed: %s", model, suggestion, strings.Join(s.cfg.AllowedModels, ", "))
	}
	return msg
}

// closestMatch returns the candidate in pool with the highest Jaro-Winkler
// similarity to s, when that similarity clears fuzzySuggestionThreshold.
func closestMatch(s string, pool []string) (string, bool) {
	var best string
	var bestScore float64
	for _, c := range pool {
		score := matchr.JaroWinkler(s, c, false)
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if bestScore > fuzzySuggestionThreshold {
		return best, true
	}
	return "", false
}

// truncatePrompt truncates p at maxSystemPromptErrorLength characters,
// appending an ellipsis when truncation occurs.
func truncatePrompt(p string) string {
	runes := []rune(p)
	if len(runes) <= maxSystemPromptErrorLength {
		return p
	}
	return string(runes[:maxSystemPromptErrorLength]) + "..."
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
