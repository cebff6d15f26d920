package bridge

import (
	"context"
	"net/http"
	"time"

	"github.com/MrWong99/mcpbridge/internal/bridge/filter"
	"github.com/MrWong99/mcpbridge/internal/bridge/ratelimit"
	"github.com/MrWong99/mcpbridge/internal/bridge/validate"
	"github.com/MrWong99/mcpbridge/pkg/provider/llm"
)

// unaryResponse is the JSON shape of a 200 response from dispatchUnary.
type unaryResponse struct {
	Content    []contentPart `json:"content"`
	StopReason string        `json:"stopReason,omitempty"`
	Model      string        `json:"model,omitempty"`
	Usage      *usagePart    `json:"usage,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usagePart struct {
	InputTokens  uint32 `json:"inputTokens"`
	OutputTokens uint32 `json:"outputTokens"`
}

// dispatchUnary handles a non-streaming /sample request. If samplingMode is
// mcp, it first tries C6; on a miss it latches to direct (once, for the
// life of the bridge) and falls through to the direct provider.
func (s *Server) dispatchUnary(ctx context.Context, w http.ResponseWriter, req *validate.BridgeRequest, model string, maxTokens int) {
	start := time.Now()

	var (
		text         string
		stopReason   string
		respModel    string
		inputTokens  uint32
		outputTokens uint32
		tokensUsed   uint32
		handled      bool
	)

	if s.inMCPMode() {
		if resp, ok := s.sampler.TryCreateMessage(ctx, req.Messages, model, maxTokens, req.SystemPrompt); ok {
			text, stopReason, respModel = resp.Text, resp.StopReason, resp.Model
			// MCP reports no token counts, so a successful MCP call is
			// charged the full maxTokens as a conservative estimate.
			tokensUsed = uint32(maxTokens)
			handled = true
		} else {
			s.latchToDirect()
		}
	}

	if !handled {
		if s.provider == nil {
			writeError(w, http.StatusServiceUnavailable, "No viable upstream: MCP sampling unavailable and no direct provider configured")
			return
		}

		resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
			Messages:     toLLMMessages(req.Messages),
			SystemPrompt: req.SystemPrompt,
			MaxTokens:    maxTokens,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Provider API error", err.Error())
			return
		}

		text = resp.Content
		respModel = model
		inputTokens = uint32(resp.Usage.PromptTokens)
		outputTokens = uint32(resp.Usage.CompletionTokens)
		tokensUsed = inputTokens + outputTokens
	}

	// Re-check under rate-limit-update, then commit atomically.
	var accepted bool
	s.limiter.WithUpdate(func(l *ratelimit.Limiter) {
		if !l.CheckTokenLimitLocked(tokensUsed) {
			return
		}
		accepted = true
		l.IncrementRoundsLocked()
		l.IncrementTokensLocked(tokensUsed)
	})
	if !accepted {
		writeError(w, http.StatusTooManyRequests, s.quotaExceededMessage(false))
		return
	}

	if s.cfg.ContentFilteringEnabled {
		text, _ = filter.Scan(text)
	}

	s.recordCall(SamplingCall{
		Model:        respModel,
		Messages:     toLLMMessages(req.Messages),
		SystemPrompt: req.SystemPrompt,
		Response:     text,
		DurationMs:   time.Since(start).Milliseconds(),
		TokensUsed:   tokensUsed,
		Timestamp:    time.Now().UTC(),
	})

	body := unaryResponse{
		Content:    []contentPart{{Type: "text", Text: text}},
		StopReason: stopReason,
		Model:      respModel,
	}
	if inputTokens != 0 || outputTokens != 0 {
		body.Usage = &usagePart{InputTokens: inputTokens, OutputTokens: outputTokens}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = writeJSON(w, body)
}

// toLLMMessages projects system-role turns out of the message list (the
// caller passes SystemPrompt separately) and converts the rest to the
// provider package's message shape.
func toLLMMessages(messages []validate.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == validate.RoleSystem {
			continue
		}
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
