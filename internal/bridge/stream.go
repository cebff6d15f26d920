package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/mcpbridge/internal/bridge/filter"
	"github.com/MrWong99/mcpbridge/internal/bridge/ratelimit"
	"github.com/MrWong99/mcpbridge/internal/bridge/validate"
	"github.com/MrWong99/mcpbridge/pkg/provider/llm"
)

// sseEvent mirrors the three shapes a streaming /sample response may emit.
type sseEvent struct {
	Type    string     `json:"type,omitempty"`
	Content string     `json:"content,omitempty"`
	Usage   *usagePart `json:"usage,omitempty"`
	Error   string     `json:"error,omitempty"`
	Details string     `json:"details,omitempty"`
}

// dispatchStreaming handles stream=true requests. Streaming is only
// supported over a direct provider; MCP sampling has no streaming
// equivalent in this bridge.
func (s *Server) dispatchStreaming(ctx context.Context, w http.ResponseWriter, req *validate.BridgeRequest, model string, maxTokens int) {
	if s.provider == nil {
		writeError(w, http.StatusServiceUnavailable, "No viable upstream: streaming requires a direct provider and none is configured")
		return
	}
	if !s.provider.Capabilities().SupportsStreaming {
		writeError(w, http.StatusServiceUnavailable, "Configured provider does not support streaming")
		return
	}

	chunks, err := s.provider.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:     toLLMMessages(req.Messages),
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    maxTokens,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Provider API error", err.Error())
		return
	}

	start := time.Now()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	s.limiter.WithUpdate(func(l *ratelimit.Limiter) {
		l.IncrementRoundsLocked()
	})

	var fullText strings.Builder

	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			s.rollbackRound()
			writeSSE(w, flusher, sseEvent{Error: "Provider API error", Details: chunk.Text})
			return
		}

		if chunk.Text != "" {
			filtered := chunk.Text
			if s.cfg.ContentFilteringEnabled {
				filtered, _ = filter.Scan(filtered)
			}
			fullText.WriteString(filtered)
			if !writeSSE(w, flusher, sseEvent{Type: "chunk", Content: filtered}) {
				// Client disconnected; stop iterating without further
				// accounting work. The round stays booked, matching the
				// "stream completion" path not having been reached.
				return
			}
		}

		select {
		case <-ctx.Done():
			s.rollbackRound()
			writeSSE(w, flusher, sseEvent{Error: "Request timed out"})
			return
		default:
		}
	}

	// The streaming channel carries no usage event (llm.Chunk has no usage
	// field), so input/output token counts are estimated the same way
	// CountTokens is documented to be used elsewhere: once over the
	// original messages, once over the generated text.
	inputTokens, outputTokens := s.estimateStreamUsage(req.Messages, fullText.String())
	tokensUsed := inputTokens + outputTokens

	var accepted bool
	s.limiter.WithUpdate(func(l *ratelimit.Limiter) {
		if !l.CheckTokenLimitLocked(tokensUsed) {
			l.DecrementRoundsLocked()
			return
		}
		accepted = true
		l.IncrementTokensLocked(tokensUsed)
	})

	if !accepted {
		writeSSE(w, flusher, sseEvent{Error: s.quotaExceededMessage(false)})
		return
	}

	text := fullText.String()
	s.recordCall(SamplingCall{
		Model:        model,
		Messages:     toLLMMessages(req.Messages),
		SystemPrompt: req.SystemPrompt,
		Response:     text,
		DurationMs:   time.Since(start).Milliseconds(),
		TokensUsed:   tokensUsed,
		Timestamp:    time.Now().UTC(),
	})

	writeSSE(w, flusher, sseEvent{
		Type:    "done",
		Content: text,
		Usage:   &usagePart{InputTokens: inputTokens, OutputTokens: outputTokens},
	})
}

// estimateStreamUsage approximates input/output token counts for a
// completed stream via the provider's CountTokens, since the streaming
// channel itself never reports usage. A CountTokens failure is logged and
// treated as zero rather than failing the whole request: the stream has
// already been delivered to the caller.
func (s *Server) estimateStreamUsage(messages []validate.Message, generated string) (uint32, uint32) {
	in, err := s.provider.CountTokens(toLLMMessages(messages))
	if err != nil {
		slog.Warn("bridge: count input tokens failed", "execution_id", s.executionID, "err", err)
		in = 0
	}
	out, err := s.provider.CountTokens([]llm.Message{{Role: "assistant", Content: generated}})
	if err != nil {
		slog.Warn("bridge: count output tokens failed", "execution_id", s.executionID, "err", err)
		out = 0
	}
	return uint32(in), uint32(out)
}

// rollbackRound undoes the optimistic round increment made at the start of
// dispatchStreaming. This is the only caller of DecrementRoundsLocked
// outside the completion-time token recheck.
func (s *Server) rollbackRound() {
	s.limiter.WithUpdate(func(l *ratelimit.Limiter) {
		l.DecrementRoundsLocked()
	})
}

// writeSSE marshals ev as single-line JSON and writes one "data: ...\n\n"
// frame, flushing immediately. Returns false if the write failed (the
// client disconnected), signalling the caller to stop iterating.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev sseEvent) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	// SSE frames are newline-delimited; the JSON encoder never emits raw
	// newlines, but guard against it anyway since this is untrusted text.
	if bytes.ContainsRune(payload, '\n') {
		payload = bytes.ReplaceAll(payload, []byte{'\n'}, nil)
	}

	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write(payload); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return false
	}
	if flusher != nil {
		flusher.Flush()
	}
	return true
}
