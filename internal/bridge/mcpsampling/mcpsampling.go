// Package mcpsampling implements the MCP Sampling Path (C6): a thin adapter
// over an upstream MCP client session's createMessage capability.
//
// The only MCP SDK surface this package touches is *mcp.ServerSession's
// CreateMessage method, wrapped immediately behind a narrow local interface.
// Keeping that boundary narrow contains this package's exposure to the one
// part of the SDK surface this codebase exercises the least — if the server-
// side sampling API differs from what's assumed here, only this file needs
// to change.
package mcpsampling

import (
	"context"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/mcpbridge/internal/bridge/validate"
)

// Response is the flattened result of a successful MCP sampling call.
type Response struct {
	Text       string
	StopReason string
	Model      string
}

// sessionSampler is satisfied by *mcpsdk.ServerSession. Defining it locally,
// rather than depending on the SDK's session type directly, lets tests supply
// a stub without standing up a real MCP session.
type sessionSampler interface {
	CreateMessage(ctx context.Context, params *mcpsdk.CreateMessageParams) (*mcpsdk.CreateMessageResult, error)
}

// Sampler adapts a sessionSampler to the bridge's tryCreateMessage contract.
// A nil or unset session means no upstream MCP sampling capability is
// available; Sampler handles that case by always returning a miss rather than
// panicking, since "no MCP capability" and "MCP call failed" are handled
// identically by the caller (fall through to the direct provider).
type Sampler struct {
	session sessionSampler
}

// New constructs a Sampler over session. Passing a nil session is valid and
// produces a Sampler that always reports unavailable.
func New(session sessionSampler) *Sampler {
	return &Sampler{session: session}
}

// Available reports whether an MCP session exposing createMessage is wired
// in. The server's mode-selection logic consults this once at startup to
// choose the initial samplingMode.
func (s *Sampler) Available() bool {
	return s != nil && s.session != nil
}

// TryCreateMessage attempts one MCP sampling round. It never returns an
// error: any failure — no session configured, transport error, unsupported
// response content — is reported as a miss (ok=false) so the caller can fall
// back to a direct provider without special-casing failure modes.
//
// MCP's createMessage does not report token usage, so accounting for a
// successful call is the caller's responsibility (the conservative
// maxTokens-based estimate described in the server's unary dispatch).
func (s *Sampler) TryCreateMessage(ctx context.Context, messages []validate.Message, model string, maxTokens int, systemPrompt string) (*Response, bool) {
	if !s.Available() {
		return nil, false
	}

	params := &mcpsdk.CreateMessageParams{
		Messages:     toSamplingMessages(messages),
		MaxTokens:    int64(maxTokens),
		SystemPrompt: systemPrompt,
	}

	result, err := s.session.CreateMessage(ctx, params)
	if err != nil {
		slog.Warn("mcp sampling call failed, falling back to direct provider", "error", err)
		return nil, false
	}
	if result == nil {
		return nil, false
	}

	text, ok := extractText(result.Content)
	if !ok {
		slog.Warn("mcp sampling call returned unsupported content type, falling back to direct provider")
		return nil, false
	}

	return &Response{Text: text, StopReason: result.StopReason, Model: result.Model}, true
}

// toSamplingMessages converts validated bridge messages into the SDK's
// sampling message shape. The system role is carried separately via
// CreateMessageParams.SystemPrompt, so system-role turns are dropped here
// rather than duplicated into the message list.
func toSamplingMessages(messages []validate.Message) []*mcpsdk.SamplingMessage {
	out := make([]*mcpsdk.SamplingMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == validate.RoleSystem {
			continue
		}
		out = append(out, &mcpsdk.SamplingMessage{
			Role:    mcpsdk.Role(m.Role),
			Content: &mcpsdk.TextContent{Text: m.Content},
		})
	}
	return out
}

// extractText returns the text of content if it is a text content block.
// Non-text content (e.g., an image) is not supported by this bridge, mirroring
// the same restriction the request validator applies to inbound content.
func extractText(content mcpsdk.Content) (string, bool) {
	tc, ok := content.(*mcpsdk.TextContent)
	if !ok {
		return "", false
	}
	return tc.Text, true
}
