package mcpsampling

import (
	"context"
	"errors"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/mcpbridge/internal/bridge/validate"
)

type stubSession struct {
	result *mcpsdk.CreateMessageResult
	err    error
}

func (s *stubSession) CreateMessage(_ context.Context, _ *mcpsdk.CreateMessageParams) (*mcpsdk.CreateMessageResult, error) {
	return s.result, s.err
}

func TestAvailable_NilSampler(t *testing.T) {
	var s *Sampler
	if s.Available() {
		t.Error("nil *Sampler should report unavailable")
	}
}

func TestAvailable_NilSession(t *testing.T) {
	s := New(nil)
	if s.Available() {
		t.Error("Sampler with nil session should report unavailable")
	}
}

func TestTryCreateMessage_NoSessionIsMiss(t *testing.T) {
	s := New(nil)
	resp, ok := s.TryCreateMessage(context.Background(), nil, "m", 10, "")
	if ok || resp != nil {
		t.Error("expected a miss when no session is configured")
	}
}

func TestTryCreateMessage_TransportErrorIsMiss(t *testing.T) {
	s := New(&stubSession{err: errors.New("boom")})
	resp, ok := s.TryCreateMessage(context.Background(), nil, "m", 10, "")
	if ok || resp != nil {
		t.Error("expected a miss on transport error")
	}
}

func TestTryCreateMessage_UnsupportedContentIsMiss(t *testing.T) {
	s := New(&stubSession{result: &mcpsdk.CreateMessageResult{Content: &mcpsdk.ImageContent{}}})
	resp, ok := s.TryCreateMessage(context.Background(), nil, "m", 10, "")
	if ok || resp != nil {
		t.Error("expected a miss for non-text content")
	}
}

func TestTryCreateMessage_Success(t *testing.T) {
	s := New(&stubSession{result: &mcpsdk.CreateMessageResult{
		Content:    &mcpsdk.TextContent{Text: "hello"},
		Model:      "m-small",
		StopReason: "end_turn",
	}})

	messages := []validate.Message{
		{Role: validate.RoleSystem, Content: "be terse"},
		{Role: validate.RoleUser, Content: "hi"},
	}
	resp, ok := s.TryCreateMessage(context.Background(), messages, "m-small", 10, "be terse")
	if !ok {
		t.Fatal("expected a hit")
	}
	if resp.Text != "hello" || resp.Model != "m-small" || resp.StopReason != "end_turn" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestToSamplingMessages_DropsSystemRole(t *testing.T) {
	messages := []validate.Message{
		{Role: validate.RoleSystem, Content: "be terse"},
		{Role: validate.RoleUser, Content: "hi"},
	}
	out := toSamplingMessages(messages)
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1 (system role dropped)", len(out))
	}
	if out[0].Role != mcpsdk.Role(validate.RoleUser) {
		t.Errorf("unexpected role: %v", out[0].Role)
	}
}
