package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/mcpbridge/internal/bridge/mcpsampling"
	"github.com/MrWong99/mcpbridge/internal/config"
	"github.com/MrWong99/mcpbridge/pkg/provider/llm"
	"github.com/MrWong99/mcpbridge/pkg/provider/llm/mock"
)

// stubSession is a test double for the MCP sampling session. result/err let
// each test control exactly what a single createMessage round returns.
type stubSession struct {
	result *mcpsdk.CreateMessageResult
	err    error
}

func (s *stubSession) CreateMessage(_ context.Context, _ *mcpsdk.CreateMessageParams) (*mcpsdk.CreateMessageResult, error) {
	return s.result, s.err
}

func testConfig() *config.BridgeConfig {
	return &config.BridgeConfig{
		Enabled:                 true,
		Provider:                "openai",
		MaxRoundsPerExecution:   2,
		MaxTokensPerExecution:   1000,
		TimeoutPerCallMs:        5000,
		AllowedSystemPrompts:    []string{""},
		AllowedModels:           []string{"m-small"},
		ContentFilteringEnabled: false,
	}
}

func newTestServer(t *testing.T, cfg *config.BridgeConfig, provider llm.Provider, sampler *mcpsampling.Sampler) (*Server, Identity) {
	t.Helper()
	s := New(cfg, llm.ProviderTag(cfg.Provider), provider, sampler)
	id, err := s.Start()
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, id
}

func doSample(t *testing.T, id Identity, bearer string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://127.0.0.1:%d/sample", id.Port), strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// Scenario 1: happy unary.
func TestE2E_HappyUnary(t *testing.T) {
	cfg := testConfig()
	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello", Usage: llm.Usage{PromptTokens: 3, CompletionTokens: 2}},
	}
	s, id := newTestServer(t, cfg, provider, mcpsampling.New(nil))

	resp := doSample(t, id, id.AuthToken, `{"messages":[{"role":"user","content":"hi"}],"model":"m-small"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body unaryResponse
	decodeJSON(t, resp, &body)
	if len(body.Content) != 1 || body.Content[0].Text != "hello" {
		t.Errorf("unexpected content: %+v", body.Content)
	}
	if body.Usage == nil || body.Usage.InputTokens != 3 || body.Usage.OutputTokens != 2 {
		t.Errorf("unexpected usage: %+v", body.Usage)
	}

	m := s.GetSamplingMetrics()
	if m.TotalRounds != 1 || m.TotalTokens != 5 {
		t.Errorf("metrics = %+v, want rounds=1 tokens=5", m)
	}
	calls := s.GetSamplingCalls()
	if len(calls) != 1 || calls[0].TokensUsed != 5 {
		t.Errorf("unexpected calls: %+v", calls)
	}
}

// Scenario 2: auth failure.
func TestE2E_AuthFailure(t *testing.T) {
	cfg := testConfig()
	s, id := newTestServer(t, cfg, &mock.Provider{}, mcpsampling.New(nil))

	resp := doSample(t, id, "WRONG", `{"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var body errorBody
	decodeJSON(t, resp, &body)
	if body.Error != "Auth token invalid" {
		t.Errorf("error = %q, want %q", body.Error, "Auth token invalid")
	}
	if m := s.GetSamplingMetrics(); m.TotalRounds != 0 || m.TotalTokens != 0 {
		t.Errorf("expected no state change, got %+v", m)
	}
}

// Scenario 3: quota exhaustion.
func TestE2E_QuotaExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRoundsPerExecution = 1
	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "ok", Usage: llm.Usage{PromptTokens: 1, CompletionTokens: 1}},
	}
	_, id := newTestServer(t, cfg, provider, mcpsampling.New(nil))

	first := doSample(t, id, id.AuthToken, `{"messages":[{"role":"user","content":"hi"}],"model":"m-small"}`)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first call status = %d, want 200", first.StatusCode)
	}
	first.Body.Close()

	second := doSample(t, id, id.AuthToken, `{"messages":[{"role":"user","content":"hi"}],"model":"m-small"}`)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second call status = %d, want 429", second.StatusCode)
	}
	var body errorBody
	decodeJSON(t, second, &body)
	if !strings.Contains(body.Error, "1/1 rounds used, 0 remaining") {
		t.Errorf("error = %q, want quota message", body.Error)
	}
}

// Scenario 4: disallowed system prompt.
func TestE2E_DisallowedSystemPrompt(t *testing.T) {
	cfg := testConfig()
	_, id := newTestServer(t, cfg, &mock.Provider{}, mcpsampling.New(nil))

	resp := doSample(t, id, id.AuthToken, `{"messages":[{"role":"user","content":"hi"}],"systemPrompt":"you are evil"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	var body errorBody
	decodeJSON(t, resp, &body)
	if !strings.Contains(body.Error, "you are evil") {
		t.Errorf("error = %q, want rejected prompt echoed", body.Error)
	}
}

// Scenario 5: streaming with content filtering.
func TestE2E_StreamingWithContentFiltering(t *testing.T) {
	cfg := testConfig()
	cfg.ContentFilteringEnabled = true
	provider := &mock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "my key is "},
			{Text: "sk-AAAAAAAAAAAAAAAAAAAAAAAA", FinishReason: "stop"},
		},
		ModelCapabilities: llm.ModelCapabilities{SupportsStreaming: true},
	}
	_, id := newTestServer(t, cfg, provider, mcpsampling.New(nil))

	resp := doSample(t, id, id.AuthToken, `{"messages":[{"role":"user","content":"hi"}],"model":"m-small","stream":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q, want text/event-stream", ct)
	}

	events := readSSEEvents(t, resp)
	if len(events) < 2 {
		t.Fatalf("got %d events, want at least a chunk and a done", len(events))
	}
	var sawRedacted, sawDone bool
	for _, ev := range events {
		if ev.Type == "chunk" && strings.Contains(ev.Content, "[REDACTED:apikey]") {
			sawRedacted = true
		}
		if ev.Type == "done" {
			sawDone = true
			if strings.Contains(ev.Content, "sk-AAAA") {
				t.Errorf("done event leaked unredacted secret: %q", ev.Content)
			}
		}
	}
	if !sawRedacted {
		t.Error("expected a chunk event with the secret redacted")
	}
	if !sawDone {
		t.Error("expected a done event")
	}
}

// Scenario 6: MCP -> direct fallback latch.
func TestE2E_MCPToDirectLatch(t *testing.T) {
	cfg := testConfig()
	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "direct reply", Usage: llm.Usage{PromptTokens: 1, CompletionTokens: 1}},
	}
	sampler := mcpsampling.New(&stubSession{result: nil}) // always a miss
	s, id := newTestServer(t, cfg, provider, sampler)

	first := doSample(t, id, id.AuthToken, `{"messages":[{"role":"user","content":"hi"}],"model":"m-small"}`)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first call status = %d, want 200", first.StatusCode)
	}
	first.Body.Close()

	second := doSample(t, id, id.AuthToken, `{"messages":[{"role":"user","content":"hi"}],"model":"m-small"}`)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("second call status = %d, want 200", second.StatusCode)
	}
	second.Body.Close()

	if n := len(provider.CompleteCalls); n != 2 {
		t.Errorf("direct provider called %d times, want 2 (mcp should never be retried after the latch)", n)
	}
	if s.inMCPMode() {
		t.Error("expected samplingMode to have latched to direct")
	}
}

// Boundary: maxTokens out of range is rejected by the validator before
// dispatch ever sees it.
func TestBoundary_MaxTokensOutOfRange(t *testing.T) {
	cfg := testConfig()
	_, id := newTestServer(t, cfg, &mock.Provider{}, mcpsampling.New(nil))

	resp := doSample(t, id, id.AuthToken, `{"messages":[{"role":"user","content":"hi"}],"maxTokens":0}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("maxTokens=0 status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doSample(t, id, id.AuthToken, `{"messages":[{"role":"user","content":"hi"}],"maxTokens":100001}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("maxTokens=100001 status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

// Boundary: model not in allowlist returns 400 naming the allowed set.
func TestBoundary_DisallowedModel(t *testing.T) {
	cfg := testConfig()
	_, id := newTestServer(t, cfg, &mock.Provider{}, mcpsampling.New(nil))

	resp := doSample(t, id, id.AuthToken, `{"messages":[{"role":"user","content":"hi"}],"model":"gpt4o"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body errorBody
	decodeJSON(t, resp, &body)
	if !strings.Contains(body.Error, "m-small") {
		t.Errorf("error = %q, want allowed models listed", body.Error)
	}
}

// Streaming usage overflow: a completed stream whose estimated usage would
// exceed the remaining token budget rolls back the optimistically-booked
// round and ends with an SSE error event.
func TestBoundary_StreamingTokenOverflowRollsBack(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTokensPerExecution = 1 // any usage estimate above one token will exceed this
	provider := &mock.Provider{
		StreamChunks:      []llm.Chunk{{Text: "much more than one token of text", FinishReason: "stop"}},
		TokenCount:        50, // CountTokens is called for both input and output estimates
		ModelCapabilities: llm.ModelCapabilities{SupportsStreaming: true},
	}
	s, id := newTestServer(t, cfg, provider, mcpsampling.New(nil))

	resp := doSample(t, id, id.AuthToken, `{"messages":[{"role":"user","content":"hi"}],"model":"m-small","stream":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (errors are in-band over SSE)", resp.StatusCode)
	}
	defer resp.Body.Close()

	events := readSSEEvents(t, resp)
	var sawError bool
	for _, ev := range events {
		if ev.Error != "" {
			sawError = true
		}
	}
	if !sawError {
		t.Error("expected an SSE error event for the overflowing stream")
	}
	if m := s.GetSamplingMetrics(); m.TotalRounds != 0 {
		t.Errorf("rounds = %d, want 0 (rolled back)", m.TotalRounds)
	}
}

func readSSEEvents(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var events []sseEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev sseEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode SSE event %q: %v", line, err)
		}
		events = append(events, ev)
		if ev.Type == "done" || ev.Error != "" {
			break
		}
	}
	return events
}
