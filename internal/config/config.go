// Package config provides the on-disk schema, loader, and validation for the
// settings an orchestrator uses to construct a sampling bridge server.
//
// The bridge core itself never touches a filesystem or environment variable
// (configuration is handed to it by its caller); this package is the
// orchestrator-side concern of turning a YAML document into a [BridgeConfig].
package config

// BridgeConfig is the immutable, per-execution configuration for one Sampling
// Bridge Server instance. One BridgeConfig is produced per sandboxed
// execution and is never persisted by the bridge itself.
type BridgeConfig struct {
	// Enabled is the master switch. If false, the bridge must refuse to start.
	Enabled bool `yaml:"enabled"`

	// Provider selects the LLM backend used for direct dispatch. Valid values
	// are the closed set of provider tags: openai, anthropic, gemini, ollama,
	// deepseek, mistral, groq, llamacpp, llamafile.
	Provider string `yaml:"provider"`

	// MaxRoundsPerExecution is the hard ceiling on the number of sampling
	// calls this execution may make.
	MaxRoundsPerExecution uint32 `yaml:"max_rounds_per_execution"`

	// MaxTokensPerExecution is the hard ceiling on cumulative input+output
	// tokens this execution may consume.
	MaxTokensPerExecution uint32 `yaml:"max_tokens_per_execution"`

	// TimeoutPerCallMs is the per-upstream-call deadline applied to both the
	// unary and streaming dispatch paths.
	TimeoutPerCallMs uint32 `yaml:"timeout_per_call_ms"`

	// AllowedSystemPrompts is the exact-match allowlist for the systemPrompt
	// field of a sampling request. The empty string is always allowed
	// regardless of whether it is listed here.
	AllowedSystemPrompts []string `yaml:"allowed_system_prompts"`

	// AllowedModels is the exact-match allowlist for the model field of a
	// sampling request, applied after defaulting.
	AllowedModels []string `yaml:"allowed_models"`

	// ContentFilteringEnabled turns the content filter on or off for this
	// execution.
	ContentFilteringEnabled bool `yaml:"content_filtering_enabled"`
}

// validProviderTags lists the closed set of provider tags a BridgeConfig may
// name. Kept local to config so Validate does not need to import the provider
// package just to check membership.
var validProviderTags = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"gemini":    true,
	"ollama":    true,
	"deepseek":  true,
	"mistral":   true,
	"groq":      true,
	"llamacpp":  true,
	"llamafile": true,
}
