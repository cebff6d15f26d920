package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [BridgeConfig]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*BridgeConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
//
// Decoding rejects unknown fields: a typo in the YAML document is a load
// error, not a silently-ignored key.
func LoadFromReader(r io.Reader) (*BridgeConfig, error) {
	cfg := &BridgeConfig{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found, not just the first.
func Validate(cfg *BridgeConfig) error {
	var errs []error

	if cfg.Provider == "" {
		errs = append(errs, errors.New("provider is required"))
	} else if !validProviderTags[cfg.Provider] {
		errs = append(errs, fmt.Errorf("provider %q is invalid; valid values: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", cfg.Provider))
	}

	if cfg.MaxRoundsPerExecution == 0 {
		errs = append(errs, errors.New("max_rounds_per_execution must be greater than zero"))
	}
	if cfg.MaxTokensPerExecution == 0 {
		errs = append(errs, errors.New("max_tokens_per_execution must be greater than zero"))
	}
	if cfg.TimeoutPerCallMs == 0 {
		errs = append(errs, errors.New("timeout_per_call_ms must be greater than zero"))
	}

	seenPrompts := make(map[string]int, len(cfg.AllowedSystemPrompts))
	for i, p := range cfg.AllowedSystemPrompts {
		if prev, ok := seenPrompts[p]; ok {
			errs = append(errs, fmt.Errorf("allowed_system_prompts[%d] is a duplicate of allowed_system_prompts[%d]", i, prev))
			continue
		}
		seenPrompts[p] = i
	}

	seenModels := make(map[string]int, len(cfg.AllowedModels))
	for i, m := range cfg.AllowedModels {
		if m == "" {
			errs = append(errs, fmt.Errorf("allowed_models[%d] must not be empty", i))
			continue
		}
		if prev, ok := seenModels[m]; ok {
			errs = append(errs, fmt.Errorf("allowed_models[%d] is a duplicate of allowed_models[%d]", i, prev))
			continue
		}
		seenModels[m] = i
	}
	if len(cfg.AllowedModels) == 0 {
		errs = append(errs, errors.New("allowed_models must list at least one model"))
	}

	return errors.Join(errs...)
}
