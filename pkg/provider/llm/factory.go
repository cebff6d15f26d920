package llm

import (
	"fmt"
	"os"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/mcpbridge/pkg/provider/llm/anyllm"
	"github.com/MrWong99/mcpbridge/pkg/provider/llm/openai"
)

// ProviderTag identifies one of the closed set of direct-dispatch LLM
// backends a bridge configuration may select.
type ProviderTag string

// The closed set of provider tags a BridgeConfig.Provider field may name.
const (
	ProviderOpenAI    ProviderTag = "openai"
	ProviderAnthropic ProviderTag = "anthropic"
	ProviderGemini    ProviderTag = "gemini"
	ProviderOllama    ProviderTag = "ollama"
	ProviderDeepSeek  ProviderTag = "deepseek"
	ProviderMistral   ProviderTag = "mistral"
	ProviderGroq      ProviderTag = "groq"
	ProviderLlamaCpp  ProviderTag = "llamacpp"
	ProviderLlamaFile ProviderTag = "llamafile"
)

// IsValid reports whether t is one of the known provider tags.
func (t ProviderTag) IsValid() bool {
	_, ok := envVarByTag[t]
	return ok
}

// envVarByTag maps each credentialed provider tag to the environment variable
// its credential is read from. Local-inference tags (ollama, llamacpp,
// llamafile) map to the empty string: they need no credential.
var envVarByTag = map[ProviderTag]string{
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderGemini:    "GEMINI_API_KEY",
	ProviderDeepSeek:  "DEEPSEEK_API_KEY",
	ProviderMistral:   "MISTRAL_API_KEY",
	ProviderGroq:      "GROQ_API_KEY",
	ProviderOllama:    "",
	ProviderLlamaCpp:  "",
	ProviderLlamaFile: "",
}

// defaultModelByTag gives a sane model default for each provider tag when the
// caller does not name one explicitly.
var defaultModelByTag = map[ProviderTag]string{
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-haiku-latest",
	ProviderGemini:    "gemini-1.5-flash",
	ProviderOllama:    "llama3",
	ProviderDeepSeek:  "deepseek-chat",
	ProviderMistral:   "mistral-small-latest",
	ProviderGroq:      "llama-3.1-8b-instant",
	ProviderLlamaCpp:  "local",
	ProviderLlamaFile: "local",
}

// DefaultModel returns the default model name used for tag when a request
// does not specify one.
func DefaultModel(tag ProviderTag) string {
	return defaultModelByTag[tag]
}

// NewFromTag constructs a Provider for the given tag and model.
//
// Returns (nil, nil) — not an error — when tag names a credentialed backend
// whose environment variable is unset. The absence of a credential is a
// deployment fact, not a construction failure: the caller starts the bridge
// regardless and the direct-dispatch path responds with an upstream-
// unavailable error only if and when a request actually needs it.
//
// Returns an error for an unknown tag, or when the backend constructor itself
// fails.
func NewFromTag(tag ProviderTag, model string) (Provider, error) {
	envVar, ok := envVarByTag[tag]
	if !ok {
		return nil, fmt.Errorf("llm: unknown provider tag %q", tag)
	}
	if model == "" {
		model = defaultModelByTag[tag]
	}

	var apiKey string
	if envVar != "" {
		apiKey = os.Getenv(envVar)
		if apiKey == "" {
			return nil, nil
		}
	}

	if tag == ProviderOpenAI {
		return openai.New(apiKey, model)
	}

	var opts []anyllmlib.Option
	if apiKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey))
	}
	return anyllm.New(string(tag), model, opts...)
}
