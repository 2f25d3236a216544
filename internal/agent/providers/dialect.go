// Package providers implements the LLM wire adapters. Each adapter speaks
// one vendor dialect and converts it to the canonical chunk stream the chat
// loop consumes.
package providers

import (
	"strings"

	"github.com/haasonsaas/agentd/internal/agent"
	"github.com/haasonsaas/agentd/internal/config"
)

// Dialect is the wire protocol family of an endpoint.
type Dialect int

const (
	// DialectOpenAI covers the OpenAI chat-completions protocol and its
	// many compatible servers.
	DialectOpenAI Dialect = iota
	// DialectAnthropic covers the Anthropic messages protocol.
	DialectAnthropic
)

func (d Dialect) String() string {
	if d == DialectAnthropic {
		return "anthropic"
	}
	return "openai"
}

// DetectDialect resolves the dialect for an endpoint. An explicit provider
// name is authoritative; the base-URL heuristic is only the default.
func DetectDialect(provider, baseURL string) Dialect {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "anthropic":
		return DialectAnthropic
	case "openai", "openrouter", "deepseek", "google", "ollama", "lmstudio":
		return DialectOpenAI
	}

	host := strings.ToLower(baseURL)
	switch {
	case strings.Contains(host, "anthropic.com"):
		return DialectAnthropic
	case strings.Contains(host, "googleapis.com"),
		strings.Contains(host, "openrouter.ai"),
		strings.Contains(host, "deepseek.com"),
		strings.Contains(host, ":11434"),
		strings.Contains(host, ":1234"):
		return DialectOpenAI
	}
	return DialectOpenAI
}

// New builds the provider adapter for one configured endpoint.
func New(name string, cfg config.ProviderConfig) agent.LLMProvider {
	switch DetectDialect(cfg.Provider, cfg.BaseURL) {
	case DialectAnthropic:
		return NewAnthropicProvider(name, cfg)
	default:
		return NewOpenAIProvider(name, cfg)
	}
}
