package provider

import "strings"

type OllamaFactory struct {
	name     string
	endpoint string
}

func NewOllamaFactory(name string, endpoint string) *OllamaFactory {
	return &OllamaFactory{
		name:     name,
		endpoint: endpoint,
	}
}

func (f *OllamaFactory) Name() string { return f.name }

func (f *OllamaFactory) Create(model string, opts Options) Provider {
	return NewOllamaWithTemp(f.name, f.endpoint, model, opts.Temperature)
}

// AnthropicFactory constructs AnthropicProvider instances for a fixed API key.
type AnthropicFactory struct {
	apiKey  string
	baseURL string
}

func NewAnthropicFactory(apiKey, baseURL string) *AnthropicFactory {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &AnthropicFactory{apiKey: apiKey, baseURL: baseURL}
}

func (f *AnthropicFactory) Name() string { return "anthropic" }

func (f *AnthropicFactory) Create(model string, opts Options) Provider {
	return NewAnthropicWithConfig("anthropic", f.baseURL, f.apiKey, model, opts)
}

// VLLMFactory constructs VLLMProvider instances for a fixed endpoint.
type VLLMFactory struct {
	name     string
	endpoint string
	apiKey   string
}

func NewVLLMFactory(name, endpoint, apiKey string) *VLLMFactory {
	return &VLLMFactory{name: name, endpoint: endpoint, apiKey: apiKey}
}

func (f *VLLMFactory) Name() string { return f.name }

func (f *VLLMFactory) Create(model string, opts Options) Provider {
	return NewVLLMWithTemp(f.name, f.endpoint, model, f.apiKey, opts)
}

// ProviderConfig is the subset of configuration a factory needs to
// construct a provider directly, bypassing model-prefix inference.
type ProviderConfig struct {
	Name     string
	Endpoint string
	APIKey   string
	Options  Options
}

// modelPrefixes maps a model-id prefix to the provider name that serves it.
// The first matching entry wins; no two prefixes overlap, so the order of
// the entries does not change the result.
var modelPrefixes = []struct {
	prefix   string
	provider string
}{
	{"claude-", "anthropic"},
	{"gpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"qwen", "ollama"},
	{"llama", "ollama"},
	{"deepseek", "ollama"},
}

// CreateProviderForModel picks a provider by model-id prefix (§4.2 Factory).
// Unknown models return ErrProviderNotFound so the caller can fall back to
// CreateProviderWithConfig with an explicit provider name.
func CreateProviderForModel(registry *Registry, model string, opts Options) (Provider, error) {
	lower := strings.ToLower(model)
	for _, m := range modelPrefixes {
		if strings.HasPrefix(lower, m.prefix) {
			return registry.Create(m.provider, model, opts)
		}
	}
	return nil, ErrProviderNotFound
}

// CreateProviderWithConfig constructs a provider by explicit name, used when
// model-prefix inference in CreateProviderForModel fails or the caller
// already knows which backend it wants.
func CreateProviderWithConfig(registry *Registry, cfg ProviderConfig) (Provider, error) {
	return registry.Create(cfg.Name, "", cfg.Options)
}

// NewDefaultRegistry registers a built-in factory for each key of cfg that
// is a canonical provider name (anthropic, ollama, vllm, openai,
// openai-responses), built from that entry's endpoint and API key; other
// keys are ignored. Callers needing other factories register their own
// instead or in addition.
func NewDefaultRegistry(cfg map[string]ProviderConfig) *Registry {
	reg := NewRegistry()
	for name, c := range cfg {
		switch name {
		case "anthropic":
			reg.RegisterFactory(name, NewAnthropicFactory(c.APIKey, c.Endpoint))
		case "ollama":
			reg.RegisterFactory(name, NewOllamaFactory(name, c.Endpoint))
		case "vllm":
			reg.RegisterFactory(name, NewVLLMFactory(name, c.Endpoint, c.APIKey))
		case "openai":
			reg.RegisterFactory(name, NewOpenAIFactory(c.APIKey))
		case "openai-responses":
			reg.RegisterFactory(name, NewOpenAIResponsesFactory(c.APIKey))
		}
	}
	return reg
}
