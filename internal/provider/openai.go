package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const openAIDefaultBaseURL = "https://api.openai.com/v1"

type openAIChatRequest struct {
	Model         string                          `json:"model"`
	Messages      []openai.ChatCompletionMessage  `json:"messages"`
	Tools         []openai.Tool                   `json:"tools,omitempty"`
	Temperature   float32                         `json:"temperature,omitempty"`
	Stream        bool                            `json:"stream"`
	StreamOptions *chatStreamOptions              `json:"stream_options,omitempty"`
}

// OpenAIProvider talks to either the Chat Completions endpoint or the newer
// Responses endpoint, selected at construction time. Both share this struct
// because the only difference is wire shape, not capability — the §4.2
// normalization contract is identical on both paths.
type OpenAIProvider struct {
	name           string
	baseURL        string
	apiKey         string
	model          string
	temperature    float64
	useResponsesAPI bool
	httpClient     *http.Client
}

// NewOpenAI creates a Chat Completions-backed provider.
func NewOpenAI(apiKey, model string, opts Options) *OpenAIProvider {
	return newOpenAIProvider("openai", openAIDefaultBaseURL, apiKey, model, opts, false)
}

// NewOpenAIResponses creates a Responses API-backed provider for the same
// account; use this for models that only expose reasoning traces or
// background-mode execution via /responses.
func NewOpenAIResponses(apiKey, model string, opts Options) *OpenAIProvider {
	return newOpenAIProvider("openai-responses", openAIDefaultBaseURL, apiKey, model, opts, true)
}

// NewOpenAICompatible builds a provider against any Chat Completions
// compatible gateway (OpenRouter, a self-hosted proxy, …) under a caller
// supplied name and base URL.
func NewOpenAICompatible(name, baseURL, apiKey, model string, opts Options) *OpenAIProvider {
	return newOpenAIProvider(name, baseURL, apiKey, model, opts, false)
}

func newOpenAIProvider(name, baseURL, apiKey, model string, opts Options, responses bool) *OpenAIProvider {
	return &OpenAIProvider{
		name:            name,
		baseURL:         strings.TrimRight(baseURL, "/"),
		apiKey:          apiKey,
		model:           model,
		temperature:     opts.Temperature,
		useResponsesAPI: responses,
		httpClient:      &http.Client{},
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) SupportsStreaming() bool { return true }

func (p *OpenAIProvider) SupportsTools(model string) bool {
	return !strings.HasPrefix(model, "o1-mini")
}

func (p *OpenAIProvider) SupportsReasoningEffort(model string) bool {
	return strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "gpt-5")
}

func (p *OpenAIProvider) SupportedModels() []string {
	return []string{"gpt-4.1", "gpt-4.1-mini", "gpt-4o", "gpt-4o-mini", "o1", "o3", "o3-mini"}
}

func (p *OpenAIProvider) ValidateRequest(req ChatRequest) error {
	return ValidateChatRequest(req, p.SupportsTools(req.Model))
}

func (p *OpenAIProvider) Generate(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	ch, err := p.ChatStream(ctx, req.Messages, req.Tools)
	if err != nil {
		return nil, err
	}
	return CollectStream(ch)
}

func (p *OpenAIProvider) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	if p.useResponsesAPI {
		return p.responsesStream(ctx, messages, tools)
	}
	return p.chatCompletionsStream(ctx, messages, tools)
}

func (p *OpenAIProvider) chatCompletionsStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	body, err := json.Marshal(openAIChatRequest{
		Model:         p.model,
		Messages:      mergeSystemMessagesOpenAI(toOpenAIMessages(messages)),
		Tools:         toOpenAITools(tools),
		Temperature:   float32(p.temperature),
		Stream:        true,
		StreamOptions: &chatStreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, &Error{Kind: ErrKindInvalidRequest, Message: "encode openai request", Cause: err}
	}

	reader, err := httpDoSSE(ctx, httpRequestConfig{
		client:   p.httpClient,
		url:      p.baseURL + "/chat/completions",
		body:     body,
		headers:  p.authHeaders(),
		provider: p.name,
		model:    p.model,
	})
	if err != nil {
		return nil, &Error{Kind: ErrKindNetwork, Message: "openai stream request", Cause: err}
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer reader.Close()
		parseSSEStream(ctx, reader, ch)
	}()
	return ch, nil
}

// responsesStream drives the typed-content-block Responses API, grounding
// the "Responses-style backend" conversion rule: messages become
// input_text/output_text/tool_call/tool_result items.
func (p *OpenAIProvider) responsesStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	body, err := json.Marshal(responsesRequest{
		Model:  p.model,
		Input:  toResponsesInput(messages),
		Tools:  toResponsesTools(tools),
		Stream: true,
	})
	if err != nil {
		return nil, &Error{Kind: ErrKindInvalidRequest, Message: "encode responses request", Cause: err}
	}

	reader, err := httpDoSSE(ctx, httpRequestConfig{
		client:   p.httpClient,
		url:      p.baseURL + "/responses",
		body:     body,
		headers:  p.authHeaders(),
		provider: p.name,
		model:    p.model,
	})
	if err != nil {
		return nil, &Error{Kind: ErrKindNetwork, Message: "openai responses stream request", Cause: err}
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer reader.Close()
		parseResponsesSSEStream(ctx, reader, ch)
	}()
	return ch, nil
}

func (p *OpenAIProvider) ListModels(ctx context.Context) ([]Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	for k, v := range p.authHeaders() {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: ErrKindNetwork, Message: "openai list models", Cause: err}
	}
	defer resp.Body.Close()

	var listResp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, err
	}
	out := make([]Model, 0, len(listResp.Data))
	for _, m := range listResp.Data {
		out = append(out, Model{Name: m.ID})
	}
	return out, nil
}

func (p *OpenAIProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// OpenAIFactory constructs OpenAIProvider instances for a fixed API key.
type OpenAIFactory struct {
	apiKey    string
	baseURL   string
	responses bool
}

func NewOpenAIFactory(apiKey string) *OpenAIFactory {
	return &OpenAIFactory{apiKey: apiKey, baseURL: openAIDefaultBaseURL}
}

func NewOpenAIResponsesFactory(apiKey string) *OpenAIFactory {
	return &OpenAIFactory{apiKey: apiKey, baseURL: openAIDefaultBaseURL, responses: true}
}

func (f *OpenAIFactory) Name() string {
	if f.responses {
		return "openai-responses"
	}
	return "openai"
}

func (f *OpenAIFactory) Create(model string, opts Options) Provider {
	return newOpenAIProvider(f.Name(), f.baseURL, f.apiKey, model, opts, f.responses)
}
