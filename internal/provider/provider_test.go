package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestCollectStream_TokenConcatenation(t *testing.T) {
	p := NewMock("mock", "").WithTokens("he", "llo").WithFinishReason(FinishStop)
	ch, err := p.ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	resp, err := CollectStream(ch)
	if err != nil {
		t.Fatalf("CollectStream: %v", err)
	}
	if resp.Content != "hello" {
		t.Fatalf("content = %q, want %q", resp.Content, "hello")
	}
}

func TestCollectStream_ToolCallBuffering(t *testing.T) {
	args := json.RawMessage(`{"path":"README.md"}`)
	p := NewMock("mock", "").WithToolCalls([]ToolCall{{ID: "c1", Name: "read_file", Arguments: args}})
	ch, err := p.ChatStream(context.Background(), []Message{{Role: "user", Content: "read it"}}, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	resp, err := CollectStream(ch)
	if err != nil {
		t.Fatalf("CollectStream: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "read_file" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if string(resp.ToolCalls[0].Arguments) != string(args) {
		t.Fatalf("arguments = %s, want %s", resp.ToolCalls[0].Arguments, args)
	}
	if resp.FinishReason != FinishToolCalls {
		t.Fatalf("finish reason = %v, want %v", resp.FinishReason, FinishToolCalls)
	}
}

func TestCollectStream_StreamError(t *testing.T) {
	wantErr := errors.New("boom")
	p := NewMock("mock", "partial").WithStreamError(wantErr)
	ch, err := p.ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if _, err := CollectStream(ch); !errors.Is(err, wantErr) {
		t.Fatalf("CollectStream error = %v, want %v", err, wantErr)
	}
}

func TestChatStream_CancelBeforeStart(t *testing.T) {
	p := NewMock("mock", "hello").SetDelay(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.ChatStream(ctx, []Message{{Role: "user", Content: "hi"}}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestValidateChatRequest(t *testing.T) {
	cases := []struct {
		name          string
		req           ChatRequest
		supportsTools bool
		wantErr       bool
	}{
		{"empty messages", ChatRequest{}, true, true},
		{"tools without support", ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}, Tools: []Tool{{Name: "x"}}}, false, true},
		{"tool message missing id", ChatRequest{Messages: []Message{{Role: "tool", Content: "x"}}}, true, true},
		{"duplicate tool names", ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}, Tools: []Tool{{Name: "a"}, {Name: "a"}}}, true, true},
		{"valid", ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}}, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateChatRequest(tc.req, tc.supportsTools)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestCreateProviderForModel(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFactory("anthropic", NewMockFactory("anthropic", "hi"))
	reg.RegisterFactory("openai", NewMockFactory("openai", "hi"))

	p, err := CreateProviderForModel(reg, "claude-sonnet-4-5", Options{})
	if err != nil {
		t.Fatalf("CreateProviderForModel: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Fatalf("got provider %q, want anthropic", p.Name())
	}

	if _, err := CreateProviderForModel(reg, "totally-unknown-model", Options{}); !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("expected ErrProviderNotFound, got %v", err)
	}
}

func TestRegistryListAllModels(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFactory("a", NewMockFactory("a", "hi"))
	reg.RegisterFactory("b", NewMockFactory("b", "hi"))

	models := reg.ListAllModels(context.Background(), Options{})
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2", len(models))
	}
}
