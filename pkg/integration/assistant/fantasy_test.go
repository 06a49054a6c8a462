package assistant

import (
	"context"
	"errors"
	"fmt"
	"testing"

	core "charm.land/fantasy"
)

type fakeLanguageModelProvider struct {
	model     core.LanguageModel
	err       error
	lastID    string
	callCount int
}

func (f *fakeLanguageModelProvider) LanguageModel(_ context.Context, modelID string) (core.LanguageModel, error) {
	f.callCount++
	f.lastID = modelID
	if f.err != nil {
		return nil, f.err
	}

	return f.model, nil
}

type fakeLanguageModel struct{}

func (f *fakeLanguageModel) Generate(context.Context, core.Call) (*core.Response, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) Stream(context.Context, core.Call) (core.StreamResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) GenerateObject(context.Context, core.ObjectCall) (*core.ObjectResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) StreamObject(context.Context, core.ObjectCall) (core.ObjectStreamResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) Provider() string { return "openai" }
func (f *fakeLanguageModel) Model() string    { return "gpt-5.2" }

func textResult(text string) *core.AgentResult {
	return &core.AgentResult{
		Response: core.Response{
			Content: core.ResponseContent{core.TextContent{Text: text}},
		},
	}
}

func TestFantasyHealthResolvesModel(t *testing.T) {
	provider := &fakeLanguageModelProvider{model: &fakeLanguageModel{}}
	backend := newFantasyBackend(provider, "gpt-5.2")

	if err := backend.Health(context.Background()); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if provider.callCount != 1 || provider.lastID != "gpt-5.2" {
		t.Fatalf("provider calls = %d, last id = %q", provider.callCount, provider.lastID)
	}

	provider.err = errors.New("no such model")
	if err := backend.Health(context.Background()); err == nil {
		t.Fatal("expected health error")
	}
}

func TestFantasyPromptRequiresSession(t *testing.T) {
	backend := newFantasyBackend(&fakeLanguageModelProvider{model: &fakeLanguageModel{}}, "gpt-5.2")

	if _, err := backend.Prompt(context.Background(), "missing", "hello"); err == nil {
		t.Fatal("expected error for missing session")
	}
}

func TestFantasyPromptKeepsHistory(t *testing.T) {
	calls := 0
	backend := newFantasyBackend(&fakeLanguageModelProvider{model: &fakeLanguageModel{}}, "gpt-5.2")
	backend.generate = func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error) {
		calls++
		return textResult(fmt.Sprintf("reply-%d", calls)), nil
	}

	sessionID, err := backend.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	first, err := backend.Prompt(context.Background(), sessionID, "hello")
	if err != nil {
		t.Fatalf("first Prompt() error = %v", err)
	}
	second, err := backend.Prompt(context.Background(), sessionID, "how are you")
	if err != nil {
		t.Fatalf("second Prompt() error = %v", err)
	}
	if first.Text != "reply-1" || second.Text != "reply-2" {
		t.Fatalf("replies = %q, %q", first.Text, second.Text)
	}

	history, ok := backend.history(sessionID)
	if !ok {
		t.Fatal("expected session history")
	}
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	if history[0].Role != core.MessageRoleUser || history[1].Role != core.MessageRoleAssistant {
		t.Fatalf("history roles = %q, %q", history[0].Role, history[1].Role)
	}
}

func TestFantasyPromptInjectsSystemPromptOnce(t *testing.T) {
	var seen [][]core.Message
	backend := newFantasyBackend(&fakeLanguageModelProvider{model: &fakeLanguageModel{}}, "gpt-5.2")
	backend.systemPrompt = "be brief"
	backend.generate = func(_ context.Context, _ core.LanguageModel, call core.AgentCall) (*core.AgentResult, error) {
		seen = append(seen, call.Messages)
		return textResult("ok"), nil
	}

	sessionID, _ := backend.CreateSession(context.Background(), "")
	for _, prompt := range []string{"one", "two"} {
		if _, err := backend.Prompt(context.Background(), sessionID, prompt); err != nil {
			t.Fatalf("Prompt(%q) error = %v", prompt, err)
		}
	}

	if len(seen[0]) != 1 || seen[0][0].Role != core.MessageRoleSystem {
		t.Fatalf("first call messages = %v", seen[0])
	}
	if len(seen[1]) != 3 || seen[1][0].Role != core.MessageRoleSystem {
		t.Fatalf("second call messages len = %d", len(seen[1]))
	}
}

func TestFantasyPromptRejectsEmptyReply(t *testing.T) {
	backend := newFantasyBackend(&fakeLanguageModelProvider{model: &fakeLanguageModel{}}, "gpt-5.2")
	backend.generate = func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error) {
		return textResult("   "), nil
	}

	sessionID, _ := backend.CreateSession(context.Background(), "")
	if _, err := backend.Prompt(context.Background(), sessionID, "hello"); err == nil {
		t.Fatal("expected error for empty reply")
	}
}

func TestFantasyCloseSessionDropsHistory(t *testing.T) {
	backend := newFantasyBackend(&fakeLanguageModelProvider{model: &fakeLanguageModel{}}, "gpt-5.2")
	sessionID, _ := backend.CreateSession(context.Background(), "")

	backend.CloseSession(sessionID)
	if _, ok := backend.history(sessionID); ok {
		t.Fatal("expected history to be removed")
	}
}

func TestFantasyText(t *testing.T) {
	content := core.ResponseContent{
		core.ReasoningContent{Text: "ignore me"},
		core.TextContent{Text: "  first  "},
		core.TextContent{Text: ""},
		core.TextContent{Text: "second"},
	}

	if got := fantasyText(content); got != "first\nsecond" {
		t.Fatalf("fantasyText() = %q", got)
	}
}

func TestLoadSystemPrompt(t *testing.T) {
	prompt, err := loadSystemPrompt("assistant")
	if err != nil {
		t.Fatalf("loadSystemPrompt() error = %v", err)
	}
	if prompt == "" {
		t.Fatal("expected non-empty prompt")
	}

	if _, err := loadSystemPrompt("missing"); err == nil {
		t.Fatal("expected error for missing template")
	}
}
