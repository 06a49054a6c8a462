package assistant

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	core "charm.land/fantasy"
	provideropenai "charm.land/fantasy/providers/openai"

	"parley/pkg/config"
)

//go:embed templates/*.md
var templatesFS embed.FS

type languageModelProvider interface {
	LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error)
}

type generateFunc func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error)

// FantasyBackend runs the model locally through charm fantasy and keeps each
// session's history in memory.
type FantasyBackend struct {
	provider        languageModelProvider
	requestTimeout  time.Duration
	modelID         string
	systemPrompt    string
	maxOutputTokens *int64
	temperature     *float64
	generate        generateFunc

	mu            sync.RWMutex
	nextSessionID uint64
	sessions      map[string][]core.Message
}

func NewFantasy(providerCfg config.OpenAIProviderConfig, assistantCfg config.AssistantConfig) (*FantasyBackend, error) {
	apiKey := resolveOpenAIKey(providerCfg)
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY must be set")
	}

	modelID, err := openAIModel(assistantCfg.Model)
	if err != nil {
		return nil, err
	}

	providerOptions := []provideropenai.Option{provideropenai.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		providerOptions = append(providerOptions, provideropenai.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		providerOptions = append(providerOptions, provideropenai.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		providerOptions = append(providerOptions, provideropenai.WithProject(project))
	}

	languageProvider, err := provideropenai.New(providerOptions...)
	if err != nil {
		return nil, fmt.Errorf("initialize fantasy openai provider: %w", err)
	}

	systemPrompt, err := loadSystemPrompt("assistant")
	if err != nil {
		return nil, err
	}

	backend := newFantasyBackend(languageProvider, modelID)
	backend.requestTimeout = time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second
	backend.systemPrompt = systemPrompt
	if assistantCfg.MaxTokens > 0 {
		maxTokens := int64(assistantCfg.MaxTokens)
		backend.maxOutputTokens = &maxTokens
	}
	if assistantCfg.Temperature > 0 {
		temp := assistantCfg.Temperature
		backend.temperature = &temp
	}

	return backend, nil
}

func newFantasyBackend(provider languageModelProvider, modelID string) *FantasyBackend {
	return &FantasyBackend{
		provider: provider,
		modelID:  modelID,
		sessions: make(map[string][]core.Message),
		generate: generateWithAgent,
	}
}

func (b *FantasyBackend) Health(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, b.requestTimeout)
	defer cancel()

	if _, err := b.provider.LanguageModel(ctx, b.modelID); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}

// CreateSession allocates an in-memory history. title is unused.
func (b *FantasyBackend) CreateSession(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSessionID++
	sessionID := "fantasy-session-" + strconv.FormatUint(b.nextSessionID, 10)
	b.sessions[sessionID] = nil

	return sessionID, nil
}

func (b *FantasyBackend) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

func (b *FantasyBackend) Prompt(ctx context.Context, sessionID string, prompt string) (Reply, error) {
	ctx, cancel := withTimeout(ctx, b.requestTimeout)
	defer cancel()

	history, ok := b.history(sessionID)
	if !ok {
		return Reply{}, errors.New("session is not started")
	}

	if b.systemPrompt != "" && len(history) == 0 {
		system := core.Message{
			Role:    core.MessageRoleSystem,
			Content: []core.MessagePart{core.TextPart{Text: b.systemPrompt}},
		}
		history = append(history, system)
		b.appendHistory(sessionID, system)
	}

	languageModel, err := b.provider.LanguageModel(ctx, b.modelID)
	if err != nil {
		return Reply{}, fmt.Errorf("resolve language model: %w", err)
	}

	call := core.AgentCall{
		Prompt:          prompt,
		Messages:        history,
		MaxOutputTokens: b.maxOutputTokens,
		Temperature:     b.temperature,
	}

	result, err := b.generate(ctx, languageModel, call)
	if err != nil {
		return Reply{}, fmt.Errorf("prompt failed: %w", err)
	}

	text := fantasyText(result.Response.Content)
	if text == "" {
		return Reply{}, errors.New("prompt succeeded but returned no text")
	}

	b.appendHistory(sessionID,
		core.NewUserMessage(prompt),
		core.Message{
			Role:    core.MessageRoleAssistant,
			Content: []core.MessagePart{core.TextPart{Text: text}},
		},
	)

	reply := Reply{Text: text, Provider: ProviderOpenAI, Model: b.modelID}
	usage := Usage{
		InputTokens:         result.TotalUsage.InputTokens,
		OutputTokens:        result.TotalUsage.OutputTokens,
		TotalTokens:         result.TotalUsage.TotalTokens,
		ReasoningTokens:     result.TotalUsage.ReasoningTokens,
		CacheCreationTokens: result.TotalUsage.CacheCreationTokens,
		CacheReadTokens:     result.TotalUsage.CacheReadTokens,
	}
	if !usage.IsZero() {
		reply.Usage = &usage
	}

	return reply, nil
}

func (b *FantasyBackend) history(sessionID string) ([]core.Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	history, ok := b.sessions[sessionID]
	if !ok {
		return nil, false
	}

	return append([]core.Message(nil), history...), true
}

func (b *FantasyBackend) appendHistory(sessionID string, messages ...core.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	history, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	b.sessions[sessionID] = append(history, messages...)
}

func fantasyText(content core.ResponseContent) string {
	lines := make([]string, 0, len(content))
	for _, part := range content {
		if part.GetType() != core.ContentTypeText {
			continue
		}

		textPart, ok := core.AsContentType[core.TextContent](part)
		if !ok {
			continue
		}
		if line := strings.TrimSpace(textPart.Text); line != "" {
			lines = append(lines, line)
		}
	}

	return strings.Join(lines, "\n")
}

func generateWithAgent(ctx context.Context, model core.LanguageModel, call core.AgentCall) (*core.AgentResult, error) {
	return core.NewAgent(model).Generate(ctx, call)
}

func loadSystemPrompt(name string) (string, error) {
	content, err := templatesFS.ReadFile("templates/" + strings.TrimSpace(name) + ".md")
	if err != nil {
		return "", fmt.Errorf("load %s prompt template: %w", name, err)
	}

	prompt := strings.TrimSpace(string(content))
	if prompt == "" {
		return "", fmt.Errorf("prompt template %q is empty", name)
	}

	return prompt, nil
}
