package assistant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/conversations"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"

	"parley/pkg/config"
)

const openAIComponent = "assistant.openai"

// OpenAIBackend talks to the Responses API and keeps history server-side in
// Conversations.
type OpenAIBackend struct {
	client         osdk.Client
	model          string
	requestTimeout time.Duration
}

func NewOpenAI(cfg config.OpenAIProviderConfig, model string) (*OpenAIBackend, error) {
	apiKey := resolveOpenAIKey(cfg)
	if apiKey == "" {
		return nil, errors.New("providers.openai.api_key_env is required or OPENAI_API_KEY must be set")
	}

	modelID, err := openAIModel(model)
	if err != nil {
		return nil, err
	}

	requestTimeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	opts := openAIRequestOptions(cfg, apiKey)
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	return &OpenAIBackend{
		client:         osdk.NewClient(opts...),
		model:          modelID,
		requestTimeout: requestTimeout,
	}, nil
}

func openAIRequestOptions(cfg config.OpenAIProviderConfig, apiKey string) []option.RequestOption {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(cfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(cfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	return opts
}

func (b *OpenAIBackend) Health(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, b.requestTimeout)
	defer cancel()
	req := startRequest(openAIComponent, "health")

	if _, err := b.client.Models.List(ctx); err != nil {
		req.failed(err)
		return fmt.Errorf("health check failed: %w", err)
	}
	req.completed()

	return nil
}

func (b *OpenAIBackend) CreateSession(ctx context.Context, title string) (string, error) {
	ctx, cancel := withTimeout(ctx, b.requestTimeout)
	defer cancel()
	req := startRequest(openAIComponent, "create_session", "title_length", len(strings.TrimSpace(title)))

	conversation, err := b.client.Conversations.New(ctx, conversations.ConversationNewParams{})
	if err != nil {
		req.failed(err)
		return "", fmt.Errorf("create session failed: %w", err)
	}
	if conversation == nil || strings.TrimSpace(conversation.ID) == "" {
		req.failed("empty conversation id")
		return "", errors.New("create session returned empty conversation id")
	}

	id := strings.TrimSpace(conversation.ID)
	req.completed("session_id", id)
	return id, nil
}

func (b *OpenAIBackend) Prompt(ctx context.Context, sessionID string, prompt string) (Reply, error) {
	ctx, cancel := withTimeout(ctx, b.requestTimeout)
	defer cancel()
	req := startRequest(openAIComponent, "prompt", "session_id", sessionID, "model", b.model, "prompt_length", len(prompt))

	response, err := b.client.Responses.New(ctx, responses.ResponseNewParams{
		Model: b.model,
		Input: responses.ResponseNewParamsInputUnion{OfString: osdk.String(prompt)},
		Conversation: responses.ResponseNewParamsConversationUnion{
			OfConversationObject: &responses.ResponseConversationParam{ID: sessionID},
		},
	})
	if err != nil {
		req.failed(err)
		return Reply{}, fmt.Errorf("prompt failed: %w", err)
	}

	text := strings.TrimSpace(response.OutputText())
	if text == "" {
		req.failed("no output text")
		return Reply{}, errors.New("prompt succeeded but returned no text")
	}
	req.completed("response_length", len(text))

	reply := Reply{Text: text, Provider: ProviderOpenAI, Model: b.model}
	usage := Usage{
		InputTokens:     response.Usage.InputTokens,
		OutputTokens:    response.Usage.OutputTokens,
		TotalTokens:     response.Usage.TotalTokens,
		ReasoningTokens: response.Usage.OutputTokensDetails.ReasoningTokens,
		CacheReadTokens: response.Usage.InputTokensDetails.CachedTokens,
	}
	if !usage.IsZero() {
		reply.Usage = &usage
	}

	return reply, nil
}

func resolveOpenAIKey(cfg config.OpenAIProviderConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}
