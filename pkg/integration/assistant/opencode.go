package assistant

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	sdk "github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"

	"parley/pkg/config"
)

const openCodeComponent = "assistant.opencode"

// OpenCodeBackend talks to a running opencode server.
type OpenCodeBackend struct {
	client         *sdk.Client
	model          string
	requestTimeout time.Duration
}

type openCodeHealth struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// NewOpenCode builds the backend. model is optional "provider/model"; the
// server default is used when empty.
func NewOpenCode(cfg config.OpenCodeProviderConfig, model string) (*OpenCodeBackend, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("providers.opencode.base_url is required")
	}

	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if authHeader, ok := basicAuthHeader(cfg); ok {
		opts = append(opts, option.WithHeader("Authorization", authHeader))
	}

	return &OpenCodeBackend{
		client:         sdk.NewClient(opts...),
		model:          strings.TrimSpace(model),
		requestTimeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	}, nil
}

func (b *OpenCodeBackend) Health(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, b.requestTimeout)
	defer cancel()
	req := startRequest(openCodeComponent, "health")

	var response openCodeHealth
	if err := b.client.Get(ctx, "/global/health", nil, &response); err != nil {
		req.failed(err)
		return fmt.Errorf("health check failed: %w", err)
	}
	if !response.Healthy {
		req.failed("server unhealthy")
		return errors.New("opencode server reported unhealthy status")
	}
	req.completed("version", response.Version)

	return nil
}

func (b *OpenCodeBackend) CreateSession(ctx context.Context, title string) (string, error) {
	ctx, cancel := withTimeout(ctx, b.requestTimeout)
	defer cancel()
	req := startRequest(openCodeComponent, "create_session", "title_length", len(strings.TrimSpace(title)))

	params := sdk.SessionNewParams{}
	if strings.TrimSpace(title) != "" {
		params.Title = sdk.F(strings.TrimSpace(title))
	}

	session, err := b.client.Session.New(ctx, params)
	if err != nil {
		req.failed(err)
		return "", fmt.Errorf("create session failed: %w", err)
	}
	if session.ID == "" {
		req.failed("empty session id")
		return "", errors.New("create session returned empty session id")
	}
	req.completed("session_id", session.ID)

	return session.ID, nil
}

func (b *OpenCodeBackend) Prompt(ctx context.Context, sessionID string, prompt string) (Reply, error) {
	ctx, cancel := withTimeout(ctx, b.requestTimeout)
	defer cancel()
	req := startRequest(openCodeComponent, "prompt", "session_id", sessionID, "model", b.model, "prompt_length", len(prompt))

	params := sdk.SessionPromptParams{
		Parts: sdk.F([]sdk.SessionPromptParamsPartUnion{
			sdk.TextPartInputParam{
				Type: sdk.F(sdk.TextPartInputTypeText),
				Text: sdk.F(prompt),
			},
		}),
	}
	if providerID, modelID, ok := splitModelRef(b.model); ok {
		params.Model = sdk.F(sdk.SessionPromptParamsModel{
			ProviderID: sdk.F(providerID),
			ModelID:    sdk.F(modelID),
		})
	}

	response, err := b.client.Session.Prompt(ctx, sessionID, params)
	if err != nil {
		req.failed(err)
		return Reply{}, fmt.Errorf("prompt failed: %w", err)
	}

	text := openCodeText(response.Parts)
	if text == "" {
		req.failed("no text parts")
		return Reply{}, errors.New("prompt succeeded but returned no text parts")
	}
	req.completed("response_length", len(text), "parts_count", len(response.Parts))

	tokens := response.Info.Tokens
	usage := Usage{
		InputTokens:     roundTokens(tokens.Input),
		OutputTokens:    roundTokens(tokens.Output),
		TotalTokens:     roundTokens(tokens.Input) + roundTokens(tokens.Output),
		ReasoningTokens: roundTokens(tokens.Reasoning),
		CacheReadTokens: roundTokens(tokens.Cache.Read),
	}

	reply := Reply{
		Text:     text,
		Provider: strings.TrimSpace(response.Info.ProviderID),
		Model:    strings.TrimSpace(response.Info.ModelID),
	}
	if !usage.IsZero() {
		reply.Usage = &usage
	}

	return reply, nil
}

func basicAuthHeader(cfg config.OpenCodeProviderConfig) (string, bool) {
	passwordEnv := strings.TrimSpace(cfg.PasswordEnv)
	if passwordEnv == "" {
		return "", false
	}

	password := strings.TrimSpace(os.Getenv(passwordEnv))
	if password == "" {
		return "", false
	}

	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "opencode"
	}

	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password)), true
}

func openCodeText(parts []sdk.Part) string {
	var lines []string
	for _, part := range parts {
		if part.Type != sdk.PartTypeText {
			continue
		}
		if text := strings.TrimSpace(part.Text); text != "" {
			lines = append(lines, text)
		}
	}

	return strings.Join(lines, "\n")
}

func roundTokens(value float64) int64 {
	if value <= 0 {
		return 0
	}

	return int64(math.Round(value))
}
