package gateway

import (
	"context"
	"errors"
	"testing"

	"parley/pkg/bot"
	"parley/pkg/config"
	"parley/pkg/integration"
	"parley/pkg/integration/assistant"
	"parley/pkg/platform"
)

func TestIsReady(t *testing.T) {
	t.Parallel()

	svc := &Service{platformStates: map[string]bot.State{"telegram": {}}}
	if svc.isReady() {
		t.Fatal("expected not ready without a connected platform")
	}

	svc.platformStates["matrix"] = bot.State{Connected: true}
	if !svc.isReady() {
		t.Fatal("expected ready with one connected platform")
	}

	svc.integrationErrors = map[string]string{"assistant": "boom"}
	if svc.isReady() {
		t.Fatal("expected not ready when an integration is unhealthy")
	}
}

type healthBackend struct{ err error }

func (b healthBackend) Health(context.Context) error { return b.err }

func (b healthBackend) CreateSession(context.Context, string) (string, error) { return "s", nil }

func (b healthBackend) Prompt(context.Context, string, string) (assistant.Reply, error) {
	return assistant.Reply{}, nil
}

func TestCheckIntegrationHealth(t *testing.T) {
	t.Parallel()

	registry, err := integration.NewRegistry(assistant.NewWithBackend("test", healthBackend{err: errors.New("down")}))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	svc := &Service{integrations: registry, platformStates: map[string]bot.State{"local": {Connected: true}}}
	if err := svc.checkIntegrationHealth(context.Background()); err == nil {
		t.Fatal("expected health error")
	}
	if got := svc.currentStatus("not_ready").IntegrationErrors["assistant"]; got != "down" {
		t.Fatalf("integration error = %q, want down", got)
	}
	if !svc.integrationsLastOKAt.IsZero() {
		t.Fatal("last ok time set after a failed check")
	}
}

func TestCheckIntegrationHealthWithoutIntegrations(t *testing.T) {
	t.Parallel()

	svc := &Service{}
	if err := svc.checkIntegrationHealth(context.Background()); err != nil {
		t.Fatalf("checkIntegrationHealth() error = %v", err)
	}
	if svc.integrationsLastOKAt.IsZero() {
		t.Fatal("expected last ok time with no integrations")
	}
}

type namedAdapter struct {
	platform.Adapter
	name string
}

func (a namedAdapter) Name() string { return a.name }

func TestNewServiceValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewService(nil, nil, bot.Deps{}, nil); err == nil {
		t.Fatal("expected error without config")
	}
	if _, err := NewService(config.Default(), nil, bot.Deps{}, nil); err == nil {
		t.Fatal("expected error without adapters")
	}

	dup := []platform.Adapter{namedAdapter{name: "x"}, namedAdapter{name: "x"}}
	if _, err := NewService(config.Default(), dup, bot.Deps{}, nil); err == nil {
		t.Fatal("expected error for duplicate platform")
	}
}
