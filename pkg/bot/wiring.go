package bot

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"parley/pkg/bus"
	"parley/pkg/commands"
	"parley/pkg/config"
	"parley/pkg/engine"
	"parley/pkg/integration"
	"parley/pkg/integration/assistant"
	"parley/pkg/platform"
	"parley/pkg/platform/local"
	"parley/pkg/platform/matrix"
	"parley/pkg/platform/telegram"
	"parley/pkg/storage"
)

// Deps are shared by every Bot in one process.
type Deps struct {
	Store        storage.Store
	Integrations *integration.Registry
	Bus          *bus.MessageBus
	Logger       *slog.Logger
	// Version is what the about command reports.
	Version string
}

// OpenDeps opens storage and builds the enabled integrations.
func OpenDeps(cfg *config.Config, messageBus *bus.MessageBus, log *slog.Logger) (Deps, error) {
	if log == nil {
		log = slog.Default()
	}

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return Deps{}, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}

	var clients []integration.Client
	if cfg.Integrations.Assistant.Enabled {
		client, err := assistant.New(cfg)
		if err != nil {
			_ = store.Close()
			return Deps{}, fmt.Errorf("configure assistant: %w", err)
		}
		clients = append(clients, client)
	}

	registry, err := integration.NewRegistry(clients...)
	if err != nil {
		_ = store.Close()
		return Deps{}, err
	}

	return Deps{Store: store, Integrations: registry, Bus: messageBus, Logger: log}, nil
}

func (d Deps) Close() error {
	if d.Store == nil {
		return nil
	}
	return d.Store.Close()
}

// Adapters builds one adapter per enabled platform.
func Adapters(cfg *config.Config, messageBus *bus.MessageBus, log *slog.Logger) ([]platform.Adapter, error) {
	adapters := make([]platform.Adapter, 0, 3)

	if cfg.Platforms.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Platforms.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure telegram platform: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Platforms.Matrix.Enabled {
		adapter, err := matrix.NewAdapter(cfg.Platforms.Matrix, log)
		if err != nil {
			return nil, fmt.Errorf("configure matrix platform: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Platforms.Local.Enabled {
		adapter, err := local.New(cfg.Platforms.Local, messageBus, log)
		if err != nil {
			return nil, fmt.Errorf("configure local platform: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no platforms are enabled")
	}

	return adapters, nil
}

// AdapterNames joins adapter names for logging.
func AdapterNames(adapters []platform.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}

// FromConfig builds a Bot serving the built-in commands on adapter.
func FromConfig(cfg *config.Config, adapter platform.Adapter, deps Deps, onState func(string, State)) (*Bot, error) {
	engineOpts := engine.OptionsFromConfig(cfg.Bot.ID, cfg.Engine)
	engineOpts.Store = deps.Store
	engineOpts.Integrations = deps.Integrations
	engineOpts.Logger = deps.Logger
	if deps.Bus != nil {
		engineOpts.Events = deps.Bus
	}

	return New(Options{
		Adapter: adapter,
		Commands: commands.Builtins(commands.Options{
			Prefix:        cfg.Bot.CommandPrefix,
			NotesPageSize: cfg.Bot.NotesPageSize,
			Version:       deps.Version,
		}),
		Engine: engineOpts,
		Reconnect: ReconnectPolicy{
			MaxAttempts:    cfg.Bot.Reconnect.MaxAttempts,
			InitialBackoff: cfg.Bot.Reconnect.InitialBackoff.Std(),
			MaxBackoff:     cfg.Bot.Reconnect.MaxBackoff.Std(),
		},
		Logger:  deps.Logger,
		OnState: onState,
	})
}
