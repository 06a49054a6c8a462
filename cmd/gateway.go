package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"parley/pkg/bot"
	"parley/pkg/bus"
	"parley/pkg/config"
	"parley/pkg/gateway"
	"parley/pkg/logger"
	"parley/pkg/platform"

	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the bot on every enabled platform",
	Long:  "Runs Parley on the enabled platforms with health and readiness endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}

		appLogger, err := logger.Setup(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		log := appLogger.With("component", "cmd.gateway")

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runGateway(runCtx, cfg, log)
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	messageBus := bus.NewMessageBus()
	defer messageBus.Close()

	adapters, err := gatewayAdapters(cfg, messageBus, log)
	if err != nil {
		log.Error("Gateway configuration invalid", "error", err)
		return err
	}

	deps, err := bot.OpenDeps(cfg, messageBus, log)
	if err != nil {
		log.Error("Failed to open gateway dependencies", "error", err)
		return err
	}
	deps.Version = version
	defer func() {
		if err := deps.Close(); err != nil {
			log.Warn("Failed to close storage", "error", err)
		}
	}()

	svc, err := gateway.NewService(cfg, adapters, deps, log)
	if err != nil {
		log.Error("Failed to initialize gateway service", "error", err)
		return err
	}

	log.Info("Gateway started",
		"platforms", bot.AdapterNames(adapters),
		"storage", cfg.Storage.Backend,
		"integrations", deps.Integrations.Names(),
	)
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Gateway runtime failed", "error", err)
		return err
	}

	log.Info("Gateway stopped")
	return nil
}

// gatewayAdapters builds the enabled network platforms. The local platform
// has no front end in gateway mode and is skipped.
func gatewayAdapters(cfg *config.Config, messageBus *bus.MessageBus, log *slog.Logger) ([]platform.Adapter, error) {
	networked := *cfg
	networked.Platforms.Local.Enabled = false

	return bot.Adapters(&networked, messageBus, log)
}
