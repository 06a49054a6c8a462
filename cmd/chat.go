package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"parley/pkg/bot"
	"parley/pkg/bus"
	"parley/pkg/config"
	"parley/pkg/logger"
	"parley/pkg/platform/local"
	"parley/pkg/ui/chat"

	"github.com/spf13/cobra"
)

const (
	// plainSettle is how long plain mode waits for trailing replies after input ends.
	plainSettle    = 500 * time.Millisecond
	plainMaxWait   = 10 * time.Second
	shutdownBudget = 5 * time.Second
)

var (
	plainMode bool
	messages  []string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Talk to the bot in the terminal",
	Long:  "Runs Parley on the local platform and opens a terminal chat, or sends the given messages and prints the replies.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}

		script := resolveMessages(args)
		plain := plainMode || len(script) > 0

		var log *slog.Logger
		if plain {
			log, err = logger.New(cfg.Logging)
		} else {
			// the alternate screen owns the terminal
			log, err = logger.NewToWriter(cfg.Logging, io.Discard)
		}
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(log)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var in io.Reader = os.Stdin
		if len(script) > 0 {
			in = strings.NewReader(strings.Join(script, "\n"))
		}

		return runChat(ctx, cfg, in, cmd.OutOrStdout(), plain, log)
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().BoolVar(&plainMode, "plain", false, "line-based chat without the full-screen UI")
	chatCmd.Flags().StringArrayVarP(&messages, "message", "m", nil, "message to send; repeat for a scripted exchange")
}

func resolveMessages(args []string) []string {
	script := make([]string, 0, len(messages)+1)
	for _, value := range messages {
		if value = strings.TrimSpace(value); value != "" {
			script = append(script, value)
		}
	}

	if value := strings.TrimSpace(strings.Join(args, " ")); value != "" {
		script = append(script, value)
	}

	return script
}

func runChat(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, plain bool, log *slog.Logger) error {
	messageBus := bus.NewMessageBus()
	defer messageBus.Close()

	b, deps, err := startLocalBot(ctx, cfg, messageBus, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
		defer cancel()
		if err := b.Shutdown(shutdownCtx); err != nil {
			log.Warn("Chat bot shutdown incomplete", "error", err)
		}
		if err := deps.Close(); err != nil {
			log.Warn("Failed to close storage", "error", err)
		}
	}()

	if plain {
		return runPlain(ctx, messageBus, in, out)
	}

	return chat.Run(ctx, messageBus, chat.RuntimeInfo{
		BotID:   cfg.Bot.ID,
		Prefix:  cfg.Bot.CommandPrefix,
		Storage: cfg.Storage.Backend,
		Audio:   cfg.Platforms.Local.Audio,
	})
}

// startLocalBot runs a bot on the local platform until ctx ends or the bot is
// shut down.
func startLocalBot(ctx context.Context, cfg *config.Config, messageBus *bus.MessageBus, log *slog.Logger) (*bot.Bot, bot.Deps, error) {
	adapter, err := local.New(cfg.Platforms.Local, messageBus, log)
	if err != nil {
		return nil, bot.Deps{}, err
	}

	deps, err := bot.OpenDeps(cfg, messageBus, log)
	if err != nil {
		return nil, bot.Deps{}, err
	}
	deps.Version = version

	b, err := bot.FromConfig(cfg, adapter, deps, nil)
	if err != nil {
		_ = deps.Close()
		return nil, bot.Deps{}, err
	}

	go func() {
		if err := b.Run(ctx); err != nil {
			log.Error("Local bot stopped", "error", err)
		}
	}()

	return b, deps, nil
}

// runPlain sends each input line to the bot and prints replies as they
// arrive. After input ends it waits for trailing replies to settle.
func runPlain(ctx context.Context, messageBus *bus.MessageBus, in io.Reader, out io.Writer) error {
	var (
		mu        sync.Mutex
		lastReply time.Time
	)

	printCtx, stopPrinter := context.WithCancel(ctx)
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for {
			msg, ok := messageBus.SubscribeOutbound(printCtx)
			if !ok {
				return
			}
			mu.Lock()
			printBotMessage(out, msg)
			lastReply = time.Now()
			mu.Unlock()
		}
	}()
	defer func() {
		stopPrinter()
		<-printerDone
	}()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if isExitCommand(text) {
			break
		}

		mu.Lock()
		lastReply = time.Now()
		mu.Unlock()
		if !messageBus.PublishInbound(ctx, bus.InboundMessage{Content: text}) {
			return errors.New("chat closed before the message was sent")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("input error: %w", err)
	}

	started := time.Now()
	for time.Since(started) < plainMaxWait {
		mu.Lock()
		quiet := time.Since(lastReply) >= plainSettle
		mu.Unlock()
		if quiet {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(20 * time.Millisecond):
		}
	}

	return nil
}

func printBotMessage(out io.Writer, msg bus.OutboundMessage) {
	switch msg.Op {
	case bus.OpDelete:
		fmt.Fprintf(out, "🗑  message %s removed\n", msg.MessageID)
	case bus.OpEdit:
		for _, line := range botLines(msg.Content) {
			fmt.Fprintf(out, "✏️  %s\n", line)
		}
	default:
		for _, line := range botLines(msg.Content) {
			fmt.Fprintf(out, "🤖 %s\n", line)
		}
	}
}

func botLines(message string) []string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
