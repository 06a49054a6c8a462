package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"parley/pkg/engine"
	"parley/pkg/integration"
	"parley/pkg/integration/assistant"
	"parley/pkg/platform"
)

const askDoneWord = "done"

// Ask holds a multi-turn exchange with the assistant integration. The backend
// session id is the conversation state.
func Ask(prefix string) engine.Command {
	return engine.Command{
		Name:        "ask",
		Description: "Ask the assistant a question; keep chatting, say done to finish.",
		Trigger:     Word(prefix, "ask"),
		Factory: func() engine.Handler {
			return engine.HandlerFunc(ask)
		},
	}
}

func ask(ctx context.Context, turn *engine.Turn) engine.Directive {
	client, ok := integration.Lookup[*assistant.Client](turn.Integrations, assistant.Name)
	if !ok {
		return engine.Finish(platform.Text("The assistant is not configured."))
	}

	sessionID := string(turn.State)
	switch {
	case turn.TimedOut():
		client.EndSession(sessionID)
		return engine.Complete()

	case turn.First():
		question := Args(turn.Text())
		if question == "" {
			return engine.Finish(platform.Text("Usage: ask <question>"))
		}

		var err error
		sessionID, err = client.StartSession(ctx, "parley "+turn.ConversationID)
		if err != nil {
			return engine.Fail(fmt.Errorf("start assistant session: %w", err))
		}
		return answer(ctx, client, turn, sessionID, question)

	case strings.EqualFold(turn.Text(), askDoneWord):
		client.EndSession(sessionID)
		return engine.Finish(platform.Text("Bye."))

	default:
		return answer(ctx, client, turn, sessionID, turn.Text())
	}
}

func answer(ctx context.Context, client *assistant.Client, turn *engine.Turn, sessionID string, question string) engine.Directive {
	reply, err := client.Ask(ctx, sessionID, question)
	if err != nil {
		client.EndSession(sessionID)
		return engine.FailWith(platform.Text("The assistant is unavailable right now."), fmt.Errorf("ask assistant: %w", err))
	}

	if reply.Usage != nil {
		slog.Default().With("component", "commands.ask").Debug("Assistant replied",
			"conversation_id", turn.ConversationID,
			"provider", reply.Provider,
			"model", reply.Model,
			"input_tokens", reply.Usage.InputTokens,
			"output_tokens", reply.Usage.OutputTokens,
		)
	}

	text := strings.TrimSpace(reply.Text)
	if text == "" {
		text = "(no answer)"
	}
	return engine.Await(platform.Text(text), []byte(sessionID))
}
