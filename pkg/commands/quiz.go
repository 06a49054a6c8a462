package commands

import (
	"context"

	"parley/pkg/engine"
	"parley/pkg/platform"
)

const (
	quizQuestion = "What is 2+2?"
	quizAnswer   = "4"
)

// Quiz asks one question and waits for the right answer.
func Quiz(prefix string) engine.Command {
	return engine.Command{
		Name:        "quiz",
		Description: "Answer a quick arithmetic question.",
		Trigger:     Word(prefix, "start-quiz"),
		Factory: func() engine.Handler {
			return engine.HandlerFunc(quiz)
		},
	}
}

func quiz(_ context.Context, turn *engine.Turn) engine.Directive {
	switch {
	case turn.TimedOut():
		return engine.Complete()
	case turn.First():
		return engine.Await(platform.Text(quizQuestion), []byte("asked"))
	case turn.Text() == quizAnswer:
		return engine.Finish(platform.Text("Correct!"))
	default:
		return engine.Await(platform.Text("Not quite, try again."), turn.State)
	}
}
