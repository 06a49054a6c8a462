package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"parley/pkg/engine"
	"parley/pkg/platform"
)

const (
	toneSampleRate = 8000
	toneHz         = 440
	// each character of the phrase becomes this many samples of tone
	samplesPerRune = 400
)

// Speak plays a phrase as audio where the platform can, and falls back to
// text where it cannot.
func Speak(prefix string) engine.Command {
	return engine.Command{
		Name:        "speak",
		Description: "Say something out loud: speak <text>.",
		Trigger:     Word(prefix, "speak"),
		Factory: func() engine.Handler {
			return engine.HandlerFunc(speak)
		},
	}
}

func speak(ctx context.Context, turn *engine.Turn) engine.Directive {
	phrase := Args(turn.Text())
	if phrase == "" {
		phrase = "Hello!"
	}

	_, err := turn.Send(ctx, platform.Audio{Title: phrase, Stream: tone(phrase)})
	switch {
	case err == nil:
		return engine.Complete()
	case errors.Is(err, platform.ErrUnsupportedCapability):
		return engine.Finish(platform.Text("🔊 " + phrase))
	default:
		return engine.Fail(fmt.Errorf("play audio: %w", err))
	}
}

// tone renders 8-bit unsigned PCM at toneSampleRate, one beep per word.
func tone(phrase string) io.Reader {
	var buf bytes.Buffer
	for _, r := range phrase {
		for i := 0; i < samplesPerRune; i++ {
			if r == ' ' {
				buf.WriteByte(128)
				continue
			}
			sample := math.Sin(2 * math.Pi * toneHz * float64(i) / toneSampleRate)
			buf.WriteByte(byte(128 + 100*sample))
		}
	}

	return &buf
}
