package tooling

import (
	"context"
	"fmt"
	"strings"
)

// RegisterBuiltins installs the in-process tools the gateway ships with.
// Config references them by module: "builtin:summarize" and "builtin:echo".
func RegisterBuiltins(d *Dispatcher) {
	d.RegisterLocal("builtin:summarize", summarizeText)
	d.RegisterLocal("builtin:echo", echo)
}

// summarizeText returns the first max_words words of the text argument.
func summarizeText(_ context.Context, args map[string]any, inv Invocation) (string, error) {
	text := strings.TrimSpace(fmt.Sprint(args["text"]))
	if text == "" || args["text"] == nil {
		return "No text provided for summarization.", nil
	}

	maxWords := 40
	if v, ok := args["max_words"]; ok {
		if f, ok := v.(float64); ok && f > 0 {
			maxWords = int(f)
		}
	}

	words := strings.Fields(text)
	suffix := ""
	if len(words) > maxWords {
		words = words[:maxWords]
		suffix = "..."
	}
	return fmt.Sprintf("Summary (%s): %s%s", inv.Agent, strings.Join(words, " "), suffix), nil
}

func echo(_ context.Context, args map[string]any, _ Invocation) (string, error) {
	return fmt.Sprint(args["message"]), nil
}
