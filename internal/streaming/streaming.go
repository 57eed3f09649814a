// Package streaming encodes executor output as server-sent events in the
// OpenAI chat-completion chunk dialect. Frames go out in exactly the order
// they are produced, the stream always ends with the literal [DONE]
// terminator, and a mid-stream failure becomes one error frame followed by
// the terminator instead of a silently dropped connection.
//
// Rechunk bridges the non-streaming path: when a client asked for a stream
// but the result was produced in one piece, the content is re-cut into
// incremental deltas so both paths look identical on the wire.
package streaming

import (
	"encoding/json"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultChunkSize is the content slice width used by Rechunk.
const DefaultChunkSize = 64

// Encoder writes SSE frames to one HTTP response.
type Encoder struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewEncoder prepares the response for streaming and returns the encoder.
func NewEncoder(w http.ResponseWriter) *Encoder {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)
	return &Encoder{w: w, flusher: flusher}
}

// Started reports whether any frame has been written yet. The handler uses
// it to decide between an HTTP error response and an in-band error frame.
func (e *Encoder) Started() bool {
	return e.started
}

// Send writes one data frame.
func (e *Encoder) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode stream frame: %w", err)
	}
	return e.write(payload)
}

// SendError writes one in-band error frame. The caller is expected to
// Terminate afterwards.
func (e *Encoder) SendError(kind, message, requestID string) error {
	frame := map[string]any{
		"error": map[string]string{
			"kind":       kind,
			"message":    message,
			"request_id": requestID,
		},
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode error frame: %w", err)
	}
	return e.write(payload)
}

// Terminate writes the final [DONE] frame.
func (e *Encoder) Terminate() error {
	return e.write([]byte("[DONE]"))
}

func (e *Encoder) write(payload []byte) error {
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	e.started = true
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Rechunk cuts a complete response into stream chunks: a role delta,
// content deltas of at most size runes, and a closing finish-reason chunk.
func Rechunk(resp *openai.ChatCompletionResponse, size int) []openai.ChatCompletionStreamResponse {
	if size <= 0 {
		size = DefaultChunkSize
	}

	base := openai.ChatCompletionStreamResponse{
		ID:      resp.ID,
		Object:  "chat.completion.chunk",
		Created: resp.Created,
		Model:   resp.Model,
	}

	chunk := func(delta openai.ChatCompletionStreamChoiceDelta, finish openai.FinishReason) openai.ChatCompletionStreamResponse {
		out := base
		out.Choices = []openai.ChatCompletionStreamChoice{{Index: 0, Delta: delta, FinishReason: finish}}
		return out
	}

	var content string
	finish := openai.FinishReasonStop
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		if resp.Choices[0].FinishReason != "" {
			finish = resp.Choices[0].FinishReason
		}
	}

	chunks := []openai.ChatCompletionStreamResponse{
		chunk(openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant}, ""),
	}
	runes := []rune(content)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, chunk(openai.ChatCompletionStreamChoiceDelta{Content: string(runes[start:end])}, ""))
	}
	chunks = append(chunks, chunk(openai.ChatCompletionStreamChoiceDelta{}, finish))
	return chunks
}
