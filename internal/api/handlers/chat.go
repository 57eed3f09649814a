package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/modelrelay/modelrelay/internal/api/middleware"
	"github.com/modelrelay/modelrelay/internal/diag"
	"github.com/modelrelay/modelrelay/internal/streaming"
)

// ChatCompletions handles POST /v1/chat/completions. The request body is
// the OpenAI chat completion shape; the model field names an agent, either
// as a bare name or a namespace/name id.
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	auth := middleware.AuthFromContext(r.Context())

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondJSON(w, http.StatusBadRequest, errorBody(
			"invalid_request", "request body is not a valid chat completion request: "+err.Error(),
			"", diag.RequestID(r.Context())))
		return
	}
	if req.Model == "" {
		h.respondJSON(w, http.StatusBadRequest, errorBody(
			"invalid_request", "model is required", "", diag.RequestID(r.Context())))
		return
	}
	if len(req.Messages) == 0 {
		h.respondJSON(w, http.StatusBadRequest, errorBody(
			"invalid_request", "messages must not be empty", "", diag.RequestID(r.Context())))
		return
	}

	if err := h.security.EnsureWithinRate(r.Context(), auth); err != nil {
		h.respondError(w, r, err)
		return
	}

	if req.Stream {
		h.streamCompletion(w, r, req)
		return
	}

	start := time.Now()
	resp, err := h.exec.Complete(r.Context(), req, auth)
	if h.stats != nil {
		h.stats.RecordRequest(false, err != nil, time.Since(start))
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// streamCompletion serves the SSE path. Failures before the first frame get
// a regular HTTP error; failures after it become an error frame followed by
// the stream terminator, since the status line is already gone.
func (h *Handlers) streamCompletion(w http.ResponseWriter, r *http.Request, req openai.ChatCompletionRequest) {
	auth := middleware.AuthFromContext(r.Context())
	enc := streaming.NewEncoder(w)
	start := time.Now()

	err := h.exec.Stream(r.Context(), req, auth, func(chunk openai.ChatCompletionStreamResponse) error {
		return enc.Send(chunk)
	})
	if h.stats != nil {
		h.stats.RecordRequest(true, err != nil, time.Since(start))
	}

	if err != nil {
		if !enc.Started() {
			h.respondError(w, r, err)
			return
		}
		status, kind, _ := mapError(err)
		log.Warn().Err(err).Int("mapped_status", status).Msg("stream failed mid-flight")
		if serr := enc.SendError(kind, err.Error(), diag.RequestID(r.Context())); serr != nil {
			return
		}
	}
	if err := enc.Terminate(); err != nil {
		log.Debug().Err(err).Msg("client closed stream before terminator")
	}
}
