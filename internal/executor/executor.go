// Package executor runs the bounded "LLM → tool call → LLM" loop for one
// chat completion request.
//
// The loop is an explicit state machine: resolve the agent, check policy,
// build the upstream payload, call the upstream, and while the reply
// requests tool calls, dispatch them and feed the results back. A hop
// counter increments on every dispatch round; hitting the agent's max tool
// hops is a hard cap that terminates with the last available content.
// Upstream failures abort the turn and are never retried here.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/modelrelay/modelrelay/internal/diag"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/security"
	"github.com/modelrelay/modelrelay/internal/streaming"
	"github.com/modelrelay/modelrelay/internal/tooling"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// UpstreamError wraps a network or provider-reported failure from the
// resolved upstream. Maps to 502.
type UpstreamError struct {
	Upstream string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %q failed: %v", e.Upstream, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Executor drives the tool loop against the resolved upstream client.
type Executor struct {
	agents    *registry.AgentRegistry
	upstreams *registry.UpstreamRegistry
	toolReg   *registry.ToolRegistry
	tools     *tooling.Dispatcher
	policy    *security.Manager
	sink      *diag.Recorder
	stats     *metrics.Collector
}

// New wires an Executor.
func New(agents *registry.AgentRegistry, upstreams *registry.UpstreamRegistry, toolReg *registry.ToolRegistry, tools *tooling.Dispatcher, policy *security.Manager, sink *diag.Recorder, stats *metrics.Collector) *Executor {
	return &Executor{
		agents:    agents,
		upstreams: upstreams,
		toolReg:   toolReg,
		tools:     tools,
		policy:    policy,
		sink:      sink,
		stats:     stats,
	}
}

// run is the per-request state: the resolved agent, its upstream, and the
// evolving message payload. The upstream is fixed at resolution time and
// never substituted mid-run.
type run struct {
	agent   models.AgentDefinition
	rec     *registry.UpstreamRecord
	auth    *security.AuthContext
	payload openai.ChatCompletionRequest
}

// Complete serves a non-streaming request.
func (e *Executor) Complete(ctx context.Context, req openai.ChatCompletionRequest, auth *security.AuthContext) (*openai.ChatCompletionResponse, error) {
	r, err := e.prepare(ctx, req, auth)
	if err != nil {
		return nil, err
	}
	return e.loop(ctx, r, 0)
}

// Stream serves a streaming request, emitting chunks in production order.
// When the upstream cannot stream, the turn is completed non-streaming and
// the result re-chunked, so both paths look identical to the client.
func (e *Executor) Stream(ctx context.Context, req openai.ChatCompletionRequest, auth *security.AuthContext, emit func(openai.ChatCompletionStreamResponse) error) error {
	r, err := e.prepare(ctx, req, auth)
	if err != nil {
		return err
	}

	hops := 0
	for {
		r.payload.Stream = true
		stream, err := r.rec.Client().CreateChatCompletionStream(ctx, r.payload)
		if err != nil {
			log.Warn().
				Err(err).
				Str("upstream", r.agent.Upstream).
				Msg("upstream stream open failed, bridging non-streaming result")
			r.payload.Stream = false
			resp, cerr := e.loop(ctx, r, hops)
			if cerr != nil {
				return cerr
			}
			for _, chunk := range streaming.Rechunk(resp, streaming.DefaultChunkSize) {
				if err := emit(chunk); err != nil {
					return err
				}
			}
			return nil
		}

		assistant, finish, err := e.forward(ctx, r, stream, emit)
		stream.Close()
		if err != nil {
			return err
		}

		if len(assistant.ToolCalls) == 0 && finish != openai.FinishReasonToolCalls {
			return nil
		}
		if hops >= r.agent.MaxToolHops {
			e.hopLimitReached(ctx, r, hops)
			return nil
		}
		hops++

		toolMsgs, err := e.dispatchRound(ctx, r, assistant.ToolCalls)
		if err != nil {
			return err
		}
		r.payload.Messages = append(r.payload.Messages, assistant)
		r.payload.Messages = append(r.payload.Messages, toolMsgs...)
	}
}

// prepare resolves the agent, enforces the ACL, and builds the initial
// upstream payload.
func (e *Executor) prepare(ctx context.Context, req openai.ChatCompletionRequest, auth *security.AuthContext) (*run, error) {
	agent, err := e.agents.Get(req.Model)
	if err != nil {
		return nil, err
	}

	if _, err := e.policy.EnsureAllowed(ctx, auth, agent.ID()); err != nil {
		return nil, err
	}

	rec, ok := e.upstreams.Record(agent.Upstream)
	if !ok {
		return nil, &UpstreamError{Upstream: agent.Upstream, Err: errors.New("not present in upstream registry")}
	}

	return &run{
		agent:   agent,
		rec:     rec,
		auth:    auth,
		payload: e.buildPayload(agent, req),
	}, nil
}

func (e *Executor) buildPayload(agent models.AgentDefinition, req openai.ChatCompletionRequest) openai.ChatCompletionRequest {
	messages := req.Messages
	if agent.Instructions != "" && (len(messages) == 0 || messages[0].Role != openai.ChatMessageRoleSystem) {
		messages = append([]openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleSystem,
			Content: agent.Instructions,
		}}, messages...)
	}

	payload := openai.ChatCompletionRequest{
		Model:       agent.Model,
		Messages:    messages,
		MaxTokens:   mergeTokenCeiling(req.MaxTokens, agent.MaxCompletionTokens),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		User:        req.User,
	}

	for _, name := range agent.Tools {
		tool, ok := e.toolReg.Get(name)
		if !ok {
			// Validated at registry load; a miss here means the tool doc
			// shrank since. Skip rather than advertise a dead tool.
			continue
		}
		params := any(tool.Definition.Schema)
		if tool.Definition.Schema == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		payload.Tools = append(payload.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Definition.Name,
				Description: tool.Definition.Description,
				Parameters:  params,
			},
		})
	}
	if len(payload.Tools) > 0 && agent.ToolChoice != "" {
		payload.ToolChoice = agent.ToolChoice
	}
	return payload
}

// mergeTokenCeiling applies the agent's output token ceiling to the
// request's: the smaller positive value wins.
func mergeTokenCeiling(requested, agentMax int) int {
	if agentMax <= 0 {
		return requested
	}
	if requested <= 0 || requested > agentMax {
		return agentMax
	}
	return requested
}

// loop runs the non-streaming tool loop starting at the given hop count.
func (e *Executor) loop(ctx context.Context, r *run, hops int) (*openai.ChatCompletionResponse, error) {
	for {
		resp, err := e.callUpstream(ctx, r)
		if err != nil {
			return nil, err
		}

		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			return resp, nil
		}
		if hops >= r.agent.MaxToolHops {
			e.hopLimitReached(ctx, r, hops)
			return resp, nil
		}
		hops++

		toolMsgs, err := e.dispatchRound(ctx, r, msg.ToolCalls)
		if err != nil {
			return nil, err
		}
		r.payload.Messages = append(r.payload.Messages, msg)
		r.payload.Messages = append(r.payload.Messages, toolMsgs...)
	}
}

func (e *Executor) callUpstream(ctx context.Context, r *run) (*openai.ChatCompletionResponse, error) {
	start := time.Now()
	resp, err := r.rec.Client().CreateChatCompletion(ctx, r.payload)
	elapsed := time.Since(start)

	if e.stats != nil {
		e.stats.RecordUpstreamCall(r.agent.Upstream, err != nil, elapsed)
	}
	if err != nil {
		e.sink.Record(ctx, diag.StageUpstream, diag.SeverityError, "upstream call failed", map[string]any{
			"upstream": r.agent.Upstream,
			"agent":    r.agent.ID(),
			"error":    err.Error(),
		})
		return nil, &UpstreamError{Upstream: r.agent.Upstream, Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &UpstreamError{Upstream: r.agent.Upstream, Err: errors.New("response carried no choices")}
	}
	return &resp, nil
}

// dispatchRound runs one round of tool calls. Calls are dispatched
// concurrently but results are reassembled in the model's call order.
// A PermissionDenied failure aborts the turn whatever the agent's policy;
// other failures become tool-error content unless the agent says abort.
func (e *Executor) dispatchRound(ctx context.Context, r *run, calls []openai.ToolCall) ([]openai.ChatCompletionMessage, error) {
	results := make([]openai.ChatCompletionMessage, len(calls))
	fatals := make([]error, len(calls))

	inv := tooling.Invocation{
		Agent:     r.agent.ID(),
		Caller:    r.auth.KeyID,
		RequestID: diag.RequestID(ctx),
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call openai.ToolCall) {
			defer wg.Done()

			content, err := e.dispatchOne(ctx, call, inv)
			if err != nil {
				var denied *security.PermissionDeniedError
				if errors.As(err, &denied) || r.agent.ToolFailurePolicy == models.ToolFailureAbort {
					fatals[i] = err
					return
				}
				content = "Error: " + err.Error()
			}
			results[i] = openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				Name:       call.Function.Name,
				ToolCallID: call.ID,
			}
		}(i, call)
	}
	wg.Wait()

	for _, err := range fatals {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (e *Executor) dispatchOne(ctx context.Context, call openai.ToolCall, inv tooling.Invocation) (string, error) {
	args := map[string]any{}
	if raw := call.Function.Arguments; raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			// The model produced malformed JSON; surface it as tool-error
			// content so the model can correct itself.
			return "", fmt.Errorf("invalid tool arguments: %w", err)
		}
	}
	return e.tools.Invoke(ctx, call.Function.Name, args, inv)
}

func (e *Executor) hopLimitReached(ctx context.Context, r *run, hops int) {
	log.Warn().
		Str("agent", r.agent.ID()).
		Int("max_tool_hops", r.agent.MaxToolHops).
		Msg("tool hop limit reached, returning last content")
	e.sink.Record(ctx, diag.StageTool, diag.SeverityWarning, "tool hop limit reached", map[string]any{
		"agent": r.agent.ID(),
		"hops":  hops,
	})
}

// forward relays one streamed upstream round: content deltas go straight
// to emit, tool-call fragments are accumulated by index and assembled into
// the round's assistant message at EOF.
func (e *Executor) forward(ctx context.Context, r *run, stream *openai.ChatCompletionStream, emit func(openai.ChatCompletionStreamResponse) error) (openai.ChatCompletionMessage, openai.FinishReason, error) {
	var content strings.Builder
	var finish openai.FinishReason
	acc := map[int]*openai.ToolCall{}
	start := time.Now()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if e.stats != nil {
				e.stats.RecordUpstreamCall(r.agent.Upstream, true, time.Since(start))
			}
			e.sink.Record(ctx, diag.StageUpstream, diag.SeverityError, "upstream stream failed", map[string]any{
				"upstream": r.agent.Upstream,
				"agent":    r.agent.ID(),
				"error":    err.Error(),
			})
			return openai.ChatCompletionMessage{}, "", &UpstreamError{Upstream: r.agent.Upstream, Err: err}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		if len(choice.Delta.ToolCalls) > 0 {
			mergeToolCallDeltas(acc, choice.Delta.ToolCalls)
			continue
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			// The loop continues server-side; the finish chunk of a
			// tool-call round is not the client's finish.
			continue
		}

		content.WriteString(choice.Delta.Content)
		if err := emit(chunk); err != nil {
			return openai.ChatCompletionMessage{}, "", err
		}
	}

	if e.stats != nil {
		e.stats.RecordUpstreamCall(r.agent.Upstream, false, time.Since(start))
	}

	assistant := openai.ChatCompletionMessage{
		Role:      openai.ChatMessageRoleAssistant,
		Content:   content.String(),
		ToolCalls: assembleToolCalls(acc),
	}
	return assistant, finish, nil
}

func mergeToolCallDeltas(acc map[int]*openai.ToolCall, deltas []openai.ToolCall) {
	for _, tc := range deltas {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		cur := acc[idx]
		if cur == nil {
			cur = &openai.ToolCall{}
			acc[idx] = cur
		}
		if tc.ID != "" {
			cur.ID = tc.ID
		}
		if tc.Type != "" {
			cur.Type = tc.Type
		}
		if tc.Function.Name != "" {
			cur.Function.Name = tc.Function.Name
		}
		cur.Function.Arguments += tc.Function.Arguments
	}
}

func assembleToolCalls(acc map[int]*openai.ToolCall) []openai.ToolCall {
	if len(acc) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(acc))
	for idx := range acc {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]openai.ToolCall, 0, len(acc))
	for _, idx := range indexes {
		out = append(out, *acc[idx])
	}
	return out
}
