// Package streamproc implements the Stream Processor (spec.md §4.3):
// consumes chunks from an LLM streamer, separates assistant text from tool
// calls and reasoning traces, dispatches each tool call in turn order, and
// appends the resulting messages to the Message Store.
package streamproc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/runloom/agentrt/agent/dispatch"
	"github.com/runloom/agentrt/agent/history"
	"github.com/runloom/agentrt/agent/interrupt"
	"github.com/runloom/agentrt/agent/model"
	"github.com/runloom/agentrt/agent/telemetry"
	"github.com/runloom/agentrt/agent/tools"
)

// ToolCallDescriptor records one dispatched call for the Step Executor's
// shouldEndTurn computation (spec.md §4.4 step 4).
type ToolCallDescriptor struct {
	ToolName   tools.Ident
	ToolCallID string
	IsError    bool
	Refused    bool
	Cancelled  bool
}

// Result is what Process returns once the underlying stream ends (spec.md
// §4.3 "End conditions").
type Result struct {
	AssistantText    string
	ToolCalls        []ToolCallDescriptor
	ToolMessages     []model.Message
	HadToolCallError bool
	MessageID        string

	// Usage carries the token/credit accounting reported on the terminal
	// ChunkFinish chunk, for the Agent Loop's credit rollup (spec.md §4.5
	// "Credit rollup").
	Usage model.TokenUsage
}

// Sink receives response chunks as they are produced, mirroring the
// external response sink contract (spec.md §6 `onResponseChunk`).
type Sink interface {
	OnResponseChunk(ctx context.Context, chunk model.Chunk) error
}

// ToolResultSink is implemented by Sink values that also want a typed
// tool_result notification once a dispatched call resolves, distinct from
// the raw model.Chunk stream the base Sink interface carries (spec.md §6
// "tool_result"). hooks.Bus and the RunSink it hands out both implement it;
// a Sink that does not is simply never asked for tool_result events.
type ToolResultSink interface {
	OnToolResult(ctx context.Context, toolCallID string, toolName tools.Ident, output []byte, isError bool) error
}

// Options configures one Process call.
type Options struct {
	Store      *history.Store
	Dispatcher *dispatch.Dispatcher
	Sink       Sink

	// Interrupt is the run's cancellation token (spec.md §5). Nil is treated
	// as a token that never cancels.
	Interrupt interrupt.Token

	// SkipAssistantMessageOnCall suppresses appending the assistant message
	// that introduces a tool call. Used when the caller already appended an
	// equivalent message itself (rare; defaults to false).
	SkipAssistantMessageOnCall bool

	Logger telemetry.Logger
}

func (o Options) interrupt() interrupt.Token {
	if o.Interrupt == nil {
		return interrupt.Noop()
	}
	return o.Interrupt
}

// Process drains streamer, separating text, tool calls, and reasoning, and
// dispatching each extracted call through opts.Dispatcher in the order it
// was produced (spec.md §4.3 "Tool-call extraction").
func Process(ctx context.Context, streamer model.Streamer, opts Options) (Result, error) {
	if streamer == nil {
		return Result{}, errors.New("streamproc: nil streamer")
	}
	if opts.Store == nil || opts.Dispatcher == nil {
		return Result{}, errors.New("streamproc: Store and Dispatcher are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	defer func() { _ = streamer.Close() }()

	xmlScanner := newInlineToolScanner()
	result := Result{}

	emit := func(chunk model.Chunk) {
		if opts.Sink == nil {
			return
		}
		if err := opts.Sink.OnResponseChunk(ctx, chunk); err != nil {
			logger.Warn(ctx, "streamproc: sink rejected chunk", "error", err.Error())
		}
	}

	for {
		// Cancellation point: before forwarding each stream chunk to the
		// sink (spec.md §5). Once cancelled, the rest of this turn's chunks
		// are dropped rather than forwarded or dispatched.
		if opts.interrupt().Cancelled() {
			break
		}

		chunk, err := streamer.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, fmt.Errorf("streamproc: receive chunk: %w", err)
		}

		switch chunk.Type {
		case model.ChunkText:
			result.AssistantText += chunk.TextDelta
			emit(chunk)

			for _, call := range xmlScanner.Feed(chunk.TextDelta) {
				emit(model.Chunk{Type: model.ChunkToolCallEnd, ToolCallID: call.ToolCallID, ToolName: call.ToolName, ToolInputJSON: string(call.Input)})
				if err := processCall(ctx, logger, opts, &result, call.ToolName, call.Input, call.ToolCallID); err != nil {
					return result, err
				}
			}

		case model.ChunkReasoningDelta:
			emit(chunk)

		case model.ChunkToolCallEnd:
			emit(chunk)
			input := []byte(chunk.ToolInputJSON)
			if err := processCall(ctx, logger, opts, &result, chunk.ToolName, input, chunk.ToolCallID); err != nil {
				return result, err
			}

		case model.ChunkError:
			result.HadToolCallError = true
			emit(chunk)

		case model.ChunkFinish:
			if chunk.MessageID != "" {
				result.MessageID = chunk.MessageID
			}
			if chunk.Usage != nil {
				result.Usage = *chunk.Usage
			}
			emit(chunk)
		}
	}

	if tail := xmlScanner.Flush(); tail.ToolName != "" {
		emit(model.Chunk{Type: model.ChunkToolCallEnd, ToolCallID: tail.ToolCallID, ToolName: tail.ToolName, ToolInputJSON: string(tail.Input)})
		if err := processCall(ctx, logger, opts, &result, tail.ToolName, tail.Input, tail.ToolCallID); err != nil {
			return result, err
		}
	}

	return result, nil
}

// processCall appends the introducing assistant message (unless suppressed),
// dispatches the call, appends the tool result message, and records the
// descriptor (spec.md §4.3 "for each extracted call").
func processCall(ctx context.Context, logger telemetry.Logger, opts Options, result *Result, toolName tools.Ident, input []byte, toolCallID string) error {
	if !opts.SkipAssistantMessageOnCall {
		opts.Store.Append(model.Message{
			Role: model.RoleAssistant,
			Parts: []model.Part{model.ToolCallPart{
				ToolCallID: toolCallID,
				ToolName:   toolName,
				Input:      input,
			}},
		})
	}

	res := opts.Dispatcher.Execute(ctx, opts.interrupt(), dispatch.Call{
		ToolName:   toolName,
		Input:      input,
		ToolCallID: toolCallID,
	})

	descriptor := ToolCallDescriptor{ToolName: toolName, ToolCallID: toolCallID, IsError: res.IsError, Refused: res.Refused, Cancelled: res.Cancelled}
	result.ToolCalls = append(result.ToolCalls, descriptor)

	if res.Refused || res.Cancelled {
		// Orphan call or a call skipped by cancellation: no tool_call/
		// tool_result pair is recorded (spec.md §4.2 "it does not emit a
		// tool_call/tool_result pair"); undo the assistant message we just
		// appended so history stays consistent.
		if !opts.SkipAssistantMessageOnCall {
			opts.Store.RemoveLastIf(func(m model.Message) bool {
				return m.Role == model.RoleAssistant && messageIsOnlyToolCall(m, toolCallID)
			})
		}
		return nil
	}

	if res.IsError {
		result.HadToolCallError = true
	}

	output := res.Output
	content := []model.Part{model.TextPart{Text: string(res.Output)}}
	if res.IsError {
		output = []byte(res.ErrorText)
		content = []model.Part{model.TextPart{Text: res.ErrorText}}
	}
	toolMsg := model.Message{
		Role:       model.RoleTool,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Parts:      []model.Part{model.ToolResultPart{ToolCallID: toolCallID, Content: content, IsError: res.IsError}},
	}
	opts.Store.Append(toolMsg)
	result.ToolMessages = append(result.ToolMessages, toolMsg)

	if tr, ok := opts.Sink.(ToolResultSink); ok {
		if err := tr.OnToolResult(ctx, toolCallID, toolName, output, res.IsError); err != nil {
			logger.Warn(ctx, "streamproc: sink rejected tool_result", "error", err.Error())
		}
	}
	return nil
}

func messageIsOnlyToolCall(m model.Message, toolCallID string) bool {
	if len(m.Parts) != 1 {
		return false
	}
	tc, ok := m.Parts[0].(model.ToolCallPart)
	return ok && tc.ToolCallID == toolCallID
}
