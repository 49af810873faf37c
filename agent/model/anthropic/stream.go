package anthropic

import (
	"context"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/runloom/agentrt/agent/model"
	"github.com/runloom/agentrt/agent/tools"
)

// streamer adapts an Anthropic Messages streaming response to
// model.Streamer, translating SSE events into model.Chunks on a background
// goroutine (spec.md §6 "response sink").
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	chunks chan model.Chunk

	mu       sync.Mutex
	finalErr error
	errSet   bool
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], nameMap map[string]string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{ctx: cctx, cancel: cancel, stream: stream, chunks: make(chan model.Chunk, 32)}
	go s.run(nameMap)
	return s
}

func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
		return model.Chunk{}, s.ctx.Err()
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errSet {
		return
	}
	s.errSet, s.finalErr = true, err
}

func (s *streamer) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalErr
}

func (s *streamer) emit(c model.Chunk) bool {
	select {
	case s.chunks <- c:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// run drains the SSE stream and converts each event into zero or more
// model.Chunks, accumulating per-block state the way the teacher's
// anthropicChunkProcessor does, simplified to this module's flatter Chunk
// shape (no separate thinking/usage chunk types).
func (s *streamer) run(nameMap map[string]string) {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	toolNames := map[int64]string{}
	toolIDs := map[int64]string{}
	toolJSON := map[int64]*strings.Builder{}
	var messageID string
	var usage model.TokenUsage

	for s.stream.Next() {
		event := s.stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			messageID = ev.Message.ID
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				name := tu.Name
				if canonical, ok := nameMap[name]; ok {
					name = canonical
				}
				toolNames[ev.Index] = name
				toolIDs[ev.Index] = tu.ID
				toolJSON[ev.Index] = &strings.Builder{}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text != "" && !s.emit(model.Chunk{Type: model.ChunkText, TextDelta: delta.Text}) {
					return
				}
			case sdk.InputJSONDelta:
				if b, ok := toolJSON[ev.Index]; ok {
					b.WriteString(delta.PartialJSON)
					if !s.emit(model.Chunk{
						Type:          model.ChunkToolCallDelta,
						ToolCallID:    toolIDs[ev.Index],
						ToolName:      tools.Ident(toolNames[ev.Index]),
						ToolInputJSON: delta.PartialJSON,
					}) {
						return
					}
				}
			case sdk.ThinkingDelta:
				if delta.Thinking != "" && !s.emit(model.Chunk{Type: model.ChunkReasoningDelta, ReasoningDelta: delta.Thinking}) {
					return
				}
			}
		case sdk.ContentBlockStopEvent:
			if b, ok := toolJSON[ev.Index]; ok {
				full := b.String()
				if strings.TrimSpace(full) == "" {
					full = "{}"
				}
				if !s.emit(model.Chunk{
					Type:          model.ChunkToolCallEnd,
					ToolCallID:    toolIDs[ev.Index],
					ToolName:      tools.Ident(toolNames[ev.Index]),
					ToolInputJSON: full,
				}) {
					return
				}
				delete(toolJSON, ev.Index)
			}
		case sdk.MessageDeltaEvent:
			usage = model.TokenUsage{
				InputTokens:  int(ev.Usage.InputTokens),
				OutputTokens: int(ev.Usage.OutputTokens),
				Credits:      float64(ev.Usage.InputTokens) + float64(ev.Usage.OutputTokens),
			}
		case sdk.MessageStopEvent:
			s.emit(model.Chunk{Type: model.ChunkFinish, MessageID: messageID, Usage: &usage})
		}
	}
	if err := s.stream.Err(); err != nil {
		s.setErr(err)
	}
}
