package openai

import (
	"context"
	"io"
	"sync"

	sdk "github.com/openai/openai-go"

	"github.com/runloom/agentrt/agent/model"
	"github.com/runloom/agentrt/agent/tools"
)

// streamer adapts a Chat Completions streaming response to model.Streamer,
// accumulating per-index tool-call fragments the way OpenAI's delta protocol
// requires (tool_calls arrive as indexed partials, not whole blocks).
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *sdk.ChatCompletionStream
	chunks chan model.Chunk

	mu       sync.Mutex
	finalErr error
	errSet   bool
}

func newStreamer(ctx context.Context, stream *sdk.ChatCompletionStream) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{ctx: cctx, cancel: cancel, stream: stream, chunks: make(chan model.Chunk, 32)}
	go s.run()
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

type toolCallAccum struct {
	id   string
	name string
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	calls := map[int64]*toolCallAccum{}
	var messageID string

	for s.stream.Next() {
		chunk := s.stream.Current()
		if chunk.ID != "" {
			messageID = chunk.ID
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			if !s.emit(model.Chunk{Type: model.ChunkText, TextDelta: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			acc, ok := calls[tc.Index]
			if !ok {
				acc = &toolCallAccum{id: tc.ID, name: tc.Function.Name}
				calls[tc.Index] = acc
				if !s.emit(model.Chunk{Type: model.ChunkToolCallStart, ToolCallID: acc.id, ToolName: tools.Ident(acc.name)}) {
					return
				}
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				if !s.emit(model.Chunk{
					Type:          model.ChunkToolCallDelta,
					ToolCallID:    acc.id,
					ToolName:      tools.Ident(acc.name),
					ToolInputJSON: tc.Function.Arguments,
				}) {
					return
				}
			}
		}
		if chunk.Choices[0].FinishReason != "" {
			for idx, acc := range calls {
				_ = idx
				if !s.emit(model.Chunk{Type: model.ChunkToolCallEnd, ToolCallID: acc.id, ToolName: tools.Ident(acc.name)}) {
					return
				}
			}
			calls = map[int64]*toolCallAccum{}
		}
		if chunk.Usage.TotalTokens > 0 {
			usage := model.TokenUsage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
				Credits:      float64(chunk.Usage.TotalTokens),
			}
			if !s.emit(model.Chunk{Type: model.ChunkFinish, MessageID: messageID, Usage: &usage}) {
				return
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		s.setErr(err)
		return
	}
}
