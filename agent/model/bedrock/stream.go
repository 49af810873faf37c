package bedrock

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/runloom/agentrt/agent/model"
	"github.com/runloom/agentrt/agent/tools"
)

// streamer adapts a Bedrock ConverseStream event stream to model.Streamer,
// accumulating per-content-index tool-call JSON fragments on a background
// goroutine the way the teacher's chunkProcessor does.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream

	chunks chan model.Chunk

	mu       sync.Mutex
	errSet   bool
	finalErr error

	toolNameMap map[string]string
}

func newStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, nameMap map[string]string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{ctx: cctx, cancel: cancel, stream: stream, chunks: make(chan model.Chunk, 32), toolNameMap: nameMap}
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

type toolBuffer struct {
	name      string
	id        string
	fragments strings.Builder
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if err := s.stream.Close(); err != nil {
			s.setErr(err)
		}
	}()

	toolBlocks := map[int32]*toolBuffer{}
	var usage model.TokenUsage

	events := s.stream.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(err)
				}
				return
			}
			if done := s.handle(event, toolBlocks, &usage); done {
				return
			}
		}
	}
}

func (s *streamer) handle(event any, toolBlocks map[int32]*toolBuffer, usage *model.TokenUsage) bool {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx := contentIndex(ev.Value.ContentBlockIndex)
		if toolUse, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			tb := &toolBuffer{}
			if toolUse.Value.ToolUseId != nil {
				tb.id = *toolUse.Value.ToolUseId
			}
			if toolUse.Value.Name != nil {
				raw := *toolUse.Value.Name
				if canonical, ok := s.toolNameMap[raw]; ok {
					tb.name = canonical
				} else {
					tb.name = raw
				}
			}
			toolBlocks[idx] = tb
			if !s.emit(model.Chunk{Type: model.ChunkToolCallStart, ToolCallID: tb.id, ToolName: tools.Ident(tb.name)}) {
				return true
			}
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx := contentIndex(ev.Value.ContentBlockIndex)
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value != "" && !s.emit(model.Chunk{Type: model.ChunkText, TextDelta: delta.Value}) {
				return true
			}
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			if v, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok && v.Value != "" {
				if !s.emit(model.Chunk{Type: model.ChunkReasoningDelta, ReasoningDelta: v.Value}) {
					return true
				}
			}
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if tb := toolBlocks[idx]; tb != nil && delta.Value.Input != nil {
				fragment := *delta.Value.Input
				tb.fragments.WriteString(fragment)
				if !s.emit(model.Chunk{
					Type:          model.ChunkToolCallDelta,
					ToolCallID:    tb.id,
					ToolName:      tools.Ident(tb.name),
					ToolInputJSON: fragment,
				}) {
					return true
				}
			}
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx := contentIndex(ev.Value.ContentBlockIndex)
		if tb := toolBlocks[idx]; tb != nil {
			full := tb.fragments.String()
			if strings.TrimSpace(full) == "" {
				full = "{}"
			}
			delete(toolBlocks, idx)
			if !s.emit(model.Chunk{Type: model.ChunkToolCallEnd, ToolCallID: tb.id, ToolName: tools.Ident(tb.name), ToolInputJSON: full}) {
				return true
			}
		}
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage != nil {
			*usage = model.TokenUsage{
				InputTokens:  int(ptrValue(ev.Value.Usage.InputTokens)),
				OutputTokens: int(ptrValue(ev.Value.Usage.OutputTokens)),
				Credits:      float64(ptrValue(ev.Value.Usage.TotalTokens)),
			}
		}
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		s.emit(model.Chunk{Type: model.ChunkFinish, Usage: usage})
	}
	return false
}

func contentIndex(idx *int32) int32 {
	if idx == nil {
		return 0
	}
	return *idx
}
