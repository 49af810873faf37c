// Package model defines the provider-agnostic message and streaming
// contracts used by the Step Executor and Stream Processor (spec.md §4.3,
// §4.4, §6). Concrete provider adapters (agent/model/anthropic,
// agent/model/openai, agent/model/bedrock) translate these types to and
// from a specific vendor API.
package model

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/runloom/agentrt/agent/tools"
)

// Role is the role of a Message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// TTL names a message's drop boundary (spec.md §3).
type TTL string

const (
	// TTLAgentStep marks a message to be dropped at the end of the current
	// or next agent step.
	TTLAgentStep TTL = "agentStep"
	// TTLUserPrompt marks a message to be dropped only at the next user
	// prompt boundary.
	TTLUserPrompt TTL = "userPrompt"
)

// Part is a marker interface implemented by all message content parts.
type Part interface{ isPart() }

// TextPart is plain assistant/user visible text.
type TextPart struct{ Text string }

// ImagePart carries inline image bytes for multimodal turns.
type ImagePart struct {
	Format string
	Bytes  []byte
}

// ToolCallPart is an assistant-emitted tool invocation awaiting a result.
type ToolCallPart struct {
	ToolCallID string
	ToolName   tools.Ident
	Input      json.RawMessage
}

// ToolResultPart carries a tool's output back into history.
type ToolResultPart struct {
	ToolCallID string
	Content    []Part
	IsError    bool
}

func (TextPart) isPart()       {}
func (ImagePart) isPart()      {}
func (ToolCallPart) isPart()   {}
func (ToolResultPart) isPart() {}

// Message is the tagged sum described in spec.md §3: content is either a
// plain string or an ordered sequence of Parts.
type Message struct {
	Role Role

	// Text is set when Content is a plain string. Exactly one of Text/Parts
	// is populated at a time; HasParts reports which one.
	Text  string
	Parts []Part

	// Tags is a small set of string labels (USER_PROMPT, STEP_PROMPT,
	// INSTRUCTIONS_PROMPT, SUBAGENT_SPAWN, ...) used by history filters.
	Tags map[string]struct{}

	// TTL is empty, TTLAgentStep, or TTLUserPrompt.
	TTL TTL

	// KeepDuringTruncation, when true, prevents this message from being
	// dropped during token-bounded truncation.
	KeepDuringTruncation bool

	// ToolCallID/ToolName are set for Role == RoleTool messages.
	ToolCallID string
	ToolName   tools.Ident

	// CacheControl carries provider-specific caching metadata. Cleared by
	// history.Store.TrimToTokenBudget (spec.md §4.1 step 3).
	CacheControl map[string]any
}

// HasParts reports whether the message content is a Part sequence rather
// than plain text.
func (m Message) HasParts() bool { return m.Parts != nil }

// IsEmpty reports whether the message carries no visible content at all:
// an empty Part sequence, or empty Text when it has no parts.
func (m Message) IsEmpty() bool {
	if m.HasParts() {
		return len(m.Parts) == 0
	}
	return m.Text == ""
}

// HasTag reports whether the message carries the given tag.
func (m Message) HasTag(tag string) bool {
	if m.Tags == nil {
		return false
	}
	_, ok := m.Tags[tag]
	return ok
}

// WithTag returns a copy of m with tag added to its tag set.
func (m Message) WithTag(tag string) Message {
	tags := make(map[string]struct{}, len(m.Tags)+1)
	for t := range m.Tags {
		tags[t] = struct{}{}
	}
	tags[tag] = struct{}{}
	m.Tags = tags
	return m
}

// ToolChoiceMode constrains whether/which tool the model must call.
type ToolChoiceMode string

const (
	ToolChoiceAuto ToolChoiceMode = "auto"
	ToolChoiceNone ToolChoiceMode = "none"
	ToolChoiceAny  ToolChoiceMode = "any"
	ToolChoiceTool ToolChoiceMode = "tool"
)

// ToolChoice selects how the provider should pick a tool for this request.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name tools.Ident
}

// ToolDefinition is the serializable view of one callable tool sent with a
// request.
type ToolDefinition struct {
	Name        tools.Ident
	Description string
	InputSchema json.RawMessage
}

// Request is a single model invocation request.
type Request struct {
	System     string
	Messages   []Message
	Model      string
	Tools      []ToolDefinition
	ToolChoice *ToolChoice

	// N requests N parallel alternative completions (spec.md §4.4 step 3).
	// The provider is expected to return a JSON array of N strings rather
	// than stream normally.
	N int
}

// TokenUsage reports credits/tokens consumed by one model call.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	// Credits is the opaque cost value rolled up by the Agent Loop
	// (spec.md Glossary "Credit").
	Credits float64
}

// Response is a non-streaming model result.
type Response struct {
	Text       string
	ToolCalls  []ToolCallPart
	Usage      TokenUsage
	MessageID  string
	NResponses []string // populated only when Request.N > 1
}

// ChunkType identifies the kind of data carried by one streaming Chunk.
type ChunkType string

const (
	ChunkText           ChunkType = "text"
	ChunkReasoningDelta ChunkType = "reasoning_delta"
	ChunkToolCallStart  ChunkType = "tool_call_start"
	ChunkToolCallDelta  ChunkType = "tool_call_delta"
	ChunkToolCallEnd    ChunkType = "tool_call_end"
	ChunkError          ChunkType = "error"
	ChunkFinish         ChunkType = "finish"
)

// Chunk is one element of a streaming response (spec.md §6).
type Chunk struct {
	Type ChunkType

	TextDelta      string
	ReasoningDelta string

	ToolCallID    string
	ToolName      tools.Ident
	ToolInputJSON string // accumulated/partial JSON for tool_call_delta/end

	Err error

	// MessageID is set on the terminal ChunkFinish chunk.
	MessageID string

	Usage *TokenUsage
}

// Streamer delivers incremental model output. Callers must drain Recv until
// it returns io.EOF (wrapped) or another terminal error, then call Close.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// Client is the injected LLM transport contract (spec.md §6).
type Client interface {
	// PromptStream performs a streaming invocation.
	PromptStream(ctx context.Context, req Request) (Streamer, error)

	// Prompt performs a single-shot invocation, used for the N>1 alternative
	// completions path (spec.md §4.4 step 3). When req.N > 1, the
	// implementation must return a JSON array of N strings as Response.Text,
	// or populate Response.NResponses directly.
	Prompt(ctx context.Context, req Request) (Response, error)

	// CountTokens estimates the input token size of a request.
	CountTokens(ctx context.Context, req Request) (int, error)
}

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting after exhausting configured retries.
var ErrRateLimited = errors.New("model: rate limited")

// ErrStreamingUnsupported indicates the provider does not support
// streaming for the requested model.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")
