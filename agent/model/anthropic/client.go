// Package anthropic implements model.Client on top of the Anthropic Claude
// Messages API, translating agent/model requests into
// github.com/anthropics/anthropic-sdk-go calls and mapping streamed events
// and non-streaming responses back to agent/model's provider-agnostic
// types (spec.md §6 "LLM transport").
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/runloom/agentrt/agent/model"
	"github.com/runloom/agentrt/agent/tools"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, so tests can substitute a fake without a live API key.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures optional default behavior.
type Options struct {
	// DefaultModel is used when a request does not specify Model.
	DefaultModel string
	// MaxTokens is the completion cap applied when the caller doesn't
	// provide one via a future Request field; Anthropic requires one.
	MaxTokens int
	Temperature float64
}

// Client implements model.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

// New builds an Anthropic-backed model.Client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTokens: maxTokens, temperature: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the SDK's default HTTP transport,
// reading ANTHROPIC_API_KEY conventions via option.WithAPIKey.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Prompt issues a non-streaming Messages.New call (spec.md §4.4 step 3's
// N>1 alternative-completions path).
func (c *Client) Prompt(ctx context.Context, req model.Request) (model.Response, error) {
	params, nameMap, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	if req.N > 1 {
		return c.promptN(ctx, *params, req.N)
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return model.Response{}, c.wrapErr(err)
	}
	return translateResponse(msg, nameMap), nil
}

// promptN issues req.N independent completions and packs them into
// Response.NResponses, since the Anthropic API has no native "N"
// parameter.
func (c *Client) promptN(ctx context.Context, params sdk.MessageNewParams, n int) (model.Response, error) {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		msg, err := c.msg.New(ctx, params)
		if err != nil {
			return model.Response{}, c.wrapErr(err)
		}
		resp := translateResponse(msg, nil)
		out = append(out, resp.Text)
	}
	return model.Response{NResponses: out}, nil
}

// PromptStream invokes Messages.NewStreaming and adapts incremental events
// into model.Chunks.
func (c *Client) PromptStream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, nameMap, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, c.wrapErr(err)
	}
	return newStreamer(ctx, stream, nameMap), nil
}

// CountTokens estimates the request's input token size. The Anthropic
// Messages API exposes no token-counting endpoint in the SDK surface this
// adapter targets, so this falls back to a byte-length heuristic consistent
// with the Agent Loop's own local estimate (agent/runtime.estimateTokens).
func (c *Client) CountTokens(_ context.Context, req model.Request) (int, error) {
	size := len(req.System)
	for _, m := range req.Messages {
		if m.HasParts() {
			b, _ := json.Marshal(m.Parts)
			size += len(b)
			continue
		}
		size += len(m.Text)
	}
	const bytesPerToken = 4
	return (size + bytesPerToken - 1) / bytesPerToken, nil
}

func (c *Client) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &model.ProviderError{Provider: "anthropic", StatusCode: apiErr.StatusCode, Err: err}
	}
	return fmt.Errorf("anthropic: %w", err)
}

func (c *Client) prepareRequest(req model.Request) (*sdk.MessageNewParams, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	toolParams, canonToSan, sanToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := encodeMessages(req.Messages, canonToSan)
	if err != nil {
		return nil, nil, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(c.maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	if c.temperature > 0 {
		params.Temperature = sdk.Float(c.temperature)
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice, canonToSan)
		if err != nil {
			return nil, nil, err
		}
		params.ToolChoice = tc
	}
	return &params, sanToCanon, nil
}

func encodeMessages(msgs []model.Message, canonToSan map[string]string) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks, err := encodeBlocks(m, canonToSan)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case model.RoleUser, model.RoleTool:
			out = append(out, sdk.NewUserMessage(blocks...))
		case model.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return out, nil
}

func encodeBlocks(m model.Message, canonToSan map[string]string) ([]sdk.ContentBlockParamUnion, error) {
	if !m.HasParts() {
		if m.Text == "" {
			return nil, nil
		}
		if m.Role == model.RoleTool {
			return []sdk.ContentBlockParamUnion{sdk.NewToolResultBlock(m.ToolCallID, m.Text, false)}, nil
		}
		return []sdk.ContentBlockParamUnion{sdk.NewTextBlock(m.Text)}, nil
	}
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
	for _, part := range m.Parts {
		switch v := part.(type) {
		case model.TextPart:
			if v.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(v.Text))
			}
		case model.ToolCallPart:
			sanitized := canonToSan[string(v.ToolName)]
			if sanitized == "" {
				sanitized = sanitizeToolName(string(v.ToolName))
			}
			blocks = append(blocks, sdk.NewToolUseBlock(v.ToolCallID, json.RawMessage(v.Input), sanitized))
		case model.ToolResultPart:
			blocks = append(blocks, encodeToolResult(v))
		case model.ImagePart:
			blocks = append(blocks, sdk.NewImageBlockBase64(v.Format, string(v.Bytes)))
		}
	}
	return blocks, nil
}

func encodeToolResult(v model.ToolResultPart) sdk.ContentBlockParamUnion {
	var sb strings.Builder
	for _, p := range v.Content {
		if t, ok := p.(model.TextPart); ok {
			sb.WriteString(t.Text)
		}
	}
	return sdk.NewToolResultBlock(v.ToolCallID, sb.String(), v.IsError)
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		canonical := string(def.Name)
		if canonical == "" {
			continue
		}
		sanitized := sanitizeToolName(canonical)
		canonToSan[canonical] = sanitized
		sanToCanon[sanitized] = canonical
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("anthropic: tool %q schema: %w", canonical, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, sanitized)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, canonToSan, sanToCanon, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func encodeToolChoice(choice *model.ToolChoice, canonToSan map[string]string) (sdk.ToolChoiceUnionParam, error) {
	switch choice.Mode {
	case "", model.ToolChoiceAuto:
		return sdk.ToolChoiceUnionParam{}, nil
	case model.ToolChoiceNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case model.ToolChoiceAny:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case model.ToolChoiceTool:
		sanitized := canonToSan[string(choice.Name)]
		if sanitized == "" {
			return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: tool choice name %q does not match any tool", choice.Name)
		}
		return sdk.ToolChoiceParamOfTool(sanitized), nil
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: unsupported tool choice mode %q", choice.Mode)
	}
}

// sanitizeToolName replaces runes Anthropic's tool-name charset disallows
// with '_'. Canonical tool identifiers in this module are short and
// alphanumeric already, so this is a defensive pass rather than the
// dotted-namespace stripping the teacher's adapter performs.
func sanitizeToolName(in string) string {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func translateResponse(msg *sdk.Message, nameMap map[string]string) model.Response {
	if msg == nil {
		return model.Response{}
	}
	resp := model.Response{}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			name := block.Name
			if canonical, ok := nameMap[name]; ok {
				name = canonical
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCallPart{
				ToolCallID: block.ID,
				ToolName:   tools.Ident(name),
				Input:      json.RawMessage(block.Input),
			})
		}
	}
	resp.Text = text.String()
	u := msg.Usage
	resp.Usage = model.TokenUsage{
		InputTokens:  int(u.InputTokens),
		OutputTokens: int(u.OutputTokens),
		Credits:      float64(u.InputTokens) + float64(u.OutputTokens),
	}
	resp.MessageID = msg.ID
	return resp
}
