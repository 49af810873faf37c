// Package openai implements model.Client on top of the OpenAI Chat
// Completions API via github.com/openai/openai-go, translating agent/model
// requests and mapping streamed/non-streamed responses back to
// agent/model's provider-agnostic types (spec.md §6 "LLM transport").
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/runloom/agentrt/agent/model"
	"github.com/runloom/agentrt/agent/tools"
)

// ChatClient captures the subset of the openai-go client used by the
// adapter, so tests can substitute a fake.
type ChatClient interface {
	New(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	NewStreaming(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) *sdk.ChatCompletionStream
}

// Client implements model.Client via OpenAI Chat Completions.
type Client struct {
	chat         ChatClient
	defaultModel string
}

// New builds an OpenAI-backed model.Client.
func New(chat ChatClient, defaultModel string) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, defaultModel: defaultModel}, nil
}

// NewFromAPIKey constructs a client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, defaultModel)
}

// Prompt issues a non-streaming chat completion.
func (c *Client) Prompt(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareParams(req)
	if err != nil {
		return model.Response{}, err
	}
	if req.N > 1 {
		return c.promptN(ctx, *params, req.N)
	}
	comp, err := c.chat.New(ctx, *params)
	if err != nil {
		return model.Response{}, c.wrapErr(err)
	}
	return translateResponse(comp), nil
}

func (c *Client) promptN(ctx context.Context, params sdk.ChatCompletionNewParams, n int) (model.Response, error) {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		comp, err := c.chat.New(ctx, params)
		if err != nil {
			return model.Response{}, c.wrapErr(err)
		}
		out = append(out, translateResponse(comp).Text)
	}
	return model.Response{NResponses: out}, nil
}

// PromptStream invokes Chat.Completions.NewStreaming and adapts deltas into
// model.Chunks.
func (c *Client) PromptStream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.prepareParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = sdk.ChatCompletionStreamOptionsParam{IncludeUsage: param.NewOpt(true)}
	stream := c.chat.NewStreaming(ctx, *params)
	return newStreamer(ctx, stream), nil
}

// CountTokens falls back to a byte-length heuristic; the Chat Completions
// API exposes no pre-flight token-counting endpoint.
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
		return &model.ProviderError{Provider: "openai", StatusCode: apiErr.StatusCode, Err: err}
	}
	return fmt.Errorf("openai: %w", err)
}

func (c *Client) prepareParams(req model.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages, err := encodeMessages(req.System, req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: messages,
	}
	if tls := encodeTools(req.Tools); len(tls) > 0 {
		params.Tools = tls
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		params.ToolChoice = tc
	}
	return &params, nil
}

func encodeMessages(system string, msgs []model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, sdk.SystemMessage(system))
	}
	for _, m := range msgs {
		switch m.Role {
		case model.RoleUser:
			out = append(out, sdk.UserMessage(encodedText(m)))
		case model.RoleAssistant:
			calls, text := assistantParts(m)
			am := sdk.AssistantMessage(text)
			if len(calls) > 0 {
				am.OfAssistant.ToolCalls = calls
			}
			out = append(out, am)
		case model.RoleTool:
			out = append(out, sdk.ToolMessage(encodedText(m), m.ToolCallID))
		case model.RoleSystem:
			out = append(out, sdk.SystemMessage(encodedText(m)))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func encodedText(m model.Message) string {
	if !m.HasParts() {
		return m.Text
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(model.TextPart); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

func assistantParts(m model.Message) ([]sdk.ChatCompletionMessageToolCallParam, string) {
	if !m.HasParts() {
		return nil, m.Text
	}
	var text strings.Builder
	var calls []sdk.ChatCompletionMessageToolCallParam
	for _, p := range m.Parts {
		switch v := p.(type) {
		case model.TextPart:
			text.WriteString(v.Text)
		case model.ToolCallPart:
			calls = append(calls, sdk.ChatCompletionMessageToolCallParam{
				ID: v.ToolCallID,
				Function: sdk.ChatCompletionMessageToolCallFunctionParam{
					Name:      string(v.ToolName),
					Arguments: string(v.Input),
				},
			})
		}
	}
	return calls, text.String()
}

func encodeTools(defs []model.ToolDefinition) []sdk.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		var params map[string]any
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &params)
		}
		out = append(out, sdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        string(def.Name),
				Description: param.NewOpt(def.Description),
				Parameters:  params,
			},
		})
	}
	return out
}

func encodeToolChoice(choice *model.ToolChoice) (sdk.ChatCompletionToolChoiceOptionUnionParam, error) {
	switch choice.Mode {
	case "", model.ToolChoiceAuto:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("auto")}, nil
	case model.ToolChoiceNone:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("none")}, nil
	case model.ToolChoiceAny:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("required")}, nil
	case model.ToolChoiceTool:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &sdk.ChatCompletionNamedToolChoiceParam{
				Function: sdk.ChatCompletionNamedToolChoiceFunctionParam{Name: string(choice.Name)},
			},
		}, nil
	default:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: unsupported tool choice mode %q", choice.Mode)
	}
}

func translateResponse(comp *sdk.ChatCompletion) model.Response {
	resp := model.Response{MessageID: comp.ID}
	if len(comp.Choices) > 0 {
		msg := comp.Choices[0].Message
		resp.Text = msg.Content
		for _, tc := range msg.ToolCalls {
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCallPart{
				ToolCallID: tc.ID,
				ToolName:   tools.Ident(tc.Function.Name),
				Input:      json.RawMessage(tc.Function.Arguments),
			})
		}
	}
	resp.Usage = model.TokenUsage{
		InputTokens:  int(comp.Usage.PromptTokens),
		OutputTokens: int(comp.Usage.CompletionTokens),
		Credits:      float64(comp.Usage.TotalTokens),
	}
	return resp
}
