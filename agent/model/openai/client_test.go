package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	openaimodel "github.com/runloom/agentrt/agent/model/openai"

	"github.com/runloom/agentrt/agent/model"
	"github.com/runloom/agentrt/agent/tools"
)

type mockChatClient struct {
	response *sdk.ChatCompletion
	err      error
	captured sdk.ChatCompletionNewParams
}

func (m *mockChatClient) New(_ context.Context, params sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	m.captured = params
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockChatClient) NewStreaming(context.Context, sdk.ChatCompletionNewParams, ...option.RequestOption) *sdk.ChatCompletionStream {
	return nil
}

func basicRequest() model.Request {
	return model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Text: "ping"}},
		Tools: []model.ToolDefinition{{
			Name:        "lookup",
			Description: "Search",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
	}
}

func TestClientPrompt(t *testing.T) {
	mock := &mockChatClient{response: &sdk.ChatCompletion{
		ID: "resp-1",
		Choices: []sdk.ChatCompletionChoice{{
			Message: sdk.ChatCompletionMessage{
				Content: "hi there",
				ToolCalls: []sdk.ChatCompletionMessageToolCall{{
					ID: "call-1",
					Function: sdk.ChatCompletionMessageToolCallFunction{
						Name:      "lookup",
						Arguments: `{"query":"docs"}`,
					},
				}},
			},
		}},
		Usage: sdk.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
	client, err := openaimodel.New(mock, "gpt-4o")
	require.NoError(t, err)

	resp, err := client.Prompt(context.Background(), basicRequest())
	require.NoError(t, err)
	require.Equal(t, "hi there", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, tools.Ident("lookup"), resp.ToolCalls[0].ToolName)
	require.JSONEq(t, `{"query":"docs"}`, string(resp.ToolCalls[0].Input))
	require.Equal(t, 15, int(resp.Usage.Credits))

	require.Equal(t, sdk.ChatModel("gpt-4o"), mock.captured.Model)
	require.Len(t, mock.captured.Messages, 1)
	require.Len(t, mock.captured.Tools, 1)
}

func TestClientPromptWithToolChoiceTool(t *testing.T) {
	mock := &mockChatClient{response: &sdk.ChatCompletion{}}
	client, err := openaimodel.New(mock, "gpt-4o")
	require.NoError(t, err)

	req := basicRequest()
	req.ToolChoice = &model.ToolChoice{Mode: model.ToolChoiceTool, Name: "lookup"}
	_, err = client.Prompt(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, mock.captured.ToolChoice.OfChatCompletionNamedToolChoice)
	require.Equal(t, "lookup", mock.captured.ToolChoice.OfChatCompletionNamedToolChoice.Function.Name)
}

func TestClientPromptRequiresMessages(t *testing.T) {
	mock := &mockChatClient{}
	client, err := openaimodel.New(mock, "gpt-4o")
	require.NoError(t, err)

	_, err = client.Prompt(context.Background(), model.Request{})
	require.Error(t, err)
}

func TestClientPromptWrapsProviderError(t *testing.T) {
	mock := &mockChatClient{err: &sdk.Error{StatusCode: 402}}
	client, err := openaimodel.New(mock, "gpt-4o")
	require.NoError(t, err)

	_, err = client.Prompt(context.Background(), basicRequest())
	require.Error(t, err)
	require.True(t, model.IsPaymentRequired(err))
}

func TestClientPromptN(t *testing.T) {
	mock := &mockChatClient{response: &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{{Message: sdk.ChatCompletionMessage{Content: "variant"}}},
	}}
	client, err := openaimodel.New(mock, "gpt-4o")
	require.NoError(t, err)

	req := basicRequest()
	req.N = 3
	resp, err := client.Prompt(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.NResponses, 3)
}

func TestNewRequiresChatClient(t *testing.T) {
	_, err := openaimodel.New(nil, "gpt-4o")
	require.Error(t, err)
}

func TestNewRequiresDefaultModel(t *testing.T) {
	_, err := openaimodel.New(&mockChatClient{}, "")
	require.Error(t, err)
}

func TestWrapErrFallsBackToGenericError(t *testing.T) {
	mock := &mockChatClient{err: errors.New("boom")}
	client, err := openaimodel.New(mock, "gpt-4o")
	require.NoError(t, err)

	_, err = client.Prompt(context.Background(), basicRequest())
	require.Error(t, err)
	require.False(t, model.IsPaymentRequired(err))
}
