package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"chat-agent/internal/domain"
	"chat-agent/internal/tool"
)

type fakeConverse struct {
	lastIn *bedrockruntime.ConverseInput
	out    *bedrockruntime.ConverseOutput
	err    error
}

func (f *fakeConverse) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.lastIn = in
	return f.out, f.err
}

func textOutput(text string) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{
			Value: types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: text}},
			},
		},
		StopReason: types.StopReasonEndTurn,
	}
}

func newTestClient(t *testing.T, api converseAPI) *Client {
	t.Helper()
	c, err := New(api, Config{ModelID: "us.anthropic.claude-3-7-sonnet-20250219-v1:0", Temperature: 0.2}, nil)
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Config{ModelID: "m"}, nil)
	require.Error(t, err)

	_, err = New(&fakeConverse{}, Config{}, nil)
	require.Error(t, err)
}

func TestInvoke_TextOnly(t *testing.T) {
	api := &fakeConverse{out: textOutput("hello")}
	c := newTestClient(t, api)

	res, err := c.Invoke(context.Background(), "be nice", []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "hi"},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "hello", res.Text)
	require.Empty(t, res.ToolCalls)

	in := api.lastIn
	require.Equal(t, "us.anthropic.claude-3-7-sonnet-20250219-v1:0", aws.ToString(in.ModelId))
	require.Len(t, in.System, 1)
	require.Equal(t, "be nice", in.System[0].(*types.SystemContentBlockMemberText).Value)
	require.Nil(t, in.ToolConfig)
	require.Len(t, in.Messages, 1)
	require.Equal(t, types.ConversationRoleUser, in.Messages[0].Role)
}

func TestInvoke_RoleMapping(t *testing.T) {
	api := &fakeConverse{out: textOutput("ok")}
	c := newTestClient(t, api)

	_, err := c.Invoke(context.Background(), "", []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "q"},
		{Role: domain.RoleAssistant, Content: "a"},
		{Role: domain.RoleTool, Content: "Result of lookup: 42"},
	}, nil)
	require.NoError(t, err)

	roles := []types.ConversationRole{
		api.lastIn.Messages[0].Role,
		api.lastIn.Messages[1].Role,
		api.lastIn.Messages[2].Role,
	}
	require.Equal(t, []types.ConversationRole{
		types.ConversationRoleUser,
		types.ConversationRoleAssistant,
		types.ConversationRoleUser,
	}, roles)
}

func TestInvoke_MergesConsecutiveSameRoleMessages(t *testing.T) {
	api := &fakeConverse{out: textOutput("ok")}
	c := newTestClient(t, api)

	// Two tool results in one round both map to the user role; Converse
	// requires alternating roles, so they land in a single message. Blank
	// entries are dropped entirely.
	_, err := c.Invoke(context.Background(), "", []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "q"},
		{Role: domain.RoleAssistant, Content: ""},
		{Role: domain.RoleTool, Content: "Result of lookup: 42"},
		{Role: domain.RoleTool, Content: "Result of weather: sunny"},
	}, nil)
	require.NoError(t, err)

	msgs := api.lastIn.Messages
	require.Len(t, msgs, 1)
	require.Equal(t, types.ConversationRoleUser, msgs[0].Role)
	require.Len(t, msgs[0].Content, 3)
	for _, block := range msgs[0].Content {
		text, ok := block.(*types.ContentBlockMemberText)
		require.True(t, ok)
		require.NotEmpty(t, text.Value)
	}
}

func TestInvoke_ToolUseBlocks(t *testing.T) {
	api := &fakeConverse{out: &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{
			Value: types.Message{
				Role: types.ConversationRoleAssistant,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: "let me check"},
					&types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
						ToolUseId: aws.String("use-1"),
						Name:      aws.String("calculate"),
						Input:     document.NewLazyDocument(map[string]any{"expression": "2+2"}),
					}},
				},
			},
		},
		StopReason: types.StopReasonToolUse,
	}}
	c := newTestClient(t, api)

	defs := []tool.Definition{{
		Name:        "calculate",
		Description: "does math",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}}
	res, err := c.Invoke(context.Background(), "", []domain.ChatMessage{{Role: domain.RoleUser, Content: "2+2?"}}, defs)
	require.NoError(t, err)
	require.Equal(t, "let me check", res.Text)
	require.Len(t, res.ToolCalls, 1)
	require.Equal(t, "use-1", res.ToolCalls[0].ID)
	require.Equal(t, "calculate", res.ToolCalls[0].Name)
	require.JSONEq(t, `{"expression":"2+2"}`, string(res.ToolCalls[0].Args))

	require.NotNil(t, api.lastIn.ToolConfig)
	require.Len(t, api.lastIn.ToolConfig.Tools, 1)
	spec := api.lastIn.ToolConfig.Tools[0].(*types.ToolMemberToolSpec).Value
	require.Equal(t, "calculate", aws.ToString(spec.Name))
}

func TestInvoke_BadToolSchema(t *testing.T) {
	c := newTestClient(t, &fakeConverse{out: textOutput("ok")})

	_, err := c.Invoke(context.Background(), "", nil, []tool.Definition{{
		Name:        "broken",
		InputSchema: json.RawMessage(`{`),
	}})
	require.Error(t, err)
}

func TestInvoke_APIError(t *testing.T) {
	c := newTestClient(t, &fakeConverse{err: errors.New("throttled")})

	_, err := c.Invoke(context.Background(), "", []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}}, nil)
	require.ErrorContains(t, err, "throttled")
}
