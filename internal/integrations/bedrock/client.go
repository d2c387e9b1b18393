// Package bedrock implements the reasoning backend on the Amazon Bedrock
// Converse API.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"chat-agent/internal/domain"
	"chat-agent/internal/logging"
	"chat-agent/internal/orchestrator"
	"chat-agent/internal/tool"
)

// converseAPI is the minimal Bedrock runtime interface required by Client.
// *bedrockruntime.Client satisfies it.
type converseAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Config identifies the model and its sampling parameters.
type Config struct {
	ModelID     string
	Temperature float32
	MaxTokens   int32
}

// Client drives one Bedrock model through the Converse API.
type Client struct {
	api converseAPI
	cfg Config
	log *logging.Logger
}

// New creates a Client for the given model.
func New(api converseAPI, cfg Config, log *logging.Logger) (*Client, error) {
	if api == nil {
		return nil, errors.New("bedrock: api must not be nil")
	}
	if cfg.ModelID == "" {
		return nil, errors.New("bedrock: model id must not be empty")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Client{api: api, cfg: cfg, log: log.Sub("bedrock")}, nil
}

// ModelID reports the configured model identifier.
func (c *Client) ModelID() string { return c.cfg.ModelID }

// Invoke sends the history to the model and maps the reply to text and tool
// calls. Tool results in the history arrive flattened as Role=tool messages
// and are sent as user turns; the Converse API only distinguishes user and
// assistant roles in plain-text conversations.
func (c *Client) Invoke(ctx context.Context, system string, history []domain.ChatMessage, tools []tool.Definition) (*orchestrator.Result, error) {
	in := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.cfg.ModelID),
		Messages: buildMessages(history),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(c.cfg.MaxTokens),
			Temperature: aws.Float32(c.cfg.Temperature),
		},
	}
	if system != "" {
		in.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}
	if len(tools) > 0 {
		toolConfig, err := buildToolConfig(tools)
		if err != nil {
			return nil, err
		}
		in.ToolConfig = toolConfig
	}

	out, err := c.api.Converse(ctx, in)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			c.log.Warn().Str("code", apiErr.ErrorCode()).Msg("converse rejected")
		}
		return nil, fmt.Errorf("bedrock: converse: %w", err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, fmt.Errorf("bedrock: unexpected output type %T", out.Output)
	}

	result := &orchestrator.Result{}
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			result.Text += b.Value
		case *types.ContentBlockMemberToolUse:
			call, err := toToolCall(b.Value)
			if err != nil {
				return nil, err
			}
			result.ToolCalls = append(result.ToolCalls, call)
		default:
			c.log.Warn().Str("block", fmt.Sprintf("%T", block)).Msg("ignoring unsupported content block")
		}
	}

	c.log.Debug().
		Str("stopReason", string(out.StopReason)).
		Int("toolCalls", len(result.ToolCalls)).
		Msg("converse completed")
	return result, nil
}

// buildMessages flattens history into Converse messages. Converse requires
// strictly alternating user/assistant roles and non-empty text blocks, so
// blank entries are dropped and consecutive same-role entries (for example
// several tool results in one round) are merged into a single message.
func buildMessages(history []domain.ChatMessage) []types.Message {
	msgs := make([]types.Message, 0, len(history))
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == domain.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		block := &types.ContentBlockMemberText{Value: m.Content}
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content = append(msgs[n-1].Content, block)
			continue
		}
		msgs = append(msgs, types.Message{
			Role:    role,
			Content: []types.ContentBlock{block},
		})
	}
	return msgs
}

func buildToolConfig(tools []tool.Definition) (*types.ToolConfiguration, error) {
	specs := make([]types.Tool, 0, len(tools))
	for _, d := range tools {
		var schema any
		if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("bedrock: tool %s: invalid input schema: %w", d.Name, err)
		}
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(d.Name),
				Description: aws.String(d.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(schema),
				},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}, nil
}

func toToolCall(block types.ToolUseBlock) (orchestrator.ToolCall, error) {
	call := orchestrator.ToolCall{
		ID:   aws.ToString(block.ToolUseId),
		Name: aws.ToString(block.Name),
	}
	if block.Input != nil {
		raw, err := block.Input.MarshalSmithyDocument()
		if err != nil {
			return orchestrator.ToolCall{}, fmt.Errorf("bedrock: tool %s: marshal input: %w", call.Name, err)
		}
		call.Args = json.RawMessage(raw)
	}
	return call, nil
}
