package llm

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/archonhq/archon/internal/archerr"
)

// BedrockProvider adapts AWS Bedrock's Converse API. Credentials come from
// the standard AWS chain (environment, shared config, instance role).
type BedrockProvider struct {
	client     *bedrockruntime.Client
	config     *ProviderConfig
	configured bool
}

// NewBedrock loads the AWS config and builds the provider.
func NewBedrock(ctx context.Context, cfg *ProviderConfig) (*BedrockProvider, error) {
	cfg = applyDefaults(cfg, "bedrock")
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, archerr.Wrap(archerr.KindProviderAuth, err, "load aws config")
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	return &BedrockProvider{
		client:     bedrockruntime.NewFromConfig(awsCfg),
		config:     cfg,
		configured: err == nil && creds.HasKeys(),
	}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) Available() bool { return p.configured }

// Chat sends the conversation through Converse.
func (p *BedrockProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.config.Temperature
	}

	messages := make([]types.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := types.ConversationRoleUser
		if m.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: messages,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(maxTokens)),
			Temperature: aws.Float32(float32(temperature)),
		},
	}
	if req.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.SystemPrompt},
		}
	}

	start := time.Now()
	out, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, classifyBedrockError(err)
	}

	resp := &ChatResponse{Model: model, Duration: time.Since(start)}
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*types.ContentBlockMemberText); ok {
				resp.Content += text.Value
			}
		}
	}
	if out.Usage != nil {
		resp.PromptTokens = int(aws.ToInt32(out.Usage.InputTokens))
		resp.CompletionTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	return resp, nil
}

func classifyBedrockError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ThrottlingException"):
		return archerr.Wrap(archerr.KindProviderRateLimit, err, "bedrock throttled")
	case strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "UnrecognizedClient"):
		return archerr.Wrap(archerr.KindProviderAuth, err, "bedrock authentication failed")
	case strings.Contains(msg, "ServiceUnavailable") || strings.Contains(msg, "InternalServer"):
		return archerr.Wrap(archerr.KindProviderTransient, err, "bedrock unavailable")
	default:
		return archerr.Wrap(archerr.KindProviderTransient, err, "bedrock request failed")
	}
}
