package analysis

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIOpts configures an OpenAIGateway.
type OpenAIOpts struct {
	APIKey    string
	Model     string
	MaxTokens int64
}

// OpenAIOption configures an OpenAIGateway.
type OpenAIOption func(*OpenAIOpts)

// WithAPIKey sets the OpenAI API key. OPENAI_API_KEY is used when unset.
func WithAPIKey(key string) OpenAIOption {
	return func(o *OpenAIOpts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) OpenAIOption {
	return func(o *OpenAIOpts) { o.Model = model }
}

// OpenAIGateway sends the photo as an image content part of a chat completion.
type OpenAIGateway struct {
	chat      chatService
	model     openai.ChatModel
	maxTokens int64
}

// Compile-time check that OpenAIGateway implements Gateway.
var _ Gateway = (*OpenAIGateway)(nil)

// NewOpenAIGateway creates a gateway backed by the OpenAI API.
func NewOpenAIGateway(opts ...OpenAIOption) (*OpenAIGateway, error) {
	cfg := OpenAIOpts{Model: string(openai.ChatModelGPT4oMini), MaxTokens: 150}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &OpenAIGateway{chat: &cli.Chat.Completions, model: openai.ChatModel(cfg.Model), maxTokens: cfg.MaxTokens}, nil
}

func (g *OpenAIGateway) Analyze(ctx context.Context, req Request) (Result, error) {
	mime := req.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(req.Image)

	params := openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(SystemPrompt(req.Exercise)),
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(UserPrompt(req.Exercise, req.Side)),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
			}),
		},
		MaxTokens:   openai.Int(g.maxTokens),
		Temperature: openai.Float(0),
	}
	if req.UserID != "" {
		params.User = openai.String(req.UserID)
	}

	resp, err := g.chat.New(ctx, params)
	if err != nil {
		slog.Error("OpenAIGateway.Analyze: request failed", "exercise", req.Exercise, "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		slog.Warn("OpenAIGateway.Analyze: no choices returned", "exercise", req.Exercise)
		return Result{}, fmt.Errorf("%w: no choices returned", ErrMalformedResponse)
	}
	res, err := ParseReply(resp.Choices[0].Message.Content)
	if err != nil {
		slog.Warn("OpenAIGateway.Analyze: unparseable reply", "exercise", req.Exercise, "error", err)
		return Result{}, err
	}
	slog.Debug("OpenAIGateway.Analyze: success", "exercise", req.Exercise, "mismatch", res.Mismatch, "score", res.Score)
	return res, nil
}
