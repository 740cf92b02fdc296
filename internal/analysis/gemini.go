package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"google.golang.org/genai"
)

// contentGenerator is the subset of genai.Models used by GeminiGateway.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiGateway sends the photo as an inline part to the Gemini API.
type GeminiGateway struct {
	models    contentGenerator
	model     string
	maxTokens int32
}

// Compile-time check that GeminiGateway implements Gateway.
var _ Gateway = (*GeminiGateway)(nil)

// NewGeminiGateway creates a gateway backed by the Gemini API. An empty
// apiKey falls back to GEMINI_API_KEY.
func NewGeminiGateway(ctx context.Context, apiKey, model string) (*GeminiGateway, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiGateway{models: client.Models, model: model, maxTokens: 150}, nil
}

func (g *GeminiGateway) Analyze(ctx context.Context, req Request) (Result, error) {
	mime := req.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(UserPrompt(req.Exercise, req.Side)),
			genai.NewPartFromBytes(req.Image, mime),
		}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemPrompt(req.Exercise), genai.RoleUser),
		Temperature:       genai.Ptr[float32](0),
		MaxOutputTokens:   g.maxTokens,
	}

	resp, err := g.models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		slog.Error("GeminiGateway.Analyze: request failed", "exercise", req.Exercise, "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return Result{}, fmt.Errorf("%w: no candidates returned", ErrMalformedResponse)
	}
	res, err := ParseReply(resp.Text())
	if err != nil {
		slog.Warn("GeminiGateway.Analyze: unparseable reply", "exercise", req.Exercise, "error", err)
		return Result{}, err
	}
	slog.Debug("GeminiGateway.Analyze: success", "exercise", req.Exercise, "mismatch", res.Mismatch, "score", res.Score)
	return res, nil
}
