package inference

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/Iron-Ham/grind/internal/errors"
)

type generateFunc func(ctx context.Context, model string, contents []*genai.Content,
	config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// GeminiClient executes prompts against the Gemini API.
type GeminiClient struct {
	generate generateFunc
}

// NewGeminiClient creates a Gemini API client.
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{generate: client.Models.GenerateContent}, nil
}

// Execute sends the prompt as a single user turn.
func (c *GeminiClient) Execute(ctx context.Context, req Request) (Response, error) {
	resp, err := c.generate(ctx, req.Model, genai.Text(req.Prompt), nil)
	if err != nil {
		return Response{}, classify(ctx, req.Model, err)
	}
	text, err := responseText(req.Model, resp)
	if err != nil {
		return Response{}, err
	}
	return Response{Text: text, ModelUsed: req.Model}, nil
}

func responseText(model string, resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.NewInferenceError(errors.InferenceProvider, model, "no candidates in response", nil)
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", errors.NewInferenceError(errors.InferenceProvider, model, "content blocked by safety filters", nil)
	}
	if cand.Content == nil {
		return "", errors.NewInferenceError(errors.InferenceProvider, model, "empty content in response", nil)
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.NewInferenceError(errors.InferenceProvider, model, "response has no text", nil)
	}
	return sb.String(), nil
}
