package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/sergv76/imagegate/internal/security"
)

// DefaultGeminiModel is the image-capable Gemini model used when the request
// carries no override.
const DefaultGeminiModel = "gemini-2.5-flash-image"

// Gemini generates images through the Gemini API. A fresh client is built
// per call because the API key changes with every pool assignment.
type Gemini struct {
	model   string
	baseURL string
	timeout time.Duration
	logger  *slog.Logger
}

func NewGemini(model, baseURL string, timeout time.Duration, logger *slog.Logger) *Gemini {
	if model == "" {
		model = DefaultGeminiModel
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gemini{
		model:   model,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		timeout: timeout,
		logger:  logger,
	}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) SupportsReferenceImages() bool { return true }

func (g *Gemini) Generate(ctx context.Context, apiKey string, req Request) (*Image, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	clientConfig := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if g.baseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	for _, img := range req.Images {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{MIMEType: img.MIMEType, Data: img.Data},
		})
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}

	model := req.Model
	if model == "" {
		model = g.model
	}

	g.logger.Debug("Gemini generate call",
		"model", model,
		"key", security.MaskAPIKey(apiKey),
		"images", len(req.Images),
	)

	res, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}

	return extractInlineImage(res)
}

// extractInlineImage pulls the first inline image part out of the nested
// candidate/content/part response structure.
func extractInlineImage(res *genai.GenerateContentResponse) (*Image, error) {
	for _, cand := range res.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			mime := part.InlineData.MIMEType
			if mime == "" {
				mime = "image/png"
			}
			return &Image{Data: part.InlineData.Data, MIMEType: mime}, nil
		}
	}
	return nil, ErrNoImage
}
