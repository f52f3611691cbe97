package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/sergv76/imagegate/internal/security"
)

const (
	// DefaultArkBaseURL is the BytePlus ModelArk OpenAI-compatible endpoint.
	DefaultArkBaseURL = "https://ark.cn-beijing.volces.com/api/v3"

	DefaultArkModel = "doubao-seedream-4-0"
)

// Ark generates images through the BytePlus ModelArk images API, which
// speaks the OpenAI wire format. Text-to-image only; ModelArk has no
// edit-with-reference-images endpoint compatible with this client.
type Ark struct {
	model   string
	baseURL string
	timeout time.Duration
	logger  *slog.Logger
}

func NewArk(model, baseURL string, timeout time.Duration, logger *slog.Logger) *Ark {
	if model == "" {
		model = DefaultArkModel
	}
	if baseURL == "" {
		baseURL = DefaultArkBaseURL
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ark{
		model:   model,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		timeout: timeout,
		logger:  logger,
	}
}

func (a *Ark) Name() string { return "ark" }

func (a *Ark) SupportsReferenceImages() bool { return false }

func (a *Ark) Generate(ctx context.Context, apiKey string, req Request) (*Image, error) {
	if len(req.Images) > 0 {
		return nil, ErrReferenceImagesUnsupported
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: a.timeout}),
	)

	model := req.Model
	if model == "" {
		model = a.model
	}
	size := req.Size
	if size == "" {
		size = "1024x1024"
	}

	a.logger.Debug("Ark generate call",
		"model", model,
		"key", security.MaskAPIKey(apiKey),
		"size", size,
	)

	res, err := client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         req.Prompt,
		Model:          openai.ImageModel(model),
		N:              openai.Int(1),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
		Size:           openai.ImageGenerateParamsSize(size),
	})
	if err != nil {
		return nil, fmt.Errorf("ark: generate image: %w", err)
	}

	if len(res.Data) == 0 || res.Data[0].B64JSON == "" {
		return nil, ErrNoImage
	}

	data, err := base64.StdEncoding.DecodeString(res.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("ark: decode image payload: %w", err)
	}
	return &Image{Data: data, MIMEType: "image/png"}, nil
}
