// Package provider holds the upstream image-generation backends. Each
// provider performs exactly one call with exactly one API key; key selection
// and retry live in the orchestrator.
package provider

import (
	"context"
	"errors"
)

// InputImage is a reference image attached to a generation request.
type InputImage struct {
	Data     []byte
	MIMEType string
}

// Request is a single generation request as seen by a backend.
type Request struct {
	Prompt string
	Model  string // optional override of the provider's configured model
	Size   string // e.g. "1024x1024"; providers may ignore it
	Images []InputImage
}

// Image is the extracted generation result.
type Image struct {
	Data     []byte
	MIMEType string
}

// ErrNoImage means the upstream call succeeded but the response carried no
// inline image data. Treated as transient by the orchestrator.
var ErrNoImage = errors.New("upstream response contained no image data")

// ErrReferenceImagesUnsupported means the request carries reference images
// but the backend has no edit endpoint for them. The orchestrator checks
// SupportsReferenceImages before acquiring a key, so this request never
// costs pool capacity.
var ErrReferenceImagesUnsupported = errors.New("provider does not support reference images")

// Provider performs one upstream generation call with the given API key.
type Provider interface {
	Name() string
	SupportsReferenceImages() bool
	Generate(ctx context.Context, apiKey string, req Request) (*Image, error)
}
