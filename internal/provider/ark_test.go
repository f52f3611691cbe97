package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestArk_ReferenceImageCapability(t *testing.T) {
	a := NewArk("", "", time.Second, nil)
	g := NewGemini("", "", time.Second, nil)

	assert.False(t, a.SupportsReferenceImages())
	assert.True(t, g.SupportsReferenceImages())
}

func TestArk_GenerateRejectsReferenceImages(t *testing.T) {
	a := NewArk("", "", time.Second, nil)

	// Must fail before any client is built or network is touched.
	_, err := a.Generate(context.Background(), "sk-test", Request{
		Prompt: "edit this",
		Images: []InputImage{{Data: []byte{1}, MIMEType: "image/png"}},
	})
	assert.ErrorIs(t, err, ErrReferenceImagesUnsupported)
}

func TestArk_Defaults(t *testing.T) {
	a := NewArk("", "", 0, nil)

	assert.Equal(t, DefaultArkModel, a.model)
	assert.Equal(t, DefaultArkBaseURL, a.baseURL)
	assert.Equal(t, 2*time.Minute, a.timeout)
}
