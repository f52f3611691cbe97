package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sergv76/imagegate/internal/config"
)

func TestBuildLogger(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.LoggingLevel = "info"

	cfg.Server.LogFormat = "text"
	_, isText := buildLogger(cfg).Handler().(*slog.TextHandler)
	assert.True(t, isText)

	cfg.Server.LogFormat = "json"
	_, isJSON := buildLogger(cfg).Handler().(*slog.JSONHandler)
	assert.True(t, isJSON)
}

func TestBuildProvider(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name     string
		provider string
		expected string
	}{
		{name: "gemini", provider: "gemini", expected: "gemini"},
		{name: "ark", provider: "ark", expected: "ark"},
		{name: "empty falls back to gemini", provider: "", expected: "gemini"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Provider.Name = tt.provider
			p := buildProvider(cfg, log)
			assert.Equal(t, tt.expected, p.Name())
		})
	}
}
