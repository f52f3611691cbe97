package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sergv76/imagegate/internal/keypool"
	"github.com/sergv76/imagegate/internal/logger"
	"github.com/sergv76/imagegate/internal/orchestrator"
	"github.com/sergv76/imagegate/internal/provider"
)

// Generator serves one generation request end to end.
type Generator interface {
	Generate(ctx context.Context, requestID string, req provider.Request) (*orchestrator.Result, error)
}

// StatusPool is the read/reset slice of the key pool the HTTP surface uses.
type StatusPool interface {
	Status() keypool.Status
	Snapshot() []keypool.SlotStatus
	ResetAll()
}

type generateRequest struct {
	Prompt string       `json:"prompt"`
	Model  string       `json:"model,omitempty"`
	Size   string       `json:"size,omitempty"`
	Images []inputImage `json:"images,omitempty"`
}

type inputImage struct {
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

type generateResponse struct {
	RequestID  string `json:"request_id"`
	MIMEType   string `json:"mime_type"`
	Image      string `json:"image"`
	KeyOrdinal int    `json:"key_ordinal,omitempty"`
	Cached     bool   `json:"cached"`
}

func (r *Router) handleGenerate(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		r.metrics.RecordRequest("/api/generate", status, time.Since(start))
	}()

	if req.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeError(w, status, "method not allowed")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		status = http.StatusBadRequest
		writeError(w, status, fmt.Sprintf("failed to read request body: %v", err))
		return
	}

	var body generateRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		status = http.StatusBadRequest
		writeError(w, status, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if body.Prompt == "" {
		status = http.StatusBadRequest
		writeError(w, status, "prompt is required")
		return
	}

	genReq := provider.Request{
		Prompt: body.Prompt,
		Model:  body.Model,
		Size:   body.Size,
	}
	for i, img := range body.Images {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			status = http.StatusBadRequest
			writeError(w, status, fmt.Sprintf("images[%d]: invalid base64 data", i))
			return
		}
		genReq.Images = append(genReq.Images, provider.InputImage{
			Data:     data,
			MIMEType: img.MIMEType,
		})
	}

	requestID := uuid.NewString()
	r.logger.Info("Generation request",
		"request_id", requestID,
		"prompt_len", len(body.Prompt),
		"images", len(body.Images),
	)
	// Inline base64 payloads would dump megabytes into one log line.
	r.logger.Debug("Generation request body",
		"request_id", requestID,
		"body", logger.TruncateLongFields(string(raw), 256),
	)

	res, err := r.gen.Generate(req.Context(), requestID, genReq)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrReferenceImagesUnsupported):
			status = http.StatusBadRequest
			writeError(w, status, "provider does not support reference images")
		case errors.Is(err, orchestrator.ErrAllKeysExhausted):
			status = http.StatusServiceUnavailable
			writeError(w, status, "all credentials exhausted, retry later")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
			writeError(w, status, "request timed out")
		default:
			status = http.StatusBadGateway
			writeError(w, status, "image generation failed")
		}
		r.logger.Warn("Generation request failed",
			"request_id", requestID,
			"status", status,
			"error", err,
		)
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		RequestID:  requestID,
		MIMEType:   res.Image.MIMEType,
		Image:      base64.StdEncoding.EncodeToString(res.Image.Data),
		KeyOrdinal: res.Ordinal,
		Cached:     res.Cached,
	})
}

type keyStatusResponse struct {
	keypool.Status
	Message string               `json:"message,omitempty"`
	Slots   []keypool.SlotStatus `json:"slots,omitempty"`
}

func (r *Router) handleKeyStatus(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		r.metrics.RecordRequest("/api/key-status", status, time.Since(start))
	}()

	if req.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeError(w, status, "method not allowed")
		return
	}

	resp := keyStatusResponse{
		Status: r.pool.Status(),
		Slots:  r.pool.Snapshot(),
	}
	if resp.TotalSlots == 0 {
		resp.Message = "no keys configured"
	}
	writeJSON(w, http.StatusOK, resp)
}

type resetResponse struct {
	Status     string `json:"status"`
	SlotsReset int    `json:"slots_reset"`
}

func (r *Router) handleResetKeys(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		r.metrics.RecordRequest("/api/reset-keys", status, time.Since(start))
	}()

	if req.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeError(w, status, "method not allowed")
		return
	}
	if !r.authorized(req) {
		status = http.StatusUnauthorized
		writeError(w, status, "unauthorized")
		return
	}

	r.pool.ResetAll()
	if r.cache != nil {
		r.cache.Purge()
	}
	r.logger.Info("Key pool reset via API")

	writeJSON(w, http.StatusOK, resetResponse{
		Status:     "ok",
		SlotsReset: r.pool.Status().TotalSlots,
	})
}
