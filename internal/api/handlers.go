// Package api provides the HTTP status and control endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/06benste/FoxEss-PVOutput/internal/adapter/modbus"
	"github.com/06benste/FoxEss-PVOutput/internal/domain"
	"github.com/06benste/FoxEss-PVOutput/internal/service"
	"github.com/rs/zerolog"
)

// SessionProvider is the polling session as seen by the API.
type SessionProvider interface {
	Status() service.SessionStatus
	LastSample() *domain.Sample
	UploadNow(ctx context.Context) (domain.UploadResult, error)
}

// DeviceProvider exposes inverter link diagnostics.
type DeviceProvider interface {
	Snapshot() modbus.PollerSnapshot
}

// UploadProvider exposes the uploader's record.
type UploadProvider interface {
	Record() domain.UploadRecord
	BreakerState() string
	Configured() bool
}

// APIHandler serves the status API.
type APIHandler struct {
	session   SessionProvider
	device    DeviceProvider
	uploads   UploadProvider
	reported  map[string]bool
	inverter  string
	logger    zerolog.Logger
	uploadTTL time.Duration
}

// NewAPIHandler creates a handler. uploads may be nil when uploading is
// disabled. reportedKeys lists the sample keys that feed the upload.
func NewAPIHandler(
	inverterType string,
	session SessionProvider,
	device DeviceProvider,
	uploads UploadProvider,
	reportedKeys []string,
	logger zerolog.Logger,
) *APIHandler {
	reported := make(map[string]bool, len(reportedKeys))
	for _, k := range reportedKeys {
		reported[k] = true
	}
	return &APIHandler{
		session:   session,
		device:    device,
		uploads:   uploads,
		reported:  reported,
		inverter:  inverterType,
		logger:    logger.With().Str("component", "api").Logger(),
		uploadTTL: 30 * time.Second,
	}
}

// Register mounts the API routes on mux.
func (h *APIHandler) Register(mux *http.ServeMux, mw *Middleware) {
	mux.HandleFunc("/api/status", mw.ReadOnly(h.StatusHandler))
	mux.HandleFunc("/api/sample", mw.ReadOnly(h.SampleHandler))
	mux.HandleFunc("/api/upload", mw.Secure(h.UploadHandler))
}

// UploadStatus is the upload section of the status response.
type UploadStatus struct {
	Enabled    bool       `json:"enabled"`
	Configured bool       `json:"configured"`
	LastUpload *time.Time `json:"last_upload,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	Breaker    string     `json:"breaker,omitempty"`
}

// StatusResponse is served by GET /api/status.
type StatusResponse struct {
	Inverter string                `json:"inverter_type"`
	Device   modbus.PollerSnapshot `json:"device"`
	Session  service.SessionStatus `json:"session"`
	Upload   UploadStatus          `json:"upload"`
}

// StatusHandler returns device, session and upload status.
func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		Inverter: h.inverter,
		Device:   h.device.Snapshot(),
		Session:  h.session.Status(),
	}
	if h.uploads != nil {
		record := h.uploads.Record()
		resp.Upload = UploadStatus{
			Enabled:    true,
			Configured: h.uploads.Configured(),
			LastUpload: record.LastSuccess,
			LastStatus: record.LastStatus,
			Breaker:    h.uploads.BreakerState(),
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// SampleValue is one presented sample value.
type SampleValue struct {
	Key      string  `json:"key"`
	Value    float64 `json:"value"`
	Unit     string  `json:"unit,omitempty"`
	Reported bool    `json:"reported"`
}

// SampleResponse is served by GET /api/sample.
type SampleResponse struct {
	Timestamp time.Time     `json:"timestamp"`
	Values    []SampleValue `json:"values"`
}

// SampleHandler returns the most recent sample with units, rounded for
// display. Values that feed the upload are flagged as reported.
func (h *APIHandler) SampleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sample := h.session.LastSample()
	if sample == nil {
		http.Error(w, domain.ErrNoSample.Error(), http.StatusServiceUnavailable)
		return
	}

	resp := SampleResponse{
		Timestamp: sample.Timestamp,
		Values:    make([]SampleValue, 0, sample.Len()),
	}
	for _, key := range sample.Keys() {
		v, _ := sample.Get(key)
		resp.Values = append(resp.Values, SampleValue{
			Key:      key,
			Value:    domain.DisplayValue(key, v),
			Unit:     string(domain.InferUnit(key)),
			Reported: h.reported[key],
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// UploadHandler uploads the latest sample immediately.
func (h *APIHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.uploadTTL)
	defer cancel()

	result, err := h.session.UploadNow(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Manual upload failed")
		status := http.StatusBadGateway
		if errors.Is(err, domain.ErrUpload) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	status := http.StatusOK
	if result.Outcome != domain.UploadSucceeded {
		status = http.StatusBadGateway
		if !result.Outcome.Attempted() && result.Outcome != domain.UploadCircuitOpen {
			status = http.StatusUnprocessableEntity
		}
	}
	h.writeJSON(w, status, result)
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
