// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"

	"github.com/aiku/whatsapp-relay/pkg/webhook"
)

// StatusSource reports the session state to the health check server.
type StatusSource interface {
	Status() SessionStatus
	PairingCode() string
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string       `json:"status"`
	Connected bool         `json:"connected"`
	User      *string      `json:"user"`
	State     SessionState `json:"state"`
	Timestamp string       `json:"timestamp"`
}

// API serves the health check endpoints.
type API struct {
	source StatusSource
	log    zerolog.Logger
	now    func() time.Time
}

// NewAPI creates the health check API for source.
func NewAPI(source StatusSource, log zerolog.Logger) *API {
	return &API{
		source: source,
		log:    log.With().Str("component", "api").Logger(),
		now:    time.Now,
	}
}

// Router returns the HTTP handler for the API.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", a.HandleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/qr", a.HandleQR).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"}, a.log)
	})
	return r
}

// HandleHealth is the handler for GET /health. It always answers 200 while
// the process is running; "connected" tells whether messages can be sent.
func (a *API) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	st := a.source.Status()
	var user *string
	if st.Connected() {
		user = ptr.NonZero(st.Identity)
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "running",
		Connected: st.Connected(),
		User:      user,
		State:     st.State,
		Timestamp: a.now().UTC().Format(webhook.TimestampLayout),
	}, a.log)
}

// HandleQR is the handler for GET /qr. It serves the pending pairing code as
// a PNG, or 404 when no pairing is in progress.
func (a *API) HandleQR(w http.ResponseWriter, _ *http.Request) {
	code := a.source.PairingCode()
	if code == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pairing in progress"}, a.log)
		return
	}
	png, err := PairingQRPNG(code)
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to render pairing QR code")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to render QR code"}, a.log)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(png); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write QR response")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any, log zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}
