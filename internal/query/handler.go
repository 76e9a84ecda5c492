// Package query serves read-only aggregates over the ledger for polling
// clients that do not hold a WebSocket session.
package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/huikka/subathon/internal/ledger"
	"github.com/huikka/subathon/internal/models"
)

// Handler exposes the polling endpoints. Reads go straight to the ledger and
// are never cached beyond a single request. The two-or-three reads per
// request are not wrapped in one transaction; the aggregates tolerate the
// resulting eventual consistency.
type Handler struct {
	store ledger.Store
}

// NewHandler creates the query handler.
func NewHandler(store ledger.Store) *Handler {
	return &Handler{store: store}
}

// AmountsResponse aggregates the session history for overlays.
type AmountsResponse struct {
	SubCount    int   `json:"subCount"`
	FollowCount int   `json:"followCount"`
	BitCount    int64 `json:"bitCount"`
	ViewerCount int64 `json:"viewerCount"`
	EndTime     int64 `json:"endTime"`
}

// PointsResponse is the current points counter and remaining time.
type PointsResponse struct {
	AmountOfPoints int64 `json:"amountOfPoints"`
	TimeLeft       int64 `json:"timeLeft"`
}

// HandleAmounts serves GET /api/amounts. Returns zeros when no session has
// ever started.
func (h *Handler) HandleAmounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	events, err := h.store.Events(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to read events")
		http.Error(w, "failed to read events", http.StatusInternalServerError)
		return
	}

	resp := aggregateAmounts(events)

	state, err := h.store.TimerState(r.Context())
	switch {
	case err == nil:
		if state.EndTimeUnix != nil {
			resp.EndTime = *state.EndTimeUnix
		}
	case errors.Is(err, ledger.ErrNotFound):
		// No session yet: report zeros.
	default:
		log.Error().Err(err).Msg("failed to read timer state")
		http.Error(w, "failed to read timer state", http.StatusInternalServerError)
		return
	}

	writeJSON(w, resp)
}

// HandlePoints serves GET /api/points. A missing config row is a true
// not-found, never silently substituted with zeros.
func (h *Handler) HandlePoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	config, err := h.store.Config(r.Context())
	if errors.Is(err, ledger.ErrNotFound) {
		http.Error(w, "no subathon has been configured", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to read config")
		http.Error(w, "failed to read config", http.StatusInternalServerError)
		return
	}

	resp := PointsResponse{AmountOfPoints: config.Points}

	state, err := h.store.TimerState(r.Context())
	switch {
	case err == nil:
		resp.TimeLeft = state.TimeRemaining
	case errors.Is(err, ledger.ErrNotFound):
	default:
		log.Error().Err(err).Msg("failed to read timer state")
		http.Error(w, "failed to read timer state", http.StatusInternalServerError)
		return
	}

	writeJSON(w, resp)
}

// HandleHealth is the liveness probe.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("failed to write health response")
	}
}

// RegisterRoutes registers the polling endpoints.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/amounts", h.HandleAmounts)
	mux.HandleFunc("/api/points", h.HandlePoints)
	mux.HandleFunc("/health", h.HandleHealth)
}

// aggregateAmounts recomputes the counters from the event labels the engine
// writes ("Cheer (800 bits)", "Raid (12 viewers)", ...).
func aggregateAmounts(events []models.Event) AmountsResponse {
	var resp AmountsResponse
	for _, ev := range events {
		switch {
		case ev.Event == "Subscription":
			resp.SubCount++
		case ev.Event == "Follow":
			resp.FollowCount++
		case strings.HasPrefix(ev.Event, "Cheer ("):
			var bits int64
			if _, err := fmt.Sscanf(ev.Event, "Cheer (%d bits)", &bits); err == nil {
				resp.BitCount += bits
			}
		case strings.HasPrefix(ev.Event, "Raid ("):
			var viewers int64
			if _, err := fmt.Sscanf(ev.Event, "Raid (%d viewers)", &viewers); err == nil {
				resp.ViewerCount += viewers
			}
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
