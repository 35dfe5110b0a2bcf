// Package api exposes the paper engine over HTTP: scoring signals, opening,
// inspecting, extending and force-closing positions, and the ledger history.
//
// All monetary values use shopspring/decimal.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/correlation"
	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/entry"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/position"
	"github.com/atmx/paper-engine/internal/signal"
	"github.com/atmx/paper-engine/internal/store"
	"github.com/atmx/paper-engine/internal/symbol"
)

// Handler serves the position API.
type Handler struct {
	engine  *engine.Engine
	store   store.Store
	weights signal.Weights
	now     func() time.Time
}

// NewHandler creates a handler. weights score requests that carry none.
func NewHandler(eng *engine.Engine, st store.Store, weights signal.Weights) *Handler {
	return &Handler{
		engine:  eng,
		store:   st,
		weights: weights,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/signals/score", h.ScoreSignal)

	r.Get("/positions", h.ListPositions)
	r.Post("/positions", h.CreatePosition)
	r.Get("/positions/{positionID}", h.GetPosition)
	r.Get("/positions/{positionID}/fills", h.GetFills)
	r.Get("/positions/{positionID}/funding", h.GetFunding)
	r.Post("/positions/{positionID}/close", h.ClosePosition)
	r.Post("/positions/{positionID}/extend", h.ExtendDeadline)

	r.Get("/history", h.ListHistory)
	r.Get("/account", h.GetAccount)
}

// --- Request/Response types ---

// ScoreRequest is the JSON body for signal scoring.
type ScoreRequest struct {
	Symbol  string        `json:"symbol"`
	Scores  model.Vector  `json:"scores"`
	Weights *model.Vector `json:"weights,omitempty"` // nil → configured weights
}

// CreatePositionRequest is the JSON body for POST /positions.
type CreatePositionRequest struct {
	ScoreRequest
	Leverage      int             `json:"leverage"`
	Notional      decimal.Decimal `json:"notional"`
	EntryDeadline time.Time       `json:"entry_deadline"`
	PlannedClose  time.Time       `json:"planned_close,omitempty"`
}

// CreatePositionResponse is returned from POST /positions.
type CreatePositionResponse struct {
	ID       string         `json:"id"`
	Signal   model.Signal   `json:"signal"`
	Position model.Position `json:"position"`
}

// CloseRequest is the JSON body for POST /positions/{id}/close.
type CloseRequest struct {
	Reason string `json:"reason"`
}

// ExtendRequest is the JSON body for POST /positions/{id}/extend.
type ExtendRequest struct {
	ExtendTo time.Time `json:"extend_to"`
	Reason   string    `json:"reason"`
}

// --- HTTP Handlers ---

// ScoreSignal handles POST /api/v1/signals/score
func (h *Handler) ScoreSignal(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sig, err := h.score(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (h *Handler) score(req ScoreRequest) (model.Signal, error) {
	weights := h.weights
	if req.Weights != nil {
		weights = signal.Weights(*req.Weights)
	}
	return signal.Score(req.Symbol, h.now(), req.Scores, weights)
}

// CreatePosition handles POST /api/v1/positions
// Scores the signal and opens a position from it.
func (h *Handler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req CreatePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}

	sig, err := h.score(req.ScoreRequest)
	if err != nil {
		writeErr(w, err)
		return
	}

	id, err := h.engine.CreatePosition(r.Context(), engine.CreateRequest{
		Signal:        sig,
		Leverage:      req.Leverage,
		Notional:      req.Notional,
		EntryDeadline: req.EntryDeadline,
		PlannedClose:  req.PlannedClose,
	})
	if err != nil && id == "" {
		writeErr(w, err)
		return
	}
	if err != nil {
		// Committed in memory; only the ledger write failed.
		slog.Error("position created with ledger errors", "position_id", id, "err", err)
	}

	pos, err := h.engine.Position(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreatePositionResponse{ID: id, Signal: sig, Position: pos})
}

// ListPositions handles GET /api/v1/positions
// Returns the live positions.
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.engine.OpenPositions()
	if sym := r.URL.Query().Get("symbol"); sym != "" {
		filtered := []model.Position{}
		for _, p := range positions {
			if p.Symbol == sym {
				filtered = append(filtered, p)
			}
		}
		positions = filtered
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/positions/{positionID}
// Live positions come from the engine, terminal ones from the ledger.
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "positionID")

	if pos, err := h.engine.Position(id); err == nil {
		writeJSON(w, http.StatusOK, pos)
		return
	}
	pos, err := h.store.GetSnapshot(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetFills handles GET /api/v1/positions/{positionID}/fills
func (h *Handler) GetFills(w http.ResponseWriter, r *http.Request) {
	fills, err := h.store.GetFills(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeError(w, "failed to load fills", http.StatusInternalServerError)
		return
	}
	if fills == nil {
		fills = []model.Fill{}
	}
	writeJSON(w, http.StatusOK, fills)
}

// GetFunding handles GET /api/v1/positions/{positionID}/funding
func (h *Handler) GetFunding(w http.ResponseWriter, r *http.Request) {
	settlements, err := h.store.GetFunding(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeError(w, "failed to load funding", http.StatusInternalServerError)
		return
	}
	if settlements == nil {
		settlements = []model.FundingSettlement{}
	}
	writeJSON(w, http.StatusOK, settlements)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	ev, err := h.engine.ForceClose(r.Context(), chi.URLParam(r, "positionID"), req.Reason)
	if err != nil && ev.PositionID == "" {
		writeErr(w, err)
		return
	}
	if err != nil {
		slog.Error("position closed with ledger errors", "position_id", ev.PositionID, "err", err)
	}
	writeJSON(w, http.StatusOK, ev)
}

// ExtendDeadline handles POST /api/v1/positions/{positionID}/extend
func (h *Handler) ExtendDeadline(w http.ResponseWriter, r *http.Request) {
	var req ExtendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		writeError(w, "reason is required", http.StatusBadRequest)
		return
	}
	ev, err := h.engine.ExtendDeadline(r.Context(), chi.URLParam(r, "positionID"), req.ExtendTo, req.Reason)
	if err != nil && ev.PositionID == "" {
		writeErr(w, err)
		return
	}
	if err != nil {
		slog.Error("deadline extended with ledger errors", "position_id", ev.PositionID, "err", err)
	}
	writeJSON(w, http.StatusOK, ev)
}

// ListHistory handles GET /api/v1/history
// Returns the latest recorded snapshot of every position, live or closed.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	positions, err := h.store.ListSnapshots(r.Context())
	if err != nil {
		writeError(w, "failed to list history", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := []model.Position{}
		for _, p := range positions {
			if string(p.Status) == status {
				filtered = append(filtered, p)
			}
		}
		positions = filtered
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetAccount handles GET /api/v1/account
func (h *Handler) GetAccount(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Account())
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr maps an error kind to its HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, position.ErrPositionNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, position.ErrDuplicatePosition),
		errors.Is(err, engine.ErrPositionClosed),
		errors.Is(err, entry.ErrInsufficientMargin),
		errors.Is(err, correlation.ErrPerSymbolLimitExceeded),
		errors.Is(err, correlation.ErrCorrelatedLimitExceeded):
		status = http.StatusConflict
	case errors.Is(err, signal.ErrInvalidWeights),
		errors.Is(err, signal.ErrInvalidScore),
		errors.Is(err, entry.ErrInvalidBatchPlan),
		errors.Is(err, engine.ErrNotActionable),
		errors.Is(err, engine.ErrInvalidDeadline),
		errors.Is(err, engine.ErrInvalidLeverage),
		errors.Is(err, symbol.ErrInvalidSymbol),
		errors.Is(err, symbol.ErrInvalidQuote):
		status = http.StatusBadRequest
	case errors.Is(err, position.ErrStaleMarkPrice):
		status = http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrEngineClosed):
		status = http.StatusServiceUnavailable
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
