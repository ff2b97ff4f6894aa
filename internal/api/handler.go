package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kutay-ship-it/capsulenote-sub000/internal/clock"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/dispatch"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/models"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/reaper"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/schedule"
	"github.com/kutay-ship-it/capsulenote-sub000/internal/scheduler"
)

type Dispatcher interface {
	RunOnce(ctx context.Context) (dispatch.Stats, error)
}

type DraftReaper interface {
	RunOnce(ctx context.Context) (reaper.Stats, error)
}

type DeliveryReader interface {
	GetDelivery(ctx context.Context, id uuid.UUID) (*models.Delivery, error)
}

type Handler struct {
	Scheduler  *scheduler.Scheduler
	Dispatcher Dispatcher
	Reaper     DraftReaper
	Deliveries DeliveryReader
	CronSecret string
	Log        *zap.Logger
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Route("/cron", func(r chi.Router) {
		r.Use(h.cronAuth)
		r.Get("/dispatch", h.runDispatch)
		r.Get("/reap-drafts", h.runReaper)
	})

	r.Post("/deliveries", h.scheduleDelivery)
	r.Get("/deliveries/{id}", h.getDelivery)
	r.Delete("/deliveries/{id}", h.cancelDelivery)
	r.Post("/deliveries/{id}/reschedule", h.rescheduleDelivery)
	r.Put("/drafts/{id}", h.saveDraft)

	return r
}

// cronAuth compares the bearer secret in constant time. Both sides are
// hashed first so a length mismatch doesn't short-circuit.
func (h *Handler) cronAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := sha256.Sum256([]byte(r.Header.Get("Authorization")))
		want := sha256.Sum256([]byte("Bearer " + h.CronSecret))

		if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"success": false,
				"error":   "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type cronResponse struct {
	Success        bool   `json:"success"`
	ProcessedCount int    `json:"processedCount"`
	DurationMs     int64  `json:"durationMs"`
	Error          string `json:"error,omitempty"`
}

func (h *Handler) runDispatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	stats, err := h.Dispatcher.RunOnce(r.Context())
	if err != nil {
		h.Log.Error("dispatch run failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, cronResponse{
			Success:    false,
			DurationMs: time.Since(start).Milliseconds(),
			Error:      err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, cronResponse{
		Success:        true,
		ProcessedCount: stats.Claimed,
		DurationMs:     time.Since(start).Milliseconds(),
	})
}

func (h *Handler) runReaper(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	stats, err := h.Reaper.RunOnce(r.Context())
	if err != nil {
		h.Log.Error("draft reap failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, cronResponse{
			Success:        false,
			ProcessedCount: stats.Deleted,
			DurationMs:     time.Since(start).Milliseconds(),
			Error:          err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, cronResponse{
		Success:        true,
		ProcessedCount: stats.Deleted,
		DurationMs:     time.Since(start).Milliseconds(),
	})
}

type scheduleResponse struct {
	DeliveryID string    `json:"deliveryId"`
	DispatchAt time.Time `json:"dispatchAt"`
}

func (h *Handler) scheduleDelivery(w http.ResponseWriter, r *http.Request) {
	var req scheduler.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.OwnerID = ownerID(r)

	delivery, err := h.Scheduler.Schedule(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, scheduleResponse{
		DeliveryID: delivery.ID.String(),
		DispatchAt: delivery.DispatchAt,
	})
}

func (h *Handler) getDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	delivery, err := h.Deliveries.GetDelivery(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if delivery.OwnerID != ownerID(r) {
		h.writeDomainError(w, models.ErrNotFound)
		return
	}

	writeJSON(w, http.StatusOK, delivery)
}

func (h *Handler) cancelDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.Scheduler.Cancel(r.Context(), id, ownerID(r)); err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type rescheduleRequest struct {
	Date     clock.CivilDate `json:"date"`
	Timezone string          `json:"timezone"`
}

func (h *Handler) rescheduleDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	delivery, err := h.Scheduler.Reschedule(r.Context(), id, ownerID(r), req.Date, req.Timezone)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, scheduleResponse{
		DeliveryID: delivery.ID.String(),
		DispatchAt: delivery.DispatchAt,
	})
}

type draftRequest struct {
	Title    string `json:"title"`
	BodyRich string `json:"bodyRich"`
	BodyHTML string `json:"bodyHtml"`
}

func (h *Handler) saveDraft(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req draftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	draft := &models.Draft{
		ID:       id,
		OwnerID:  ownerID(r),
		Title:    req.Title,
		BodyRich: req.BodyRich,
		BodyHTML: req.BodyHTML,
	}
	if err := h.Scheduler.SaveDraft(r.Context(), draft); err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":          draft.ID.String(),
		"lastSavedAt": draft.LastSavedAt,
	})
}

// ownerID trusts the authenticated identity the session layer in front
// of this service injects.
func ownerID(r *http.Request) string {
	return r.Header.Get("X-Owner-Id")
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrInvalidRecipient),
		errors.Is(err, clock.ErrInvalidTimezone),
		errors.Is(err, schedule.ErrPastDate),
		errors.Is(err, schedule.ErrHorizonExceeded),
		errors.Is(err, schedule.ErrTransitWindowExceeded):
		writeError(w, http.StatusUnprocessableEntity, err)

	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err)

	case errors.Is(err, models.ErrNotCancellable),
		errors.Is(err, models.ErrAlreadyCancelled),
		errors.Is(err, models.ErrNotReschedulable):
		writeError(w, http.StatusConflict, err)

	default:
		h.Log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
