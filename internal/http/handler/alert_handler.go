package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/beaconhq/beacon-delivery/internal/domain"
	"github.com/beaconhq/beacon-delivery/internal/fanout"
	"github.com/beaconhq/beacon-delivery/internal/http/middleware"
	"github.com/beaconhq/beacon-delivery/internal/http/response"
	"github.com/beaconhq/beacon-delivery/internal/observability"
	"github.com/beaconhq/beacon-delivery/internal/repository"
)

type AlertDispatcher interface {
	Dispatch(ctx context.Context, alert *domain.Alert) (*fanout.Report, error)
}

type AlertHandler struct {
	dispatcher     AlertDispatcher
	contacts       repository.ContactGraph
	pushConfigured bool
	logger         *slog.Logger
}

func NewAlertHandler(dispatcher AlertDispatcher, contacts repository.ContactGraph, pushConfigured bool, logger *slog.Logger) *AlertHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertHandler{dispatcher: dispatcher, contacts: contacts, pushConfigured: pushConfigured, logger: logger}
}

type sendAlertRequest struct {
	ID       string            `json:"id"`
	Class    domain.AlertClass `json:"class"`
	Message  string            `json:"message"`
	Location *domain.Location  `json:"location,omitempty"`
}

type sendAlertResponse struct {
	Report *fanout.Report `json:"report"`
	// DurableAvailable false tells the client that offline contacts were not
	// notified; the UI surfaces that degradation to the sender.
	DurableAvailable bool `json:"durable_available"`
}

// Send fans one alert out to the sender's contact graph.
func (h *AlertHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity", nil)
		return
	}

	var req sendAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed alert body", nil)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	recipients, err := h.contacts.ListRecipients(r.Context(), userID)
	if err != nil {
		h.logger.Error("list recipients", "user_id", userID, "error", err.Error())
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "contact graph unavailable", nil)
		return
	}
	if len(recipients) == 0 {
		response.Error(w, r, http.StatusBadRequest, "NO_RECIPIENTS", "sender has no contacts to alert", nil)
		return
	}

	alert := &domain.Alert{
		ID:           req.ID,
		FromUserID:   userID,
		Class:        req.Class,
		Message:      req.Message,
		Location:     req.Location,
		RecipientIDs: recipients,
	}
	report, err := h.dispatcher.Dispatch(r.Context(), alert)
	switch {
	case errors.Is(err, domain.ErrDuplicateAlert):
		response.Error(w, r, http.StatusConflict, "DUPLICATE_ALERT", "alert id already processed", nil)
		return
	case errors.Is(err, domain.ErrInvalidAlert), errors.Is(err, domain.ErrNoRecipients):
		response.Error(w, r, http.StatusBadRequest, "INVALID_ALERT", err.Error(), nil)
		return
	case err != nil:
		h.logger.Error("dispatch alert", "alert_id", alert.ID, "error", err.Error())
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "alert dispatch failed", nil)
		return
	}

	observability.Audit(r, "alert_send",
		"alert_id", alert.ID,
		"class", string(alert.Class),
		"online", len(report.Online),
		"offline", len(report.Offline),
		"durable_rejected", report.Durable.Rejected,
	)

	if report.Durable.Rejected {
		response.RetryAfter(w, report.Durable.RetryAfterSeconds)
	}
	response.JSON(w, r, http.StatusAccepted, sendAlertResponse{
		Report:           report,
		DurableAvailable: h.pushConfigured,
	})
}
