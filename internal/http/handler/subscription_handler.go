package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/beaconhq/beacon-delivery/internal/domain"
	"github.com/beaconhq/beacon-delivery/internal/http/middleware"
	"github.com/beaconhq/beacon-delivery/internal/http/response"
	"github.com/beaconhq/beacon-delivery/internal/repository"
)

type SubscriptionHandler struct {
	store  repository.SubscriptionStore
	logger *slog.Logger
}

func NewSubscriptionHandler(store repository.SubscriptionStore, logger *slog.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionHandler{store: store, logger: logger}
}

type subscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Register stores the caller's push subscription for durable delivery.
func (h *SubscriptionHandler) Register(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity", nil)
		return
	}
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed subscription body", nil)
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "endpoint and both keys are required", nil)
		return
	}

	sub := &domain.PushSubscription{
		OwnerID:  userID,
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	}
	if err := h.store.Save(r.Context(), sub); err != nil {
		h.logger.Error("save subscription", "user_id", userID, "error", err.Error())
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not store subscription", nil)
		return
	}
	response.JSON(w, r, http.StatusCreated, map[string]string{"id": sub.ID})
}

// Remove deletes the caller's subscription by endpoint.
func (h *SubscriptionHandler) Remove(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.UserIDFromContext(r.Context()); !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity", nil)
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "endpoint is required", nil)
		return
	}
	if err := h.store.RemoveByEndpoint(r.Context(), req.Endpoint); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "could not remove subscription", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
