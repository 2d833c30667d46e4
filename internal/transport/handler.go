package transport

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/beaconhq/beacon-delivery/internal/presence"
	"github.com/beaconhq/beacon-delivery/internal/security"
)

// Handler upgrades authenticated requests to websocket sessions.
type Handler struct {
	manager  *presence.Manager
	verifier security.Verifier
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandler(manager *presence.Manager, verifier security.Verifier, allowedOrigins []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}
	return &Handler{
		manager:  manager,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(originSet) == 0 {
					return true
				}
				_, ok := originSet[r.Header.Get("Origin")]
				return ok
			},
		},
		logger: logger,
	}
}

// ServeHTTP verifies the join token, upgrades, and registers the session.
// The identity is verified by the external collaborator's token; no
// re-verification happens here. Registration runs before the pumps start,
// so the online-snapshot reaches the client ahead of any forwarded alert.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", "error", err.Error())
		return
	}

	client := NewClient(conn, h.manager, h.logger)
	session := h.manager.Connect(userID, client)
	client.bind(session)

	go client.writePump()
	go client.readPump()
}
