package router

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/beaconhq/beacon-delivery/internal/http/handler"
	"github.com/beaconhq/beacon-delivery/internal/http/middleware"
	"github.com/beaconhq/beacon-delivery/internal/http/response"
	"github.com/beaconhq/beacon-delivery/internal/security"
)

type ReadinessCheck func(ctx context.Context) error

type Dependencies struct {
	AlertHandler        *handler.AlertHandler
	NotifyHandler       *handler.NotifyHandler
	SubscriptionHandler *handler.SubscriptionHandler
	WebsocketHandler    http.Handler
	Verifier            security.Verifier
	CORSOrigins         []string
	Readiness           []ReadinessCheck
	EnableOTelHTTP      bool
}

func New(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.CORS(dep.CORSOrigins))
	r.Use(middleware.BodyLimit(64 << 10))

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		for _, check := range dep.Readiness {
			if err := check(r.Context()); err != nil {
				response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", err.Error(), nil)
				return
			}
		}
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
	})

	auth := middleware.Auth(dep.Verifier)
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Post("/alerts", dep.AlertHandler.Send)
			r.Post("/notify", dep.NotifyHandler.Notify)
			r.Post("/subscriptions", dep.SubscriptionHandler.Register)
			r.Delete("/subscriptions", dep.SubscriptionHandler.Remove)
		})
	})

	// The websocket join carries its token as a query parameter; the handler
	// verifies it itself before upgrading.
	r.Get("/ws", dep.WebsocketHandler.ServeHTTP)

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
