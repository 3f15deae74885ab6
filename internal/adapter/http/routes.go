package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Strob0t/OrchHub/internal/config"
	"github.com/Strob0t/OrchHub/internal/middleware"
)

// MountRoutes registers the dashboard API on the given chi router.
// eventsWS, when non-nil, serves the live event stream at /ws.
func MountRoutes(r chi.Router, h *Handlers, eventsWS http.HandlerFunc) {
	r.Use(middleware.RequestID)
	r.Use(h.requestLogger)

	r.Get("/healthz", h.Healthz)
	if eventsWS != nil {
		r.Get("/ws", eventsWS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"version": "0.2.0"})
		})

		r.Get("/agents", h.ListAgents)
		r.Post("/agents", h.SpawnAgent)
		r.Post("/agents/{name}/send", h.SendToAgent)
		r.Delete("/agents/{name}", h.CloseAgent)

		r.Get("/events", h.ListEvents)
		r.Get("/decisions", h.ListDecisions)
		r.Get("/wip", h.WIPTable)
		r.Get("/plan", h.Plan)
		r.Get("/issues/{number}", h.IssueSummary)

		r.Get("/autopilot", h.GetAutopilot)
		r.Post("/autopilot", h.SetAutopilot)
		r.Post("/decide", h.Decide)
		r.Post("/send", h.SendToOrchestrator)
	})
}

// NewServer builds the dashboard http.Server with tracing at the outermost
// layer, so every route gets a span.
func NewServer(cfg config.Server, router chi.Router, serviceName string) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(router, serviceName),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
