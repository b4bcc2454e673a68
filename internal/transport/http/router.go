package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"setu/internal/platform/health"
	"setu/internal/platform/middleware"
)

// Deps is everything the router mounts.
type Deps struct {
	Gateway *GatewayHandler
	HIP     *HIPHandler
	CM      *CMHandler
	HIU     *HIUHandler
	Health  *health.Handler
	Auth    middleware.SessionValidator
	Logger  *slog.Logger
}

// NewRouter wires the sandbox topology: every actor shares one listener and
// is mounted under its own prefix. The bare /v0.5 surface is the router
// perimeter and requires a bearer session; actor prefixes trust the router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(d.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(d.Logger))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.ContentTypeJSON)

	d.Health.Register(r)
	r.Handle("/metrics", promhttp.Handler())

	d.Gateway.RegisterSessions(r)
	r.Group(func(gw chi.Router) {
		gw.Use(middleware.Auth(d.Auth, d.Logger))
		d.Gateway.RegisterOperations(gw)
	})
	d.Gateway.RegisterInternal(r)
	d.CM.RegisterConsole(r)

	r.Route("/hip", func(sub chi.Router) {
		d.HIP.Register(sub)
	})
	r.Route("/cm", func(sub chi.Router) {
		d.CM.Register(sub)
	})
	r.Route("/hiu", func(sub chi.Router) {
		d.HIU.Register(sub)
	})

	return r
}
