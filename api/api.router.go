// FilePath: api/api.router.go
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gxplatform/gxp-ingest/api/resources"
	"github.com/gxplatform/gxp-ingest/internal/hubservice"
)

type Router struct {
	router    *mux.Router
	resources *resources.Resources
}

func NewRouter(svc *hubservice.HubService, health func(w http.ResponseWriter, r *http.Request), metrics http.Handler) *Router {
	r := &Router{
		router:    mux.NewRouter(),
		resources: resources.NewResources(svc),
	}
	r.resources.SetHealthCheck(health)
	r.resources.SetMetrics(metrics)

	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	// API version prefix
	api := r.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", r.resources.HealthCheck).Methods(http.MethodGet)
	api.Handle("/metrics", r.resources.Metrics).Methods(http.MethodGet)

	// Captures
	captures := api.PathPrefix("/captures").Subrouter()
	captures.HandleFunc("", r.resources.Captures.ListCaptures).Methods(http.MethodGet)
	captures.HandleFunc("/{id}", r.resources.Captures.GetCapture).Methods(http.MethodGet)

	// Devices
	devices := api.PathPrefix("/devices").Subrouter()
	devices.HandleFunc("", r.resources.Devices.ListDevices).Methods(http.MethodGet)

	// Commands
	commands := api.PathPrefix("/commands").Subrouter()
	commands.HandleFunc("", r.resources.Commands.CreateCommand).Methods(http.MethodPost)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}
