package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/tandem/internal/api/v1"
	"github.com/gosuda/tandem/internal/api/ws"
)

func registerAPIRoutes(api huma.API, sessions v1.SessionService, arb v1.EditArbiter) {
	v1.RegisterSessionRoutes(api, sessions)
	v1.RegisterEditRoutes(api, sessions, arb)
	v1.RegisterAuditRoutes(api, arb)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/sessions/{id}", hub.ServeEvents)
	r.Get("/sessions/{id}/errors", hub.ServeErrors)
}
