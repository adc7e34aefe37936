package gateway

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/basket/stackrun/internal/persistence"
)

// Schedules is the cron surface exposed under /v1/schedules.
type Schedules interface {
	List(ctx context.Context) ([]persistence.Schedule, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (persistence.Schedule, error)
}

func (s *Server) scheduleRoutes(r chi.Router) {
	if s.cfg.Schedules == nil {
		return
	}
	r.Get("/schedules", s.handleListSchedules)
	r.Post("/schedules/{id}/enable", s.handleSetScheduleEnabled(true))
	r.Post("/schedules/{id}/disable", s.handleSetScheduleEnabled(false))
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Schedules.List(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	if list == nil {
		list = []persistence.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": list})
}

func (s *Server) handleSetScheduleEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sc, err := s.cfg.Schedules.SetEnabled(r.Context(), chi.URLParam(r, "id"), enabled)
		if err != nil {
			storeError(w, err)
			return
		}
		s.logger.InfoContext(r.Context(), "schedule toggled", "schedule_name", sc.Name, "enabled", enabled)
		writeJSON(w, http.StatusOK, sc)
	}
}
