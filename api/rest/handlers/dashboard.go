package handlers

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"pht-monitor/core/logger"
)

// DashboardHandler serves the aggregate job queries
type DashboardHandler struct {
	svc Service
	log logrus.FieldLogger
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(svc Service, log logrus.FieldLogger) *DashboardHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &DashboardHandler{svc: svc, log: log.WithField("handler", "dashboard")}
}

// CountJobs handles GET /jobs/count?state=
func (h *DashboardHandler) CountJobs(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		badRequest(w, "state is required")
		return
	}

	count, err := h.svc.CountJobsByState(r.Context(), state)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// SummaryJobs handles GET /jobs/summary
func (h *DashboardHandler) SummaryJobs(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.SummaryJobsByState(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
