package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"pht-monitor/core/logger"
	"pht-monitor/core/tracker"
)

const defaultPageLimit = 10

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	svc Service
	log logrus.FieldLogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(svc Service, log logrus.FieldLogger) *JobHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &JobHandler{svc: svc, log: log.WithField("handler", "jobs")}
}

// CreateJobRequest represents the request to create a job
type CreateJobRequest struct {
	Identifier     string   `json:"identifier" validate:"omitempty,uuid"`
	Creator        string   `json:"creator" validate:"required"`
	Description    string   `json:"description"`
	TrainID        string   `json:"trainId" validate:"required"`
	PlannedRoute   []string `json:"plannedRoute" validate:"required,min=1,dive,required"`
	CurrentStation string   `json:"currentStation"`
}

// UpdateStationRequest represents the request to move a job
type UpdateStationRequest struct {
	StationID string `json:"station_id" validate:"required"`
}

// CreateJob handles POST /jobs
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	job, err := h.svc.CreateJob(r.Context(), tracker.CreateJobInput{
		ID:             req.Identifier,
		Creator:        req.Creator,
		Description:    req.Description,
		TrainID:        req.TrainID,
		PlannedRoute:   req.PlannedRoute,
		CurrentStation: req.CurrentStation,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// GetJob handles GET /jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetJobStatus handles GET /jobs/{id}/status
func (h *JobHandler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.GetJobStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// ListJobs handles GET /jobs?offset=&limit=. limit defaults to
// defaultPageLimit and limit=0 returns an empty page.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", defaultPageLimit)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	jobs, err := h.svc.ListJobs(r.Context(), offset, limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// UpdateJobState handles PUT /jobs/{id}/status?state=
func (h *JobHandler) UpdateJobState(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		badRequest(w, "state is required")
		return
	}

	job, err := h.svc.UpdateJobState(r.Context(), mux.Vars(r)["id"], state)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// UpdateJobStation handles PUT /jobs/{id}/station
func (h *JobHandler) UpdateJobStation(w http.ResponseWriter, r *http.Request) {
	var req UpdateStationRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	job, err := h.svc.UpdateJobStation(r.Context(), mux.Vars(r)["id"], req.StationID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
