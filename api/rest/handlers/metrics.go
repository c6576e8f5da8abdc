package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"pht-monitor/core/logger"
	"pht-monitor/core/tracker"
)

// MetricHandler handles the metric event log of a job
type MetricHandler struct {
	svc Service
	log logrus.FieldLogger
}

func NewMetricHandler(svc Service, log logrus.FieldLogger) *MetricHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &MetricHandler{svc: svc, log: log.WithField("handler", "metrics")}
}

// AppendMetricRequest carries one metric sample. Memory and cpu samples
// use Value, network samples use RxBytes and TxBytes.
type AppendMetricRequest struct {
	Type      string     `json:"type" validate:"required"`
	StationID string     `json:"stationId"`
	Timestamp *time.Time `json:"timestamp"`
	Value     string     `json:"value"`
	RxBytes   float64    `json:"rxBytes" validate:"gte=0"`
	TxBytes   float64    `json:"txBytes" validate:"gte=0"`
}

// DeleteMetricRequest names the event to remove
type DeleteMetricRequest struct {
	MetricID   string `json:"metric_id" validate:"required"`
	MetricType string `json:"metric_type" validate:"required"`
}

// ListMetrics handles GET /jobs/{id}/metrics?metric=&sortDesc=
func (h *MetricHandler) ListMetrics(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("metric")
	if kind == "" {
		badRequest(w, "metric is required")
		return
	}
	sortDesc, err := queryBool(r, "sortDesc")
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	list, err := h.svc.ListMetrics(r.Context(), mux.Vars(r)["id"], kind, sortDesc)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// AppendMetric handles POST /jobs/{id}/metrics
func (h *MetricHandler) AppendMetric(w http.ResponseWriter, r *http.Request) {
	var req AppendMetricRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	in := tracker.MetricInput{
		StationID: req.StationID,
		Value:     req.Value,
		RxBytes:   req.RxBytes,
		TxBytes:   req.TxBytes,
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}

	ev, err := h.svc.AppendMetric(r.Context(), mux.Vars(r)["id"], req.Type, in)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// DeleteMetric handles DELETE /jobs/{id}/metrics
func (h *MetricHandler) DeleteMetric(w http.ResponseWriter, r *http.Request) {
	var req DeleteMetricRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	jobID := mux.Vars(r)["id"]
	if err := h.svc.DeleteMetric(r.Context(), jobID, req.MetricID, req.MetricType); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id":    jobID,
		"metric_id": req.MetricID,
		"status":    "deleted",
	})
}
