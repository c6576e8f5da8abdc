package routes

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"pht-monitor/api/rest/handlers"
	"pht-monitor/core/logger"
)

// Options configures the optional parts of the router
type Options struct {
	PingInterval time.Duration

	// MetricsPath and MetricsHandler expose Prometheus metrics when both are set
	MetricsPath    string
	MetricsHandler http.Handler

	Log logrus.FieldLogger
}

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, svc handlers.Service, opts Options) {
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}

	jobHandler := handlers.NewJobHandler(svc, log)
	metricHandler := handlers.NewMetricHandler(svc, log)
	dashboardHandler := handlers.NewDashboardHandler(svc, log)
	streamHandler := handlers.NewStreamHandler(svc, opts.PingInterval, log)

	r.Use(requestLogger(log))

	r.HandleFunc("/healthy", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods("GET")

	if opts.MetricsPath != "" && opts.MetricsHandler != nil {
		r.Handle(opts.MetricsPath, opts.MetricsHandler).Methods("GET")
	}

	// Stream endpoints
	r.HandleFunc("/jobs/sse", streamHandler.JobsSSE).Methods("GET")
	r.HandleFunc("/jobs/metrics/sse", streamHandler.MetricsSSE).Methods("GET")
	r.HandleFunc("/jobs/{id}/metrics/sse", streamHandler.JobMetricsSSE).Methods("GET")
	r.HandleFunc("/ws/jobs", streamHandler.JobsWS).Methods("GET")
	r.HandleFunc("/ws/metrics", streamHandler.MetricsWS).Methods("GET")

	// Dashboard endpoints, registered before /jobs/{id}
	r.HandleFunc("/jobs/count", dashboardHandler.CountJobs).Methods("GET")
	r.HandleFunc("/jobs/summary", dashboardHandler.SummaryJobs).Methods("GET")

	// Job endpoints
	r.HandleFunc("/jobs", jobHandler.CreateJob).Methods("POST")
	r.HandleFunc("/jobs", jobHandler.ListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", jobHandler.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/status", jobHandler.GetJobStatus).Methods("GET")
	r.HandleFunc("/jobs/{id}/status", jobHandler.UpdateJobState).Methods("PUT")
	r.HandleFunc("/jobs/{id}/station", jobHandler.UpdateJobStation).Methods("PUT")

	// Metric endpoints
	r.HandleFunc("/jobs/{id}/metrics", metricHandler.ListMetrics).Methods("GET")
	r.HandleFunc("/jobs/{id}/metrics", metricHandler.AppendMetric).Methods("POST")
	r.HandleFunc("/jobs/{id}/metrics", metricHandler.DeleteMetric).Methods("DELETE")
}
