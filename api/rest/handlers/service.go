package handlers

import (
	"context"

	"pht-monitor/core/broadcast"
	"pht-monitor/core/tracker"
)

// Service is the part of the tracker the HTTP layer uses
type Service interface {
	CreateJob(ctx context.Context, in tracker.CreateJobInput) (tracker.JobView, error)
	GetJob(ctx context.Context, id string) (tracker.JobView, error)
	GetJobStatus(ctx context.Context, id string) (string, error)
	ListJobs(ctx context.Context, offset, limit int) ([]tracker.JobView, error)
	UpdateJobState(ctx context.Context, id, state string) (tracker.JobView, error)
	UpdateJobStation(ctx context.Context, id, stationID string) (tracker.JobView, error)
	CountJobsByState(ctx context.Context, state string) (int, error)
	SummaryJobsByState(ctx context.Context) ([]tracker.StateCount, error)

	AppendMetric(ctx context.Context, jobID, kind string, in tracker.MetricInput) (tracker.MetricView, error)
	ListMetrics(ctx context.Context, jobID, kind string, sortDesc bool) (tracker.MetricList, error)
	DeleteMetric(ctx context.Context, jobID, metricID, kind string) error

	SubscribeJobUpdates(ctx context.Context) (*broadcast.Subscription, error)
	SubscribeMetricUpdates(ctx context.Context) (*broadcast.Subscription, error)
	SubscribeJobMetrics(ctx context.Context, jobID string) (*broadcast.Subscription, error)
}

var _ Service = (*tracker.Tracker)(nil)
