package tracker

import (
	"time"

	"pht-monitor/core/models"
	"pht-monitor/core/repository"
)

// StationRef is the current station of a job with its resolved name
type StationRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// JobView is the merged read model of a job. Events is only set on single
// job reads; list pages and job updates leave it out.
type JobView struct {
	Identifier     string     `json:"identifier"`
	State          string     `json:"state"`
	Creator        string     `json:"creator"`
	Description    string     `json:"description"`
	TrainID        string     `json:"trainId"`
	PlannedRoute   []string   `json:"plannedRoute"`
	CurrentStation StationRef `json:"currentStation"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	Events         []string   `json:"events,omitempty"`
}

// MetricView is one metric event as returned to callers. The id is
// namespaced by kind, memory:<uuid>.
type MetricView struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	JobID     string    `json:"jobId"`
	StationID string    `json:"stationId"`
	Timestamp time.Time `json:"timestamp"`
	Value     string    `json:"value,omitempty"`
	RxBytes   *float64  `json:"rxBytes,omitempty"`
	TxBytes   *float64  `json:"txBytes,omitempty"`
}

// MetricList holds the events of one kind for a job
type MetricList struct {
	Source  string       `json:"source"`
	Metrics []MetricView `json:"metrics"`
}

// StateCount is a per-state job count
type StateCount struct {
	State string `json:"state"`
	Count int    `json:"count"`
}

// Metric update actions
const (
	ActionAppend = "append"
	ActionDelete = "delete"
)

// MetricUpdate is the payload published on the metrics topic
type MetricUpdate struct {
	Action string     `json:"action"`
	Event  MetricView `json:"event"`
}

func newJobView(job *models.Job, stationName string) JobView {
	route := job.PlannedRoute
	if route == nil {
		route = []string{}
	}
	return JobView{
		Identifier:     job.ID,
		State:          string(job.State),
		Creator:        job.Creator,
		Description:    job.Description,
		TrainID:        job.TrainID,
		PlannedRoute:   route,
		CurrentStation: StationRef{ID: job.CurrentStation, Name: stationName},
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
		Events:         job.Events,
	}
}

func newMetricView(ev *models.MetricEvent) MetricView {
	v := MetricView{
		ID:        ev.Ref(),
		Type:      string(ev.Kind),
		JobID:     ev.JobID,
		StationID: ev.StationID,
		Timestamp: ev.Timestamp,
	}
	if ev.Kind == models.MetricNetwork {
		rx, tx := ev.RxBytes, ev.TxBytes
		v.RxBytes = &rx
		v.TxBytes = &tx
	} else {
		v.Value = ev.Value
	}
	return v
}

func newMetricList(source string, events []*models.MetricEvent) MetricList {
	list := MetricList{Source: source, Metrics: make([]MetricView, 0, len(events))}
	for _, ev := range events {
		list.Metrics = append(list.Metrics, newMetricView(ev))
	}
	return list
}

func newStateCounts(counts []repository.StateCount) []StateCount {
	out := make([]StateCount, 0, len(counts))
	for _, c := range counts {
		out = append(out, StateCount{State: string(c.State), Count: c.Count})
	}
	return out
}
