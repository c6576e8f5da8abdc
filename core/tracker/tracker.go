package tracker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"pht-monitor/core/broadcast"
	"pht-monitor/core/errors"
	"pht-monitor/core/logger"
	"pht-monitor/core/models"
	"pht-monitor/core/monitoring"
	"pht-monitor/core/repository"
)

// SeedMetricValue is the memory sample every new job's log starts with
const SeedMetricValue = "0"

type Config struct {
	// MaxLogLength is the event log length past which the next append
	// flushes the log. 0 selects repository.DefaultMaxLogLength.
	MaxLogLength int

	// StrictTransitions rejects moves out of terminal states
	StrictTransitions bool

	// EnforceRoute rejects current stations outside the planned route
	EnforceRoute bool
}

// Tracker runs job and metric writes against the store and publishes the
// resulting snapshots to the hub. Publishes happen while the job's lock is
// held, so the notifications about one job follow the order of its writes.
type Tracker struct {
	jobs     *repository.JobRepository
	events   *repository.EventLog
	stations *repository.StationRepository
	trains   *repository.TrainRepository
	hub      *broadcast.Hub

	transitions  models.TransitionPolicy
	enforceRoute bool

	sink monitoring.Sink
	log  logrus.FieldLogger
	now  func() time.Time
}

// New builds a tracker over store. Job and event log writes share one
// per-job lock set.
func New(store repository.Store, hub *broadcast.Hub, cfg Config, sink monitoring.Sink, log logrus.FieldLogger) *Tracker {
	if sink == nil {
		sink = monitoring.NewNoopSink()
	}
	if log == nil {
		log = logger.Discard()
	}

	transitions := models.PermissiveTransitions
	if cfg.StrictTransitions {
		transitions = models.StrictTransitions
	}

	locks := repository.NewKeyedLocker()
	return &Tracker{
		jobs:         repository.NewJobRepository(store, locks),
		events:       repository.NewEventLog(store, locks, cfg.MaxLogLength, log),
		stations:     repository.NewStationRepository(store),
		trains:       repository.NewTrainRepository(store),
		hub:          hub,
		transitions:  transitions,
		enforceRoute: cfg.EnforceRoute,
		sink:         sink,
		log:          log.WithField("component", "tracker"),
		now:          time.Now,
	}
}

func (t *Tracker) Stations() *repository.StationRepository { return t.stations }

func (t *Tracker) Trains() *repository.TrainRepository { return t.trains }

// CreateJobInput carries the caller supplied attributes of a new job
type CreateJobInput struct {
	ID             string
	Creator        string
	Description    string
	TrainID        string
	PlannedRoute   []string
	CurrentStation string
}

// MetricInput carries one metric sample. A zero Timestamp means now and an
// empty StationID means the job's current station.
type MetricInput struct {
	StationID string
	Timestamp time.Time
	Value     string
	RxBytes   float64
	TxBytes   float64
}

// CreateJob stores a new waiting job and seeds its event log with a zero
// memory sample. If seeding fails the job is removed again.
func (t *Tracker) CreateJob(ctx context.Context, in CreateJobInput) (JobView, error) {
	if len(in.PlannedRoute) == 0 {
		return JobView{}, errors.InvalidArgument("job", "planned route must not be empty")
	}
	for _, s := range in.PlannedRoute {
		if s == "" {
			return JobView{}, errors.InvalidArgument("job", "planned route contains an empty station id")
		}
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	current := in.CurrentStation
	if current == "" {
		current = in.PlannedRoute[0]
	}

	now := t.now().UTC()
	job := &models.Job{
		ID:             id,
		Creator:        in.Creator,
		Description:    in.Description,
		TrainID:        in.TrainID,
		PlannedRoute:   append([]string(nil), in.PlannedRoute...),
		CurrentStation: current,
		State:          models.JobStateWaiting,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if t.enforceRoute && !job.OnRoute(current) {
		return JobView{}, errors.InvalidArgument("job",
			fmt.Sprintf("station (%s) is not on the planned route", current))
	}

	seed := &models.MetricEvent{
		ID:        uuid.NewString(),
		Kind:      models.MetricMemory,
		JobID:     id,
		StationID: current,
		Timestamp: now,
		Value:     SeedMetricValue,
	}

	var view JobView
	seeding := false
	err := t.jobs.CreateJob(ctx, job, func(ctx context.Context, job *models.Job) error {
		seeding = true
		if _, err := t.events.AppendLocked(ctx, seed); err != nil {
			return err
		}
		job.Events = []string{seed.Ref()}

		var err error
		if view, err = t.view(ctx, job); err != nil {
			return err
		}
		t.publishView(view)
		t.publishMetric(ActionAppend, seed)
		return nil
	})
	if err != nil {
		if seeding {
			t.logRollback(id, err)
		}
		return JobView{}, err
	}

	t.sink.JobCreated()
	t.sink.MetricAppended(string(models.MetricMemory))
	t.log.WithFields(logrus.Fields{
		"job_id":   id,
		"train_id": in.TrainID,
	}).Info("job created")

	return view, nil
}

func (t *Tracker) logRollback(id string, err error) {
	entry := t.log.WithField("job_id", id).WithError(err)
	var merr *multierror.Error
	if stderrors.As(err, &merr) && len(merr.Errors) > 1 {
		entry.Error("job left without seed event: rollback failed")
		return
	}
	entry.Warn("job creation rolled back")
}

// GetJob returns the merged view of a job
func (t *Tracker) GetJob(ctx context.Context, id string) (JobView, error) {
	job, err := t.jobs.GetJob(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	return t.view(ctx, job)
}

// GetJobStatus returns only the state name of a job
func (t *Tracker) GetJobStatus(ctx context.Context, id string) (string, error) {
	job, err := t.jobs.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	return string(job.State), nil
}

// ListJobs returns a page of jobs, most recently updated first
func (t *Tracker) ListJobs(ctx context.Context, offset, limit int) ([]JobView, error) {
	jobs, err := t.jobs.ListJobs(ctx, offset, limit)
	if err != nil {
		return nil, err
	}

	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		v, err := t.view(ctx, job)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// UpdateJobState sets a job's state by name
func (t *Tracker) UpdateJobState(ctx context.Context, id, state string) (JobView, error) {
	st, err := models.ParseJobState(state)
	if err != nil {
		return JobView{}, err
	}

	var view JobView
	_, err = t.jobs.UpdateJobState(ctx, id, st, t.transitions, t.publishUpdate(&view))
	if err != nil {
		return JobView{}, err
	}

	t.sink.JobUpdated(monitoring.FieldState)
	t.log.WithFields(logrus.Fields{"job_id": id, "state": st}).Debug("job state updated")
	return view, nil
}

// UpdateJobStation moves a job to another station
func (t *Tracker) UpdateJobStation(ctx context.Context, id, stationID string) (JobView, error) {
	var view JobView
	_, err := t.jobs.UpdateJobStation(ctx, id, stationID, t.enforceRoute, t.publishUpdate(&view))
	if err != nil {
		return JobView{}, err
	}

	t.sink.JobUpdated(monitoring.FieldStation)
	t.log.WithFields(logrus.Fields{"job_id": id, "station_id": stationID}).Debug("job station updated")
	return view, nil
}

// publishUpdate returns a commit hook that stores the job's view in out
// and publishes it
func (t *Tracker) publishUpdate(out *JobView) repository.CommitFunc {
	return func(ctx context.Context, job *models.Job) error {
		view, err := t.view(ctx, job)
		if err != nil {
			return err
		}
		*out = view
		t.publishView(view)
		return nil
	}
}

// CountJobsByState returns the number of jobs in the named state
func (t *Tracker) CountJobsByState(ctx context.Context, state string) (int, error) {
	st, err := models.ParseJobState(state)
	if err != nil {
		return 0, err
	}
	return t.jobs.CountJobsByState(ctx, st)
}

// SummaryJobsByState returns job counts per state, highest count first
func (t *Tracker) SummaryJobsByState(ctx context.Context) ([]StateCount, error) {
	counts, err := t.jobs.SummaryJobsByState(ctx)
	if err != nil {
		return nil, err
	}
	return newStateCounts(counts), nil
}

// AppendMetric records a metric sample for a job
func (t *Tracker) AppendMetric(ctx context.Context, jobID, kind string, in MetricInput) (MetricView, error) {
	k, err := models.ParseMetricKind(kind)
	if err != nil {
		return MetricView{}, err
	}
	if k != models.MetricNetwork && in.Value == "" {
		return MetricView{}, errors.InvalidArgument("metric", kind+" metric requires a value")
	}

	stationID := in.StationID
	if stationID == "" {
		job, err := t.jobs.GetJob(ctx, jobID)
		if err != nil {
			return MetricView{}, err
		}
		stationID = job.CurrentStation
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = t.now()
	}

	ev := &models.MetricEvent{
		ID:        uuid.NewString(),
		Kind:      k,
		JobID:     jobID,
		StationID: stationID,
		Timestamp: ts.UTC(),
		Value:     in.Value,
		RxBytes:   in.RxBytes,
		TxBytes:   in.TxBytes,
	}

	evicted, err := t.events.Append(ctx, ev, t.publishMetricChange(ActionAppend, ev))
	if evicted > 0 {
		t.sink.EventLogFlushed(evicted)
	}
	if err != nil {
		return MetricView{}, err
	}

	t.sink.MetricAppended(kind)
	return newMetricView(ev), nil
}

// ListMetrics returns a job's events of one kind
func (t *Tracker) ListMetrics(ctx context.Context, jobID, kind string, sortDesc bool) (MetricList, error) {
	k, err := models.ParseMetricKind(kind)
	if err != nil {
		return MetricList{}, err
	}

	events, err := t.events.List(ctx, jobID, k, sortDesc)
	if err != nil {
		return MetricList{}, err
	}

	return newMetricList(kind, events), nil
}

// DeleteMetric removes one event from a job's log. metricID may be the
// bare uuid or the namespaced kind:uuid form.
func (t *Tracker) DeleteMetric(ctx context.Context, jobID, metricID, kind string) error {
	k, err := models.ParseMetricKind(kind)
	if err != nil {
		return err
	}

	id := metricID
	if strings.Contains(metricID, ":") {
		refKind, refID, err := models.ParseEventRef(metricID)
		if err != nil {
			return err
		}
		if refKind != k {
			return errors.InvalidArgument("metric",
				fmt.Sprintf("metric id %s does not match metric type %s", metricID, kind))
		}
		id = refID
	}

	removed := &models.MetricEvent{ID: id, Kind: k, JobID: jobID}
	if err := t.events.Remove(ctx, jobID, k, id, t.publishMetricChange(ActionDelete, removed)); err != nil {
		return err
	}

	t.sink.MetricDeleted(kind)
	return nil
}

// publishMetricChange returns a commit hook that publishes the change and,
// when the job has snapshot subscribers, the job's refreshed list of ev's
// kind. Snapshots list network samples oldest first and other kinds newest
// first, the orders dashboards chart them in.
func (t *Tracker) publishMetricChange(action string, ev *models.MetricEvent) repository.LogCommitFunc {
	return func(ctx context.Context, snap repository.LogSnapshot) error {
		t.publishMetric(action, ev)
		if !t.hub.Listening(broadcast.TopicJobMetrics, ev.JobID) {
			return nil
		}

		events, err := snap.List(ctx, ev.Kind, ev.Kind != models.MetricNetwork)
		if err != nil {
			t.log.WithFields(logrus.Fields{
				"job_id": ev.JobID,
				"kind":   ev.Kind,
			}).WithError(err).Error("failed to build metric snapshot")
			return nil
		}
		data, err := json.Marshal(newMetricList(string(ev.Kind), events))
		if err != nil {
			t.log.WithField("job_id", ev.JobID).WithError(err).Error("failed to encode metric snapshot")
			return nil
		}
		t.hub.PublishJobMetrics(ev.JobID, data)
		return nil
	}
}

// SubscribeJobUpdates streams job snapshots published after the call
func (t *Tracker) SubscribeJobUpdates(ctx context.Context) (*broadcast.Subscription, error) {
	return t.hub.Subscribe(ctx, broadcast.TopicJobs)
}

// SubscribeMetricUpdates streams metric updates published after the call
func (t *Tracker) SubscribeMetricUpdates(ctx context.Context) (*broadcast.Subscription, error) {
	return t.hub.Subscribe(ctx, broadcast.TopicMetrics)
}

// SubscribeJobMetrics streams a job's metric list of the changed kind after
// every append or delete on that job
func (t *Tracker) SubscribeJobMetrics(ctx context.Context, jobID string) (*broadcast.Subscription, error) {
	exists, err := t.jobs.Exists(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.NotFound("job", fmt.Sprintf("job (%s) not found", jobID))
	}
	return t.hub.SubscribeKey(ctx, broadcast.TopicJobMetrics, jobID)
}

func (t *Tracker) view(ctx context.Context, job *models.Job) (JobView, error) {
	name, err := t.stations.StationTitle(ctx, job.CurrentStation)
	if err != nil {
		return JobView{}, err
	}
	return newJobView(job, name), nil
}

// publishView publishes a job snapshot without its event log
func (t *Tracker) publishView(view JobView) {
	view.Events = nil
	data, err := json.Marshal(view)
	if err != nil {
		t.log.WithField("job_id", view.Identifier).WithError(err).Error("failed to encode job update")
		return
	}
	t.hub.PublishJobUpdate(view.Identifier, data)
}

func (t *Tracker) publishMetric(action string, ev *models.MetricEvent) {
	data, err := json.Marshal(MetricUpdate{Action: action, Event: newMetricView(ev)})
	if err != nil {
		t.log.WithField("metric_id", ev.ID).WithError(err).Error("failed to encode metric update")
		return
	}
	t.hub.PublishMetricUpdate(ev.JobID, data)
}
