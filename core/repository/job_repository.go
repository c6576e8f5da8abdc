package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"pht-monitor/core/errors"
	"pht-monitor/core/models"
)

const (
	attrIdentifier     = "identifier"
	attrCreator        = "creator"
	attrDescription    = "description"
	attrTrainID        = "trainId"
	attrCurrentStation = "currentStation"
	attrState          = "state"
	attrCreatedAt      = "createdAt"
	attrUpdatedAt      = "updatedAt"
)

func routeList(jobID string) string  { return "route:" + jobID }
func eventsList(jobID string) string { return "events:" + jobID }

// StateCount is the number of jobs in one state
type StateCount struct {
	State models.JobState
	Count int
}

// CommitFunc runs after a job write has been applied, while the job's lock
// is still held, so whatever it does is ordered with the job's other writes.
type CommitFunc func(ctx context.Context, job *models.Job) error

// JobRepository handles persistence of jobs. Every mutation of one job
// holds that job's lock, shared with EventLog, so state, station and
// event log changes on the same job are serialized.
type JobRepository struct {
	store Store
	locks *KeyedLocker
	now   func() time.Time
}

// NewJobRepository creates a new job repository
func NewJobRepository(store Store, locks *KeyedLocker) *JobRepository {
	return &JobRepository{store: store, locks: locks, now: time.Now}
}

// CreateJob stores a new job with its planned route. The event log starts
// empty. If onCommit fails the job is deleted again and the error returned;
// a failed delete is appended to it.
func (r *JobRepository) CreateJob(ctx context.Context, job *models.Job, onCommit CommitFunc) error {
	if len(job.PlannedRoute) == 0 {
		return errors.InvalidArgument("job", "planned route must not be empty")
	}

	unlock := r.locks.Lock(job.ID)
	defer unlock()

	if err := r.store.Insert(ctx, NamespaceJobs, job.ID, encodeJob(job)); err != nil {
		return err
	}

	for _, station := range job.PlannedRoute {
		if err := r.store.ListAppend(ctx, routeList(job.ID), station); err != nil {
			r.deleteLocked(ctx, job.ID)
			return err
		}
	}

	job.Events = nil
	if onCommit == nil {
		return nil
	}
	if err := onCommit(ctx, job); err != nil {
		if derr := r.deleteLocked(ctx, job.ID); derr != nil {
			return multierror.Append(err, fmt.Errorf("roll back job (%s): %w", job.ID, derr))
		}
		return err
	}
	return nil
}

// DeleteJob removes a job record together with its route, its event log
// and the metric events the log points to
func (r *JobRepository) DeleteJob(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	return r.deleteLocked(ctx, id)
}

func (r *JobRepository) deleteLocked(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, NamespaceJobs, id); err != nil {
		return err
	}
	if _, err := r.store.ListClear(ctx, routeList(id)); err != nil {
		return err
	}
	refs, err := r.store.ListClear(ctx, eventsList(id))
	if err != nil {
		return err
	}
	return deleteEventRecords(ctx, r.store, refs)
}

// GetJob retrieves a job by ID together with its event log
func (r *JobRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	unlock := r.locks.RLock(id)
	defer unlock()

	job, err := r.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Events, err = r.store.ListItems(ctx, eventsList(id)); err != nil {
		return nil, err
	}
	return job, nil
}

// getLocked loads the job record and its route, not its event log
func (r *JobRepository) getLocked(ctx context.Context, id string) (*models.Job, error) {
	attrs, err := r.store.Get(ctx, NamespaceJobs, id)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFound("job", fmt.Sprintf("job (%s) not found", id))
		}
		return nil, err
	}

	job, err := decodeJob(id, attrs)
	if err != nil {
		return nil, err
	}
	if job.PlannedRoute, err = r.store.ListItems(ctx, routeList(id)); err != nil {
		return nil, err
	}
	return job, nil
}

// Exists reports whether a job record is present
func (r *JobRepository) Exists(ctx context.Context, id string) (bool, error) {
	_, err := r.store.Get(ctx, NamespaceJobs, id)
	if errors.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// ListJobs returns up to limit jobs ordered by last update, newest first.
// Jobs are sorted on their stored records; only the returned page has its
// route loaded, and no page carries the event log.
func (r *JobRepository) ListJobs(ctx context.Context, offset, limit int) ([]*models.Job, error) {
	records, err := r.store.List(ctx, NamespaceJobs, 0, 0)
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.Job, 0, len(records))
	for _, rec := range records {
		job, err := decodeJob(rec.ID, rec.Attrs)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].UpdatedAt.Equal(jobs[j].UpdatedAt) {
			return jobs[i].UpdatedAt.After(jobs[j].UpdatedAt)
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	jobs = page(jobs, offset, limit)
	for _, job := range jobs {
		if err := r.loadRoute(ctx, job); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (r *JobRepository) loadRoute(ctx context.Context, job *models.Job) error {
	unlock := r.locks.RLock(job.ID)
	defer unlock()

	route, err := r.store.ListItems(ctx, routeList(job.ID))
	if err != nil {
		return err
	}
	job.PlannedRoute = route
	return nil
}

// UpdateJobState sets the job state and refreshes its updatedAt timestamp.
// policy decides whether the transition is allowed. An onCommit error is
// returned but does not undo the update.
func (r *JobRepository) UpdateJobState(ctx context.Context, id string, state models.JobState, policy models.TransitionPolicy, onCommit CommitFunc) (*models.Job, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	job, err := r.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if policy != nil && !policy.Allow(job.State, state) {
		return nil, errors.InvalidState("job",
			fmt.Sprintf("transition %s -> %s is not allowed for job (%s)", job.State, state, id))
	}

	updatedAt := r.nextUpdatedAt(job.UpdatedAt)
	err = r.store.Patch(ctx, NamespaceJobs, id, Attributes{
		attrState:     string(state),
		attrUpdatedAt: formatTime(updatedAt),
	})
	if err != nil {
		return nil, err
	}

	job.State = state
	job.UpdatedAt = updatedAt
	return job, commit(ctx, job, onCommit)
}

// UpdateJobStation sets the job's current station and refreshes its
// updatedAt timestamp. With enforceRoute the station must be on the
// planned route. An onCommit error is returned but does not undo the update.
func (r *JobRepository) UpdateJobStation(ctx context.Context, id, stationID string, enforceRoute bool, onCommit CommitFunc) (*models.Job, error) {
	if stationID == "" {
		return nil, errors.InvalidArgument("job", "station id must not be empty")
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	job, err := r.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if enforceRoute && !job.OnRoute(stationID) {
		return nil, errors.InvalidArgument("job",
			fmt.Sprintf("station (%s) is not on the planned route of job (%s)", stationID, id))
	}

	updatedAt := r.nextUpdatedAt(job.UpdatedAt)
	err = r.store.Patch(ctx, NamespaceJobs, id, Attributes{
		attrCurrentStation: stationID,
		attrUpdatedAt:      formatTime(updatedAt),
	})
	if err != nil {
		return nil, err
	}

	job.CurrentStation = stationID
	job.UpdatedAt = updatedAt
	return job, commit(ctx, job, onCommit)
}

func commit(ctx context.Context, job *models.Job, onCommit CommitFunc) error {
	if onCommit == nil {
		return nil
	}
	return onCommit(ctx, job)
}

// CountJobsByState returns the number of jobs whose state is exactly state
func (r *JobRepository) CountJobsByState(ctx context.Context, state models.JobState) (int, error) {
	counts, err := r.countStates(ctx)
	if err != nil {
		return 0, err
	}
	return counts[state], nil
}

// SummaryJobsByState returns per-state job counts ordered by count, highest
// first. States without jobs are omitted.
func (r *JobRepository) SummaryJobsByState(ctx context.Context) ([]StateCount, error) {
	counts, err := r.countStates(ctx)
	if err != nil {
		return nil, err
	}

	summary := make([]StateCount, 0, len(counts))
	for _, st := range models.JobStates {
		if n := counts[st]; n > 0 {
			summary = append(summary, StateCount{State: st, Count: n})
		}
	}
	sort.SliceStable(summary, func(i, j int) bool {
		return summary[i].Count > summary[j].Count
	})

	return summary, nil
}

func (r *JobRepository) countStates(ctx context.Context) (map[models.JobState]int, error) {
	records, err := r.store.List(ctx, NamespaceJobs, 0, 0)
	if err != nil {
		return nil, err
	}

	counts := make(map[models.JobState]int)
	for _, rec := range records {
		counts[models.JobState(rec.Attrs[attrState])]++
	}
	return counts, nil
}

// nextUpdatedAt returns the current time, moved past prev if the clock
// has not advanced since the previous update
func (r *JobRepository) nextUpdatedAt(prev time.Time) time.Time {
	now := r.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

func encodeJob(job *models.Job) Attributes {
	return Attributes{
		attrIdentifier:     job.ID,
		attrCreator:        job.Creator,
		attrDescription:    job.Description,
		attrTrainID:        job.TrainID,
		attrCurrentStation: job.CurrentStation,
		attrState:          string(job.State),
		attrCreatedAt:      formatTime(job.CreatedAt),
		attrUpdatedAt:      formatTime(job.UpdatedAt),
	}
}

func decodeJob(id string, attrs Attributes) (*models.Job, error) {
	state, err := models.ParseJobState(attrs[attrState])
	if err != nil {
		return nil, errors.Internal("job", fmt.Sprintf("job (%s) has a corrupt state", id), err)
	}
	createdAt, err := parseTime(attrs[attrCreatedAt])
	if err != nil {
		return nil, errors.Internal("job", fmt.Sprintf("job (%s) has a corrupt createdAt", id), err)
	}
	updatedAt, err := parseTime(attrs[attrUpdatedAt])
	if err != nil {
		return nil, errors.Internal("job", fmt.Sprintf("job (%s) has a corrupt updatedAt", id), err)
	}

	return &models.Job{
		ID:             id,
		Creator:        attrs[attrCreator],
		Description:    attrs[attrDescription],
		TrainID:        attrs[attrTrainID],
		CurrentStation: attrs[attrCurrentStation],
		State:          state,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	if limit <= 0 {
		return []T{}
	}
	end := len(items)
	if offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
