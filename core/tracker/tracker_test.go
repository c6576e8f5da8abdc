package tracker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pht-monitor/core/broadcast"
	"pht-monitor/core/errors"
	"pht-monitor/core/models"
	"pht-monitor/core/repository"
)

func newTestStore(t *testing.T) repository.Store {
	t.Helper()
	s, err := repository.OpenBadger(repository.InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestTracker(t *testing.T, cfg Config) (*Tracker, *broadcast.Hub) {
	t.Helper()
	hub := broadcast.NewHub(broadcast.Config{}, nil, nil)
	t.Cleanup(hub.Close)
	return New(newTestStore(t), hub, cfg, nil, nil), hub
}

func createInput() CreateJobInput {
	return CreateJobInput{
		Creator:        "alice",
		Description:    "cohort analysis",
		TrainID:        "train-1",
		PlannedRoute:   []string{"station-a", "station-b"},
		CurrentStation: "station-a",
	}
}

func nextNotification(t *testing.T, sub *broadcast.Subscription) broadcast.Notification {
	t.Helper()
	select {
	case n, ok := <-sub.C():
		require.True(t, ok)
		return n
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
	return broadcast.Notification{}
}

func TestTracker_CreateJob(t *testing.T) {
	tr, _ := newTestTracker(t, Config{})
	ctx := context.Background()

	require.NoError(t, tr.Stations().CreateStation(ctx, &models.Station{ID: "station-a", Title: "Aachen"}))

	created, err := tr.CreateJob(ctx, createInput())
	require.NoError(t, err)
	assert.NotEmpty(t, created.Identifier)

	got, err := tr.GetJob(ctx, created.Identifier)
	require.NoError(t, err)
	assert.Equal(t, "waiting", got.State)
	assert.Equal(t, "alice", got.Creator)
	assert.Equal(t, "cohort analysis", got.Description)
	assert.Equal(t, "train-1", got.TrainID)
	assert.Equal(t, []string{"station-a", "station-b"}, got.PlannedRoute)
	assert.Equal(t, StationRef{ID: "station-a", Name: "Aachen"}, got.CurrentStation)
	require.Len(t, got.Events, 1)
	assert.True(t, strings.HasPrefix(got.Events[0], "memory:"))

	mem, err := tr.ListMetrics(ctx, created.Identifier, "memory", false)
	require.NoError(t, err)
	require.Len(t, mem.Metrics, 1)
	assert.Equal(t, SeedMetricValue, mem.Metrics[0].Value)
	assert.Equal(t, got.Events[0], mem.Metrics[0].ID)

	status, err := tr.GetJobStatus(ctx, created.Identifier)
	require.NoError(t, err)
	assert.Equal(t, "waiting", status)
}

func TestTracker_CreateJobDefaultsAndValidation(t *testing.T) {
	tr, _ := newTestTracker(t, Config{EnforceRoute: true})
	ctx := context.Background()

	in := createInput()
	in.CurrentStation = ""
	created, err := tr.CreateJob(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "station-a", created.CurrentStation.ID)
	assert.Empty(t, created.CurrentStation.Name)

	in = createInput()
	in.PlannedRoute = nil
	_, err = tr.CreateJob(ctx, in)
	assert.True(t, errors.IsInvalidArgument(err))

	in = createInput()
	in.CurrentStation = "elsewhere"
	_, err = tr.CreateJob(ctx, in)
	assert.True(t, errors.IsInvalidArgument(err))

	in = createInput()
	in.ID = created.Identifier
	_, err = tr.CreateJob(ctx, in)
	assert.True(t, errors.IsAlreadyExists(err))
}

// failingStore fails every append to an event log list
type failingStore struct {
	repository.Store
	mu       sync.Mutex
	failLogs bool
}

func (f *failingStore) ListAppend(ctx context.Context, list, item string) error {
	f.mu.Lock()
	fail := f.failLogs && strings.HasPrefix(list, "events:")
	f.mu.Unlock()
	if fail {
		return errors.StoreUnavailable("list", "append", nil)
	}
	return f.Store.ListAppend(ctx, list, item)
}

func TestTracker_CreateJobRollsBackWithoutSeed(t *testing.T) {
	store := &failingStore{Store: newTestStore(t), failLogs: true}
	hub := broadcast.NewHub(broadcast.Config{}, nil, nil)
	tr := New(store, hub, Config{}, nil, nil)
	ctx := context.Background()

	in := createInput()
	in.ID = "job-1"
	_, err := tr.CreateJob(ctx, in)
	assert.True(t, errors.IsStoreUnavailable(err), "got %v", err)

	_, err = tr.GetJob(ctx, "job-1")
	assert.True(t, errors.IsNotFound(err), "job should not survive a failed seed")

	n, err := store.Count(ctx, repository.NamespaceMemory)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// the id is free again once the store recovers
	store.mu.Lock()
	store.failLogs = false
	store.mu.Unlock()
	_, err = tr.CreateJob(ctx, in)
	assert.NoError(t, err)
}

func TestTracker_UpdateStatePublishes(t *testing.T) {
	tr, _ := newTestTracker(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	created, err := tr.CreateJob(ctx, createInput())
	require.NoError(t, err)

	sub, err := tr.SubscribeJobUpdates(ctx)
	require.NoError(t, err)

	updated, err := tr.UpdateJobState(ctx, created.Identifier, "running")
	require.NoError(t, err)
	assert.Equal(t, "running", updated.State)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

	n := nextNotification(t, sub)
	assert.Equal(t, broadcast.EventJobUpdate, n.Event)
	var view JobView
	require.NoError(t, json.Unmarshal(n.Data, &view))
	assert.Equal(t, created.Identifier, view.Identifier)
	assert.Equal(t, "running", view.State)

	_, err = tr.UpdateJobState(ctx, created.Identifier, "exploded")
	assert.True(t, errors.IsInvalidState(err))

	_, err = tr.UpdateJobState(ctx, "missing", "running")
	assert.True(t, errors.IsNotFound(err))
}

func TestTracker_StrictTransitions(t *testing.T) {
	tr, _ := newTestTracker(t, Config{StrictTransitions: true})
	ctx := context.Background()

	created, err := tr.CreateJob(ctx, createInput())
	require.NoError(t, err)

	_, err = tr.UpdateJobState(ctx, created.Identifier, "cancelled")
	require.NoError(t, err)
	_, err = tr.UpdateJobState(ctx, created.Identifier, "running")
	assert.True(t, errors.IsInvalidState(err))
}

func TestTracker_UpdateStation(t *testing.T) {
	tr, _ := newTestTracker(t, Config{})
	ctx := context.Background()
	require.NoError(t, tr.Stations().CreateStation(ctx, &models.Station{ID: "station-b", Title: "Leipzig"}))

	created, err := tr.CreateJob(ctx, createInput())
	require.NoError(t, err)

	got, err := tr.UpdateJobStation(ctx, created.Identifier, "station-b")
	require.NoError(t, err)
	assert.Equal(t, StationRef{ID: "station-b", Name: "Leipzig"}, got.CurrentStation)
	assert.True(t, got.UpdatedAt.After(created.UpdatedAt))

	// unchecked by default
	got, err = tr.UpdateJobStation(ctx, created.Identifier, "off-route")
	require.NoError(t, err)
	assert.Equal(t, "off-route", got.CurrentStation.ID)
}

func TestTracker_ListJobsMovesNewestFirst(t *testing.T) {
	tr, _ := newTestTracker(t, Config{})
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	tr.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first, err := tr.CreateJob(ctx, createInput())
	require.NoError(t, err)
	second, err := tr.CreateJob(ctx, createInput())
	require.NoError(t, err)

	jobs, err := tr.ListJobs(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.Identifier, jobs[0].Identifier)

	third, err := tr.CreateJob(ctx, createInput())
	require.NoError(t, err)
	jobs, err = tr.ListJobs(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{third.Identifier, second.Identifier, first.Identifier}, viewIDs(jobs))
}

func TestTracker_CountAndSummary(t *testing.T) {
	tr, _ := newTestTracker(t, Config{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		v, err := tr.CreateJob(ctx, createInput())
		require.NoError(t, err)
		ids = append(ids, v.Identifier)
	}

	_, err := tr.UpdateJobState(ctx, ids[0], "running")
	require.NoError(t, err)
	n, err := tr.CountJobsByState(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	summary, err := tr.SummaryJobsByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, []StateCount{{State: "waiting", Count: 2}, {State: "running", Count: 1}}, summary)

	_, err = tr.UpdateJobState(ctx, ids[0], "finished")
	require.NoError(t, err)
	n, err = tr.CountJobsByState(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = tr.CountJobsByState(ctx, "bogus")
	assert.True(t, errors.IsInvalidState(err))
}

func TestTracker_Metrics(t *testing.T) {
	tr, _ := newTestTracker(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := tr.CreateJob(ctx, createInput())
	require.NoError(t, err)

	sub, err := tr.SubscribeMetricUpdates(ctx)
	require.NoError(t, err)

	ts := time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)
	net, err := tr.AppendMetric(ctx, job.Identifier, "network", MetricInput{Timestamp: ts, RxBytes: 10, TxBytes: 20})
	require.NoError(t, err)
	assert.Equal(t, "station-a", net.StationID)
	require.NotNil(t, net.RxBytes)
	assert.Equal(t, 10.0, *net.RxBytes)
	assert.True(t, strings.HasPrefix(net.ID, "network:"))

	n := nextNotification(t, sub)
	var update MetricUpdate
	require.NoError(t, json.Unmarshal(n.Data, &update))
	assert.Equal(t, ActionAppend, update.Action)
	assert.Equal(t, net.ID, update.Event.ID)

	cpu, err := tr.AppendMetric(ctx, job.Identifier, "cpu", MetricInput{StationID: "station-b", Value: "0.75"})
	require.NoError(t, err)
	nextNotification(t, sub)

	list, err := tr.ListMetrics(ctx, job.Identifier, "cpu", true)
	require.NoError(t, err)
	assert.Equal(t, "cpu", list.Source)
	require.Len(t, list.Metrics, 1)
	assert.Equal(t, "0.75", list.Metrics[0].Value)

	_, err = tr.AppendMetric(ctx, job.Identifier, "cpu", MetricInput{})
	assert.True(t, errors.IsInvalidArgument(err))
	_, err = tr.AppendMetric(ctx, job.Identifier, "disk", MetricInput{Value: "1"})
	assert.True(t, errors.IsInvalidState(err))
	_, err = tr.AppendMetric(ctx, "missing", "cpu", MetricInput{Value: "1"})
	assert.True(t, errors.IsNotFound(err))

	// namespaced and bare ids are both accepted
	require.NoError(t, tr.DeleteMetric(ctx, job.Identifier, cpu.ID, "cpu"))
	n = nextNotification(t, sub)
	require.NoError(t, json.Unmarshal(n.Data, &update))
	assert.Equal(t, ActionDelete, update.Action)

	err = tr.DeleteMetric(ctx, job.Identifier, cpu.ID, "cpu")
	assert.True(t, errors.IsNotFound(err))

	bare := strings.TrimPrefix(net.ID, "network:")
	require.NoError(t, tr.DeleteMetric(ctx, job.Identifier, bare, "network"))

	list, err = tr.ListMetrics(ctx, job.Identifier, "network", false)
	require.NoError(t, err)
	assert.Empty(t, list.Metrics)

	err = tr.DeleteMetric(ctx, job.Identifier, "memory:abc", "cpu")
	assert.True(t, errors.IsInvalidArgument(err))
}

func TestTracker_EvictionAfterThreshold(t *testing.T) {
	tr, _ := newTestTracker(t, Config{MaxLogLength: 5})
	ctx := context.Background()

	job, err := tr.CreateJob(ctx, createInput())
	require.NoError(t, err)

	// seed plus 5 appends fills the log to 6, the next append flushes it
	for i := 0; i < 6; i++ {
		_, err := tr.AppendMetric(ctx, job.Identifier, "memory", MetricInput{Value: "1"})
		require.NoError(t, err)
	}

	got, err := tr.GetJob(ctx, job.Identifier)
	require.NoError(t, err)
	assert.Len(t, got.Events, 1)
}

// slowStationStore stalls the first station lookup after it is armed
type slowStationStore struct {
	repository.Store
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
}

func (s *slowStationStore) arm() {
	s.mu.Lock()
	s.armed = true
	s.entered = make(chan struct{})
	s.mu.Unlock()
}

func (s *slowStationStore) Get(ctx context.Context, ns repository.Namespace, id string) (repository.Attributes, error) {
	if ns == repository.NamespaceStations {
		s.mu.Lock()
		stall := s.armed
		s.armed = false
		s.mu.Unlock()
		if stall {
			close(s.entered)
			time.Sleep(200 * time.Millisecond)
		}
	}
	return s.Store.Get(ctx, ns, id)
}

func TestTracker_JobUpdatesFollowWriteOrder(t *testing.T) {
	store := &slowStationStore{Store: newTestStore(t)}
	hub := broadcast.NewHub(broadcast.Config{}, nil, nil)
	defer hub.Close()
	tr := New(store, hub, Config{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	created, err := tr.CreateJob(ctx, createInput())
	require.NoError(t, err)
	sub, err := tr.SubscribeJobUpdates(ctx)
	require.NoError(t, err)

	store.arm()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := tr.UpdateJobState(ctx, created.Identifier, "running")
		assert.NoError(t, err)
	}()
	<-store.entered

	_, err = tr.UpdateJobState(ctx, created.Identifier, "finished")
	require.NoError(t, err)
	<-done

	var states []string
	for i := 0; i < 2; i++ {
		var view JobView
		require.NoError(t, json.Unmarshal(nextNotification(t, sub).Data, &view))
		states = append(states, view.State)
	}
	assert.Equal(t, []string{"running", "finished"}, states)

	stored, err := tr.GetJobStatus(ctx, created.Identifier)
	require.NoError(t, err)
	assert.Equal(t, states[len(states)-1], stored)
}

func TestTracker_JobUpdatesLeaveOutEventLog(t *testing.T) {
	tr, _ := newTestTracker(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	created, err := tr.CreateJob(ctx, createInput())
	require.NoError(t, err)
	require.Len(t, created.Events, 1)

	sub, err := tr.SubscribeJobUpdates(ctx)
	require.NoError(t, err)
	_, err = tr.UpdateJobState(ctx, created.Identifier, "running")
	require.NoError(t, err)

	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(nextNotification(t, sub).Data, &payload))
	assert.NotContains(t, payload, "events")
	assert.Contains(t, payload, "plannedRoute")

	jobs, err := tr.ListJobs(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Nil(t, jobs[0].Events)
	assert.Equal(t, []string{"station-a", "station-b"}, jobs[0].PlannedRoute)
}

func TestTracker_SubscribeJobMetrics(t *testing.T) {
	tr, _ := newTestTracker(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := tr.CreateJob(ctx, createInput())
	require.NoError(t, err)
	other, err := tr.CreateJob(ctx, createInput())
	require.NoError(t, err)

	_, err = tr.SubscribeJobMetrics(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))

	sub, err := tr.SubscribeJobMetrics(ctx, job.Identifier)
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err = tr.AppendMetric(ctx, other.Identifier, "cpu", MetricInput{Value: "0.1", Timestamp: base})
	require.NoError(t, err)
	older, err := tr.AppendMetric(ctx, job.Identifier, "cpu", MetricInput{Value: "0.2", Timestamp: base})
	require.NoError(t, err)
	newer, err := tr.AppendMetric(ctx, job.Identifier, "cpu", MetricInput{Value: "0.3", Timestamp: base.Add(time.Minute)})
	require.NoError(t, err)

	var list MetricList
	n := nextNotification(t, sub)
	assert.Equal(t, broadcast.EventMetricUpdate, n.Event)
	require.NoError(t, json.Unmarshal(n.Data, &list))
	assert.Equal(t, "cpu", list.Source)
	require.Len(t, list.Metrics, 1)
	assert.Equal(t, older.ID, list.Metrics[0].ID)

	require.NoError(t, json.Unmarshal(nextNotification(t, sub).Data, &list))
	require.Len(t, list.Metrics, 2)
	assert.Equal(t, newer.ID, list.Metrics[0].ID)

	require.NoError(t, tr.DeleteMetric(ctx, job.Identifier, newer.ID, "cpu"))
	require.NoError(t, json.Unmarshal(nextNotification(t, sub).Data, &list))
	require.Len(t, list.Metrics, 1)
	assert.Equal(t, older.ID, list.Metrics[0].ID)

	// network snapshots are oldest first
	_, err = tr.AppendMetric(ctx, job.Identifier, "network", MetricInput{RxBytes: 2, Timestamp: base.Add(time.Hour)})
	require.NoError(t, err)
	early, err := tr.AppendMetric(ctx, job.Identifier, "network", MetricInput{RxBytes: 1, Timestamp: base})
	require.NoError(t, err)
	nextNotification(t, sub)
	require.NoError(t, json.Unmarshal(nextNotification(t, sub).Data, &list))
	assert.Equal(t, "network", list.Source)
	require.Len(t, list.Metrics, 2)
	assert.Equal(t, early.ID, list.Metrics[0].ID)
}

func viewIDs(views []JobView) []string {
	ids := make([]string, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.Identifier)
	}
	return ids
}
