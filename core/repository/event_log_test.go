package repository

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pht-monitor/core/errors"
	"pht-monitor/core/models"
)

func newEventFixture(t *testing.T, s Store, maxLen int) (*EventLog, *models.Job) {
	t.Helper()
	locks := NewKeyedLocker()
	jobs := NewJobRepository(s, locks)
	job := newTestJob(time.Now())
	require.NoError(t, jobs.CreateJob(context.Background(), job, nil))
	return NewEventLog(s, locks, maxLen, nil), job
}

func memoryEvent(jobID, value string, ts time.Time) *models.MetricEvent {
	return &models.MetricEvent{
		ID:        uuid.NewString(),
		Kind:      models.MetricMemory,
		JobID:     jobID,
		StationID: "station-a",
		Timestamp: ts,
		Value:     value,
	}
}

func TestEventLog_AppendAndList(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		log, job := newEventFixture(t, s, 0)

		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		// appended out of timestamp order
		m1 := memoryEvent(job.ID, "10", base.Add(2*time.Second))
		m2 := memoryEvent(job.ID, "20", base)
		m3 := memoryEvent(job.ID, "30", base.Add(time.Second))
		for _, ev := range []*models.MetricEvent{m1, m2, m3} {
			evicted, err := log.Append(ctx, ev, nil)
			require.NoError(t, err)
			assert.Equal(t, 0, evicted)
		}
		cpu := &models.MetricEvent{
			ID: uuid.NewString(), Kind: models.MetricCPU, JobID: job.ID,
			StationID: "station-a", Timestamp: base, Value: "0.5",
		}
		_, err := log.Append(ctx, cpu, nil)
		require.NoError(t, err)

		got, err := log.List(ctx, job.ID, models.MetricMemory, false)
		require.NoError(t, err)
		assert.Equal(t, []string{m1.ID, m2.ID, m3.ID}, eventIDs(got))
		assert.Equal(t, "10", got[0].Value)
		assert.Equal(t, "station-a", got[0].StationID)
		assert.Equal(t, job.ID, got[0].JobID)
		assert.True(t, m1.Timestamp.Equal(got[0].Timestamp))

		got, err = log.List(ctx, job.ID, models.MetricMemory, true)
		require.NoError(t, err)
		assert.Equal(t, []string{m1.ID, m3.ID, m2.ID}, eventIDs(got))

		got, err = log.List(ctx, job.ID, models.MetricCPU, false)
		require.NoError(t, err)
		assert.Equal(t, []string{cpu.ID}, eventIDs(got))

		n, err := log.Len(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})
}

func TestEventLog_NetworkOrdering(t *testing.T) {
	ctx := context.Background()
	log, job := newEventFixture(t, openBadgerStore(t), 0)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := &models.MetricEvent{
		ID: uuid.NewString(), Kind: models.MetricNetwork, JobID: job.ID,
		Timestamp: base.Add(time.Minute), RxBytes: 1024, TxBytes: 2048.5,
	}
	early := &models.MetricEvent{
		ID: uuid.NewString(), Kind: models.MetricNetwork, JobID: job.ID,
		Timestamp: base, RxBytes: 1, TxBytes: 2,
	}
	for _, ev := range []*models.MetricEvent{late, early} {
		_, err := log.Append(ctx, ev, nil)
		require.NoError(t, err)
	}

	got, err := log.List(ctx, job.ID, models.MetricNetwork, false)
	require.NoError(t, err)
	assert.Equal(t, []string{early.ID, late.ID}, eventIDs(got))
	assert.Equal(t, 1024.0, got[1].RxBytes)
	assert.Equal(t, 2048.5, got[1].TxBytes)

	got, err = log.List(ctx, job.ID, models.MetricNetwork, true)
	require.NoError(t, err)
	assert.Equal(t, []string{late.ID, early.ID}, eventIDs(got))
}

func TestEventLog_AppendUnknownJob(t *testing.T) {
	log, _ := newEventFixture(t, openBadgerStore(t), 0)

	_, err := log.Append(context.Background(), memoryEvent("missing", "1", time.Now()), nil)
	assert.True(t, errors.IsNotFound(err), "got %v", err)

	_, err = log.List(context.Background(), "missing", models.MetricMemory, false)
	assert.True(t, errors.IsNotFound(err))
}

func TestEventLog_AppendUnknownKind(t *testing.T) {
	log, job := newEventFixture(t, openBadgerStore(t), 0)
	ev := memoryEvent(job.ID, "1", time.Now())
	ev.Kind = "disk"

	_, err := log.Append(context.Background(), ev, nil)
	assert.True(t, errors.IsInvalidState(err))
}

func TestEventLog_EvictAllPastThreshold(t *testing.T) {
	ctx := context.Background()
	s := openBadgerStore(t)
	log, job := newEventFixture(t, s, DefaultMaxLogLength)

	// the seed event plus 1001 appends
	seed := memoryEvent(job.ID, "0", time.Now())
	_, err := log.Append(ctx, seed, nil)
	require.NoError(t, err)

	var first *models.MetricEvent
	totalEvicted := 0
	var last *models.MetricEvent
	for i := 0; i < DefaultMaxLogLength+1; i++ {
		ev := memoryEvent(job.ID, "1", time.Now())
		if first == nil {
			first = ev
		}
		evicted, err := log.Append(ctx, ev, nil)
		require.NoError(t, err)
		totalEvicted += evicted
		last = ev
	}

	n, err := log.Len(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, DefaultMaxLogLength+1, totalEvicted)

	got, err := log.List(ctx, job.ID, models.MetricMemory, false)
	require.NoError(t, err)
	assert.Equal(t, []string{last.ID}, eventIDs(got))

	// evicted events are gone from the store, not just the log
	for _, ev := range []*models.MetricEvent{seed, first} {
		ok, err := log.Contains(ctx, models.MetricMemory, ev.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	count, err := s.Count(ctx, NamespaceMemory)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEventLog_EvictionThresholdIsExclusive(t *testing.T) {
	ctx := context.Background()
	log, job := newEventFixture(t, openBadgerStore(t), 3)

	for i := 0; i < 4; i++ {
		evicted, err := log.Append(ctx, memoryEvent(job.ID, "1", time.Now()), nil)
		require.NoError(t, err)
		assert.Equal(t, 0, evicted)
	}

	evicted, err := log.Append(ctx, memoryEvent(job.ID, "1", time.Now()), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, evicted)

	n, err := log.Len(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEventLog_Remove(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		log, job := newEventFixture(t, s, 0)

		keep := memoryEvent(job.ID, "1", time.Now())
		drop := memoryEvent(job.ID, "2", time.Now())
		for _, ev := range []*models.MetricEvent{keep, drop} {
			_, err := log.Append(ctx, ev, nil)
			require.NoError(t, err)
		}

		require.NoError(t, log.Remove(ctx, job.ID, models.MetricMemory, drop.ID, nil))

		got, err := log.List(ctx, job.ID, models.MetricMemory, false)
		require.NoError(t, err)
		assert.Equal(t, []string{keep.ID}, eventIDs(got))

		ok, err := log.Contains(ctx, models.MetricMemory, drop.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		err = log.Remove(ctx, job.ID, models.MetricMemory, drop.ID, nil)
		assert.True(t, errors.IsNotFound(err), "got %v", err)

		// right id, wrong kind
		err = log.Remove(ctx, job.ID, models.MetricCPU, keep.ID, nil)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestEventLog_CommitSeesTheWrite(t *testing.T) {
	ctx := context.Background()
	log, job := newEventFixture(t, openBadgerStore(t), 0)

	first := memoryEvent(job.ID, "1", time.Now())
	second := memoryEvent(job.ID, "2", time.Now())
	_, err := log.Append(ctx, first, nil)
	require.NoError(t, err)

	var snapshot []string
	_, err = log.Append(ctx, second, func(ctx context.Context, snap LogSnapshot) error {
		assert.Equal(t, job.ID, snap.JobID())
		events, err := snap.List(ctx, models.MetricMemory, false)
		snapshot = eventIDs(events)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID, second.ID}, snapshot)

	err = log.Remove(ctx, job.ID, models.MetricMemory, first.ID, func(ctx context.Context, snap LogSnapshot) error {
		events, err := snap.List(ctx, models.MetricMemory, false)
		snapshot = eventIDs(events)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{second.ID}, snapshot)
}

// failingDeleteStore fails deletes in one namespace once after deletes succeeded
type failingDeleteStore struct {
	Store
	ns      Namespace
	after   int
	deletes int
}

func (f *failingDeleteStore) Delete(ctx context.Context, ns Namespace, id string) error {
	if ns == f.ns {
		f.deletes++
		if f.deletes > f.after {
			return errors.StoreUnavailable("store", "delete failed", nil)
		}
	}
	return f.Store.Delete(ctx, ns, id)
}

func TestEventLog_FlushLogsOrphanedRecords(t *testing.T) {
	ctx := context.Background()
	s := &failingDeleteStore{Store: openBadgerStore(t), ns: NamespaceMemory, after: 1 << 30}
	locks := NewKeyedLocker()
	job := newTestJob(time.Now())
	require.NoError(t, NewJobRepository(s, locks).CreateJob(ctx, job, nil))
	jobID := job.ID

	logger, hook := logtest.NewNullLogger()
	log := NewEventLog(s, locks, 3, logger)

	var refs []string
	for i := 0; i < 4; i++ {
		ev := memoryEvent(jobID, "1", time.Now())
		_, err := log.Append(ctx, ev, nil)
		require.NoError(t, err)
		refs = append(refs, ev.Ref())
	}

	// the third record delete fails
	s.after = 2
	evicted, err := log.Append(ctx, memoryEvent(jobID, "1", time.Now()), nil)
	require.Error(t, err)
	assert.Equal(t, 4, evicted)
	assert.True(t, errors.IsStoreUnavailable(err), "got %v", err)

	var orphaned *OrphanedEventsError
	require.True(t, stderrors.As(err, &orphaned))
	assert.Equal(t, refs[2:], orphaned.Refs)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, jobID, entry.Data["job_id"])
	assert.Equal(t, refs[2:], entry.Data["orphaned"])
}

func eventIDs(events []*models.MetricEvent) []string {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	return ids
}
