package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"pht-monitor/core/errors"
	"pht-monitor/core/logger"
	"pht-monitor/core/models"
)

// DefaultMaxLogLength is the event log length past which the next append
// flushes the whole log
const DefaultMaxLogLength = 1000

const (
	attrJobID     = "jobId"
	attrStationID = "stationId"
	attrTimestamp = "timestamp"
	attrValue     = "value"
	attrRxBytes   = "rxBytes"
	attrTxBytes   = "txBytes"
)

// EventLog stores metric events and keeps each job's ordered log of them
type EventLog struct {
	store  Store
	locks  *KeyedLocker
	maxLen int
	log    logrus.FieldLogger
}

// NewEventLog creates an event log. maxLen <= 0 selects DefaultMaxLogLength.
func NewEventLog(store Store, locks *KeyedLocker, maxLen int, log logrus.FieldLogger) *EventLog {
	if maxLen <= 0 {
		maxLen = DefaultMaxLogLength
	}
	if log == nil {
		log = logger.Discard()
	}
	return &EventLog{store: store, locks: locks, maxLen: maxLen, log: log.WithField("component", "event_log")}
}

// LogCommitFunc runs after an event log write has been applied, while the
// job's lock is still held. snap reads the log as the write left it.
type LogCommitFunc func(ctx context.Context, snap LogSnapshot) error

// LogSnapshot reads one job's log under the lock held by the current write
type LogSnapshot struct {
	log   *EventLog
	jobID string
}

// JobID returns the job whose log the snapshot reads
func (s LogSnapshot) JobID() string { return s.jobID }

// List returns the job's events of kind, ordered as EventLog.List orders them
func (s LogSnapshot) List(ctx context.Context, kind models.MetricKind, sortDesc bool) ([]*models.MetricEvent, error) {
	return s.log.listLocked(ctx, s.jobID, kind, sortDesc)
}

// Append stores ev and appends it to its job's log. If the log is already
// longer than the limit, every event in it is deleted first. It returns the
// number of events evicted. An onCommit error is returned but does not undo
// the append.
func (l *EventLog) Append(ctx context.Context, ev *models.MetricEvent, onCommit LogCommitFunc) (int, error) {
	unlock := l.locks.Lock(ev.JobID)
	defer unlock()

	evicted, err := l.AppendLocked(ctx, ev)
	if err != nil {
		return evicted, err
	}
	if onCommit != nil {
		return evicted, onCommit(ctx, LogSnapshot{log: l, jobID: ev.JobID})
	}
	return evicted, nil
}

// AppendLocked is Append for callers already holding the job's lock, such
// as a JobRepository commit hook
func (l *EventLog) AppendLocked(ctx context.Context, ev *models.MetricEvent) (int, error) {
	if ev.ID == "" {
		return 0, errors.InvalidArgument("metric", "event id must not be empty")
	}
	ns, err := metricNamespace(ev.Kind)
	if err != nil {
		return 0, err
	}

	if _, err := l.store.Get(ctx, NamespaceJobs, ev.JobID); err != nil {
		if errors.IsNotFound(err) {
			return 0, errors.NotFound("job", fmt.Sprintf("job (%s) not found", ev.JobID))
		}
		return 0, err
	}

	evicted, err := l.evictIfFull(ctx, ev.JobID)
	if err != nil {
		return 0, err
	}

	if err := l.store.Insert(ctx, ns, ev.ID, encodeEvent(ev)); err != nil {
		return evicted, err
	}
	if err := l.store.ListAppend(ctx, eventsList(ev.JobID), ev.Ref()); err != nil {
		if derr := l.store.Delete(ctx, ns, ev.ID); derr != nil {
			l.log.WithFields(logrus.Fields{
				"job_id":    ev.JobID,
				"metric_id": ev.ID,
				"kind":      ev.Kind,
			}).WithError(derr).Error("failed to remove event record after log append failure")
		}
		return evicted, err
	}

	return evicted, nil
}

func (l *EventLog) evictIfFull(ctx context.Context, jobID string) (int, error) {
	n, err := l.store.ListLen(ctx, eventsList(jobID))
	if err != nil {
		return 0, err
	}
	if n <= l.maxLen {
		return 0, nil
	}

	refs, err := l.store.ListClear(ctx, eventsList(jobID))
	if err != nil {
		return 0, err
	}
	if err := deleteEventRecords(ctx, l.store, refs); err != nil {
		var orphaned *OrphanedEventsError
		if stderrors.As(err, &orphaned) {
			l.log.WithFields(logrus.Fields{
				"job_id":   jobID,
				"orphaned": orphaned.Refs,
			}).WithError(orphaned.Err).Error("event log flushed but some event records could not be deleted")
		}
		return len(refs), err
	}

	l.log.WithFields(logrus.Fields{
		"job_id":  jobID,
		"evicted": len(refs),
	}).Info("event log flushed")

	return len(refs), nil
}

// OrphanedEventsError reports event records left in the store after their
// log entries were removed
type OrphanedEventsError struct {
	Refs []string
	Err  error
}

func (e *OrphanedEventsError) Error() string {
	return fmt.Sprintf("%d event records left without a log entry: %v", len(e.Refs), e.Err)
}

func (e *OrphanedEventsError) Unwrap() error { return e.Err }

// deleteEventRecords deletes the records behind refs. It stops at the first
// failure and reports the refs not yet deleted, the failed one included.
// Malformed refs have no record and are skipped.
func deleteEventRecords(ctx context.Context, store Store, refs []string) error {
	for i, ref := range refs {
		kind, id, err := models.ParseEventRef(ref)
		if err != nil {
			continue
		}
		ns, err := metricNamespace(kind)
		if err != nil {
			continue
		}
		if err := store.Delete(ctx, ns, id); err != nil && !errors.IsNotFound(err) {
			return &OrphanedEventsError{Refs: append([]string(nil), refs[i:]...), Err: err}
		}
	}
	return nil
}

// Remove deletes one event from the job's log and from the event store.
// It fails with NotFound if the event is not in the log. An onCommit error
// is returned but does not undo the removal.
func (l *EventLog) Remove(ctx context.Context, jobID string, kind models.MetricKind, id string, onCommit LogCommitFunc) error {
	ns, err := metricNamespace(kind)
	if err != nil {
		return err
	}

	unlock := l.locks.Lock(jobID)
	defer unlock()

	removed, err := l.store.ListRemove(ctx, eventsList(jobID), models.EventRef(kind, id))
	if err != nil {
		return err
	}
	if !removed {
		return errors.NotFound("metric", fmt.Sprintf("%s metric (%s) is not in the log of job (%s)", kind, id, jobID))
	}

	if err := l.store.Delete(ctx, ns, id); err != nil && !errors.IsNotFound(err) {
		return err
	}
	if onCommit != nil {
		return onCommit(ctx, LogSnapshot{log: l, jobID: jobID})
	}
	return nil
}

// List returns the job's events of the given kind. By default memory and
// cpu events come back in append order and network events in ascending
// timestamp order; sortDesc orders any kind newest first.
func (l *EventLog) List(ctx context.Context, jobID string, kind models.MetricKind, sortDesc bool) ([]*models.MetricEvent, error) {
	unlock := l.locks.RLock(jobID)
	defer unlock()

	return l.listLocked(ctx, jobID, kind, sortDesc)
}

func (l *EventLog) listLocked(ctx context.Context, jobID string, kind models.MetricKind, sortDesc bool) ([]*models.MetricEvent, error) {
	ns, err := metricNamespace(kind)
	if err != nil {
		return nil, err
	}

	if _, err := l.store.Get(ctx, NamespaceJobs, jobID); err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFound("job", fmt.Sprintf("job (%s) not found", jobID))
		}
		return nil, err
	}

	refs, err := l.store.ListItems(ctx, eventsList(jobID))
	if err != nil {
		return nil, err
	}

	events := make([]*models.MetricEvent, 0, len(refs))
	for _, ref := range refs {
		k, id, err := models.ParseEventRef(ref)
		if err != nil || k != kind {
			continue
		}
		attrs, err := l.store.Get(ctx, ns, id)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ev, err := decodeEvent(kind, id, attrs)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	switch {
	case sortDesc:
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].Timestamp.After(events[j].Timestamp)
		})
	case kind == models.MetricNetwork:
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].Timestamp.Before(events[j].Timestamp)
		})
	}

	return events, nil
}

// Len returns the number of entries in the job's log
func (l *EventLog) Len(ctx context.Context, jobID string) (int, error) {
	return l.store.ListLen(ctx, eventsList(jobID))
}

// Contains reports whether a metric event record exists in the store
func (l *EventLog) Contains(ctx context.Context, kind models.MetricKind, id string) (bool, error) {
	ns, err := metricNamespace(kind)
	if err != nil {
		return false, err
	}
	_, err = l.store.Get(ctx, ns, id)
	if errors.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func metricNamespace(kind models.MetricKind) (Namespace, error) {
	switch kind {
	case models.MetricMemory:
		return NamespaceMemory, nil
	case models.MetricCPU:
		return NamespaceCPU, nil
	case models.MetricNetwork:
		return NamespaceNetwork, nil
	}
	return "", errors.InvalidState("metric", fmt.Sprintf("unknown metric type %q", kind))
}

func encodeEvent(ev *models.MetricEvent) Attributes {
	attrs := Attributes{
		attrIdentifier: ev.ID,
		attrJobID:      ev.JobID,
		attrStationID:  ev.StationID,
		attrTimestamp:  formatTime(ev.Timestamp),
	}
	if ev.Kind == models.MetricNetwork {
		attrs[attrRxBytes] = strconv.FormatFloat(ev.RxBytes, 'g', -1, 64)
		attrs[attrTxBytes] = strconv.FormatFloat(ev.TxBytes, 'g', -1, 64)
	} else {
		attrs[attrValue] = ev.Value
	}
	return attrs
}

func decodeEvent(kind models.MetricKind, id string, attrs Attributes) (*models.MetricEvent, error) {
	ts, err := parseTime(attrs[attrTimestamp])
	if err != nil {
		return nil, errors.Internal("metric", fmt.Sprintf("%s metric (%s) has a corrupt timestamp", kind, id), err)
	}

	ev := &models.MetricEvent{
		ID:        id,
		Kind:      kind,
		JobID:     attrs[attrJobID],
		StationID: attrs[attrStationID],
		Timestamp: ts,
		Value:     attrs[attrValue],
	}
	if kind == models.MetricNetwork {
		if ev.RxBytes, err = strconv.ParseFloat(attrs[attrRxBytes], 64); err != nil {
			return nil, errors.Internal("metric", fmt.Sprintf("network metric (%s) has corrupt rxBytes", id), err)
		}
		if ev.TxBytes, err = strconv.ParseFloat(attrs[attrTxBytes], 64); err != nil {
			return nil, errors.Internal("metric", fmt.Sprintf("network metric (%s) has corrupt txBytes", id), err)
		}
	}
	return ev, nil
}
