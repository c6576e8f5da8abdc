package models

import (
	"strings"
	"time"

	"pht-monitor/core/errors"
)

// MetricKind is the type of a resource usage sample
type MetricKind string

const (
	MetricMemory  MetricKind = "memory"
	MetricCPU     MetricKind = "cpu"
	MetricNetwork MetricKind = "network"
)

// MetricKinds lists every valid metric kind
var MetricKinds = []MetricKind{MetricMemory, MetricCPU, MetricNetwork}

// ParseMetricKind validates s as a metric kind name
func ParseMetricKind(s string) (MetricKind, error) {
	for _, k := range MetricKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", errors.InvalidState("metric", "unknown metric type "+quote(s))
}

// MetricEvent is one recorded resource usage sample tied to a job and station.
// Memory and CPU samples carry Value; network samples carry RxBytes and TxBytes.
type MetricEvent struct {
	ID        string
	Kind      MetricKind
	JobID     string
	StationID string
	Timestamp time.Time
	Value     string
	RxBytes   float64
	TxBytes   float64
}

// Ref returns the namespaced identifier stored in a job's event log
func (e *MetricEvent) Ref() string {
	return EventRef(e.Kind, e.ID)
}

// EventRef builds the "<kind>:<id>" form of a metric event identifier
func EventRef(kind MetricKind, id string) string {
	return string(kind) + ":" + id
}

// ParseEventRef splits an event log entry into its kind and id
func ParseEventRef(ref string) (MetricKind, string, error) {
	kind, id, ok := strings.Cut(ref, ":")
	if !ok || id == "" {
		return "", "", errors.InvalidArgument("metric", "malformed event reference "+quote(ref))
	}
	k, err := ParseMetricKind(kind)
	if err != nil {
		return "", "", err
	}
	return k, id, nil
}
