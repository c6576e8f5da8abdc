package models

import (
	"time"

	"pht-monitor/core/errors"
)

// Job is one tracked execution of a train across its planned stations
type Job struct {
	ID             string
	Creator        string
	Description    string
	TrainID        string
	PlannedRoute   []string // Station IDs in visiting order, never empty
	CurrentStation string
	State          JobState
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Events         []string // Event log in append order, as EventRef strings
}

// OnRoute reports whether stationID is part of the job's planned route
func (j *Job) OnRoute(stationID string) bool {
	for _, s := range j.PlannedRoute {
		if s == stationID {
			return true
		}
	}
	return false
}

// JobState represents the current state of a job
type JobState string

const (
	JobStateWaiting      JobState = "waiting"
	JobStateIdle         JobState = "idle"
	JobStateRunning      JobState = "running"
	JobStateTransmission JobState = "transmission"
	JobStateFinished     JobState = "finished"
	JobStateFailed       JobState = "failed"
	JobStateCancelled    JobState = "cancelled"
)

// JobStates lists every valid state
var JobStates = []JobState{
	JobStateWaiting,
	JobStateIdle,
	JobStateRunning,
	JobStateTransmission,
	JobStateFinished,
	JobStateFailed,
	JobStateCancelled,
}

// ParseJobState validates s as a job state name
func ParseJobState(s string) (JobState, error) {
	for _, st := range JobStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", errors.InvalidState("job", "unknown job state "+quote(s))
}

// TransitionPolicy decides whether a job may move from one state to another
type TransitionPolicy interface {
	Allow(from, to JobState) bool
}

type permissiveTransitions struct{}

func (permissiveTransitions) Allow(_, _ JobState) bool { return true }

// PermissiveTransitions accepts every transition, including out of terminal states
var PermissiveTransitions TransitionPolicy = permissiveTransitions{}

// TransitionTable lists the allowed target states per source state.
// Re-setting the current state is always allowed.
type TransitionTable map[JobState][]JobState

func (t TransitionTable) Allow(from, to JobState) bool {
	if from == to {
		return true
	}
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StrictTransitions treats finished, failed and cancelled as terminal
var StrictTransitions = TransitionTable{
	JobStateWaiting:      {JobStateIdle, JobStateRunning, JobStateTransmission, JobStateFailed, JobStateCancelled},
	JobStateIdle:         {JobStateWaiting, JobStateRunning, JobStateTransmission, JobStateFailed, JobStateCancelled},
	JobStateRunning:      {JobStateIdle, JobStateTransmission, JobStateFinished, JobStateFailed, JobStateCancelled},
	JobStateTransmission: {JobStateWaiting, JobStateIdle, JobStateRunning, JobStateFinished, JobStateFailed, JobStateCancelled},
}

func quote(s string) string {
	return "\"" + s + "\""
}
