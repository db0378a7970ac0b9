package queue

import (
	"errors"
	"time"
)

type Status string

const (
	StatusQueued       Status = "queued"
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusLaunchFailed Status = "launch_failed"
	StatusTimedOut     Status = "timed_out"
)

// Terminal reports whether s is a job's final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusLaunchFailed, StatusTimedOut:
		return true
	}
	return false
}

// Job is one dispatch unit: a single input file paired with its output path.
type Job struct {
	ID          string
	RunID       string
	InputPath   string
	OutputPath  string
	Status      Status
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExitCode    *int
	LastError   *string
	Stderr      *string
}

// EnqueueRequest describes a job to be added to a run.
type EnqueueRequest struct {
	RunID      string
	InputPath  string
	OutputPath string
}

// Completion carries the terminal outcome of a job.
type Completion struct {
	Status    Status
	ExitCode  *int
	LastError *string
	Stderr    *string
}

// RunSummary is a per-status breakdown of one run's jobs.
type RunSummary struct {
	RunID     string
	Total     int
	ByStatus  map[Status]int
	CreatedAt time.Time
}

var (
	ErrJobNotFound = errors.New("job not found")
	ErrRunNotFound = errors.New("run not found")
)
