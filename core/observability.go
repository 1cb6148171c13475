package core

import "time"

// RunRecord captures one finished RunCancellable call.
type RunRecord struct {
	RunID      string
	Name       string
	RunnerName string
	Outcome    OutcomeKind
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Polls      int
	Error      string
}

// RunnerStats represents runtime observability state for a CancellableRunner.
type RunnerStats struct {
	Name         string
	Type         string
	InFlight     int
	Completed    int64
	Cancelled    int64
	Failed       int64
	PollInterval time.Duration
	LastRunName  string
	LastRunAt    time.Time
}

// PoolStats represents runtime observability state for a thread pool.
type PoolStats struct {
	ID      string
	Workers int
	Queued  int
	Active  int
	Running bool
}
