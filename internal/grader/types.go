// Package grader runs the tests of an assignment against student
// submissions on a bounded pool of workers.
package grader

import (
	"context"
	"time"
)

// Outcome classifies a finished run.
type Outcome string

const (
	Passed         Outcome = "passed"
	Failed         Outcome = "failed"
	TimedOut       Outcome = "timed-out"
	ExceededMemory Outcome = "exceeded-memory"
	Crashed        Outcome = "crashed"
	// SetupFailed means the submission could not be checked out, built or
	// prepared. It is kept apart from Failed so feedback can tell "does not
	// build" from "wrong answer".
	SetupFailed Outcome = "setup-failed"
)

// Submission is one unit of student work queued for testing.
type Submission struct {
	ID         string
	Student    string
	Faculty    string
	Class      string
	Assignment string
	// AssignmentID is the store key of the assignment, if known.
	AssignmentID string
	// AssignmentDir holds the assignment's tests/ directory.
	AssignmentDir string
	RepoPath      string
	Commit        string
	EnqueuedAt    time.Time
}

// Result is the outcome of testing a Submission.
type Result struct {
	Submission Submission
	Outcome    Outcome
	Passed     bool
	// Output is the combined stdout and stderr of the run, or the reason
	// the run could not happen.
	Output   string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Reporter receives every result exactly once.
type Reporter interface {
	Report(ctx context.Context, res Result)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, res Result)

func (f ReporterFunc) Report(ctx context.Context, res Result) { f(ctx, res) }

// Checkout materializes commit of repo into dest.
type Checkout func(ctx context.Context, repo, commit, dest string) error
