// Package jobstore implements the durable job and event log shared by the
// client and worker sides. Stores are pluggable, the sqlite driver is the
// default and defines the on-disk schema.
package jobstore

import (
	"errors"
	"time"
)

// Job statuses. NEW/DISPATCHED/STARTED/COMPLETED/FAILED drive the client
// runner state machine, PENDING is used by the worker-side job log for jobs
// acknowledged but not yet finished. SUBMITTED is accepted for backwards
// compatibility with older databases.
const (
	StatusNew        = "NEW"
	StatusDispatched = "DISPATCHED"
	StatusSubmitted  = "SUBMITTED"
	StatusStarted    = "STARTED"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusPending    = "PENDING"
)

// IsTerminal reports whether a job in this status will never change again.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

var (
	ErrNotFound = errors.New("jobstore: job not found")
	ErrClosed   = errors.New("jobstore: store closed")
)

// nowFunc is swappable in tests.
var nowFunc = time.Now

const ansic = time.ANSIC

// Job mirrors the jobs table of the client database.
type Job struct {
	UUID             string
	Service          string
	Task             string
	Args             []any
	Kwargs           map[string]any
	WorkersRequested string // "all", "any" or a JSON array of names
	Timeout          int64  // deadline, wall-clock epoch seconds
	Retry            int
	Status           string

	WorkersDispatched []string
	WorkersStarted    []string
	WorkersCompleted  []string

	ResultData map[string]any
	Errors     []string

	ReceivedTimestamp  string
	StartedTimestamp   string
	CompletedTimestamp string
	CreatedAt          time.Time
}

// Event mirrors the events table. Events cascade on job deletion.
type Event struct {
	ID        int64
	JobUUID   string
	Message   string
	Severity  string
	Task      string
	Data      map[string]any
	CreatedAt time.Time
}

// JobUpdate describes a partial update, nil fields are left untouched.
type JobUpdate struct {
	Status            string // empty means no change
	WorkersDispatched []string
	WorkersStarted    []string
	WorkersCompleted  []string
	ResultData        map[string]any
	Errors            []string
	StartedTS         string
	CompletedTS       string
	Retry             *int
}

// Store is the durable job log. Terminal statuses are sticky: updates to a
// COMPLETED or FAILED job are silently ignored by every driver.
type Store interface {
	AddJob(job Job) error
	UpdateJob(uuid string, upd JobUpdate) error
	GetJob(uuid string) (Job, error)
	FetchJobs(statuses []string, limit int) ([]Job, error)
	DeleteJob(uuid string) error
	AddEvent(ev Event) error
	GetEvents(jobUUID string) ([]Event, error)
	Close() error
}

// applyUpdate merges an update into a job record in memory. Drivers without
// column-level updates (leveldb, redis, memory) share it.
func applyUpdate(job *Job, upd JobUpdate) {
	if IsTerminal(job.Status) {
		return
	}
	if upd.Status != "" {
		job.Status = upd.Status
	}
	if upd.WorkersDispatched != nil {
		job.WorkersDispatched = sortedCopy(upd.WorkersDispatched)
	}
	if upd.WorkersStarted != nil {
		job.WorkersStarted = sortedCopy(upd.WorkersStarted)
	}
	if upd.WorkersCompleted != nil {
		job.WorkersCompleted = sortedCopy(upd.WorkersCompleted)
	}
	if upd.ResultData != nil {
		job.ResultData = upd.ResultData
	}
	if upd.Errors != nil {
		job.Errors = upd.Errors
	}
	if upd.StartedTS != "" {
		job.StartedTimestamp = upd.StartedTS
	}
	if upd.CompletedTS != "" {
		job.CompletedTimestamp = upd.CompletedTS
	}
	if upd.Retry != nil {
		job.Retry = *upd.Retry
	}
}
