package jobstore

import (
	"sort"
	"sync"
	"time"
)

// Memory is a map-backed store used in tests and short-lived tooling.
type Memory struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	events  map[string][]Event
	eventID int64
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[string]*Job),
		events: make(map[string][]Event),
	}
}

func (m *Memory) AddJob(job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if job.Status == "" {
		job.Status = StatusNew
	}
	if job.ReceivedTimestamp == "" {
		job.ReceivedTimestamp = time.Now().Format(time.ANSIC)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	stored := job
	m.jobs[job.UUID] = &stored
	return nil
}

func (m *Memory) UpdateJob(uuid string, upd JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	job, ok := m.jobs[uuid]
	if !ok {
		return ErrNotFound
	}
	applyUpdate(job, upd)
	return nil
}

func (m *Memory) GetJob(uuid string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[uuid]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *job, nil
}

func (m *Memory) FetchJobs(statuses []string, limit int) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var jobs []Job
	for _, job := range m.jobs {
		if want[job.Status] {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *Memory) DeleteJob(uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, uuid)
	delete(m.events, uuid) // cascade
	return nil
}

func (m *Memory) AddEvent(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.eventID++
	ev.ID = m.eventID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.events[ev.JobUUID] = append(m.events[ev.JobUUID], ev)
	return nil
}

func (m *Memory) GetEvents(jobUUID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]Event, len(m.events[jobUUID]))
	copy(events, m.events[jobUUID])
	return events, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
