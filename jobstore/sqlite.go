package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the default job store: one database file per client or worker,
// WAL journal with relaxed fsync for throughput, a process-wide write lock
// because only one writer is safe, lock-free reads.
type SQLite struct {
	db    *sql.DB
	codec Codec
	mu    sync.Mutex // serialises writes
}

// OpenSQLite opens or creates the job database at path. When compress is
// false blobs are stored as plain JSON.
func OpenSQLite(path string, compress bool) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}

	var codec Codec = CompressCodec{}
	if !compress {
		codec = PlainCodec{}
	}
	s := &SQLite{db: db, codec: codec}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		uuid TEXT PRIMARY KEY,
		service TEXT NOT NULL,
		task TEXT NOT NULL,
		args TEXT,
		kwargs TEXT,
		timeout INTEGER,
		retry INTEGER DEFAULT 0,
		status TEXT DEFAULT 'NEW',
		workers_requested TEXT,
		workers_dispatched TEXT,
		workers_started TEXT,
		workers_completed TEXT,
		result_data TEXT,
		errors TEXT,
		received_timestamp TEXT NOT NULL,
		started_timestamp TEXT,
		completed_timestamp TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_uuid TEXT NOT NULL,
		message TEXT NOT NULL,
		severity TEXT DEFAULT 'INFO',
		task TEXT,
		event_data TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (job_uuid) REFERENCES jobs(uuid) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_service ON jobs(service);
	CREATE INDEX IF NOT EXISTS idx_events_job_uuid ON events(job_uuid);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLite) AddJob(job Job) error {
	args, err := s.codec.Encode(map[string]any{"args": orEmptyArgs(job.Args)})
	if err != nil {
		return err
	}
	kwargs, err := s.codec.Encode(map[string]any{"kwargs": orEmptyKwargs(job.Kwargs)})
	if err != nil {
		return err
	}
	received := job.ReceivedTimestamp
	if received == "" {
		received = time.Now().Format(time.ANSIC)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO jobs (uuid, service, task, args, kwargs, timeout,
		                   retry, status, workers_requested, received_timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.UUID, job.Service, job.Task, args, kwargs, job.Timeout,
		job.Retry, orStatus(job.Status), job.WorkersRequested, received,
	)
	if err != nil {
		return fmt.Errorf("sqlite add job %s: %w", job.UUID, err)
	}
	return nil
}

func (s *SQLite) UpdateJob(uuid string, upd JobUpdate) error {
	fields := []string{}
	values := []any{}

	if upd.Status != "" {
		fields = append(fields, "status = ?")
		values = append(values, upd.Status)
	}
	for _, set := range []struct {
		column string
		value  []string
	}{
		{"workers_dispatched", upd.WorkersDispatched},
		{"workers_started", upd.WorkersStarted},
		{"workers_completed", upd.WorkersCompleted},
	} {
		if set.value != nil {
			fields = append(fields, set.column+" = ?")
			values = append(values, marshalSet(set.value))
		}
	}
	if upd.ResultData != nil {
		blob, err := s.codec.Encode(upd.ResultData)
		if err != nil {
			return err
		}
		fields = append(fields, "result_data = ?")
		values = append(values, blob)
	}
	if upd.Errors != nil {
		data, _ := json.Marshal(upd.Errors)
		fields = append(fields, "errors = ?")
		values = append(values, string(data))
	}
	if upd.StartedTS != "" {
		fields = append(fields, "started_timestamp = ?")
		values = append(values, upd.StartedTS)
	}
	if upd.CompletedTS != "" {
		fields = append(fields, "completed_timestamp = ?")
		values = append(values, upd.CompletedTS)
	}
	if upd.Retry != nil {
		fields = append(fields, "retry = ?")
		values = append(values, *upd.Retry)
	}
	if len(fields) == 0 {
		return nil
	}
	values = append(values, uuid)

	s.mu.Lock()
	defer s.mu.Unlock()
	// terminal statuses are sticky
	_, err := s.db.Exec(
		fmt.Sprintf(
			"UPDATE jobs SET %s WHERE uuid = ? AND status NOT IN ('COMPLETED', 'FAILED')",
			strings.Join(fields, ", "),
		),
		values...,
	)
	if err != nil {
		return fmt.Errorf("sqlite update job %s: %w", uuid, err)
	}
	return nil
}

const jobColumns = `uuid, service, task, args, kwargs, timeout, retry, status,
	workers_requested, workers_dispatched, workers_started, workers_completed,
	result_data, errors, received_timestamp,
	COALESCE(started_timestamp, ''), COALESCE(completed_timestamp, ''), created_at`

func (s *SQLite) GetJob(uuid string) (Job, error) {
	row := s.db.QueryRow("SELECT "+jobColumns+" FROM jobs WHERE uuid = ?", uuid)
	job, err := s.scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return job, err
}

func (s *SQLite) FetchJobs(statuses []string, limit int) ([]Job, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	values := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		values = append(values, st)
	}
	values = append(values, limit)

	rows, err := s.db.Query(
		"SELECT "+jobColumns+" FROM jobs WHERE status IN ("+placeholders+
			") ORDER BY created_at ASC LIMIT ?",
		values...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite fetch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) scanJob(row scanner) (Job, error) {
	var job Job
	var args, kwargs, requested, dispatched, started, completed sql.NullString
	var resultData, errorsCol sql.NullString
	err := row.Scan(
		&job.UUID, &job.Service, &job.Task, &args, &kwargs, &job.Timeout,
		&job.Retry, &job.Status, &requested, &dispatched, &started, &completed,
		&resultData, &errorsCol, &job.ReceivedTimestamp,
		&job.StartedTimestamp, &job.CompletedTimestamp, &job.CreatedAt,
	)
	if err != nil {
		return job, err
	}

	var argsWrap struct {
		Args []any `json:"args"`
	}
	if err := s.codec.Decode(args.String, &argsWrap); err != nil {
		return job, err
	}
	job.Args = orEmptyArgs(argsWrap.Args)

	var kwargsWrap struct {
		Kwargs map[string]any `json:"kwargs"`
	}
	if err := s.codec.Decode(kwargs.String, &kwargsWrap); err != nil {
		return job, err
	}
	job.Kwargs = orEmptyKwargs(kwargsWrap.Kwargs)

	job.WorkersRequested = requested.String
	job.WorkersDispatched = unmarshalSet(dispatched.String)
	job.WorkersStarted = unmarshalSet(started.String)
	job.WorkersCompleted = unmarshalSet(completed.String)

	if resultData.String != "" {
		if err := s.codec.Decode(resultData.String, &job.ResultData); err != nil {
			return job, err
		}
	}
	job.Errors = []string{}
	if errorsCol.String != "" {
		if err := json.Unmarshal([]byte(errorsCol.String), &job.Errors); err != nil {
			return job, fmt.Errorf("sqlite scan errors column: %w", err)
		}
	}
	return job, nil
}

func (s *SQLite) DeleteJob(uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM jobs WHERE uuid = ?", uuid)
	if err != nil {
		return fmt.Errorf("sqlite delete job %s: %w", uuid, err)
	}
	return nil
}

func (s *SQLite) AddEvent(ev Event) error {
	blob, err := s.codec.Encode(ev.Data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO events (job_uuid, message, severity, task, event_data)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.JobUUID, ev.Message, orSeverity(ev.Severity), ev.Task, blob,
	)
	if err != nil {
		return fmt.Errorf("sqlite add event for %s: %w", ev.JobUUID, err)
	}
	return nil
}

func (s *SQLite) GetEvents(jobUUID string) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, job_uuid, message, severity, COALESCE(task, ''), event_data, created_at
		 FROM events WHERE job_uuid = ? ORDER BY id ASC`,
		jobUUID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite get events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var blob sql.NullString
		if err := rows.Scan(&ev.ID, &ev.JobUUID, &ev.Message, &ev.Severity, &ev.Task, &blob, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if blob.String != "" {
			if err := s.codec.Decode(blob.String, &ev.Data); err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func orEmptyArgs(in []any) []any {
	if in == nil {
		return []any{}
	}
	return in
}

func orEmptyKwargs(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}

func orStatus(status string) string {
	if status == "" {
		return StatusNew
	}
	return status
}

func orSeverity(severity string) string {
	if severity == "" {
		return "INFO"
	}
	return severity
}
