package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/norfablabs/norfab/jobstore"
	"github.com/norfablabs/norfab/protocol"
)

const (
	// DefaultJobTimeout is the wall-clock budget of a job unless overridden.
	DefaultJobTimeout = 600 * time.Second

	runnerTick = 200 * time.Millisecond

	// postBatch and activeBatch bound how many jobs one runner tick touches.
	postBatch   = 5
	activeBatch = 10
)

// JobOption customises a submitted job.
type JobOption func(*jobstore.Job)

func WithArgs(args ...any) JobOption {
	return func(j *jobstore.Job) { j.Args = args }
}

func WithKwargs(kwargs map[string]any) JobOption {
	return func(j *jobstore.Job) { j.Kwargs = kwargs }
}

// WithTarget selects which workers run the job. The default is all.
func WithTarget(target protocol.Target) JobOption {
	return func(j *jobstore.Job) { j.WorkersRequested = target.String() }
}

// WithTimeout sets the job's wall-clock budget.
func WithTimeout(d time.Duration) JobOption {
	return func(j *jobstore.Job) { j.Timeout = time.Now().Add(d).Unix() }
}

// WithRetry sets how many dispatch retries the job gets before failing.
func WithRetry(n int) JobOption {
	return func(j *jobstore.Job) { j.Retry = n }
}

// Submit records a NEW job in the job database. The background runner
// picks it up, dispatches it and collects results.
func (c *Client) Submit(service, task string, opts ...JobOption) (string, error) {
	now := time.Now()
	job := jobstore.Job{
		UUID:              uuid.New().String(),
		Service:           service,
		Task:              task,
		WorkersRequested:  protocol.TargetAll().String(),
		Timeout:           now.Add(DefaultJobTimeout).Unix(),
		Retry:             c.retries,
		Status:            jobstore.StatusNew,
		ReceivedTimestamp: now.Format(protocol.TimestampFormat),
		CreatedAt:         now,
	}
	for _, opt := range opts {
		opt(&job)
	}
	if err := c.store.AddJob(job); err != nil {
		return "", fmt.Errorf("client: submit job: %w", err)
	}
	c.log.Debug().Str("juuid", job.UUID).Str("service", service).Str("task", task).Msg("job submitted")
	return job.UUID, nil
}

// RunJob submits a job and blocks until it reaches a terminal status or
// its deadline passes.
func (c *Client) RunJob(service, task string, opts ...JobOption) (jobstore.Job, error) {
	juuid, err := c.Submit(service, task, opts...)
	if err != nil {
		return jobstore.Job{}, err
	}
	return c.WaitJob(juuid)
}

// WaitJob polls the job database until the job is terminal.
func (c *Client) WaitJob(juuid string) (jobstore.Job, error) {
	for {
		job, err := c.store.GetJob(juuid)
		if err != nil {
			return jobstore.Job{}, err
		}
		if jobstore.IsTerminal(job.Status) {
			return job, nil
		}
		// grace beyond the deadline covers the runner's own timeout pass
		if time.Now().Unix() > job.Timeout+5 {
			return job, fmt.Errorf("client: job %s stuck past its deadline", juuid)
		}
		select {
		case <-time.After(runnerTick):
		case <-c.destroyed:
			return job, fmt.Errorf("client destroyed")
		}
	}
}

// jobTrack is the runner's in-flight view of one job.
type jobTrack struct {
	ch         chan protocol.ClientReply
	dispatched []string
	acked      map[string]bool
	started    map[string]bool
	completed  map[string]bool
	results    map[string]any
	errors     []string
}

type runner struct {
	c      *Client
	tracks map[string]*jobTrack
}

func newRunner(c *Client) *runner {
	return &runner{c: c, tracks: make(map[string]*jobTrack)}
}

func (r *runner) run() {
	defer r.c.wg.Done()
	ticker := time.NewTicker(runnerTick)
	defer ticker.Stop()
	for {
		select {
		case <-r.c.destroyed:
			return
		case <-ticker.C:
			r.postNew()
			r.pollActive()
		}
	}
}

func (r *runner) track(juuid string) *jobTrack {
	t, ok := r.tracks[juuid]
	if !ok {
		t = &jobTrack{
			ch:        r.c.subscribe(juuid),
			acked:     make(map[string]bool),
			started:   make(map[string]bool),
			completed: make(map[string]bool),
			results:   make(map[string]any),
		}
		r.tracks[juuid] = t
	}
	return t
}

func (r *runner) drop(juuid string) {
	if _, ok := r.tracks[juuid]; ok {
		r.c.unsubscribe(juuid)
		delete(r.tracks, juuid)
	}
}

// postNew dispatches a batch of NEW jobs. A job whose broker
// acknowledgement never arrives burns one retry and stays NEW, failing
// once retries run out.
func (r *runner) postNew() {
	jobs, err := r.c.store.FetchJobs([]string{jobstore.StatusNew}, postBatch)
	if err != nil {
		r.c.log.Error().Err(err).Msg("fetch new jobs")
		return
	}
	for _, job := range jobs {
		r.postJob(job)
	}
}

func (r *runner) postJob(job jobstore.Job) {
	// an already-expired job fails without putting a frame on the wire
	if time.Now().Unix() > job.Timeout {
		r.failJob(job.UUID, "408 job timed out before dispatch")
		return
	}

	t := r.track(job.UUID)

	target, err := protocol.ParseTarget([]byte(job.WorkersRequested))
	if err != nil {
		r.failJob(job.UUID, "invalid workers target: "+err.Error())
		return
	}
	req := protocol.Request{Task: job.Task, Args: job.Args, Kwargs: job.Kwargs}
	if err := r.c.sendPost(job.Service, target, job.UUID, req); err != nil {
		r.c.log.Error().Err(err).Str("juuid", job.UUID).Msg("post failed")
		return
	}

	deadline := time.Now().Add(r.c.replyWait)
	if until := time.Unix(job.Timeout, 0); until.Before(deadline) {
		deadline = until
	}

	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		select {
		case reply := <-t.ch:
			done, failed := r.applyReply(t, reply)
			if failed != "" {
				r.failJob(job.UUID, failed)
				return
			}
			if done {
				upd := jobstore.JobUpdate{
					Status:            jobstore.StatusDispatched,
					WorkersDispatched: t.dispatched,
					StartedTS:         time.Now().Format(protocol.TimestampFormat),
				}
				if err := r.c.store.UpdateJob(job.UUID, upd); err != nil {
					r.c.log.Error().Err(err).Str("juuid", job.UUID).Msg("record dispatch")
				}
				return
			}
		case <-time.After(remaining):
		case <-r.c.destroyed:
			return
		}
	}

	// no broker acknowledgement: burn a retry and reconnect
	if job.Retry > 1 {
		retry := job.Retry - 1
		if err := r.c.store.UpdateJob(job.UUID, jobstore.JobUpdate{Retry: &retry}); err != nil {
			r.c.log.Error().Err(err).Str("juuid", job.UUID).Msg("record retry")
		}
		r.c.reconnect()
		return
	}
	r.failJob(job.UUID, "408 no broker acknowledgement")
}

// pollActive sends a GET round for a batch of in-flight jobs and applies
// whatever replies arrive within the round's window.
func (r *runner) pollActive() {
	jobs, err := r.c.store.FetchJobs(
		[]string{jobstore.StatusDispatched, jobstore.StatusSubmitted, jobstore.StatusStarted},
		activeBatch)
	if err != nil {
		r.c.log.Error().Err(err).Msg("fetch active jobs")
		return
	}
	for _, job := range jobs {
		r.pollJob(job)
	}
}

func (r *runner) pollJob(job jobstore.Job) {
	now := time.Now()
	if now.Unix() > job.Timeout {
		r.failJob(job.UUID, "408 job timed out")
		return
	}

	t := r.track(job.UUID)
	if len(t.dispatched) == 0 {
		t.dispatched = job.WorkersDispatched
		for _, name := range job.WorkersCompleted {
			t.completed[name] = true
		}
		for k, v := range job.ResultData {
			t.results[k] = v
		}
	}

	pending := t.pending()
	if len(pending) == 0 {
		r.completeJob(job.UUID, t)
		return
	}

	if err := r.c.sendGet(job.Service, protocol.TargetNames(pending...), job.UUID,
		protocol.Request{Task: job.Task}); err != nil {
		r.c.log.Error().Err(err).Str("juuid", job.UUID).Msg("get failed")
		return
	}

	remaining := time.Until(time.Unix(job.Timeout, 0))
	retries := job.Retry
	if retries < 1 {
		retries = 1
	}
	window := remaining / time.Duration(retries)
	if window < time.Second {
		window = time.Second
	}
	windowEnd := now.Add(window)

	for time.Now().Before(windowEnd) && len(t.pending()) > 0 {
		select {
		case reply := <-t.ch:
			if _, failed := r.applyReply(t, reply); failed != "" {
				r.failJob(job.UUID, failed)
				return
			}
		case <-time.After(time.Until(windowEnd)):
		case <-r.c.destroyed:
			return
		}
	}

	r.settleRound(job, t)
}

// settleRound closes out one GET round: completed jobs go terminal, a round
// that still has pending workers spends one retry, and an exhausted retry
// budget fails the job.
func (r *runner) settleRound(job jobstore.Job, t *jobTrack) {
	if len(t.pending()) == 0 {
		r.completeJob(job.UUID, t)
		return
	}

	retry := job.Retry - 1
	if retry <= 0 {
		r.failJob(job.UUID, "408 job retries exhausted")
		return
	}

	status := jobstore.StatusDispatched
	if len(t.started) > 0 || len(t.completed) > 0 {
		status = jobstore.StatusStarted
	}
	upd := jobstore.JobUpdate{
		Status:           status,
		WorkersStarted:   keys(t.started),
		WorkersCompleted: keys(t.completed),
		ResultData:       t.results,
		Errors:           t.errors,
		Retry:            &retry,
	}
	if err := r.c.store.UpdateJob(job.UUID, upd); err != nil {
		r.c.log.Error().Err(err).Str("juuid", job.UUID).Msg("record progress")
	}
}

// applyReply folds one broker or worker reply into the track. It returns
// whether the broker acknowledged the dispatch, and a non-empty failure
// reason when the job cannot proceed.
func (r *runner) applyReply(t *jobTrack, reply protocol.ClientReply) (brokerAck bool, failure string) {
	switch reply.Status {
	case protocol.StatusAccepted:
		var body map[string]any
		if err := json.Unmarshal(reply.Payload, &body); err != nil {
			return false, ""
		}
		if names, ok := body["workers"].([]any); ok {
			seen := make(map[string]bool, len(t.dispatched))
			for _, name := range t.dispatched {
				seen[name] = true
			}
			for _, n := range names {
				if s, ok := n.(string); ok && !seen[s] {
					seen[s] = true
					t.dispatched = append(t.dispatched, s)
				}
			}
			return true, ""
		}
		if name, ok := body["worker"].(string); ok {
			t.acked[name] = true
		}
		return false, ""

	case protocol.StatusPending:
		// the replying worker holds the job but has not finished it
		var body map[string]any
		if err := json.Unmarshal(reply.Payload, &body); err != nil {
			return false, ""
		}
		if name, ok := body["worker"].(string); ok && !t.completed[name] {
			t.started[name] = true
		}
		return false, ""

	case protocol.StatusOK:
		var results map[string]any
		if err := json.Unmarshal(reply.Payload, &results); err != nil {
			return false, ""
		}
		for name, envelope := range results {
			t.results[name] = envelope
			t.completed[name] = true
			t.started[name] = true
			if env, ok := envelope.(map[string]any); ok {
				if failed, _ := env["failed"].(bool); failed {
					if errs, ok := env["errors"].([]any); ok {
						for _, e := range errs {
							t.errors = append(t.errors, fmt.Sprintf("%s: %v", name, e))
						}
					} else {
						t.errors = append(t.errors, name+": task failed")
					}
				}
			}
		}
		return false, ""

	case protocol.StatusNotFound, protocol.StatusBadRequest:
		return false, fmt.Sprintf("%s: %s", reply.Status.String(), reply.Payload)

	case protocol.StatusInternal:
		t.errors = append(t.errors, fmt.Sprintf("500: %s", reply.Payload))
		return false, ""
	}
	return false, ""
}

func (t *jobTrack) pending() []string {
	var out []string
	for _, name := range t.dispatched {
		if !t.completed[name] {
			out = append(out, name)
		}
	}
	return out
}

func (r *runner) completeJob(juuid string, t *jobTrack) {
	upd := jobstore.JobUpdate{
		Status:           jobstore.StatusCompleted,
		WorkersStarted:   keys(t.started),
		WorkersCompleted: keys(t.completed),
		ResultData:       t.results,
		Errors:           t.errors,
		CompletedTS:      time.Now().Format(protocol.TimestampFormat),
	}
	if err := r.c.store.UpdateJob(juuid, upd); err != nil {
		r.c.log.Error().Err(err).Str("juuid", juuid).Msg("record completion")
	}
	r.c.log.Debug().Str("juuid", juuid).Msg("job completed")
	r.drop(juuid)
}

func (r *runner) failJob(juuid string, reason string) {
	t := r.tracks[juuid]
	upd := jobstore.JobUpdate{
		Status:      jobstore.StatusFailed,
		Errors:      []string{reason},
		CompletedTS: time.Now().Format(protocol.TimestampFormat),
	}
	if t != nil {
		upd.Errors = append(t.errors, reason)
		upd.WorkersStarted = keys(t.started)
		upd.WorkersCompleted = keys(t.completed)
		upd.ResultData = t.results
	}
	if err := r.c.store.UpdateJob(juuid, upd); err != nil {
		r.c.log.Error().Err(err).Str("juuid", juuid).Msg("record failure")
	}
	r.c.log.Warn().Str("juuid", juuid).Str("reason", reason).Msg("job failed")
	r.drop(juuid)
}

// Cancel asks the workers holding a job to drop it and marks the job
// failed locally. Terminal jobs are left alone.
func (c *Client) Cancel(juuid string) error {
	job, err := c.store.GetJob(juuid)
	if err != nil {
		return err
	}
	if jobstore.IsTerminal(job.Status) {
		return nil
	}
	target := protocol.TargetAll()
	if len(job.WorkersDispatched) > 0 {
		target = protocol.TargetNames(job.WorkersDispatched...)
	}
	if err := c.sendDelete(job.Service, target, juuid); err != nil {
		return err
	}
	return c.store.UpdateJob(juuid, jobstore.JobUpdate{
		Status:      jobstore.StatusFailed,
		Errors:      []string{"cancelled by client"},
		CompletedTS: time.Now().Format(protocol.TimestampFormat),
	})
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}
