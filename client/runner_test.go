package client

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norfablabs/norfab/jobstore"
	"github.com/norfablabs/norfab/protocol"
)

// newOfflineClient builds a client with no socket: runner bookkeeping and
// store interactions are testable without a broker.
func newOfflineClient(t *testing.T) *Client {
	t.Helper()
	c := &Client{
		name:         "client-1",
		retries:      3,
		replyWait:    100 * time.Millisecond,
		log:          zerolog.Nop(),
		store:        jobstore.NewMemory(),
		subs:         make(map[string]chan protocol.ClientReply),
		events:       make(chan protocol.Event, eventQueueSize),
		detailsCache: lru.New(8),
		destroyed:    make(chan struct{}),
	}
	t.Cleanup(func() { c.store.Close() })
	return c
}

func reply(status protocol.Status, body any) protocol.ClientReply {
	payload, _ := json.Marshal(body)
	return protocol.ClientReply{
		Command: protocol.RESPONSE,
		UUID:    []byte("u1"),
		Status:  status,
		Payload: payload,
	}
}

func TestSubmitDefaults(t *testing.T) {
	c := newOfflineClient(t)

	juuid, err := c.Submit("netsvc", "echo", WithArgs("a"), WithKwargs(map[string]any{"k": "v"}))
	require.NoError(t, err)

	job, err := c.store.GetJob(juuid)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusNew, job.Status)
	assert.Equal(t, "netsvc", job.Service)
	assert.Equal(t, "echo", job.Task)
	assert.Equal(t, "all", job.WorkersRequested)
	assert.Equal(t, 3, job.Retry)
	assert.Greater(t, job.Timeout, time.Now().Unix())
}

func TestSubmitOptions(t *testing.T) {
	c := newOfflineClient(t)

	juuid, err := c.Submit("netsvc", "echo",
		WithTarget(protocol.TargetNames("w1", "w2")),
		WithTimeout(30*time.Second),
		WithRetry(1))
	require.NoError(t, err)

	job, err := c.store.GetJob(juuid)
	require.NoError(t, err)
	assert.Equal(t, `["w1","w2"]`, job.WorkersRequested)
	assert.Equal(t, 1, job.Retry)
	assert.LessOrEqual(t, job.Timeout, time.Now().Add(31*time.Second).Unix())
}

func TestApplyReplyBrokerAck(t *testing.T) {
	c := newOfflineClient(t)
	r := newRunner(c)
	track := r.track("u1")

	ack, failure := r.applyReply(track, reply(protocol.StatusAccepted,
		map[string]any{"workers": []string{"w1", "w2"}}))
	assert.True(t, ack)
	assert.Empty(t, failure)
	assert.Equal(t, []string{"w1", "w2"}, track.dispatched)
}

func TestApplyReplyWorkerAck(t *testing.T) {
	c := newOfflineClient(t)
	r := newRunner(c)
	track := r.track("u1")

	ack, failure := r.applyReply(track, reply(protocol.StatusAccepted,
		map[string]any{"worker": "w1"}))
	assert.False(t, ack)
	assert.Empty(t, failure)
	assert.True(t, track.acked["w1"])
}

func TestApplyReplyCompleted(t *testing.T) {
	c := newOfflineClient(t)
	r := newRunner(c)
	track := r.track("u1")
	track.dispatched = []string{"w1", "w2"}

	_, failure := r.applyReply(track, reply(protocol.StatusOK, map[string]any{
		"w1": map[string]any{"failed": false, "result": "ok"},
	}))
	assert.Empty(t, failure)
	assert.True(t, track.completed["w1"])
	assert.False(t, track.completed["w2"])
	assert.Equal(t, []string{"w2"}, track.pending())
	assert.Empty(t, track.errors)
}

func TestApplyReplyFailedEnvelope(t *testing.T) {
	c := newOfflineClient(t)
	r := newRunner(c)
	track := r.track("u1")
	track.dispatched = []string{"w1"}

	_, failure := r.applyReply(track, reply(protocol.StatusOK, map[string]any{
		"w1": map[string]any{"failed": true, "errors": []string{"boom"}},
	}))
	assert.Empty(t, failure)
	assert.True(t, track.completed["w1"])
	require.Len(t, track.errors, 1)
	assert.Contains(t, track.errors[0], "boom")
}

func TestApplyReplyPendingMarksStarted(t *testing.T) {
	c := newOfflineClient(t)
	r := newRunner(c)
	track := r.track("u1")
	track.dispatched = []string{"w1", "w2"}

	_, failure := r.applyReply(track, reply(protocol.StatusPending,
		map[string]string{"worker": "w1"}))
	assert.Empty(t, failure)
	assert.True(t, track.started["w1"])
	assert.False(t, track.started["w2"])
}

func TestApplyReplyDispatchDedupe(t *testing.T) {
	c := newOfflineClient(t)
	r := newRunner(c)
	track := r.track("u1")

	// the broker acks GET rounds with the same dispatch list it acked POST with
	for i := 0; i < 3; i++ {
		ack, failure := r.applyReply(track, reply(protocol.StatusAccepted,
			map[string]any{"workers": []string{"w1", "w2"}}))
		assert.True(t, ack)
		assert.Empty(t, failure)
	}
	assert.Equal(t, []string{"w1", "w2"}, track.dispatched)
}

func TestApplyReplyNotFoundFailsJob(t *testing.T) {
	c := newOfflineClient(t)
	r := newRunner(c)
	track := r.track("u1")

	_, failure := r.applyReply(track, reply(protocol.StatusNotFound,
		map[string]string{"error": "no workers for service netsvc"}))
	assert.Contains(t, failure, "404")
}

func TestCompleteJob(t *testing.T) {
	c := newOfflineClient(t)
	r := newRunner(c)
	require.NoError(t, c.store.AddJob(jobstore.Job{
		UUID: "u1", Service: "netsvc", Task: "echo", Status: jobstore.StatusDispatched,
	}))
	track := r.track("u1")
	track.dispatched = []string{"w1"}
	track.completed["w1"] = true
	track.started["w1"] = true
	track.results["w1"] = map[string]any{"result": "ok"}

	r.completeJob("u1", track)

	job, err := c.store.GetJob("u1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCompleted, job.Status)
	assert.Equal(t, []string{"w1"}, job.WorkersCompleted)
	assert.NotEmpty(t, job.CompletedTimestamp)
	assert.Empty(t, r.tracks)
}

func TestPollJobTimesOut(t *testing.T) {
	c := newOfflineClient(t)
	r := newRunner(c)
	require.NoError(t, c.store.AddJob(jobstore.Job{
		UUID:    "u1",
		Service: "netsvc",
		Task:    "echo",
		Status:  jobstore.StatusDispatched,
		Timeout: time.Now().Add(-time.Minute).Unix(),
	}))

	r.pollJob(jobstore.Job{
		UUID:    "u1",
		Timeout: time.Now().Add(-time.Minute).Unix(),
		Status:  jobstore.StatusDispatched,
	})

	job, err := c.store.GetJob("u1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusFailed, job.Status)
	require.NotEmpty(t, job.Errors)
	assert.Contains(t, job.Errors[0], "408")
}

func TestPostJobExpiredBeforeDispatch(t *testing.T) {
	c := newOfflineClient(t)
	r := newRunner(c)
	require.NoError(t, c.store.AddJob(jobstore.Job{
		UUID:             "u1",
		Service:          "netsvc",
		Task:             "echo",
		WorkersRequested: "all",
		Status:           jobstore.StatusNew,
		Retry:            3,
		Timeout:          time.Now().Add(-time.Second).Unix(),
	}))

	// no socket: a send attempt would error out, the deadline check must win
	r.postJob(jobstore.Job{
		UUID:             "u1",
		Service:          "netsvc",
		Task:             "echo",
		WorkersRequested: "all",
		Retry:            3,
		Timeout:          time.Now().Add(-time.Second).Unix(),
	})

	job, err := c.store.GetJob("u1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusFailed, job.Status)
	require.NotEmpty(t, job.Errors)
	assert.Contains(t, job.Errors[0], "408")
}

func TestSettleRoundSpendsRetry(t *testing.T) {
	c := newOfflineClient(t)
	r := newRunner(c)
	require.NoError(t, c.store.AddJob(jobstore.Job{
		UUID: "u1", Service: "netsvc", Task: "echo",
		Status: jobstore.StatusDispatched, Retry: 3,
		Timeout: time.Now().Add(time.Minute).Unix(),
	}))
	track := r.track("u1")
	track.dispatched = []string{"w1", "w2"}
	_, failure := r.applyReply(track, reply(protocol.StatusPending,
		map[string]string{"worker": "w1"}))
	require.Empty(t, failure)

	r.settleRound(jobstore.Job{UUID: "u1", Retry: 3}, track)

	job, err := c.store.GetJob("u1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusStarted, job.Status)
	assert.Equal(t, 2, job.Retry)
	assert.Equal(t, []string{"w1"}, job.WorkersStarted)
}

func TestSettleRoundExhaustsRetries(t *testing.T) {
	c := newOfflineClient(t)
	r := newRunner(c)
	require.NoError(t, c.store.AddJob(jobstore.Job{
		UUID: "u1", Service: "netsvc", Task: "echo",
		Status: jobstore.StatusStarted, Retry: 1,
		Timeout: time.Now().Add(time.Minute).Unix(),
	}))
	track := r.track("u1")
	track.dispatched = []string{"w1"}
	_, failure := r.applyReply(track, reply(protocol.StatusPending,
		map[string]string{"worker": "w1"}))
	require.Empty(t, failure)

	r.settleRound(jobstore.Job{UUID: "u1", Retry: 1}, track)

	job, err := c.store.GetJob("u1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusFailed, job.Status)
	require.NotEmpty(t, job.Errors)
	assert.Contains(t, job.Errors[0], "retries exhausted")
}

func TestPollActiveCoversSubmitted(t *testing.T) {
	c := newOfflineClient(t)
	r := newRunner(c)
	require.NoError(t, c.store.AddJob(jobstore.Job{
		UUID: "u1", Service: "netsvc", Task: "echo",
		Status:  jobstore.StatusSubmitted,
		Timeout: time.Now().Add(-time.Minute).Unix(),
	}))

	// an expired SUBMITTED job only fails if pollActive picks it up
	r.pollActive()

	job, err := c.store.GetJob("u1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusFailed, job.Status)
}

func TestWaitJobReturnsTerminal(t *testing.T) {
	c := newOfflineClient(t)
	require.NoError(t, c.store.AddJob(jobstore.Job{
		UUID: "u1", Service: "s", Task: "t", Status: jobstore.StatusCompleted,
		Timeout: time.Now().Add(time.Minute).Unix(),
	}))

	job, err := c.WaitJob("u1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCompleted, job.Status)
}

func TestHandleEventOverflowDropsOldest(t *testing.T) {
	c := newOfflineClient(t)
	for i := 0; i < eventQueueSize+3; i++ {
		ev := protocol.Event{JUUID: "u1", Message: "m", Severity: protocol.SeverityInfo}
		c.handleEvent(protocol.ClientReply{
			Command: protocol.EVENT,
			UUID:    []byte("u1"),
			Payload: ev.Bytes(),
		})
	}
	assert.Equal(t, eventQueueSize, len(c.events))
}

func TestUnwrapEnvelope(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{
		"fss-1": map[string]any{
			"failed": false,
			"result": map[string]any{"exists": true, "size_bytes": 12},
		},
	})
	result, err := unwrapEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, true, result["exists"])

	failed, _ := json.Marshal(map[string]any{
		"fss-1": map[string]any{"failed": true, "errors": []string{"nope"}},
	})
	_, err = unwrapEnvelope(failed)
	assert.Error(t, err)
}
