package worker

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norfablabs/norfab/jobstore"
	"github.com/norfablabs/norfab/protocol"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	w, err := New(Config{
		Name:    "worker-1",
		Service: "testsvc",
		Broker:  "tcp://127.0.0.1:1",
		Data:    map[string]any{"key": "value"},
		Version: "0.1.0",
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return w
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Service: "s", Broker: "tcp://x"})
	assert.Error(t, err)
	_, err = New(Config{Name: "n", Broker: "tcp://x"})
	assert.Error(t, err)
	_, err = New(Config{Name: "n", Service: "s"})
	assert.Error(t, err)
}

func TestEchoTask(t *testing.T) {
	w := newTestWorker(t)
	job := &Job{UUID: "u1", Task: "echo", ClientAddr: "client-1", worker: w}

	res, err := w.taskEcho(job, []any{"a", float64(1)}, map[string]any{"k": "v"})
	require.NoError(t, err)
	got := res.Result.(map[string]any)
	assert.Equal(t, "client-1", got["client_address"])
	assert.Equal(t, "u1", got["juuid"])
	assert.Equal(t, "echo", got["task"])
	assert.Equal(t, []any{"a", float64(1)}, got["args"])
	assert.Equal(t, map[string]any{"k": "v"}, got["kwargs"])
}

func TestEchoRaiseError(t *testing.T) {
	w := newTestWorker(t)
	job := &Job{UUID: "u1", Task: "echo", worker: w}
	_, err := w.taskEcho(job, nil, map[string]any{"raise_error": "boom"})
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())
}

func TestEchoSleepHonoursCancel(t *testing.T) {
	w := newTestWorker(t)
	job := &Job{UUID: "u1", Task: "echo", worker: w}
	job.Cancel()
	start := time.Now()
	_, err := w.taskEcho(job, nil, map[string]any{"sleep": float64(30)})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestListTasks(t *testing.T) {
	w := newTestWorker(t)
	job := &Job{worker: w}

	res, err := w.taskListTasks(job, nil, map[string]any{"brief": true})
	require.NoError(t, err)
	names := res.Result.([]any)
	assert.Contains(t, names, "echo")
	assert.Contains(t, names, "get_inventory")
	assert.Contains(t, names, "list_tasks")

	res, err = w.taskListTasks(job, nil, map[string]any{"name": "get_*"})
	require.NoError(t, err)
	metas := res.Result.([]any)
	require.Len(t, metas, 3)
	for _, m := range metas {
		assert.Contains(t, m.(TaskMeta).Name, "get_")
	}
}

func TestGetInventoryDirect(t *testing.T) {
	w := newTestWorker(t)
	meta, fn, ok := w.registry.Lookup("get_inventory")
	require.True(t, ok)
	assert.True(t, meta.Direct)

	res, err := fn(&Job{worker: w}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"key": "value"}, res.Result)
}

func TestRunDispatchRecordsOutcome(t *testing.T) {
	w := newTestWorker(t)
	require.NoError(t, w.store.AddJob(jobstore.Job{
		UUID:   "u1",
		Task:   "echo",
		Status: jobstore.StatusPending,
	}))

	w.runDispatch(dispatch{
		uuid:       "u1",
		clientAddr: "client-1",
		request:    protocol.Request{Task: "echo", Args: []any{"x"}},
	})

	job, err := w.store.GetJob("u1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCompleted, job.Status)
	envelope := job.ResultData["worker-1"].(map[string]any)
	assert.Equal(t, false, envelope["failed"])
	assert.Equal(t, "echo", envelope["task"])
	assert.Equal(t, "u1", envelope["juuid"])
	assert.NotEmpty(t, envelope["task_started"])
	assert.NotEmpty(t, envelope["task_completed"])
}

func TestRunDispatchUnknownTask(t *testing.T) {
	w := newTestWorker(t)
	require.NoError(t, w.store.AddJob(jobstore.Job{
		UUID:   "u2",
		Task:   "no_such",
		Status: jobstore.StatusPending,
	}))

	w.runDispatch(dispatch{uuid: "u2", request: protocol.Request{Task: "no_such"}})

	job, err := w.store.GetJob("u2")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusFailed, job.Status)
	envelope := job.ResultData["worker-1"].(map[string]any)
	assert.Equal(t, true, envelope["failed"])
}

func TestExecutePanicRecovery(t *testing.T) {
	w := newTestWorker(t)
	fn := func(job *Job, args []any, kwargs map[string]any) (*Result, error) {
		panic("kaboom")
	}
	res := w.execute(&Job{UUID: "u3", worker: w}, protocol.Request{Task: "bad"}, fn)
	assert.True(t, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "kaboom")
}

func TestHandleGetAnswers(t *testing.T) {
	w := newTestWorker(t)
	require.NoError(t, w.store.AddJob(jobstore.Job{
		UUID: "pending", Task: "echo", Status: jobstore.StatusPending,
	}))
	require.NoError(t, w.store.AddJob(jobstore.Job{
		UUID: "done", Task: "echo", Status: jobstore.StatusCompleted,
		ResultData: map[string]any{"worker-1": map[string]any{"failed": false}},
	}))

	getMsg := func(uuid string) protocol.WorkerMessage {
		return protocol.WorkerMessage{
			Command:    protocol.GET,
			ClientAddr: []byte("client-1"),
			UUID:       []byte(uuid),
		}
	}
	readReply := func() [][]byte {
		select {
		case frames := <-w.out:
			return frames
		default:
			t.Fatal("no reply queued")
			return nil
		}
	}

	w.handleGet(getMsg("pending"))
	frames := readReply()
	assert.Equal(t, protocol.StatusPending.Bytes(), frames[5])
	var holder map[string]string
	require.NoError(t, json.Unmarshal(frames[6], &holder))
	assert.Equal(t, "worker-1", holder["worker"])

	w.handleGet(getMsg("done"))
	frames = readReply()
	assert.Equal(t, protocol.StatusOK.Bytes(), frames[5])
	var results map[string]map[string]any
	require.NoError(t, json.Unmarshal(frames[6], &results))
	assert.Contains(t, results, "worker-1")

	w.handleGet(getMsg("ghost"))
	frames = readReply()
	assert.Equal(t, protocol.StatusOK.Bytes(), frames[5])
	require.NoError(t, json.Unmarshal(frames[6], &results))
	assert.Equal(t, true, results["worker-1"]["failed"])
}

func TestEmitEventDropsOldest(t *testing.T) {
	w := newTestWorker(t)
	for i := 0; i < eventQueueSize+5; i++ {
		w.emitEvent("client-1", protocol.Event{
			JUUID:   "u1",
			Message: fmt.Sprintf("event %d", i),
		})
	}
	assert.Equal(t, eventQueueSize, len(w.events))

	first := <-w.events
	assert.Equal(t, "event 5", first.event.Message)
}
