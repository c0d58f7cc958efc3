package jobstore

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSelectsDriver(t *testing.T) {
	dir := t.TempDir()

	store, err := Open("", "", "client", "")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, store)

	store, err = Open("", dir, "client", "")
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, store)
	store.Close()
	assert.FileExists(t, filepath.Join(dir, "client.db"))

	store, err = Open(DriverLevelDB, dir, "client", "")
	require.NoError(t, err)
	assert.IsType(t, &LevelDB{}, store)
	store.Close()

	store, err = Open(DriverMemory, dir, "client", "")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, store)

	_, err = Open("cassandra", dir, "client", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cassandra")
}

// openTestRedis connects to a local redis server, skipping the test when
// none is running.
func openTestRedis(t *testing.T) *Redis {
	t.Helper()
	store, err := OpenRedis("127.0.0.1:6379")
	if err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStoreLifecycle(t *testing.T) {
	store := openTestRedis(t)
	uuid := fmt.Sprintf("redis-test-%d", time.Now().UnixNano())
	defer store.DeleteJob(uuid)

	require.NoError(t, store.AddJob(sampleJob(uuid)))

	job, err := store.GetJob(uuid)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, job.Status)
	assert.Equal(t, []any{"show clock"}, job.Args)

	require.NoError(t, store.UpdateJob(uuid, JobUpdate{
		Status:            StatusDispatched,
		WorkersDispatched: []string{"w1"},
	}))

	jobs, err := store.FetchJobs([]string{StatusDispatched}, 10)
	require.NoError(t, err)
	var found bool
	for _, j := range jobs {
		if j.UUID == uuid {
			found = true
			assert.Equal(t, []string{"w1"}, j.WorkersDispatched)
		}
	}
	assert.True(t, found)

	require.NoError(t, store.AddEvent(Event{
		JobUUID:  uuid,
		Message:  "running",
		Severity: "INFO",
	}))
	events, err := store.GetEvents(uuid)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "running", events[0].Message)

	require.NoError(t, store.DeleteJob(uuid))
	_, err = store.GetJob(uuid)
	assert.Equal(t, ErrNotFound, err)
}

func TestRedisStoreTerminalStatusSticks(t *testing.T) {
	store := openTestRedis(t)
	uuid := fmt.Sprintf("redis-test-%d", time.Now().UnixNano())
	defer store.DeleteJob(uuid)

	require.NoError(t, store.AddJob(sampleJob(uuid)))
	require.NoError(t, store.UpdateJob(uuid, JobUpdate{Status: StatusCompleted}))
	require.NoError(t, store.UpdateJob(uuid, JobUpdate{Status: StatusStarted}))

	job, err := store.GetJob(uuid)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
}
