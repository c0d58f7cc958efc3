package broker

import (
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norfablabs/norfab/protocol"
)

func TestDirectoryAddRemove(t *testing.T) {
	d := newDirectory(7500 * time.Millisecond)
	now := time.Now()

	d.add("w1", "net", now)
	d.add("w2", "net", now)
	d.add("w3", "files", now)

	assert.Equal(t, []string{"w1", "w2", "w3"}, d.workerNames())
	assert.Equal(t, []string{"files", "net"}, d.serviceNames())

	d.remove("w2")
	assert.Equal(t, []string{"w1", "w3"}, d.workerNames())

	d.remove("w3")
	assert.Equal(t, []string{"net"}, d.serviceNames())
}

func TestDirectoryReRegisterReplacesService(t *testing.T) {
	d := newDirectory(time.Second)
	now := time.Now()

	d.add("w1", "old", now)
	d.add("w1", "new", now)

	assert.Equal(t, []string{"new"}, d.serviceNames())
	refs := d.all("new")
	require.Len(t, refs, 1)
	assert.Equal(t, "w1", refs[0].name)
	assert.Empty(t, d.all("old"))
}

func TestDirectoryPurge(t *testing.T) {
	d := newDirectory(7500 * time.Millisecond)
	now := time.Now()

	d.add("w1", "net", now)
	d.add("w2", "net", now)
	d.touch("w2", now.Add(5*time.Second))

	expired := d.purge(now.Add(8 * time.Second))
	assert.Equal(t, []string{"w1"}, expired)
	assert.Equal(t, []string{"w2"}, d.workerNames())

	expired = d.purge(now.Add(14 * time.Second))
	assert.Equal(t, []string{"w2"}, expired)
	assert.Empty(t, d.workerNames())
}

func TestDirectoryTouchUnknown(t *testing.T) {
	d := newDirectory(time.Second)
	assert.False(t, d.touch("ghost", time.Now()))
}

func TestDirectoryAnyRotates(t *testing.T) {
	d := newDirectory(time.Second)
	now := time.Now()
	d.add("w1", "net", now)
	d.add("w2", "net", now)

	var picked []string
	for i := 0; i < 4; i++ {
		ref, ok := d.any("net")
		require.True(t, ok)
		picked = append(picked, ref.name)
	}
	assert.Equal(t, []string{"w1", "w2", "w1", "w2"}, picked)

	_, ok := d.any("nosuch")
	assert.False(t, ok)
}

func TestDirectoryNamed(t *testing.T) {
	d := newDirectory(time.Second)
	now := time.Now()
	d.add("w1", "net", now)
	d.add("w2", "files", now)

	present, absent := d.named("net", []string{"w1", "w2", "w9"})
	require.Len(t, present, 1)
	assert.Equal(t, "w1", present[0].name)
	// w2 serves a different service, w9 never registered
	assert.Equal(t, []string{"w2", "w9"}, absent)
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := New(Config{
		Endpoint: "tcp://127.0.0.1:5555",
		Version:  "0.1.0",
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return b
}

func TestResolveAll(t *testing.T) {
	b := newTestBroker(t)
	now := time.Now()
	b.dir.add("w2", "net", now)
	b.dir.add("w1", "net", now)

	refs, names := b.resolve("net", protocol.TargetAll())
	require.Len(t, refs, 2)
	assert.Equal(t, []string{"w1", "w2"}, names)
}

func TestResolveAnyEmpty(t *testing.T) {
	b := newTestBroker(t)
	refs, names := b.resolve("net", protocol.TargetAny())
	assert.Nil(t, refs)
	assert.Nil(t, names)
}

func TestResolveNamedKeepsAbsent(t *testing.T) {
	b := newTestBroker(t)
	b.dir.add("w1", "net", time.Now())

	refs, names := b.resolve("net", protocol.TargetNames("w1", "w9"))
	require.Len(t, refs, 1)
	assert.Equal(t, "w1", refs[0].name)
	// absent workers stay in the dispatch list the client tracks
	assert.Equal(t, []string{"w1", "w9"}, names)
}

func TestShowWorkers(t *testing.T) {
	b := newTestBroker(t)
	now := time.Now()
	b.dir.add("w1", "net", now)
	b.dir.add("w2", "files", now)

	workers := b.showWorkers(nil)
	require.Len(t, workers, 2)
	assert.Equal(t, "w1", workers[0]["name"])
	assert.Equal(t, "net", workers[0]["service"])
	assert.Equal(t, "alive", workers[0]["status"])
	assert.NotEmpty(t, workers[0]["holdtime"])

	filtered := b.showWorkers(map[string]any{"service": "files"})
	require.Len(t, filtered, 1)
	assert.Equal(t, "w2", filtered[0]["name"])
}

func TestShowBroker(t *testing.T) {
	b := newTestBroker(t)
	b.dir.add("w1", "net", time.Now())

	info := b.showBroker()
	assert.Equal(t, "tcp://127.0.0.1:5555", info["endpoint"])
	assert.Equal(t, "active", info["status"])
	assert.Equal(t, 1, info["workers count"])
	assert.Equal(t, 1, info["services count"])
	assert.Equal(t, DefaultHeartbeat.String(), info["keepalives"])
}

func TestDestroyClosesMetricsListener(t *testing.T) {
	b := newTestBroker(t)
	b.metrics.serve("127.0.0.1:0", zerolog.Nop())
	require.NotNil(t, b.metrics.server)

	b.Destroy()
	b.Destroy() // idempotent

	assert.ErrorIs(t, b.metrics.server.ListenAndServe(), http.ErrServerClosed)
}
