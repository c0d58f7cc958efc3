package inventory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleInventory = `
broker:
  endpoint: "tcp://127.0.0.1:5555"
  zmq_auth: false
  metrics_listen: "127.0.0.1:9700"
logging:
  level: debug
  log_events: true
topology:
  broker: true
  workers:
    - worker-1
    - worker-2
jobstore:
  driver: redis
  address: "127.0.0.1:6379"
hooks:
  startup:
    - mkdir -p run
workers:
  worker-1:
    service: filesharing
    data:
      base_dir: /tmp/share
  worker-2:
    service: echo
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleInventory), 0o644))

	inv, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, dir, inv.BaseDir)
	assert.Equal(t, "tcp://127.0.0.1:5555", inv.Broker.Endpoint)
	assert.False(t, inv.ZmqAuthEnabled())
	assert.Equal(t, "127.0.0.1:9700", inv.Broker.MetricsListen)
	assert.True(t, inv.Logging.LogEvents)
	assert.True(t, inv.Topology.Broker)
	assert.Equal(t, []string{"worker-1", "worker-2"}, inv.Topology.Workers)
	assert.Equal(t, "filesharing", inv.Workers["worker-1"].Service)
	assert.Equal(t, "/tmp/share", inv.Workers["worker-1"].Data["base_dir"])
	assert.Equal(t, "redis", inv.Jobstore.Driver)
	assert.Equal(t, "127.0.0.1:6379", inv.Jobstore.Address)
	assert.Equal(t, []string{"mkdir -p run"}, inv.Hooks.Startup)
}

func TestZmqAuthDefaultsOn(t *testing.T) {
	inv, err := Parse([]byte("broker:\n  endpoint: tcp://127.0.0.1:5555\n"), "/tmp")
	require.NoError(t, err)
	assert.True(t, inv.ZmqAuthEnabled())
}

func TestPathHelpers(t *testing.T) {
	inv := &Inventory{BaseDir: "/base"}
	assert.Equal(t, "/base/__norfab__/files/worker/w1", inv.WorkerDir("w1"))
	assert.Equal(t, "/base/__norfab__/files/client/c1", inv.ClientDir("c1"))
	assert.Equal(t, "/base/__norfab__/files/broker", inv.BrokerDir())
	assert.Equal(t, "/base/__norfab__/files/client/c1/fetchedfiles", inv.FetchedFilesDir("c1"))
}
