// Package inventory loads the deployment inventory document: broker
// endpoint and auth flags, logging, topology and per-worker data.
package inventory

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Broker struct {
	Endpoint      string `yaml:"endpoint"`
	ZmqAuth       *bool  `yaml:"zmq_auth"`
	MetricsListen string `yaml:"metrics_listen"`
}

type Logging struct {
	Level     string `yaml:"level"`
	LogEvents bool   `yaml:"log_events"`
}

type Topology struct {
	Broker  bool     `yaml:"broker"`
	Workers []string `yaml:"workers"`
}

type Hooks struct {
	Startup []string `yaml:"startup"`
	Exit    []string `yaml:"exit"`
}

// Jobstore selects the job database backend shared by workers and clients.
// Driver is sqlite, leveldb, redis or memory; sqlite when absent. Address
// is the redis server address.
type Jobstore struct {
	Driver  string `yaml:"driver"`
	Address string `yaml:"address"`
}

type Worker struct {
	Service string         `yaml:"service"`
	Data    map[string]any `yaml:"data"`
}

type Inventory struct {
	BaseDir  string            `yaml:"-"`
	Broker   Broker            `yaml:"broker"`
	Logging  Logging           `yaml:"logging"`
	Topology Topology          `yaml:"topology"`
	Hooks    Hooks             `yaml:"hooks"`
	Jobstore Jobstore          `yaml:"jobstore"`
	Workers  map[string]Worker `yaml:"workers"`
}

// Load reads the inventory document at path. BaseDir is the directory the
// document lives in, all runtime files are created under it.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory %s: %w", path, err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes an inventory document with an explicit base directory.
func Parse(data []byte, baseDir string) (*Inventory, error) {
	inv := &Inventory{BaseDir: baseDir}
	if err := yaml.Unmarshal(data, inv); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	if inv.Workers == nil {
		inv.Workers = map[string]Worker{}
	}
	return inv, nil
}

// ZmqAuthEnabled defaults to true when the flag is absent.
func (inv *Inventory) ZmqAuthEnabled() bool {
	if inv.Broker.ZmqAuth == nil {
		return true
	}
	return *inv.Broker.ZmqAuth
}

func (inv *Inventory) filesDir(role, name string) string {
	return filepath.Join(inv.BaseDir, "__norfab__", "files", role, name)
}

func (inv *Inventory) ClientDir(name string) string {
	return inv.filesDir("client", name)
}

func (inv *Inventory) WorkerDir(name string) string {
	return inv.filesDir("worker", name)
}

func (inv *Inventory) BrokerDir() string {
	return filepath.Join(inv.BaseDir, "__norfab__", "files", "broker")
}

// FetchedFilesDir is where a client stores files downloaded from the
// file-sharing service.
func (inv *Inventory) FetchedFilesDir(clientName string) string {
	return filepath.Join(inv.ClientDir(clientName), "fetchedfiles")
}
