// Package norfab wires a whole fabric together from an inventory
// document: the broker, the workers named in the topology and a client,
// each on its own goroutine inside one process or spread across hosts.
package norfab

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/norfablabs/norfab/broker"
	"github.com/norfablabs/norfab/client"
	"github.com/norfablabs/norfab/inventory"
	"github.com/norfablabs/norfab/security"
	"github.com/norfablabs/norfab/worker"
)

// Fabric manages the locally started components of one deployment.
type Fabric struct {
	Inventory *inventory.Inventory

	log     zerolog.Logger
	broker  *broker.Broker
	workers []*worker.Worker
	clients []*client.Client

	mu sync.Mutex
	wg sync.WaitGroup
}

// New loads the inventory document and prepares a fabric.
func New(inventoryPath string) (*Fabric, error) {
	inv, err := inventory.Load(inventoryPath)
	if err != nil {
		return nil, err
	}
	return NewFromInventory(inv), nil
}

func NewFromInventory(inv *inventory.Inventory) *Fabric {
	return &Fabric{
		Inventory: inv,
		log:       newLogger(inv.Logging.Level),
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).With().Timestamp().Logger()
}

// Logger returns the fabric's root logger.
func (f *Fabric) Logger() zerolog.Logger { return f.log }

// StartBroker starts the broker on its own goroutine when the topology
// asks for one.
func (f *Fabric) StartBroker() error {
	if !f.Inventory.Topology.Broker {
		return nil
	}
	cfg := broker.Config{
		Endpoint:      f.Inventory.Broker.Endpoint,
		Version:       Version,
		Logger:        f.log,
		Inventory:     f.Inventory,
		MetricsListen: f.Inventory.Broker.MetricsListen,
	}
	if f.Inventory.ZmqAuthEnabled() {
		cert, err := security.LoadOrCreate(f.Inventory.BrokerDir(), "broker")
		if err != nil {
			return fmt.Errorf("broker certificate: %w", err)
		}
		cfg.Cert = cert
	}
	b, err := broker.New(cfg)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.broker = b
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := b.Run(); err != nil {
			f.log.Error().Err(err).Msg("broker stopped")
		}
	}()
	return nil
}

// StartWorkers starts every worker the topology names. A worker whose
// inventory carries a file-sharing service gets the file tasks enabled.
func (f *Fabric) StartWorkers() error {
	for _, name := range f.Inventory.Topology.Workers {
		wcfg, ok := f.Inventory.Workers[name]
		if !ok {
			return fmt.Errorf("worker %s is in the topology but not in the inventory", name)
		}
		if err := f.startWorker(name, wcfg); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fabric) startWorker(name string, wcfg inventory.Worker) error {
	cfg := worker.Config{
		Name:         name,
		Service:      wcfg.Service,
		Broker:       f.Inventory.Broker.Endpoint,
		BaseDir:      f.Inventory.WorkerDir(name),
		StoreDriver:  f.Inventory.Jobstore.Driver,
		StoreAddress: f.Inventory.Jobstore.Address,
		Data:         wcfg.Data,
		Version:      Version,
		Logger:       f.log,
	}
	if f.Inventory.ZmqAuthEnabled() {
		cert, err := security.LoadOrCreate(f.Inventory.WorkerDir(name), name)
		if err != nil {
			return fmt.Errorf("worker %s certificate: %w", name, err)
		}
		brokerCert, err := security.LoadCertificate(
			security.BrokerPublicKeyPath(f.Inventory.BrokerDir()))
		if err != nil {
			return fmt.Errorf("worker %s: broker public key: %w", name, err)
		}
		cfg.Cert = cert
		cfg.BrokerPublicKey = brokerCert.Public
	}

	w, err := worker.New(cfg)
	if err != nil {
		return err
	}
	if wcfg.Service == worker.FileServiceName {
		shareDir, _ := wcfg.Data["base_dir"].(string)
		if shareDir == "" {
			shareDir = f.Inventory.WorkerDir(name)
		}
		if err := worker.EnableFileSharing(w, shareDir); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.workers = append(f.workers, w)
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := w.Run(); err != nil {
			f.log.Error().Err(err).Str("worker", name).Msg("worker stopped")
		}
	}()
	return nil
}

// MakeClient builds a client talking to this fabric's broker.
func (f *Fabric) MakeClient(name string) (*client.Client, error) {
	cfg := client.Config{
		Name:         name,
		Broker:       f.Inventory.Broker.Endpoint,
		BaseDir:      f.Inventory.ClientDir(name),
		StoreDriver:  f.Inventory.Jobstore.Driver,
		StoreAddress: f.Inventory.Jobstore.Address,
		LogEvents:    f.Inventory.Logging.LogEvents,
		Logger:       f.log,
	}
	if f.Inventory.ZmqAuthEnabled() {
		cert, err := security.LoadOrCreate(f.Inventory.ClientDir(name), name)
		if err != nil {
			return nil, fmt.Errorf("client %s certificate: %w", name, err)
		}
		brokerCert, err := security.LoadCertificate(
			security.BrokerPublicKeyPath(f.Inventory.BrokerDir()))
		if err != nil {
			return nil, fmt.Errorf("client %s: broker public key: %w", name, err)
		}
		cfg.Cert = cert
		cfg.BrokerPublicKey = brokerCert.Public
	}

	c, err := client.New(cfg)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c, nil
}

// Start runs the startup hooks and brings the whole local topology up.
// A failing startup hook aborts the start.
func (f *Fabric) Start() error {
	if err := f.runHooks("startup", f.Inventory.Hooks.Startup); err != nil {
		return err
	}
	if err := f.StartBroker(); err != nil {
		return err
	}
	return f.StartWorkers()
}

// runHooks executes inventory hook commands one by one through the shell,
// from the inventory's base directory.
func (f *Fabric) runHooks(stage string, commands []string) error {
	for _, command := range commands {
		f.log.Info().Str("hook", stage).Str("command", command).Msg("running hook")
		cmd := exec.Command("/bin/sh", "-c", command)
		cmd.Dir = f.Inventory.BaseDir
		out, err := cmd.CombinedOutput()
		if len(out) > 0 {
			f.log.Debug().Str("hook", stage).Msg(strings.TrimSpace(string(out)))
		}
		if err != nil {
			return fmt.Errorf("%s hook %q: %w", stage, command, err)
		}
	}
	return nil
}

// Destroy stops everything this fabric started, clients first so no new
// jobs land on dying workers, then runs the exit hooks.
func (f *Fabric) Destroy() {
	f.mu.Lock()
	clients := f.clients
	workers := f.workers
	b := f.broker
	f.mu.Unlock()

	for _, c := range clients {
		c.Destroy()
	}
	for _, w := range workers {
		w.Destroy()
	}
	if b != nil {
		b.Destroy()
	}
	f.wg.Wait()

	if err := f.runHooks("exit", f.Inventory.Hooks.Exit); err != nil {
		f.log.Error().Err(err).Msg("exit hooks")
	}
}
