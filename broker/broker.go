// Package broker implements the NFP broker: a ROUTER socket that registers
// workers by service, dispatches client jobs to them and routes replies and
// events back. Management pseudo-services are answered by the broker
// itself.
package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"github.com/norfablabs/norfab/inventory"
	"github.com/norfablabs/norfab/protocol"
	"github.com/norfablabs/norfab/security"
)

const (
	// DefaultHeartbeat matches the worker side: a worker is expired after
	// three missed intervals.
	DefaultHeartbeat = 2500 * time.Millisecond
	Liveness         = 3

	pollInterval = time.Second
)

// Config carries broker settings. Endpoint is mandatory.
type Config struct {
	Endpoint  string
	Heartbeat time.Duration
	Version   string

	Logger zerolog.Logger

	// Inventory, when set, is served by the mmi show_broker_inventory task
	// and answers sid.service.broker lookups for workers that never
	// connected.
	Inventory *inventory.Inventory

	// Cert enables CURVE server auth.
	Cert *security.Certificate

	// MetricsListen, when non-empty, exposes prometheus metrics over HTTP.
	MetricsListen string
}

// Broker runs the message loop. Construct with New, then Run until
// Destroy.
type Broker struct {
	endpoint  string
	heartbeat time.Duration
	version   string
	log       zerolog.Logger
	inv       *inventory.Inventory
	cert      *security.Certificate

	sock      *zmq.Socket
	dir       *directory
	metrics   *metrics
	startedAt time.Time

	destroyOnce sync.Once
	destroyed   chan struct{}
}

func New(cfg Config) (*Broker, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("broker: endpoint is required")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	b := &Broker{
		endpoint:  cfg.Endpoint,
		heartbeat: cfg.Heartbeat,
		version:   cfg.Version,
		log:       cfg.Logger.With().Str("component", "broker").Logger(),
		inv:       cfg.Inventory,
		cert:      cfg.Cert,
		dir:       newDirectory(time.Duration(Liveness) * cfg.Heartbeat),
		metrics:   newMetrics(),
		startedAt: time.Now(),
		destroyed: make(chan struct{}),
	}
	if cfg.MetricsListen != "" {
		b.metrics.serve(cfg.MetricsListen, b.log)
	}
	return b, nil
}

// Run binds the endpoint and serves until Destroy.
func (b *Broker) Run() error {
	sock, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return fmt.Errorf("broker: create socket: %w", err)
	}
	defer sock.Close()
	sock.SetLinger(0)

	if b.cert != nil {
		if err := security.StartBrokerAuth(); err != nil {
			return err
		}
		defer security.StopBrokerAuth()
		if err := sock.ServerAuthCurve("*", b.cert.Secret); err != nil {
			return fmt.Errorf("broker: curve auth: %w", err)
		}
	}

	if err := sock.Bind(b.endpoint); err != nil {
		return fmt.Errorf("broker: bind %s: %w", b.endpoint, err)
	}
	b.sock = sock
	b.log.Info().Str("endpoint", b.endpoint).Msg("broker listening")

	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)

	lastBeat := time.Now()
	for {
		select {
		case <-b.destroyed:
			b.disconnectAll()
			b.log.Info().Msg("broker destroyed")
			return nil
		default:
		}

		polled, err := poller.Poll(pollInterval)
		if err != nil {
			select {
			case <-b.destroyed:
				return nil
			default:
			}
			return fmt.Errorf("broker: poll: %w", err)
		}

		if len(polled) > 0 {
			frames, err := sock.RecvMessageBytes(0)
			if err != nil {
				b.log.Error().Err(err).Msg("recv failed")
				continue
			}
			b.handleMessage(frames)
		}

		now := time.Now()
		for _, name := range b.dir.purge(now) {
			b.log.Info().Str("worker", name).Msg("worker expired")
			b.metrics.workerExpired()
		}
		if now.Sub(lastBeat) >= b.heartbeat {
			for name := range b.dir.workers {
				b.send(protocol.BrokerHeartbeatWorker([]byte(name)))
			}
			lastBeat = now
		}
		b.metrics.observe(len(b.dir.workers), len(b.dir.services))
	}
}

// Destroy stops the broker loop and the metrics listener. Safe to call
// more than once.
func (b *Broker) Destroy() {
	b.destroyOnce.Do(func() {
		close(b.destroyed)
		b.metrics.shutdown()
	})
}

func (b *Broker) disconnectAll() {
	for name := range b.dir.workers {
		b.send(protocol.BrokerDisconnectWorker([]byte(name)))
	}
}

func (b *Broker) send(frames [][]byte) {
	if _, err := b.sock.SendMessage(frames); err != nil {
		b.log.Error().Err(err).Msg("send failed")
	}
}

func (b *Broker) handleMessage(frames [][]byte) {
	msg, err := protocol.ParseBrokerMessage(frames)
	if err != nil {
		b.log.Warn().Err(err).Msg("dropping malformed message")
		return
	}
	b.metrics.message(string(msg.Header), msg.Command.String())

	if string(msg.Header) == string(protocol.Client) {
		b.handleClient(msg)
	} else {
		b.handleWorker(msg)
	}
}

// Client messages carry [service, workers, uuid, request] after the
// command frame.

func (b *Broker) handleClient(msg protocol.BrokerMessage) {
	if len(msg.Frames) < 4 {
		b.log.Warn().Int("frames", len(msg.Frames)).Msg("short client message")
		return
	}
	service := string(msg.Frames[0])
	workers := msg.Frames[1]
	uuid := msg.Frames[2]
	request := msg.Frames[3]

	switch msg.Command {
	case protocol.POST, protocol.GET, protocol.DELETE:
	default:
		b.log.Warn().Str("command", msg.Command.String()).Msg("unexpected client command")
		return
	}

	switch service {
	case protocol.MMIService:
		b.handleMMI(msg.Sender, uuid, request)
		return
	case protocol.SIDService:
		b.handleSID(msg.Sender, uuid, request)
		return
	case protocol.FSSService:
		b.handleFSS(msg.Sender, uuid, request)
		return
	}

	target, err := protocol.ParseTarget(workers)
	if err != nil {
		b.replyError(msg.Sender, service, uuid, protocol.StatusBadRequest, err.Error())
		return
	}

	refs, dispatched := b.resolve(service, target)
	if len(dispatched) == 0 {
		b.replyError(msg.Sender, service, uuid, protocol.StatusNotFound,
			"no workers for service "+service)
		return
	}

	for _, ref := range refs {
		b.send(protocol.BrokerToWorker([]byte(ref.name), msg.Command, msg.Sender, uuid, request))
		b.metrics.dispatched(ref.service)
	}

	payload, _ := json.Marshal(map[string]any{"workers": dispatched})
	b.send(protocol.BrokerToClientResponse(msg.Sender, []byte(service), uuid,
		protocol.StatusAccepted, payload))
}

// resolve expands a target into the workers to send to and the full
// dispatch list reported to the client. Named workers that are not
// currently connected stay in the dispatch list: the client keeps them in
// its dispatch set and times the job out if they never come back.
func (b *Broker) resolve(service string, target protocol.Target) ([]*workerRef, []string) {
	switch {
	case target.All:
		refs := b.dir.all(service)
		names := make([]string, len(refs))
		for i, ref := range refs {
			names[i] = ref.name
		}
		return refs, names
	case target.Any:
		ref, ok := b.dir.any(service)
		if !ok {
			return nil, nil
		}
		return []*workerRef{ref}, []string{ref.name}
	default:
		present, _ := b.dir.named(service, target.Names)
		if len(target.Names) == 0 {
			return nil, nil
		}
		return present, target.Names
	}
}

// Worker messages after the command frame: READY carries [service],
// RESPONSE and EVENT carry [clientAddr, uuid, ...].

func (b *Broker) handleWorker(msg protocol.BrokerMessage) {
	name := string(msg.Sender)
	now := time.Now()

	switch msg.Command {
	case protocol.READY:
		if len(msg.Frames) < 1 {
			b.log.Warn().Str("worker", name).Msg("READY without service")
			return
		}
		service := string(msg.Frames[0])
		b.dir.add(name, service, now)
		b.log.Info().Str("worker", name).Str("service", service).Msg("worker registered")

	case protocol.HEARTBEAT:
		if !b.dir.touch(name, now) {
			// unknown worker, likely expired: force a re-register
			b.send(protocol.BrokerDisconnectWorker(msg.Sender))
		}

	case protocol.DISCONNECT:
		b.dir.remove(name)
		b.log.Info().Str("worker", name).Msg("worker disconnected")

	case protocol.RESPONSE:
		if len(msg.Frames) < 4 {
			b.log.Warn().Str("worker", name).Msg("short RESPONSE")
			return
		}
		b.dir.touch(name, now)
		service := b.workerService(name)
		b.send(protocol.BrokerToClientResponse(msg.Frames[0], []byte(service), msg.Frames[1],
			protocol.Status(msg.Frames[2]), msg.Frames[3]))
		b.metrics.responded(service)

	case protocol.EVENT:
		if len(msg.Frames) < 4 {
			b.log.Warn().Str("worker", name).Msg("short EVENT")
			return
		}
		b.dir.touch(name, now)
		service := b.workerService(name)
		b.send(protocol.BrokerToClientEvent(msg.Frames[0], []byte(service), msg.Frames[1],
			msg.Frames[2], msg.Frames[3]))

	default:
		b.log.Warn().Str("worker", name).Str("command", msg.Command.String()).
			Msg("unexpected worker command")
	}
}

func (b *Broker) workerService(name string) string {
	if ref, ok := b.dir.get(name); ok {
		return ref.service
	}
	return ""
}

func (b *Broker) replyError(clientAddr []byte, service string, uuid []byte, status protocol.Status, message string) {
	payload, _ := json.Marshal(map[string]string{"error": message})
	b.send(protocol.BrokerToClientResponse(clientAddr, []byte(service), uuid, status, payload))
}
