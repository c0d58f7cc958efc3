// Package client implements the NFP client: a DEALER peer that submits
// jobs to the broker, tracks them in a durable job database and collects
// per-worker results and progress events.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"github.com/norfablabs/norfab/jobstore"
	"github.com/norfablabs/norfab/protocol"
	"github.com/norfablabs/norfab/security"
)

const (
	// DefaultRetries is how many reconnect-and-resend rounds a blocking
	// receive goes through before giving up with a timeout.
	DefaultRetries = 3

	// DefaultReplyWait bounds one receive attempt before the socket is
	// reconnected and the attempt retried.
	DefaultReplyWait = 3 * time.Second

	eventQueueSize = 1000
	recvPoll       = 250 * time.Millisecond
)

// ErrTimeout is returned when every receive retry was exhausted. It maps
// to status 408 in job records.
var ErrTimeout = errors.New("client: request timed out")

// Config carries client settings. Name and Broker are mandatory.
type Config struct {
	Name   string
	Broker string

	// BaseDir hosts the job database and fetched files. Empty keeps the
	// job database in memory.
	BaseDir string

	// StoreDriver picks the job database backend: sqlite (default),
	// leveldb, redis or memory. StoreAddress is the redis server address.
	StoreDriver  string
	StoreAddress string

	Retries   int
	ReplyWait time.Duration

	// LogEvents mirrors received progress events onto the logger at their
	// own severity, in addition to the job database and the event queue.
	LogEvents bool

	Logger zerolog.Logger

	Cert            *security.Certificate
	BrokerPublicKey string
}

// Client is safe for concurrent use: socket access is serialized and job
// state lives in the store.
type Client struct {
	name     string
	identity string
	broker   string
	baseDir  string

	retries   int
	replyWait time.Duration
	logEvents bool

	log   zerolog.Logger
	store jobstore.Store

	cert            *security.Certificate
	brokerPublicKey string

	sockMu sync.Mutex
	sock   *zmq.Socket

	subsMu sync.Mutex
	subs   map[string]chan protocol.ClientReply

	events chan protocol.Event

	detailsMu    sync.Mutex
	detailsCache *lru.Cache

	runner *runner

	destroyOnce sync.Once
	destroyed   chan struct{}
	wg          sync.WaitGroup
}

// New builds a client, opens its job database, connects to the broker and
// starts the receive loop and the job runner.
func New(cfg Config) (*Client, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("client: name is required")
	}
	if cfg.Broker == "" {
		return nil, fmt.Errorf("client: broker endpoint is required")
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.ReplyWait <= 0 {
		cfg.ReplyWait = DefaultReplyWait
	}

	if cfg.BaseDir != "" {
		if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
			return nil, fmt.Errorf("client: create base dir: %w", err)
		}
	}
	store, err := jobstore.Open(cfg.StoreDriver, cfg.BaseDir, cfg.Name, cfg.StoreAddress)
	if err != nil {
		return nil, fmt.Errorf("client: open job database: %w", err)
	}

	c := &Client{
		name:            cfg.Name,
		identity:        fmt.Sprintf("%s-%s", cfg.Name, uuid.New().String()[:8]),
		broker:          cfg.Broker,
		baseDir:         cfg.BaseDir,
		retries:         cfg.Retries,
		replyWait:       cfg.ReplyWait,
		logEvents:       cfg.LogEvents,
		log:             cfg.Logger.With().Str("client", cfg.Name).Logger(),
		store:           store,
		cert:            cfg.Cert,
		brokerPublicKey: cfg.BrokerPublicKey,
		subs:            make(map[string]chan protocol.ClientReply),
		events:          make(chan protocol.Event, eventQueueSize),
		detailsCache:    lru.New(128),
		destroyed:       make(chan struct{}),
	}

	if err := c.connect(); err != nil {
		store.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.recvLoop()

	c.runner = newRunner(c)
	c.wg.Add(1)
	go c.runner.run()

	return c, nil
}

func (c *Client) Name() string { return c.name }

// Store exposes the job database for inspection.
func (c *Client) Store() jobstore.Store { return c.store }

// Events is the stream of worker progress events. On overflow the oldest
// queued event is dropped.
func (c *Client) Events() <-chan protocol.Event { return c.events }

// Destroy stops the runner and receive loop and closes the socket and the
// job database. Safe to call more than once.
func (c *Client) Destroy() {
	c.destroyOnce.Do(func() {
		close(c.destroyed)
		c.wg.Wait()
		c.sockMu.Lock()
		if c.sock != nil {
			c.sock.Close()
			c.sock = nil
		}
		c.sockMu.Unlock()
		if err := c.store.Close(); err != nil {
			c.log.Error().Err(err).Msg("close job database")
		}
		c.log.Info().Msg("client destroyed")
	})
}

func (c *Client) connect() error {
	sock, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return fmt.Errorf("client: create socket: %w", err)
	}
	if err := sock.SetIdentity(c.identity); err != nil {
		sock.Close()
		return fmt.Errorf("client: set identity: %w", err)
	}
	sock.SetLinger(0)
	if c.cert != nil && c.brokerPublicKey != "" {
		if err := sock.ClientAuthCurve(c.brokerPublicKey, c.cert.Public, c.cert.Secret); err != nil {
			sock.Close()
			return fmt.Errorf("client: curve auth: %w", err)
		}
	}
	if err := sock.Connect(c.broker); err != nil {
		sock.Close()
		return fmt.Errorf("client: connect %s: %w", c.broker, err)
	}
	c.sock = sock
	return nil
}

// reconnect tears the socket down and dials again. Callers hold no lock.
func (c *Client) reconnect() {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	if err := c.connect(); err != nil {
		c.log.Error().Err(err).Msg("reconnect failed")
	} else {
		c.log.Debug().Msg("reconnected to broker")
	}
}

func (c *Client) send(frames [][]byte) error {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	if c.sock == nil {
		return fmt.Errorf("client: socket closed")
	}
	if _, err := c.sock.SendMessage(frames); err != nil {
		return fmt.Errorf("client: send: %w", err)
	}
	return nil
}

// recvLoop owns inbound traffic: RESPONSE messages are routed to the
// subscription registered under their job uuid, EVENT messages go to the
// event queue and are mirrored into the job database.
func (c *Client) recvLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.destroyed:
			return
		default:
		}

		c.sockMu.Lock()
		sock := c.sock
		if sock == nil {
			c.sockMu.Unlock()
			time.Sleep(recvPoll)
			continue
		}
		poller := zmq.NewPoller()
		poller.Add(sock, zmq.POLLIN)
		polled, err := poller.Poll(recvPoll)
		var frames [][]byte
		if err == nil && len(polled) > 0 {
			frames, err = sock.RecvMessageBytes(0)
		}
		c.sockMu.Unlock()

		if err != nil || frames == nil {
			continue
		}

		reply, err := protocol.ParseClientReply(frames)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed reply")
			continue
		}

		if reply.Command == protocol.EVENT {
			c.handleEvent(reply)
			continue
		}
		c.dispatchReply(reply)
	}
}

func eventLevel(sev protocol.Severity) zerolog.Level {
	switch sev {
	case protocol.SeverityDebug:
		return zerolog.DebugLevel
	case protocol.SeverityWarning:
		return zerolog.WarnLevel
	case protocol.SeverityError:
		return zerolog.ErrorLevel
	case protocol.SeverityCritical:
		return zerolog.FatalLevel
	}
	return zerolog.InfoLevel
}

func (c *Client) handleEvent(reply protocol.ClientReply) {
	ev, err := protocol.ParseEvent(reply.Payload)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed event")
		return
	}
	if err := c.store.AddEvent(jobstore.Event{
		JobUUID:   ev.JUUID,
		Message:   ev.Message,
		Severity:  string(ev.Severity),
		Task:      ev.Task,
		Data:      ev.Extras,
		CreatedAt: time.Now(),
	}); err != nil && err != jobstore.ErrNotFound {
		c.log.Warn().Err(err).Msg("mirror event to job database")
	}
	if c.logEvents {
		c.log.WithLevel(eventLevel(ev.Severity)).
			Str("juuid", ev.JUUID).
			Str("task", ev.Task).
			Msg(ev.Message)
	}

	select {
	case c.events <- ev:
		return
	default:
	}
	select {
	case <-c.events:
		c.log.Warn().Msg("event queue full, dropping oldest")
	default:
	}
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Client) dispatchReply(reply protocol.ClientReply) {
	c.subsMu.Lock()
	ch, ok := c.subs[string(reply.UUID)]
	c.subsMu.Unlock()
	if !ok {
		c.log.Debug().Str("juuid", string(reply.UUID)).Msg("reply for unknown job, dropped")
		return
	}
	select {
	case ch <- reply:
	default:
		c.log.Warn().Str("juuid", string(reply.UUID)).Msg("reply buffer full, dropped")
	}
}

func (c *Client) subscribe(juuid string) chan protocol.ClientReply {
	ch := make(chan protocol.ClientReply, 256)
	c.subsMu.Lock()
	c.subs[juuid] = ch
	c.subsMu.Unlock()
	return ch
}

func (c *Client) unsubscribe(juuid string) {
	c.subsMu.Lock()
	delete(c.subs, juuid)
	c.subsMu.Unlock()
}

// Send is one fire-and-forget POST frame set, used by the runner.
func (c *Client) sendPost(service string, target protocol.Target, juuid string, req protocol.Request) error {
	return c.send(protocol.ClientPost([]byte(service), target.Bytes(), []byte(juuid), req.Bytes()))
}

func (c *Client) sendGet(service string, target protocol.Target, juuid string, req protocol.Request) error {
	return c.send(protocol.ClientGet([]byte(service), target.Bytes(), []byte(juuid), req.Bytes()))
}

func (c *Client) sendDelete(service string, target protocol.Target, juuid string) error {
	return c.send(protocol.ClientDelete([]byte(service), target.Bytes(), []byte(juuid), protocol.Request{}.Bytes()))
}

// Direct issues a one-shot GET and waits for a single reply: the path used
// for management services and direct worker tasks. Each timed-out attempt
// reconnects the socket before resending.
func (c *Client) Direct(service string, req protocol.Request, timeout time.Duration) (protocol.ClientReply, error) {
	juuid := uuid.New().String()
	ch := c.subscribe(juuid)
	defer c.unsubscribe(juuid)

	if timeout <= 0 {
		timeout = time.Duration(c.retries) * c.replyWait
	}
	wait := timeout / time.Duration(c.retries)
	if wait < time.Second {
		wait = time.Second
	}

	for attempt := 0; attempt < c.retries; attempt++ {
		if err := c.sendGet(service, protocol.TargetAny(), juuid, req); err != nil {
			return protocol.ClientReply{}, err
		}
		select {
		case reply := <-ch:
			return reply, nil
		case <-time.After(wait):
			c.log.Debug().Str("service", service).Int("attempt", attempt+1).
				Msg("no reply, reconnecting")
			c.reconnect()
		case <-c.destroyed:
			return protocol.ClientReply{}, fmt.Errorf("client destroyed")
		}
	}
	return protocol.ClientReply{}, ErrTimeout
}

// MMI queries a broker management task and decodes the JSON reply.
func (c *Client) MMI(task string, kwargs map[string]any, out any) error {
	reply, err := c.Direct(protocol.MMIService, protocol.Request{Task: task, Kwargs: kwargs}, 0)
	if err != nil {
		return err
	}
	if reply.Status != protocol.StatusOK {
		return fmt.Errorf("mmi %s: %s: %s", task, reply.Status.String(), reply.Payload)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(reply.Payload, out); err != nil {
		return fmt.Errorf("mmi %s: decode reply: %w", task, err)
	}
	return nil
}

// WorkerInventory asks the broker's service of inventory discovery for a
// worker's inventory data.
func (c *Client) WorkerInventory(name string) (map[string]any, error) {
	reply, err := c.Direct(protocol.SIDService, protocol.Request{
		Task:   "get_inventory",
		Kwargs: map[string]any{"name": name},
	}, 0)
	if err != nil {
		return nil, err
	}
	if reply.Status != protocol.StatusOK {
		return nil, fmt.Errorf("inventory for %s: %s: %s", name, reply.Status.String(), reply.Payload)
	}
	var out map[string]any
	if err := json.Unmarshal(reply.Payload, &out); err != nil {
		return nil, fmt.Errorf("inventory for %s: decode reply: %w", name, err)
	}
	// a live worker answers with its result envelope, the broker's static
	// fallback returns the bare inventory data
	if envelope, ok := out[name].(map[string]any); ok {
		if data, ok := envelope["result"].(map[string]any); ok {
			return data, nil
		}
	}
	return out, nil
}
