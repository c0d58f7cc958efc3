// Package worker implements the NFP worker: a DEALER peer that registers a
// service with the broker, accepts job dispatches, executes registered
// tasks on a bounded pool and records outcomes in a local job log.
package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"github.com/norfablabs/norfab/jobstore"
	"github.com/norfablabs/norfab/protocol"
	"github.com/norfablabs/norfab/security"
)

const (
	// DefaultHeartbeat is the interval between HEARTBEAT messages. The
	// broker expires a worker after three missed intervals, and the worker
	// reconnects after the same silence from the broker.
	DefaultHeartbeat = 2500 * time.Millisecond

	// Liveness is the number of silent heartbeat intervals tolerated
	// before either side declares the peer dead.
	Liveness = 3

	// DefaultPoolSize bounds concurrent task executions.
	DefaultPoolSize = 10

	eventQueueSize = 1000
	pollInterval   = time.Second
)

// Config carries everything a worker needs to come up. Name and Service
// are mandatory, the rest has working defaults.
type Config struct {
	Name    string
	Service string
	Broker  string

	// BaseDir is where the local job log database lives. Empty disables
	// the on-disk log and an in-memory store is used instead.
	BaseDir string

	// StoreDriver picks the job log backend: sqlite (default), leveldb,
	// redis or memory. StoreAddress is the redis server address.
	StoreDriver  string
	StoreAddress string

	// Data is the worker's slice of the inventory, served by the
	// get_inventory task.
	Data map[string]any

	PoolSize  int
	Heartbeat time.Duration
	Version   string

	Logger zerolog.Logger

	// Cert and BrokerPublicKey enable CURVE encryption when both are set.
	Cert            *security.Certificate
	BrokerPublicKey string
}

type queuedEvent struct {
	clientAddr string
	event      protocol.Event
}

type dispatch struct {
	uuid       string
	clientAddr string
	request    protocol.Request
}

// Worker is the service-side peer. Construct with New, add tasks through
// Register, then Run until Destroy.
type Worker struct {
	name      string
	service   string
	broker    string
	version   string
	data      map[string]any
	heartbeat time.Duration
	poolSize  int

	log      zerolog.Logger
	registry *Registry
	store    jobstore.Store

	cert            *security.Certificate
	brokerPublicKey string

	sock *zmq.Socket

	out    chan [][]byte
	events chan queuedEvent
	tasks  chan dispatch

	activeMu sync.Mutex
	active   map[string]*Job

	startedAt time.Time
	busy      atomic.Int64

	destroyOnce sync.Once
	destroyed   chan struct{}
	wg          sync.WaitGroup
}

// New builds a worker and opens its local job log. The socket is not
// connected until Run.
func New(cfg Config) (*Worker, error) {
	if cfg.Name == "" || cfg.Service == "" {
		return nil, fmt.Errorf("worker: name and service are required")
	}
	if cfg.Broker == "" {
		return nil, fmt.Errorf("worker: broker endpoint is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}

	if cfg.BaseDir != "" {
		if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
			return nil, fmt.Errorf("worker: create base dir: %w", err)
		}
	}
	store, err := jobstore.Open(cfg.StoreDriver, cfg.BaseDir, cfg.Name, cfg.StoreAddress)
	if err != nil {
		return nil, fmt.Errorf("worker: open job log: %w", err)
	}

	w := &Worker{
		name:            cfg.Name,
		service:         cfg.Service,
		broker:          cfg.Broker,
		version:         cfg.Version,
		data:            cfg.Data,
		heartbeat:       cfg.Heartbeat,
		poolSize:        cfg.PoolSize,
		log:             cfg.Logger.With().Str("worker", cfg.Name).Str("service", cfg.Service).Logger(),
		registry:        NewRegistry(),
		store:           store,
		cert:            cfg.Cert,
		brokerPublicKey: cfg.BrokerPublicKey,
		out:             make(chan [][]byte, 256),
		events:          make(chan queuedEvent, eventQueueSize),
		tasks:           make(chan dispatch, cfg.PoolSize*4),
		active:          make(map[string]*Job),
		startedAt:       time.Now(),
		destroyed:       make(chan struct{}),
	}
	w.registerBaseTasks()
	return w, nil
}

// Register adds a task to the worker's registry.
func (w *Worker) Register(meta TaskMeta, fn TaskFunc) error {
	return w.registry.Register(meta, fn)
}

// MustRegister panics on registration conflicts.
func (w *Worker) MustRegister(meta TaskMeta, fn TaskFunc) {
	w.registry.MustRegister(meta, fn)
}

func (w *Worker) Name() string    { return w.name }
func (w *Worker) Service() string { return w.service }

// Run connects to the broker and serves until Destroy is called. It owns
// the socket: all sends from other goroutines go through the out queue.
func (w *Worker) Run() error {
	if err := w.connect(); err != nil {
		return err
	}
	for i := 0; i < w.poolSize; i++ {
		w.wg.Add(1)
		go w.poolWorker()
	}

	poller := zmq.NewPoller()
	poller.Add(w.sock, zmq.POLLIN)

	lastHeard := time.Now()
	lastBeat := time.Now()

	for {
		select {
		case <-w.destroyed:
			w.shutdown()
			return nil
		default:
		}

		polled, err := poller.Poll(pollInterval)
		if err != nil {
			select {
			case <-w.destroyed:
				w.shutdown()
				return nil
			default:
			}
			return fmt.Errorf("worker: poll: %w", err)
		}

		if len(polled) > 0 {
			frames, err := w.sock.RecvMessageBytes(0)
			if err != nil {
				w.log.Error().Err(err).Msg("recv failed")
				continue
			}
			lastHeard = time.Now()
			if reconnect := w.handleMessage(frames); reconnect {
				if err := w.reconnect(poller); err != nil {
					return err
				}
				lastHeard = time.Now()
			}
		}

		w.drainOutgoing()

		now := time.Now()
		if now.Sub(lastBeat) >= w.heartbeat {
			w.send(protocol.WorkerHeartbeat())
			lastBeat = now
		}
		if now.Sub(lastHeard) > time.Duration(Liveness)*w.heartbeat {
			w.log.Warn().Msg("broker silent, reconnecting")
			if err := w.reconnect(poller); err != nil {
				return err
			}
			lastHeard = time.Now()
			lastBeat = time.Now()
		}
	}
}

// Destroy stops the worker. Safe to call more than once.
func (w *Worker) Destroy() {
	w.destroyOnce.Do(func() { close(w.destroyed) })
}

func (w *Worker) shutdown() {
	w.send(protocol.WorkerDisconnect())
	close(w.tasks)
	w.activeMu.Lock()
	for _, job := range w.active {
		job.Cancel()
	}
	w.activeMu.Unlock()
	w.wg.Wait()
	if w.sock != nil {
		w.sock.Close()
		w.sock = nil
	}
	if err := w.store.Close(); err != nil {
		w.log.Error().Err(err).Msg("close job log")
	}
	w.log.Info().Msg("worker destroyed")
}

func (w *Worker) connect() error {
	sock, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return fmt.Errorf("worker: create socket: %w", err)
	}
	if err := sock.SetIdentity(w.name); err != nil {
		sock.Close()
		return fmt.Errorf("worker: set identity: %w", err)
	}
	sock.SetLinger(0)
	if w.cert != nil && w.brokerPublicKey != "" {
		if err := sock.ClientAuthCurve(w.brokerPublicKey, w.cert.Public, w.cert.Secret); err != nil {
			sock.Close()
			return fmt.Errorf("worker: curve auth: %w", err)
		}
	}
	if err := sock.Connect(w.broker); err != nil {
		sock.Close()
		return fmt.Errorf("worker: connect %s: %w", w.broker, err)
	}
	w.sock = sock
	w.log.Info().Str("broker", w.broker).Msg("connected to broker")
	w.send(protocol.WorkerReady([]byte(w.service)))
	return nil
}

func (w *Worker) reconnect(poller *zmq.Poller) error {
	if w.sock != nil {
		poller.RemoveBySocket(w.sock)
		w.sock.Close()
		w.sock = nil
	}
	if err := w.connect(); err != nil {
		return err
	}
	poller.Add(w.sock, zmq.POLLIN)
	return nil
}

func (w *Worker) send(frames [][]byte) {
	if w.sock == nil {
		return
	}
	if _, err := w.sock.SendMessage(frames); err != nil {
		w.log.Error().Err(err).Msg("send failed")
	}
}

// queue hands frames to the socket-owning loop from pool goroutines.
func (w *Worker) queue(frames [][]byte) {
	select {
	case w.out <- frames:
	case <-w.destroyed:
	}
}

func (w *Worker) drainOutgoing() {
	for {
		select {
		case frames := <-w.out:
			w.send(frames)
		case qe := <-w.events:
			w.send(protocol.WorkerEvent(
				[]byte(qe.clientAddr),
				[]byte(qe.event.JUUID),
				qe.event.Severity,
				qe.event.Bytes(),
			))
		default:
			return
		}
	}
}

// handleMessage processes one broker message. It returns true when the
// broker asked for a reconnect.
func (w *Worker) handleMessage(frames [][]byte) bool {
	msg, err := protocol.ParseWorkerMessage(frames)
	if err != nil {
		w.log.Warn().Err(err).Msg("dropping malformed message")
		return false
	}

	switch msg.Command {
	case protocol.HEARTBEAT:
		// liveness only
	case protocol.DISCONNECT:
		w.log.Info().Msg("broker requested disconnect")
		return true
	case protocol.POST:
		w.handlePost(msg)
	case protocol.GET:
		w.handleGet(msg)
	case protocol.DELETE:
		w.handleDelete(msg)
	default:
		w.log.Warn().Str("command", msg.Command.String()).Msg("unexpected command")
	}
	return false
}

func (w *Worker) handlePost(msg protocol.WorkerMessage) {
	uuid := string(msg.UUID)
	clientAddr := string(msg.ClientAddr)

	req, err := protocol.ParseRequest(msg.Request)
	if err != nil {
		w.log.Warn().Err(err).Str("juuid", uuid).Msg("bad request payload")
		w.queue(protocol.WorkerResponse(msg.ClientAddr, msg.UUID, protocol.StatusBadRequest,
			[]byte(fmt.Sprintf("%q", err.Error()))))
		return
	}

	err = w.store.AddJob(jobstore.Job{
		UUID:              uuid,
		Service:           w.service,
		Task:              req.Task,
		Args:              req.Args,
		Kwargs:            req.Kwargs,
		Status:            jobstore.StatusPending,
		ReceivedTimestamp: time.Now().Format(protocol.TimestampFormat),
		CreatedAt:         time.Now(),
	})
	if err != nil {
		w.log.Error().Err(err).Str("juuid", uuid).Msg("persist job")
		w.queue(protocol.WorkerResponse(msg.ClientAddr, msg.UUID, protocol.StatusInternal,
			[]byte(fmt.Sprintf("%q", err.Error()))))
		return
	}

	ack, _ := json.Marshal(map[string]string{"worker": w.name})
	w.queue(protocol.WorkerResponse(msg.ClientAddr, msg.UUID, protocol.StatusAccepted, ack))

	select {
	case w.tasks <- dispatch{uuid: uuid, clientAddr: clientAddr, request: req}:
	default:
		// pool backlog full, fail fast rather than queue unbounded
		w.log.Warn().Str("juuid", uuid).Msg("task backlog full")
		res := NewResult(nil).Fail("worker task backlog full")
		res.Task = req.Task
		res.JUUID = uuid
		w.finishJob(uuid, req.Task, res)
	}
}

func (w *Worker) handleGet(msg protocol.WorkerMessage) {
	uuid := string(msg.UUID)

	if len(msg.Request) > 0 {
		if req, err := protocol.ParseRequest(msg.Request); err == nil && req.Task != "" {
			if meta, fn, ok := w.registry.Lookup(req.Task); ok && meta.Direct {
				// direct tasks answer the GET itself, no job lifecycle
				go w.runDirect(msg, req, fn)
				return
			}
		}
	}

	job, err := w.store.GetJob(uuid)
	if err != nil {
		// unknown uuid answers with a failed envelope so the client can
		// close the job out instead of treating it as a routing error
		res := NewResult(nil).Fail("job not found: " + uuid)
		res.JUUID = uuid
		res.Status = "failed"
		w.queue(protocol.WorkerResponse(msg.ClientAddr, msg.UUID, protocol.StatusOK,
			res.Bytes(w.name)))
		return
	}

	switch job.Status {
	case jobstore.StatusCompleted, jobstore.StatusFailed:
		payload, _ := json.Marshal(job.ResultData)
		w.queue(protocol.WorkerResponse(msg.ClientAddr, msg.UUID, protocol.StatusOK, payload))
	default:
		payload, _ := json.Marshal(map[string]string{"worker": w.name})
		w.queue(protocol.WorkerResponse(msg.ClientAddr, msg.UUID, protocol.StatusPending, payload))
	}
}

func (w *Worker) handleDelete(msg protocol.WorkerMessage) {
	uuid := string(msg.UUID)

	w.activeMu.Lock()
	if job, ok := w.active[uuid]; ok {
		job.Cancel()
	}
	w.activeMu.Unlock()

	if err := w.store.DeleteJob(uuid); err != nil && err != jobstore.ErrNotFound {
		w.queue(protocol.WorkerResponse(msg.ClientAddr, msg.UUID, protocol.StatusInternal,
			[]byte(fmt.Sprintf("%q", err.Error()))))
		return
	}
	w.queue(protocol.WorkerResponse(msg.ClientAddr, msg.UUID, protocol.StatusOK,
		[]byte(fmt.Sprintf("%q", "deleted"))))
}

func (w *Worker) runDirect(msg protocol.WorkerMessage, req protocol.Request, fn TaskFunc) {
	job := &Job{UUID: string(msg.UUID), Task: req.Task, ClientAddr: string(msg.ClientAddr), worker: w}
	res := w.execute(job, req, fn)
	if res.Raw != nil {
		w.queue(protocol.WorkerResponse(msg.ClientAddr, msg.UUID, protocol.StatusOK, res.Raw))
		return
	}
	status := protocol.StatusOK
	if res.Failed {
		status = protocol.StatusInternal
	}
	w.queue(protocol.WorkerResponse(msg.ClientAddr, msg.UUID, status, res.Bytes(w.name)))
}

func (w *Worker) poolWorker() {
	defer w.wg.Done()
	for d := range w.tasks {
		w.runDispatch(d)
	}
}

func (w *Worker) runDispatch(d dispatch) {
	w.busy.Add(1)
	defer w.busy.Add(-1)

	job := &Job{UUID: d.uuid, Task: d.request.Task, ClientAddr: d.clientAddr, worker: w}
	w.activeMu.Lock()
	w.active[d.uuid] = job
	w.activeMu.Unlock()
	defer func() {
		w.activeMu.Lock()
		delete(w.active, d.uuid)
		w.activeMu.Unlock()
	}()

	started := time.Now().Format(protocol.TimestampFormat)
	_, fn, ok := w.registry.Lookup(d.request.Task)
	var res *Result
	if !ok {
		res = NewResult(nil).Fail("unsupported task: " + d.request.Task)
	} else {
		res = w.execute(job, d.request, fn)
	}
	res.Task = d.request.Task
	res.JUUID = d.uuid
	res.TaskStarted = started
	res.TaskCompleted = time.Now().Format(protocol.TimestampFormat)
	if res.Status == "" {
		if res.Failed {
			res.Status = "failed"
		} else {
			res.Status = "completed"
		}
	}
	w.finishJob(d.uuid, d.request.Task, res)
}

// execute runs a task function, turning panics into failed envelopes.
func (w *Worker) execute(job *Job, req protocol.Request, fn TaskFunc) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Str("juuid", job.UUID).Str("task", req.Task).
				Interface("panic", r).Msg("task panicked")
			res = NewResult(nil).Fail(fmt.Sprintf("task %s panicked: %v", req.Task, r))
		}
	}()
	out, err := fn(job, req.Args, req.Kwargs)
	if err != nil {
		return NewResult(nil).Fail(err.Error())
	}
	if out == nil {
		out = NewResult(nil)
	}
	return out
}

func (w *Worker) finishJob(uuid, task string, res *Result) {
	status := jobstore.StatusCompleted
	if res.Failed {
		status = jobstore.StatusFailed
	}
	upd := jobstore.JobUpdate{
		Status:      status,
		ResultData:  map[string]any{w.name: res.Envelope()},
		CompletedTS: time.Now().Format(protocol.TimestampFormat),
		StartedTS:   res.TaskStarted,
	}
	if res.Failed {
		upd.Errors = res.Errors
	}
	if err := w.store.UpdateJob(uuid, upd); err != nil {
		w.log.Error().Err(err).Str("juuid", uuid).Msg("record job outcome")
	}
	w.log.Debug().Str("juuid", uuid).Str("task", task).Str("status", status).Msg("job finished")
}

// emitEvent queues an event for the broker, dropping the oldest queued
// event on overflow, and mirrors it into the local job log.
func (w *Worker) emitEvent(clientAddr string, ev protocol.Event) {
	if err := w.store.AddEvent(jobstore.Event{
		JobUUID:   ev.JUUID,
		Message:   ev.Message,
		Severity:  string(ev.Severity),
		Task:      ev.Task,
		Data:      ev.Extras,
		CreatedAt: time.Now(),
	}); err != nil && err != jobstore.ErrNotFound {
		w.log.Warn().Err(err).Msg("mirror event to job log")
	}

	qe := queuedEvent{clientAddr: clientAddr, event: ev}
	select {
	case w.events <- qe:
		return
	default:
	}
	select {
	case <-w.events:
		w.log.Warn().Msg("event queue full, dropping oldest")
	default:
	}
	select {
	case w.events <- qe:
	default:
	}
}

func (w *Worker) registerBaseTasks() {
	w.registry.MustRegister(TaskMeta{
		Name:        "echo",
		Description: "Return the submitted arguments back to the caller",
	}, w.taskEcho)
	w.registry.MustRegister(TaskMeta{
		Name:        "get_version",
		Description: "Report worker software versions",
	}, w.taskGetVersion)
	w.registry.MustRegister(TaskMeta{
		Name:        "get_status",
		Description: "Report worker runtime status",
	}, w.taskGetStatus)
	w.registry.MustRegister(TaskMeta{
		Name:        "get_inventory",
		Description: "Return this worker's inventory data",
		Direct:      true,
	}, w.taskGetInventory)
	w.registry.MustRegister(TaskMeta{
		Name:        "list_tasks",
		Description: "List tasks registered with this worker",
	}, w.taskListTasks)
}

func (w *Worker) taskEcho(job *Job, args []any, kwargs map[string]any) (*Result, error) {
	if v, ok := kwargs["sleep"]; ok {
		if seconds, ok := toFloat(v); ok {
			deadline := time.Now().Add(time.Duration(seconds * float64(time.Second)))
			for time.Now().Before(deadline) && !job.Cancelled() {
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
	if v, ok := kwargs["raise_error"]; ok {
		return nil, fmt.Errorf("%v", v)
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return NewResult(map[string]any{
		"client_address": job.ClientAddr,
		"juuid":          job.UUID,
		"task":           job.Task,
		"args":           args,
		"kwargs":         kwargs,
	}), nil
}

func (w *Worker) taskGetVersion(job *Job, args []any, kwargs map[string]any) (*Result, error) {
	return NewResult(map[string]any{
		"version":  w.version,
		"golang":   runtime.Version(),
		"platform": runtime.GOOS + "/" + runtime.GOARCH,
	}), nil
}

func (w *Worker) taskGetStatus(job *Job, args []any, kwargs map[string]any) (*Result, error) {
	return NewResult(map[string]any{
		"status":    "OK",
		"service":   w.service,
		"uptime":    time.Since(w.startedAt).Round(time.Second).String(),
		"pool_size": w.poolSize,
		"busy":      w.busy.Load(),
	}), nil
}

func (w *Worker) taskGetInventory(job *Job, args []any, kwargs map[string]any) (*Result, error) {
	data := w.data
	if data == nil {
		data = map[string]any{}
	}
	return NewResult(data), nil
}

func (w *Worker) taskListTasks(job *Job, args []any, kwargs map[string]any) (*Result, error) {
	brief := false
	if v, ok := kwargs["brief"].(bool); ok {
		brief = v
	}
	pattern, _ := kwargs["name"].(string)
	return NewResult(w.registry.List(brief, pattern)), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
