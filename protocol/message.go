package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TimestampFormat is used for event timestamps across all peers.
const TimestampFormat = "02-Jan-2006 15:04:05.000"

// Request is the body of the request_json frame carried by POST and GET.
type Request struct {
	Task   string         `json:"task"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

func (r Request) Bytes() []byte {
	if r.Args == nil {
		r.Args = []any{}
	}
	if r.Kwargs == nil {
		r.Kwargs = map[string]any{}
	}
	data, _ := json.Marshal(r)
	return data
}

func ParseRequest(payload []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(payload, &r); err != nil {
		return r, fmt.Errorf("malformed request payload: %w", err)
	}
	return r, nil
}

// Event is the progress record workers emit while a job is running.
type Event struct {
	JUUID     string         `json:"uuid"`
	Worker    string         `json:"worker"`
	Service   string         `json:"service"`
	Task      string         `json:"task"`
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Timestamp string         `json:"timestamp"`
	Status    string         `json:"status"`
	Resource  []string       `json:"resource"`
	Extras    map[string]any `json:"extras"`
}

func (e Event) Bytes() []byte {
	if e.Resource == nil {
		e.Resource = []string{}
	}
	if e.Extras == nil {
		e.Extras = map[string]any{}
	}
	data, _ := json.Marshal(e)
	return data
}

func ParseEvent(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return e, fmt.Errorf("malformed event payload: %w", err)
	}
	return e, nil
}

var empty = []byte("")

// Client side builders. Clients talk to the broker over a DEALER socket, so
// the routing address frame is absent and the message leads with the empty
// delimiter.

func ClientPost(service, workers, uuid, request []byte) [][]byte {
	return [][]byte{empty, Client, POST.Bytes(), service, workers, uuid, request}
}

func ClientGet(service, workers, uuid, request []byte) [][]byte {
	return [][]byte{empty, Client, GET.Bytes(), service, workers, uuid, request}
}

func ClientDelete(service, workers, uuid, request []byte) [][]byte {
	return [][]byte{empty, Client, DELETE.Bytes(), service, workers, uuid, request}
}

// Worker side builders.

func WorkerReady(service []byte) [][]byte {
	return [][]byte{empty, Worker, READY.Bytes(), service}
}

func WorkerHeartbeat() [][]byte {
	return [][]byte{empty, Worker, HEARTBEAT.Bytes()}
}

func WorkerDisconnect() [][]byte {
	return [][]byte{empty, Worker, DISCONNECT.Bytes()}
}

// WorkerResponse carries a reply addressed to the client whose routing
// address the broker prepended on dispatch. The broker inserts the service
// frame on the way back, it knows which service the worker registered under.
func WorkerResponse(clientAddr, uuid []byte, status Status, payload []byte) [][]byte {
	return [][]byte{empty, Worker, RESPONSE.Bytes(), clientAddr, uuid, status.Bytes(), payload}
}

func WorkerEvent(clientAddr, uuid []byte, severity Severity, payload []byte) [][]byte {
	return [][]byte{empty, Worker, EVENT.Bytes(), clientAddr, uuid, []byte(severity), payload}
}

// Broker side builders. The broker owns a ROUTER socket, frame zero routes
// the message to the named peer.

func BrokerToWorker(workerAddr []byte, command Command, clientAddr, uuid, request []byte) [][]byte {
	return [][]byte{workerAddr, empty, Worker, command.Bytes(), clientAddr, uuid, request}
}

func BrokerDisconnectWorker(workerAddr []byte) [][]byte {
	return [][]byte{workerAddr, empty, Worker, DISCONNECT.Bytes()}
}

func BrokerHeartbeatWorker(workerAddr []byte) [][]byte {
	return [][]byte{workerAddr, empty, Worker, HEARTBEAT.Bytes()}
}

func BrokerToClientResponse(clientAddr, service, uuid []byte, status Status, payload []byte) [][]byte {
	return [][]byte{clientAddr, empty, Client, RESPONSE.Bytes(), service, uuid, status.Bytes(), payload}
}

func BrokerToClientEvent(clientAddr, service, uuid, severity, payload []byte) [][]byte {
	return [][]byte{clientAddr, empty, Client, EVENT.Bytes(), service, uuid, severity, payload}
}

// ClientReply is a RESPONSE or EVENT message as seen by a client after the
// DEALER socket stripped its own identity.
type ClientReply struct {
	Command Command
	Service []byte
	UUID    []byte
	Status  Status
	Payload []byte
}

func ParseClientReply(frames [][]byte) (ClientReply, error) {
	var r ClientReply
	if len(frames) != 7 {
		return r, fmt.Errorf("client reply: expected 7 frames, got %d", len(frames))
	}
	if len(frames[0]) != 0 {
		return r, fmt.Errorf("client reply: missing empty delimiter")
	}
	if !bytes.Equal(frames[1], Client) {
		return r, fmt.Errorf("client reply: bad header %q", frames[1])
	}
	r.Command = Command(frames[2])
	if r.Command != RESPONSE && r.Command != EVENT {
		return r, fmt.Errorf("client reply: unexpected command %s", r.Command)
	}
	r.Service = frames[3]
	r.UUID = frames[4]
	r.Status = Status(frames[5])
	r.Payload = frames[6]
	return r, nil
}

// BrokerMessage is any message as seen by the broker's ROUTER socket.
// Sender is the routing address of the originating peer, Header tags its
// role and Frames holds everything after the command frame.
type BrokerMessage struct {
	Sender  []byte
	Header  []byte
	Command Command
	Frames  [][]byte
}

func ParseBrokerMessage(frames [][]byte) (BrokerMessage, error) {
	var m BrokerMessage
	if len(frames) < 3 {
		return m, fmt.Errorf("broker message: expected at least 3 frames, got %d", len(frames))
	}
	m.Sender = frames[0]
	if len(frames[1]) != 0 {
		return m, fmt.Errorf("broker message: missing empty delimiter")
	}
	m.Header = frames[2]
	if !bytes.Equal(m.Header, Client) && !bytes.Equal(m.Header, Worker) {
		return m, fmt.Errorf("broker message: unknown header %q", m.Header)
	}
	if len(frames) > 3 {
		m.Command = Command(frames[3])
	} else {
		return m, fmt.Errorf("broker message: missing command frame")
	}
	m.Frames = frames[4:]
	return m, nil
}

// WorkerMessage is a broker command as seen by a worker's DEALER socket.
type WorkerMessage struct {
	Command    Command
	ClientAddr []byte
	UUID       []byte
	Request    []byte
}

func ParseWorkerMessage(frames [][]byte) (WorkerMessage, error) {
	var m WorkerMessage
	if len(frames) < 3 {
		return m, fmt.Errorf("worker message: expected at least 3 frames, got %d", len(frames))
	}
	if len(frames[0]) != 0 {
		return m, fmt.Errorf("worker message: missing empty delimiter")
	}
	if !bytes.Equal(frames[1], Worker) {
		return m, fmt.Errorf("worker message: bad header %q", frames[1])
	}
	m.Command = Command(frames[2])
	if m.Command == DISCONNECT || m.Command == HEARTBEAT {
		return m, nil
	}
	if len(frames) != 6 {
		return m, fmt.Errorf("worker message: expected 6 frames for %s, got %d", m.Command, len(frames))
	}
	m.ClientAddr = frames[3]
	m.UUID = frames[4]
	m.Request = frames[5]
	return m, nil
}
