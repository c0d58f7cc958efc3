package protocol

import "fmt"

// Peer headers. The first non-empty frame of every NFP message names the
// role of the sender (requests) or the intended receiver role (replies).
var (
	Client = []byte("NFPC01")
	Worker = []byte("NFPW01")
)

// Command identifies the NFP command carried by a message. Commands travel
// on the wire in their literal ASCII form so that captures stay readable.
type Command string

const (
	NOOP       Command = "0x00"
	READY      Command = "0x01"
	DISCONNECT Command = "0x02"
	HEARTBEAT  Command = "0x03"
	POST       Command = "0x04"
	RESPONSE   Command = "0x05"
	GET        Command = "0x06"
	DELETE     Command = "0x07"
	EVENT      Command = "0x08"
)

func (c Command) Bytes() []byte {
	return []byte(c)
}

func (c Command) String() string {
	switch c {
	case NOOP:
		return "NOOP"
	case READY:
		return "READY"
	case DISCONNECT:
		return "DISCONNECT"
	case HEARTBEAT:
		return "HEARTBEAT"
	case POST:
		return "POST"
	case RESPONSE:
		return "RESPONSE"
	case GET:
		return "GET"
	case DELETE:
		return "DELETE"
	case EVENT:
		return "EVENT"
	}
	return fmt.Sprintf("UNKNOWN(%s)", string(c))
}

// Management pseudo-services answered by the broker itself instead of being
// forwarded to a service queue.
const (
	MMIService = "mmi.service.broker"
	SIDService = "sid.service.broker"
	FSSService = "fss.service.broker"
)

// Status codes travel as 3 ASCII digits.
type Status string

const (
	StatusOK           Status = "200"
	StatusAccepted     Status = "202"
	StatusPending      Status = "300"
	StatusBadRequest   Status = "400"
	StatusNotFound     Status = "404"
	StatusTimeout      Status = "408"
	StatusHashMismatch Status = "417"
	StatusInternal     Status = "500"
)

func (s Status) Bytes() []byte {
	return []byte(s)
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "200 OK"
	case StatusAccepted:
		return "202 Accepted"
	case StatusPending:
		return "300 Pending"
	case StatusBadRequest:
		return "400 Bad Request"
	case StatusNotFound:
		return "404 Not Found"
	case StatusTimeout:
		return "408 Request Timeout"
	case StatusHashMismatch:
		return "417 Hash Mismatch"
	case StatusInternal:
		return "500 Internal Error"
	}
	return string(s)
}

// Severity of an event record.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Workers target forms accepted in the workers frame of POST and GET.
var (
	WorkersAll = []byte("all")
	WorkersAny = []byte("any")
)
