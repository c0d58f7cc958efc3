package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientPostFrames(t *testing.T) {
	msg := ClientPost([]byte("nornir"), WorkersAll, []byte("abc123"), Request{Task: "echo"}.Bytes())
	require.Len(t, msg, 7)
	assert.Empty(t, msg[0])
	assert.Equal(t, Client, msg[1])
	assert.Equal(t, POST.Bytes(), msg[2])
	assert.Equal(t, []byte("nornir"), msg[3])
	assert.Equal(t, []byte("all"), msg[4])
	assert.Equal(t, []byte("abc123"), msg[5])
}

func TestClientReplyRoundTrip(t *testing.T) {
	frames := BrokerToClientResponse([]byte("cl-1"), []byte("nornir"), []byte("u1"), StatusAccepted, []byte(`{"workers": []}`))
	// the DEALER socket strips the routing address on receive
	reply, err := ParseClientReply(frames[1:])
	require.NoError(t, err)
	assert.Equal(t, RESPONSE, reply.Command)
	assert.Equal(t, []byte("nornir"), reply.Service)
	assert.Equal(t, []byte("u1"), reply.UUID)
	assert.Equal(t, StatusAccepted, reply.Status)
}

func TestParseClientReplyErrors(t *testing.T) {
	cases := []struct {
		name   string
		frames [][]byte
	}{
		{"too few frames", [][]byte{{}, Client, RESPONSE.Bytes()}},
		{"missing delimiter", [][]byte{[]byte("x"), Client, RESPONSE.Bytes(), nil, nil, nil, nil}},
		{"wrong header", [][]byte{{}, Worker, RESPONSE.Bytes(), nil, nil, nil, nil}},
		{"wrong command", [][]byte{{}, Client, POST.Bytes(), nil, nil, nil, nil}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientReply(tc.frames)
			assert.Error(t, err)
		})
	}
}

func TestBrokerMessageFromWorker(t *testing.T) {
	// ROUTER prepends the sender identity to whatever the DEALER sent
	sent := WorkerReady([]byte("nornir"))
	frames := append([][]byte{[]byte("worker-1")}, sent...)
	msg, err := ParseBrokerMessage(frames)
	require.NoError(t, err)
	assert.Equal(t, []byte("worker-1"), msg.Sender)
	assert.Equal(t, Worker, msg.Header)
	assert.Equal(t, READY, msg.Command)
	require.Len(t, msg.Frames, 1)
	assert.Equal(t, []byte("nornir"), msg.Frames[0])
}

func TestWorkerMessageRoundTrip(t *testing.T) {
	req := Request{Task: "cli", Kwargs: map[string]any{"commands": []any{"show clock"}}}
	frames := BrokerToWorker([]byte("w1"), POST, []byte("client-addr"), []byte("u2"), req.Bytes())
	// worker DEALER strips its own identity frame
	msg, err := ParseWorkerMessage(frames[1:])
	require.NoError(t, err)
	assert.Equal(t, POST, msg.Command)
	assert.Equal(t, []byte("client-addr"), msg.ClientAddr)
	assert.Equal(t, []byte("u2"), msg.UUID)

	parsed, err := ParseRequest(msg.Request)
	require.NoError(t, err)
	assert.Equal(t, "cli", parsed.Task)
}

func TestWorkerDisconnectParses(t *testing.T) {
	frames := BrokerDisconnectWorker([]byte("w1"))
	msg, err := ParseWorkerMessage(frames[1:])
	require.NoError(t, err)
	assert.Equal(t, DISCONNECT, msg.Command)
}

func TestEventRoundTrip(t *testing.T) {
	ev := Event{
		JUUID:    "d5433e88c6a0460fa695e2981aa593f6",
		Worker:   "nornir-worker-1",
		Service:  "nornir",
		Task:     "cli",
		Message:  "Task completed",
		Severity: SeverityInfo,
		Status:   "completed",
	}
	parsed, err := ParseEvent(ev.Bytes())
	require.NoError(t, err)
	assert.Equal(t, ev.JUUID, parsed.JUUID)
	assert.Equal(t, ev.Worker, parsed.Worker)
	assert.NotNil(t, parsed.Resource)
	assert.NotNil(t, parsed.Extras)
}

func TestCommandNames(t *testing.T) {
	assert.Equal(t, "POST", POST.String())
	assert.Equal(t, "EVENT", EVENT.String())
	assert.Equal(t, "UNKNOWN(0xff)", Command("0xff").String())
	assert.Equal(t, "300 Pending", StatusPending.String())
}
