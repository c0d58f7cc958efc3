package broker

import (
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/norfablabs/norfab/protocol"
	"github.com/norfablabs/norfab/worker"
)

// Management pseudo-services. MMI requests are answered by the broker
// itself, SID and FSS requests are routed to a worker able to answer and
// the reply flows back through the normal RESPONSE path.

func (b *Broker) handleMMI(clientAddr, uuid, request []byte) {
	req, err := protocol.ParseRequest(request)
	if err != nil {
		b.replyError(clientAddr, protocol.MMIService, uuid, protocol.StatusBadRequest, err.Error())
		return
	}

	var result any
	switch req.Task {
	case "show_workers":
		result = b.showWorkers(req.Kwargs)
	case "show_broker":
		result = b.showBroker()
	case "show_broker_version":
		result = map[string]string{
			"version":  b.version,
			"golang":   runtime.Version(),
			"platform": runtime.GOOS + "/" + runtime.GOARCH,
		}
	case "show_broker_inventory":
		if b.inv == nil {
			b.replyError(clientAddr, protocol.MMIService, uuid, protocol.StatusNotFound,
				"broker has no inventory")
			return
		}
		result = b.inv
	default:
		b.replyError(clientAddr, protocol.MMIService, uuid, protocol.StatusBadRequest,
			"unsupported mmi task "+req.Task)
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		b.replyError(clientAddr, protocol.MMIService, uuid, protocol.StatusInternal, err.Error())
		return
	}
	b.send(protocol.BrokerToClientResponse(clientAddr, []byte(protocol.MMIService), uuid,
		protocol.StatusOK, payload))
}

func (b *Broker) showWorkers(kwargs map[string]any) []map[string]any {
	serviceFilter, _ := kwargs["service"].(string)
	now := time.Now()
	out := []map[string]any{}
	for _, name := range b.dir.workerNames() {
		ref := b.dir.workers[name]
		if serviceFilter != "" && ref.service != serviceFilter {
			continue
		}
		out = append(out, map[string]any{
			"name":     ref.name,
			"service":  ref.service,
			"status":   "alive",
			"holdtime": ref.expiry.Sub(now).Round(time.Millisecond).String(),
		})
	}
	return out
}

func (b *Broker) showBroker() map[string]any {
	return map[string]any{
		"endpoint":       b.endpoint,
		"status":         "active",
		"keepalives":     b.heartbeat.String(),
		"workers count":  len(b.dir.workers),
		"services count": len(b.dir.services),
		"uptime":         time.Since(b.startedAt).Round(time.Second).String(),
	}
}

// handleSID proxies inventory requests for a named worker: the GET is
// forwarded to the worker's direct get_inventory task and the worker
// answers the client through the broker.
func (b *Broker) handleSID(clientAddr, uuid, request []byte) {
	req, err := protocol.ParseRequest(request)
	if err != nil {
		b.replyError(clientAddr, protocol.SIDService, uuid, protocol.StatusBadRequest, err.Error())
		return
	}
	name, _ := req.Kwargs["name"].(string)
	if name == "" {
		b.replyError(clientAddr, protocol.SIDService, uuid, protocol.StatusBadRequest,
			"name kwarg is required")
		return
	}

	if _, ok := b.dir.get(name); !ok {
		// worker not connected: fall back to the static inventory
		if b.inv != nil {
			if wcfg, found := b.inv.Workers[name]; found {
				payload, _ := json.Marshal(wcfg.Data)
				b.send(protocol.BrokerToClientResponse(clientAddr, []byte(protocol.SIDService),
					uuid, protocol.StatusOK, payload))
				return
			}
		}
		b.replyError(clientAddr, protocol.SIDService, uuid, protocol.StatusNotFound,
			"unknown worker "+name)
		return
	}

	fwd := protocol.Request{Task: "get_inventory"}
	b.send(protocol.BrokerToWorker([]byte(name), protocol.GET, clientAddr, uuid, fwd.Bytes()))
}

// handleFSS routes a file-sharing request to any ready worker of the
// filesharing service. The tasks are direct, the worker answers the GET
// itself.
func (b *Broker) handleFSS(clientAddr, uuid, request []byte) {
	ref, ok := b.dir.any(worker.FileServiceName)
	if !ok {
		b.replyError(clientAddr, protocol.FSSService, uuid, protocol.StatusNotFound,
			fmt.Sprintf("no %s workers available", worker.FileServiceName))
		return
	}
	b.send(protocol.BrokerToWorker([]byte(ref.name), protocol.GET, clientAddr, uuid, request))
	b.metrics.dispatched(ref.service)
}
