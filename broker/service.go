package broker

import (
	"sort"
	"time"

	"github.com/norfablabs/norfab/queue"
)

// workerRef is the broker's view of one connected worker. The identity on
// the ROUTER socket doubles as the worker name.
type workerRef struct {
	name    string
	service string
	expiry  time.Time
}

// directory tracks registered workers grouped by service. It is only
// touched from the broker loop goroutine, no locking.
type directory struct {
	workers  map[string]*workerRef
	services map[string][]*workerRef
	liveness time.Duration

	// expiries orders workers by heartbeat deadline. Heartbeats push new
	// entries rather than updating old ones, purge skips stale pops.
	expiries *queue.DeadlineQueue

	// rotation offset per service for fair any-dispatch
	next map[string]int
}

func newDirectory(liveness time.Duration) *directory {
	return &directory{
		workers:  make(map[string]*workerRef),
		services: make(map[string][]*workerRef),
		liveness: liveness,
		expiries: queue.New(),
		next:     make(map[string]int),
	}
}

// add registers a worker, replacing any stale registration with the same
// name. Returns the ref.
func (d *directory) add(name, service string, now time.Time) *workerRef {
	if old, ok := d.workers[name]; ok {
		d.remove(old.name)
	}
	ref := &workerRef{name: name, service: service, expiry: now.Add(d.liveness)}
	d.workers[name] = ref
	d.services[service] = append(d.services[service], ref)
	d.expiries.Push(name, ref.expiry.UnixNano())
	return ref
}

func (d *directory) remove(name string) {
	ref, ok := d.workers[name]
	if !ok {
		return
	}
	delete(d.workers, name)
	pool := d.services[ref.service]
	for i, candidate := range pool {
		if candidate == ref {
			d.services[ref.service] = append(pool[:i], pool[i+1:]...)
			break
		}
	}
	if len(d.services[ref.service]) == 0 {
		delete(d.services, ref.service)
		delete(d.next, ref.service)
	}
}

func (d *directory) get(name string) (*workerRef, bool) {
	ref, ok := d.workers[name]
	return ref, ok
}

// touch extends a worker's expiry. Returns false for unknown workers, the
// broker then tells the peer to re-register.
func (d *directory) touch(name string, now time.Time) bool {
	ref, ok := d.workers[name]
	if !ok {
		return false
	}
	ref.expiry = now.Add(d.liveness)
	d.expiries.Push(name, ref.expiry.UnixNano())
	return true
}

// purge removes every worker whose expiry passed and returns their names.
func (d *directory) purge(now time.Time) []string {
	var expired []string
	for _, item := range d.expiries.PopExpired(now.UnixNano()) {
		ref, ok := d.workers[item.Value]
		if !ok || ref.expiry.UnixNano() > item.Priority {
			// already gone, or a heartbeat pushed a later deadline
			continue
		}
		expired = append(expired, item.Value)
	}
	sort.Strings(expired)
	for _, name := range expired {
		d.remove(name)
	}
	return expired
}

// all returns every worker of a service sorted by name.
func (d *directory) all(service string) []*workerRef {
	pool := d.services[service]
	out := make([]*workerRef, len(pool))
	copy(out, pool)
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// any picks one worker of a service, rotating through the pool so load
// spreads across workers.
func (d *directory) any(service string) (*workerRef, bool) {
	pool := d.services[service]
	if len(pool) == 0 {
		return nil, false
	}
	i := d.next[service] % len(pool)
	d.next[service] = i + 1
	return pool[i], true
}

// named resolves explicit worker names within a service. Names that are
// not currently registered come back in absent: dispatch skips them but
// the client still counts them in its dispatch set.
func (d *directory) named(service string, names []string) (present []*workerRef, absent []string) {
	for _, name := range names {
		ref, ok := d.workers[name]
		if ok && ref.service == service {
			present = append(present, ref)
		} else {
			absent = append(absent, name)
		}
	}
	return present, absent
}

func (d *directory) serviceNames() []string {
	names := make([]string, 0, len(d.services))
	for name := range d.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *directory) workerNames() []string {
	names := make([]string, 0, len(d.workers))
	for name := range d.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
