package worker

import (
	"fmt"
	"path"
	"sort"
	"sync"
)

// TaskFunc is the body of a task. The injected Job handle carries the job
// uuid, the submitting client address and the event emitter. Returning an
// error or a Result with Failed set both produce a failed envelope.
type TaskFunc func(job *Job, args []any, kwargs map[string]any) (*Result, error)

// TaskMeta describes a registered task for list_tasks and schema consumers.
type TaskMeta struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"inputSchema"`
	OutputSchema map[string]any `json:"outputSchema"`
	Annotations  map[string]any `json:"annotations"`

	// Direct tasks are executed synchronously on GET instead of going
	// through the POST job lifecycle. Used by the file-sharing service and
	// the inventory proxy.
	Direct bool `json:"-"`
}

type taskEntry struct {
	meta TaskMeta
	fn   TaskFunc
}

// Registry maps task names to typed function values. It is built once at
// worker construction, lookups after that are read-only.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]taskEntry
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]taskEntry)}
}

func (r *Registry) Register(meta TaskMeta, fn TaskFunc) error {
	if meta.Name == "" {
		return fmt.Errorf("registry: task name required")
	}
	if fn == nil {
		return fmt.Errorf("registry: task %q has no function", meta.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[meta.Name]; ok {
		return fmt.Errorf("registry: task %q already registered", meta.Name)
	}
	if meta.InputSchema == nil {
		meta.InputSchema = map[string]any{"type": "object"}
	}
	if meta.OutputSchema == nil {
		meta.OutputSchema = map[string]any{"type": "object"}
	}
	if meta.Annotations == nil {
		meta.Annotations = map[string]any{}
	}
	r.tasks[meta.Name] = taskEntry{meta: meta, fn: fn}
	return nil
}

// MustRegister panics on registration conflicts, used for built-in tasks
// wired at construction time.
func (r *Registry) MustRegister(meta TaskMeta, fn TaskFunc) {
	if err := r.Register(meta, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (TaskMeta, TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tasks[name]
	return entry.meta, entry.fn, ok
}

// List returns task metadata sorted by name, optionally filtered by a glob
// pattern. With brief set only the names are returned.
func (r *Registry) List(brief bool, pattern string) []any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		if pattern != "" {
			if ok, _ := path.Match(pattern, name); !ok {
				continue
			}
		}
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]any, 0, len(names))
	for _, name := range names {
		if brief {
			out = append(out, name)
		} else {
			out = append(out, r.tasks[name].meta)
		}
	}
	return out
}
