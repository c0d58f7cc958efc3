package worker

import "encoding/json"

// Result is the uniform envelope every task returns. The Result field is
// task-defined, everything else is infrastructure filled in by the worker.
type Result struct {
	Task          string   `json:"task"`
	Result        any      `json:"result"`
	Failed        bool     `json:"failed"`
	Errors        []string `json:"errors"`
	Messages      []string `json:"messages"`
	Status        string   `json:"status"`
	TaskStarted   string   `json:"task_started"`
	TaskCompleted string   `json:"task_completed"`
	JUUID         string   `json:"juuid"`
	Resources     []string `json:"resources"`
	Diff          string   `json:"diff"`
	DryRun        bool     `json:"dry_run"`

	// Raw, when set, replaces the JSON envelope as the reply payload. Used
	// by fetch_file to stream chunk bytes to the client unencoded.
	Raw []byte `json:"-"`
}

// NewResult builds an envelope with non-nil slice fields so the JSON shape
// is stable.
func NewResult(result any) *Result {
	return &Result{
		Result:    result,
		Errors:    []string{},
		Messages:  []string{},
		Resources: []string{},
	}
}

// Fail marks the envelope failed with the given errors.
func (r *Result) Fail(errs ...string) *Result {
	r.Failed = true
	r.Errors = append(r.Errors, errs...)
	return r
}

func (r *Result) normalize() {
	if r.Errors == nil {
		r.Errors = []string{}
	}
	if r.Messages == nil {
		r.Messages = []string{}
	}
	if r.Resources == nil {
		r.Resources = []string{}
	}
}

// Bytes renders the envelope keyed by the worker name, the shape clients
// merge into their result_data.
func (r *Result) Bytes(workerName string) []byte {
	r.normalize()
	data, _ := json.Marshal(map[string]*Result{workerName: r})
	return data
}

// Envelope renders the bare envelope without the worker-name wrapper.
func (r *Result) Envelope() map[string]any {
	r.normalize()
	data, _ := json.Marshal(r)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}
