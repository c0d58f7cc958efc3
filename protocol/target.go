package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Target is the parsed form of the workers frame of POST and GET: the ASCII
// bytes "all", "any", or a JSON array of worker names.
type Target struct {
	All   bool
	Any   bool
	Names []string
}

func TargetAll() Target { return Target{All: true} }
func TargetAny() Target { return Target{Any: true} }
func TargetNames(n ...string) Target { return Target{Names: n} }

// ParseTarget decodes a workers frame.
func ParseTarget(frame []byte) (Target, error) {
	switch {
	case bytes.Equal(frame, WorkersAll):
		return Target{All: true}, nil
	case bytes.Equal(frame, WorkersAny):
		return Target{Any: true}, nil
	}
	var names []string
	if err := json.Unmarshal(frame, &names); err != nil {
		return Target{}, fmt.Errorf("malformed workers target %q: %w", frame, err)
	}
	return Target{Names: names}, nil
}

// Bytes renders the wire form of the target.
func (t Target) Bytes() []byte {
	switch {
	case t.All:
		return WorkersAll
	case t.Any:
		return WorkersAny
	}
	data, _ := json.Marshal(t.Names)
	return data
}

func (t Target) String() string {
	return string(t.Bytes())
}
