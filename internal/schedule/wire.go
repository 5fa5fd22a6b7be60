package schedule

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// entry is one element of a node's schedules param, as the cloud carries it.
type entry struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Operation Operation     `json:"operation,omitempty"`
	Triggers  []Trigger     `json:"triggers,omitempty"`
	Enabled   *flag         `json:"enabled,omitempty"`
	Action    DeviceActions `json:"action,omitempty"`
}

// flag reads 1/0 as well as true/false and always writes 1/0.
type flag bool

func (f *flag) UnmarshalJSON(b []byte) error {
	switch s := string(b); s {
	case "true":
		*f = true
	case "false", "null":
		*f = false
	default:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid enabled value %s", s)
		}
		*f = n != 0
	}
	return nil
}

func (f flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

func flagOf(b bool) *flag {
	f := flag(b)
	return &f
}

func (e entry) schedule(nodeID string) *Schedule {
	s := &Schedule{
		ID:      e.ID,
		Name:    e.Name,
		Enabled: e.Enabled != nil && bool(*e.Enabled),
		Actions: map[string]DeviceActions{},
	}
	if len(e.Triggers) > 0 {
		s.Trigger = e.Triggers[0]
	}
	actions := DeviceActions{}
	for device, params := range e.Action {
		if params == nil {
			params = ParamValues{}
		}
		actions[device] = params
	}
	s.Actions[nodeID] = actions
	return s
}

// saveEntry carries the full schedule scoped to one node.
func saveEntry(s *Schedule, nodeID string) entry {
	return entry{
		ID:        s.ID,
		Name:      s.Name,
		Operation: s.Operation,
		Triggers:  []Trigger{s.Trigger},
		Enabled:   flagOf(s.Enabled),
		Action:    s.Actions[nodeID],
	}
}

func removeEntry(s *Schedule) entry {
	return entry{ID: s.ID, Name: s.Name, Operation: OpRemove}
}

// toggleEntry carries only the id: the node keeps its actions as they are.
func toggleEntry(id string, enabled bool) entry {
	op := OpDisable
	if enabled {
		op = OpEnable
	}
	return entry{ID: id, Operation: op}
}

// nodePayload wraps an entry as {service: {param: [entry]}}.
func nodePayload(service, param string, e entry) map[string]any {
	return map[string]any{
		service: map[string]any{
			param: []entry{e},
		},
	}
}

func splitEntries(raw json.RawMessage) ([]json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to decode schedule list: %w", err)
	}
	return items, nil
}
