package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/KevinKickass/OpenScheduleCore/internal/types"
)

// ActionKind orders device statuses for display: allowed first, offline last.
type ActionKind int

const (
	ActionAllowed ActionKind = iota
	ActionMaxScheduleReached
	ActionDeviceOffline
)

func (k ActionKind) String() string {
	switch k {
	case ActionAllowed:
		return "allowed"
	case ActionMaxScheduleReached:
		return "maxScheduleReached"
	case ActionDeviceOffline:
		return "deviceOffline"
	default:
		return "unknown"
	}
}

// ActionStatus says whether a device may be added to the schedule being edited.
type ActionStatus struct {
	Kind ActionKind
	Max  int // set for ActionMaxScheduleReached
}

func Allowed() ActionStatus       { return ActionStatus{Kind: ActionAllowed} }
func DeviceOffline() ActionStatus { return ActionStatus{Kind: ActionDeviceOffline} }
func MaxScheduleReached(limit int) ActionStatus {
	return ActionStatus{Kind: ActionMaxScheduleReached, Max: limit}
}

func (a ActionStatus) String() string {
	return a.Kind.String()
}

func (a ActionStatus) Description() string {
	switch a.Kind {
	case ActionDeviceOffline:
		return "Offline"
	case ActionMaxScheduleReached:
		return fmt.Sprintf("Max supported count %d reached", a.Max)
	default:
		return ""
	}
}

func (a ActionStatus) MarshalJSON() ([]byte, error) {
	out := struct {
		Status      string `json:"status"`
		Description string `json:"description,omitempty"`
		Max         int    `json:"max,omitempty"`
	}{a.String(), a.Description(), a.Max}
	return json.Marshal(out)
}

var ErrUnknownParam = errors.New("param cannot be scheduled on this device")

type ParamChoice struct {
	types.Param
	Selected bool `json:"selected"`
}

// DeviceChoice is a device as offered while a schedule is being edited.
type DeviceChoice struct {
	NodeID      string        `json:"node_id"`
	Name        string        `json:"name"`
	DisplayName string        `json:"display_name"`
	Type        string        `json:"type"`
	Params      []ParamChoice `json:"params"`
	Status      ActionStatus  `json:"schedule_action"`
}

func (d *DeviceChoice) Key() string {
	return d.NodeID + "." + d.Name
}

func (d *DeviceChoice) Label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Name
}

// SelectedParams counts the params checked for inclusion. It is derived from
// the params on every call so it cannot drift from them.
func (d *DeviceChoice) SelectedParams() int {
	n := 0
	for _, p := range d.Params {
		if p.Selected {
			n++
		}
	}
	return n
}

func (d *DeviceChoice) Select(name string, value any) error {
	for i := range d.Params {
		if d.Params[i].Name == name {
			d.Params[i].Selected = true
			d.Params[i].Value = value
			return nil
		}
	}
	return fmt.Errorf("%w: %s.%s", ErrUnknownParam, d.Key(), name)
}

func (d *DeviceChoice) Deselect(name string) {
	for i := range d.Params {
		if d.Params[i].Name == name {
			d.Params[i].Selected = false
		}
	}
}

// Evaluate computes the status of a device on node. inSchedule is true when
// the node already carries the schedule being edited, in which case the
// node's capacity does not apply.
func Evaluate(node *types.Node, inSchedule bool) ActionStatus {
	if !node.Reachable() {
		return DeviceOffline()
	}
	if !inSchedule && !node.AcceptsNewSchedule() {
		return MaxScheduleReached(node.MaxSchedulesCount)
	}
	return Allowed()
}

// Escalate marks every device on a node that already has a selected device
// as allowed: one schedule entry covers the whole node. Offline devices
// keep their status.
func Escalate(devices []*DeviceChoice) {
	selected := make(map[string]bool)
	for _, d := range devices {
		if d.SelectedParams() > 0 {
			selected[d.NodeID] = true
		}
	}
	for _, d := range devices {
		if selected[d.NodeID] && d.Status.Kind != ActionDeviceOffline {
			d.Status = Allowed()
		}
	}
}

// SortDevices is a stable partition: allowed, then max reached, then offline.
func SortDevices(devices []*DeviceChoice) {
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].Status.Kind < devices[j].Status.Kind
	})
}

// AvailableDevices lists the devices a schedule may act on, with the params
// of draft pre-selected. draft may be nil for a new schedule.
func AvailableDevices(nodes []types.Node, draft *Schedule) []*DeviceChoice {
	var out []*DeviceChoice
	for i := range nodes {
		node := &nodes[i]
		if !node.SchedulingSupported {
			continue
		}

		var scheduled DeviceActions
		if draft != nil {
			scheduled = draft.Actions[node.ID]
		}
		status := Evaluate(node, hasParams(scheduled))

		for _, device := range node.Devices {
			choice := &DeviceChoice{
				NodeID:      node.ID,
				Name:        device.Name,
				DisplayName: device.DisplayName,
				Type:        device.Type,
				Status:      status,
			}
			for _, p := range device.Params {
				if p.Schedulable() {
					choice.Params = append(choice.Params, ParamChoice{Param: p})
				}
			}
			if len(choice.Params) == 0 {
				continue
			}
			for name, value := range scheduled[device.Name] {
				// Params the device no longer offers are dropped.
				_ = choice.Select(name, value)
			}
			out = append(out, choice)
		}
	}

	Escalate(out)
	SortDevices(out)
	return out
}

// Actions converts the selection back into schedule actions.
func Actions(devices []*DeviceChoice) map[string]DeviceActions {
	out := make(map[string]DeviceActions)
	for _, d := range devices {
		if d.SelectedParams() == 0 {
			continue
		}
		params := ParamValues{}
		for _, p := range d.Params {
			if p.Selected {
				params[p.Name] = p.Value
			}
		}
		if out[d.NodeID] == nil {
			out[d.NodeID] = DeviceActions{}
		}
		out[d.NodeID][d.Name] = params
	}
	return out
}

// ActionList is the device summary shown under a schedule: selected device
// labels, sorted, comma separated.
func ActionList(devices []*DeviceChoice) string {
	var names []string
	for _, d := range devices {
		if d.SelectedParams() > 0 {
			names = append(names, d.Label())
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// DescribeActions renders ActionList for a stored schedule, resolving device
// labels through lookup. Unknown devices fall back to their raw name.
func DescribeActions(s *Schedule, lookup func(nodeID string) (*types.Node, bool)) string {
	var names []string
	for nodeID, devices := range s.Actions {
		node, ok := lookup(nodeID)
		for name, params := range devices {
			if len(params) == 0 {
				continue
			}
			label := name
			if ok {
				if d, found := node.Device(name); found {
					label = d.Label()
				}
			}
			names = append(names, label)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
