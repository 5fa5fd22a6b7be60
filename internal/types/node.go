package types

import (
	"encoding/json"
	"slices"
)

// Type identifiers used in the node configuration reported by the cloud.
const (
	ServiceTypeSchedule = "esp.service.schedule"
	ParamTypeSchedules  = "esp.param.schedules"
	ParamTypeName       = "esp.param.name"
	UITypeHidden        = "esp.ui.hidden"

	PropertyRead  = "read"
	PropertyWrite = "write"

	DefaultScheduleService = "Schedule"
	DefaultSchedulesParam  = "Schedules"

	// UnlimitedSchedules is reported when a node does not bound its schedule list.
	UnlimitedSchedules = -1
)

// Node is one registration on the cloud account. It owns 1..N devices.
type Node struct {
	ID           string   `json:"node_id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	FWVersion    string   `json:"fw_version,omitempty"`
	Connected    bool     `json:"connected"`
	LocalNetwork bool     `json:"local_network"`
	Devices      []Device `json:"devices"`

	SchedulingSupported   bool   `json:"scheduling_supported"`
	ScheduleServiceName   string `json:"schedule_service,omitempty"`
	SchedulesParamName    string `json:"schedules_param,omitempty"`
	MaxSchedulesCount     int    `json:"max_schedules"`
	CurrentSchedulesCount int    `json:"current_schedules"`

	// Schedules is the raw schedule array the node last reported.
	Schedules json.RawMessage `json:"schedules,omitempty"`
}

// Reachable reports whether the node can be talked to, through the cloud or
// on the local network.
func (n *Node) Reachable() bool {
	return n.Connected || n.LocalNetwork
}

// ScheduleKeys returns the service and param names used for schedule payloads.
func (n *Node) ScheduleKeys() (service, param string) {
	service, param = DefaultScheduleService, DefaultSchedulesParam
	if n == nil {
		return service, param
	}
	if n.ScheduleServiceName != "" {
		service = n.ScheduleServiceName
	}
	if n.SchedulesParamName != "" {
		param = n.SchedulesParamName
	}
	return service, param
}

// AcceptsNewSchedule is true when the node has room for one more schedule.
func (n *Node) AcceptsNewSchedule() bool {
	return n.MaxSchedulesCount == UnlimitedSchedules || n.CurrentSchedulesCount < n.MaxSchedulesCount
}

func (n *Node) Device(name string) (*Device, bool) {
	for i := range n.Devices {
		if n.Devices[i].Name == name {
			return &n.Devices[i], true
		}
	}
	return nil, false
}

// Device is a controllable unit on a node.
type Device struct {
	NodeID      string  `json:"node_id"`
	Name        string  `json:"name"`
	DisplayName string  `json:"display_name"`
	Type        string  `json:"type"`
	Primary     string  `json:"primary,omitempty"`
	Params      []Param `json:"params"`
}

// Key identifies a device across nodes: "<nodeID>.<deviceName>".
func (d *Device) Key() string {
	return d.NodeID + "." + d.Name
}

// Label is the name shown to users.
func (d *Device) Label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Name
}

type Param struct {
	Name       string   `json:"name"`
	Type       string   `json:"type,omitempty"`
	UIType     string   `json:"ui_type,omitempty"`
	DataType   string   `json:"data_type,omitempty"`
	Properties []string `json:"properties,omitempty"`
	Bounds     *Bounds  `json:"bounds,omitempty"`
	Value      any      `json:"value,omitempty"`
}

type Bounds struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Step float64 `json:"step,omitempty"`
}

func (p *Param) Writable() bool {
	return slices.Contains(p.Properties, PropertyWrite)
}

// Schedulable reports whether the param may appear in a schedule action.
func (p *Param) Schedulable() bool {
	return p.Writable() && p.Type != ParamTypeName && p.UIType != UITypeHidden
}
