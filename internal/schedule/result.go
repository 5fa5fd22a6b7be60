package schedule

import (
	"errors"
	"fmt"
	"slices"

	"github.com/KevinKickass/OpenScheduleCore/internal/cloud"
)

const PartialFailureMessage = "Schedule may not have been updated on all devices"

// Result is the outcome of a fan-out that reached at least one node.
type Result struct {
	Schedule    *Schedule        `json:"schedule,omitempty"`
	Operation   Operation        `json:"operation"`
	Succeeded   []string         `json:"succeeded"`
	Failed      map[string]error `json:"-"`
	NodesFailed bool             `json:"nodes_failed"`

	// FailedDevices labels the devices on failed nodes.
	FailedDevices string `json:"failed_devices,omitempty"`
}

// Message is the text shown to the user after the operation.
func (r *Result) Message() string {
	if r.NodesFailed {
		return PartialFailureMessage
	}
	switch r.Operation {
	case OpAdd:
		return "Schedule added successfully"
	case OpRemove:
		return "Schedule deleted successfully"
	default:
		return "Schedule updated successfully"
	}
}

// Detail names the devices that did not get the change, empty on full success.
func (r *Result) Detail() string {
	if !r.NodesFailed || r.FailedDevices == "" {
		return ""
	}
	return failureText(r.Operation, r.FailedDevices)
}

func failureText(op Operation, devices string) string {
	verb := "save"
	switch op {
	case OpEdit, OpEnable, OpDisable:
		verb = "edit"
	case OpRemove:
		verb = "delete"
	}
	return fmt.Sprintf("Unable to %s schedule for %s", verb, devices)
}

// FanOutError is returned when every node call of a fan-out failed.
type FanOutError struct {
	Op       Operation
	Failures map[string]error
	Devices  string
}

func (e *FanOutError) nodeIDs() []string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Error returns the first server description, falling back to a generic
// text naming the operation.
func (e *FanOutError) Error() string {
	ids := e.nodeIDs()
	for _, id := range ids {
		var serverErr *cloud.ServerError
		if errors.As(e.Failures[id], &serverErr) && serverErr.Description != "" {
			return serverErr.Description
		}
	}
	if len(ids) > 0 {
		return fmt.Sprintf("failed to %s schedule on %d node(s): %v", e.Op, len(ids), e.Failures[ids[0]])
	}
	return fmt.Sprintf("failed to %s schedule", e.Op)
}

func (e *FanOutError) Unwrap() []error {
	ids := e.nodeIDs()
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, e.Failures[id])
	}
	return errs
}

// Detail is the per-device failure text.
func (e *FanOutError) Detail() string {
	if e.Devices == "" {
		return ""
	}
	return failureText(e.Op, e.Devices)
}

// Fallback messages when no server description is available.
const (
	msgDeleteFailed = "Failed to delete schedule"
	msgUpdateFailed = "Failed to update schedule"
)

// FailureMessage is the user text for err returned by a reconciler call.
func FailureMessage(op Operation, err error) string {
	var fanOut *FanOutError
	if errors.As(err, &fanOut) {
		for _, id := range fanOut.nodeIDs() {
			var serverErr *cloud.ServerError
			if errors.As(fanOut.Failures[id], &serverErr) && serverErr.Description != "" {
				return serverErr.Description
			}
		}
		if op == OpRemove {
			return msgDeleteFailed
		}
		return msgUpdateFailed
	}
	return cloud.Describe(err)
}
