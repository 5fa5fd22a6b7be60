package cloud

import (
	"encoding/json"
	"fmt"

	"github.com/KevinKickass/OpenScheduleCore/internal/types"
)

// Wire shapes of GET /v1/user/nodes?node_details=true.

type nodesPage struct {
	NodeDetails []nodeDetails `json:"node_details"`
	NextID      string        `json:"next_id"`
	TotalCount  int           `json:"total"`
}

type nodeDetails struct {
	ID     string                                `json:"id"`
	Config nodeConfig                            `json:"config"`
	Status nodeStatus                            `json:"status"`
	Params map[string]map[string]json.RawMessage `json:"params"`
}

type nodeConfig struct {
	NodeID string `json:"node_id"`
	Info   struct {
		Name      string `json:"name"`
		Type      string `json:"type"`
		FWVersion string `json:"fw_version"`
	} `json:"info"`
	Devices  []configDevice  `json:"devices"`
	Services []configService `json:"services"`
}

type configDevice struct {
	Name    string        `json:"name"`
	Type    string        `json:"type"`
	Primary string        `json:"primary"`
	Params  []configParam `json:"params"`
}

type configService struct {
	Name   string        `json:"name"`
	Type   string        `json:"type"`
	Params []configParam `json:"params"`
}

type configParam struct {
	Name       string        `json:"name"`
	Type       string        `json:"type"`
	UIType     string        `json:"ui_type"`
	DataType   string        `json:"data_type"`
	Properties []string      `json:"properties"`
	Bounds     *types.Bounds `json:"bounds"`
}

type nodeStatus struct {
	Connectivity struct {
		Connected bool  `json:"connected"`
		Timestamp int64 `json:"timestamp"`
	} `json:"connectivity"`
}

// toNode flattens the cloud representation into a types.Node.
func (d nodeDetails) toNode() (types.Node, error) {
	id := d.ID
	if id == "" {
		id = d.Config.NodeID
	}
	if id == "" {
		return types.Node{}, &ParsingError{Description: "node without id"}
	}

	node := types.Node{
		ID:                id,
		Name:              d.Config.Info.Name,
		Type:              d.Config.Info.Type,
		FWVersion:         d.Config.Info.FWVersion,
		Connected:         d.Status.Connectivity.Connected,
		MaxSchedulesCount: types.UnlimitedSchedules,
	}

	for _, cd := range d.Config.Devices {
		device := types.Device{
			NodeID:  id,
			Name:    cd.Name,
			Type:    cd.Type,
			Primary: cd.Primary,
		}
		values := d.Params[cd.Name]
		for _, cp := range cd.Params {
			p := cp.toParam()
			if raw, ok := values[cp.Name]; ok {
				var v any
				if err := json.Unmarshal(raw, &v); err != nil {
					return types.Node{}, &ParsingError{Description: fmt.Sprintf("node %s param %s.%s: %v", id, cd.Name, cp.Name, err)}
				}
				p.Value = v
			}
			if p.Type == types.ParamTypeName {
				if name, ok := p.Value.(string); ok {
					device.DisplayName = name
				}
			}
			device.Params = append(device.Params, p)
		}
		node.Devices = append(node.Devices, device)
	}

	for _, svc := range d.Config.Services {
		if svc.Type != types.ServiceTypeSchedule {
			continue
		}
		for _, sp := range svc.Params {
			if sp.Type != types.ParamTypeSchedules {
				continue
			}
			// Scheduling needs the schedules param, not just the service.
			node.SchedulingSupported = true
			node.ScheduleServiceName = svc.Name
			node.SchedulesParamName = sp.Name
			if sp.Bounds != nil {
				node.MaxSchedulesCount = int(sp.Bounds.Max)
			}
		}
	}

	if node.SchedulingSupported {
		service, param := node.ScheduleKeys()
		if raw, ok := d.Params[service][param]; ok && string(raw) != "null" {
			var entries []json.RawMessage
			if err := json.Unmarshal(raw, &entries); err != nil {
				return types.Node{}, &ParsingError{Description: fmt.Sprintf("node %s schedules: %v", id, err)}
			}
			node.Schedules = raw
			node.CurrentSchedulesCount = len(entries)
		}
	}

	return node, nil
}

func (cp configParam) toParam() types.Param {
	return types.Param{
		Name:       cp.Name,
		Type:       cp.Type,
		UIType:     cp.UIType,
		DataType:   cp.DataType,
		Properties: cp.Properties,
		Bounds:     cp.Bounds,
	}
}

// ParseNodes decodes one page of the node list.
func ParseNodes(data []byte) ([]types.Node, string, error) {
	var page nodesPage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, "", &ParsingError{Description: err.Error()}
	}

	nodes := make([]types.Node, 0, len(page.NodeDetails))
	for _, d := range page.NodeDetails {
		node, err := d.toNode()
		if err != nil {
			return nil, "", err
		}
		nodes = append(nodes, node)
	}
	return nodes, page.NextID, nil
}
