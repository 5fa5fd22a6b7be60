package schedule

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Operation is the verb sent to a node on the next sync.
type Operation string

const (
	OpNone    Operation = ""
	OpAdd     Operation = "add"
	OpEdit    Operation = "edit"
	OpRemove  Operation = "remove"
	OpEnable  Operation = "enable"
	OpDisable Operation = "disable"
)

const (
	MaxNameLength = 32
	idLength      = 4
)

var (
	ErrInvalidName    = errors.New("schedule name must be 1 to 32 characters")
	ErrInvalidTrigger = errors.New("invalid trigger")
	ErrNoActions      = errors.New("schedule has no actions")
	ErrUnknownNode    = errors.New("schedule is not on node")
)

// Trigger is when a schedule fires: a day mask plus minutes since midnight.
type Trigger struct {
	Days    uint8 `json:"d"`
	Minutes int   `json:"m"`
}

func (t Trigger) Week() Week {
	return BitmaskToWeek(t.Days)
}

func (t Trigger) Summary() string {
	return Summary(t.Days)
}

func (t Trigger) TimeText() string {
	return FormatMinutes(t.Minutes)
}

func (t Trigger) Validate() error {
	if t.Days > Everyday {
		return fmt.Errorf("%w: days %d out of range", ErrInvalidTrigger, t.Days)
	}
	if t.Minutes < 0 || t.Minutes >= MinutesPerDay {
		return fmt.Errorf("%w: minutes %d out of range", ErrInvalidTrigger, t.Minutes)
	}
	return nil
}

// ParamValues maps a param name to the value applied when the trigger fires.
type ParamValues map[string]any

// DeviceActions maps a device name to its param values.
type DeviceActions map[string]ParamValues

// Schedule is a user rule: at Trigger, apply Actions to devices.
type Schedule struct {
	ID        string                   `json:"id"`
	Name      string                   `json:"name"`
	Trigger   Trigger                  `json:"trigger"`
	Enabled   bool                     `json:"enabled"`
	Actions   map[string]DeviceActions `json:"actions"` // keyed by node id
	Operation Operation                `json:"operation,omitempty"`

	// Diverged is set when the nodes do not all run the same name, trigger
	// and enabled flag.
	Diverged bool `json:"diverged,omitempty"`

	// reported holds each node's own name, trigger and enabled flag.
	reported map[string]attributes
}

// attributes are the parts of a schedule shared by all its nodes.
type attributes struct {
	Name    string
	Trigger Trigger
	Enabled bool
}

func (s *Schedule) attributes() attributes {
	return attributes{Name: s.Name, Trigger: s.Trigger, Enabled: s.Enabled}
}

// reportedBy returns what nodeID runs, falling back to the shared view.
func (s *Schedule) reportedBy(nodeID string) attributes {
	if a, ok := s.reported[nodeID]; ok {
		return a
	}
	return s.attributes()
}

// settle picks the attributes most nodes report, ties going to the lowest
// node id, and flags the schedule when nodes disagree.
func (s *Schedule) settle() {
	nodes := slices.Sorted(maps.Keys(s.reported))
	count := map[attributes]int{}
	top := 0
	for _, id := range nodes {
		a := s.reported[id]
		count[a]++
		top = max(top, count[a])
	}
	s.Diverged = len(count) > 1
	for _, id := range nodes {
		if a := s.reported[id]; count[a] == top {
			s.Name, s.Trigger, s.Enabled = a.Name, a.Trigger, a.Enabled
			return
		}
	}
}

// track fills in the nodes without a reported view with the shared one,
// drops nodes the schedule no longer has and recomputes Diverged.
func (s *Schedule) track() {
	if s.reported == nil {
		s.reported = make(map[string]attributes, len(s.Actions))
	}
	for id := range s.reported {
		if _, ok := s.Actions[id]; !ok {
			delete(s.reported, id)
		}
	}
	shared := s.attributes()
	s.Diverged = false
	for id := range s.Actions {
		a, ok := s.reported[id]
		if !ok {
			s.reported[id] = shared
			continue
		}
		if a != shared {
			s.Diverged = true
		}
	}
}

// confirm records that nodeIDs now run the shared view.
func (s *Schedule) confirm(nodeIDs ...string) {
	if s.reported == nil {
		return
	}
	for _, id := range nodeIDs {
		s.reported[id] = s.attributes()
	}
}

// NewID returns a fresh short schedule id.
func NewID() (string, error) {
	id, err := gonanoid.New(idLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate schedule id: %w", err)
	}
	return id, nil
}

// DisplayKey is "<id>.<name>.<days>.<minutes>.<enabled>". It is recomputed on
// every call and never used as a map key.
func (s *Schedule) DisplayKey() string {
	return strings.Join([]string{
		s.ID,
		s.Name,
		strconv.Itoa(int(s.Trigger.Days)),
		strconv.Itoa(s.Trigger.Minutes),
		strconv.FormatBool(s.Enabled),
	}, ".")
}

// NodeIDs returns the nodes carrying at least one action, sorted.
func (s *Schedule) NodeIDs() []string {
	ids := make([]string, 0, len(s.Actions))
	for id, devices := range s.Actions {
		if hasParams(devices) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func hasParams(devices DeviceActions) bool {
	for _, params := range devices {
		if len(params) > 0 {
			return true
		}
	}
	return false
}

// Validate checks the fields a user can edit.
func (s *Schedule) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" || len([]rune(name)) > MaxNameLength {
		return ErrInvalidName
	}
	return s.Trigger.Validate()
}

func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	c := *s
	c.reported = maps.Clone(s.reported)
	c.Actions = make(map[string]DeviceActions, len(s.Actions))
	for nodeID, devices := range s.Actions {
		dc := make(DeviceActions, len(devices))
		for name, params := range devices {
			dc[name] = maps.Clone(params)
		}
		c.Actions[nodeID] = dc
	}
	return &c
}

// withoutNodes returns a copy with the given nodes' actions dropped.
func (s *Schedule) withoutNodes(nodeIDs ...string) *Schedule {
	c := s.Clone()
	for _, id := range nodeIDs {
		delete(c.Actions, id)
	}
	return c
}

// removedNodes lists nodes present in before but absent from s.
func (s *Schedule) removedNodes(before *Schedule) []string {
	if before == nil {
		return nil
	}
	current := s.NodeIDs()
	var removed []string
	for _, id := range before.NodeIDs() {
		if !slices.Contains(current, id) {
			removed = append(removed, id)
		}
	}
	return removed
}
