package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/KevinKickass/OpenScheduleCore/internal/types"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("schedule not found")

// Store caches the schedules reported by the account's nodes, keyed by id.
// It is rebuilt on every refresh and is not a source of truth.
type Store struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	states    map[string]State
	validator *Validator
	logger    *zap.Logger
}

func NewStore(validator *Validator, logger *zap.Logger) *Store {
	return &Store{
		schedules: make(map[string]*Schedule),
		states:    make(map[string]State),
		validator: validator,
		logger:    logger,
	}
}

// RebuildFromNodeParams replaces everything the store knows about nodeID
// with the schedule array the node reported. Ingesting the same payload
// twice leaves the store unchanged.
func (s *Store) RebuildFromNodeParams(nodeID string, raw json.RawMessage) error {
	items, err := splitEntries(raw)
	if err != nil {
		return fmt.Errorf("node %s: %w", nodeID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sch := range s.schedules {
		delete(sch.Actions, nodeID)
		delete(sch.reported, nodeID)
	}
	s.pruneLocked()
	s.ingestLocked(nodeID, items)
	for _, sch := range s.schedules {
		sch.settle()
	}

	return nil
}

// RebuildFromNodes clears the store and ingests every node that supports
// scheduling.
func (s *Store) RebuildFromNodes(nodes []types.Node) error {
	parsed := make(map[string][]json.RawMessage, len(nodes))
	var errs []error
	for _, node := range nodes {
		if !node.SchedulingSupported {
			continue
		}
		items, err := splitEntries(node.Schedules)
		if err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", node.ID, err))
			continue
		}
		parsed[node.ID] = items
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.schedules)
	for _, nodeID := range slices.Sorted(maps.Keys(parsed)) {
		s.ingestLocked(nodeID, parsed[nodeID])
	}
	for id, state := range s.states {
		if _, ok := s.schedules[id]; !ok && state == StateEditing {
			delete(s.states, id)
		}
	}

	s.logger.Debug("Schedule store rebuilt",
		zap.Int("nodes", len(parsed)),
		zap.Int("schedules", len(s.schedules)))

	return errors.Join(errs...)
}

func (s *Store) ingestLocked(nodeID string, items []json.RawMessage) {
	for _, item := range items {
		if s.validator != nil {
			if err := s.validator.ValidateEntry(item); err != nil {
				s.logger.Warn("Skipping invalid schedule entry",
					zap.String("node_id", nodeID),
					zap.Error(err))
				continue
			}
		}

		var e entry
		if err := json.Unmarshal(item, &e); err != nil {
			s.logger.Warn("Skipping undecodable schedule entry",
				zap.String("node_id", nodeID),
				zap.Error(err))
			continue
		}

		s.mergeLocked(nodeID, e.schedule(nodeID))
	}
}

// mergeLocked adds one node's view of a schedule. When nodes disagree the
// shared attributes follow the majority, ties going to the lowest node id.
func (s *Store) mergeLocked(nodeID string, incoming *Schedule) {
	reported := incoming.attributes()
	existing, ok := s.schedules[incoming.ID]
	if !ok {
		incoming.reported = map[string]attributes{nodeID: reported}
		s.schedules[incoming.ID] = incoming
		return
	}

	if existing.reported == nil {
		existing.track()
	}
	existing.Actions[nodeID] = incoming.Actions[nodeID]
	existing.reported[nodeID] = reported
	existing.settle()

	if existing.Diverged {
		s.logger.Warn("Nodes disagree on schedule attributes",
			zap.String("schedule_id", incoming.ID),
			zap.String("node_id", nodeID),
			zap.String("shown", existing.DisplayKey()),
			zap.String("reported", incoming.DisplayKey()))
	}
}

func (s *Store) pruneLocked() {
	for id, sch := range s.schedules {
		if len(sch.Actions) == 0 {
			delete(s.schedules, id)
		}
	}
}

// Get returns a copy of the schedule.
func (s *Store) Get(id string) (*Schedule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sch, ok := s.schedules[id]
	if !ok {
		return nil, false
	}
	return sch.Clone(), true
}

// Snapshot is the copy taken before an edit, used to roll back.
func (s *Store) Snapshot(id string) (*Schedule, bool) {
	return s.Get(id)
}

// Put stores a copy of sch. Nodes without a recorded view are taken to run
// sch as given.
func (s *Store) Put(sch *Schedule) {
	c := sch.Clone()
	c.track()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[c.ID] = c
}

// Restore puts a snapshot back under its id.
func (s *Store) Restore(snapshot *Schedule) {
	if snapshot == nil {
		return
	}
	s.Put(snapshot)
}

func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.schedules)
}

// List returns copies ordered by trigger minutes, then id.
func (s *Store) List() []*Schedule {
	s.mu.RLock()
	out := make([]*Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		out = append(out, sch.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Trigger.Minutes != out[j].Trigger.Minutes {
			return out[i].Trigger.Minutes < out[j].Trigger.Minutes
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Keys returns the display keys in list order.
func (s *Store) Keys() []string {
	list := s.List()
	keys := make([]string, len(list))
	for i, sch := range list {
		keys[i] = sch.DisplayKey()
	}
	return keys
}

func (s *Store) State(id string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked(id)
}

func (s *Store) stateLocked(id string) State {
	if state, ok := s.states[id]; ok {
		return state
	}
	return StateClean
}

// Transition moves a schedule through its sync lifecycle.
func (s *Store) Transition(id string, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ValidateTransition(s.stateLocked(id), to); err != nil {
		return err
	}
	s.setStateLocked(id, to)
	return nil
}

// BeginSave moves a schedule to Saving, passing through Editing when it
// starts out Clean.
func (s *Store) BeginSave(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.stateLocked(id)
	if from == StateClean {
		if err := ValidateTransition(from, StateEditing); err != nil {
			return err
		}
		from = StateEditing
	}
	if err := ValidateTransition(from, StateSaving); err != nil {
		return err
	}
	s.setStateLocked(id, StateSaving)
	return nil
}

func (s *Store) setStateLocked(id string, to State) {
	switch to {
	case StateClean, StateRemoved:
		delete(s.states, id)
	default:
		s.states[id] = to
	}
}
