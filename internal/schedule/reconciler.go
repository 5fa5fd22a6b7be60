package schedule

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/cloud"
	"github.com/KevinKickass/OpenScheduleCore/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// NodeUpdater writes params to a node.
type NodeUpdater interface {
	SetNodeParams(ctx context.Context, nodeID string, payload any) error
}

// NodeSource is the reconciler's view of the node registry.
type NodeSource interface {
	Node(id string) (*types.Node, bool)
	RefreshNodes(ctx context.Context) ([]types.Node, error)
	RefreshNode(ctx context.Context, id string) (*types.Node, error)
	AdjustScheduleCount(nodeID string, delta int)
}

type NetworkMonitor interface {
	Online() bool
}

// CapabilityError is returned when a draft adds a node that cannot take it.
type CapabilityError struct {
	NodeID string
	Status ActionStatus
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("node %s cannot take the schedule: %s", e.NodeID, e.Status.Description())
}

// Reconciler pushes schedule changes to every node that owns them and keeps
// the Store in line with the outcome.
type Reconciler struct {
	store     *Store
	updater   NodeUpdater
	nodes     NodeSource
	monitor   NetworkMonitor
	tokens    cloud.TokenSource
	audit     AuditLog
	limit     int
	logger    *zap.Logger
	notifyMu  sync.RWMutex
	notifiers []Notifier
}

type ReconcilerOption func(*Reconciler)

func WithTokenSource(tokens cloud.TokenSource) ReconcilerOption {
	return func(r *Reconciler) { r.tokens = tokens }
}

func WithAuditLog(audit AuditLog) ReconcilerOption {
	return func(r *Reconciler) { r.audit = audit }
}

// WithParallelism caps concurrent node calls per fan-out.
func WithParallelism(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.limit = n
		}
	}
}

func NewReconciler(store *Store, updater NodeUpdater, nodes NodeSource, monitor NetworkMonitor, logger *zap.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:   store,
		updater: updater,
		nodes:   nodes,
		monitor: monitor,
		limit:   4,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) Store() *Store {
	return r.store
}

// Subscribe adds a receiver for schedule events.
func (r *Reconciler) Subscribe(n Notifier) {
	r.notifyMu.Lock()
	r.notifiers = append(r.notifiers, n)
	r.notifyMu.Unlock()
}

func (r *Reconciler) publish(e Event) {
	e.Timestamp = time.Now()
	r.notifyMu.RLock()
	defer r.notifyMu.RUnlock()
	for _, n := range r.notifiers {
		n.ScheduleChanged(e)
	}
}

// preflight fails fast when no call can succeed.
func (r *Reconciler) preflight(ctx context.Context) error {
	if r.monitor != nil && !r.monitor.Online() {
		return cloud.ErrNoNetwork
	}
	if r.tokens != nil {
		if _, err := r.tokens.AccessToken(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) scheduleKeys(nodeID string) (string, string) {
	if node, ok := r.nodes.Node(nodeID); ok {
		return node.ScheduleKeys()
	}
	return types.DefaultScheduleService, types.DefaultSchedulesParam
}

func (r *Reconciler) lookup(nodeID string) (*types.Node, bool) {
	return r.nodes.Node(nodeID)
}

// fanOut sends one entry per node and waits for every call. A failing node
// never cancels the others.
func (r *Reconciler) fanOut(ctx context.Context, op Operation, nodeIDs []string, build func(nodeID string) entry) map[string]error {
	start := time.Now()
	defer observeFanOut(op, start)

	var (
		mu       sync.Mutex
		outcomes = make(map[string]error, len(nodeIDs))
		g        errgroup.Group
	)
	g.SetLimit(r.limit)

	for _, nodeID := range nodeIDs {
		g.Go(func() error {
			service, param := r.scheduleKeys(nodeID)
			err := r.updater.SetNodeParams(ctx, nodeID, nodePayload(service, param, build(nodeID)))
			countNodeCall(op, err)
			if err != nil {
				r.logger.Warn("Node call failed",
					zap.String("operation", string(op)),
					zap.String("node_id", nodeID),
					zap.Error(err))
			}

			mu.Lock()
			outcomes[nodeID] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// aggregate applies the partial-success rule: one successful node makes the
// operation a success with NodesFailed set.
func (r *Reconciler) aggregate(op Operation, sch *Schedule, outcomes map[string]error) (*Result, error) {
	res := &Result{Operation: op, Failed: map[string]error{}}
	for nodeID, err := range outcomes {
		if err != nil {
			res.Failed[nodeID] = err
		} else {
			res.Succeeded = append(res.Succeeded, nodeID)
		}
	}
	slices.Sort(res.Succeeded)

	var failedIDs []string
	for id := range res.Failed {
		failedIDs = append(failedIDs, id)
	}
	devices := ""
	if len(failedIDs) > 0 && sch != nil {
		devices = DescribeActions(onlyNodes(sch, failedIDs), r.lookup)
	}

	if len(outcomes) > 0 && len(res.Succeeded) == 0 {
		countOutcome(op, "failed")
		return nil, &FanOutError{Op: op, Failures: res.Failed, Devices: devices}
	}

	res.NodesFailed = len(res.Failed) > 0
	res.FailedDevices = devices
	if res.NodesFailed {
		countOutcome(op, "partial")
	} else {
		countOutcome(op, "success")
	}
	return res, nil
}

func (r *Reconciler) record(ctx context.Context, sch *Schedule, op Operation, nodeIDs []string, outcomes map[string]error, start time.Time) {
	if r.audit == nil || sch == nil {
		return
	}
	rec := OperationRecord{
		ScheduleID: sch.ID,
		Name:       sch.Name,
		Operation:  op,
		Nodes:      nodeIDs,
		Failed:     map[string]string{},
		Duration:   time.Since(start),
	}
	for id, err := range outcomes {
		if err != nil {
			rec.Failed[id] = err.Error()
		}
	}
	if err := r.audit.RecordOperation(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("Failed to record schedule operation",
			zap.String("schedule_id", sch.ID),
			zap.Error(err))
	}
}

func onlyNodes(s *Schedule, nodeIDs []string) *Schedule {
	c := &Schedule{ID: s.ID, Name: s.Name, Actions: map[string]DeviceActions{}, reported: map[string]attributes{}}
	for _, id := range nodeIDs {
		if devices, ok := s.Actions[id]; ok {
			c.Actions[id] = devices
			c.reported[id] = s.reportedBy(id)
		}
	}
	return c
}

// Save creates the schedule when draft has no id, otherwise replaces the
// stored one. Nodes deselected since the stored copy get a remove first.
func (r *Reconciler) Save(ctx context.Context, draft *Schedule) (*Result, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	draft = draft.Clone()

	var before *Schedule
	if draft.ID == "" {
		id, err := NewID()
		if err != nil {
			return nil, err
		}
		draft.ID = id
		draft.Operation = OpAdd
		if len(draft.NodeIDs()) == 0 {
			return nil, ErrNoActions
		}
	} else {
		snapshot, ok := r.store.Snapshot(draft.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, draft.ID)
		}
		before = snapshot
		draft.Operation = OpEdit
	}

	if err := r.preflight(ctx); err != nil {
		return nil, err
	}
	if err := r.checkCapability(draft, before); err != nil {
		return nil, err
	}
	if err := r.store.BeginSave(draft.ID); err != nil {
		return nil, err
	}

	var removal *Result
	if removed := draft.removedNodes(before); len(removed) > 0 {
		res, err := r.removeFromNodes(ctx, before, removed)
		if err != nil && len(draft.NodeIDs()) == 0 {
			r.abortSave(draft.ID, before)
			r.publishFailure(draft.ID, OpRemove, err)
			return nil, err
		}
		if err != nil {
			r.logger.Warn("Could not remove schedule from deselected nodes",
				zap.String("schedule_id", draft.ID),
				zap.Strings("nodes", removed),
				zap.Error(err))
			res = failedRemoval(err, removed)
		}
		removal = res
	}

	targets := draft.NodeIDs()
	if len(targets) == 0 {
		// Every node was deselected: the removal is the whole operation.
		if removal == nil {
			removal = &Result{Operation: OpRemove, Failed: map[string]error{}}
		}
		if removal.NodesFailed {
			remaining := onlyNodes(before, slices.Collect(maps.Keys(removal.Failed)))
			remaining.Trigger = before.Trigger
			remaining.Enabled = before.Enabled
			remaining.track()
			r.store.Put(remaining)
			_ = r.store.Transition(draft.ID, StateClean)
			removal.Schedule = remaining
			r.publish(Event{Type: EventScheduleUpdated, ScheduleID: draft.ID, Schedule: remaining, NodesFailed: true, Message: removal.Message()})
			return removal, nil
		}
		r.store.Remove(draft.ID)
		_ = r.store.Transition(draft.ID, StateClean)
		removal.Schedule = nil
		r.publish(Event{Type: EventScheduleRemoved, ScheduleID: draft.ID, Message: removal.Message()})
		return removal, nil
	}

	start := time.Now()
	outcomes := r.fanOut(ctx, draft.Operation, targets, func(nodeID string) entry {
		return saveEntry(draft, nodeID)
	})
	r.record(ctx, draft, draft.Operation, targets, outcomes, start)

	res, err := r.aggregate(draft.Operation, draft, outcomes)
	if err != nil {
		r.abortSave(draft.ID, before)
		r.publishFailure(draft.ID, draft.Operation, err)
		return nil, err
	}

	stored := draft.withoutNodes(slices.Collect(maps.Keys(res.Failed))...)
	stored.reported = map[string]attributes{}
	if before != nil {
		// Failed nodes still run the previous version.
		behind := slices.Collect(maps.Keys(res.Failed))
		if removal != nil {
			behind = slices.AppendSeq(behind, maps.Keys(removal.Failed))
		}
		for _, id := range behind {
			if devices, ok := before.Actions[id]; ok {
				stored.Actions[id] = devices
				stored.reported[id] = before.reportedBy(id)
			}
		}
	}
	stored.Operation = OpNone
	stored.track()
	r.store.Put(stored)
	if err := r.store.Transition(stored.ID, StateClean); err != nil {
		r.logger.Warn("Unexpected schedule state after save", zap.String("schedule_id", stored.ID), zap.Error(err))
	}

	if draft.Operation == OpAdd {
		for _, id := range res.Succeeded {
			r.nodes.AdjustScheduleCount(id, 1)
		}
	} else if before != nil {
		previous := before.NodeIDs()
		for _, id := range res.Succeeded {
			if !slices.Contains(previous, id) {
				r.nodes.AdjustScheduleCount(id, 1)
			}
		}
	}

	if removal != nil && removal.NodesFailed {
		res.NodesFailed = true
		for id, err := range removal.Failed {
			res.Failed[id] = err
		}
		if res.FailedDevices == "" {
			res.FailedDevices = removal.FailedDevices
		} else if removal.FailedDevices != "" {
			res.FailedDevices += ", " + removal.FailedDevices
		}
	}
	res.Schedule = stored

	eventType := EventScheduleUpdated
	if draft.Operation == OpAdd {
		eventType = EventScheduleAdded
	}
	r.publish(Event{Type: eventType, ScheduleID: stored.ID, Schedule: stored, NodesFailed: res.NodesFailed, Message: res.Message()})

	r.logger.Info("Schedule saved",
		zap.String("schedule_id", stored.ID),
		zap.String("operation", string(draft.Operation)),
		zap.Int("nodes", len(targets)),
		zap.Int("failed", len(res.Failed)))

	return res, nil
}

// checkCapability rejects nodes newly added to the schedule that are offline
// or full.
func (r *Reconciler) checkCapability(draft, before *Schedule) error {
	var previous []string
	if before != nil {
		previous = before.NodeIDs()
	}
	for _, id := range draft.NodeIDs() {
		node, ok := r.nodes.Node(id)
		if !ok {
			continue
		}
		status := Evaluate(node, slices.Contains(previous, id))
		if status.Kind != ActionAllowed {
			return &CapabilityError{NodeID: id, Status: status}
		}
	}
	return nil
}

// abortSave restores the pre-edit snapshot and leaves the schedule editable.
func (r *Reconciler) abortSave(id string, before *Schedule) {
	if before != nil {
		r.store.Restore(before)
	}
	if err := r.store.Transition(id, StateEditing); err != nil {
		r.logger.Warn("Unexpected schedule state after failed save", zap.String("schedule_id", id), zap.Error(err))
	}
	if before == nil {
		_ = r.store.Transition(id, StateClean)
	}
}

func (r *Reconciler) publishFailure(id string, op Operation, err error) {
	r.publish(Event{Type: EventScheduleFailed, ScheduleID: id, Message: FailureMessage(op, err)})
}

// removeFromNodes sends remove to nodeIDs and drops the schedule from the
// nodes that acknowledged it.
func (r *Reconciler) removeFromNodes(ctx context.Context, s *Schedule, nodeIDs []string) (*Result, error) {
	start := time.Now()
	outcomes := r.fanOut(ctx, OpRemove, nodeIDs, func(string) entry {
		return removeEntry(s)
	})
	r.record(ctx, s, OpRemove, nodeIDs, outcomes, start)

	res, err := r.aggregate(OpRemove, s, outcomes)
	if err != nil {
		return nil, err
	}
	for _, id := range res.Succeeded {
		r.nodes.AdjustScheduleCount(id, -1)
	}
	return res, nil
}

// failedRemoval turns a removal that failed on every node into a partial
// result, so the caller can report it next to its own fan-out.
func failedRemoval(err error, nodeIDs []string) *Result {
	res := &Result{Operation: OpRemove, Failed: map[string]error{}, NodesFailed: true}
	var fanOut *FanOutError
	if errors.As(err, &fanOut) {
		maps.Copy(res.Failed, fanOut.Failures)
		res.FailedDevices = fanOut.Devices
		return res
	}
	for _, id := range nodeIDs {
		res.Failed[id] = err
	}
	return res
}

// DeleteNodes removes the schedule from exactly nodeIDs, leaving it on its
// other nodes. Every id must be one of the schedule's nodes.
func (r *Reconciler) DeleteNodes(ctx context.Context, s *Schedule, nodeIDs []string) (*Result, error) {
	if len(nodeIDs) == 0 {
		return &Result{Schedule: s, Operation: OpRemove, Failed: map[string]error{}}, nil
	}
	owned := s.NodeIDs()
	for _, id := range nodeIDs {
		if !slices.Contains(owned, id) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
		}
	}
	nodeIDs = slices.Compact(slices.Sorted(slices.Values(nodeIDs)))

	if err := r.preflight(ctx); err != nil {
		return nil, err
	}
	if err := r.store.BeginSave(s.ID); err != nil {
		return nil, err
	}
	defer func() {
		if err := r.store.Transition(s.ID, StateClean); err != nil {
			r.logger.Warn("Unexpected schedule state after node removal", zap.String("schedule_id", s.ID), zap.Error(err))
		}
	}()

	res, err := r.removeFromNodes(ctx, s, nodeIDs)
	if err != nil {
		r.publishFailure(s.ID, OpRemove, err)
		return nil, err
	}

	if stored, ok := r.store.Get(s.ID); ok {
		stored = stored.withoutNodes(res.Succeeded...)
		if len(stored.NodeIDs()) == 0 {
			r.store.Remove(s.ID)
		} else {
			r.store.Put(stored)
		}
		res.Schedule = stored
	}
	r.publish(Event{Type: EventScheduleUpdated, ScheduleID: s.ID, Schedule: res.Schedule, NodesFailed: res.NodesFailed, Message: res.Message()})
	return res, nil
}

// Delete removes the schedule from every node that owns it. Nodes that
// failed keep their part in the Store.
func (r *Reconciler) Delete(ctx context.Context, id string) (*Result, error) {
	s, ok := r.store.Snapshot(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := r.preflight(ctx); err != nil {
		return nil, err
	}
	if err := r.store.Transition(id, StateDeleting); err != nil {
		return nil, err
	}

	nodeIDs := s.NodeIDs()
	if len(nodeIDs) == 0 {
		r.store.Remove(id)
		_ = r.store.Transition(id, StateRemoved)
		r.publish(Event{Type: EventScheduleRemoved, ScheduleID: id})
		return &Result{Operation: OpRemove, Failed: map[string]error{}}, nil
	}

	res, err := r.removeFromNodes(ctx, s, nodeIDs)
	if err != nil {
		_ = r.store.Transition(id, StateClean)
		r.publishFailure(id, OpRemove, err)
		return nil, err
	}

	if res.NodesFailed {
		remaining := onlyNodes(s, slices.Collect(maps.Keys(res.Failed)))
		remaining.Trigger = s.Trigger
		remaining.Enabled = s.Enabled
		remaining.track()
		r.store.Put(remaining)
		_ = r.store.Transition(id, StateClean)
		res.Schedule = remaining
		r.publish(Event{Type: EventScheduleUpdated, ScheduleID: id, Schedule: remaining, NodesFailed: true, Message: res.Message()})
	} else {
		r.store.Remove(id)
		_ = r.store.Transition(id, StateRemoved)
		r.publish(Event{Type: EventScheduleRemoved, ScheduleID: id, Message: res.Message()})
	}

	r.logger.Info("Schedule deleted",
		zap.String("schedule_id", id),
		zap.Int("nodes", len(nodeIDs)),
		zap.Int("failed", len(res.Failed)))

	return res, nil
}

// SetEnabled toggles the schedule in two phases: the Store takes the new
// flag first, then it is confirmed or rolled back with the fan-out outcome.
func (r *Reconciler) SetEnabled(ctx context.Context, id string, enabled bool) (*Result, error) {
	snapshot, ok := r.store.Snapshot(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := r.preflight(ctx); err != nil {
		return nil, err
	}
	if err := r.store.BeginSave(id); err != nil {
		return nil, err
	}

	tentative := snapshot.Clone()
	tentative.Enabled = enabled
	r.store.Put(tentative)

	op := OpDisable
	if enabled {
		op = OpEnable
	}

	nodeIDs := snapshot.NodeIDs()
	start := time.Now()
	outcomes := r.fanOut(ctx, op, nodeIDs, func(string) entry {
		return toggleEntry(id, enabled)
	})
	r.record(ctx, tentative, op, nodeIDs, outcomes, start)

	res, err := r.aggregate(op, tentative, outcomes)
	if err != nil {
		r.store.Restore(snapshot)
		_ = r.store.Transition(id, StateClean)
		r.publishFailure(id, op, err)
		return nil, err
	}

	tentative.confirm(res.Succeeded...)
	tentative.track()
	r.store.Put(tentative)
	_ = r.store.Transition(id, StateClean)
	res.Schedule = tentative
	r.publish(Event{Type: EventScheduleToggled, ScheduleID: id, Schedule: tentative, NodesFailed: res.NodesFailed, Message: res.Message()})
	return res, nil
}

// Refresh re-reads every node from the cloud and rebuilds the Store.
func (r *Reconciler) Refresh(ctx context.Context) error {
	nodes, err := r.nodes.RefreshNodes(ctx)
	if err != nil && !errors.Is(err, cloud.ErrNoNetwork) {
		return fmt.Errorf("failed to refresh nodes: %w", err)
	}
	if len(nodes) == 0 && err != nil {
		return fmt.Errorf("failed to refresh nodes: %w", err)
	}

	if rebuildErr := r.store.RebuildFromNodes(nodes); rebuildErr != nil {
		r.logger.Warn("Some nodes reported unreadable schedules", zap.Error(rebuildErr))
	}
	r.publish(Event{Type: EventSchedulesRefreshed})
	return err
}

// RefreshNode re-reads one node and replaces its part of the Store.
func (r *Reconciler) RefreshNode(ctx context.Context, nodeID string) error {
	node, err := r.nodes.RefreshNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("failed to refresh node %s: %w", nodeID, err)
	}
	if !node.SchedulingSupported {
		return nil
	}
	if err := r.store.RebuildFromNodeParams(node.ID, node.Schedules); err != nil {
		return err
	}
	r.publish(Event{Type: EventSchedulesRefreshed})
	return nil
}
