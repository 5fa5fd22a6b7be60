package interfaces

import (
	"context"
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/config"
	"github.com/KevinKickass/OpenScheduleCore/internal/schedule"
	"github.com/KevinKickass/OpenScheduleCore/internal/storage"
	"github.com/KevinKickass/OpenScheduleCore/internal/types"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State          string    `json:"state"`
	Error          string    `json:"error,omitempty"`
	NodeCount      int       `json:"node_count"`
	ReachableNodes int       `json:"reachable_nodes"`
	ScheduleCount  int       `json:"schedule_count"`
	CloudOnline    bool      `json:"cloud_online"`
	CacheStale     bool      `json:"cache_stale"`
	WSClients      int       `json:"ws_clients"`
	FetchedAt      time.Time `json:"fetched_at,omitzero"`
}

// ScheduleEngine is the schedule reconciler as seen by the API layers.
type ScheduleEngine interface {
	Store() *schedule.Store
	Save(ctx context.Context, draft *schedule.Schedule) (*schedule.Result, error)
	Delete(ctx context.Context, id string) (*schedule.Result, error)
	DeleteNodes(ctx context.Context, s *schedule.Schedule, nodeIDs []string) (*schedule.Result, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (*schedule.Result, error)
	Refresh(ctx context.Context) error
	RefreshNode(ctx context.Context, nodeID string) error
}

// NodeDirectory is the read side of the node registry.
type NodeDirectory interface {
	Node(id string) (*types.Node, bool)
	ListNodes() []types.Node
	Stale() (bool, time.Time)
}

// OperationHistory reads the schedule operations log.
type OperationHistory interface {
	ListOperations(ctx context.Context, scheduleID string, limit int) ([]storage.ScheduleOperation, error)
}

type LifecycleManager interface {
	Config() *config.Config
	Schedules() ScheduleEngine
	Nodes() NodeDirectory
	// Operations may return nil when no database is configured.
	Operations() OperationHistory
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
