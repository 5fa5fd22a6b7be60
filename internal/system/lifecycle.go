package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/api/rest"
	"github.com/KevinKickass/OpenScheduleCore/internal/api/websocket"
	"github.com/KevinKickass/OpenScheduleCore/internal/auth"
	"github.com/KevinKickass/OpenScheduleCore/internal/cloud"
	"github.com/KevinKickass/OpenScheduleCore/internal/config"
	"github.com/KevinKickass/OpenScheduleCore/internal/devices"
	"github.com/KevinKickass/OpenScheduleCore/internal/interfaces"
	"github.com/KevinKickass/OpenScheduleCore/internal/mqtt"
	"github.com/KevinKickass/OpenScheduleCore/internal/schedule"
	"github.com/KevinKickass/OpenScheduleCore/internal/storage"
	"github.com/KevinKickass/OpenScheduleCore/internal/streaming"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const initialRefreshTimeout = 60 * time.Second

type LifecycleManager struct {
	config          *config.Config
	storage         *storage.PostgresClient
	monitor         *cloud.Monitor
	registry        *devices.Registry
	discovery       *devices.Discovery
	reconciler      *schedule.Reconciler
	authService     *auth.AuthService
	wsHub           *websocket.Hub
	eventStreamer   *streaming.EventStreamer
	scheduleService *streaming.ScheduleService
	publisher       *mqtt.Publisher
	logger          *zap.Logger

	restServer *rest.Server
	grpcServer *grpc.Server

	// background loops: hub, discovery, cloud watch
	cancel context.CancelFunc
	bg     sync.WaitGroup

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    string

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewLifecycleManager(
	storage *storage.PostgresClient,
	cfg *config.Config,
	logger *zap.Logger,
) (*LifecycleManager, error) {
	validator, err := schedule.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create schedule validator: %w", err)
	}

	tokens := cloud.NewTokenStoreFromEnv(cfg.Cloud.TokenEnv)
	cloudClient := cloud.NewClient(cfg.Cloud, tokens, logger.Named("cloud"))
	monitor := cloud.NewMonitor(cfg.Cloud.BaseURL, cfg.Cloud.ProbeInterval, logger.Named("cloud"))
	registry := devices.NewRegistry(cloudClient, storage, logger.Named("devices"))

	store := schedule.NewStore(validator, logger.Named("schedule"))
	reconciler := schedule.NewReconciler(store, cloudClient, registry, monitor, logger.Named("schedule"),
		schedule.WithTokenSource(tokens),
		schedule.WithAuditLog(storage),
		schedule.WithParallelism(cfg.Cloud.MaxParallelCalls),
	)

	authService := auth.NewAuthService(storage, cfg.Auth, logger.Named("auth"))
	wsHub := websocket.NewHub(logger.Named("websocket"), authService)
	eventStreamer := streaming.NewEventStreamer()

	lm := &LifecycleManager{
		config:          cfg,
		storage:         storage,
		monitor:         monitor,
		registry:        registry,
		reconciler:      reconciler,
		authService:     authService,
		wsHub:           wsHub,
		eventStreamer:   eventStreamer,
		scheduleService: streaming.NewScheduleService(eventStreamer, store),
		logger:          logger,
		currentState:    StateInitializing,
		shutdownChan:    make(chan struct{}),
	}

	if cfg.Discovery.Enabled {
		lm.discovery = devices.NewDiscovery(cfg.Discovery, registry, logger.Named("discovery"))
		lm.discovery.OnScan(wsHub.NodesDiscovered)
	}
	if cfg.MQTT.Enabled {
		lm.publisher = mqtt.NewPublisher(cfg.MQTT, logger.Named("mqtt"))
	}

	// Event fan-out
	reconciler.Subscribe(wsHub)
	reconciler.Subscribe(eventStreamer)
	if lm.publisher != nil {
		reconciler.Subscribe(lm.publisher)
	}
	wsHub.SetStatusProvider(websocket.StatusFunc(func() any {
		return lm.GetCurrentStatus()
	}))

	return lm, nil
}

// Start starts the entire system
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenScheduleCore")

	if err := lm.storage.EnsureSchema(ctx); err != nil {
		lm.setError(err)
		return err
	}
	if err := lm.authService.BootstrapAdmin(ctx); err != nil {
		lm.logger.Warn("Failed to bootstrap admin user", zap.Error(err))
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel

	lm.goBackground(func() { lm.wsHub.Run(bgCtx) })

	if lm.publisher != nil {
		connectCtx, cancelConnect := context.WithTimeout(ctx, 10*time.Second)
		if err := lm.publisher.Connect(connectCtx); err != nil {
			// paho keeps retrying in the background
			lm.logger.Warn("MQTT broker not reachable yet", zap.Error(err))
		}
		cancelConnect()
	}

	if lm.discovery != nil {
		lm.goBackground(func() { lm.discovery.Run(bgCtx, lm.config.Discovery.Interval) })
	}

	// Offline start is allowed; the cached nodes are served until the cloud returns.
	state := StateRunning
	refreshCtx, cancelRefresh := context.WithTimeout(ctx, initialRefreshTimeout)
	err := lm.reconciler.Refresh(refreshCtx)
	cancelRefresh()
	switch {
	case errors.Is(err, cloud.ErrNoNetwork):
		lm.logger.Warn("Cloud unreachable at startup", zap.Error(err))
		state = StateOffline
	case err != nil:
		lm.logger.Error("Initial schedule refresh failed", zap.Error(err))
	}

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	lm.goBackground(func() { lm.watchCloud(bgCtx) })

	lm.setState(state)
	lm.broadcastStatus()

	lm.logger.Info("System started successfully",
		zap.String("state", state.String()),
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("schedules", lm.reconciler.Store().Len()),
		zap.Bool("discovery", lm.discovery != nil),
		zap.Bool("mqtt", lm.publisher != nil))

	return nil
}

func (lm *LifecycleManager) goBackground(f func()) {
	lm.bg.Add(1)
	go func() {
		defer lm.bg.Done()
		f()
	}()
}

// watchCloud follows cloud reachability. Coming back online triggers a refresh.
func (lm *LifecycleManager) watchCloud(ctx context.Context) {
	interval := lm.config.Cloud.ProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		online := lm.monitor.Online()
		switch state := lm.state(); {
		case state == StateRunning && !online:
			lm.setState(StateOffline)
			lm.broadcastStatus()
		case state == StateOffline && online:
			if err := lm.reconciler.Refresh(ctx); err != nil {
				lm.logger.Warn("Refresh after reconnect failed", zap.Error(err))
				continue
			}
			lm.setState(StateRunning)
			lm.broadcastStatus()
		}
	}
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)
		lm.broadcastStatus()

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)

		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	// 1. REST API Server graceful shutdown
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// 2. gRPC Server graceful stop
	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
		}()
	}

	// 3. Background loops (hub closes its websocket clients on the way out)
	if lm.cancel != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.cancel()
			lm.bg.Wait()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		lm.logger.Info("Graceful shutdown completed")
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		err = fmt.Errorf("shutdown timeout exceeded")
	case err = <-errChan:
	}

	if lm.publisher != nil {
		lm.publisher.Close()
	}
	return err
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	streaming.Register(lm.grpcServer, lm.scheduleService)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", streaming.ServiceDesc.ServiceName))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger.Named("rest"), lm.wsHub, lm.authService)
	return lm.restServer.Start()
}

func (lm *LifecycleManager) state() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if state == lm.currentState {
		return
	}
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected state change", zap.Error(err))
	}
	lm.logger.Info("System state changed",
		zap.String("from", lm.currentState.String()),
		zap.String("to", state.String()))
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastError = err.Error()
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	nodes := lm.registry.ListNodes()
	reachable := 0
	for i := range nodes {
		if nodes[i].Reachable() {
			reachable++
		}
	}
	stale, fetchedAt := lm.registry.Stale()

	lm.stateMu.RLock()
	state, lastError := lm.currentState, lm.lastError
	lm.stateMu.RUnlock()

	return interfaces.SystemStatus{
		State:          state.String(),
		Error:          lastError,
		NodeCount:      len(nodes),
		ReachableNodes: reachable,
		ScheduleCount:  lm.reconciler.Store().Len(),
		CloudOnline:    state != StateOffline,
		CacheStale:     stale,
		WSClients:      lm.wsHub.GetClientCount(),
		FetchedAt:      fetchedAt,
	}
}

// broadcastStatus pushes the current status to every websocket client.
func (lm *LifecycleManager) broadcastStatus() {
	lm.wsHub.Broadcast(websocket.NewMessage(websocket.MessageTypeSystemStatus, lm.GetCurrentStatus()))
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Schedules() interfaces.ScheduleEngine {
	return lm.reconciler
}

func (lm *LifecycleManager) Nodes() interfaces.NodeDirectory {
	return lm.registry
}

func (lm *LifecycleManager) Operations() interfaces.OperationHistory {
	if lm.storage == nil {
		return nil
	}
	return lm.storage
}
