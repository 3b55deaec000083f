package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/loomwatch/internal/api/rest"
	"github.com/KevinKickass/loomwatch/internal/auth"
	"github.com/KevinKickass/loomwatch/internal/config"
	"github.com/KevinKickass/loomwatch/internal/interfaces"
	"github.com/KevinKickass/loomwatch/internal/modbus"
	"github.com/KevinKickass/loomwatch/internal/poller"
	"github.com/KevinKickass/loomwatch/internal/publisher"
	"github.com/KevinKickass/loomwatch/internal/reconcile"
	"github.com/KevinKickass/loomwatch/internal/registry"
	"go.uber.org/zap"
)

// LifecycleManager wires the poller process together and owns its startup
// and shutdown order.
type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger

	registry  *registry.Registry
	adapter   *modbus.Adapter
	cache     *reconcile.Client
	publisher *publisher.Publisher
	scheduler *poller.Scheduler
	issuer    *auth.Issuer

	restServer *rest.Server

	stateMu      sync.RWMutex
	currentState SystemState

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

func NewLifecycleManager(cfg *config.Config, logger *zap.Logger) *LifecycleManager {
	return &LifecycleManager{
		config:       cfg,
		logger:       logger,
		adapter:      modbus.NewAdapter(cfg.Modbus, logger),
		cache:        reconcile.NewClient(cfg.Cache),
		issuer:       auth.NewIssuer(cfg.Hub.HubSecret(), cfg.Hub.Token, cfg.Hub.TokenTTL),
		currentState: StateInitializing,
	}
}

// Start loads the registry, connects the publisher, starts the scheduler
// and the command API. A registry failure is fatal.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting loom poller",
		zap.String("group", lm.config.Poller.Group),
		zap.String("registry", lm.config.Registry.Source))

	reg, err := registry.Open(ctx, lm.config, lm.logger)
	if err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to open registry: %w", err)
	}
	lm.registry = reg

	devices, err := reg.Load(ctx)
	if err != nil {
		lm.setState(StateError)
		return err
	}

	if lm.config.PulsesPerRow > 0 {
		lm.logger.Info("Pulses per row configured, counters stay in raw pulses",
			zap.Int("pulses_per_row", lm.config.PulsesPerRow))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lm.cancel = cancel

	var sinks []publisher.Sink
	if lm.config.AMQP.URL != "" {
		sinks = append(sinks, publisher.NewAMQPSink(lm.config.AMQP, lm.logger))
	}

	lm.publisher = publisher.New(lm.config.Hub, lm.issuer, lm.logger, sinks...)
	lm.publisher.Start(runCtx)

	lm.scheduler = poller.New(lm.config.Poller, devices, lm.adapter, lm.cache, lm.publisher, lm.logger)

	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		lm.scheduler.Run(runCtx)
	}()

	if refresh := lm.config.Poller.RegistryRefresh; refresh > 0 {
		lm.wg.Add(1)
		go func() {
			defer lm.wg.Done()
			lm.refreshLoop(runCtx, refresh)
		}()
	}

	lm.restServer = rest.NewServer(lm.config, lm, lm.issuer, lm.logger)
	if err := lm.restServer.Start(); err != nil {
		lm.setState(StateError)
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("devices", len(devices)),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.String("hub", lm.config.Hub.URL))

	return nil
}

func (lm *LifecycleManager) refreshLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := lm.ReloadRegistry(ctx); err != nil {
				lm.logger.Warn("Periodic registry refresh failed, keeping current fleet", zap.Error(err))
			}
		}
	}
}

// ReloadRegistry reloads the fleet; the scheduler applies it at its next
// cycle boundary.
func (lm *LifecycleManager) ReloadRegistry(ctx context.Context) (int, error) {
	devices, err := lm.registry.Load(ctx)
	if err != nil {
		return 0, err
	}
	lm.scheduler.Reload(devices)
	return len(devices), nil
}

func (lm *LifecycleManager) Fleet() interfaces.Fleet {
	return lm.scheduler
}

func (lm *LifecycleManager) DeviceWriter() interfaces.DeviceWriter {
	return lm.adapter
}

// Shutdown stops intake, lets the running cycle finish and closes every
// outbound connection. Safe to call more than once.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	if lm.restServer != nil {
		if err := lm.restServer.Shutdown(ctx); err != nil {
			lm.logger.Warn("REST API shutdown failed", zap.Error(err))
		}
	}

	if lm.cancel != nil {
		lm.cancel()
	}

	// Wait for the running cycle
	done := make(chan struct{})
	go func() {
		lm.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		err = fmt.Errorf("shutdown timeout exceeded")
	}

	if lm.publisher != nil {
		if perr := lm.publisher.Close(); perr != nil {
			lm.logger.Warn("Publisher close failed", zap.Error(perr))
		}
	}
	if lm.registry != nil {
		lm.registry.Close()
	}

	if err == nil {
		lm.logger.Info("Graceful shutdown completed")
	}
	return err
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected state transition", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	status := interfaces.SystemStatus{
		State: lm.State().String(),
		Group: lm.config.Poller.Group,
	}
	if lm.scheduler != nil {
		status.DeviceCount = len(lm.scheduler.Devices())
		status.Published = len(lm.scheduler.Snapshots())
	}
	if lm.publisher != nil {
		status.HubConnected = lm.publisher.Connected()
	}
	return status
}
