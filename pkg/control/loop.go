// Copyright 2025 SKA Observatory
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package control implements the central control loop of the station engine.
//
// This package is responsible for:
// - Creating and coordinating the FSM managers that drive the station's tiles
// - Executing the periodic control loop that moves the system toward its desired state
// - Feeding the current station configuration into every reconciliation cycle
// - Monitoring loop health and detecting starvation conditions
// - Creating and maintaining snapshots of system state for external consumers
//
// The control loop follows established patterns from Kubernetes controllers,
// where a continuous reconciliation approach gradually moves the system toward
// its desired state.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/config"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/constants"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/ctxutil"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/fsm"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/fsm/tile"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/logger"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/metrics"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/sentry"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/service/subrack"
)

// ConfigProvider supplies the desired station configuration for each
// reconciliation cycle.
type ConfigProvider interface {
	GetConfig() (config.StationConfig, error)
}

// ControlLoop is the central orchestration component of the station engine.
// It implements the primary reconciliation loop that drives the system
// toward its desired state by coordinating the FSM managers.
//
// The control loop follows a "desired state" pattern where:
// 1. Configuration defines what the system should look like
// 2. Managers continuously reconcile actual state with desired state
// 3. Changes propagate in sequence until the system stabilizes
type ControlLoop struct {
	tickerTime      time.Duration
	managers        []fsm.FSMManager[any]
	configProvider  ConfigProvider
	subrackService  subrack.ISubrackService
	logger          *zap.SugaredLogger
	currentTick     uint64
	snapshotManager *fsm.SnapshotManager

	// lastConfig is the last successfully loaded configuration, used when a
	// reload fails mid-flight
	lastConfig     config.StationConfig
	haveLastConfig bool
}

// NewControlLoop creates a new control loop with all necessary managers.
// The loop runs at a fixed interval (constants.DefaultTickerTime) and
// reconciles every manager against the configuration supplied by the
// config provider on each tick.
func NewControlLoop(configProvider ConfigProvider, subrackService subrack.ISubrackService) *ControlLoop {
	log := logger.For(logger.ComponentControlLoop)
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	managers := []fsm.FSMManager[any]{
		tile.NewTileManager(constants.DefaultManagerName),
	}

	metrics.InitErrorCounter(metrics.ComponentControlLoop, "main")

	return &ControlLoop{
		managers:        managers,
		tickerTime:      constants.DefaultTickerTime,
		configProvider:  configProvider,
		subrackService:  subrackService,
		logger:          log,
		snapshotManager: fsm.NewSnapshotManager(),
	}
}

// Execute runs the control loop until the context is cancelled.
// This is the main entry point that starts the continuous reconciliation process.
// The loop follows a simple pattern:
// 1. Wait for the next tick interval
// 2. Fetch latest configuration
// 3. Reconcile each manager
// 4. Update metrics and monitor for starvation
// 5. Handle any errors appropriately
//
// Critical error handling patterns:
// - Deadline exceeded: Log warning and continue (temporary slowness indicating the ticker is too fast or the managers are slow)
// - Context cancelled: Clean shutdown
// - Other errors: Abort the loop
func (c *ControlLoop) Execute(ctx context.Context) error {
	ticker := time.NewTicker(c.tickerTime)
	defer ticker.Stop()

	c.currentTick = 0
	lastTickTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.currentTick++

			// A large gap between ticks means the previous cycle starved the
			// loop; the ticker fires only once no matter how late we are
			gap := time.Since(lastTickTime)
			if gap > constants.StarvationThreshold {
				c.logger.Warnf("Control loop starved for %v (tick interval %v)", gap, c.tickerTime)
				metrics.AddStarvationTime(gap - c.tickerTime)
			}
			lastTickTime = time.Now()

			start := time.Now()

			timeoutCtx, cancel := context.WithTimeout(ctx, c.tickerTime)
			err := c.Reconcile(timeoutCtx, c.currentTick)
			cancel()

			cycleTime := time.Since(start)
			if cycleTime > c.tickerTime {
				c.logger.Warnf("Control loop reconcile cycle time is greater than ticker time: %v", cycleTime)
				if cycleTime > 2*c.tickerTime {
					c.logger.Errorf("Control loop reconcile cycle time is greater than 2*ticker time: %v", cycleTime)
				}
			}

			metrics.ObserveReconcileTime(metrics.ComponentControlLoop, "main", cycleTime)

			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					// For timeouts, log warning but continue
					sentry.ReportIssuef(sentry.IssueTypeWarning, c.logger, "Control loop reconcile timed out: %v", err)
				} else if errors.Is(err, context.Canceled) {
					c.logger.Infof("Control loop cancelled")
					return nil
				} else {
					metrics.IncErrorCount(metrics.ComponentControlLoop, "main")
					// Any other unhandled error will result in the control loop stopping
					sentry.ReportIssuef(sentry.IssueTypeError, c.logger, "Control loop error: %v", err)
					return err
				}
			}
		}
	}
}

// Reconcile performs a single reconciliation cycle across all managers:
// 1. Fetch the latest configuration
// 2. Carry the previous snapshot forward as the starting point for this cycle
// 3. Execute the managers in parallel, each within the shared time budget
// 4. Persist a fresh snapshot of the resulting system state
//
// A manager reporting that it changed something ends the cycle early: the
// change should settle before anything else reacts to it.
func (c *ControlLoop) Reconcile(ctx context.Context, tick uint64) error {
	if c.configProvider == nil {
		return fmt.Errorf("config provider is not set")
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// 1) Retrieve or create the "previous" snapshot
	prevSnapshot := c.snapshotManager.GetSnapshot()
	var newSnapshot fsm.SystemSnapshot

	if prevSnapshot == nil {
		newSnapshot = fsm.SystemSnapshot{
			Managers:     make(map[string]fsm.ManagerSnapshot),
			SnapshotTime: time.Now(),
			Tick:         tick,
		}
	} else {
		// the new snapshot is a deep copy of the previous snapshot
		err := deepcopy.Copy(&newSnapshot, prevSnapshot)
		if err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, c.logger, "Failed to deep copy snapshot: %v", err)
			return fmt.Errorf("failed to deep copy snapshot: %w", err)
		}
		newSnapshot.Tick = tick
		newSnapshot.SnapshotTime = time.Now()
	}

	// 2) Get the config. A failed reload is survivable as long as a config
	// was loaded at least once; the tiles then keep their last desired state.
	cfg, err := c.configProvider.GetConfig()
	if err != nil {
		if !c.haveLastConfig {
			sentry.ReportIssuef(sentry.IssueTypeWarning, c.logger, "No configuration available yet: %v", err)
			return nil
		}
		c.logger.Warnf("Config reload failed, continuing with previous config: %v", err)
		cfg = c.lastConfig
	} else {
		c.lastConfig = cfg
		c.haveLastConfig = true
	}

	// 3) Place the config into the snapshot
	newSnapshot.CurrentConfig = cfg

	// Hand the managers a fraction of the remaining time so there is room
	// left for snapshotting
	innerDeadline, err := ctxutil.ScaledDeadline(ctx, constants.ControlLoopTimeFactor)
	if err != nil {
		return err
	}
	innerCtx, cancel := context.WithDeadline(ctx, innerDeadline)
	defer cancel()

	// 4) Reconcile each manager with the current tick count and the snapshot
	hasAnyReconciles := false
	hasAnyReconcilesMutex := sync.Mutex{}

	errorgroup, _ := errgroup.WithContext(innerCtx)
	errorgroup.SetLimit(constants.MaxConcurrentReconciles)

	for _, manager := range c.managers {
		capturedManager := manager

		started := errorgroup.TryGo(func() error {
			if innerCtx.Err() != nil {
				c.logger.Debugf("Context is already cancelled, skipping manager %s", capturedManager.GetManagerName())
				return nil
			}

			reconciled, err := c.reconcileManager(innerCtx, capturedManager, newSnapshot)
			if err != nil {
				return err
			}
			if reconciled {
				hasAnyReconcilesMutex.Lock()
				hasAnyReconciles = true
				hasAnyReconcilesMutex.Unlock()
			}
			return nil
		})
		if !started {
			c.logger.Debugf("Too many running managers, skipping remaining")
			break
		}
	}

	waitErrorChannel := make(chan error, 1)
	go func() {
		waitErrorChannel <- errorgroup.Wait()
	}()

	select {
	case wgErr := <-waitErrorChannel:
		err = wgErr
	case <-innerCtx.Done():
		err = innerCtx.Err()
	}

	// If any managers were reconciled, create a snapshot and settle
	hasAnyReconcilesMutex.Lock()
	defer hasAnyReconcilesMutex.Unlock()
	if hasAnyReconciles {
		c.updateSystemSnapshot(cfg)
		return nil
	}

	if err != nil {
		return err
	}

	// 5) Finally, persist the updated snapshot
	c.updateSystemSnapshot(cfg)

	return nil
}

// reconcileManager executes a single manager within the parallel execution
// context, wrapping any error with the manager name for debugging.
func (c *ControlLoop) reconcileManager(ctx context.Context, manager fsm.FSMManager[any], newSnapshot fsm.SystemSnapshot) (bool, error) {
	managerName := manager.GetManagerName()

	managerStart := time.Now()
	err, reconciled := manager.Reconcile(ctx, newSnapshot, c.subrackService)
	executionTime := time.Since(managerStart)

	metrics.ObserveReconcileTime(metrics.ComponentControlLoop, managerName, executionTime)

	if err != nil {
		metrics.IncErrorCount(metrics.ComponentControlLoop, managerName)
		return false, fmt.Errorf("manager %s reconciliation failed: %w", managerName, err)
	}

	return reconciled, nil
}

// updateSystemSnapshot creates a snapshot of the current system state
func (c *ControlLoop) updateSystemSnapshot(cfg config.StationConfig) {
	snapshot, err := fsm.GetManagerSnapshots(c.managers, c.currentTick, cfg)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, c.logger, "Failed to create system snapshot: %v", err)
		return
	}

	c.snapshotManager.UpdateSnapshot(snapshot)
	c.logger.Debugf("Updated system snapshot at tick %d", c.currentTick)
}

// GetSystemSnapshot returns the current snapshot of the system state
// This is thread-safe and can be called from any goroutine
func (c *ControlLoop) GetSystemSnapshot() *fsm.SystemSnapshot {
	return c.snapshotManager.GetSnapshot()
}

// GetSnapshotManager returns the snapshot manager
func (c *ControlLoop) GetSnapshotManager() *fsm.SnapshotManager {
	return c.snapshotManager
}

// GetTileManager returns the tile manager, if the loop has one
func (c *ControlLoop) GetTileManager() (*tile.TileManager, bool) {
	for _, manager := range c.managers {
		if tileManager, ok := manager.(*tile.TileManager); ok {
			return tileManager, true
		}
	}
	return nil, false
}
