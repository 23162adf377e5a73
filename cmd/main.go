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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/config"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/constants"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/control"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/env"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/fsm/tile"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/logger"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/metrics"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/sentry"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/service/subrack"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/version"
)

func main() {
	// Initialize the global logger first thing
	logger.Initialize()
	defer logger.Sync()

	// Initialize Sentry
	sentry.InitSentry(version.GetAppVersion())
	defer sentry.Flush(2 * time.Second)

	log := logger.For(logger.ComponentCore)
	log.Infof("Starting station engine %s", version.GetAppVersion())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath, err := env.GetAsString("STATION_CONFIG_PATH", false, constants.DefaultConfigPath)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to resolve config path: %v", err)
		os.Exit(1)
	}
	configManager := config.NewFileConfigManager(configPath)

	// Load the configuration once up front so a broken file fails fast,
	// with environment variables applied as overrides
	configData, err := config.LoadConfigWithEnvOverrides(configManager, log)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config from %s: %v", configPath, err)
		os.Exit(1)
	}
	log.Infof("Loaded config for station %q with %d tile(s)", configData.Station.Name, len(configData.Tiles))

	// Start the metrics server
	metricsServer := setupMetricsEndpoint(configData.Station.MetricsPort, log)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown metrics server: %v", err)
		}
	}()

	subrackService := subrack.NewSubrackService(configData.Station.Subrack.APIURL)

	controlLoop := control.NewControlLoop(configManager, subrackService)

	// Start the system snapshot logger
	go systemSnapshotLogger(ctx, controlLoop)

	// Run the control loop until a shutdown signal arrives
	err = controlLoop.Execute(ctx)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Control loop failed: %v", err)
		os.Exit(1)
	}

	log.Info("Station engine stopped")
}

// setupMetricsEndpoint exposes the Prometheus metrics over a Gin router.
func setupMetricsEndpoint(port int, log *zap.SugaredLogger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	metrics.RegisterHandler(router)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	go func() {
		log.Infof("Starting metrics server on port %d", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeFatal, log)
		}
	}()

	return server
}

// systemSnapshotLogger logs the system snapshot every 5 seconds so the
// station state is visible in the container logs without any extra tooling.
func systemSnapshotLogger(ctx context.Context, controlLoop *control.ControlLoop) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	snapLogger := logger.For("SnapshotLogger")
	if snapLogger == nil {
		snapLogger = zap.NewNop().Sugar()
	}

	for {
		select {
		case <-ctx.Done():
			snapLogger.Info("Stopping system snapshot logger")
			return
		case <-ticker.C:
			snapshot := controlLoop.GetSystemSnapshot()
			if snapshot == nil {
				continue
			}

			snapLogger.Infof("=== System Snapshot (Tick %d) - %d Manager(s) ===",
				snapshot.Tick, len(snapshot.Managers))

			for managerName, manager := range snapshot.Managers {
				instances := manager.GetInstances()
				if len(instances) == 0 {
					snapLogger.Infof("%s (tick %d): no instances", managerName, manager.GetManagerTick())
					continue
				}

				snapLogger.Infof("%s (tick %d): %d instance(s)", managerName, manager.GetManagerTick(), len(instances))
				for instanceName, instance := range instances {
					detail := ""
					if tileSnapshot, ok := instance.LastObservedState.(*tile.TileObservedStateSnapshot); ok {
						detail = fmt.Sprintf(" | subrack %s, tpm %s",
							tileSnapshot.EngineState.SubrackCommunication, tileSnapshot.TpmPowerState)
					}
					snapLogger.Infof("  %s: %s -> %s%s",
						instanceName, instance.CurrentState, instance.DesiredState, detail)
				}
			}
		}
	}
}
