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

package constants

import "time"

const (
	// DefaultAppVersion is the version reported by local development builds
	// that were not built with version ldflags.
	DefaultAppVersion = "0.0.0-dev"

	// DefaultDevelopmentEnvironment is the environment reported to error
	// tracking for prerelease builds.
	DefaultDevelopmentEnvironment = "development"
	// DefaultProductionEnvironment is the environment reported to error
	// tracking for release builds.
	DefaultProductionEnvironment = "production"
)

const (
	// DefaultTickerTime is the interval of the control loop.
	DefaultTickerTime = 100 * time.Millisecond

	// StarvationThreshold is how far behind schedule a tick may run before
	// the loop logs a starvation warning.
	StarvationThreshold = 5 * time.Second

	// ExpectedMaxP95ExecutionTimePerEvent is the budget assumed for a single
	// FSM event. Transitions are not started when less context lifetime than
	// this remains.
	ExpectedMaxP95ExecutionTimePerEvent = 10 * time.Millisecond

	// ControlLoopTimeFactor is the share of the remaining tick budget handed
	// to the managers; the rest is kept for snapshotting and error handling.
	ControlLoopTimeFactor = 0.8

	// MaxConcurrentReconciles bounds how many managers reconcile in parallel
	// within one tick.
	MaxConcurrentReconciles = 4
)

const (
	// SubrackPollInterval is how often the subrack management API is polled
	// for TPM bay power states.
	SubrackPollInterval = 1 * time.Second

	// SubrackRequestTimeout bounds every single HTTP request to the subrack
	// management API.
	SubrackRequestTimeout = 3 * time.Second

	// TileUpdateObservedStateTimeout bounds the observed-state refresh of a
	// tile instance during one reconcile step.
	TileUpdateObservedStateTimeout = 50 * time.Millisecond
)

const (
	// DefaultMetricsPort is the port the metrics endpoint listens on when
	// not configured otherwise.
	DefaultMetricsPort = 8080

	// DefaultManagerName is the name of the default tile manager.
	DefaultManagerName = "Core"

	// DefaultConfigPath is where the station configuration file is looked
	// for when STATION_CONFIG_PATH is not set.
	DefaultConfigPath = "/data/station.yaml"
)
