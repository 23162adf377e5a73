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

package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Component labels.
	ComponentControlLoop = "control_loop"
	// Managers.
	ComponentBaseFSMManager = "base_fsm_manager"
	ComponentTileManager    = "tile_manager"
	// Instances.
	ComponentBaseFSMInstance  = "base_fsm_instance"
	ComponentTileInstance     = "tile_instance"
	ComponentTileOrchestrator = "tile_orchestrator"
	// Services.
	ComponentSubrackService = "subrack_service"
)

var (
	// Namespace and subsystem for all metrics.
	namespace = "mccs"
	subsystem = "spshw"

	// Error counters.
	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	// Reconcile timing.
	reconcileTime = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconcile_duration_milliseconds",
			Help:      "Time taken to reconcile (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.95: 0.01,
				0.99: 0.01,
			},
		},
		[]string{"component", "instance"},
	)

	// Stimuli fed into the per-tile orchestrators.
	stimulusCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "orchestrator_stimuli_total",
			Help:      "Total number of stimuli processed per tile orchestrator",
		},
		[]string{"instance", "stimulus"},
	)

	// Observed TPM power state per tile.
	powerStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tpm_power_state",
			Help:      "Observed TPM power state (0=unknown, 1=no_supply, 2=off, 3=on)",
		},
		[]string{"instance"},
	)

	// Current FSM state per tile instance.
	fsmStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fsm_current_state",
			Help:      "Current FSM state per instance, one label value set to 1",
		},
		[]string{"instance", "state"},
	)

	// Starvation timer.
	starvationSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconcile_starved_total_seconds",
			Help:      "Total seconds the reconcile loop was starved",
		},
	)
)

// InitErrorCounter pre-registers the error counter for a component so the
// series exists before the first error.
func InitErrorCounter(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Add(0)
}

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// ObserveReconcileTime records how long one reconcile step took.
func ObserveReconcileTime(component, instance string, duration time.Duration) {
	reconcileTime.WithLabelValues(component, instance).Observe(float64(duration.Milliseconds()))
}

// IncStimulusCount counts one processed stimulus for a tile orchestrator.
func IncStimulusCount(instance, stimulus string) {
	stimulusCounter.WithLabelValues(instance, stimulus).Inc()
}

// SetPowerState records the observed TPM power state for a tile.
func SetPowerState(instance string, state int) {
	powerStateGauge.WithLabelValues(instance).Set(float64(state))
}

// SetFSMState marks the current FSM state of an instance. The previous state
// label must be cleared by the caller via ClearFSMState.
func SetFSMState(instance, state string) {
	fsmStateGauge.WithLabelValues(instance, state).Set(1)
}

// ClearFSMState clears a state label previously set via SetFSMState.
func ClearFSMState(instance, state string) {
	fsmStateGauge.WithLabelValues(instance, state).Set(0)
}

// AddStarvationTime accumulates time during which the control loop could not
// keep up with its tick interval.
func AddStarvationTime(duration time.Duration) {
	starvationSeconds.Add(duration.Seconds())
}

// RegisterHandler mounts the Prometheus scrape endpoint on a gin router.
func RegisterHandler(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
