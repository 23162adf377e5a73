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

package tile

import (
	"time"

	internalfsm "github.com/ska-telescope/ska-low-mccs-spshw/internal/fsm"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/config"
	publicfsm "github.com/ska-telescope/ska-low-mccs-spshw/pkg/fsm"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/orchestration"
)

// Operational state constants (using internal_fsm compatible naming)
const (
	// OperationalStateDisconnected is the initial state: no communication with
	// the subrack, no knowledge of the TPM
	OperationalStateDisconnected = "disconnected"
	// OperationalStateConnecting is the state while the subrack link is being
	// established
	OperationalStateConnecting = "connecting"
	// OperationalStateConnectedOff is the state when the subrack link is up
	// but the TPM is not powered on
	OperationalStateConnectedOff = "connected_off"
	// OperationalStatePoweringOn is the state after a power-on command has
	// been issued, waiting for the subrack to report the TPM as on
	OperationalStatePoweringOn = "powering_on"
	// OperationalStateConnectedOn is the state when the subrack link is up and
	// the TPM is powered on
	OperationalStateConnectedOn = "connected_on"
	// OperationalStatePoweringOff is the state after a power-off command has
	// been issued, waiting for the subrack to report the TPM as off
	OperationalStatePoweringOff = "powering_off"
	// OperationalStateDisconnecting is the state while communication is being
	// torn down
	OperationalStateDisconnecting = "disconnecting"
)

// Operational event constants
const (
	// EventConnect starts establishing the subrack link
	EventConnect = "connect"
	// EventConnectDone fires once the subrack link is established
	EventConnectDone = "connect_done"

	// EventPowerOn fires after a power-on command has been issued
	EventPowerOn = "power_on"
	// EventPowerOff fires after a power-off command has been issued
	EventPowerOff = "power_off"

	// EventTpmOn fires when the subrack reports the TPM as powered on,
	// whether commanded by us or switched externally
	EventTpmOn = "tpm_on"
	// EventTpmOff fires when the subrack reports the TPM as not powered on
	EventTpmOff = "tpm_off"

	// EventConnectionLost fires when the subrack link drops while connected
	EventConnectionLost = "connection_lost"

	// EventDisconnect starts tearing communication down
	EventDisconnect = "disconnect"
	// EventDisconnectDone fires once all communication is torn down
	EventDisconnectDone = "disconnect_done"
)

// IsOperationalState returns whether the given state is a valid operational state
func IsOperationalState(state string) bool {
	switch state {
	case OperationalStateDisconnected,
		OperationalStateConnecting,
		OperationalStateConnectedOff,
		OperationalStatePoweringOn,
		OperationalStateConnectedOn,
		OperationalStatePoweringOff,
		OperationalStateDisconnecting:
		return true
	}
	return false
}

// IsConnectedState returns whether the given state has an established subrack link
func IsConnectedState(state string) bool {
	switch state {
	case OperationalStateConnectedOff,
		OperationalStatePoweringOn,
		OperationalStateConnectedOn,
		OperationalStatePoweringOff:
		return true
	}
	return false
}

// TileObservedState contains the observed runtime state of a tile instance
type TileObservedState struct {
	// ObservedTileConfig contains the tile config as currently applied
	ObservedTileConfig config.TileConfig

	// EngineState is the state tuple of the orchestration engine after the
	// last poll
	EngineState orchestration.State

	// CommunicationStatus is the aggregate communication status as last
	// reported by the orchestration engine
	CommunicationStatus orchestration.CommunicationStatus

	// TpmPowerState is the TPM power state as last reported by the subrack
	TpmPowerState orchestration.PowerState

	// LastPollTime is when the subrack was last polled successfully
	LastPollTime time.Time
}

// IsObservedState implements the ObservedState interface
func (t TileObservedState) IsObservedState() {}

// TileInstance implements the FSMInstance interface
// If TileInstance does not implement the FSMInstance interface, this will
// be detected at compile time
var _ publicfsm.FSMInstance = (*TileInstance)(nil)

// TileInstance is a state-machine managed TPM bay. It owns the orchestration
// engine for its bay and drives it from the observed subrack state.
type TileInstance struct {
	baseFSMInstance *internalfsm.BaseFSMInstance

	// config contains all the configuration for this tile
	config config.TileConfig

	// orchestrator folds operator intent and observed hardware state into
	// the hardware commands collected by hardware
	orchestrator *orchestration.Orchestrator

	// hardware collects the commands the orchestrator issues; they are
	// executed against the subrack service on the next observed-state update
	hardware *hardwareAdapter

	// ObservedState represents the observed state of the tile
	// ObservedState is updated at the beginning of Reconcile and then used to
	// determine the next state
	ObservedState TileObservedState
}

// GetLastObservedState returns the last known state of the instance
func (t *TileInstance) GetLastObservedState() publicfsm.ObservedState {
	return t.ObservedState
}

// GetConfig returns the tile config for this instance
// This is a testing-only utility to access the private config field
func (t *TileInstance) GetConfig() config.TileConfig {
	return t.config
}

// GetLastError returns the last error of the instance
// This is a testing-only utility to access the private baseFSMInstance field
func (t *TileInstance) GetLastError() error {
	return t.baseFSMInstance.GetLastError()
}

// GetOrchestrator returns the orchestration engine of this instance
// This is a testing-only utility to access the private orchestrator field
func (t *TileInstance) GetOrchestrator() *orchestration.Orchestrator {
	return t.orchestrator
}

// TileObservedStateSnapshot is a deep-copyable snapshot of TileObservedState
type TileObservedStateSnapshot struct {
	Config              config.TileConfig
	EngineState         orchestration.State
	CommunicationStatus orchestration.CommunicationStatus
	TpmPowerState       orchestration.PowerState
	LastPollTime        time.Time
}

// IsObservedStateSnapshot implements the ObservedStateSnapshot interface
func (s *TileObservedStateSnapshot) IsObservedStateSnapshot() {}

// CreateObservedStateSnapshot implements the fsm.ObservedStateConverter interface
func (t *TileInstance) CreateObservedStateSnapshot() publicfsm.ObservedStateSnapshot {
	return &TileObservedStateSnapshot{
		Config:              t.config,
		EngineState:         t.ObservedState.EngineState,
		CommunicationStatus: t.ObservedState.CommunicationStatus,
		TpmPowerState:       t.ObservedState.TpmPowerState,
		LastPollTime:        t.ObservedState.LastPollTime,
	}
}
