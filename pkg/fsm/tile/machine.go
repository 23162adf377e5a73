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
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"

	internal_fsm "github.com/ska-telescope/ska-low-mccs-spshw/internal/fsm"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/backoff"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/config"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/constants"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/logger"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/metrics"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/orchestration"
)

// NewTileInstance creates a new TileInstance for one TPM bay
func NewTileInstance(tileConfig config.TileConfig) *TileInstance {

	cfg := internal_fsm.BaseFSMInstanceConfig{
		ID:                                 tileConfig.Name,
		DesiredFSMState:                    OperationalStateDisconnected,
		OperationalStateAfterCreate:        OperationalStateDisconnected,
		OperationalStateBeforeRemove:       OperationalStateDisconnected,
		OperationalStateBeforeBeforeRemove: OperationalStateDisconnecting,
		OperationalTransitions: []fsm.EventDesc{
			// Basic lifecycle transitions
			// Disconnected is the initial state
			// disconnected -> connecting
			{
				Name: EventConnect,
				Src:  []string{OperationalStateDisconnected},
				Dst:  OperationalStateConnecting,
			},

			// connecting -> connected_off
			{
				Name: EventConnectDone,
				Src:  []string{OperationalStateConnecting},
				Dst:  OperationalStateConnectedOff,
			},

			// connected_off -> powering_on
			// powering_off may flip straight to powering_on when the desired
			// state changes before the switch completed
			{
				Name: EventPowerOn,
				Src: []string{
					OperationalStateConnectedOff,
					OperationalStatePoweringOff,
				},
				Dst: OperationalStatePoweringOn,
			},

			// connected_on -> powering_off
			// powering_on may flip straight to powering_off when the desired
			// state changes before the switch completed
			{
				Name: EventPowerOff,
				Src: []string{
					OperationalStateConnectedOn,
					OperationalStatePoweringOn,
				},
				Dst: OperationalStatePoweringOff,
			},

			// The subrack reports the bay as on. This covers both our own
			// power-on command completing and an external switch-on.
			{
				Name: EventTpmOn,
				Src: []string{
					OperationalStatePoweringOn,
					OperationalStateConnectedOff,
				},
				Dst: OperationalStateConnectedOn,
			},

			// The subrack reports the bay as not on. This covers both our own
			// power-off command completing and an external loss of power.
			{
				Name: EventTpmOff,
				Src: []string{
					OperationalStatePoweringOff,
					OperationalStateConnectedOn,
				},
				Dst: OperationalStateConnectedOff,
			},

			// any connected state -> connecting when the subrack link drops
			{
				Name: EventConnectionLost,
				Src: []string{
					OperationalStateConnectedOff,
					OperationalStatePoweringOn,
					OperationalStateConnectedOn,
					OperationalStatePoweringOff,
				},
				Dst: OperationalStateConnecting,
			},

			// everywhere to disconnecting
			{
				Name: EventDisconnect,
				Src: []string{
					OperationalStateConnecting,
					OperationalStateConnectedOff,
					OperationalStatePoweringOn,
					OperationalStateConnectedOn,
					OperationalStatePoweringOff,
				},
				Dst: OperationalStateDisconnecting,
			},

			// disconnecting to disconnected
			{
				Name: EventDisconnectDone,
				Src:  []string{OperationalStateDisconnecting},
				Dst:  OperationalStateDisconnected,
			},
		},
	}

	log := logger.For(tileConfig.Name)
	backoffConfig := backoff.DefaultConfig(cfg.ID, log)

	hardware := newHardwareAdapter()

	instance := &TileInstance{
		baseFSMInstance: internal_fsm.NewBaseFSMInstance(cfg, backoffConfig, log),
		config:          tileConfig,
		hardware:        hardware,
		ObservedState:   TileObservedState{ObservedTileConfig: tileConfig},
	}

	instance.orchestrator = orchestration.NewOrchestrator(orchestration.Config{
		Name:    tileConfig.Name,
		Control: hardware,
		Logger:  log,
	})

	metrics.InitErrorCounter(metrics.ComponentTileInstance, tileConfig.Name)

	return instance
}

// SetDesiredFSMState safely updates the desired state
// But ensures that the desired state is a valid state and that it is also a reasonable state
// e.g., nobody wants to have a tile in the "powering_on" state, that is just intermediate
func (t *TileInstance) SetDesiredFSMState(state string) error {
	if state != OperationalStateDisconnected &&
		state != OperationalStateConnectedOff &&
		state != OperationalStateConnectedOn {
		return fmt.Errorf("invalid desired state: %s. valid states are %s, %s and %s",
			state,
			OperationalStateDisconnected,
			OperationalStateConnectedOff,
			OperationalStateConnectedOn)
	}

	t.baseFSMInstance.SetDesiredFSMState(state)
	return nil
}

// GetCurrentFSMState returns the current state of the FSM
func (t *TileInstance) GetCurrentFSMState() string {
	return t.baseFSMInstance.GetCurrentFSMState()
}

// GetDesiredFSMState returns the desired state of the FSM
func (t *TileInstance) GetDesiredFSMState() string {
	return t.baseFSMInstance.GetDesiredFSMState()
}

// Remove starts the removal process, it is idempotent and can be called multiple times
// Note: it is only removed once IsRemoved returns true
func (t *TileInstance) Remove(ctx context.Context) error {
	return t.baseFSMInstance.Remove(ctx)
}

// IsRemoved returns true if the instance has been removed
func (t *TileInstance) IsRemoved() bool {
	return t.baseFSMInstance.IsRemoved()
}

// IsRemoving returns true if the instance is in the removing state
func (t *TileInstance) IsRemoving() bool {
	return t.baseFSMInstance.IsRemoving()
}

// IsDisconnecting returns true if the instance is in the disconnecting state
func (t *TileInstance) IsDisconnecting() bool {
	return t.baseFSMInstance.GetCurrentFSMState() == OperationalStateDisconnecting
}

// IsDisconnected returns true if the instance is in the disconnected state
func (t *TileInstance) IsDisconnected() bool {
	return t.baseFSMInstance.GetCurrentFSMState() == OperationalStateDisconnected
}

// IsTpmOn returns true if the subrack last reported the TPM as powered on
func (t *TileInstance) IsTpmOn() bool {
	return t.ObservedState.TpmPowerState == orchestration.PowerOn
}

// IsSubrackLinkUp returns true if the engine sees the subrack link as
// established
func (t *TileInstance) IsSubrackLinkUp() bool {
	return t.ObservedState.EngineState.SubrackCommunication == orchestration.CommunicationEstablished
}

// PrintState prints the current state of the FSM for debugging
func (t *TileInstance) PrintState() {
	t.baseFSMInstance.GetLogger().Debugf("Current state: %s", t.baseFSMInstance.GetCurrentFSMState())
	t.baseFSMInstance.GetLogger().Debugf("Desired state: %s", t.baseFSMInstance.GetDesiredFSMState())
	t.baseFSMInstance.GetLogger().Debugf("Observed state: %+v", t.ObservedState)
}

// GetExpectedMaxP95ExecutionTimePerInstance returns the minimum required time for this instance
func (t *TileInstance) GetExpectedMaxP95ExecutionTimePerInstance() time.Duration {
	return constants.TileUpdateObservedStateTimeout
}
