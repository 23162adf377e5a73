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

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/orchestration"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/service/subrack"
)

// The lifecycle actions below are invoked by the reconcile logic. They are
// idempotent: repeating one that already took effect is a no-op, so a failed
// tick can simply be retried.

// CreateInstance is called when the FSM transitions from to_be_created to creating.
// The orchestration engine is already constructed; there is nothing to
// allocate on the hardware side.
func (t *TileInstance) CreateInstance(ctx context.Context, subrackService subrack.ISubrackService) error {
	t.baseFSMInstance.GetLogger().Debugf("Starting Action: Adding tile %s for bay %d ...", t.baseFSMInstance.GetID(), t.config.Bay)
	return nil
}

// RemoveInstance is called when the FSM transitions to removing.
// It tears down all communication so the instance leaves nothing behind.
func (t *TileInstance) RemoveInstance(ctx context.Context, subrackService subrack.ISubrackService) error {
	t.baseFSMInstance.GetLogger().Debugf("Starting Action: Removing tile %s ...", t.baseFSMInstance.GetID())
	return t.StopInstance(ctx, subrackService)
}

// StartInstance asks the orchestration engine to bring the subrack link up.
func (t *TileInstance) StartInstance(ctx context.Context, subrackService subrack.ISubrackService) error {
	t.baseFSMInstance.GetLogger().Debugf("Starting Action: Starting tile %s ...", t.baseFSMInstance.GetID())

	if t.orchestrator.State().SubrackCommunication != orchestration.CommunicationDisabled {
		// Already online or coming online
		return nil
	}

	if err := t.orchestrator.DesireOnline(); err != nil {
		return fmt.Errorf("failed to start communicating with subrack: %w", err)
	}
	return nil
}

// StopInstance asks the orchestration engine to tear all communication down.
// The engine stops TPM communication before subrack communication and resets
// itself to its initial state.
func (t *TileInstance) StopInstance(ctx context.Context, subrackService subrack.ISubrackService) error {
	t.baseFSMInstance.GetLogger().Debugf("Starting Action: Stopping tile %s ...", t.baseFSMInstance.GetID())

	if t.orchestrator.State().SubrackCommunication == orchestration.CommunicationDisabled {
		// Already offline
		return nil
	}

	if err := t.orchestrator.DesireOffline(); err != nil {
		return fmt.Errorf("failed to stop communicating with subrack: %w", err)
	}

	t.captureEngineState()
	return nil
}

// ForceRemoveInstance drops the instance without going through the normal
// state transitions. Teardown errors are logged but not propagated; the
// instance is being discarded either way.
func (t *TileInstance) ForceRemoveInstance(ctx context.Context, subrackService subrack.ISubrackService) error {
	if err := t.StopInstance(ctx, subrackService); err != nil {
		t.baseFSMInstance.GetLogger().Warnf("force removal of tile %s: teardown failed: %v", t.baseFSMInstance.GetID(), err)
	}
	return nil
}

// UpdateObservedStateOfInstance updates the observed state of the tile.
// It drains the switch commands the orchestration engine issued since the
// last update, executes them against the subrack, then polls the bay power
// state and feeds the outcome back into the engine as stimuli.
func (t *TileInstance) UpdateObservedStateOfInstance(ctx context.Context, subrackService subrack.ISubrackService, tick uint64, loopStartTime time.Time) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Step 1: execute any switch command the engine issued. A failed switch
	// is requeued so it is retried on the next update.
	if cmd := t.hardware.TakePendingPower(); cmd != powerCommandNone {
		var err error
		switch cmd {
		case powerCommandOn:
			err = subrackService.PowerOnTpm(ctx, t.config.Bay)
		case powerCommandOff:
			err = subrackService.PowerOffTpm(ctx, t.config.Bay)
		}
		if err != nil {
			t.hardware.RestorePendingPower(cmd)
			return fmt.Errorf("failed to switch TPM in bay %d: %w", t.config.Bay, err)
		}
	}

	// Step 2: poll the subrack while the engine wants the link up. The poll
	// doubles as the liveness probe for the link itself.
	if t.hardware.SubrackCommsActive() {
		power, err := subrackService.TpmPowerState(ctx, t.config.Bay)
		if err != nil {
			if stimErr := t.orchestrator.UpdateSubrackCommunicationStatus(orchestration.CommunicationNotEstablished); stimErr != nil {
				t.baseFSMInstance.GetLogger().Errorf("failed to record subrack link loss: %v", stimErr)
			}
			t.captureEngineState()
			return fmt.Errorf("failed to poll TPM power state for bay %d: %w", t.config.Bay, err)
		}

		if err := t.orchestrator.UpdateSubrackCommunicationStatus(orchestration.CommunicationEstablished); err != nil {
			return err
		}
		if err := t.orchestrator.UpdateTpmPowerState(power); err != nil {
			return err
		}

		// The bay power poll stands in for a TPM liveness probe: the TPM link
		// counts as up exactly while the subrack reports the bay as on.
		if t.hardware.TpmCommsActive() {
			status := orchestration.CommunicationNotEstablished
			if power == orchestration.PowerOn {
				status = orchestration.CommunicationEstablished
			}
			if err := t.orchestrator.UpdateTpmCommunicationStatus(status); err != nil {
				return err
			}
		}

		t.ObservedState.LastPollTime = time.Now()
	}

	t.captureEngineState()
	return nil
}

// captureEngineState copies the orchestration engine state into the observed
// state, where the reconcile logic reads it.
func (t *TileInstance) captureEngineState() {
	state := t.orchestrator.State()
	t.ObservedState.EngineState = state
	t.ObservedState.TpmPowerState = state.TpmPower
	t.ObservedState.CommunicationStatus = t.orchestrator.CommunicationStatus()
}
