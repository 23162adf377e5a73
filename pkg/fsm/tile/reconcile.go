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
	"errors"
	"fmt"
	"time"

	internal_fsm "github.com/ska-telescope/ska-low-mccs-spshw/internal/fsm"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/backoff"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/constants"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/fsm"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/metrics"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/orchestration"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/service/subrack"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/standarderrors"
)

// Reconcile examines the TileInstance and, in three steps:
//  1. Check if a previous transition failed or if fetching external state failed; if so, verify whether the backoff has elapsed.
//  2. Detect any external changes (e.g., the subrack reporting a different bay power state).
//  3. Attempt the required state transition by sending the appropriate event.
//
// This function is intended to be called repeatedly (e.g. in a periodic control loop).
// Over multiple calls, it converges the actual state to the desired state. Transitions
// that fail are retried in subsequent reconcile calls after a backoff period.
func (t *TileInstance) Reconcile(ctx context.Context, snapshot fsm.SystemSnapshot, subrackService subrack.ISubrackService) (err error, reconciled bool) {
	start := time.Now()
	tileInstanceName := t.baseFSMInstance.GetID()
	defer func() {
		metrics.ObserveReconcileTime(metrics.ComponentTileInstance, tileInstanceName, time.Since(start))
		if err != nil {
			t.baseFSMInstance.GetLogger().Errorf("error reconciling tile instance %s: %v", tileInstanceName, err)
			t.PrintState()
			// Add metrics for error
			metrics.IncErrorCount(metrics.ComponentTileInstance, tileInstanceName)
		}
	}()

	// Check if context is already cancelled
	if ctx.Err() != nil {
		return ctx.Err(), false
	}

	// Step 1: If there's a lastError, see if we've waited enough.
	if t.baseFSMInstance.ShouldSkipReconcileBecauseOfError(snapshot.Tick) {
		backErr := t.baseFSMInstance.GetBackoffError(snapshot.Tick)
		t.baseFSMInstance.GetLogger().Debugf("Skipping reconcile for tile %s: %v", tileInstanceName, backErr)

		// if it is a permanent error, start the removal process and reset the error (so that we can reconcile towards a disconnected / removed state)
		if backoff.IsPermanentFailureError(backErr) {
			// For permanent errors, we need special handling based on the instance's current state:
			// 1. If already in a shutdown state (removed, removing, disconnecting, disconnected), try force removal
			// 2. If not in a shutdown state, attempt normal removal first, then force if needed
			return t.baseFSMInstance.HandlePermanentError(
				ctx,
				backErr,
				func() bool {
					// Determine if we're already in a shutdown state where normal removal isn't possible
					// and force removal is required
					return t.IsRemoved() || t.IsRemoving() || t.IsDisconnecting() || t.IsDisconnected()
				},
				func(ctx context.Context) error {
					// Normal removal through state transition
					return t.RemoveInstance(ctx, subrackService)
				},
				func(ctx context.Context) error {
					// Force removal when other approaches fail - drops the
					// instance without going through the state transitions
					return t.ForceRemoveInstance(ctx, subrackService)
				},
			)
		}
		return nil, false
	}

	// Step 2: Detect external changes.
	if err = t.reconcileExternalChanges(ctx, subrackService, snapshot.Tick); err != nil {
		// Unreachable subracks show up here as poll errors. They are recorded
		// for backoff but do not abort the reconcile: the state transition
		// logic below is what moves the FSM back towards connecting.
		if !errors.Is(err, subrack.ErrSubrackUnavailable) {
			t.baseFSMInstance.SetError(err, snapshot.Tick)
			t.baseFSMInstance.GetLogger().Errorf("error reconciling external changes: %s", err)

			if errors.Is(err, context.DeadlineExceeded) {
				// Polls occasionally take longer than the per-instance budget,
				// resulting in context.DeadlineExceeded errors. In this case, we want to
				// mark the reconciliation as complete for this tick since we've likely
				// already consumed significant time. We return reconciled=true to prevent
				// further reconciliation attempts in the current tick.
				return nil, true
			}
			return nil, false // We don't want to return an error here, because we want to continue reconciling
		}

		err = nil
	}

	// Step 3: Attempt to reconcile the state.
	currentTime := time.Now()
	err, reconciled = t.reconcileStateTransition(ctx, subrackService, currentTime)
	if err != nil {
		// If the instance is removed, we don't want to return an error here, because we want to continue reconciling
		if errors.Is(err, standarderrors.ErrInstanceRemoved) {
			return nil, false
		}

		t.baseFSMInstance.SetError(err, snapshot.Tick)
		t.baseFSMInstance.GetLogger().Errorf("error reconciling state: %s", err)
		return nil, false // We don't want to return an error here, because we want to continue reconciling
	}

	// It went all right, so clear the error
	t.baseFSMInstance.ResetState()

	return nil, reconciled
}

// reconcileExternalChanges checks if the tile's bay status has changed
// externally (e.g., if the TPM was switched on or off from another station,
// or if the subrack became unreachable)
func (t *TileInstance) reconcileExternalChanges(ctx context.Context, subrackService subrack.ISubrackService, tick uint64) error {
	start := time.Now()
	defer func() {
		metrics.ObserveReconcileTime(metrics.ComponentTileInstance, t.baseFSMInstance.GetID()+".reconcileExternalChanges", time.Since(start))
	}()

	// Polling the subrack can sometimes take longer, but we need to ensure when reconciling a lot of instances
	// that a single slow poll does not block the whole reconciliation
	observedStateCtx, cancel := context.WithTimeout(ctx, constants.TileUpdateObservedStateTimeout)
	defer cancel()

	err := t.UpdateObservedStateOfInstance(observedStateCtx, subrackService, tick, start)
	if err != nil {
		return fmt.Errorf("failed to update observed state: %w", err)
	}
	return nil
}

// reconcileStateTransition compares the current state with the desired state
// and, if necessary, sends events to drive the FSM from the current to the desired state.
// Any functions that fetch information are disallowed here and must be called in reconcileExternalChanges
// and exist in ObservedState.
// This is to ensure full testability of the FSM.
func (t *TileInstance) reconcileStateTransition(ctx context.Context, subrackService subrack.ISubrackService, currentTime time.Time) (err error, reconciled bool) {
	start := time.Now()
	defer func() {
		metrics.ObserveReconcileTime(metrics.ComponentTileInstance, t.baseFSMInstance.GetID()+".reconcileStateTransition", time.Since(start))
	}()

	currentState := t.baseFSMInstance.GetCurrentFSMState()
	desiredState := t.baseFSMInstance.GetDesiredFSMState()

	// Handle lifecycle states first - these take precedence over operational states
	if internal_fsm.IsLifecycleState(currentState) {
		err, reconciled := t.reconcileLifecycleStates(ctx, subrackService, currentState)
		if err != nil {
			return err, false
		}
		return nil, reconciled
	}

	// Handle operational states
	if IsOperationalState(currentState) {
		err, reconciled := t.ReconcileOperationalStates(ctx, currentState, desiredState, subrackService, currentTime)
		if err != nil {
			return err, false
		}
		return nil, reconciled
	}

	return fmt.Errorf("invalid state: %s", currentState), false
}

// reconcileLifecycleStates handles states related to instance lifecycle (creating/removing)
func (t *TileInstance) reconcileLifecycleStates(ctx context.Context, subrackService subrack.ISubrackService, currentState string) (err error, reconciled bool) {
	start := time.Now()
	defer func() {
		metrics.ObserveReconcileTime(metrics.ComponentTileInstance, t.baseFSMInstance.GetID()+".reconcileLifecycleStates", time.Since(start))
	}()

	// Independent what the desired state is, we always need to reconcile the lifecycle states first
	switch currentState {
	case internal_fsm.LifecycleStateToBeCreated:
		if err := t.CreateInstance(ctx, subrackService); err != nil {
			return err, false
		}
		return t.baseFSMInstance.SendEvent(ctx, internal_fsm.LifecycleEventCreate), true
	case internal_fsm.LifecycleStateCreating:
		// Nothing is allocated asynchronously, so creation completes immediately
		return t.baseFSMInstance.SendEvent(ctx, internal_fsm.LifecycleEventCreateDone), true
	case internal_fsm.LifecycleStateRemoving:
		if err := t.RemoveInstance(ctx, subrackService); err != nil {
			return err, false
		}
		return t.baseFSMInstance.SendEvent(ctx, internal_fsm.LifecycleEventRemoveDone), true
	case internal_fsm.LifecycleStateRemoved:
		return standarderrors.ErrInstanceRemoved, true
	default:
		// If we are not in a lifecycle state, just continue
		return nil, false
	}
}

// ReconcileOperationalStates handles states related to tile operations
// (connecting, powering, disconnecting)
func (t *TileInstance) ReconcileOperationalStates(ctx context.Context, currentState string, desiredState string, subrackService subrack.ISubrackService, currentTime time.Time) (err error, reconciled bool) {
	start := time.Now()
	defer func() {
		metrics.ObserveReconcileTime(metrics.ComponentTileInstance, t.baseFSMInstance.GetID()+".reconcileOperationalStates", time.Since(start))
	}()

	switch desiredState {
	case OperationalStateConnectedOn:
		return t.reconcileTransitionToConnected(ctx, subrackService, currentState, orchestration.DesireOn)
	case OperationalStateConnectedOff:
		return t.reconcileTransitionToConnected(ctx, subrackService, currentState, orchestration.DesireOff)
	case OperationalStateDisconnected:
		return t.reconcileTransitionToDisconnected(ctx, subrackService, currentState)
	default:
		return fmt.Errorf("invalid desired state: %s", desiredState), false
	}
}

// reconcileTransitionToConnected handles transitions when the desired state
// has an established subrack link, with the TPM either on or off depending on
// the wanted power intent.
func (t *TileInstance) reconcileTransitionToConnected(ctx context.Context, subrackService subrack.ISubrackService, currentState string, wantedPower orchestration.OperatorDesire) (err error, reconciled bool) {
	start := time.Now()
	defer func() {
		metrics.ObserveReconcileTime(metrics.ComponentTileInstance, t.baseFSMInstance.GetID()+".reconcileTransitionToConnected", time.Since(start))
	}()

	// If we're disconnected, we need to start the subrack link first
	if currentState == OperationalStateDisconnected {
		if err := t.StartInstance(ctx, subrackService); err != nil {
			return err, false
		}
		// Send event to transition from Disconnected to Connecting
		return t.baseFSMInstance.SendEvent(ctx, EventConnect), true
	}

	if currentState == OperationalStateConnecting {
		if t.IsSubrackLinkUp() {
			return t.baseFSMInstance.SendEvent(ctx, EventConnectDone), true
		}
		return nil, false
	}

	if IsConnectedState(currentState) {
		// The link dropped; fall back to connecting and let the poll
		// re-establish it
		if !t.IsSubrackLinkUp() {
			return t.baseFSMInstance.SendEvent(ctx, EventConnectionLost), true
		}
		return t.reconcileConnectedState(ctx, currentState, wantedPower)
	}

	// Disconnecting while the desired state is connected: finish the
	// teardown first, the next tick starts over from disconnected
	if currentState == OperationalStateDisconnecting {
		return t.reconcileTransitionToDisconnected(ctx, subrackService, currentState)
	}

	return nil, false
}

// reconcileConnectedState drives the power half of the FSM while the subrack
// link is up, folding the operator's power intent and the observed bay power
// state into the matching event.
func (t *TileInstance) reconcileConnectedState(ctx context.Context, currentState string, wantedPower orchestration.OperatorDesire) (err error, reconciled bool) {
	tpmOn := t.IsTpmOn()

	switch currentState {
	case OperationalStateConnectedOff:
		if tpmOn {
			// Switched on externally, or our earlier command landed late
			return t.baseFSMInstance.SendEvent(ctx, EventTpmOn), true
		}
		if wantedPower == orchestration.DesireOn {
			if err := t.orchestrator.DesireOn(); err != nil {
				return err, false
			}
			return t.baseFSMInstance.SendEvent(ctx, EventPowerOn), true
		}
		return nil, false

	case OperationalStatePoweringOn:
		if tpmOn {
			return t.baseFSMInstance.SendEvent(ctx, EventTpmOn), true
		}
		if wantedPower == orchestration.DesireOff {
			// Operator changed their mind before the switch completed
			if err := t.orchestrator.DesireOff(); err != nil {
				return err, false
			}
			return t.baseFSMInstance.SendEvent(ctx, EventPowerOff), true
		}
		return nil, false

	case OperationalStateConnectedOn:
		if !tpmOn {
			// Lost power externally, or the supply dropped
			return t.baseFSMInstance.SendEvent(ctx, EventTpmOff), true
		}
		if wantedPower == orchestration.DesireOff {
			if err := t.orchestrator.DesireOff(); err != nil {
				return err, false
			}
			return t.baseFSMInstance.SendEvent(ctx, EventPowerOff), true
		}
		return nil, false

	case OperationalStatePoweringOff:
		if !tpmOn {
			return t.baseFSMInstance.SendEvent(ctx, EventTpmOff), true
		}
		if wantedPower == orchestration.DesireOn {
			// Operator changed their mind before the switch completed
			if err := t.orchestrator.DesireOn(); err != nil {
				return err, false
			}
			return t.baseFSMInstance.SendEvent(ctx, EventPowerOn), true
		}
		return nil, false

	default:
		return fmt.Errorf("invalid connected state: %s", currentState), false
	}
}

// reconcileTransitionToDisconnected handles transitions when the desired state is Disconnected.
// It deals with moving from any operational state to Disconnecting and then to Disconnected.
func (t *TileInstance) reconcileTransitionToDisconnected(ctx context.Context, subrackService subrack.ISubrackService, currentState string) (err error, reconciled bool) {
	start := time.Now()
	defer func() {
		metrics.ObserveReconcileTime(metrics.ComponentTileInstance, t.baseFSMInstance.GetID()+".reconcileTransitionToDisconnected", time.Since(start))
	}()

	switch currentState {
	case OperationalStateDisconnected:
		// Already disconnected, nothing to do more
		return nil, false
	case OperationalStateDisconnecting:
		if t.ObservedState.EngineState.SubrackCommunication == orchestration.CommunicationDisabled {
			// Transition from Disconnecting to Disconnected
			return t.baseFSMInstance.SendEvent(ctx, EventDisconnectDone), true
		}
		return nil, false
	default:
		if err := t.StopInstance(ctx, subrackService); err != nil {
			return err, false
		}
		// Send event to transition to Disconnecting
		return t.baseFSMInstance.SendEvent(ctx, EventDisconnect), true
	}
}
