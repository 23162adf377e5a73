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

// Package orchestration implements the reconciliation engine that drives a
// single TPM bay: it folds operator intent, subrack link status, observed TPM
// power and TPM link status into one consistent state, and fires the hardware
// controls and notification callbacks that follow from each change.
//
// The behaviour is encoded declaratively in a rule table (see rules.go): one
// cell per (state, stimulus) combination, each cell an ordered action list.
// The engine itself only looks cells up and executes them; it contains no
// policy of its own.
package orchestration

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/metrics"
)

// Config holds everything an Orchestrator needs at construction time.
type Config struct {
	// Name identifies the managed TPM bay in logs and metrics.
	Name string

	// Control supplies the hardware capabilities the rule table can invoke.
	Control HardwareControl

	// CommunicationStatusChanged is invoked on every distinct change of the
	// externally-visible communication status. May be nil.
	CommunicationStatusChanged CommunicationStatusCallback

	// ComponentPowerStateChanged is invoked on every distinct change of the
	// observed TPM power state. May be nil.
	ComponentPowerStateChanged PowerStateCallback

	// InitialState overrides the all-neutral initial state. Tests use this
	// to park the orchestrator in an arbitrary reachable state; production
	// code leaves it nil.
	InitialState *State

	// Logger may be nil, in which case a no-op logger is used.
	Logger *zap.SugaredLogger
}

// Orchestrator is the state machine engine for one TPM bay. Stimulus methods
// are safe to call from different goroutines but serialize against each
// other: one stimulus is fully processed, rule lookup plus all resulting
// actions, before the next is accepted.
type Orchestrator struct {
	cfg Config

	mu    sync.Mutex
	state State

	// lastReportedCommunication suppresses redundant communication status
	// callbacks: the callback fires only when the aggregate status actually
	// changes.
	lastReportedCommunication CommunicationStatus

	logger *zap.SugaredLogger
}

// NewOrchestrator creates an orchestrator in the all-neutral initial state,
// or in cfg.InitialState if one is supplied.
func NewOrchestrator(cfg Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	state := InitialState()
	if cfg.InitialState != nil {
		state = *cfg.InitialState
	}

	o := &Orchestrator{
		cfg:    cfg,
		state:  state,
		logger: log,
	}
	o.lastReportedCommunication = o.aggregateCommunication()

	return o
}

// State returns a copy of the current state tuple.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state
}

// CommunicationStatus returns the externally-visible communication status as
// last reported through the callback.
func (o *Orchestrator) CommunicationStatus() CommunicationStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.lastReportedCommunication
}

// DesireOnline asks the orchestrator to start communicating with the subrack.
func (o *Orchestrator) DesireOnline() error {
	return o.apply(StimulusDesireOnline)
}

// DesireOffline tears all communication down and resets the orchestrator to
// its initial state.
func (o *Orchestrator) DesireOffline() error {
	return o.apply(StimulusDesireOffline)
}

// DesireOn records the operator's intent to have the TPM powered on, turning
// it on immediately where possible.
func (o *Orchestrator) DesireOn() error {
	return o.apply(StimulusDesireOn)
}

// DesireOff records the operator's intent to have the TPM powered off,
// turning it off immediately where possible.
func (o *Orchestrator) DesireOff() error {
	return o.apply(StimulusDesireOff)
}

// UpdateSubrackCommunicationStatus feeds in a change of the subrack link
// status as observed by the subrack driver. A disabled status is ignored: the
// orchestrator itself disables the link and needs no echo of that.
func (o *Orchestrator) UpdateSubrackCommunicationStatus(status CommunicationStatus) error {
	switch status {
	case CommunicationDisabled:
		o.logger.Debugf("ignoring subrack communication status %s", status)

		return nil
	case CommunicationNotEstablished:
		return o.apply(StimulusSubrackCommsNotEstablished)
	case CommunicationEstablished:
		return o.apply(StimulusSubrackCommsEstablished)
	default:
		return fmt.Errorf("invalid subrack communication status: %s", status)
	}
}

// UpdateTpmPowerState feeds in the TPM power state as reported by the
// subrack.
func (o *Orchestrator) UpdateTpmPowerState(state PowerState) error {
	switch state {
	case PowerUnknown:
		return o.apply(StimulusSubrackSaysTpmUnknown)
	case PowerNoSupply:
		return o.apply(StimulusSubrackSaysTpmNoSupply)
	case PowerOff:
		return o.apply(StimulusSubrackSaysTpmOff)
	case PowerOn:
		return o.apply(StimulusSubrackSaysTpmOn)
	default:
		return fmt.Errorf("invalid TPM power state: %s", state)
	}
}

// UpdateTpmCommunicationStatus feeds in a change of the TPM link status as
// observed by the TPM driver. A disabled status is ignored, as for the
// subrack link.
func (o *Orchestrator) UpdateTpmCommunicationStatus(status CommunicationStatus) error {
	switch status {
	case CommunicationDisabled:
		o.logger.Debugf("ignoring TPM communication status %s", status)

		return nil
	case CommunicationNotEstablished:
		return o.apply(StimulusTpmCommsNotEstablished)
	case CommunicationEstablished:
		return o.apply(StimulusTpmCommsEstablished)
	default:
		return fmt.Errorf("invalid TPM communication status: %s", status)
	}
}

// apply processes one stimulus to completion under the lock: rule lookup,
// then each action in order. A failing action aborts the remainder of the
// list; state mutated by earlier actions is deliberately not rolled back,
// which is why rules order their mutations ahead of their fallible calls.
func (o *Orchestrator) apply(stimulus Stimulus) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	actions, ok := DefinedRule(stimulus, o.state)
	if !ok {
		metrics.IncErrorCount(metrics.ComponentTileOrchestrator, o.cfg.Name)

		return fmt.Errorf("%w: stimulus %s in state %s", ErrUndefinedTransition, stimulus, o.state)
	}

	o.logger.Debugf("stimulus %s in state %s: %d action(s)", stimulus, o.state, len(actions))
	metrics.IncStimulusCount(o.cfg.Name, stimulus.String())

	for _, action := range actions {
		if err := o.execute(action); err != nil {
			metrics.IncErrorCount(metrics.ComponentTileOrchestrator, o.cfg.Name)

			return fmt.Errorf("action %s failed: %w", action, err)
		}
	}

	return nil
}

// execute runs a single action against the current state.
func (o *Orchestrator) execute(action Action) error {
	switch action {
	case ActionStartSubrackCommunication:
		return o.cfg.Control.StartCommunicatingWithSubrack()
	case ActionStopSubrackCommunication:
		return o.cfg.Control.StopCommunicatingWithSubrack()
	case ActionStartTpmCommunication:
		return o.cfg.Control.StartCommunicatingWithTpm()
	case ActionStopTpmCommunication:
		return o.cfg.Control.StopCommunicatingWithTpm()

	case ActionTurnTpmOn:
		if o.state.SubrackCommunication != CommunicationEstablished {
			return fmt.Errorf("%w: TPM cannot be turned on when not online", ErrTpmNotOnline)
		}

		return o.cfg.Control.TurnTpmOn()
	case ActionTurnTpmOff:
		if o.state.SubrackCommunication != CommunicationEstablished {
			return fmt.Errorf("%w: TPM cannot be turned off when not online", ErrTpmNotOnline)
		}

		return o.cfg.Control.TurnTpmOff()

	case ActionSetSubrackCommsDisabled:
		o.setSubrackCommunication(CommunicationDisabled)
	case ActionSetSubrackCommsNotEstablished:
		o.setSubrackCommunication(CommunicationNotEstablished)
	case ActionSetSubrackCommsEstablished:
		o.setSubrackCommunication(CommunicationEstablished)

	case ActionSetTpmCommsDisabled:
		o.setTpmCommunication(CommunicationDisabled)
	case ActionSetTpmCommsNotEstablished:
		o.setTpmCommunication(CommunicationNotEstablished)
	case ActionSetTpmCommsEstablished:
		o.setTpmCommunication(CommunicationEstablished)

	case ActionSetTpmPowerUnknown:
		o.setTpmPower(PowerUnknown)
	case ActionSetTpmPowerNoSupply:
		o.setTpmPower(PowerNoSupply)
	case ActionSetTpmPowerOff:
		o.setTpmPower(PowerOff)
	case ActionSetTpmPowerOn:
		o.setTpmPower(PowerOn)

	case ActionSetDesireOn:
		o.state.Desire = DesireOn
	case ActionSetDesireOff:
		o.state.Desire = DesireOff
	case ActionClearDesire:
		o.state.Desire = DesireNone

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}

// setSubrackCommunication mutates the subrack link status and reports the
// aggregate communication status if it changed.
func (o *Orchestrator) setSubrackCommunication(status CommunicationStatus) {
	o.state.SubrackCommunication = status
	o.reportCommunication()
}

// setTpmCommunication mutates the TPM link status and reports the aggregate
// communication status if it changed.
func (o *Orchestrator) setTpmCommunication(status CommunicationStatus) {
	o.state.TpmCommunication = status
	o.reportCommunication()
}

// setTpmPower mutates the TPM power state, invoking the power callback only
// on a distinct change.
func (o *Orchestrator) setTpmPower(power PowerState) {
	if o.state.TpmPower == power {
		return
	}
	o.state.TpmPower = power

	o.logger.Infof("TPM power state changed to %s", power)
	metrics.SetPowerState(o.cfg.Name, int(power))

	if o.cfg.ComponentPowerStateChanged != nil {
		o.cfg.ComponentPowerStateChanged(PowerStateChange{PowerState: power})
	}
}

// aggregateCommunication folds the two link statuses into the single
// externally-visible communication status: disabled while offline, not
// established while either needed link is still coming up, established once
// every active link is up.
func (o *Orchestrator) aggregateCommunication() CommunicationStatus {
	switch o.state.SubrackCommunication {
	case CommunicationDisabled:
		return CommunicationDisabled
	case CommunicationNotEstablished:
		return CommunicationNotEstablished
	default:
		if o.state.TpmCommunication == CommunicationNotEstablished {
			return CommunicationNotEstablished
		}

		return CommunicationEstablished
	}
}

// reportCommunication invokes the communication status callback when the
// aggregate status differs from the one last reported.
func (o *Orchestrator) reportCommunication() {
	aggregate := o.aggregateCommunication()
	if aggregate == o.lastReportedCommunication {
		return
	}
	o.lastReportedCommunication = aggregate

	o.logger.Infof("communication status changed to %s", aggregate)

	if o.cfg.CommunicationStatusChanged != nil {
		o.cfg.CommunicationStatusChanged(aggregate)
	}
}
