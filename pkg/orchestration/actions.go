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

package orchestration

import "fmt"

// HardwareControl is the capability set the orchestrator needs to act on the
// outside world. The orchestrator has no knowledge of transport; concrete
// implementations (subrack driver, TPM driver, simulators) are supplied by
// the owning component manager.
//
// All methods are expected to be fast, non-blocking triggers. Any slow I/O
// (actually opening a connection, actually toggling a relay) happens in the
// implementation's own goroutine, and its completion is reported back to the
// orchestrator as a subsequent stimulus.
type HardwareControl interface {
	// StartCommunicatingWithSubrack begins establishing the subrack link.
	StartCommunicatingWithSubrack() error
	// StopCommunicatingWithSubrack tears the subrack link down.
	StopCommunicatingWithSubrack() error
	// StartCommunicatingWithTpm begins establishing the TPM link.
	StartCommunicatingWithTpm() error
	// StopCommunicatingWithTpm tears the TPM link down.
	StopCommunicatingWithTpm() error
	// TurnTpmOn asks the subrack to power the TPM on.
	TurnTpmOn() error
	// TurnTpmOff asks the subrack to power the TPM off.
	TurnTpmOff() error
}

// CommunicationStatusCallback is invoked synchronously during stimulus
// processing whenever the externally-visible communication status changes.
type CommunicationStatusCallback func(status CommunicationStatus)

// PowerStateCallback is invoked synchronously during stimulus processing
// whenever the observed TPM power state changes.
type PowerStateCallback func(change PowerStateChange)

// Action is a named effect that the rule table associates with a
// (state, stimulus) pair. Actions either mutate a single state field
// (reporting the change through the corresponding callback when the value
// actually changed) or invoke one of the injected hardware controls.
type Action int

const (
	// ActionStartSubrackCommunication invokes StartCommunicatingWithSubrack.
	ActionStartSubrackCommunication Action = iota
	// ActionStopSubrackCommunication invokes StopCommunicatingWithSubrack.
	ActionStopSubrackCommunication
	// ActionStartTpmCommunication invokes StartCommunicatingWithTpm.
	ActionStartTpmCommunication
	// ActionStopTpmCommunication invokes StopCommunicatingWithTpm.
	ActionStopTpmCommunication
	// ActionTurnTpmOn invokes TurnTpmOn. Fails with ErrTpmNotOnline while the
	// subrack link is not established.
	ActionTurnTpmOn
	// ActionTurnTpmOff invokes TurnTpmOff. Fails with ErrTpmNotOnline while
	// the subrack link is not established.
	ActionTurnTpmOff

	// ActionSetSubrackCommsDisabled records the subrack link as disabled.
	ActionSetSubrackCommsDisabled
	// ActionSetSubrackCommsNotEstablished records the subrack link as
	// attempted but not up.
	ActionSetSubrackCommsNotEstablished
	// ActionSetSubrackCommsEstablished records the subrack link as up.
	ActionSetSubrackCommsEstablished

	// ActionSetTpmCommsDisabled records the TPM link as disabled.
	ActionSetTpmCommsDisabled
	// ActionSetTpmCommsNotEstablished records the TPM link as attempted but
	// not up.
	ActionSetTpmCommsNotEstablished
	// ActionSetTpmCommsEstablished records the TPM link as up.
	ActionSetTpmCommsEstablished

	// ActionSetTpmPowerUnknown records the TPM power state as unknown.
	ActionSetTpmPowerUnknown
	// ActionSetTpmPowerNoSupply records the TPM as having no upstream supply.
	ActionSetTpmPowerNoSupply
	// ActionSetTpmPowerOff records the TPM as powered off.
	ActionSetTpmPowerOff
	// ActionSetTpmPowerOn records the TPM as powered on.
	ActionSetTpmPowerOn

	// ActionSetDesireOn records the operator intent as "on".
	ActionSetDesireOn
	// ActionSetDesireOff records the operator intent as "off".
	ActionSetDesireOff
	// ActionClearDesire resets the operator intent to neutral.
	ActionClearDesire
)

// String returns the action's name as used in logs and rule dumps.
func (a Action) String() string {
	switch a {
	case ActionStartSubrackCommunication:
		return "start_communicating_with_subrack"
	case ActionStopSubrackCommunication:
		return "stop_communicating_with_subrack"
	case ActionStartTpmCommunication:
		return "start_communicating_with_tpm"
	case ActionStopTpmCommunication:
		return "stop_communicating_with_tpm"
	case ActionTurnTpmOn:
		return "turn_tpm_on"
	case ActionTurnTpmOff:
		return "turn_tpm_off"
	case ActionSetSubrackCommsDisabled:
		return "set_subrack_comms_disabled"
	case ActionSetSubrackCommsNotEstablished:
		return "set_subrack_comms_not_established"
	case ActionSetSubrackCommsEstablished:
		return "set_subrack_comms_established"
	case ActionSetTpmCommsDisabled:
		return "set_tpm_comms_disabled"
	case ActionSetTpmCommsNotEstablished:
		return "set_tpm_comms_not_established"
	case ActionSetTpmCommsEstablished:
		return "set_tpm_comms_established"
	case ActionSetTpmPowerUnknown:
		return "set_tpm_power_unknown"
	case ActionSetTpmPowerNoSupply:
		return "set_tpm_power_no_supply"
	case ActionSetTpmPowerOff:
		return "set_tpm_power_off"
	case ActionSetTpmPowerOn:
		return "set_tpm_power_on"
	case ActionSetDesireOn:
		return "set_desire_on"
	case ActionSetDesireOff:
		return "set_desire_off"
	case ActionClearDesire:
		return "clear_desire"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}
