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

// CommunicationStatus describes the health of a communication link, either the
// link to the subrack that powers a TPM or the link to the TPM itself.
type CommunicationStatus int

const (
	// CommunicationDisabled means no attempt is being made to communicate.
	CommunicationDisabled CommunicationStatus = iota
	// CommunicationNotEstablished means communication is being attempted but
	// is not currently up.
	CommunicationNotEstablished
	// CommunicationEstablished means the link is up and exchanging data.
	CommunicationEstablished
)

// String returns a human-readable name for the communication status.
func (c CommunicationStatus) String() string {
	switch c {
	case CommunicationDisabled:
		return "disabled"
	case CommunicationNotEstablished:
		return "not_established"
	case CommunicationEstablished:
		return "established"
	default:
		return fmt.Sprintf("communication_status(%d)", int(c))
	}
}

// PowerState describes the power state of a TPM as reported by its subrack.
// The orchestrator never invents a power state, it only relays what the
// subrack observed.
type PowerState int

const (
	// PowerUnknown means the power state cannot currently be determined.
	PowerUnknown PowerState = iota
	// PowerNoSupply means no upstream supply is available, so the TPM
	// physically cannot be on.
	PowerNoSupply
	// PowerOff means the subrack observed the TPM to be powered off.
	PowerOff
	// PowerOn means the subrack observed the TPM to be powered on.
	PowerOn
)

// String returns a human-readable name for the power state.
func (p PowerState) String() string {
	switch p {
	case PowerUnknown:
		return "unknown"
	case PowerNoSupply:
		return "no_supply"
	case PowerOff:
		return "off"
	case PowerOn:
		return "on"
	default:
		return fmt.Sprintf("power_state(%d)", int(p))
	}
}

// OperatorDesire is the most recently expressed operator intent for the TPM.
// It is tracked independently of the observed power state so it can be
// re-asserted whenever an observation contradicts it.
type OperatorDesire int

const (
	// DesireNone means no explicit intent has been expressed.
	DesireNone OperatorDesire = iota
	// DesireOn means the operator wants the TPM powered on.
	DesireOn
	// DesireOff means the operator wants the TPM powered off.
	DesireOff
)

// String returns a human-readable name for the operator desire.
func (d OperatorDesire) String() string {
	switch d {
	case DesireNone:
		return "none"
	case DesireOn:
		return "on"
	case DesireOff:
		return "off"
	default:
		return fmt.Sprintf("operator_desire(%d)", int(d))
	}
}

// Stimulus is an atomic externally-originating event fed into the
// orchestrator. Stimuli are processed one at a time, never batched.
type Stimulus int

const (
	// StimulusDesireOnline : the operator wants the orchestrator to
	// communicate with the subrack.
	StimulusDesireOnline Stimulus = iota
	// StimulusDesireOffline : the operator wants all communication torn down.
	StimulusDesireOffline
	// StimulusDesireOn : the operator wants the TPM powered on.
	StimulusDesireOn
	// StimulusDesireOff : the operator wants the TPM powered off.
	StimulusDesireOff
	// StimulusSubrackCommsNotEstablished : the subrack link dropped or is
	// still being established.
	StimulusSubrackCommsNotEstablished
	// StimulusSubrackCommsEstablished : the subrack link came up.
	StimulusSubrackCommsEstablished
	// StimulusSubrackSaysTpmUnknown : the subrack cannot determine TPM power.
	StimulusSubrackSaysTpmUnknown
	// StimulusSubrackSaysTpmNoSupply : the subrack reports no upstream supply.
	StimulusSubrackSaysTpmNoSupply
	// StimulusSubrackSaysTpmOff : the subrack observed the TPM to be off.
	StimulusSubrackSaysTpmOff
	// StimulusSubrackSaysTpmOn : the subrack observed the TPM to be on.
	StimulusSubrackSaysTpmOn
	// StimulusTpmCommsNotEstablished : the TPM link dropped or is still
	// being established.
	StimulusTpmCommsNotEstablished
	// StimulusTpmCommsEstablished : the TPM link came up.
	StimulusTpmCommsEstablished
)

// String returns a human-readable name for the stimulus.
func (s Stimulus) String() string {
	switch s {
	case StimulusDesireOnline:
		return "desire_online"
	case StimulusDesireOffline:
		return "desire_offline"
	case StimulusDesireOn:
		return "desire_on"
	case StimulusDesireOff:
		return "desire_off"
	case StimulusSubrackCommsNotEstablished:
		return "subrack_comms_not_established"
	case StimulusSubrackCommsEstablished:
		return "subrack_comms_established"
	case StimulusSubrackSaysTpmUnknown:
		return "subrack_says_tpm_unknown"
	case StimulusSubrackSaysTpmNoSupply:
		return "subrack_says_tpm_no_supply"
	case StimulusSubrackSaysTpmOff:
		return "subrack_says_tpm_off"
	case StimulusSubrackSaysTpmOn:
		return "subrack_says_tpm_on"
	case StimulusTpmCommsNotEstablished:
		return "tpm_comms_not_established"
	case StimulusTpmCommsEstablished:
		return "tpm_comms_established"
	default:
		return fmt.Sprintf("stimulus(%d)", int(s))
	}
}

// State is the full fixed-width state tuple of the orchestrator. Fields that
// are not meaningful in a given regime carry their neutral sentinel value
// (CommunicationDisabled, DesireNone, PowerNoSupply) rather than being absent,
// which keeps the rule table a fixed-shape lookup.
type State struct {
	// SubrackCommunication is the status of the orchestrator's own link to
	// the subrack that supplies the TPM with power.
	SubrackCommunication CommunicationStatus
	// Desire is the most recently expressed operator intent for TPM power.
	Desire OperatorDesire
	// TpmPower is the TPM power state as last reported by the subrack.
	TpmPower PowerState
	// TpmCommunication is the status of the link to the TPM itself. It can
	// only be established while the TPM is on and the subrack link is up.
	TpmCommunication CommunicationStatus
}

// InitialState is the all-neutral state every orchestrator starts from:
// not communicating with the subrack, no operator desire, no known supply,
// not communicating with the TPM.
func InitialState() State {
	return State{
		SubrackCommunication: CommunicationDisabled,
		Desire:               DesireNone,
		TpmPower:             PowerNoSupply,
		TpmCommunication:     CommunicationDisabled,
	}
}

// String renders the state tuple for logging and error messages.
func (s State) String() string {
	return fmt.Sprintf("(subrack=%s, desire=%s, power=%s, tpm=%s)",
		s.SubrackCommunication, s.Desire, s.TpmPower, s.TpmCommunication)
}

// PowerStateChange is the payload delivered to the component power state
// callback whenever the observed TPM power state changes.
type PowerStateChange struct {
	PowerState PowerState
}
