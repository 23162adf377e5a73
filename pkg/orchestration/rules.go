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

import (
	"fmt"
	"sync"
)

// ruleKey identifies one cell of the rule table: a stimulus arriving while
// the orchestrator is in a particular state.
type ruleKey struct {
	stimulus Stimulus
	state    State
}

// ruleTable is built once per process and treated as immutable afterwards.
// Every orchestrator instance shares it.
var ruleTable = sync.OnceValue(buildRuleTable)

// DefinedRule returns the ordered action list for the given stimulus and
// state, or false if the combination is deliberately undefined. An undefined
// combination reached at runtime is a programming error, not a no-op.
func DefinedRule(stimulus Stimulus, state State) ([]Action, bool) {
	actions, ok := ruleTable()[ruleKey{stimulus: stimulus, state: state}]
	return actions, ok
}

// ReachableStates enumerates every state reachable by a legal stimulus
// sequence from the initial state. The rule table is total over this set
// except for the combinations listed as illegal in the package documentation.
func ReachableStates() []State {
	desires := []OperatorDesire{DesireNone, DesireOn, DesireOff}

	states := []State{InitialState()}

	// Establishing the subrack link. The TPM power state is unknown and the
	// TPM link is down; any operator desire may already have been recorded.
	for _, d := range desires {
		states = append(states, State{
			SubrackCommunication: CommunicationNotEstablished,
			Desire:               d,
			TpmPower:             PowerUnknown,
			TpmCommunication:     CommunicationDisabled,
		})
	}

	// Subrack link up, TPM unpowered. The TPM link is disabled if there has
	// been no power-on yet in this session, or not established if it was
	// torn down when power was lost.
	for _, d := range desires {
		for _, p := range []PowerState{PowerUnknown, PowerNoSupply, PowerOff} {
			for _, tc := range []CommunicationStatus{CommunicationDisabled, CommunicationNotEstablished} {
				states = append(states, State{
					SubrackCommunication: CommunicationEstablished,
					Desire:               d,
					TpmPower:             p,
					TpmCommunication:     tc,
				})
			}
		}
	}

	// Subrack link up, TPM powered, TPM link being established or up.
	for _, d := range desires {
		for _, tc := range []CommunicationStatus{CommunicationNotEstablished, CommunicationEstablished} {
			states = append(states, State{
				SubrackCommunication: CommunicationEstablished,
				Desire:               d,
				TpmPower:             PowerOn,
				TpmCommunication:     tc,
			})
		}
	}

	// TPM powered but its link never started: only possible while the
	// operator desires the TPM off, because power-on with any other desire
	// starts the link immediately.
	states = append(states, State{
		SubrackCommunication: CommunicationEstablished,
		Desire:               DesireOff,
		TpmPower:             PowerOn,
		TpmCommunication:     CommunicationDisabled,
	})

	return states
}

// buildRuleTable constructs the full (state, stimulus) -> actions mapping.
//
// The table is generated regime by regime rather than written out cell by
// cell: within a regime most cells are identical across operator desires, and
// generating them keeps each policy in exactly one place. Combinations not
// added here are illegal; looking them up makes the orchestrator return
// ErrUndefinedTransition.
//
// Illegal combinations, by regime:
//   - offline:     subrack_comms_established, all subrack_says_tpm_*,
//     tpm_comms_established
//   - connecting:  all subrack_says_tpm_*, tpm_comms_established
//   - established, TPM unpowered: tpm_comms_established
//   - established, TPM powered, TPM link disabled: tpm_comms_established
//
// A late tpm_comms_not_established or subrack_comms_not_established echo
// after a teardown is tolerated everywhere with an empty action list.
func buildRuleTable() map[ruleKey][]Action {
	table := make(map[ruleKey][]Action)

	add := func(stimulus Stimulus, state State, actions ...Action) {
		key := ruleKey{stimulus: stimulus, state: state}
		if _, dup := table[key]; dup {
			panic(fmt.Sprintf("duplicate rule for stimulus %s in state %s", stimulus, state))
		}
		if actions == nil {
			actions = []Action{}
		}
		table[key] = actions
	}

	desires := []OperatorDesire{DesireNone, DesireOn, DesireOff}

	// Regime 1: offline. Not even trying to talk to the subrack, so power
	// commands fail rather than queue.
	offline := InitialState()
	add(StimulusDesireOnline, offline,
		ActionStartSubrackCommunication,
		ActionSetSubrackCommsNotEstablished,
		ActionSetTpmPowerUnknown)
	add(StimulusDesireOffline, offline)
	add(StimulusDesireOn, offline, ActionTurnTpmOn)
	add(StimulusDesireOff, offline, ActionTurnTpmOff)
	add(StimulusSubrackCommsNotEstablished, offline)
	add(StimulusTpmCommsNotEstablished, offline)

	// Regime 2: establishing the subrack link. Operator desire is recorded
	// so it can be enforced as soon as the TPM power state becomes knowable.
	for _, d := range desires {
		state := State{
			SubrackCommunication: CommunicationNotEstablished,
			Desire:               d,
			TpmPower:             PowerUnknown,
			TpmCommunication:     CommunicationDisabled,
		}
		add(StimulusDesireOnline, state)
		add(StimulusDesireOffline, state,
			ActionStopSubrackCommunication,
			ActionSetSubrackCommsDisabled,
			ActionClearDesire,
			ActionSetTpmPowerNoSupply)
		add(StimulusDesireOn, state, ActionSetDesireOn)
		add(StimulusDesireOff, state, ActionSetDesireOff)
		add(StimulusSubrackCommsNotEstablished, state)
		add(StimulusSubrackCommsEstablished, state, ActionSetSubrackCommsEstablished)
		add(StimulusTpmCommsNotEstablished, state)
	}

	// Regime 3: subrack link up, TPM unpowered.
	for _, d := range desires {
		for _, p := range []PowerState{PowerUnknown, PowerNoSupply, PowerOff} {
			for _, tc := range []CommunicationStatus{CommunicationDisabled, CommunicationNotEstablished} {
				state := State{
					SubrackCommunication: CommunicationEstablished,
					Desire:               d,
					TpmPower:             p,
					TpmCommunication:     tc,
				}
				add(StimulusDesireOnline, state)
				add(StimulusDesireOffline, state,
					ActionStopSubrackCommunication,
					ActionSetSubrackCommsDisabled,
					ActionSetTpmCommsDisabled,
					ActionClearDesire,
					ActionSetTpmPowerNoSupply)

				// Desire is recorded first so it survives a failing power
				// command; the power command is only issued when the TPM is
				// observably off.
				if p == PowerOff {
					add(StimulusDesireOn, state, ActionSetDesireOn, ActionTurnTpmOn)
				} else {
					add(StimulusDesireOn, state, ActionSetDesireOn)
				}
				add(StimulusDesireOff, state, ActionSetDesireOff)

				add(StimulusSubrackCommsNotEstablished, state,
					ActionSetSubrackCommsNotEstablished,
					ActionSetTpmCommsDisabled,
					ActionSetTpmPowerUnknown)
				add(StimulusSubrackCommsEstablished, state)

				add(StimulusSubrackSaysTpmUnknown, state, ActionSetTpmPowerUnknown)
				add(StimulusSubrackSaysTpmNoSupply, state, ActionSetTpmPowerNoSupply)

				// Operator desire is sticky: an observation contradicting it
				// triggers a fresh power command, even when the observation
				// merely repeats the already-known power state.
				if d == DesireOn {
					add(StimulusSubrackSaysTpmOff, state, ActionSetTpmPowerOff, ActionTurnTpmOn)
				} else {
					add(StimulusSubrackSaysTpmOff, state, ActionSetTpmPowerOff)
				}
				if d == DesireOff {
					add(StimulusSubrackSaysTpmOn, state, ActionSetTpmPowerOn, ActionTurnTpmOff)
				} else {
					add(StimulusSubrackSaysTpmOn, state,
						ActionSetTpmPowerOn,
						ActionStartTpmCommunication,
						ActionSetTpmCommsNotEstablished)
				}

				add(StimulusTpmCommsNotEstablished, state)
			}
		}
	}

	// Regime 4: subrack link up, TPM powered, TPM link active.
	for _, d := range desires {
		for _, tc := range []CommunicationStatus{CommunicationNotEstablished, CommunicationEstablished} {
			state := State{
				SubrackCommunication: CommunicationEstablished,
				Desire:               d,
				TpmPower:             PowerOn,
				TpmCommunication:     tc,
			}
			add(StimulusDesireOnline, state)
			add(StimulusDesireOffline, state,
				ActionStopTpmCommunication,
				ActionStopSubrackCommunication,
				ActionSetSubrackCommsDisabled,
				ActionSetTpmCommsDisabled,
				ActionClearDesire,
				ActionSetTpmPowerNoSupply)
			add(StimulusDesireOn, state, ActionSetDesireOn)
			add(StimulusDesireOff, state, ActionSetDesireOff, ActionTurnTpmOff)

			add(StimulusSubrackCommsNotEstablished, state,
				ActionStopTpmCommunication,
				ActionSetSubrackCommsNotEstablished,
				ActionSetTpmCommsDisabled,
				ActionSetTpmPowerUnknown)
			add(StimulusSubrackCommsEstablished, state)

			// Losing TPM power tears the TPM link down; the link status
			// stays at not-established so it can be resumed when power
			// returns.
			add(StimulusSubrackSaysTpmUnknown, state,
				ActionSetTpmPowerUnknown,
				ActionStopTpmCommunication,
				ActionSetTpmCommsNotEstablished)
			add(StimulusSubrackSaysTpmNoSupply, state,
				ActionSetTpmPowerNoSupply,
				ActionStopTpmCommunication,
				ActionSetTpmCommsNotEstablished)
			if d == DesireOn {
				add(StimulusSubrackSaysTpmOff, state,
					ActionSetTpmPowerOff,
					ActionStopTpmCommunication,
					ActionSetTpmCommsNotEstablished,
					ActionTurnTpmOn)
			} else {
				add(StimulusSubrackSaysTpmOff, state,
					ActionSetTpmPowerOff,
					ActionStopTpmCommunication,
					ActionSetTpmCommsNotEstablished)
			}
			if d == DesireOff {
				add(StimulusSubrackSaysTpmOn, state, ActionTurnTpmOff)
			} else {
				add(StimulusSubrackSaysTpmOn, state)
			}

			if tc == CommunicationEstablished {
				add(StimulusTpmCommsNotEstablished, state, ActionSetTpmCommsNotEstablished)
				add(StimulusTpmCommsEstablished, state)
			} else {
				add(StimulusTpmCommsNotEstablished, state)
				add(StimulusTpmCommsEstablished, state, ActionSetTpmCommsEstablished)
			}
		}
	}

	// Regime 5: TPM powered against the operator's wishes, link never
	// started. Only reachable with desire off; every observation of the TPM
	// still being on repeats the power-off command.
	poweredUnwanted := State{
		SubrackCommunication: CommunicationEstablished,
		Desire:               DesireOff,
		TpmPower:             PowerOn,
		TpmCommunication:     CommunicationDisabled,
	}
	add(StimulusDesireOnline, poweredUnwanted)
	add(StimulusDesireOffline, poweredUnwanted,
		ActionStopSubrackCommunication,
		ActionSetSubrackCommsDisabled,
		ActionSetTpmCommsDisabled,
		ActionClearDesire,
		ActionSetTpmPowerNoSupply)
	add(StimulusDesireOn, poweredUnwanted,
		ActionSetDesireOn,
		ActionStartTpmCommunication,
		ActionSetTpmCommsNotEstablished)
	add(StimulusDesireOff, poweredUnwanted, ActionSetDesireOff, ActionTurnTpmOff)
	add(StimulusSubrackCommsNotEstablished, poweredUnwanted,
		ActionSetSubrackCommsNotEstablished,
		ActionSetTpmCommsDisabled,
		ActionSetTpmPowerUnknown)
	add(StimulusSubrackCommsEstablished, poweredUnwanted)
	add(StimulusSubrackSaysTpmUnknown, poweredUnwanted, ActionSetTpmPowerUnknown)
	add(StimulusSubrackSaysTpmNoSupply, poweredUnwanted, ActionSetTpmPowerNoSupply)
	add(StimulusSubrackSaysTpmOff, poweredUnwanted, ActionSetTpmPowerOff)
	add(StimulusSubrackSaysTpmOn, poweredUnwanted, ActionTurnTpmOff)
	add(StimulusTpmCommsNotEstablished, poweredUnwanted)

	return table
}
