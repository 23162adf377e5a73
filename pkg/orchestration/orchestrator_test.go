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

package orchestration_test

import (
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/orchestration"
)

// recordingControl logs every hardware call in order and can be primed to
// fail individual calls.
type recordingControl struct {
	mu    sync.Mutex
	calls []string

	turnOnError  error
	turnOffError error
}

func (c *recordingControl) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *recordingControl) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *recordingControl) StartCommunicatingWithSubrack() error {
	c.record("start_subrack")
	return nil
}

func (c *recordingControl) StopCommunicatingWithSubrack() error {
	c.record("stop_subrack")
	return nil
}

func (c *recordingControl) StartCommunicatingWithTpm() error {
	c.record("start_tpm")
	return nil
}

func (c *recordingControl) StopCommunicatingWithTpm() error {
	c.record("stop_tpm")
	return nil
}

func (c *recordingControl) TurnTpmOn() error {
	c.record("turn_on")
	return c.turnOnError
}

func (c *recordingControl) TurnTpmOff() error {
	c.record("turn_off")
	return c.turnOffError
}

var _ = Describe("Orchestrator", func() {
	var (
		control      *recordingControl
		commsChanges []orchestration.CommunicationStatus
		powerChanges []orchestration.PowerState
		orch         *orchestration.Orchestrator
	)

	newOrchestrator := func(initial *orchestration.State) *orchestration.Orchestrator {
		return orchestration.NewOrchestrator(orchestration.Config{
			Name:    "bay-1",
			Control: control,
			CommunicationStatusChanged: func(status orchestration.CommunicationStatus) {
				commsChanges = append(commsChanges, status)
			},
			ComponentPowerStateChanged: func(change orchestration.PowerStateChange) {
				powerChanges = append(powerChanges, change.PowerState)
			},
			InitialState: initial,
		})
	}

	BeforeEach(func() {
		control = &recordingControl{}
		commsChanges = nil
		powerChanges = nil
		orch = newOrchestrator(nil)
	})

	Describe("initial state", func() {
		It("should start all-neutral", func() {
			Expect(orch.State()).To(Equal(orchestration.InitialState()))
			Expect(orch.CommunicationStatus()).To(Equal(orchestration.CommunicationDisabled))
		})

		It("should reject power commands while offline", func() {
			err := orch.DesireOn()
			Expect(err).To(MatchError(orchestration.ErrTpmNotOnline))
			Expect(err.Error()).To(ContainSubstring("TPM cannot be turned on when not online"))

			err = orch.DesireOff()
			Expect(err).To(MatchError(orchestration.ErrTpmNotOnline))
			Expect(err.Error()).To(ContainSubstring("TPM cannot be turned off when not online"))

			Expect(control.Calls()).To(BeEmpty())
		})

		It("should reject impossible observations", func() {
			err := orch.UpdateTpmPowerState(orchestration.PowerOn)
			Expect(err).To(MatchError(orchestration.ErrUndefinedTransition))
		})
	})

	Describe("bringing the subrack link up", func() {
		It("should start subrack communication on desire online", func() {
			Expect(orch.DesireOnline()).To(Succeed())

			Expect(control.Calls()).To(Equal([]string{"start_subrack"}))
			Expect(orch.State()).To(Equal(orchestration.State{
				SubrackCommunication: orchestration.CommunicationNotEstablished,
				Desire:               orchestration.DesireNone,
				TpmPower:             orchestration.PowerUnknown,
				TpmCommunication:     orchestration.CommunicationDisabled,
			}))
			Expect(commsChanges).To(Equal([]orchestration.CommunicationStatus{
				orchestration.CommunicationNotEstablished,
			}))
		})

		It("should record a desire expressed before the link is up", func() {
			Expect(orch.DesireOnline()).To(Succeed())
			Expect(orch.DesireOn()).To(Succeed())

			Expect(orch.State().Desire).To(Equal(orchestration.DesireOn))
			Expect(control.Calls()).To(Equal([]string{"start_subrack"}))
		})

		It("should report established once the subrack link comes up", func() {
			Expect(orch.DesireOnline()).To(Succeed())
			Expect(orch.UpdateSubrackCommunicationStatus(orchestration.CommunicationEstablished)).To(Succeed())

			Expect(orch.CommunicationStatus()).To(Equal(orchestration.CommunicationEstablished))
			Expect(commsChanges).To(Equal([]orchestration.CommunicationStatus{
				orchestration.CommunicationNotEstablished,
				orchestration.CommunicationEstablished,
			}))
		})

		It("should ignore a disabled link status echo", func() {
			Expect(orch.DesireOnline()).To(Succeed())
			Expect(orch.UpdateSubrackCommunicationStatus(orchestration.CommunicationDisabled)).To(Succeed())

			Expect(orch.State().SubrackCommunication).To(Equal(orchestration.CommunicationNotEstablished))
		})
	})

	Describe("powering the TPM on", func() {
		BeforeEach(func() {
			Expect(orch.DesireOnline()).To(Succeed())
			Expect(orch.UpdateSubrackCommunicationStatus(orchestration.CommunicationEstablished)).To(Succeed())
			Expect(orch.UpdateTpmPowerState(orchestration.PowerOff)).To(Succeed())
		})

		It("should issue the power command when the TPM is observably off", func() {
			Expect(orch.DesireOn()).To(Succeed())

			Expect(control.Calls()).To(ContainElement("turn_on"))
			Expect(orch.State().Desire).To(Equal(orchestration.DesireOn))
		})

		It("should start TPM communication once the subrack observes power", func() {
			Expect(orch.DesireOn()).To(Succeed())
			Expect(orch.UpdateTpmPowerState(orchestration.PowerOn)).To(Succeed())

			Expect(control.Calls()).To(ContainElement("start_tpm"))
			Expect(orch.State().TpmCommunication).To(Equal(orchestration.CommunicationNotEstablished))
			Expect(powerChanges).To(Equal([]orchestration.PowerState{
				orchestration.PowerUnknown,
				orchestration.PowerOff,
				orchestration.PowerOn,
			}))
		})

		It("should keep the desire when the power command fails", func() {
			control.turnOnError = fmt.Errorf("relay jammed")

			err := orch.DesireOn()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("relay jammed"))
			Expect(orch.State().Desire).To(Equal(orchestration.DesireOn))
		})

		It("should retry a contradicted desire on the next observation", func() {
			Expect(orch.DesireOn()).To(Succeed())
			Expect(orch.UpdateTpmPowerState(orchestration.PowerOff)).To(Succeed())

			turnOns := 0
			for _, call := range control.Calls() {
				if call == "turn_on" {
					turnOns++
				}
			}
			Expect(turnOns).To(Equal(2))
		})

		It("should not invoke the power callback for a repeated observation", func() {
			before := append([]orchestration.PowerState(nil), powerChanges...)
			Expect(orch.UpdateTpmPowerState(orchestration.PowerOff)).To(Succeed())

			Expect(powerChanges).To(Equal(before))
		})
	})

	Describe("with the TPM on and its link up", func() {
		BeforeEach(func() {
			Expect(orch.DesireOnline()).To(Succeed())
			Expect(orch.UpdateSubrackCommunicationStatus(orchestration.CommunicationEstablished)).To(Succeed())
			Expect(orch.UpdateTpmPowerState(orchestration.PowerOff)).To(Succeed())
			Expect(orch.DesireOn()).To(Succeed())
			Expect(orch.UpdateTpmPowerState(orchestration.PowerOn)).To(Succeed())
			Expect(orch.UpdateTpmCommunicationStatus(orchestration.CommunicationEstablished)).To(Succeed())
		})

		It("should report established across both links", func() {
			Expect(orch.CommunicationStatus()).To(Equal(orchestration.CommunicationEstablished))
			Expect(orch.State()).To(Equal(orchestration.State{
				SubrackCommunication: orchestration.CommunicationEstablished,
				Desire:               orchestration.DesireOn,
				TpmPower:             orchestration.PowerOn,
				TpmCommunication:     orchestration.CommunicationEstablished,
			}))
		})

		It("should turn the TPM off on operator request", func() {
			Expect(orch.DesireOff()).To(Succeed())

			Expect(control.Calls()).To(ContainElement("turn_off"))
			Expect(orch.State().Desire).To(Equal(orchestration.DesireOff))
		})

		It("should repeat the power-off command when the TPM is still observed on", func() {
			Expect(orch.DesireOff()).To(Succeed())
			Expect(orch.UpdateTpmPowerState(orchestration.PowerOn)).To(Succeed())

			turnOffs := 0
			for _, call := range control.Calls() {
				if call == "turn_off" {
					turnOffs++
				}
			}
			Expect(turnOffs).To(Equal(2))
		})

		It("should tear the TPM link down when power is lost", func() {
			Expect(orch.UpdateTpmPowerState(orchestration.PowerNoSupply)).To(Succeed())

			Expect(control.Calls()).To(ContainElement("stop_tpm"))
			Expect(orch.State().TpmCommunication).To(Equal(orchestration.CommunicationNotEstablished))
			Expect(orch.CommunicationStatus()).To(Equal(orchestration.CommunicationNotEstablished))
		})

		It("should restart the TPM after an unexpected power-off", func() {
			Expect(orch.UpdateTpmPowerState(orchestration.PowerOff)).To(Succeed())

			calls := control.Calls()
			Expect(calls[len(calls)-2]).To(Equal("stop_tpm"))
			Expect(calls[len(calls)-1]).To(Equal("turn_on"))
		})

		It("should reset the TPM state when the subrack link drops", func() {
			Expect(orch.UpdateSubrackCommunicationStatus(orchestration.CommunicationNotEstablished)).To(Succeed())

			state := orch.State()
			Expect(state.SubrackCommunication).To(Equal(orchestration.CommunicationNotEstablished))
			Expect(state.TpmPower).To(Equal(orchestration.PowerUnknown))
			Expect(state.TpmCommunication).To(Equal(orchestration.CommunicationDisabled))
			Expect(state.Desire).To(Equal(orchestration.DesireOn))
			Expect(control.Calls()).To(ContainElement("stop_tpm"))
		})

		It("should return to the initial state on desire offline", func() {
			Expect(orch.DesireOffline()).To(Succeed())

			Expect(orch.State()).To(Equal(orchestration.InitialState()))
			Expect(orch.CommunicationStatus()).To(Equal(orchestration.CommunicationDisabled))

			calls := control.Calls()
			Expect(calls[len(calls)-2]).To(Equal("stop_tpm"))
			Expect(calls[len(calls)-1]).To(Equal("stop_subrack"))
		})
	})

	Describe("with the TPM on against the operator's wishes", func() {
		BeforeEach(func() {
			initial := orchestration.State{
				SubrackCommunication: orchestration.CommunicationEstablished,
				Desire:               orchestration.DesireOff,
				TpmPower:             orchestration.PowerOn,
				TpmCommunication:     orchestration.CommunicationDisabled,
			}
			orch = newOrchestrator(&initial)
		})

		It("should start the TPM link when the operator changes their mind", func() {
			Expect(orch.DesireOn()).To(Succeed())

			Expect(control.Calls()).To(Equal([]string{"start_tpm"}))
			Expect(orch.State().Desire).To(Equal(orchestration.DesireOn))
			Expect(orch.State().TpmCommunication).To(Equal(orchestration.CommunicationNotEstablished))
		})

		It("should repeat the power-off command on a renewed desire", func() {
			Expect(orch.DesireOff()).To(Succeed())

			Expect(control.Calls()).To(Equal([]string{"turn_off"}))
		})

		It("should repeat the power-off command when the TPM is still observed on", func() {
			Expect(orch.UpdateTpmPowerState(orchestration.PowerOn)).To(Succeed())

			Expect(control.Calls()).To(Equal([]string{"turn_off"}))
		})

		It("should settle once the TPM is observed off", func() {
			Expect(orch.UpdateTpmPowerState(orchestration.PowerOff)).To(Succeed())

			Expect(orch.State().TpmPower).To(Equal(orchestration.PowerOff))
			Expect(control.Calls()).To(BeEmpty())
		})
	})

	Describe("concurrent callers", func() {
		BeforeEach(func() {
			Expect(orch.DesireOnline()).To(Succeed())
			Expect(orch.UpdateSubrackCommunicationStatus(orchestration.CommunicationEstablished)).To(Succeed())
			Expect(orch.UpdateTpmPowerState(orchestration.PowerOff)).To(Succeed())
			Expect(orch.DesireOn()).To(Succeed())
			Expect(orch.UpdateTpmPowerState(orchestration.PowerOn)).To(Succeed())
			Expect(orch.UpdateTpmCommunicationStatus(orchestration.CommunicationEstablished)).To(Succeed())
		})

		It("should serialize stimuli from concurrent callers", func() {
			const flips = 50

			callsBefore := len(control.Calls())
			commsBefore := len(commsChanges)
			powerBefore := len(powerChanges)

			var wg sync.WaitGroup

			// One caller bounces the TPM link. Each call flips the
			// aggregate status, so the callback count is exact.
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()

				for i := 0; i < flips; i++ {
					Expect(orch.UpdateTpmCommunicationStatus(orchestration.CommunicationNotEstablished)).To(Succeed())
					Expect(orch.UpdateTpmCommunicationStatus(orchestration.CommunicationEstablished)).To(Succeed())
				}
			}()

			// Other callers hammer the orchestrator with stimuli that
			// are redundant everywhere the bouncing caller can leave it.
			for g := 0; g < 3; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()

					for i := 0; i < flips; i++ {
						Expect(orch.DesireOn()).To(Succeed())
						Expect(orch.UpdateSubrackCommunicationStatus(orchestration.CommunicationEstablished)).To(Succeed())
						Expect(orch.UpdateTpmPowerState(orchestration.PowerOn)).To(Succeed())
					}
				}()
			}

			wg.Wait()

			Expect(orch.State()).To(Equal(orchestration.State{
				SubrackCommunication: orchestration.CommunicationEstablished,
				Desire:               orchestration.DesireOn,
				TpmPower:             orchestration.PowerOn,
				TpmCommunication:     orchestration.CommunicationEstablished,
			}))
			Expect(control.Calls()).To(HaveLen(callsBefore))
			Expect(commsChanges[commsBefore:]).To(HaveLen(2 * flips))
			Expect(commsChanges[len(commsChanges)-1]).To(Equal(orchestration.CommunicationEstablished))
			Expect(powerChanges).To(HaveLen(powerBefore))
		})
	})

	Describe("input validation", func() {
		It("should reject an out-of-range communication status", func() {
			err := orch.UpdateSubrackCommunicationStatus(orchestration.CommunicationStatus(42))
			Expect(err).To(HaveOccurred())
		})

		It("should reject an out-of-range power state", func() {
			err := orch.UpdateTpmPowerState(orchestration.PowerState(42))
			Expect(err).To(HaveOccurred())
		})
	})
})
