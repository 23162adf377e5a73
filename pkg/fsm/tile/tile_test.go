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

package tile_test

import (
	"context"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	internalfsm "github.com/ska-telescope/ska-low-mccs-spshw/internal/fsm"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/config"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/fsm"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/fsm/tile"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/orchestration"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/service/subrack"
)

const testBay = 3

func newTestInstance() *tile.TileInstance {
	return tile.NewTileInstance(config.TileConfig{
		FSMInstanceConfig: config.FSMInstanceConfig{Name: "tile-under-test"},
		Bay:               testBay,
	})
}

// reconcileUntil drives the instance tick by tick until it reaches the target
// state, failing the test if it does not get there.
func reconcileUntil(ctx context.Context, instance *tile.TileInstance, service subrack.ISubrackService, tick *uint64, target string) {
	GinkgoHelper()

	for i := 0; i < 25; i++ {
		*tick++
		err, _ := instance.Reconcile(ctx, fsm.SystemSnapshot{Tick: *tick}, service)
		Expect(err).NotTo(HaveOccurred())

		if instance.GetCurrentFSMState() == target {
			return
		}
	}
	Fail(fmt.Sprintf("instance did not reach state %q, stuck in %q (last error: %v)",
		target, instance.GetCurrentFSMState(), instance.GetLastError()))
}

var _ = Describe("Tile FSM", func() {
	var (
		ctx       context.Context
		cancelCtx context.CancelFunc
		instance  *tile.TileInstance
		service   *subrack.MockSubrackService
		tick      uint64
	)

	BeforeEach(func() {
		ctx, cancelCtx = context.WithCancel(context.Background())
		instance = newTestInstance()
		service = subrack.NewMockSubrackService()
		service.SetTpmPowerState(testBay, orchestration.PowerOff)
		tick = 0
	})

	AfterEach(func() {
		cancelCtx()
	})

	It("should create a tile instance in the to_be_created state", func() {
		Expect(instance.GetCurrentFSMState()).To(Equal(internalfsm.LifecycleStateToBeCreated))
		Expect(instance.GetConfig().Bay).To(Equal(testBay))
		Expect(instance.GetDesiredFSMState()).To(Equal(tile.OperationalStateDisconnected))
	})

	It("should reject intermediate desired states", func() {
		Expect(instance.SetDesiredFSMState(tile.OperationalStatePoweringOn)).NotTo(Succeed())
		Expect(instance.SetDesiredFSMState(tile.OperationalStateConnecting)).NotTo(Succeed())
		Expect(instance.SetDesiredFSMState(tile.OperationalStateConnectedOn)).To(Succeed())
	})

	It("should bring the tile up to connected_on", func() {
		Expect(instance.SetDesiredFSMState(tile.OperationalStateConnectedOn)).To(Succeed())

		reconcileUntil(ctx, instance, service, &tick, tile.OperationalStateConnectedOn)

		Expect(service.PowerOnTpmCalls).To(Equal(1))
		Expect(instance.IsTpmOn()).To(BeTrue())

		engineState := instance.GetOrchestrator().State()
		Expect(engineState.SubrackCommunication).To(Equal(orchestration.CommunicationEstablished))
		Expect(engineState.TpmPower).To(Equal(orchestration.PowerOn))
		Expect(engineState.TpmCommunication).To(Equal(orchestration.CommunicationEstablished))
	})

	It("should stop at connected_off when the TPM is not wanted on", func() {
		Expect(instance.SetDesiredFSMState(tile.OperationalStateConnectedOff)).To(Succeed())

		reconcileUntil(ctx, instance, service, &tick, tile.OperationalStateConnectedOff)

		Expect(service.PowerOnTpmCalls).To(BeZero())
		Expect(instance.IsSubrackLinkUp()).To(BeTrue())
		Expect(instance.IsTpmOn()).To(BeFalse())
	})

	It("should power the TPM off again when the desired state changes", func() {
		Expect(instance.SetDesiredFSMState(tile.OperationalStateConnectedOn)).To(Succeed())
		reconcileUntil(ctx, instance, service, &tick, tile.OperationalStateConnectedOn)

		Expect(instance.SetDesiredFSMState(tile.OperationalStateConnectedOff)).To(Succeed())
		reconcileUntil(ctx, instance, service, &tick, tile.OperationalStateConnectedOff)

		Expect(service.PowerOffTpmCalls).To(Equal(1))
		Expect(instance.IsTpmOn()).To(BeFalse())
		Expect(instance.IsSubrackLinkUp()).To(BeTrue())
	})

	It("should turn the TPM back on after an external power loss", func() {
		Expect(instance.SetDesiredFSMState(tile.OperationalStateConnectedOn)).To(Succeed())
		reconcileUntil(ctx, instance, service, &tick, tile.OperationalStateConnectedOn)

		// The bay loses its supply; the tile can only wait
		service.SetTpmPowerState(testBay, orchestration.PowerNoSupply)
		reconcileUntil(ctx, instance, service, &tick, tile.OperationalStatePoweringOn)

		// Supply returns with the bay off; the recorded intent switches it
		// back on without operator involvement
		service.SetTpmPowerState(testBay, orchestration.PowerOff)
		reconcileUntil(ctx, instance, service, &tick, tile.OperationalStateConnectedOn)

		Expect(service.PowerOnTpmCalls).To(Equal(2))
	})

	It("should notice an externally switched-on TPM", func() {
		Expect(instance.SetDesiredFSMState(tile.OperationalStateConnectedOff)).To(Succeed())
		reconcileUntil(ctx, instance, service, &tick, tile.OperationalStateConnectedOff)

		// Another operator switches the bay on behind our back
		service.SetTpmPowerState(testBay, orchestration.PowerOn)
		reconcileUntil(ctx, instance, service, &tick, tile.OperationalStateConnectedOn)

		Expect(service.PowerOnTpmCalls).To(BeZero())
	})

	It("should fall back to connecting while the subrack is unreachable", func() {
		Expect(instance.SetDesiredFSMState(tile.OperationalStateConnectedOn)).To(Succeed())
		reconcileUntil(ctx, instance, service, &tick, tile.OperationalStateConnectedOn)

		service.SetPollError(subrack.ErrSubrackUnavailable)
		reconcileUntil(ctx, instance, service, &tick, tile.OperationalStateConnecting)

		// The subrack comes back; the link is re-established and the TPM is
		// still on
		service.SetPollError(nil)
		reconcileUntil(ctx, instance, service, &tick, tile.OperationalStateConnectedOn)
	})

	It("should disconnect cleanly", func() {
		Expect(instance.SetDesiredFSMState(tile.OperationalStateConnectedOn)).To(Succeed())
		reconcileUntil(ctx, instance, service, &tick, tile.OperationalStateConnectedOn)

		Expect(instance.SetDesiredFSMState(tile.OperationalStateDisconnected)).To(Succeed())
		reconcileUntil(ctx, instance, service, &tick, tile.OperationalStateDisconnected)

		engineState := instance.GetOrchestrator().State()
		Expect(engineState.SubrackCommunication).To(Equal(orchestration.CommunicationDisabled))
		Expect(engineState.TpmCommunication).To(Equal(orchestration.CommunicationDisabled))
		Expect(engineState.Desire).To(Equal(orchestration.DesireNone))
	})

	It("should go through removing to removed", func() {
		Expect(instance.SetDesiredFSMState(tile.OperationalStateConnectedOff)).To(Succeed())
		reconcileUntil(ctx, instance, service, &tick, tile.OperationalStateConnectedOff)

		Expect(instance.SetDesiredFSMState(tile.OperationalStateDisconnected)).To(Succeed())
		reconcileUntil(ctx, instance, service, &tick, tile.OperationalStateDisconnected)

		Expect(instance.Remove(ctx)).To(Succeed())
		Expect(instance.IsRemoving()).To(BeTrue())

		reconcileUntil(ctx, instance, service, &tick, internalfsm.LifecycleStateRemoved)
		Expect(instance.IsRemoved()).To(BeTrue())
	})

	It("should record poll failures for backoff", func() {
		service.SetPollError(context.DeadlineExceeded)

		Expect(instance.SetDesiredFSMState(tile.OperationalStateConnectedOn)).To(Succeed())

		// Drive past the lifecycle states into connecting, where polling starts
		for i := 0; i < 4; i++ {
			tick++
			err, _ := instance.Reconcile(ctx, fsm.SystemSnapshot{Tick: tick}, service)
			Expect(err).NotTo(HaveOccurred())
		}

		Expect(instance.GetCurrentFSMState()).To(Equal(tile.OperationalStateConnecting))
		Expect(instance.GetLastError()).To(HaveOccurred())
	})

	It("should implement FSMInstance interface", func() {
		var _ fsm.FSMInstance = (*tile.TileInstance)(nil)
	})
})
