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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/config"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/fsm"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/fsm/tile"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/orchestration"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/service/subrack"
)

func tileCfg(name string, bay int, desiredState string) config.TileConfig {
	return config.TileConfig{
		FSMInstanceConfig: config.FSMInstanceConfig{
			Name:            name,
			DesiredFSMState: desiredState,
		},
		Bay: bay,
	}
}

var _ = Describe("TileManager", func() {
	var (
		manager *tile.TileManager
		service *subrack.MockSubrackService
		tick    uint64
	)

	// reconcileManagerOnce runs one manager reconcile cycle with a fresh
	// deadline, the way the control loop does.
	reconcileManagerOnce := func(cfg config.StationConfig) (error, bool) {
		tick++
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		return manager.Reconcile(ctx, fsm.SystemSnapshot{
			CurrentConfig: cfg,
			SnapshotTime:  time.Now(),
			Tick:          tick,
		}, service)
	}

	BeforeEach(func() {
		manager = tile.NewTileManager("test")
		service = subrack.NewMockSubrackService()
		service.SetTpmPowerState(1, orchestration.PowerOff)
		service.SetTpmPowerState(2, orchestration.PowerOff)
		tick = 0
	})

	It("should create instances for configured tiles", func() {
		cfg := config.StationConfig{
			Tiles: []config.TileConfig{tileCfg("tile-1", 1, "")},
		}

		err, reconciled := reconcileManagerOnce(cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(reconciled).To(BeTrue())

		instance, exists := manager.GetTileByName("tile-1")
		Expect(exists).To(BeTrue())
		// Omitted desired state defaults to powered on
		Expect(instance.GetDesiredFSMState()).To(Equal(tile.OperationalStateConnectedOn))
	})

	It("should drive a configured tile to connected_on", func() {
		cfg := config.StationConfig{
			Tiles: []config.TileConfig{tileCfg("tile-1", 1, "")},
		}

		for i := 0; i < 40; i++ {
			err, _ := reconcileManagerOnce(cfg)
			Expect(err).NotTo(HaveOccurred())

			if state, stateErr := manager.GetCurrentFSMState("tile-1"); stateErr == nil &&
				state == tile.OperationalStateConnectedOn {
				break
			}
		}

		state, err := manager.GetCurrentFSMState("tile-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(tile.OperationalStateConnectedOn))
		Expect(service.PowerOnTpmCalls).To(Equal(1))
	})

	It("should honour a configured desired state", func() {
		cfg := config.StationConfig{
			Tiles: []config.TileConfig{tileCfg("tile-1", 1, tile.OperationalStateConnectedOff)},
		}

		for i := 0; i < 40; i++ {
			err, _ := reconcileManagerOnce(cfg)
			Expect(err).NotTo(HaveOccurred())
		}

		state, err := manager.GetCurrentFSMState("tile-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(tile.OperationalStateConnectedOff))
		Expect(service.PowerOnTpmCalls).To(BeZero())
	})

	It("should remove a tile that disappears from the config", func() {
		withTile := config.StationConfig{
			Tiles: []config.TileConfig{tileCfg("tile-1", 1, tile.OperationalStateConnectedOff)},
		}
		for i := 0; i < 20; i++ {
			err, _ := reconcileManagerOnce(withTile)
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(manager.GetInstances()).To(HaveLen(1))

		withoutTile := config.StationConfig{}
		for i := 0; i < 100; i++ {
			err, _ := reconcileManagerOnce(withoutTile)
			Expect(err).NotTo(HaveOccurred())

			if len(manager.GetInstances()) == 0 {
				break
			}
		}

		Expect(manager.GetInstances()).To(BeEmpty())
	})

	It("should look tiles up by bay", func() {
		cfg := config.StationConfig{
			Tiles: []config.TileConfig{
				tileCfg("tile-1", 1, tile.OperationalStateConnectedOff),
				tileCfg("tile-2", 2, tile.OperationalStateConnectedOff),
			},
		}

		// Instance creation is rate limited to one per ten ticks
		for i := 0; i < 25; i++ {
			err, _ := reconcileManagerOnce(cfg)
			Expect(err).NotTo(HaveOccurred())
		}

		instance, exists := manager.GetTileByBay(2)
		Expect(exists).To(BeTrue())
		Expect(instance.GetConfig().Name).To(Equal("tile-2"))

		_, exists = manager.GetTileByBay(9)
		Expect(exists).To(BeFalse())
	})

	It("should reject an invalid configured desired state", func() {
		cfg := config.StationConfig{
			Tiles: []config.TileConfig{tileCfg("tile-1", 1, "powering_on")},
		}

		err, _ := reconcileManagerOnce(cfg)
		Expect(err).To(HaveOccurred())
	})
})
