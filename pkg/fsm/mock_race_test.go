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

package fsm

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/config"
)

// stationSnapshot builds the per-tick snapshot a control loop would hand to
// its managers: a two-tile station config plus the global tick.
func stationSnapshot(tick uint64) SystemSnapshot {
	return SystemSnapshot{
		CurrentConfig: config.StationConfig{
			Station: config.StationSettings{Name: "low-itf"},
			Tiles: []config.TileConfig{
				{FSMInstanceConfig: config.FSMInstanceConfig{Name: "tile-01"}, Bay: 1},
				{FSMInstanceConfig: config.FSMInstanceConfig{Name: "tile-02"}, Bay: 2},
			},
		},
		Managers:     map[string]ManagerSnapshot{},
		SnapshotTime: time.Now(),
		Tick:         tick,
	}
}

// These tests are meaningful under the race detector: Reconcile reads
// ReconcileDelay and ReconcileError under the mock's mutex while the test
// goroutines rewrite them through the setters.
var _ = Describe("MockFSMManager under concurrent reconciles", func() {
	It("should serialize reconciles against injected poll failures", func() {
		mock := NewMockFSMManager()
		pollFailure := errors.New("subrack poll failed")

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		var wg sync.WaitGroup

		// Reconcilers drive the mock the way the control loop drives the tile
		// manager, one station snapshot per tick.
		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()

				for tick := uint64(0); ; tick++ {
					select {
					case <-ctx.Done():
						return
					default:
					}

					err, reconciled := mock.Reconcile(ctx, stationSnapshot(tick), nil)
					Expect(reconciled).To(BeFalse())
					if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
						Expect(err).To(Equal(pollFailure))
					}
				}
			}()
		}

		// One writer flips the injected failure on and off, mimicking a flaky
		// subrack link, while another varies the simulated reconcile latency.
		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := 0; ; i++ {
				select {
				case <-ctx.Done():
					return
				default:
				}

				if i%2 == 0 {
					mock.SetReconcileError(pollFailure)
				} else {
					mock.SetReconcileError(nil)
				}
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := 0; ; i++ {
				select {
				case <-ctx.Done():
					return
				default:
				}

				mock.SetReconcileDelay(time.Duration(i%3) * time.Millisecond)
			}
		}()

		wg.Wait()
		Expect(mock.ReconcileCalled).To(BeTrue())
	})

	It("should keep the builder setters safe while reconciling", func() {
		mock := NewMockFSMManager()

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()

		var wg sync.WaitGroup

		wg.Add(1)
		go func() {
			defer wg.Done()

			for tick := uint64(0); ; tick++ {
				select {
				case <-ctx.Done():
					return
				default:
					_, _ = mock.Reconcile(ctx, stationSnapshot(tick), nil)
				}
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := 0; ; i++ {
				select {
				case <-ctx.Done():
					return
				default:
					mock.WithReconcileDelay(time.Duration(i%100) * time.Microsecond).
						WithReconcileError(errors.New("transient"))
					mock.ResetCalls()
				}
			}
		}()

		<-ctx.Done()
		wg.Wait()
	})
})
