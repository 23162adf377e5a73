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

package subrack_test

import (
	"context"

	"github.com/h2non/gock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/orchestration"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/service/subrack"
)

var _ = Describe("SubrackService", Ordered, Serial, func() {
	// gock intercepts http.DefaultTransport, which the service client
	// falls back to when no custom transport is set.
	const apiURL = "http://subrack.test:8081"

	var (
		service *subrack.SubrackService
		ctx     context.Context
		cancel  context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		service = subrack.NewSubrackService(apiURL)
	})

	AfterEach(func() {
		// Ensure that all gock mocks are turned off after each test, even the unmatched ones
		cancel()
		gock.OffAll()
	})

	Context("TpmPowerState", func() {
		It("should report the power state of a bay", func() {
			gock.New(apiURL).
				Get("/api/v1/tpm/3/power").
				Reply(200).
				JSON(map[string]any{"bay": 3, "power_state": "ON"})

			state, err := service.TpmPowerState(ctx, 3)
			Expect(err).ToNot(HaveOccurred())
			Expect(state).To(Equal(orchestration.PowerOn))
		})

		It("should accept lower-case power state strings", func() {
			gock.New(apiURL).
				Get("/api/v1/tpm/1/power").
				Reply(200).
				JSON(map[string]any{"bay": 1, "power_state": "no_supply"})

			state, err := service.TpmPowerState(ctx, 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(state).To(Equal(orchestration.PowerNoSupply))
		})

		It("should return ErrInvalidBay for an unknown bay", func() {
			gock.New(apiURL).
				Get("/api/v1/tpm/9/power").
				Reply(404)

			_, err := service.TpmPowerState(ctx, 9)
			Expect(err).To(MatchError(subrack.ErrInvalidBay))
		})

		It("should return ErrSubrackUnavailable for a server failure", func() {
			gock.New(apiURL).
				Get("/api/v1/tpm/1/power").
				Reply(503)

			_, err := service.TpmPowerState(ctx, 1)
			Expect(err).To(MatchError(subrack.ErrSubrackUnavailable))
		})

		It("should reject an unrecognised power state string", func() {
			gock.New(apiURL).
				Get("/api/v1/tpm/1/power").
				Reply(200).
				JSON(map[string]any{"bay": 1, "power_state": "HALF_ON"})

			state, err := service.TpmPowerState(ctx, 1)
			Expect(err).To(HaveOccurred())
			Expect(state).To(Equal(orchestration.PowerUnknown))
		})
	})

	Context("PowerOnTpm", func() {
		It("should accept a 202 from the subrack", func() {
			gock.New(apiURL).
				Post("/api/v1/tpm/2/on").
				Reply(202)

			Expect(service.PowerOnTpm(ctx, 2)).To(Succeed())
		})

		It("should return ErrNoSupply when the bay is unsupplied", func() {
			gock.New(apiURL).
				Post("/api/v1/tpm/2/on").
				Reply(409)

			Expect(service.PowerOnTpm(ctx, 2)).To(MatchError(subrack.ErrNoSupply))
		})
	})

	Context("PowerOffTpm", func() {
		It("should accept a 200 from the subrack", func() {
			gock.New(apiURL).
				Post("/api/v1/tpm/2/off").
				Reply(200)

			Expect(service.PowerOffTpm(ctx, 2)).To(Succeed())
		})

		It("should return ErrInvalidBay for an unknown bay", func() {
			gock.New(apiURL).
				Post("/api/v1/tpm/9/off").
				Reply(404)

			Expect(service.PowerOffTpm(ctx, 9)).To(MatchError(subrack.ErrInvalidBay))
		})
	})

	Context("MockSubrackService", func() {
		It("should flip the stored power state on switch requests", func() {
			mockService := subrack.NewMockSubrackService()
			mockService.SetTpmPowerState(1, orchestration.PowerOff)

			Expect(mockService.PowerOnTpm(ctx, 1)).To(Succeed())

			state, err := mockService.TpmPowerState(ctx, 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(state).To(Equal(orchestration.PowerOn))
			Expect(mockService.PowerOnTpmCalls).To(Equal(1))
			Expect(mockService.TpmPowerStateCalls).To(Equal(1))
		})
	})
})
