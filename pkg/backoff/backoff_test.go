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

package backoff_test

import (
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/backoff"
)

var _ = Describe("Error categories", func() {
	It("should categorize a plain error as transient", func() {
		err := backoff.CategorizeError(fmt.Errorf("poll failed"))

		Expect(backoff.IsTransientError(err)).To(BeTrue())
		Expect(backoff.IsPermanentError(err)).To(BeFalse())
		Expect(backoff.IsIgnoredError(err)).To(BeFalse())
	})

	It("should preserve an existing category", func() {
		err := backoff.CategorizeError(backoff.NewPermanentError(fmt.Errorf("bad bay")))

		Expect(backoff.IsPermanentError(err)).To(BeTrue())
	})

	It("should categorize nil as nil", func() {
		Expect(backoff.CategorizeError(nil)).To(BeNil())
	})

	It("should recognize a category through wrapping", func() {
		wrapped := fmt.Errorf("while polling: %w", backoff.NewIgnoredError(fmt.Errorf("link starting")))

		Expect(backoff.IsIgnoredError(wrapped)).To(BeTrue())
	})

	It("should extract the root cause of a nested error", func() {
		root := fmt.Errorf("connection refused")
		wrapped := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", root))

		Expect(backoff.ExtractOriginalError(wrapped)).To(Equal(root))
	})
})

var _ = Describe("BackoffManager", func() {
	var manager *backoff.BackoffManager

	newManager := func(maxRetries uint64) *backoff.BackoffManager {
		return backoff.NewBackoffManager(
			backoff.NewBackoffConfig("bay-1", 2, 8, maxRetries, zap.NewNop().Sugar()))
	}

	BeforeEach(func() {
		manager = newManager(3)
	})

	It("should not suspend operations before any error", func() {
		Expect(manager.ShouldSkipOperation(0)).To(BeFalse())
		Expect(manager.GetBackoffError(0)).To(BeNil())
		Expect(manager.GetLastError()).To(BeNil())
	})

	It("should suspend operations after a transient error", func() {
		permanent := manager.SetError(fmt.Errorf("poll failed"), 10)
		Expect(permanent).To(BeFalse())

		Expect(manager.ShouldSkipOperation(10)).To(BeTrue())
		Expect(backoff.IsTemporaryBackoffError(manager.GetBackoffError(10))).To(BeTrue())
	})

	It("should resume operations once the backoff window elapsed", func() {
		manager.SetError(fmt.Errorf("poll failed"), 10)

		// Initial interval is 2 ticks, the exponential jitter can stretch it
		Expect(manager.ShouldSkipOperation(100)).To(BeFalse())
		Expect(manager.GetBackoffError(100)).To(BeNil())
	})

	It("should not suspend operations for an ignored error", func() {
		permanent := manager.SetError(backoff.NewIgnoredError(fmt.Errorf("link starting")), 10)
		Expect(permanent).To(BeFalse())

		Expect(manager.ShouldSkipOperation(11)).To(BeFalse())
		Expect(manager.GetLastError()).To(HaveOccurred())
	})

	It("should escalate immediately on a permanent error", func() {
		permanent := manager.SetError(backoff.NewPermanentError(fmt.Errorf("bad bay")), 10)
		Expect(permanent).To(BeTrue())

		Expect(manager.IsPermanentlyFailed()).To(BeTrue())
		Expect(backoff.IsPermanentFailureError(manager.GetBackoffError(10))).To(BeTrue())
	})

	It("should escalate after the retry limit is exceeded", func() {
		for i := uint64(0); i < 3; i++ {
			Expect(manager.SetError(fmt.Errorf("poll failed"), i*100)).To(BeFalse())
		}

		Expect(manager.SetError(fmt.Errorf("poll failed"), 1000)).To(BeTrue())
		Expect(manager.IsPermanentlyFailed()).To(BeTrue())
	})

	It("should keep suspending a permanently failed instance regardless of tick", func() {
		manager.SetError(backoff.NewPermanentError(fmt.Errorf("bad bay")), 0)

		Expect(manager.ShouldSkipOperation(1_000_000)).To(BeTrue())
	})

	It("should clear all state on reset", func() {
		manager.SetError(backoff.NewPermanentError(fmt.Errorf("bad bay")), 10)
		manager.Reset()

		Expect(manager.IsPermanentlyFailed()).To(BeFalse())
		Expect(manager.ShouldSkipOperation(11)).To(BeFalse())
		Expect(manager.GetLastError()).To(BeNil())
		Expect(manager.GetBackoffError(11)).To(BeNil())
	})

	It("should allow the full retry budget again after a reset", func() {
		for i := uint64(0); i < 3; i++ {
			manager.SetError(fmt.Errorf("poll failed"), i*100)
		}
		manager.Reset()

		Expect(manager.SetError(fmt.Errorf("poll failed"), 1000)).To(BeFalse())
		Expect(manager.IsPermanentlyFailed()).To(BeFalse())
	})
})
