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

// This file contains a mock implementation for testing.

package subrack

import (
	"context"
	"sync"

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/orchestration"
)

// MockSubrackService provides a mock implementation of ISubrackService for
// testing. Power states per bay can be preconfigured, switch requests flip
// the stored state, and all calls are counted.
//
// Usage example:
//
//	mockService := NewMockSubrackService()
//	mockService.SetTpmPowerState(1, orchestration.PowerOff)
//
//	err := myComponent.DoSomethingWithSubrack(mockService, 1)
type MockSubrackService struct {
	mock        sync.Mutex
	powerStates map[int]orchestration.PowerState
	pollError   error
	switchError error

	// Call counters, exported for assertions.
	TpmPowerStateCalls int
	PowerOnTpmCalls    int
	PowerOffTpmCalls   int
}

// ISubrackService is implemented by MockSubrackService; compile-time check.
var _ ISubrackService = (*MockSubrackService)(nil)

// NewMockSubrackService creates a new mock subrack service with initialized
// internal maps.
func NewMockSubrackService() *MockSubrackService {
	return &MockSubrackService{
		powerStates: make(map[int]orchestration.PowerState),
	}
}

// SetTpmPowerState sets the power state reported for a bay.
func (m *MockSubrackService) SetTpmPowerState(bay int, state orchestration.PowerState) {
	m.mock.Lock()
	defer m.mock.Unlock()
	m.powerStates[bay] = state
}

// SetPollError sets the error returned by TpmPowerState.
func (m *MockSubrackService) SetPollError(err error) {
	m.mock.Lock()
	defer m.mock.Unlock()
	m.pollError = err
}

// SetSwitchError sets the error returned by PowerOnTpm and PowerOffTpm.
func (m *MockSubrackService) SetSwitchError(err error) {
	m.mock.Lock()
	defer m.mock.Unlock()
	m.switchError = err
}

// TpmPowerState returns the preconfigured power state for the bay, or
// PowerUnknown for bays that were never set.
func (m *MockSubrackService) TpmPowerState(ctx context.Context, bay int) (orchestration.PowerState, error) {
	m.mock.Lock()
	defer m.mock.Unlock()

	m.TpmPowerStateCalls++

	if m.pollError != nil {
		return orchestration.PowerUnknown, m.pollError
	}

	state, exists := m.powerStates[bay]
	if !exists {
		return orchestration.PowerUnknown, nil
	}

	return state, nil
}

// PowerOnTpm records the request and flips the stored state to PowerOn.
func (m *MockSubrackService) PowerOnTpm(ctx context.Context, bay int) error {
	m.mock.Lock()
	defer m.mock.Unlock()

	m.PowerOnTpmCalls++

	if m.switchError != nil {
		return m.switchError
	}

	m.powerStates[bay] = orchestration.PowerOn

	return nil
}

// PowerOffTpm records the request and flips the stored state to PowerOff.
func (m *MockSubrackService) PowerOffTpm(ctx context.Context, bay int) error {
	m.mock.Lock()
	defer m.mock.Unlock()

	m.PowerOffTpmCalls++

	if m.switchError != nil {
		return m.switchError
	}

	m.powerStates[bay] = orchestration.PowerOff

	return nil
}
