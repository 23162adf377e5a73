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

package tile

import (
	"sync"

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/orchestration"
)

// powerCommand is a pending TPM switch request collected from the
// orchestration engine.
type powerCommand int

const (
	powerCommandNone powerCommand = iota
	powerCommandOn
	powerCommandOff
)

// hardwareAdapter implements orchestration.HardwareControl by recording the
// requested operations instead of performing them. The orchestration engine
// expects its hardware controls to be fast, non-blocking triggers; the actual
// subrack I/O happens during the instance's observed-state update, which
// drains the recorded commands and feeds the outcomes back into the engine
// as stimuli.
type hardwareAdapter struct {
	mu sync.Mutex

	// subrackCommsActive tracks whether the engine wants the subrack link up.
	// While true, the observed-state update polls the subrack for the TPM
	// power state.
	subrackCommsActive bool

	// tpmCommsActive tracks whether the engine wants the TPM link up. The bay
	// power poll doubles as the TPM liveness probe.
	tpmCommsActive bool

	// pendingPower is the most recent unexecuted switch request. A later
	// request replaces an earlier one; only the latest intent matters.
	pendingPower powerCommand
}

var _ orchestration.HardwareControl = (*hardwareAdapter)(nil)

func newHardwareAdapter() *hardwareAdapter {
	return &hardwareAdapter{}
}

// StartCommunicatingWithSubrack implements orchestration.HardwareControl
func (h *hardwareAdapter) StartCommunicatingWithSubrack() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subrackCommsActive = true
	return nil
}

// StopCommunicatingWithSubrack implements orchestration.HardwareControl
func (h *hardwareAdapter) StopCommunicatingWithSubrack() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subrackCommsActive = false
	return nil
}

// StartCommunicatingWithTpm implements orchestration.HardwareControl
func (h *hardwareAdapter) StartCommunicatingWithTpm() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tpmCommsActive = true
	return nil
}

// StopCommunicatingWithTpm implements orchestration.HardwareControl
func (h *hardwareAdapter) StopCommunicatingWithTpm() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tpmCommsActive = false
	return nil
}

// TurnTpmOn implements orchestration.HardwareControl
func (h *hardwareAdapter) TurnTpmOn() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pendingPower = powerCommandOn
	return nil
}

// TurnTpmOff implements orchestration.HardwareControl
func (h *hardwareAdapter) TurnTpmOff() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pendingPower = powerCommandOff
	return nil
}

// SubrackCommsActive returns whether the engine currently wants the subrack
// link up.
func (h *hardwareAdapter) SubrackCommsActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subrackCommsActive
}

// TpmCommsActive returns whether the engine currently wants the TPM link up.
func (h *hardwareAdapter) TpmCommsActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tpmCommsActive
}

// TakePendingPower returns the pending switch request and clears it. The
// caller owns executing it; if execution fails it must requeue via
// RestorePendingPower so the command is retried on the next update.
func (h *hardwareAdapter) TakePendingPower() powerCommand {
	h.mu.Lock()
	defer h.mu.Unlock()
	cmd := h.pendingPower
	h.pendingPower = powerCommandNone
	return cmd
}

// RestorePendingPower requeues a switch request that could not be executed,
// unless a newer request has arrived in the meantime.
func (h *hardwareAdapter) RestorePendingPower(cmd powerCommand) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pendingPower == powerCommandNone {
		h.pendingPower = cmd
	}
}
