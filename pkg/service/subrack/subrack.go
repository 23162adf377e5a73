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

// Package subrack talks to the management web API of a subrack: the unit
// that physically supplies power to the TPMs in its bays and exposes their
// observed power states.
//
// The package is a narrow boundary: the orchestration core never sees it.
// Tile component managers poll it and translate its answers into stimuli.
package subrack

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/constants"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/logger"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/orchestration"
)

// ISubrackService abstracts the subrack management API: observing and
// switching the power of the TPM bays it supplies.
type ISubrackService interface {
	// TpmPowerState reports the observed power state of the TPM in the
	// given bay (1-based).
	TpmPowerState(ctx context.Context, bay int) (orchestration.PowerState, error)

	// PowerOnTpm asks the subrack to power the TPM in the given bay on.
	// The request is accepted asynchronously; the effect shows up in a
	// later TpmPowerState poll.
	PowerOnTpm(ctx context.Context, bay int) error

	// PowerOffTpm asks the subrack to power the TPM in the given bay off.
	PowerOffTpm(ctx context.Context, bay int) error
}

// powerStateResponse is the payload of the bay power endpoint.
type powerStateResponse struct {
	Bay        int    `json:"bay"`
	PowerState string `json:"power_state"`
}

// SubrackService is the HTTP client for a real subrack management board.
type SubrackService struct {
	baseURL string
	client  *http.Client
	logger  *zap.SugaredLogger
}

// ISubrackService is implemented by SubrackService; compile-time check.
var _ ISubrackService = (*SubrackService)(nil)

// NewSubrackService creates a client for the subrack management API at the
// given base URL, e.g. "http://10.0.10.80:8081".
func NewSubrackService(baseURL string) *SubrackService {
	return &SubrackService{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: constants.SubrackRequestTimeout,
		},
		logger: logger.For(logger.ComponentSubrackService),
	}
}

// TpmPowerState polls the observed power state of one bay.
func (s *SubrackService) TpmPowerState(ctx context.Context, bay int) (orchestration.PowerState, error) {
	url := fmt.Sprintf("%s/api/v1/tpm/%d/power", s.baseURL, bay)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return orchestration.PowerUnknown, fmt.Errorf("failed to build power state request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return orchestration.PowerUnknown, fmt.Errorf("%w: %w", ErrSubrackUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return orchestration.PowerUnknown, fmt.Errorf("%w: bay %d", ErrInvalidBay, bay)
	}
	if resp.StatusCode != http.StatusOK {
		return orchestration.PowerUnknown, fmt.Errorf("%w: unexpected status %d", ErrSubrackUnavailable, resp.StatusCode)
	}

	var payload powerStateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return orchestration.PowerUnknown, fmt.Errorf("failed to decode power state response: %w", err)
	}

	return parsePowerState(payload.PowerState)
}

// PowerOnTpm requests power-on for one bay.
func (s *SubrackService) PowerOnTpm(ctx context.Context, bay int) error {
	return s.switchBay(ctx, bay, "on")
}

// PowerOffTpm requests power-off for one bay.
func (s *SubrackService) PowerOffTpm(ctx context.Context, bay int) error {
	return s.switchBay(ctx, bay, "off")
}

func (s *SubrackService) switchBay(ctx context.Context, bay int, verb string) error {
	url := fmt.Sprintf("%s/api/v1/tpm/%d/%s", s.baseURL, bay, verb)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build power switch request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubrackUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		s.logger.Debugf("requested tpm %s for bay %d", verb, bay)

		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: bay %d", ErrInvalidBay, bay)
	case http.StatusConflict:
		// The subrack refuses to switch a bay without supply.
		return fmt.Errorf("%w: bay %d", ErrNoSupply, bay)
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrSubrackUnavailable, resp.StatusCode)
	}
}

// parsePowerState maps the API's power state strings onto the orchestration
// vocabulary.
func parsePowerState(raw string) (orchestration.PowerState, error) {
	switch strings.ToUpper(raw) {
	case "UNKNOWN":
		return orchestration.PowerUnknown, nil
	case "NO_SUPPLY":
		return orchestration.PowerNoSupply, nil
	case "OFF":
		return orchestration.PowerOff, nil
	case "ON":
		return orchestration.PowerOn, nil
	default:
		return orchestration.PowerUnknown, fmt.Errorf("unrecognised power state %q", raw)
	}
}
