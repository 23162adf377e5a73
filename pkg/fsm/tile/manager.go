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
	"fmt"
	"time"

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/config"
	public_fsm "github.com/ska-telescope/ska-low-mccs-spshw/pkg/fsm"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/logger"
)

// TileManager implements FSM management for the tiles of one station.
type TileManager struct {
	*public_fsm.BaseFSMManager[config.TileConfig]
}

// TileManagerSnapshot extends the base ManagerSnapshot with tile-specific information
type TileManagerSnapshot struct {
	// Embed the BaseManagerSnapshot to inherit its methods
	*public_fsm.BaseManagerSnapshot
}

// NewTileManager creates a new TileManager
func NewTileManager(name string) *TileManager {
	managerName := fmt.Sprintf("%s_%s", logger.ComponentTileManager, name)

	baseManager := public_fsm.NewBaseFSMManager[config.TileConfig](
		managerName,
		// Extract tile configs from the station config
		func(stationConfig config.StationConfig) ([]config.TileConfig, error) {
			return stationConfig.Tiles, nil
		},
		// Get name from tile config
		func(cfg config.TileConfig) (string, error) {
			return cfg.Name, nil
		},
		// Get desired state from tile config
		func(cfg config.TileConfig) (string, error) {
			// A configured tile is wanted powered on unless stated otherwise
			if cfg.DesiredFSMState == "" {
				return OperationalStateConnectedOn, nil
			}

			switch cfg.DesiredFSMState {
			case OperationalStateDisconnected,
				OperationalStateConnectedOff,
				OperationalStateConnectedOn:
				return cfg.DesiredFSMState, nil
			default:
				return "", fmt.Errorf("invalid desired state %q for tile %s", cfg.DesiredFSMState, cfg.Name)
			}
		},
		// Create tile instance from config
		func(cfg config.TileConfig) (public_fsm.FSMInstance, error) {
			return NewTileInstance(cfg), nil
		},
		// Compare tile configs
		func(instance public_fsm.FSMInstance, cfg config.TileConfig) (bool, error) {
			tileInstance, ok := instance.(*TileInstance)
			if !ok {
				return false, fmt.Errorf("instance is not a TileInstance")
			}
			return tileInstance.config.Equal(cfg), nil
		},
		// Set tile config
		func(instance public_fsm.FSMInstance, cfg config.TileConfig) error {
			tileInstance, ok := instance.(*TileInstance)
			if !ok {
				return fmt.Errorf("instance is not a TileInstance")
			}
			tileInstance.config = cfg
			tileInstance.ObservedState.ObservedTileConfig = cfg
			return nil
		},
		// Get expected max p95 execution time per instance
		func(instance public_fsm.FSMInstance) (time.Duration, error) {
			tileInstance, ok := instance.(*TileInstance)
			if !ok {
				return 0, fmt.Errorf("instance is not a TileInstance")
			}
			return tileInstance.GetExpectedMaxP95ExecutionTimePerInstance(), nil
		},
	)

	return &TileManager{
		BaseFSMManager: baseManager,
	}
}

// GetTileByName returns a tile instance by name if it exists
func (m *TileManager) GetTileByName(name string) (*TileInstance, bool) {
	instance, exists := m.BaseFSMManager.GetInstance(name)
	if !exists {
		return nil, false
	}

	tileInstance, ok := instance.(*TileInstance)
	if !ok {
		return nil, false
	}

	return tileInstance, true
}

// GetTileByBay returns the tile instance managing the given subrack bay, if any
func (m *TileManager) GetTileByBay(bay int) (*TileInstance, bool) {
	for _, instance := range m.BaseFSMManager.GetInstances() {
		tileInstance, ok := instance.(*TileInstance)
		if !ok {
			continue
		}

		if tileInstance.config.Bay == bay {
			return tileInstance, true
		}
	}

	return nil, false
}
