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

// Package config defines the station configuration: which subrack to talk to
// and which tiles to manage, with their desired states.
package config

import (
	"fmt"
	"reflect"

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/constants"
)

// StationConfig is the root of the station configuration file.
type StationConfig struct {
	Station StationSettings `yaml:"station"` // Station-wide settings, requires restart to take effect
	Tiles   []TileConfig    `yaml:"tiles"`   // Tiles to manage, can be updated while running
}

// StationSettings holds station-wide settings.
type StationSettings struct {
	Name        string        `yaml:"name"`
	MetricsPort int           `yaml:"metricsPort"` // Port to expose metrics on
	Subrack     SubrackConfig `yaml:"subrack"`
}

// SubrackConfig points at the management API of the subrack that supplies
// the station's TPMs.
type SubrackConfig struct {
	APIURL string `yaml:"apiUrl"`
}

// FSMInstanceConfig is the config for a FSM instance
type FSMInstanceConfig struct {
	Name            string `yaml:"name"`
	DesiredFSMState string `yaml:"desiredState"`
}

// TileConfig contains configuration for managing one tile.
type TileConfig struct {
	// For the FSM
	FSMInstanceConfig `yaml:",inline"`

	// Bay is the 1-based subrack bay the tile's TPM sits in.
	Bay int `yaml:"bay"`
}

// Equal checks if two TileConfigs are equal
func (c TileConfig) Equal(other TileConfig) bool {
	return reflect.DeepEqual(c, other)
}

// Validate checks the configuration for internal consistency and fills in
// defaults for omitted values.
func (c *StationConfig) Validate() error {
	if c.Station.Name == "" {
		c.Station.Name = constants.DefaultManagerName
	}
	if c.Station.MetricsPort == 0 {
		c.Station.MetricsPort = constants.DefaultMetricsPort
	}
	if c.Station.Subrack.APIURL == "" {
		return fmt.Errorf("station.subrack.apiUrl must be set")
	}

	seen := make(map[string]struct{}, len(c.Tiles))
	bays := make(map[int]string, len(c.Tiles))
	for i := range c.Tiles {
		tile := &c.Tiles[i]
		if tile.Name == "" {
			return fmt.Errorf("tiles[%d].name must be set", i)
		}
		if _, dup := seen[tile.Name]; dup {
			return fmt.Errorf("duplicate tile name %q", tile.Name)
		}
		seen[tile.Name] = struct{}{}

		if tile.Bay < 1 {
			return fmt.Errorf("tile %q: bay must be a positive bay number, got %d", tile.Name, tile.Bay)
		}
		if owner, dup := bays[tile.Bay]; dup {
			return fmt.Errorf("tile %q: bay %d already used by tile %q", tile.Name, tile.Bay, owner)
		}
		bays[tile.Bay] = tile.Name
	}

	return nil
}
