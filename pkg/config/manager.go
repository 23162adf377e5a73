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

package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/logger"
)

// FileConfigManager loads the station configuration from a YAML file and
// caches the last successfully parsed version. The control loop re-reads the
// file every tick; serving the cached config on a read or parse failure keeps
// a half-written file from taking the station down.
type FileConfigManager struct {
	path string

	mu         sync.RWMutex
	lastConfig StationConfig
	loadedOnce bool
}

// NewFileConfigManager creates a manager for the config file at path.
func NewFileConfigManager(path string) *FileConfigManager {
	return &FileConfigManager{path: path}
}

// GetConfig reads, parses and validates the config file. On failure after a
// previous successful load, the cached config is returned alongside the error
// so the caller can keep running on the last known good configuration.
func (m *FileConfigManager) GetConfig() (StationConfig, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return m.cachedOr(fmt.Errorf("failed to read config file %s: %w", m.path, err))
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return m.cachedOr(err)
	}

	m.mu.Lock()
	m.lastConfig = cfg
	m.loadedOnce = true
	m.mu.Unlock()

	return cfg, nil
}

func (m *FileConfigManager) cachedOr(err error) (StationConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.loadedOnce {
		logger.For(logger.ComponentConfig).Warnf("using cached config: %v", err)
		return m.lastConfig, err
	}
	return StationConfig{}, err
}

// ParseConfig parses and validates raw YAML config data.
func ParseConfig(data []byte) (StationConfig, error) {
	var cfg StationConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return StationConfig{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return StationConfig{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
