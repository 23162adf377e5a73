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
	"go.uber.org/zap"

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/env"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/sentry"
)

// LoadConfigWithEnvOverrides loads the config file and applies environment
// variable overrides. This is used during startup so that containerized
// deployments can reconfigure the station without editing the config file.
//
// Order of precedence (highest to lowest):
// 1. Environment variables (STATION_NAME, SUBRACK_API_URL, METRICS_PORT)
// 2. Config file values
// 3. Default values
func LoadConfigWithEnvOverrides(configManager *FileConfigManager, log *zap.SugaredLogger) (StationConfig, error) {
	cfg, err := configManager.GetConfig()
	if err != nil {
		return StationConfig{}, err
	}

	stationName, err := env.GetAsString("STATION_NAME", false, "")
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get STATION_NAME: %v", err)
	}
	if stationName != "" {
		cfg.Station.Name = stationName
	}

	subrackURL, err := env.GetAsString("SUBRACK_API_URL", false, "")
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get SUBRACK_API_URL: %v", err)
	}
	if subrackURL != "" {
		cfg.Station.Subrack.APIURL = subrackURL
	}

	metricsPort, err := env.GetAsInt("METRICS_PORT", false, 0)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get METRICS_PORT: %v", err)
	}
	if metricsPort != 0 {
		cfg.Station.MetricsPort = metricsPort
	}

	return cfg, nil
}
