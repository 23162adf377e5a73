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

package config_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/config"
	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/constants"
)

func zapNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

const validConfig = `
station:
  name: s8-1
  metricsPort: 9090
  subrack:
    apiUrl: http://10.0.10.80:8081
tiles:
  - name: tile-1
    desiredState: connected_on
    bay: 1
  - name: tile-2
    desiredState: connected_off
    bay: 2
`

var _ = Describe("ParseConfig", func() {
	It("should parse a complete station config", func() {
		cfg, err := config.ParseConfig([]byte(validConfig))
		Expect(err).ToNot(HaveOccurred())

		Expect(cfg.Station.Name).To(Equal("s8-1"))
		Expect(cfg.Station.MetricsPort).To(Equal(9090))
		Expect(cfg.Station.Subrack.APIURL).To(Equal("http://10.0.10.80:8081"))

		Expect(cfg.Tiles).To(HaveLen(2))
		Expect(cfg.Tiles[0].Name).To(Equal("tile-1"))
		Expect(cfg.Tiles[0].DesiredFSMState).To(Equal("connected_on"))
		Expect(cfg.Tiles[0].Bay).To(Equal(1))
		Expect(cfg.Tiles[1].Bay).To(Equal(2))
	})

	It("should fill in defaults for omitted station settings", func() {
		cfg, err := config.ParseConfig([]byte(`
station:
  subrack:
    apiUrl: http://subrack:8081
`))
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Station.Name).To(Equal(constants.DefaultManagerName))
		Expect(cfg.Station.MetricsPort).To(Equal(constants.DefaultMetricsPort))
	})

	It("should reject a config without a subrack URL", func() {
		_, err := config.ParseConfig([]byte(`
station:
  name: s8-1
`))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("apiUrl"))
	})

	It("should reject duplicate tile names", func() {
		_, err := config.ParseConfig([]byte(`
station:
  subrack:
    apiUrl: http://subrack:8081
tiles:
  - name: tile-1
    bay: 1
  - name: tile-1
    bay: 2
`))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("duplicate tile name"))
	})

	It("should reject duplicate bays", func() {
		_, err := config.ParseConfig([]byte(`
station:
  subrack:
    apiUrl: http://subrack:8081
tiles:
  - name: tile-1
    bay: 1
  - name: tile-2
    bay: 1
`))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("already used"))
	})

	It("should reject a tile without a bay", func() {
		_, err := config.ParseConfig([]byte(`
station:
  subrack:
    apiUrl: http://subrack:8081
tiles:
  - name: tile-1
`))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("bay"))
	})

	It("should reject malformed YAML", func() {
		_, err := config.ParseConfig([]byte("station: ["))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("FileConfigManager", func() {
	var (
		dir     string
		path    string
		manager *config.FileConfigManager
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		path = filepath.Join(dir, "station.yaml")
		manager = config.NewFileConfigManager(path)
	})

	It("should load the config from disk", func() {
		Expect(os.WriteFile(path, []byte(validConfig), 0o644)).To(Succeed())

		cfg, err := manager.GetConfig()
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Tiles).To(HaveLen(2))
	})

	It("should return an error when the file does not exist", func() {
		_, err := manager.GetConfig()
		Expect(err).To(HaveOccurred())
	})

	It("should serve the cached config when the file becomes unreadable", func() {
		Expect(os.WriteFile(path, []byte(validConfig), 0o644)).To(Succeed())

		_, err := manager.GetConfig()
		Expect(err).ToNot(HaveOccurred())

		// Corrupt the file; the manager should fall back to the cached copy.
		Expect(os.WriteFile(path, []byte("station: ["), 0o644)).To(Succeed())

		cfg, err := manager.GetConfig()
		Expect(err).To(HaveOccurred())
		Expect(cfg.Tiles).To(HaveLen(2), "cached config should be preserved")
	})
})

var _ = Describe("LoadConfigWithEnvOverrides", func() {
	var (
		dir     string
		path    string
		manager *config.FileConfigManager
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		path = filepath.Join(dir, "station.yaml")
		manager = config.NewFileConfigManager(path)
		Expect(os.WriteFile(path, []byte(validConfig), 0o644)).To(Succeed())
	})

	It("should prefer environment variables over file values", func() {
		GinkgoT().Setenv("SUBRACK_API_URL", "http://other-subrack:8081")
		GinkgoT().Setenv("METRICS_PORT", "9999")

		cfg, err := config.LoadConfigWithEnvOverrides(manager, zapNop())
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Station.Subrack.APIURL).To(Equal("http://other-subrack:8081"))
		Expect(cfg.Station.MetricsPort).To(Equal(9999))
	})

	It("should keep file values when no overrides are set", func() {
		cfg, err := config.LoadConfigWithEnvOverrides(manager, zapNop())
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Station.Subrack.APIURL).To(Equal("http://10.0.10.80:8081"))
		Expect(cfg.Station.MetricsPort).To(Equal(9090))
	})
})
