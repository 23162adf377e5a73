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

package version

import "github.com/ska-telescope/ska-low-mccs-spshw/pkg/constants"

// appVersion is overridden at build time via
// -ldflags "-X .../pkg/version.appVersion=x.y.z".
var appVersion = constants.DefaultAppVersion

// GetAppVersion returns the version of this build.
func GetAppVersion() string {
	return appVersion
}
