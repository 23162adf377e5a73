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

package orchestration

import "errors"

var (
	// ErrUndefinedTransition is returned when a stimulus arrives in a state
	// the rule table has no entry for. This is a programming error: the state
	// space analysis is incomplete and must be fixed in the rule table, not
	// worked around at runtime.
	ErrUndefinedTransition = errors.New("no rule defined for state and stimulus")

	// ErrTpmNotOnline is returned when a power command is issued while the
	// subrack link is not established. The command fails synchronously; it is
	// never queued. Callers are expected to retry once communication is
	// re-established.
	ErrTpmNotOnline = errors.New("TPM is not online")
)
