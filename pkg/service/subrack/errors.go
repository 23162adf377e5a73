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

package subrack

import "errors"

var (
	// ErrSubrackUnavailable indicates the subrack management API could not
	// be reached or answered with a server-side failure.
	ErrSubrackUnavailable = errors.New("subrack management API unavailable")

	// ErrInvalidBay indicates the subrack does not know the requested bay.
	ErrInvalidBay = errors.New("no such TPM bay")

	// ErrNoSupply indicates the bay cannot be switched because the subrack
	// is not supplying it.
	ErrNoSupply = errors.New("TPM bay has no power supply")
)
