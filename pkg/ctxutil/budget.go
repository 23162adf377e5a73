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

// Package ctxutil provides the deadline arithmetic shared by the control loop
// and the FSM managers. Every reconcile tick runs against a hard deadline;
// these helpers split the remaining time between the managers and the per
// instance work without any component touching ctx.Deadline directly.
package ctxutil

import (
	"context"
	"errors"
	"time"
)

// ErrNoDeadline indicates the context doesn't have a deadline. Reconcile
// paths require one; running without a deadline would let a stuck subrack
// request stall the whole control loop.
var ErrNoDeadline = errors.New("context has no deadline")

// Remaining returns the time left until the context's deadline.
func Remaining(ctx context.Context) (time.Duration, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0, ErrNoDeadline
	}

	return time.Until(deadline), nil
}

// ScaledDeadline returns a deadline that consumes the given share of the time
// remaining on ctx, leaving the rest for the caller's own wind-down work such
// as snapshotting. Share is clamped to [0, 1].
func ScaledDeadline(ctx context.Context, share float64) (time.Time, error) {
	remaining, err := Remaining(ctx)
	if err != nil {
		return time.Time{}, err
	}

	if share < 0 {
		share = 0
	} else if share > 1 {
		share = 1
	}

	return time.Now().Add(time.Duration(float64(remaining) * share)), nil
}
