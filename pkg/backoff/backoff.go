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

// Package backoff provides the error taxonomy and the tick-based backoff
// bookkeeping used by the FSM layer. Transient errors suspend reconciliation
// of an instance for an exponentially growing number of ticks; once the retry
// limit is exceeded the instance is marked permanently failed and its manager
// is expected to remove it.
package backoff

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/ska-telescope/ska-low-mccs-spshw/pkg/constants"
)

// Marker strings used to classify backoff errors across package boundaries.
const (
	TemporaryBackoffError = "temporary backoff"
	PermanentFailureError = "permanent failure"
)

// Config holds parameters for a BackoffManager.
type Config struct {
	// ID names the owning instance in log messages.
	ID string

	// InitialInterval is the suspension after the first transient error.
	InitialInterval time.Duration
	// MaxInterval caps the suspension regardless of retry count.
	MaxInterval time.Duration
	// Multiplier is the exponential growth factor between retries.
	Multiplier float64
	// MaxRetries is the number of transient errors tolerated before the
	// instance is marked permanently failed.
	MaxRetries uint64

	// TickInterval converts suspension durations into control loop ticks.
	TickInterval time.Duration

	Logger *zap.SugaredLogger
}

// DefaultConfig returns the backoff configuration used by all FSM instances
// unless overridden.
func DefaultConfig(id string, logger *zap.SugaredLogger) Config {
	return Config{
		ID:              id,
		InitialInterval: 1 * time.Second,
		MaxInterval:     1 * time.Minute,
		Multiplier:      2.0,
		MaxRetries:      10,
		TickInterval:    constants.DefaultTickerTime,
		Logger:          logger,
	}
}

// NewBackoffConfig returns a backoff configuration with the intervals given
// in control loop ticks instead of durations. Mostly useful in tests where
// short, deterministic backoff windows are needed.
func NewBackoffConfig(id string, initialTicks uint64, maxTicks uint64, maxRetries uint64, logger *zap.SugaredLogger) Config {
	return Config{
		ID:              id,
		InitialInterval: time.Duration(initialTicks) * constants.DefaultTickerTime,
		MaxInterval:     time.Duration(maxTicks) * constants.DefaultTickerTime,
		Multiplier:      2.0,
		MaxRetries:      maxRetries,
		TickInterval:    constants.DefaultTickerTime,
		Logger:          logger,
	}
}

// BackoffManager tracks the last error of an FSM instance and decides, per
// control loop tick, whether the instance should be reconciled or left alone.
type BackoffManager struct {
	cfg Config

	mu sync.Mutex

	exp *backoff.ExponentialBackOff

	lastError          error
	retries            uint64
	suspendedUntilTick uint64
	permanentlyFailed  bool
}

// NewBackoffManager creates a manager with no recorded error.
func NewBackoffManager(cfg Config) *BackoffManager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialInterval
	exp.MaxInterval = cfg.MaxInterval
	exp.Multiplier = cfg.Multiplier
	// The manager applies its own retry limit; the underlying backoff must
	// never stop producing intervals on its own.
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &BackoffManager{
		cfg: cfg,
		exp: exp,
	}
}

// SetError records an error that occurred at the given tick and returns true
// if the error is considered a permanent failure, either because it was
// categorized as permanent or because the retry limit is now exceeded.
func (m *BackoffManager) SetError(err error, tick uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	err = CategorizeError(err)
	m.lastError = err

	if IsPermanentError(err) {
		m.permanentlyFailed = true

		return true
	}

	if IsIgnoredError(err) {
		return false
	}

	m.retries++
	if m.retries > m.cfg.MaxRetries {
		m.permanentlyFailed = true
		m.cfg.Logger.Errorf("instance %s exceeded %d retries, marking as permanently failed: %v",
			m.cfg.ID, m.cfg.MaxRetries, err)

		return true
	}

	interval := m.exp.NextBackOff()
	ticks := uint64(interval / m.cfg.TickInterval)
	if ticks == 0 {
		ticks = 1
	}
	m.suspendedUntilTick = tick + ticks

	m.cfg.Logger.Debugf("instance %s in backoff for %d tick(s) after error: %v", m.cfg.ID, ticks, err)

	return false
}

// ShouldSkipOperation returns true while the backoff period has not elapsed
// or the instance has permanently failed.
func (m *BackoffManager) ShouldSkipOperation(tick uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.permanentlyFailed {
		return true
	}

	return m.lastError != nil && tick < m.suspendedUntilTick
}

// GetBackoffError returns a structured error describing why operations are
// currently suspended, or nil when they are not.
func (m *BackoffManager) GetBackoffError(tick uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.permanentlyFailed {
		return fmt.Errorf("%s of instance %s: %w", PermanentFailureError, m.cfg.ID, m.lastError)
	}

	if m.lastError != nil && tick < m.suspendedUntilTick {
		return fmt.Errorf("%s until tick %d of instance %s: %w",
			TemporaryBackoffError, m.suspendedUntilTick, m.cfg.ID, m.lastError)
	}

	return nil
}

// GetLastError returns the last recorded error.
func (m *BackoffManager) GetLastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastError
}

// IsPermanentlyFailed returns true once the retry limit has been exceeded or
// a permanent error was recorded.
func (m *BackoffManager) IsPermanentlyFailed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.permanentlyFailed
}

// Reset clears the error state and the exponential interval after a
// successful reconcile.
func (m *BackoffManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = nil
	m.retries = 0
	m.suspendedUntilTick = 0
	m.permanentlyFailed = false
	m.exp.Reset()
}
