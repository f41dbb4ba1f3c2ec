// SPDX-License-Identifier: MIT

package manager

import "errors"

// InvalidConfigurationError reports a construction-time configuration
// problem: a duplicate source name, a priority collision between two
// enabled sources, or invalid buffer sizing. It is always surfaced
// synchronously and never recovered — the caller fixes the
// configuration and retries.
type InvalidConfigurationError struct {
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return "manager: invalid configuration: " + e.Reason
}

// ErrAlreadyStarted is returned by Start on a manager that is already running.
var ErrAlreadyStarted = errors.New("manager: already started")

// ErrNotStarted is returned by operations that require a running manager.
var ErrNotStarted = errors.New("manager: not started")

// ErrSourceNotFound is returned by RemoveSource, SetEnabled, and
// ForceFailover when name does not match any configured source.
var ErrSourceNotFound = errors.New("manager: source not found")

// ErrSourceExists is returned by AddSource when name is already configured.
var ErrSourceExists = errors.New("manager: source already exists")
