/*
Copyright 2019 Asiaq Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package wait polls remote resources until they reach a requested state.
// Resources that enter a terminal state fail fast with an expected timeout
// instead of burning the caller's whole budget.
package wait

import (
	"context"
	"time"

	"github.com/asiaq/asiaq/lib/defaults"
	"github.com/asiaq/asiaq/lib/retry"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// terminal states never transition to anything else
var terminalStates = map[string]struct{}{
	defaults.StateFailed:     {},
	defaults.StateTerminated: {},
}

// IsTerminalState returns true if a resource in the specified state will
// never reach another state
func IsTerminalState(state string) bool {
	_, ok := terminalStates[state]
	return ok
}

// StateConfig configures a single-resource state waiter
type StateConfig struct {
	// Name identifies the awaited resource in errors and logs
	Name string
	// Fetch returns the resource's current state
	Fetch func(context.Context) (string, error)
	// Target is the state to wait for
	Target string
	// Timeout bounds the cumulative wait, defaults to WaitForStateTimeout
	Timeout time.Duration
	// Clock is used for sleeping, defaults to the wall clock
	Clock clockwork.Clock
}

func (c *StateConfig) checkAndSetDefaults() error {
	if c.Fetch == nil {
		return trace.BadParameter("missing parameter Fetch")
	}
	if c.Target == "" {
		return trace.BadParameter("missing parameter Target")
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.WaitForStateTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// ForState polls the resource until it reports the target state. A
// terminal state short-circuits with ExpectedTimeoutError; running out of
// budget returns TimeoutError.
func ForState(ctx context.Context, config StateConfig) error {
	if err := config.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	start := config.Clock.Now()
	return retry.Call(ctx, retry.Policy{
		Timeout: config.Timeout,
		Clock:   config.Clock,
		TimeoutError: func(elapsed time.Duration) error {
			return retry.NewTimeoutError(elapsed,
				"timed out waiting for %v to change state to %q", config.Name, config.Target)
		},
	}, func() error {
		state, err := config.Fetch(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		if state == config.Target {
			return nil
		}
		if IsTerminalState(state) {
			return retry.NewExpectedTimeoutError(config.Clock.Since(start),
				"%v entered state %q while waiting for state %q", config.Name, state, config.Target)
		}
		return trace.CompareFailed("%v is in state %q, waiting for %q", config.Name, state, config.Target)
	})
}

// CollectionConfig configures a waiter over a collection of resources
type CollectionConfig struct {
	// Name identifies the awaited collection in errors and logs
	Name string
	// Fetch returns the current state of every resource in the collection
	Fetch func(context.Context) ([]string, error)
	// Target is the state to wait for
	Target string
	// Timeout bounds the cumulative wait, defaults to WaitForStateTimeout
	Timeout time.Duration
	// Clock is used for sleeping, defaults to the wall clock
	Clock clockwork.Clock
}

// ForAllStates polls a collection of resources and succeeds only once
// every member reports the target state. Any member entering a terminal
// state short-circuits with ExpectedTimeoutError.
func ForAllStates(ctx context.Context, config CollectionConfig) error {
	if config.Fetch == nil {
		return trace.BadParameter("missing parameter Fetch")
	}
	if config.Target == "" {
		return trace.BadParameter("missing parameter Target")
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.WaitForStateTimeout
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	start := config.Clock.Now()
	return retry.Call(ctx, retry.Policy{
		Timeout: config.Timeout,
		Clock:   config.Clock,
		TimeoutError: func(elapsed time.Duration) error {
			return retry.NewTimeoutError(elapsed,
				"timed out waiting for all of %v to change state to %q", config.Name, config.Target)
		},
	}, func() error {
		states, err := config.Fetch(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		pending := 0
		for _, state := range states {
			if IsTerminalState(state) {
				return retry.NewExpectedTimeoutError(config.Clock.Since(start),
					"some of %v entered state %q while waiting for state %q",
					config.Name, state, config.Target)
			}
			if state != config.Target {
				pending++
			}
		}
		if pending == 0 {
			return nil
		}
		return trace.CompareFailed("%v resources of %v still waiting for state %q",
			pending, config.Name, config.Target)
	})
}

// RemoteCommand runs argv on the instance and returns the command's exit
// code together with its stdout
type RemoteCommand func(ctx context.Context, instanceID string, argv []string) (exitCode int, stdout string, err error)

// SSHableConfig configures a two-phase boot waiter
type SSHableConfig struct {
	// InstanceID identifies the awaited instance
	InstanceID string
	// FetchState returns the instance's provider-reported state
	FetchState func(context.Context) (string, error)
	// RemoteCmd executes a command on the instance
	RemoteCmd RemoteCommand
	// Timeout bounds each phase, defaults to WaitForSSHableTimeout
	Timeout time.Duration
	// Clock is used for sleeping, defaults to the wall clock
	Clock clockwork.Clock
}

// ForSSHable waits for the instance to report running, then for a trivial
// remote command to succeed, which proves application-level reachability
// rather than just provider-side liveness.
func ForSSHable(ctx context.Context, config SSHableConfig) error {
	if config.RemoteCmd == nil {
		return trace.BadParameter("missing parameter RemoteCmd")
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.WaitForSSHableTimeout
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	log.Infof("Waiting for instance %v to be fully provisioned.", config.InstanceID)
	err := ForState(ctx, StateConfig{
		Name:    config.InstanceID,
		Fetch:   config.FetchState,
		Target:  defaults.StateRunning,
		Timeout: config.Timeout,
		Clock:   config.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	log.Infof("Instance %v running (booting up).", config.InstanceID)
	return retry.Call(ctx, retry.Policy{
		Timeout: config.Timeout,
		Clock:   config.Clock,
		TimeoutError: func(elapsed time.Duration) error {
			return retry.NewTimeoutError(elapsed,
				"timed out waiting for instance %v to become sshable", config.InstanceID)
		},
	}, func() error {
		code, _, err := config.RemoteCmd(ctx, config.InstanceID, []string{"true"})
		if err != nil {
			return trace.Wrap(err)
		}
		if code != 0 {
			return trace.CompareFailed("instance %v not answering yet", config.InstanceID)
		}
		log.Infof("Instance %v now SSHable.", config.InstanceID)
		return nil
	})
}
