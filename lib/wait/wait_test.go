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

package wait

import (
	"context"
	"testing"
	"time"

	"github.com/asiaq/asiaq/lib/retry"

	"github.com/jonboulle/clockwork"
	"gopkg.in/check.v1"
)

func TestWait(t *testing.T) { check.TestingT(t) }

type WaitSuite struct{}

var _ = check.Suite(&WaitSuite{})

func (s *WaitSuite) TestIsTerminalState(c *check.C) {
	c.Assert(IsTerminalState("failed"), check.Equals, true)
	c.Assert(IsTerminalState("terminated"), check.Equals, true)
	c.Assert(IsTerminalState("pending"), check.Equals, false)
	c.Assert(IsTerminalState("running"), check.Equals, false)
}

// stateSequence serves canned states one per poll, the last one repeats
type stateSequence struct {
	states []string
	polls  int
}

func (m *stateSequence) fetch(context.Context) (string, error) {
	state := m.states[len(m.states)-1]
	if m.polls < len(m.states) {
		state = m.states[m.polls]
	}
	m.polls++
	return state, nil
}

// drive releases the waiter's sleeps until it finishes
func drive(clock clockwork.FakeClock, done chan error) error {
	for {
		select {
		case err := <-done:
			return err
		case <-time.After(time.Millisecond):
			clock.Advance(time.Minute)
		}
	}
}

func (s *WaitSuite) TestForState(c *check.C) {
	clock := clockwork.NewFakeClock()
	seq := &stateSequence{states: []string{"pending", "pending", "running"}}
	done := make(chan error, 1)
	go func() {
		done <- ForState(context.TODO(), StateConfig{
			Name:   "i-123",
			Fetch:  seq.fetch,
			Target: "running",
			Clock:  clock,
		})
	}()
	c.Assert(drive(clock, done), check.IsNil)
	c.Assert(seq.polls, check.Equals, 3)
}

func (s *WaitSuite) TestForStateTerminalShortCircuits(c *check.C) {
	clock := clockwork.NewFakeClock()
	seq := &stateSequence{states: []string{"pending", "terminated"}}
	done := make(chan error, 1)
	go func() {
		done <- ForState(context.TODO(), StateConfig{
			Name:   "i-123",
			Fetch:  seq.fetch,
			Target: "running",
			Clock:  clock,
		})
	}()
	err := drive(clock, done)
	c.Assert(err, check.NotNil)
	// a terminal state does not burn the rest of the budget
	c.Assert(retry.IsExpectedTimeout(err), check.Equals, true)
	c.Assert(seq.polls, check.Equals, 2)
}

func (s *WaitSuite) TestForStateTimesOut(c *check.C) {
	clock := clockwork.NewFakeClock()
	seq := &stateSequence{states: []string{"pending"}}
	done := make(chan error, 1)
	go func() {
		done <- ForState(context.TODO(), StateConfig{
			Name:    "i-123",
			Fetch:   seq.fetch,
			Target:  "running",
			Timeout: time.Minute,
			Clock:   clock,
		})
	}()
	err := drive(clock, done)
	c.Assert(err, check.NotNil)
	c.Assert(retry.IsTimeoutError(err), check.Equals, true)
	c.Assert(retry.IsExpectedTimeout(err), check.Equals, false)
}

type collectionSequence struct {
	states [][]string
	polls  int
}

func (m *collectionSequence) fetch(context.Context) ([]string, error) {
	states := m.states[len(m.states)-1]
	if m.polls < len(m.states) {
		states = m.states[m.polls]
	}
	m.polls++
	return states, nil
}

func (s *WaitSuite) TestForAllStates(c *check.C) {
	clock := clockwork.NewFakeClock()
	seq := &collectionSequence{states: [][]string{
		{"shutting-down", "terminated"},
		{"terminated", "terminated"},
	}}
	done := make(chan error, 1)
	go func() {
		done <- ForAllStates(context.TODO(), CollectionConfig{
			Name:   "members of ci_mhcbanana_1",
			Fetch:  seq.fetch,
			Target: "terminated",
			Clock:  clock,
		})
	}()
	c.Assert(drive(clock, done), check.IsNil)
	c.Assert(seq.polls, check.Equals, 2)
}

func (s *WaitSuite) TestForAllStatesTerminalShortCircuits(c *check.C) {
	clock := clockwork.NewFakeClock()
	seq := &collectionSequence{states: [][]string{
		{"pending", "failed"},
	}}
	done := make(chan error, 1)
	go func() {
		done <- ForAllStates(context.TODO(), CollectionConfig{
			Name:   "members of ci_mhcbanana_1",
			Fetch:  seq.fetch,
			Target: "running",
			Clock:  clock,
		})
	}()
	err := drive(clock, done)
	c.Assert(err, check.NotNil)
	c.Assert(retry.IsExpectedTimeout(err), check.Equals, true)
}

func (s *WaitSuite) TestForSSHable(c *check.C) {
	clock := clockwork.NewFakeClock()
	seq := &stateSequence{states: []string{"pending", "running"}}
	var commands [][]string
	sshFailures := 1
	done := make(chan error, 1)
	go func() {
		done <- ForSSHable(context.TODO(), SSHableConfig{
			InstanceID: "i-123",
			FetchState: seq.fetch,
			RemoteCmd: func(ctx context.Context, instanceID string, argv []string) (int, string, error) {
				commands = append(commands, argv)
				if len(commands) <= sshFailures {
					return 255, "", nil
				}
				return 0, "", nil
			},
			Clock: clock,
		})
	}()
	c.Assert(drive(clock, done), check.IsNil)
	// the instance had to report running, then answer a trivial command
	c.Assert(seq.polls, check.Equals, 2)
	c.Assert(len(commands), check.Equals, 2)
	c.Assert(commands[0], check.DeepEquals, []string{"true"})
}

func (s *WaitSuite) TestForSSHableFailsWhenInstanceDies(c *check.C) {
	clock := clockwork.NewFakeClock()
	seq := &stateSequence{states: []string{"terminated"}}
	done := make(chan error, 1)
	go func() {
		done <- ForSSHable(context.TODO(), SSHableConfig{
			InstanceID: "i-123",
			FetchState: seq.fetch,
			RemoteCmd: func(ctx context.Context, instanceID string, argv []string) (int, string, error) {
				c.Errorf("remote command should never run on a dead instance")
				return 0, "", nil
			},
			Clock: clock,
		})
	}()
	err := drive(clock, done)
	c.Assert(err, check.NotNil)
	c.Assert(retry.IsExpectedTimeout(err), check.Equals, true)
}
