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

package retry

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"gopkg.in/check.v1"
)

func TestRetry(t *testing.T) { check.TestingT(t) }

type RetrySuite struct{}

var _ = check.Suite(&RetrySuite{})

func (s *RetrySuite) TestJitterBounds(c *check.C) {
	jitter := &Jitter{
		Base: 3 * time.Second,
		Max:  60 * time.Second,
		rand: rand.New(rand.NewSource(1)),
	}
	for cycle := 1; cycle <= 100; cycle++ {
		pause := jitter.NextBackOff()
		upper := time.Duration(cycle) * jitter.Base
		if upper > jitter.Max {
			upper = jitter.Max
		}
		comment := check.Commentf("cycle %v pause %v", cycle, pause)
		c.Assert(pause >= jitter.Base, check.Equals, true, comment)
		c.Assert(pause <= upper, check.Equals, true, comment)
	}
}

func (s *RetrySuite) TestJitterFirstCycleIsBase(c *check.C) {
	jitter := &Jitter{Base: 3 * time.Second, Max: 60 * time.Second}
	c.Assert(jitter.NextBackOff(), check.Equals, 3*time.Second)
}

func (s *RetrySuite) TestJitterConstantWhenBaseEqualsMax(c *check.C) {
	// a degenerate jitter is a fixed interval, used for provider APIs
	// with a fixed rate limit window
	jitter := &Jitter{Base: time.Minute, Max: time.Minute}
	for i := 0; i < 5; i++ {
		c.Assert(jitter.NextBackOff(), check.Equals, time.Minute)
	}
}

func (s *RetrySuite) TestJitterReset(c *check.C) {
	jitter := &Jitter{Base: 3 * time.Second, Max: 60 * time.Second}
	jitter.NextBackOff()
	jitter.Reset()
	c.Assert(jitter.NextBackOff(), check.Equals, 3*time.Second)
}

func (s *RetrySuite) TestCallSucceedsWithoutSleeping(c *check.C) {
	calls := 0
	err := Call(context.TODO(), Policy{Clock: clockwork.NewFakeClock()}, func() error {
		calls++
		return nil
	})
	c.Assert(err, check.IsNil)
	c.Assert(calls, check.Equals, 1)
}

func (s *RetrySuite) TestCallRetriesUntilSuccess(c *check.C) {
	clock := clockwork.NewFakeClock()
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Call(context.TODO(), Policy{Clock: clock}, func() error {
			calls++
			if calls < 3 {
				return trace.CompareFailed("not yet")
			}
			return nil
		})
	}()
	for {
		select {
		case err := <-done:
			c.Assert(err, check.IsNil)
			c.Assert(calls, check.Equals, 3)
			return
		case <-time.After(time.Millisecond):
			clock.Advance(time.Minute)
		}
	}
}

func (s *RetrySuite) TestCallStopsAtMaxAttempts(c *check.C) {
	calls := 0
	err := Call(context.TODO(), Policy{
		MaxAttempts: 3,
		Clock:       clockwork.NewFakeClock(),
	}, func() error {
		calls++
		return trace.CompareFailed("never")
	})
	c.Assert(err, check.NotNil)
	c.Assert(calls, check.Equals, 3)
}

func (s *RetrySuite) TestCallReturnsNonRetryableImmediately(c *check.C) {
	calls := 0
	err := Call(context.TODO(), Policy{
		Retryable: trace.IsCompareFailed,
		Clock:     clockwork.NewFakeClock(),
	}, func() error {
		calls++
		return trace.AccessDenied("bad credentials")
	})
	c.Assert(trace.IsAccessDenied(err), check.Equals, true)
	c.Assert(calls, check.Equals, 1)
}

func (s *RetrySuite) TestCallReturnsExpectedTimeoutImmediately(c *check.C) {
	calls := 0
	err := Call(context.TODO(), Policy{Clock: clockwork.NewFakeClock()}, func() error {
		calls++
		return NewExpectedTimeoutError(time.Minute, "instance terminated")
	})
	c.Assert(IsExpectedTimeout(err), check.Equals, true)
	c.Assert(calls, check.Equals, 1)
}

func (s *RetrySuite) TestCallTimeoutErrorReplacesLastError(c *check.C) {
	clock := clockwork.NewFakeClock()
	done := make(chan error, 1)
	go func() {
		done <- Call(context.TODO(), Policy{
			Timeout: time.Minute,
			Clock:   clock,
			TimeoutError: func(elapsed time.Duration) error {
				return NewTimeoutError(elapsed, "gave up")
			},
		}, func() error {
			return trace.CompareFailed("never")
		})
	}()
	for {
		select {
		case err := <-done:
			c.Assert(IsTimeoutError(err), check.Equals, true)
			c.Assert(IsExpectedTimeout(err), check.Equals, false)
			return
		case <-time.After(time.Millisecond):
			clock.Advance(time.Minute)
		}
	}
}

func (s *RetrySuite) TestCallCanceledContext(c *check.C) {
	ctx, cancel := context.WithCancel(context.TODO())
	cancel()
	err := Call(ctx, Policy{Clock: clockwork.NewFakeClock()}, func() error {
		return trace.CompareFailed("not yet")
	})
	c.Assert(err, check.NotNil)
}

func (s *RetrySuite) TestThrottledCallRetriesThrottling(c *check.C) {
	calls := 0
	// the wall clock is fine here, the first retry sleeps only the base
	// interval
	done := make(chan error, 1)
	go func() {
		done <- ThrottledCall(context.TODO(), func() error {
			calls++
			if calls == 1 {
				return awserr.New("Throttling", "rate exceeded", nil)
			}
			return nil
		})
	}()
	select {
	case err := <-done:
		c.Assert(err, check.IsNil)
		c.Assert(calls, check.Equals, 2)
	case <-time.After(10 * time.Second):
		c.Fatal("throttled call did not finish")
	}
}

func (s *RetrySuite) TestThrottledCallPassesOtherErrorsThrough(c *check.C) {
	calls := 0
	err := ThrottledCall(context.TODO(), func() error {
		calls++
		return awserr.New("ValidationError", "bad input", nil)
	})
	c.Assert(err, check.NotNil)
	c.Assert(calls, check.Equals, 1)
}

func (s *RetrySuite) TestIsThrottlingError(c *check.C) {
	c.Assert(IsThrottlingError(awserr.New("Throttling", "", nil)), check.Equals, true)
	c.Assert(IsThrottlingError(awserr.New("ThrottlingException", "", nil)), check.Equals, true)
	c.Assert(IsThrottlingError(awserr.New("RequestLimitExceeded", "", nil)), check.Equals, true)
	c.Assert(IsThrottlingError(awserr.New("ValidationError", "", nil)), check.Equals, false)
	c.Assert(IsThrottlingError(trace.BadParameter("nope")), check.Equals, false)
	c.Assert(IsThrottlingError(trace.Wrap(awserr.New("Throttling", "", nil))), check.Equals, true)
}

func (s *RetrySuite) TestTimeoutErrorClassifiers(c *check.C) {
	timeout := NewTimeoutError(time.Minute, "waiting for %v", "banana")
	c.Assert(IsTimeoutError(timeout), check.Equals, true)
	c.Assert(IsExpectedTimeout(timeout), check.Equals, false)

	expected := NewExpectedTimeoutError(time.Minute, "terminated")
	c.Assert(IsTimeoutError(expected), check.Equals, true)
	c.Assert(IsExpectedTimeout(expected), check.Equals, true)
	c.Assert(IsExpectedTimeout(trace.Wrap(expected)), check.Equals, true)

	c.Assert(IsTimeoutError(trace.BadParameter("nope")), check.Equals, false)
}
