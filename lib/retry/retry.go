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

// Package retry wraps operations against remote providers with backoff
// based on decorrelated jitter, see
// https://www.awsarchitectureblog.com/2015/03/backoff.html
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/asiaq/asiaq/lib/defaults"

	"github.com/cenkalti/backoff"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// Jitter computes decorrelated-jitter backoff intervals: attempt c sleeps
// a uniformly random duration in [Base, c*Base], capped at Max. It
// implements backoff.BackOff. Not safe for concurrent use; the cycle
// counter is scoped to a single call.
type Jitter struct {
	// Base is the lower bound of a single interval
	Base time.Duration
	// Max caps a single interval
	Max time.Duration

	cycle int
	rand  *rand.Rand
}

// NewJitter returns a jitter interval source with the standard base and cap
func NewJitter() *Jitter {
	return &Jitter{
		Base: defaults.JitterBase,
		Max:  defaults.MaxPollInterval,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextBackOff advances the cycle counter and returns the next interval
func (j *Jitter) NextBackOff() time.Duration {
	j.cycle++
	upper := time.Duration(j.cycle) * j.Base
	if upper > j.Max {
		upper = j.Max
	}
	if upper <= j.Base {
		return j.Base
	}
	return j.Base + time.Duration(j.rand.Int63n(int64(upper-j.Base)+1))
}

// Reset restarts the cycle counter
func (j *Jitter) Reset() {
	j.cycle = 0
}

var _ backoff.BackOff = (*Jitter)(nil)

// Policy describes how a single operation is retried
type Policy struct {
	// Timeout bounds the cumulative time spent sleeping between attempts.
	// The operation gets one final verdict once the budget is exhausted.
	Timeout time.Duration
	// MaxAttempts bounds the number of attempts, 0 means unbounded
	MaxAttempts int
	// Retryable classifies errors; a nil classifier retries any error.
	// Non-retryable errors are returned to the caller unmodified.
	Retryable func(error) bool
	// BackOff produces sleep intervals, defaults to NewJitter()
	BackOff backoff.BackOff
	// TimeoutError, when set, replaces the last attempt's error once the
	// retry budget is exhausted
	TimeoutError func(elapsed time.Duration) error
	// Clock is used for sleeping, defaults to the wall clock
	Clock clockwork.Clock
}

// Call invokes fn until it succeeds, returns a non-retryable error, or
// exhausts the policy's budget. An ExpectedTimeoutError from fn is returned
// immediately: the awaited resource is provably dead and further retries
// cannot succeed.
func Call(ctx context.Context, policy Policy, fn func() error) error {
	interval := policy.BackOff
	if interval == nil {
		interval = NewJitter()
	}
	clock := policy.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	var elapsed time.Duration
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if IsExpectedTimeout(err) {
			return err
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			return err
		}
		exhausted := (policy.MaxAttempts != 0 && attempt >= policy.MaxAttempts) ||
			(policy.Timeout != 0 && elapsed > policy.Timeout)
		if exhausted {
			if policy.TimeoutError != nil {
				return policy.TimeoutError(elapsed)
			}
			return err
		}
		pause := interval.NextBackOff()
		log.Debugf("Unsuccessful attempt %v: %v, retry in %v.", attempt, trace.UserMessage(err), pause)
		select {
		case <-clock.After(pause):
			elapsed += pause
		case <-ctx.Done():
			return trace.Wrap(err, "retry canceled")
		}
	}
}

// ThrottledCall invokes fn, absorbing provider throttling errors with
// backoff for up to five minutes of cumulative waiting. Any other error is
// returned to the caller on the first attempt.
func ThrottledCall(ctx context.Context, fn func() error) error {
	return Call(ctx, Policy{
		Timeout:   defaults.ThrottledCallTimeout,
		Retryable: IsThrottlingError,
	}, fn)
}

// KeepTrying invokes fn until it succeeds or the cumulative wait exceeds
// timeout, retrying on any error. Use ThrottledCall instead if only
// throttling is a concern: an irrecoverable error inside KeepTrying costs
// the full timeout.
func KeepTrying(ctx context.Context, timeout time.Duration, fn func() error) error {
	return Call(ctx, Policy{Timeout: timeout}, fn)
}
