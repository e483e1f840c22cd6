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
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/gravitational/trace"
)

// TimeoutError is returned when a retry budget is exhausted without the
// wrapped operation ever succeeding
type TimeoutError struct {
	// Message describes what was being waited for
	Message string
	// Elapsed is the cumulative time spent sleeping between attempts
	Elapsed time.Duration
}

// Error returns the timeout error string representation
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v after %v", e.Message, e.Elapsed)
}

// NewTimeoutError returns a new timeout error with the specified elapsed
// wait time and message
func NewTimeoutError(elapsed time.Duration, format string, args ...interface{}) *TimeoutError {
	return &TimeoutError{
		Message: fmt.Sprintf(format, args...),
		Elapsed: elapsed,
	}
}

// ExpectedTimeoutError is returned when a wait loop is terminated early
// because the resource has entered a terminal state and the chance of
// eventual success is zero. Callers can branch on this to skip spending
// the rest of their timeout budget.
type ExpectedTimeoutError struct {
	TimeoutError
}

// NewExpectedTimeoutError returns a new expected timeout error with the
// specified elapsed wait time and message
func NewExpectedTimeoutError(elapsed time.Duration, format string, args ...interface{}) *ExpectedTimeoutError {
	return &ExpectedTimeoutError{
		TimeoutError: TimeoutError{
			Message: fmt.Sprintf(format, args...),
			Elapsed: elapsed,
		},
	}
}

// IsTimeoutError returns true if the specified error is a retry timeout,
// expected or otherwise
func IsTimeoutError(err error) bool {
	switch trace.Unwrap(err).(type) {
	case *TimeoutError, *ExpectedTimeoutError:
		return true
	}
	return false
}

// IsExpectedTimeout returns true if the specified error indicates that the
// awaited resource entered a terminal state
func IsExpectedTimeout(err error) bool {
	_, ok := trace.Unwrap(err).(*ExpectedTimeoutError)
	return ok
}

// throttlingCodes is the set of provider error codes that indicate request
// throttling rather than a real failure
var throttlingCodes = map[string]struct{}{
	"Throttling":           {},
	"ThrottlingException":  {},
	"RequestLimitExceeded": {},
}

// IsThrottlingError returns true if the specified error is a provider
// throttling response
func IsThrottlingError(err error) bool {
	awsErr, ok := trace.Unwrap(err).(awserr.Error)
	if !ok {
		return false
	}
	_, ok = throttlingCodes[awsErr.Code()]
	return ok
}
