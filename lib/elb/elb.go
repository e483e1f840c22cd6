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

// Package elb manages the per-hostclass classic load balancers fronting
// scaling groups. Each hostclass gets at most two: the production one and
// a "-test" suffixed one that fronts groups still in testing mode.
package elb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/asiaq/asiaq/lib/defaults"
	"github.com/asiaq/asiaq/lib/retry"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	awselb "github.com/aws/aws-sdk-go/service/elb"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// ELB is the slice of the AWS Elastic Load Balancing service this
// package needs
type ELB interface {
	DescribeLoadBalancersWithContext(aws.Context, *awselb.DescribeLoadBalancersInput, ...request.Option) (*awselb.DescribeLoadBalancersOutput, error)
	DeleteLoadBalancerWithContext(aws.Context, *awselb.DeleteLoadBalancerInput, ...request.Option) (*awselb.DeleteLoadBalancerOutput, error)
	DescribeInstanceHealthWithContext(aws.Context, *awselb.DescribeInstanceHealthInput, ...request.Option) (*awselb.DescribeInstanceHealthOutput, error)
}

// InService is the healthy member state of a classic load balancer
const InService = defaults.StateInService

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9-]`)

// Name returns the human-readable load balancer name for a hostclass.
// The name only keeps letters, numbers and dashes and may not exceed the
// provider's 32 character limit.
func Name(environment, hostclass string, testing bool) (string, error) {
	name := environment + "-" + hostclass
	if testing {
		name += "-test"
	}
	name = invalidNameChars.ReplaceAllString(name, "")
	if len(name) > 32 {
		return "", trace.BadParameter("load balancer name %v is over 32 characters", name)
	}
	return name, nil
}

// ID returns the deterministic provider-side identifier for a hostclass's
// load balancer: the human name hashed so renames and long hostclasses
// cannot collide with the 32 character limit
func ID(environment, hostclass string, testing bool) (string, error) {
	name, err := Name(environment, hostclass, testing)
	if err != nil {
		return "", trace.Wrap(err)
	}
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])[:32], nil
}

// Config configures the load balancer manager
type Config struct {
	// Environment is the environment all operations are scoped to
	Environment string
	// ELB is the injected Elastic Load Balancing service client
	ELB ELB
	// Clock is used for sleeping, defaults to the wall clock
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values
func (c *Config) CheckAndSetDefaults() error {
	if c.Environment == "" {
		return trace.BadParameter("missing parameter Environment")
	}
	if c.ELB == nil {
		return trace.BadParameter("missing parameter ELB")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// LoadBalancers manages the environment's per-hostclass load balancers
type LoadBalancers struct {
	Config
	*log.Entry
}

// New returns a new load balancer manager
func New(config Config) (*LoadBalancers, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &LoadBalancers{
		Config: config,
		Entry:  log.WithFields(log.Fields{trace.Component: "elb"}),
	}, nil
}

// GetELB returns the hostclass's load balancer description, or NotFound
func (l *LoadBalancers) GetELB(ctx context.Context, hostclass string, testing bool) (*awselb.LoadBalancerDescription, error) {
	elbID, err := ID(l.Environment, hostclass, testing)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var resp *awselb.DescribeLoadBalancersOutput
	err = retry.ThrottledCall(ctx, func() (err error) {
		resp, err = l.ELB.DescribeLoadBalancersWithContext(ctx, &awselb.DescribeLoadBalancersInput{
			LoadBalancerNames: aws.StringSlice([]string{elbID}),
		})
		return err
	})
	if err != nil {
		if isLoadBalancerNotFound(err) {
			return nil, trace.NotFound("no load balancer found for %v", hostclass)
		}
		return nil, trace.Wrap(err)
	}
	if len(resp.LoadBalancerDescriptions) == 0 {
		return nil, trace.NotFound("no load balancer found for %v", hostclass)
	}
	return resp.LoadBalancerDescriptions[0], nil
}

// DeleteELB deletes the hostclass's load balancer if it exists
func (l *LoadBalancers) DeleteELB(ctx context.Context, hostclass string, testing bool) error {
	elb, err := l.GetELB(ctx, hostclass, testing)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	name, err := Name(l.Environment, hostclass, testing)
	if err != nil {
		return trace.Wrap(err)
	}
	l.Infof("Deleting load balancer %v.", name)
	err = retry.ThrottledCall(ctx, func() (err error) {
		_, err = l.ELB.DeleteLoadBalancerWithContext(ctx, &awselb.DeleteLoadBalancerInput{
			LoadBalancerName: elb.LoadBalancerName,
		})
		return err
	})
	return trace.Wrap(err)
}

// HealthStateConfig configures a member health waiter
type HealthStateConfig struct {
	// Hostclass selects the load balancer to watch
	Hostclass string
	// Testing selects the testing load balancer
	Testing bool
	// InstanceIDs narrows the wait to specific members, nil waits on all
	InstanceIDs []string
	// State is the member state to wait for, defaults to InService
	State string
	// Timeout bounds the wait, defaults to WaitForELBHealthTimeout
	Timeout time.Duration
}

// WaitForInstanceHealthState polls the load balancer until every watched
// member reports the requested state. At least one member must be
// registered: an empty load balancer never satisfies the wait.
func (l *LoadBalancers) WaitForInstanceHealthState(ctx context.Context, config HealthStateConfig) error {
	if config.State == "" {
		config.State = InService
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.WaitForELBHealthTimeout
	}
	elbID, err := ID(l.Environment, config.Hostclass, config.Testing)
	if err != nil {
		return trace.Wrap(err)
	}
	name, err := Name(l.Environment, config.Hostclass, config.Testing)
	if err != nil {
		return trace.Wrap(err)
	}
	input := &awselb.DescribeInstanceHealthInput{LoadBalancerName: aws.String(elbID)}
	for _, instanceID := range config.InstanceIDs {
		input.Instances = append(input.Instances, &awselb.Instance{InstanceId: aws.String(instanceID)})
	}
	return retry.Call(ctx, retry.Policy{
		Timeout: config.Timeout,
		Clock:   l.Clock,
		TimeoutError: func(elapsed time.Duration) error {
			return retry.NewTimeoutError(elapsed,
				"timed out waiting for instances in load balancer %v to enter state %v", name, config.State)
		},
	}, func() error {
		var resp *awselb.DescribeInstanceHealthOutput
		err := retry.ThrottledCall(ctx, func() (err error) {
			resp, err = l.ELB.DescribeInstanceHealthWithContext(ctx, input)
			return err
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if len(resp.InstanceStates) == 0 {
			return trace.CompareFailed("no instances registered with load balancer %v yet", name)
		}
		var pending []string
		for _, state := range resp.InstanceStates {
			if aws.StringValue(state.State) != config.State {
				pending = append(pending, aws.StringValue(state.InstanceId))
			}
		}
		if len(pending) != 0 {
			return trace.CompareFailed("waiting for %v in load balancer %v to enter state %v",
				strings.Join(pending, ", "), name, config.State)
		}
		l.Infof("All watched instances in load balancer %v are %v.", name, config.State)
		return nil
	})
}

// List returns descriptions of the environment's load balancers
func (l *LoadBalancers) List(ctx context.Context) ([]*awselb.LoadBalancerDescription, error) {
	var resp *awselb.DescribeLoadBalancersOutput
	err := retry.ThrottledCall(ctx, func() (err error) {
		resp, err = l.ELB.DescribeLoadBalancersWithContext(ctx, &awselb.DescribeLoadBalancersInput{})
		return err
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resp.LoadBalancerDescriptions, nil
}

func isLoadBalancerNotFound(err error) bool {
	if awsErr, ok := trace.Unwrap(err).(awserr.Error); ok {
		return awsErr.Code() == awselb.ErrCodeAccessPointNotFoundException
	}
	return false
}

// String returns a human-readable description of the manager
func (l *LoadBalancers) String() string {
	return fmt.Sprintf("LoadBalancers(%v)", l.Environment)
}
