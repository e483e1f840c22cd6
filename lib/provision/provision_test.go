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

package provision

import (
	"context"
	"testing"
	"time"

	"github.com/asiaq/asiaq/lib/config"
	"github.com/asiaq/asiaq/lib/deploy"
	"github.com/asiaq/asiaq/lib/elb"
	"github.com/asiaq/asiaq/lib/group"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"

	"github.com/jonboulle/clockwork"
	"gopkg.in/check.v1"
)

func TestProvision(t *testing.T) { check.TestingT(t) }

type ProvisionSuite struct{}

var _ = check.Suite(&ProvisionSuite{})

// fakeBackend embeds the interface so only the calls a test exercises
// need an implementation
type fakeBackend struct {
	group.Backend
	specs          []group.Spec
	members        []group.Instance
	clearedActions []string
	actions        []recurringAction
}

type recurringAction struct {
	recurrence string
	minSize    *int64
	desired    *int64
	maxSize    *int64
	groupName  string
}

func (f *fakeBackend) CreateOrUpdateGroup(ctx context.Context, spec group.Spec) (*group.Group, error) {
	f.specs = append(f.specs, spec)
	return &group.Group{Name: "ci_" + spec.Hostclass + "_1"}, nil
}

func (f *fakeBackend) GetInstances(ctx context.Context, hostclass, groupName string) ([]group.Instance, error) {
	return f.members, nil
}

func (f *fakeBackend) DeleteAllRecurringGroupActions(ctx context.Context, hostclass, groupName string) error {
	f.clearedActions = append(f.clearedActions, groupName)
	return nil
}

func (f *fakeBackend) CreateRecurringGroupAction(ctx context.Context, recurrence string, minSize, desiredCapacity, maxSize *int64, hostclass, groupName string) error {
	f.actions = append(f.actions, recurringAction{
		recurrence: recurrence,
		minSize:    minSize,
		desired:    desiredCapacity,
		maxSize:    maxSize,
		groupName:  groupName,
	})
	return nil
}

type mockEC2 struct {
	requests []*ec2.DescribeInstancesInput
	// states are served one per call, the last one repeats
	states    []string
	instances []*ec2.Instance
	calls     int
}

func (m *mockEC2) DescribeInstancesWithContext(ctx aws.Context, input *ec2.DescribeInstancesInput, opts ...request.Option) (*ec2.DescribeInstancesOutput, error) {
	m.requests = append(m.requests, input)
	instances := m.instances
	if len(m.states) != 0 {
		state := m.states[len(m.states)-1]
		if m.calls < len(m.states) {
			state = m.states[m.calls]
		}
		instances = []*ec2.Instance{{
			InstanceId: aws.String("i-1"),
			State:      &ec2.InstanceState{Name: aws.String(state)},
			Tags: []*ec2.Tag{
				{Key: aws.String("hostclass"), Value: aws.String("mhcbanana")},
			},
			PrivateIpAddress: aws.String("10.0.0.1"),
		}}
	}
	m.calls++
	return &ec2.DescribeInstancesOutput{
		Reservations: []*ec2.Reservation{{Instances: instances}},
	}, nil
}

type remoteCall struct {
	host    string
	command []string
	user    string
}

type fakeRunner struct {
	calls    []remoteCall
	exitCode int
}

func (f *fakeRunner) Run(ctx context.Context, host string, command []string, user string) (int, []byte, error) {
	f.calls = append(f.calls, remoteCall{host: host, command: command, user: user})
	return f.exitCode, nil, nil
}

const testOptions = `
disco_aws:
  default_elb: "no"
  default_autoscaling_timeout: 60
mhcelb:
  elb: "yes"
mhcbanana:
  smoke_user: smoke
`

type fixture struct {
	backend     *fakeBackend
	ec2         *mockEC2
	runner      *fakeRunner
	clock       clockwork.FakeClock
	provisioner *Provisioner
}

func (s *ProvisionSuite) newFixture(c *check.C) *fixture {
	backend := &fakeBackend{}
	mock := &mockEC2{}
	runner := &fakeRunner{}
	clock := clockwork.NewFakeClock()
	options, err := config.Parse([]byte(testOptions))
	c.Assert(err, check.IsNil)
	provisioner, err := New(Config{
		Environment:    "ci",
		Groups:         backend,
		EC2:            mock,
		Options:        options,
		Runner:         runner,
		KeyName:        "bake_key",
		SecurityGroups: []string{"sg-1"},
		Subnets:        []group.Subnet{{ID: "subnet-1", AvailabilityZone: "us-west-2a"}},
		Clock:          clock,
	})
	c.Assert(err, check.IsNil)
	return &fixture{
		backend:     backend,
		ec2:         mock,
		runner:      runner,
		clock:       clock,
		provisioner: provisioner,
	}
}

func (s *ProvisionSuite) TestSpinupTranslatesEntry(c *check.C) {
	f := s.newFixture(c)
	err := f.provisioner.Spinup(context.TODO(), []deploy.Entry{{
		Hostclass:    "mhcbanana",
		AMI:          "ami-1",
		InstanceType: "m5.large",
		MinSize:      "1",
		DesiredSize:  "2@1 0 * * *:3@6 0 * * *",
		MaxSize:      "4",
	}}, deploy.SpinupOptions{CreateIfExists: true, Testing: true})
	c.Assert(err, check.IsNil)
	c.Assert(len(f.backend.specs), check.Equals, 1)
	spec := f.backend.specs[0]
	c.Assert(spec.Hostclass, check.Equals, "mhcbanana")
	c.Assert(spec.ImageID, check.Equals, "ami-1")
	c.Assert(spec.KeyName, check.Equals, "bake_key")
	c.Assert(spec.CreateIfExists, check.Equals, true)
	c.Assert(*spec.MinSize, check.Equals, int64(1))
	// a scheduled desired size collapses to its peak for the group spec
	c.Assert(*spec.DesiredSize, check.Equals, int64(3))
	c.Assert(*spec.MaxSize, check.Equals, int64(4))
	c.Assert(spec.Tags["environment"], check.Equals, "ci")
	c.Assert(spec.Tags["hostclass"], check.Equals, "mhcbanana")
	// mhcbanana has no load balancer configured
	c.Assert(spec.LoadBalancers, check.IsNil)
}

func (s *ProvisionSuite) TestSpinupAttachesTestingELB(c *check.C) {
	f := s.newFixture(c)
	err := f.provisioner.Spinup(context.TODO(), []deploy.Entry{{Hostclass: "mhcelb"}},
		deploy.SpinupOptions{Testing: true})
	c.Assert(err, check.IsNil)
	testingID, err := elb.ID("ci", "mhcelb", true)
	c.Assert(err, check.IsNil)
	c.Assert(f.backend.specs[0].LoadBalancers, check.DeepEquals, []string{testingID})

	err = f.provisioner.Spinup(context.TODO(), []deploy.Entry{{Hostclass: "mhcelb"}},
		deploy.SpinupOptions{GroupName: "ci_mhcelb_1"})
	c.Assert(err, check.IsNil)
	liveID, err := elb.ID("ci", "mhcelb", false)
	c.Assert(err, check.IsNil)
	c.Assert(f.backend.specs[1].LoadBalancers, check.DeepEquals, []string{liveID})
}

func (s *ProvisionSuite) TestInstancesScopedToEnvironment(c *check.C) {
	f := s.newFixture(c)
	f.ec2.instances = []*ec2.Instance{{
		InstanceId:       aws.String("i-1"),
		ImageId:          aws.String("ami-1"),
		PrivateIpAddress: aws.String("10.0.0.1"),
		Tags: []*ec2.Tag{
			{Key: aws.String("hostclass"), Value: aws.String("mhcbanana")},
		},
	}}
	instances, err := f.provisioner.Instances(context.TODO(), nil)
	c.Assert(err, check.IsNil)
	c.Assert(len(instances), check.Equals, 1)
	c.Assert(instances[0].ID, check.Equals, "i-1")
	c.Assert(instances[0].Hostclass, check.Equals, "mhcbanana")
	c.Assert(instances[0].PrivateIP, check.Equals, "10.0.0.1")

	// a nil id list means the whole environment, scoped by tag
	request := f.ec2.requests[0]
	c.Assert(request.InstanceIds, check.IsNil)
	found := false
	for _, filter := range request.Filters {
		if aws.StringValue(filter.Name) == "tag:environment" {
			found = true
			c.Assert(aws.StringValue(filter.Values[0]), check.Equals, "ci")
		}
	}
	c.Assert(found, check.Equals, true)
}

func (s *ProvisionSuite) TestWaitForAutoscaling(c *check.C) {
	f := s.newFixture(c)
	f.backend.members = []group.Instance{{InstanceID: "i-1", GroupName: "ci_mhcbanana_1"}}
	f.ec2.instances = []*ec2.Instance{{
		InstanceId: aws.String("i-1"),
		ImageId:    aws.String("ami-1"),
	}}
	err := f.provisioner.WaitForAutoscaling(context.TODO(), "ami-1", 1, "ci_mhcbanana_1")
	c.Assert(err, check.IsNil)
}

func (s *ProvisionSuite) TestWaitForAutoscalingIgnoresOtherImages(c *check.C) {
	f := s.newFixture(c)
	f.backend.members = []group.Instance{{InstanceID: "i-1", GroupName: "ci_mhcbanana_1"}}
	f.ec2.instances = []*ec2.Instance{{
		InstanceId: aws.String("i-1"),
		ImageId:    aws.String("ami-other"),
	}}
	done := make(chan error, 1)
	go func() {
		done <- f.provisioner.WaitForAutoscaling(context.TODO(), "ami-1", 1, "ci_mhcbanana_1")
	}()
	for {
		select {
		case err := <-done:
			c.Assert(err, check.NotNil)
			return
		case <-time.After(time.Millisecond):
			// keep releasing the waiter's sleeps until the budget runs out
			f.clock.Advance(time.Minute)
		}
	}
}

func (s *ProvisionSuite) TestSmokeTestOnce(c *check.C) {
	f := s.newFixture(c)
	f.ec2.states = []string{"pending", "running"}

	done := make(chan error, 1)
	go func() {
		done <- f.provisioner.SmokeTestOnce(context.TODO(), deploy.Instance{
			ID:        "i-1",
			PrivateIP: "10.0.0.1",
			Hostclass: "mhcbanana",
		})
	}()
	for {
		select {
		case err := <-done:
			c.Assert(err, check.IsNil)
			c.Assert(len(f.runner.calls), check.Equals, 1)
			c.Assert(f.runner.calls[0].host, check.Equals, "10.0.0.1")
			c.Assert(f.runner.calls[0].command, check.DeepEquals, []string{"true"})
			c.Assert(f.runner.calls[0].user, check.Equals, "smoke")
			return
		case <-time.After(time.Millisecond):
			f.clock.Advance(time.Minute)
		}
	}
}

func (s *ProvisionSuite) TestRemoteCommand(c *check.C) {
	f := s.newFixture(c)
	f.runner.exitCode = 2
	code, _, err := f.provisioner.RemoteCommand(context.TODO(), deploy.Instance{
		ID:        "i-1",
		PrivateIP: "10.0.0.1",
	}, []string{"run_tests.sh", "banana_test"}, "tester")
	c.Assert(err, check.IsNil)
	c.Assert(code, check.Equals, 2)
	c.Assert(f.runner.calls[0].user, check.Equals, "tester")
}

func (s *ProvisionSuite) TestCreateScalingSchedule(c *check.C) {
	f := s.newFixture(c)
	err := f.provisioner.CreateScalingSchedule(context.TODO(), "mhcbanana", "ci_mhcbanana_1",
		"1", "2@1 0 * * *:3@6 0 * * *", "4")
	c.Assert(err, check.IsNil)
	c.Assert(f.backend.clearedActions, check.DeepEquals, []string{"ci_mhcbanana_1"})
	c.Assert(len(f.backend.actions), check.Equals, 2)
	byRecurrence := map[string]recurringAction{}
	for _, action := range f.backend.actions {
		byRecurrence[action.recurrence] = action
	}
	morning := byRecurrence["1 0 * * *"]
	c.Assert(*morning.desired, check.Equals, int64(2))
	// min and max carry no schedule of their own
	c.Assert(morning.minSize, check.IsNil)
	c.Assert(morning.maxSize, check.IsNil)
	evening := byRecurrence["6 0 * * *"]
	c.Assert(*evening.desired, check.Equals, int64(3))
}

func (s *ProvisionSuite) TestCreateScalingScheduleWithPlainSizesOnlyClears(c *check.C) {
	f := s.newFixture(c)
	err := f.provisioner.CreateScalingSchedule(context.TODO(), "mhcbanana", "ci_mhcbanana_1",
		"1", "2", "4")
	c.Assert(err, check.IsNil)
	c.Assert(f.backend.clearedActions, check.DeepEquals, []string{"ci_mhcbanana_1"})
	c.Assert(f.backend.actions, check.IsNil)
}
