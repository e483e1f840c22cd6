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

// Package provision turns pipeline entries into running groups. It sits
// between the deployer and the group backends: entries are translated
// into group specs, booted instances are smoke tested over ssh, and
// scheduled sizes become recurring group actions.
package provision

import (
	"context"
	"strconv"
	"time"

	"github.com/asiaq/asiaq/lib/config"
	"github.com/asiaq/asiaq/lib/defaults"
	"github.com/asiaq/asiaq/lib/deploy"
	"github.com/asiaq/asiaq/lib/elb"
	"github.com/asiaq/asiaq/lib/group"
	"github.com/asiaq/asiaq/lib/retry"
	"github.com/asiaq/asiaq/lib/wait"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// EC2 is the slice of the AWS Elastic Compute Cloud service the
// provisioner needs
type EC2 interface {
	DescribeInstancesWithContext(aws.Context, *ec2.DescribeInstancesInput, ...request.Option) (*ec2.DescribeInstancesOutput, error)
}

// Runner runs a command on a host over ssh and reports its exit code
type Runner interface {
	Run(ctx context.Context, host string, command []string, user string) (exitCode int, output []byte, err error)
}

// instance tag keys propagated to group members at launch
const (
	tagEnvironment = "environment"
	tagHostclass   = "hostclass"
	tagProductLine = "productline"
)

// Config configures the provisioner
type Config struct {
	// Environment is the environment all operations are scoped to
	Environment string
	// Groups manages the environment's scaling groups
	Groups group.Backend
	// EC2 is the injected EC2 service client
	EC2 EC2
	// Options is the deployment configuration
	Options *config.Config
	// Runner runs remote commands on instances
	Runner Runner
	// Subnets are the subnets new groups span
	Subnets []group.Subnet
	// SecurityGroups are applied to new launch configurations
	SecurityGroups []string
	// KeyName is the ssh keypair baked into new instances
	KeyName string
	// InstanceProfile is the IAM instance profile for new instances
	InstanceProfile string
	// Clock is used for sleeping, defaults to the wall clock
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values
func (c *Config) CheckAndSetDefaults() error {
	if c.Environment == "" {
		return trace.BadParameter("missing parameter Environment")
	}
	if c.Groups == nil {
		return trace.BadParameter("missing parameter Groups")
	}
	if c.EC2 == nil {
		return trace.BadParameter("missing parameter EC2")
	}
	if c.Options == nil {
		return trace.BadParameter("missing parameter Options")
	}
	if c.Runner == nil {
		return trace.BadParameter("missing parameter Runner")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Provisioner implements provisioning over the group backends
type Provisioner struct {
	Config
	*log.Entry
}

// New returns a new provisioner
func New(config Config) (*Provisioner, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Provisioner{
		Config: config,
		Entry:  log.WithFields(log.Fields{trace.Component: "provision"}),
	}, nil
}

var _ deploy.Provisioner = (*Provisioner)(nil)

// specFromEntry translates a pipeline entry into a group spec. When the
// hostclass fronts a load balancer the spec attaches the testing or the
// live one depending on the spinup mode.
func (p *Provisioner) specFromEntry(entry deploy.Entry, options deploy.SpinupOptions) (*group.Spec, error) {
	minSize, err := deploy.SizeAsMinimum(entry.MinSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	desiredSize, err := deploy.SizeAsMaximum(entry.DesiredSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	maxSize, err := deploy.SizeAsMaximum(entry.MaxSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tags := map[string]string{
		tagEnvironment: p.Environment,
		tagHostclass:   entry.Hostclass,
	}
	if productLine := p.Options.HostclassOptionDefault(entry.Hostclass, "product_line", ""); productLine != "" {
		tags[tagProductLine] = productLine
	}
	spec := &group.Spec{
		Hostclass:           entry.Hostclass,
		GroupName:           options.GroupName,
		ImageID:             entry.AMI,
		InstanceType:        entry.InstanceType,
		KeyName:             p.KeyName,
		SecurityGroups:      p.SecurityGroups,
		Subnets:             p.Subnets,
		InstanceProfileName: p.InstanceProfile,
		MinSize:             minSize,
		MaxSize:             maxSize,
		DesiredSize:         desiredSize,
		Tags:                tags,
		CreateIfExists:      options.CreateIfExists,
		RollIfNeeded:        options.RollIfNeeded,
		Spotinst:            deploy.IsTruthy(entry.Spotinst),
		SpotinstReserve:     entry.SpotinstReserve,
	}
	if deploy.IsTruthy(p.Options.HostclassOptionDefault(entry.Hostclass, "elb", "no")) {
		elbID, err := elb.ID(p.Environment, entry.Hostclass, options.Testing)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		spec.LoadBalancers = []string{elbID}
	}
	return spec, nil
}

// Spinup creates or updates one group per pipeline entry
func (p *Provisioner) Spinup(ctx context.Context, entries []deploy.Entry, options deploy.SpinupOptions) error {
	for _, entry := range entries {
		spec, err := p.specFromEntry(entry, options)
		if err != nil {
			return trace.Wrap(err)
		}
		p.Infof("Spinning up %v.", entry.Hostclass)
		if _, err := p.Groups.CreateOrUpdateGroup(ctx, *spec); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func fromEC2Instance(instance *ec2.Instance) deploy.Instance {
	result := deploy.Instance{
		ID:         aws.StringValue(instance.InstanceId),
		PrivateIP:  aws.StringValue(instance.PrivateIpAddress),
		ImageID:    aws.StringValue(instance.ImageId),
		LaunchTime: aws.TimeValue(instance.LaunchTime),
	}
	for _, tag := range instance.Tags {
		if aws.StringValue(tag.Key) == tagHostclass {
			result.Hostclass = aws.StringValue(tag.Value)
		}
	}
	return result
}

func (p *Provisioner) describeInstances(ctx context.Context, input *ec2.DescribeInstancesInput) ([]deploy.Instance, error) {
	var result []deploy.Instance
	for {
		var resp *ec2.DescribeInstancesOutput
		err := retry.ThrottledCall(ctx, func() (err error) {
			resp, err = p.EC2.DescribeInstancesWithContext(ctx, input)
			return err
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, reservation := range resp.Reservations {
			for _, instance := range reservation.Instances {
				result = append(result, fromEC2Instance(instance))
			}
		}
		if resp.NextToken == nil {
			return result, nil
		}
		input.NextToken = resp.NextToken
	}
}

// Instances returns metadata for the given running instances, or for
// every running instance in the environment when ids is nil
func (p *Provisioner) Instances(ctx context.Context, instanceIDs []string) ([]deploy.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("instance-state-name"),
			Values: aws.StringSlice([]string{defaults.StateRunning}),
		}},
	}
	if instanceIDs != nil {
		input.InstanceIds = aws.StringSlice(instanceIDs)
	} else {
		input.Filters = append(input.Filters, &ec2.Filter{
			Name:   aws.String("tag:" + tagEnvironment),
			Values: aws.StringSlice([]string{p.Environment}),
		})
	}
	return p.describeInstances(ctx, input)
}

// InstancesFromHostclasses returns the environment's running instances of
// the given hostclasses
func (p *Provisioner) InstancesFromHostclasses(ctx context.Context, hostclasses []string) ([]deploy.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{
			{
				Name:   aws.String("instance-state-name"),
				Values: aws.StringSlice([]string{defaults.StateRunning}),
			},
			{
				Name:   aws.String("tag:" + tagEnvironment),
				Values: aws.StringSlice([]string{p.Environment}),
			},
			{
				Name:   aws.String("tag:" + tagHostclass),
				Values: aws.StringSlice(hostclasses),
			},
		},
	}
	return p.describeInstances(ctx, input)
}

// fetchInstanceState returns the provider-reported state of the instance
// regardless of whether it is running
func (p *Provisioner) fetchInstanceState(ctx context.Context, instanceID string) (string, error) {
	var resp *ec2.DescribeInstancesOutput
	err := retry.ThrottledCall(ctx, func() (err error) {
		resp, err = p.EC2.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: aws.StringSlice([]string{instanceID}),
		})
		return err
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	for _, reservation := range resp.Reservations {
		for _, instance := range reservation.Instances {
			return aws.StringValue(instance.State.Name), nil
		}
	}
	return "", trace.NotFound("instance %v not found", instanceID)
}

// WaitForAutoscaling blocks until at least minCount running instances of
// the image are members of the group
func (p *Provisioner) WaitForAutoscaling(ctx context.Context, imageID string, minCount int64, groupName string) error {
	p.Infof("Waiting for %v instances of %v in group %v.", minCount, imageID, groupName)
	return retry.Call(ctx, retry.Policy{
		Timeout: p.optionTimeout("", "autoscaling_timeout", defaults.WaitForStateTimeout),
		Clock:   p.Clock,
		TimeoutError: func(elapsed time.Duration) error {
			return retry.NewTimeoutError(elapsed,
				"timed out waiting for %v instances of %v in group %v", minCount, imageID, groupName)
		},
	}, func() error {
		members, err := p.Groups.GetInstances(ctx, "", groupName)
		if err != nil {
			return trace.Wrap(err)
		}
		ids := make([]string, 0, len(members))
		for _, member := range members {
			ids = append(ids, member.InstanceID)
		}
		var count int64
		if len(ids) != 0 {
			instances, err := p.Instances(ctx, ids)
			if err != nil {
				return trace.Wrap(err)
			}
			for _, instance := range instances {
				if instance.ImageID == imageID {
					count++
				}
			}
		}
		if count < minCount {
			return trace.CompareFailed("only %v of %v instances of %v running in group %v",
				count, minCount, imageID, groupName)
		}
		return nil
	})
}

// optionTimeout reads a seconds-valued option, falling back to the
// supplied default when unset or malformed
func (p *Provisioner) optionTimeout(hostclass, key string, fallback time.Duration) time.Duration {
	value := p.Options.HostclassOptionDefault(hostclass, key, "")
	if value == "" {
		return fallback
	}
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		p.Warnf("Ignoring malformed %v option %q.", key, value)
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// SmokeTestOnce blocks until the instance boots and answers a trivial
// remote command, which is what passing the smoke test means: the boot
// scripts only open ssh once they have finished successfully
func (p *Provisioner) SmokeTestOnce(ctx context.Context, instance deploy.Instance) error {
	user := p.Options.HostclassOptionDefault(instance.Hostclass, "smoke_user", "")
	return wait.ForSSHable(ctx, wait.SSHableConfig{
		InstanceID: instance.ID,
		FetchState: func(ctx context.Context) (string, error) {
			return p.fetchInstanceState(ctx, instance.ID)
		},
		RemoteCmd: func(ctx context.Context, instanceID string, argv []string) (int, string, error) {
			host := instance.PrivateIP
			if host == "" {
				fetched, err := p.Instances(ctx, []string{instanceID})
				if err != nil {
					return 0, "", trace.Wrap(err)
				}
				if len(fetched) == 0 {
					return 0, "", trace.NotFound("instance %v is not running", instanceID)
				}
				host = fetched[0].PrivateIP
			}
			code, output, err := p.Runner.Run(ctx, host, argv, user)
			return code, string(output), trace.Wrap(err)
		},
		Timeout: p.optionTimeout(instance.Hostclass, "smoke_timeout", defaults.WaitForSSHableTimeout),
		Clock:   p.Clock,
	})
}

// SmokeTest blocks until every instance passes its boot smoke test
func (p *Provisioner) SmokeTest(ctx context.Context, instances []deploy.Instance) error {
	for _, instance := range instances {
		if err := p.SmokeTestOnce(ctx, instance); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// RemoteCommand runs a command on the instance over ssh and returns its
// exit code and combined output
func (p *Provisioner) RemoteCommand(ctx context.Context, instance deploy.Instance, command []string, user string) (int, []byte, error) {
	host := instance.PrivateIP
	if host == "" {
		fetched, err := p.Instances(ctx, []string{instance.ID})
		if err != nil {
			return 0, nil, trace.Wrap(err)
		}
		if len(fetched) == 0 {
			return 0, nil, trace.NotFound("instance %v is not running", instance.ID)
		}
		host = fetched[0].PrivateIP
	}
	return p.Runner.Run(ctx, host, command, user)
}

// CreateScalingSchedule replaces the group's recurring capacity overrides
// with ones derived from pipeline-syntax sizes. Plain integer sizes carry
// no schedule so they only clear existing overrides.
func (p *Provisioner) CreateScalingSchedule(ctx context.Context, hostclass, groupName string, minSize, desiredSize, maxSize string) error {
	minSizes, err := deploy.SizeAsRecurrenceMap(minSize, "")
	if err != nil {
		return trace.Wrap(err)
	}
	desiredSizes, err := deploy.SizeAsRecurrenceMap(desiredSize, "")
	if err != nil {
		return trace.Wrap(err)
	}
	maxSizes, err := deploy.SizeAsRecurrenceMap(maxSize, "")
	if err != nil {
		return trace.Wrap(err)
	}
	if err := p.Groups.DeleteAllRecurringGroupActions(ctx, hostclass, groupName); err != nil {
		return trace.Wrap(err)
	}
	recurrences := make(map[string]struct{})
	for recurrence := range minSizes {
		recurrences[recurrence] = struct{}{}
	}
	for recurrence := range desiredSizes {
		recurrences[recurrence] = struct{}{}
	}
	for recurrence := range maxSizes {
		recurrences[recurrence] = struct{}{}
	}
	for recurrence := range recurrences {
		if recurrence == "" {
			continue
		}
		err := p.Groups.CreateRecurringGroupAction(ctx, recurrence,
			minSizes[recurrence], desiredSizes[recurrence], maxSizes[recurrence],
			hostclass, groupName)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}
