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

package group

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"strings"

	"github.com/asiaq/asiaq/lib/defaults"
	"github.com/asiaq/asiaq/lib/retry"
	"github.com/asiaq/asiaq/lib/wait"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/ec2"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// defaultTerminationPolicies retires the stalest launch configuration first
var defaultTerminationPolicies = []string{"OldestLaunchConfiguration"}

// AutoscaleConfig is the fixed-capacity backend configuration
type AutoscaleConfig struct {
	// Environment is the environment all operations are scoped to
	Environment string
	// AutoScaling is the injected Auto Scaling service client
	AutoScaling AutoScaling
	// EC2 is the injected EC2 service client
	EC2 EC2
	// Clock stamps new group names, defaults to the wall clock
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values
func (c *AutoscaleConfig) CheckAndSetDefaults() error {
	if c.Environment == "" {
		return trace.BadParameter("missing parameter Environment")
	}
	if c.AutoScaling == nil {
		return trace.BadParameter("missing parameter AutoScaling")
	}
	if c.EC2 == nil {
		return trace.BadParameter("missing parameter EC2")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Autoscale is the fixed-capacity group backend built on EC2 Auto Scaling
type Autoscale struct {
	AutoscaleConfig
	*log.Entry
}

// NewAutoscale returns a new fixed-capacity group backend
func NewAutoscale(config AutoscaleConfig) (*Autoscale, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Autoscale{
		AutoscaleConfig: config,
		Entry:           log.WithFields(log.Fields{trace.Component: "autoscale"}),
	}, nil
}

func (a *Autoscale) envPrefix() string {
	return a.Environment + "_"
}

func (a *Autoscale) newLaunchConfigName(hostclass string) string {
	return fmt.Sprintf("%v_%v_%v", a.Environment, hostclass, rand.Intn(9999999))
}

func fromAWSGroup(g *autoscaling.Group) *Group {
	tags := make(map[string]string, len(g.Tags))
	for _, tag := range g.Tags {
		tags[aws.StringValue(tag.Key)] = aws.StringValue(tag.Value)
	}
	return &Group{
		Name:                aws.StringValue(g.AutoScalingGroupName),
		Kind:                KindAutoscale,
		MinSize:             aws.Int64Value(g.MinSize),
		MaxSize:             aws.Int64Value(g.MaxSize),
		DesiredCapacity:     aws.Int64Value(g.DesiredCapacity),
		LaunchConfigName:    aws.StringValue(g.LaunchConfigurationName),
		VPCZoneIdentifier:   aws.StringValue(g.VPCZoneIdentifier),
		TerminationPolicies: aws.StringValueSlice(g.TerminationPolicies),
		LoadBalancers:       aws.StringValueSlice(g.LoadBalancerNames),
		TargetGroups:        aws.StringValueSlice(g.TargetGroupARNs),
		Tags:                tags,
	}
}

// describeGroups returns all autoscaling groups in the environment,
// following pagination
func (a *Autoscale) describeGroups(ctx context.Context, groupNames []string) ([]*Group, error) {
	var groups []*Group
	input := &autoscaling.DescribeAutoScalingGroupsInput{}
	if len(groupNames) != 0 {
		input.AutoScalingGroupNames = aws.StringSlice(groupNames)
	}
	for {
		var resp *autoscaling.DescribeAutoScalingGroupsOutput
		err := retry.ThrottledCall(ctx, func() (err error) {
			resp, err = a.AutoScaling.DescribeAutoScalingGroupsWithContext(ctx, input)
			return err
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, g := range resp.AutoScalingGroups {
			if strings.HasPrefix(aws.StringValue(g.AutoScalingGroupName), a.envPrefix()) {
				groups = append(groups, fromAWSGroup(g))
			}
		}
		if aws.StringValue(resp.NextToken) == "" {
			return groups, nil
		}
		input.NextToken = resp.NextToken
	}
}

// GetExistingGroups returns all groups for the hostclass or group name,
// sorted by most recent creation first
func (a *Autoscale) GetExistingGroups(ctx context.Context, hostclass, groupName string) ([]*Group, error) {
	var names []string
	if groupName != "" {
		names = []string{groupName}
	}
	groups, err := a.describeGroups(ctx, names)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	filtered := groups[:0]
	for _, g := range groups {
		if hostclass == "" || HostclassFromGroupName(g.Name) == hostclass {
			filtered = append(filtered, g)
		}
	}
	SortNewestFirst(filtered)
	return filtered, nil
}

// GetExistingGroup returns the single newest matching group, nil if none
// exists, or TooManyGroupsError per the selection contract
func (a *Autoscale) GetExistingGroup(ctx context.Context, hostclass, groupName string, throwOnTwoGroups bool) (*Group, error) {
	groups, err := a.GetExistingGroups(ctx, hostclass, groupName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return SelectExisting(groups, hostclass, throwOnTwoGroups)
}

// GetInstances returns autoscaled instances in the current environment
func (a *Autoscale) GetInstances(ctx context.Context, hostclass, groupName string) ([]Instance, error) {
	var instances []Instance
	input := &autoscaling.DescribeAutoScalingInstancesInput{}
	for {
		var resp *autoscaling.DescribeAutoScalingInstancesOutput
		err := retry.ThrottledCall(ctx, func() (err error) {
			resp, err = a.AutoScaling.DescribeAutoScalingInstancesWithContext(ctx, input)
			return err
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, details := range resp.AutoScalingInstances {
			name := aws.StringValue(details.AutoScalingGroupName)
			if !strings.HasPrefix(name, a.envPrefix()) {
				continue
			}
			if hostclass != "" && HostclassFromGroupName(name) != hostclass {
				continue
			}
			if groupName != "" && name != groupName {
				continue
			}
			instances = append(instances, Instance{
				InstanceID: aws.StringValue(details.InstanceId),
				GroupName:  name,
			})
		}
		if aws.StringValue(resp.NextToken) == "" {
			return instances, nil
		}
		input.NextToken = resp.NextToken
	}
}

// ListGroups returns display rows for all groups in the environment
func (a *Autoscale) ListGroups(ctx context.Context) ([]Listing, error) {
	groups, err := a.GetExistingGroups(ctx, "", "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	instances, err := a.GetInstances(ctx, "", "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	memberCount := make(map[string]int)
	for _, instance := range instances {
		memberCount[instance.GroupName]++
	}
	listings := make([]Listing, 0, len(groups))
	for _, g := range groups {
		imageID, err := a.launchConfigImageID(ctx, g.LaunchConfigName)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		listings = append(listings, Listing{
			Name:            g.Name,
			ImageID:         imageID,
			InstanceCount:   memberCount[g.Name],
			MinSize:         g.MinSize,
			DesiredCapacity: g.DesiredCapacity,
			MaxSize:         g.MaxSize,
			Kind:            KindAutoscale,
			Tags:            g.Tags,
		})
	}
	return listings, nil
}

func (a *Autoscale) launchConfigImageID(ctx context.Context, configName string) (string, error) {
	if configName == "" {
		return "", nil
	}
	var resp *autoscaling.DescribeLaunchConfigurationsOutput
	err := retry.ThrottledCall(ctx, func() (err error) {
		resp, err = a.AutoScaling.DescribeLaunchConfigurationsWithContext(ctx,
			&autoscaling.DescribeLaunchConfigurationsInput{
				LaunchConfigurationNames: aws.StringSlice([]string{configName}),
			})
		return err
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	if len(resp.LaunchConfigurations) == 0 {
		return "", nil
	}
	return aws.StringValue(resp.LaunchConfigurations[0].ImageId), nil
}

// createLaunchConfig registers a fresh launch configuration for the spec
// and returns its name
func (a *Autoscale) createLaunchConfig(ctx context.Context, spec Spec) (string, error) {
	name := a.newLaunchConfigName(spec.Hostclass)
	input := &autoscaling.CreateLaunchConfigurationInput{
		LaunchConfigurationName: aws.String(name),
		ImageId:                 aws.String(spec.ImageID),
		// spot backends accept colon-separated alternatives, ASGs take the first
		InstanceType:       aws.String(strings.Split(spec.InstanceType, ":")[0]),
		InstanceMonitoring: &autoscaling.InstanceMonitoring{Enabled: aws.Bool(spec.InstanceMonitoring)},
		EbsOptimized:       aws.Bool(spec.EBSOptimized),
	}
	if spec.KeyName != "" {
		input.KeyName = aws.String(spec.KeyName)
	}
	if len(spec.SecurityGroups) != 0 {
		input.SecurityGroups = aws.StringSlice(spec.SecurityGroups)
	}
	if spec.InstanceProfileName != "" {
		input.IamInstanceProfile = aws.String(spec.InstanceProfileName)
	}
	if spec.UserData != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData)))
	}
	if spec.AssociatePublicIP {
		input.AssociatePublicIpAddress = aws.Bool(true)
	}
	err := retry.ThrottledCall(ctx, func() (err error) {
		_, err = a.AutoScaling.CreateLaunchConfigurationWithContext(ctx, input)
		return err
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return name, nil
}

func (a *Autoscale) deleteLaunchConfig(ctx context.Context, configName string) error {
	if configName == "" {
		return nil
	}
	a.Infof("Deleting launch configuration %v.", configName)
	err := retry.ThrottledCall(ctx, func() (err error) {
		_, err = a.AutoScaling.DeleteLaunchConfigurationWithContext(ctx,
			&autoscaling.DeleteLaunchConfigurationInput{
				LaunchConfigurationName: aws.String(configName),
			})
		return err
	})
	return trace.Wrap(err)
}

// resolveSizes applies the create-time sizing rules: min defaults to 0,
// max covers every requested bound, desired falls back to max
func resolveSizes(spec Spec) (minSize, desiredSize, maxSize int64) {
	minSize = aws.Int64Value(spec.MinSize)
	maxSize = aws.Int64Value(spec.MaxSize)
	desiredSize = aws.Int64Value(spec.DesiredSize)
	if minSize > maxSize {
		maxSize = minSize
	}
	if desiredSize > maxSize {
		maxSize = desiredSize
	}
	if desiredSize == 0 {
		desiredSize = maxSize
	}
	return minSize, desiredSize, maxSize
}

func autoscaleTags(groupName string, tags map[string]string) []*autoscaling.Tag {
	var result []*autoscaling.Tag
	for key, value := range tags {
		result = append(result, &autoscaling.Tag{
			Key:               aws.String(key),
			Value:             aws.String(value),
			ResourceId:        aws.String(groupName),
			ResourceType:      aws.String("auto-scaling-group"),
			PropagateAtLaunch: aws.Bool(true),
		})
	}
	return result
}

func (a *Autoscale) createGroup(ctx context.Context, spec Spec, launchConfig string) (*Group, error) {
	minSize, desiredSize, maxSize := resolveSizes(spec)
	terminationPolicies := spec.TerminationPolicies
	if len(terminationPolicies) == 0 {
		terminationPolicies = defaultTerminationPolicies
	}
	groupName := NewGroupName(a.Environment, spec.Hostclass, a.Clock.Now().Unix())
	subnetIDs := make([]string, 0, len(spec.Subnets))
	for _, subnet := range spec.Subnets {
		subnetIDs = append(subnetIDs, subnet.ID)
	}
	input := &autoscaling.CreateAutoScalingGroupInput{
		AutoScalingGroupName:    aws.String(groupName),
		LaunchConfigurationName: aws.String(launchConfig),
		MinSize:                 aws.Int64(minSize),
		MaxSize:                 aws.Int64(maxSize),
		DesiredCapacity:         aws.Int64(desiredSize),
		VPCZoneIdentifier:       aws.String(strings.Join(subnetIDs, ",")),
		TerminationPolicies:     aws.StringSlice(terminationPolicies),
		Tags:                    autoscaleTags(groupName, spec.Tags),
	}
	if len(spec.LoadBalancers) != 0 {
		input.LoadBalancerNames = aws.StringSlice(spec.LoadBalancers)
	}
	err := retry.ThrottledCall(ctx, func() (err error) {
		_, err = a.AutoScaling.CreateAutoScalingGroupWithContext(ctx, input)
		return err
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if spec.TargetGroups != nil {
		if _, _, err := a.UpdateTargetGroups(ctx, spec.TargetGroups, "", groupName); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return &Group{
		Name:                groupName,
		Kind:                KindAutoscale,
		MinSize:             minSize,
		MaxSize:             maxSize,
		DesiredCapacity:     desiredSize,
		LaunchConfigName:    launchConfig,
		VPCZoneIdentifier:   strings.Join(subnetIDs, ","),
		TerminationPolicies: terminationPolicies,
		LoadBalancers:       spec.LoadBalancers,
		TargetGroups:        spec.TargetGroups,
		Tags:                spec.Tags,
	}, nil
}

func (a *Autoscale) modifyGroup(ctx context.Context, existing *Group, spec Spec, launchConfig string) (*Group, error) {
	updated := *existing
	updated.LaunchConfigName = launchConfig
	input := &autoscaling.UpdateAutoScalingGroupInput{
		AutoScalingGroupName:    aws.String(existing.Name),
		LaunchConfigurationName: aws.String(launchConfig),
	}
	if spec.MinSize != nil {
		updated.MinSize = *spec.MinSize
		input.MinSize = spec.MinSize
	}
	if spec.MaxSize != nil {
		updated.MaxSize = *spec.MaxSize
		input.MaxSize = spec.MaxSize
	}
	if spec.DesiredSize != nil {
		updated.DesiredCapacity = *spec.DesiredSize
		input.DesiredCapacity = spec.DesiredSize
	}
	if len(spec.TerminationPolicies) != 0 {
		updated.TerminationPolicies = spec.TerminationPolicies
		input.TerminationPolicies = aws.StringSlice(spec.TerminationPolicies)
	}
	err := retry.ThrottledCall(ctx, func() (err error) {
		_, err = a.AutoScaling.UpdateAutoScalingGroupWithContext(ctx, input)
		return err
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(spec.Tags) != 0 {
		err := retry.ThrottledCall(ctx, func() (err error) {
			_, err = a.AutoScaling.CreateOrUpdateTagsWithContext(ctx,
				&autoscaling.CreateOrUpdateTagsInput{Tags: autoscaleTags(existing.Name, spec.Tags)})
			return err
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if spec.TargetGroups != nil {
		if _, _, err := a.UpdateTargetGroups(ctx, spec.TargetGroups, "", existing.Name); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if spec.LoadBalancers != nil {
		if _, _, err := a.UpdateLoadBalancers(ctx, spec.LoadBalancers, "", existing.Name); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return &updated, nil
}

// CreateOrUpdateGroup creates a group with a fresh launch configuration,
// or updates the existing group's launch configuration and any changed
// sizing, tag and attachment fields in place
func (a *Autoscale) CreateOrUpdateGroup(ctx context.Context, spec Spec) (*Group, error) {
	launchConfig, err := a.createLaunchConfig(ctx, spec)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	existing, err := a.GetExistingGroup(ctx, spec.Hostclass, spec.GroupName, false)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var result *Group
	if spec.CreateIfExists || existing == nil {
		result, err = a.createGroup(ctx, spec, launchConfig)
	} else {
		result, err = a.modifyGroup(ctx, existing, spec, launchConfig)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// default scaling policies, 10% either way
	for _, policy := range []PolicySpec{
		{GroupName: result.Name, PolicyName: "up", ScalingAdjustment: 10},
		{GroupName: result.Name, PolicyName: "down", ScalingAdjustment: -10},
	} {
		policy.PolicyType = "SimpleScaling"
		policy.AdjustmentType = "PercentChangeInCapacity"
		policy.MinAdjustmentMagnitude = 1
		policy.Cooldown = 600
		if err := a.CreatePolicy(ctx, policy); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return result, nil
}

// DeleteGroups deletes matching groups along with their launch
// configurations. Groups that refuse deletion are logged and skipped.
func (a *Autoscale) DeleteGroups(ctx context.Context, hostclass, groupName string, force bool) error {
	groups, err := a.GetExistingGroups(ctx, hostclass, groupName)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, g := range groups {
		a.Infof("Deleting group %v.", g.Name)
		err := retry.ThrottledCall(ctx, func() (err error) {
			_, err = a.AutoScaling.DeleteAutoScalingGroupWithContext(ctx,
				&autoscaling.DeleteAutoScalingGroupInput{
					AutoScalingGroupName: aws.String(g.Name),
					ForceDelete:          aws.Bool(force),
				})
			return err
		})
		if err != nil {
			a.Infof("Unable to delete group %v: %v. Force delete is set to %v.",
				g.Name, trace.UserMessage(err), force)
			continue
		}
		if err := a.deleteLaunchConfig(ctx, g.LaunchConfigName); err != nil {
			a.Infof("Unable to delete launch configuration %v: %v.",
				g.LaunchConfigName, trace.UserMessage(err))
		}
	}
	return nil
}

// ScaledownGroups forces matching groups to zero capacity. When wait is
// set it blocks until every member instance is terminated; waiter
// failures are swallowed when noError is set.
func (a *Autoscale) ScaledownGroups(ctx context.Context, hostclass, groupName string, waitForTermination, noError bool) error {
	groups, err := a.GetExistingGroups(ctx, hostclass, groupName)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, g := range groups {
		a.Infof("Scaling down group %v.", g.Name)
		err := retry.ThrottledCall(ctx, func() (err error) {
			_, err = a.AutoScaling.UpdateAutoScalingGroupWithContext(ctx,
				&autoscaling.UpdateAutoScalingGroupInput{
					AutoScalingGroupName: aws.String(g.Name),
					MinSize:              aws.Int64(0),
					MaxSize:              aws.Int64(0),
					DesiredCapacity:      aws.Int64(0),
				})
			return err
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if waitForTermination {
			if err := a.waitInstanceTermination(ctx, g.Name); err != nil {
				if !noError {
					return trace.Wrap(err)
				}
				a.WithError(err).Warnf("Unable to wait for scaling down of %v.", g.Name)
			}
		}
	}
	return nil
}

// waitInstanceTermination blocks until every member of the group reports
// the terminated state
func (a *Autoscale) waitInstanceTermination(ctx context.Context, groupName string) error {
	instances, err := a.GetInstances(ctx, "", groupName)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(instances) == 0 {
		return nil
	}
	instanceIDs := make([]string, 0, len(instances))
	for _, instance := range instances {
		instanceIDs = append(instanceIDs, instance.InstanceID)
	}
	a.Infof("Waiting for scaledown of group %v.", groupName)
	return wait.ForAllStates(ctx, wait.CollectionConfig{
		Name:    fmt.Sprintf("instances of %v", groupName),
		Target:  defaults.StateTerminated,
		Timeout: defaults.InstanceTerminationTimeout,
		Clock:   a.Clock,
		Fetch: func(ctx context.Context) ([]string, error) {
			var resp *ec2.DescribeInstancesOutput
			err := retry.ThrottledCall(ctx, func() (err error) {
				resp, err = a.EC2.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
					InstanceIds: aws.StringSlice(instanceIDs),
				})
				return err
			})
			if err != nil {
				return nil, trace.Wrap(err)
			}
			var states []string
			for _, reservation := range resp.Reservations {
				for _, instance := range reservation.Instances {
					if instance.State != nil {
						states = append(states, aws.StringValue(instance.State.Name))
					}
				}
			}
			return states, nil
		},
	})
}

// Terminate terminates an instance through the autoscaling API. With
// decrementCapacity the group will not immediately replace it.
func (a *Autoscale) Terminate(ctx context.Context, instanceID string, decrementCapacity bool) error {
	err := retry.ThrottledCall(ctx, func() (err error) {
		_, err = a.AutoScaling.TerminateInstanceInAutoScalingGroupWithContext(ctx,
			&autoscaling.TerminateInstanceInAutoScalingGroupInput{
				InstanceId:                     aws.String(instanceID),
				ShouldDecrementDesiredCapacity: aws.Bool(decrementCapacity),
			})
		return err
	})
	return trace.Wrap(err)
}

// CreateRecurringGroupAction installs a recurring capacity override on
// every matching group
func (a *Autoscale) CreateRecurringGroupAction(ctx context.Context, recurrence string, minSize, desiredCapacity, maxSize *int64, hostclass, groupName string) error {
	groups, err := a.GetExistingGroups(ctx, hostclass, groupName)
	if err != nil {
		return trace.Wrap(err)
	}
	sanitized := strings.NewReplacer("*", "star", " ", "_").Replace(recurrence)
	for _, g := range groups {
		actionName := fmt.Sprintf("%v_%v", g.Name, sanitized)
		a.Infof("Creating scheduled action %v.", actionName)
		err := retry.ThrottledCall(ctx, func() (err error) {
			_, err = a.AutoScaling.PutScheduledUpdateGroupActionWithContext(ctx,
				&autoscaling.PutScheduledUpdateGroupActionInput{
					AutoScalingGroupName: aws.String(g.Name),
					ScheduledActionName:  aws.String(actionName),
					Recurrence:           aws.String(recurrence),
					MinSize:              minSize,
					DesiredCapacity:      desiredCapacity,
					MaxSize:              maxSize,
				})
			return err
		})
		if err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// DeleteAllRecurringGroupActions removes every recurring scheduled action
// from matching groups
func (a *Autoscale) DeleteAllRecurringGroupActions(ctx context.Context, hostclass, groupName string) error {
	groups, err := a.GetExistingGroups(ctx, hostclass, groupName)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, g := range groups {
		var resp *autoscaling.DescribeScheduledActionsOutput
		err := retry.ThrottledCall(ctx, func() (err error) {
			resp, err = a.AutoScaling.DescribeScheduledActionsWithContext(ctx,
				&autoscaling.DescribeScheduledActionsInput{
					AutoScalingGroupName: aws.String(g.Name),
				})
			return err
		})
		if err != nil {
			return trace.Wrap(err)
		}
		for _, action := range resp.ScheduledUpdateGroupActions {
			if aws.StringValue(action.Recurrence) == "" {
				continue
			}
			a.Infof("Deleting scheduled action %v for group %v.",
				aws.StringValue(action.ScheduledActionName), g.Name)
			err := retry.ThrottledCall(ctx, func() (err error) {
				_, err = a.AutoScaling.DeleteScheduledActionWithContext(ctx,
					&autoscaling.DeleteScheduledActionInput{
						AutoScalingGroupName: aws.String(g.Name),
						ScheduledActionName:  action.ScheduledActionName,
					})
				return err
			})
			if err != nil {
				return trace.Wrap(err)
			}
		}
	}
	return nil
}

// UpdateLoadBalancers diffs the desired classic load balancer set against
// the group's current attachments. A nil desired set leaves attachments
// unchanged; an empty non-nil set detaches everything.
func (a *Autoscale) UpdateLoadBalancers(ctx context.Context, elbNames []string, hostclass, groupName string) (added, removed []string, err error) {
	if elbNames == nil {
		return nil, nil, nil
	}
	g, err := a.GetExistingGroup(ctx, hostclass, groupName, false)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if g == nil {
		a.Warnf("Auto scaling group %v does not exist, cannot change load balancers.",
			firstNonEmpty(hostclass, groupName))
		return nil, nil, nil
	}
	added, removed = diffStrings(elbNames, g.LoadBalancers)
	if len(added) == 0 && len(removed) == 0 {
		return nil, nil, nil
	}
	a.Infof("Updating load balancers for group %v from [%v] to [%v].",
		g.Name, strings.Join(g.LoadBalancers, ", "), strings.Join(elbNames, ", "))
	if len(added) != 0 {
		err := retry.ThrottledCall(ctx, func() (err error) {
			_, err = a.AutoScaling.AttachLoadBalancersWithContext(ctx,
				&autoscaling.AttachLoadBalancersInput{
					AutoScalingGroupName: aws.String(g.Name),
					LoadBalancerNames:    aws.StringSlice(added),
				})
			return err
		})
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
	}
	if len(removed) != 0 {
		err := retry.ThrottledCall(ctx, func() (err error) {
			_, err = a.AutoScaling.DetachLoadBalancersWithContext(ctx,
				&autoscaling.DetachLoadBalancersInput{
					AutoScalingGroupName: aws.String(g.Name),
					LoadBalancerNames:    aws.StringSlice(removed),
				})
			return err
		})
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
	}
	return added, removed, nil
}

// UpdateTargetGroups is UpdateLoadBalancers for target group ARNs
func (a *Autoscale) UpdateTargetGroups(ctx context.Context, targetGroupARNs []string, hostclass, groupName string) (added, removed []string, err error) {
	if targetGroupARNs == nil {
		return nil, nil, nil
	}
	g, err := a.GetExistingGroup(ctx, hostclass, groupName, false)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if g == nil {
		a.Warnf("Auto scaling group %v does not exist, cannot change target groups.",
			firstNonEmpty(hostclass, groupName))
		return nil, nil, nil
	}
	added, removed = diffStrings(targetGroupARNs, g.TargetGroups)
	if len(added) == 0 && len(removed) == 0 {
		return nil, nil, nil
	}
	a.Infof("Updating target groups for group %v from [%v] to [%v].",
		g.Name, strings.Join(g.TargetGroups, ", "), strings.Join(targetGroupARNs, ", "))
	if len(added) != 0 {
		err := retry.ThrottledCall(ctx, func() (err error) {
			_, err = a.AutoScaling.AttachLoadBalancerTargetGroupsWithContext(ctx,
				&autoscaling.AttachLoadBalancerTargetGroupsInput{
					AutoScalingGroupName: aws.String(g.Name),
					TargetGroupARNs:      aws.StringSlice(added),
				})
			return err
		})
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
	}
	if len(removed) != 0 {
		err := retry.ThrottledCall(ctx, func() (err error) {
			_, err = a.AutoScaling.DetachLoadBalancerTargetGroupsWithContext(ctx,
				&autoscaling.DetachLoadBalancerTargetGroupsInput{
					AutoScalingGroupName: aws.String(g.Name),
					TargetGroupARNs:      aws.StringSlice(removed),
				})
			return err
		})
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
	}
	return added, removed, nil
}

// CreatePolicy creates or updates a scaling policy
func (a *Autoscale) CreatePolicy(ctx context.Context, spec PolicySpec) error {
	input := &autoscaling.PutScalingPolicyInput{
		AutoScalingGroupName: aws.String(spec.GroupName),
		PolicyName:           aws.String(spec.PolicyName),
		PolicyType:           aws.String(spec.PolicyType),
		AdjustmentType:       aws.String(spec.AdjustmentType),
	}
	switch spec.PolicyType {
	case "SimpleScaling":
		input.ScalingAdjustment = aws.Int64(spec.ScalingAdjustment)
		input.Cooldown = aws.Int64(spec.Cooldown)
		// MinAdjustmentMagnitude is only legal for percentage adjustments
		if spec.AdjustmentType == "PercentChangeInCapacity" {
			input.MinAdjustmentMagnitude = aws.Int64(spec.MinAdjustmentMagnitude)
		}
	case "StepScaling":
		input.MetricAggregationType = aws.String(spec.MetricAggregationType)
		input.EstimatedInstanceWarmup = aws.Int64(spec.EstimatedInstanceWarmup)
	}
	a.Infof("Creating autoscaling policy %q in autoscaling group %q.", spec.PolicyName, spec.GroupName)
	err := retry.ThrottledCall(ctx, func() (err error) {
		_, err = a.AutoScaling.PutScalingPolicyWithContext(ctx, input)
		return err
	})
	return trace.Wrap(err)
}

// DeletePolicy deletes a scaling policy
func (a *Autoscale) DeletePolicy(ctx context.Context, policyName, groupName string) error {
	err := retry.ThrottledCall(ctx, func() (err error) {
		_, err = a.AutoScaling.DeletePolicyWithContext(ctx, &autoscaling.DeletePolicyInput{
			PolicyName:           aws.String(policyName),
			AutoScalingGroupName: aws.String(groupName),
		})
		return err
	})
	return trace.Wrap(err)
}

// ListPolicies returns scaling policies for groups in the environment
func (a *Autoscale) ListPolicies(ctx context.Context, groupName string) ([]Policy, error) {
	input := &autoscaling.DescribePoliciesInput{}
	if groupName != "" {
		input.AutoScalingGroupName = aws.String(groupName)
	}
	var policies []Policy
	for {
		var resp *autoscaling.DescribePoliciesOutput
		err := retry.ThrottledCall(ctx, func() (err error) {
			resp, err = a.AutoScaling.DescribePoliciesWithContext(ctx, input)
			return err
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, p := range resp.ScalingPolicies {
			name := aws.StringValue(p.AutoScalingGroupName)
			if !strings.HasPrefix(name, a.envPrefix()) {
				continue
			}
			policies = append(policies, Policy{
				GroupName:         name,
				PolicyName:        aws.StringValue(p.PolicyName),
				PolicyType:        aws.StringValue(p.PolicyType),
				AdjustmentType:    aws.StringValue(p.AdjustmentType),
				ScalingAdjustment: aws.Int64Value(p.ScalingAdjustment),
				Cooldown:          aws.Int64Value(p.Cooldown),
			})
		}
		if aws.StringValue(resp.NextToken) == "" {
			return policies, nil
		}
		input.NextToken = resp.NextToken
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
