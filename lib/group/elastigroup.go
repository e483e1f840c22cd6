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
	"strconv"
	"strings"
	"time"

	"github.com/asiaq/asiaq/lib/defaults"
	"github.com/asiaq/asiaq/lib/retry"
	"github.com/asiaq/asiaq/lib/wait"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// ElastigroupConfig is the spot backend configuration
type ElastigroupConfig struct {
	// Environment is the environment all operations are scoped to
	Environment string
	// Client is the Spotinst API client
	Client *SpotinstClient
	// EC2 is the injected EC2 service client, used to watch members terminate
	EC2 EC2
	// Clock stamps new group names, defaults to the wall clock
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values
func (c *ElastigroupConfig) CheckAndSetDefaults() error {
	if c.Environment == "" {
		return trace.BadParameter("missing parameter Environment")
	}
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.EC2 == nil {
		return trace.BadParameter("missing parameter EC2")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// ElastigroupBackend is the spot-priced group backend built on Spotinst
// elastigroups
type ElastigroupBackend struct {
	ElastigroupConfig
	*log.Entry
}

// NewElastigroupBackend returns a new spot group backend
func NewElastigroupBackend(config ElastigroupConfig) (*ElastigroupBackend, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ElastigroupBackend{
		ElastigroupConfig: config,
		Entry:             log.WithFields(log.Fields{trace.Component: "elastigroup"}),
	}, nil
}

// getRawGroups returns the environment's elastigroups in their wire form,
// optionally narrowed to a hostclass or exact group name
func (e *ElastigroupBackend) getRawGroups(ctx context.Context, hostclass, groupName string) ([]*Elastigroup, error) {
	groups, err := e.Client.GetGroups(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	filtered := groups[:0]
	for _, g := range groups {
		if !strings.HasPrefix(g.Name, e.Environment+"_") {
			continue
		}
		if hostclass != "" && HostclassFromGroupName(g.Name) != hostclass {
			continue
		}
		if groupName != "" && g.Name != groupName {
			continue
		}
		filtered = append(filtered, g)
	}
	return filtered, nil
}

func fromElastigroup(g *Elastigroup) *Group {
	result := &Group{
		Name: g.Name,
		ID:   g.ID,
		Kind: KindSpot,
	}
	if g.Capacity != nil {
		result.MinSize = aws.Int64Value(g.Capacity.Minimum)
		result.MaxSize = aws.Int64Value(g.Capacity.Maximum)
		result.DesiredCapacity = aws.Int64Value(g.Capacity.Target)
	}
	if g.Compute != nil {
		var subnetIDs []string
		for _, zone := range g.Compute.AvailabilityZones {
			if zone.SubnetID != "" {
				subnetIDs = append(subnetIDs, zone.SubnetID)
			}
			subnetIDs = append(subnetIDs, zone.SubnetIDs...)
		}
		result.VPCZoneIdentifier = strings.Join(subnetIDs, ",")
		if spec := g.Compute.LaunchSpecification; spec != nil {
			result.ImageID = spec.ImageID
			if spec.LoadBalancersConfig != nil {
				for _, lb := range spec.LoadBalancersConfig.LoadBalancers {
					if lb.Type == "TARGET_GROUP" {
						result.TargetGroups = append(result.TargetGroups, lb.Arn)
					} else {
						result.LoadBalancers = append(result.LoadBalancers, lb.Name)
					}
				}
			}
			if len(spec.Tags) != 0 {
				result.Tags = make(map[string]string, len(spec.Tags))
				for _, tag := range spec.Tags {
					result.Tags[tag.TagKey] = tag.TagValue
				}
			}
		}
	}
	if g.Scheduling != nil {
		for _, task := range g.Scheduling.Tasks {
			result.ScheduledTasks = append(result.ScheduledTasks, ScheduledTask{
				Recurrence:      task.CronExpression,
				MinSize:         task.ScaleMinCapacity,
				DesiredCapacity: task.ScaleTargetCapacity,
				MaxSize:         task.ScaleMaxCapacity,
			})
		}
	}
	return result
}

// GetExistingGroups returns all matching elastigroups sorted by most
// recent creation first
func (e *ElastigroupBackend) GetExistingGroups(ctx context.Context, hostclass, groupName string) ([]*Group, error) {
	raw, err := e.getRawGroups(ctx, hostclass, groupName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	groups := make([]*Group, 0, len(raw))
	for _, g := range raw {
		groups = append(groups, fromElastigroup(g))
	}
	SortNewestFirst(groups)
	return groups, nil
}

// GetExistingGroup returns the single newest matching elastigroup, nil if
// none exists, or TooManyGroupsError per the selection contract
func (e *ElastigroupBackend) GetExistingGroup(ctx context.Context, hostclass, groupName string, throwOnTwoGroups bool) (*Group, error) {
	groups, err := e.GetExistingGroups(ctx, hostclass, groupName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return SelectExisting(groups, hostclass, throwOnTwoGroups)
}

// GetInstances returns elastigroup instances for the hostclass in the
// current environment. Members still being fulfilled by the spot market
// have an empty instance id.
func (e *ElastigroupBackend) GetInstances(ctx context.Context, hostclass, groupName string) ([]Instance, error) {
	groups, err := e.GetExistingGroups(ctx, hostclass, groupName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var instances []Instance
	for _, g := range groups {
		members, err := e.Client.GetGroupStatus(ctx, g.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, member := range members {
			instances = append(instances, Instance{
				InstanceID: member.InstanceID,
				GroupName:  g.Name,
			})
		}
	}
	return instances, nil
}

// ListGroups returns display rows for all elastigroups in the environment
func (e *ElastigroupBackend) ListGroups(ctx context.Context) ([]Listing, error) {
	groups, err := e.GetExistingGroups(ctx, "", "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	listings := make([]Listing, 0, len(groups))
	for _, g := range groups {
		members, err := e.Client.GetGroupStatus(ctx, g.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		listings = append(listings, Listing{
			Name:            g.Name,
			ImageID:         g.ImageID,
			InstanceCount:   len(members),
			MinSize:         g.MinSize,
			DesiredCapacity: g.DesiredCapacity,
			MaxSize:         g.MaxSize,
			Kind:            KindSpot,
			Tags:            g.Tags,
		})
	}
	return listings, nil
}

// riskConfig translates the reserve setting into the provider's strategy
// section: empty runs everything on the spot market, "N%" keeps N
// percent on demand, a bare number keeps that many instances on demand
func riskConfig(spotinstReserve string) (*ElastigroupStrategy, error) {
	if spotinstReserve == "" {
		return &ElastigroupStrategy{Risk: aws.Int64(100)}, nil
	}
	if strings.HasSuffix(spotinstReserve, "%") {
		percentage, err := strconv.ParseInt(strings.TrimSuffix(spotinstReserve, "%"), 10, 64)
		if err != nil {
			return nil, trace.BadParameter("invalid spotinst reserve %q", spotinstReserve)
		}
		return &ElastigroupStrategy{Risk: aws.Int64(100 - percentage)}, nil
	}
	count, err := strconv.ParseInt(spotinstReserve, 10, 64)
	if err != nil {
		return nil, trace.BadParameter("invalid spotinst reserve %q", spotinstReserve)
	}
	return &ElastigroupStrategy{OnDemandCount: aws.Int64(count)}, nil
}

func instanceTypeConfig(instanceType string) *ElastigroupInstanceTypes {
	alternatives := strings.Split(instanceType, ":")
	return &ElastigroupInstanceTypes{
		OnDemand: alternatives[0],
		Spot:     alternatives,
	}
}

func loadBalancerConfig(elbNames, targetGroupARNs []string) *ElastigroupLoadBalancers {
	var balancers []ElastigroupLoadBalancer
	for _, name := range elbNames {
		balancers = append(balancers, ElastigroupLoadBalancer{Name: name, Type: "CLASSIC"})
	}
	for _, arn := range targetGroupARNs {
		balancers = append(balancers, ElastigroupLoadBalancer{Arn: arn, Type: "TARGET_GROUP"})
	}
	if balancers == nil {
		return nil
	}
	return &ElastigroupLoadBalancers{LoadBalancers: balancers}
}

func zoneConfig(subnets []Subnet) []ElastigroupZone {
	subnetsByZone := make(map[string][]string)
	var zoneOrder []string
	for _, subnet := range subnets {
		if _, ok := subnetsByZone[subnet.AvailabilityZone]; !ok {
			zoneOrder = append(zoneOrder, subnet.AvailabilityZone)
		}
		subnetsByZone[subnet.AvailabilityZone] = append(subnetsByZone[subnet.AvailabilityZone], subnet.ID)
	}
	zones := make([]ElastigroupZone, 0, len(zoneOrder))
	for _, zone := range zoneOrder {
		zones = append(zones, ElastigroupZone{Name: zone, SubnetIDs: subnetsByZone[zone]})
	}
	return zones
}

func elastigroupTags(tags map[string]string) []ElastigroupTag {
	var result []ElastigroupTag
	for key, value := range tags {
		result = append(result, ElastigroupTag{TagKey: key, TagValue: value})
	}
	return result
}

func (e *ElastigroupBackend) buildConfig(spec Spec, groupName string) (*Elastigroup, error) {
	strategy, err := riskConfig(spec.SpotinstReserve)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	strategy.AvailabilityVsCost = "availabilityOriented"
	strategy.UtilizeReservedInstances = true
	strategy.FallbackToOd = true

	minSize, desiredSize, maxSize := resolveSizes(spec)

	launchSpec := &ElastigroupLaunchSpec{
		ImageID:             spec.ImageID,
		KeyPair:             spec.KeyName,
		SecurityGroupIDs:    spec.SecurityGroups,
		Monitoring:          spec.InstanceMonitoring,
		EBSOptimized:        spec.EBSOptimized,
		LoadBalancersConfig: loadBalancerConfig(spec.LoadBalancers, spec.TargetGroups),
		Tags:                elastigroupTags(spec.Tags),
	}
	if spec.UserData != "" {
		launchSpec.UserData = base64.StdEncoding.EncodeToString([]byte(spec.UserData))
	}
	if spec.InstanceProfileName != "" {
		launchSpec.IamRole = &ElastigroupIamRole{Name: spec.InstanceProfileName}
	}
	if spec.AssociatePublicIP {
		launchSpec.NetworkInterfaces = []ElastigroupNetworkInterface{{
			DeviceIndex:              0,
			DeleteOnTermination:      true,
			AssociatePublicIPAddress: true,
		}}
	}

	return &Elastigroup{
		Name:        groupName,
		Description: fmt.Sprintf("Spotinst elastigroup: %v", groupName),
		Strategy:    strategy,
		Capacity: &ElastigroupCapacity{
			Target:  aws.Int64(desiredSize),
			Minimum: aws.Int64(minSize),
			Maximum: aws.Int64(maxSize),
			Unit:    "instance",
		},
		Compute: &ElastigroupCompute{
			Product:             "Linux/UNIX",
			InstanceTypes:       instanceTypeConfig(spec.InstanceType),
			AvailabilityZones:   zoneConfig(spec.Subnets),
			LaunchSpecification: launchSpec,
		},
	}, nil
}

// CreateOrUpdateGroup updates the newest existing elastigroup in place,
// or creates a new one. Updates that change launch-time settings are
// followed by a roll when the spec requests it.
func (e *ElastigroupBackend) CreateOrUpdateGroup(ctx context.Context, spec Spec) (*Group, error) {
	existing, err := e.getRawGroups(ctx, spec.Hostclass, spec.GroupName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(existing) != 0 && !spec.CreateIfExists {
		return e.modifyGroup(ctx, existing[0], spec)
	}
	groupName := NewGroupName(e.Environment, spec.Hostclass, e.Clock.Now().Unix())
	config, err := e.buildConfig(spec, groupName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.Infof("Creating elastigroup %v.", groupName)
	created, err := e.Client.CreateGroup(ctx, config)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := e.waitForInstanceIDs(ctx, created.Name); err != nil {
		return nil, trace.Wrap(err)
	}
	return fromElastigroup(created), nil
}

// modifyGroup applies the spec's set fields to an existing elastigroup.
// Image, load balancer and reserve changes only apply to instances
// launched afterwards, so they flag the group for a roll.
func (e *ElastigroupBackend) modifyGroup(ctx context.Context, existing *Elastigroup, spec Spec) (*Group, error) {
	update := &Elastigroup{}
	requiresRoll := false

	if spec.MinSize != nil || spec.MaxSize != nil || spec.DesiredSize != nil {
		update.Capacity = &ElastigroupCapacity{
			Minimum: spec.MinSize,
			Maximum: spec.MaxSize,
			Target:  spec.DesiredSize,
		}
	}
	if spec.SpotinstReserve != "" {
		strategy, err := riskConfig(spec.SpotinstReserve)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		update.Strategy = strategy
		requiresRoll = true
	}

	launchSpec := &ElastigroupLaunchSpec{}
	launchSpecChanged := false
	if spec.ImageID != "" {
		launchSpec.ImageID = spec.ImageID
		launchSpecChanged = true
		requiresRoll = true
	}
	if spec.LoadBalancers != nil || spec.TargetGroups != nil {
		launchSpec.LoadBalancersConfig = loadBalancerConfig(spec.LoadBalancers, spec.TargetGroups)
		launchSpecChanged = true
		requiresRoll = true
	}
	if len(spec.Tags) != 0 {
		launchSpec.Tags = elastigroupTags(spec.Tags)
		launchSpecChanged = true
	}
	if spec.InstanceProfileName != "" {
		launchSpec.IamRole = &ElastigroupIamRole{Name: spec.InstanceProfileName}
		launchSpecChanged = true
	}

	compute := &ElastigroupCompute{}
	computeChanged := false
	if spec.InstanceType != "" {
		compute.InstanceTypes = instanceTypeConfig(spec.InstanceType)
		computeChanged = true
	}
	if launchSpecChanged {
		compute.LaunchSpecification = launchSpec
		computeChanged = true
	}
	if computeChanged {
		update.Compute = compute
	}

	e.Infof("Updating elastigroup %v.", existing.Name)
	if err := e.Client.UpdateGroup(ctx, existing.ID, update); err != nil {
		return nil, trace.Wrap(err)
	}
	if spec.RollIfNeeded && requiresRoll {
		if err := e.rollGroup(ctx, existing.ID, true); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return &Group{Name: existing.Name, ID: existing.ID, Kind: KindSpot}, nil
}

// waitForInstanceIDs blocks until every member of the group has an
// instance id, which can lag group creation while spot requests fulfill
func (e *ElastigroupBackend) waitForInstanceIDs(ctx context.Context, groupName string) error {
	return retry.Call(ctx, retry.Policy{
		Timeout: defaults.WaitForStateTimeout,
		Clock:   e.Clock,
		TimeoutError: func(elapsed time.Duration) error {
			return retry.NewTimeoutError(elapsed,
				"timed out waiting for instance ids of %v", groupName)
		},
	}, func() error {
		instances, err := e.GetInstances(ctx, "", groupName)
		if err != nil {
			return trace.Wrap(err)
		}
		for _, instance := range instances {
			if instance.InstanceID == "" {
				return trace.CompareFailed("waiting for instance ids of %v to become available", groupName)
			}
		}
		return nil
	})
}

// rollGroup replaces the group's instances in a single batch. With wait
// set it blocks until none of the original instances remain attached;
// there is no roll status API, so membership is the only signal.
func (e *ElastigroupBackend) rollGroup(ctx context.Context, groupID string, waitForRoll bool) error {
	var before map[string]struct{}
	if waitForRoll {
		members, err := e.Client.GetGroupStatus(ctx, groupID)
		if err != nil {
			return trace.Wrap(err)
		}
		before = make(map[string]struct{}, len(members))
		for _, member := range members {
			if member.InstanceID != "" {
				before[member.InstanceID] = struct{}{}
			}
		}
	}
	if err := e.Client.RollGroup(ctx, groupID, 100, defaults.GroupRollGracePeriod); err != nil {
		return trace.Wrap(err)
	}
	if !waitForRoll {
		return nil
	}
	// instances without a load balancer wait out the whole grace period
	// before the deploy is marked complete, so budget past it
	return retry.Call(ctx, retry.Policy{
		Timeout: defaults.GroupRollGracePeriod + defaults.GroupRollSettleTimeout,
		Clock:   e.Clock,
		TimeoutError: func(elapsed time.Duration) error {
			return retry.NewTimeoutError(elapsed, "timed out waiting for rolling deploy of %v", groupID)
		},
	}, func() error {
		members, err := e.Client.GetGroupStatus(ctx, groupID)
		if err != nil {
			return trace.Wrap(err)
		}
		remaining := 0
		for _, member := range members {
			if _, ok := before[member.InstanceID]; ok {
				remaining++
			}
		}
		if remaining != 0 {
			return trace.CompareFailed("%v original instances of %v still attached", remaining, groupID)
		}
		return nil
	})
}

// DeleteGroups deletes all matching elastigroups. Elastigroups terminate
// their members on deletion, so force is accepted for interface parity
// but has no effect.
func (e *ElastigroupBackend) DeleteGroups(ctx context.Context, hostclass, groupName string, force bool) error {
	groups, err := e.GetExistingGroups(ctx, hostclass, groupName)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, g := range groups {
		e.Infof("Deleting group %v.", g.Name)
		if err := e.Client.DeleteGroup(ctx, g.ID); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// ScaledownGroups forces matching elastigroups to zero capacity
func (e *ElastigroupBackend) ScaledownGroups(ctx context.Context, hostclass, groupName string, waitForTermination, noError bool) error {
	groups, err := e.GetExistingGroups(ctx, hostclass, groupName)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, g := range groups {
		e.Infof("Scaling down group %v.", g.Name)
		update := &Elastigroup{
			Capacity: &ElastigroupCapacity{
				Target:  aws.Int64(0),
				Minimum: aws.Int64(0),
				Maximum: aws.Int64(0),
			},
		}
		if err := e.Client.UpdateGroup(ctx, g.ID, update); err != nil {
			return trace.Wrap(err)
		}
		if waitForTermination {
			if err := e.waitInstanceTermination(ctx, g); err != nil {
				if !noError {
					return trace.Wrap(err)
				}
				e.WithError(err).Warnf("Unable to wait for scaling down of %v.", g.Name)
			}
		}
	}
	return nil
}

func (e *ElastigroupBackend) waitInstanceTermination(ctx context.Context, g *Group) error {
	members, err := e.Client.GetGroupStatus(ctx, g.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	var instanceIDs []string
	for _, member := range members {
		if member.InstanceID != "" {
			instanceIDs = append(instanceIDs, member.InstanceID)
		}
	}
	if len(instanceIDs) == 0 {
		return nil
	}
	e.Infof("Waiting for scaledown of group %v.", g.Name)
	return wait.ForAllStates(ctx, wait.CollectionConfig{
		Name:    fmt.Sprintf("instances of %v", g.Name),
		Target:  defaults.StateTerminated,
		Timeout: defaults.InstanceTerminationTimeout,
		Clock:   e.Clock,
		Fetch: func(ctx context.Context) ([]string, error) {
			var resp *ec2.DescribeInstancesOutput
			err := retry.ThrottledCall(ctx, func() (err error) {
				resp, err = e.EC2.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
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

// Terminate is a no-op: the spot market reclaims elastigroup members, and
// the provider offers no per-instance termination call
func (e *ElastigroupBackend) Terminate(ctx context.Context, instanceID string, decrementCapacity bool) error {
	return nil
}

// CreateRecurringGroupAction appends a recurring capacity override to
// every matching elastigroup's schedule
func (e *ElastigroupBackend) CreateRecurringGroupAction(ctx context.Context, recurrence string, minSize, desiredCapacity, maxSize *int64, hostclass, groupName string) error {
	groups, err := e.GetExistingGroups(ctx, hostclass, groupName)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, g := range groups {
		e.Infof("Creating scheduled action for group %v.", g.Name)
		tasks := make([]ElastigroupTask, 0, len(g.ScheduledTasks)+1)
		for _, existing := range g.ScheduledTasks {
			tasks = append(tasks, ElastigroupTask{
				TaskType:            "scale",
				CronExpression:      existing.Recurrence,
				ScaleMinCapacity:    existing.MinSize,
				ScaleTargetCapacity: existing.DesiredCapacity,
				ScaleMaxCapacity:    existing.MaxSize,
			})
		}
		tasks = append(tasks, ElastigroupTask{
			TaskType:            "scale",
			CronExpression:      recurrence,
			ScaleMinCapacity:    minSize,
			ScaleTargetCapacity: desiredCapacity,
			ScaleMaxCapacity:    maxSize,
		})
		update := &Elastigroup{Scheduling: &ElastigroupScheduling{Tasks: tasks}}
		if err := e.Client.UpdateGroup(ctx, g.ID, update); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// DeleteAllRecurringGroupActions clears the schedule of every matching
// elastigroup
func (e *ElastigroupBackend) DeleteAllRecurringGroupActions(ctx context.Context, hostclass, groupName string) error {
	groups, err := e.GetExistingGroups(ctx, hostclass, groupName)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, g := range groups {
		e.Infof("Deleting scheduled actions for group %v.", g.Name)
		update := &Elastigroup{Scheduling: &ElastigroupScheduling{Tasks: []ElastigroupTask{}}}
		if err := e.Client.UpdateGroup(ctx, g.ID, update); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// UpdateLoadBalancers diffs the desired classic load balancer set against
// the group's current attachments and rewrites the attachment list,
// preserving target group attachments. A nil desired set leaves
// attachments unchanged.
func (e *ElastigroupBackend) UpdateLoadBalancers(ctx context.Context, elbNames []string, hostclass, groupName string) (added, removed []string, err error) {
	if elbNames == nil {
		return nil, nil, nil
	}
	g, err := e.GetExistingGroup(ctx, hostclass, groupName, false)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if g == nil {
		e.Warnf("Elastigroup %v does not exist, cannot change load balancers.",
			firstNonEmpty(hostclass, groupName))
		return nil, nil, nil
	}
	added, removed = diffStrings(elbNames, g.LoadBalancers)
	if len(added) == 0 && len(removed) == 0 {
		return nil, nil, nil
	}
	e.Infof("Updating load balancers for group %v from [%v] to [%v].",
		g.Name, strings.Join(g.LoadBalancers, ", "), strings.Join(elbNames, ", "))
	update := &Elastigroup{
		Compute: &ElastigroupCompute{
			LaunchSpecification: &ElastigroupLaunchSpec{
				LoadBalancersConfig: rewriteBalancers(elbNames, g.TargetGroups),
			},
		},
	}
	if err := e.Client.UpdateGroup(ctx, g.ID, update); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return added, removed, nil
}

// UpdateTargetGroups is UpdateLoadBalancers for target group ARNs; the
// classic load balancer attachments are preserved
func (e *ElastigroupBackend) UpdateTargetGroups(ctx context.Context, targetGroupARNs []string, hostclass, groupName string) (added, removed []string, err error) {
	if targetGroupARNs == nil {
		return nil, nil, nil
	}
	g, err := e.GetExistingGroup(ctx, hostclass, groupName, false)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if g == nil {
		e.Warnf("Elastigroup %v does not exist, cannot change target groups.",
			firstNonEmpty(hostclass, groupName))
		return nil, nil, nil
	}
	added, removed = diffStrings(targetGroupARNs, g.TargetGroups)
	if len(added) == 0 && len(removed) == 0 {
		return nil, nil, nil
	}
	e.Infof("Updating target groups for group %v from [%v] to [%v].",
		g.Name, strings.Join(g.TargetGroups, ", "), strings.Join(targetGroupARNs, ", "))
	update := &Elastigroup{
		Compute: &ElastigroupCompute{
			LaunchSpecification: &ElastigroupLaunchSpec{
				LoadBalancersConfig: rewriteBalancers(g.LoadBalancers, targetGroupARNs),
			},
		},
	}
	if err := e.Client.UpdateGroup(ctx, g.ID, update); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return added, removed, nil
}

// rewriteBalancers builds the full attachment list the provider expects.
// The provider takes the list wholesale, so an empty list means detach
// everything.
func rewriteBalancers(elbNames, targetGroupARNs []string) *ElastigroupLoadBalancers {
	config := loadBalancerConfig(elbNames, targetGroupARNs)
	if config == nil {
		return &ElastigroupLoadBalancers{LoadBalancers: []ElastigroupLoadBalancer{}}
	}
	return config
}

// CreatePolicy is not supported: elastigroups scale through their own
// strategy section rather than autoscaling policies
func (e *ElastigroupBackend) CreatePolicy(ctx context.Context, spec PolicySpec) error {
	return trace.NotImplemented("scaling policies are not implemented for elastigroups")
}

// DeletePolicy is not supported for elastigroups
func (e *ElastigroupBackend) DeletePolicy(ctx context.Context, policyName, groupName string) error {
	return trace.NotImplemented("scaling policies are not implemented for elastigroups")
}

// ListPolicies is not supported for elastigroups
func (e *ElastigroupBackend) ListPolicies(ctx context.Context, groupName string) ([]Policy, error) {
	return nil, trace.NotImplemented("scaling policies are not implemented for elastigroups")
}
