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

// Package group manages named, taggable, scalable pools of compute
// instances. Two backends implement the same capability set: fixed
// capacity EC2 Auto Scaling groups and Spotinst elastigroups. A facade
// fans operations out across both so callers stay backend-agnostic while
// a hostclass migrates between them.
package group

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// Kind discriminates the backend a group lives in
type Kind string

const (
	// KindAutoscale marks fixed-capacity EC2 Auto Scaling groups
	KindAutoscale Kind = "asg"
	// KindSpot marks Spotinst elastigroups
	KindSpot Kind = "spot"
)

// Group is an immutable snapshot of a scaling group as reported by its
// backend. Handles are always re-fetched, never cached across calls.
type Group struct {
	// Name is the deterministic group name, {env}_{hostclass}_{epoch}
	Name string
	// ID is the backend-assigned identifier, empty for autoscaling groups
	ID string
	// Kind discriminates the owning backend
	Kind Kind
	// MinSize is the lower capacity bound
	MinSize int64
	// MaxSize is the upper capacity bound
	MaxSize int64
	// DesiredCapacity is the target capacity
	DesiredCapacity int64
	// LaunchConfigName references the group's launch configuration,
	// empty for elastigroups
	LaunchConfigName string
	// ImageID is the AMI the group launches instances from
	ImageID string
	// VPCZoneIdentifier is the comma-separated subnet list
	VPCZoneIdentifier string
	// TerminationPolicies controls which instances scale-in removes first
	TerminationPolicies []string
	// LoadBalancers are attached classic load balancer names
	LoadBalancers []string
	// TargetGroups are attached target group ARNs
	TargetGroups []string
	// Tags are the group's tags
	Tags map[string]string
	// ScheduledTasks are the recurring capacity overrides on the group
	ScheduledTasks []ScheduledTask
}

// ScheduledTask is a recurring capacity override
type ScheduledTask struct {
	// Recurrence is a cron expression
	Recurrence string
	// MinSize is the minimum capacity to set, nil leaves it alone
	MinSize *int64
	// DesiredCapacity is the target capacity to set, nil leaves it alone
	DesiredCapacity *int64
	// MaxSize is the maximum capacity to set, nil leaves it alone
	MaxSize *int64
}

// Instance is a group member
type Instance struct {
	// InstanceID is the EC2 instance id
	InstanceID string
	// GroupName is the name of the owning group
	GroupName string
}

// Listing is a single row of the operator-facing group listing
type Listing struct {
	Name            string
	ImageID         string
	InstanceCount   int
	MinSize         int64
	DesiredCapacity int64
	MaxSize         int64
	Kind            Kind
	Tags            map[string]string
}

// NewGroupName returns the deterministic name for a fresh group of the
// given hostclass. The trailing epoch makes names sortable by creation
// time and lets the hostclass be parsed back out of the name.
func NewGroupName(environment, hostclass string, epoch int64) string {
	return fmt.Sprintf("%v_%v_%v", environment, hostclass, epoch)
}

// HostclassFromGroupName extracts the hostclass from a group name.
// Hostclass names may themselves contain underscores, so only the first
// (environment) and last (epoch) segments are stripped.
func HostclassFromGroupName(groupName string) string {
	parts := strings.Split(groupName, "_")
	if len(parts) < 3 {
		return ""
	}
	return strings.Join(parts[1:len(parts)-1], "_")
}

// CreationEpoch parses the creation timestamp embedded in a group name,
// or returns 0 if the name does not carry one
func CreationEpoch(groupName string) int64 {
	parts := strings.Split(groupName, "_")
	if len(parts) < 3 {
		return 0
	}
	epoch, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return 0
	}
	return epoch
}

// Newer returns true if group a was created after group b, comparing the
// creation epochs embedded in the names and falling back to the names
// themselves when the epochs tie
func Newer(a, b *Group) bool {
	epochA, epochB := CreationEpoch(a.Name), CreationEpoch(b.Name)
	if epochA != epochB {
		return epochA > epochB
	}
	return a.Name > b.Name
}

// SortNewestFirst orders groups by descending creation epoch
func SortNewestFirst(groups []*Group) {
	sort.SliceStable(groups, func(i, j int) bool {
		return Newer(groups[i], groups[j])
	})
}

// SelectExisting applies the single-group selection contract to a list of
// groups already sorted newest first: one group is returned as is; two
// groups return the newer one when the caller tolerates the blue/green
// transition window; anything else is TooManyGroupsError.
func SelectExisting(groups []*Group, hostclass string, throwOnTwoGroups bool) (*Group, error) {
	switch {
	case len(groups) == 0:
		return nil, nil
	case len(groups) == 1, len(groups) == 2 && !throwOnTwoGroups:
		return groups[0], nil
	default:
		return nil, &TooManyGroupsError{Hostclass: hostclass}
	}
}

// TooManyGroupsError is returned when more groups exist for a hostclass
// than the blue/green protocol can account for. It is always fatal and
// never triggers automated cleanup: deleting the wrong group is worse
// than requiring manual intervention.
type TooManyGroupsError struct {
	// Hostclass is the affected hostclass
	Hostclass string
}

// Error returns the error string representation
func (e *TooManyGroupsError) Error() string {
	return fmt.Sprintf("there are too many autoscaling groups for %v", e.Hostclass)
}

// IsTooManyGroups returns true if the specified error is TooManyGroupsError
func IsTooManyGroups(err error) bool {
	_, ok := trace.Unwrap(err).(*TooManyGroupsError)
	return ok
}

// Spec describes the desired shape of a group for CreateOrUpdateGroup.
// Nil slice and pointer fields mean "leave unchanged" on update; an empty
// non-nil attachment list means "detach everything".
type Spec struct {
	// Hostclass is the hostclass the group serves
	Hostclass string
	// GroupName targets a specific existing group, empty matches by hostclass
	GroupName string
	// ImageID is the AMI to launch instances from
	ImageID string
	// InstanceType is the instance type, possibly colon-separated
	// alternatives for spot-priced backends
	InstanceType string
	// KeyName is the ssh keypair name
	KeyName string
	// SecurityGroups are security group ids
	SecurityGroups []string
	// Subnets are the subnet ids the group spans
	Subnets []Subnet
	// InstanceProfileName is the IAM instance profile
	InstanceProfileName string
	// UserData is the instance boot script
	UserData string
	// AssociatePublicIP requests public addresses for members
	AssociatePublicIP bool
	// InstanceMonitoring enables detailed monitoring
	InstanceMonitoring bool
	// EBSOptimized requests EBS-optimized instances
	EBSOptimized bool
	// MinSize is the lower capacity bound, nil preserves the current value
	MinSize *int64
	// MaxSize is the upper capacity bound, nil preserves the current value
	MaxSize *int64
	// DesiredSize is the target capacity, nil preserves the current value
	DesiredSize *int64
	// TerminationPolicies controls scale-in victim selection
	TerminationPolicies []string
	// Tags are propagated to group members at launch
	Tags map[string]string
	// LoadBalancers is the desired classic load balancer attachment set
	LoadBalancers []string
	// TargetGroups is the desired target group attachment set
	TargetGroups []string
	// CreateIfExists forces creation of an additional group even when one
	// already exists; this opens the blue/green two-group window
	CreateIfExists bool
	// Spotinst selects the spot backend for group creation
	Spotinst bool
	// SpotinstReserve is the on-demand reserve, either a count or "N%"
	SpotinstReserve string
	// RollIfNeeded replaces running instances when an update changes
	// settings that only apply at launch
	RollIfNeeded bool
}

// Subnet is the slice of subnet metadata the backends need
type Subnet struct {
	// ID is the subnet id
	ID string
	// AvailabilityZone is the zone the subnet lives in
	AvailabilityZone string
}

// PolicySpec describes a scaling policy
type PolicySpec struct {
	// GroupName is the group the policy attaches to
	GroupName string
	// PolicyName names the policy
	PolicyName string
	// PolicyType is SimpleScaling or StepScaling
	PolicyType string
	// AdjustmentType is how ScalingAdjustment is interpreted
	AdjustmentType string
	// ScalingAdjustment is the size of the adjustment
	ScalingAdjustment int64
	// MinAdjustmentMagnitude bounds percentage-based adjustments
	MinAdjustmentMagnitude int64
	// Cooldown is the seconds between scaling activities
	Cooldown int64
	// MetricAggregationType applies to step scaling policies
	MetricAggregationType string
	// EstimatedInstanceWarmup applies to step scaling policies
	EstimatedInstanceWarmup int64
}

// Policy is a scaling policy as reported by the backend
type Policy struct {
	GroupName         string
	PolicyName        string
	PolicyType        string
	AdjustmentType    string
	ScalingAdjustment int64
	Cooldown          int64
}

// Backend is the capability set both group variants implement
type Backend interface {
	// GetExistingGroup returns the single most recently created group for
	// the hostclass or group name, nil if none exists, or
	// TooManyGroupsError per the SelectExisting contract
	GetExistingGroup(ctx context.Context, hostclass, groupName string, throwOnTwoGroups bool) (*Group, error)
	// GetExistingGroups returns all matching groups sorted newest first
	GetExistingGroups(ctx context.Context, hostclass, groupName string) ([]*Group, error)
	// GetInstances returns the members of matching groups
	GetInstances(ctx context.Context, hostclass, groupName string) ([]Instance, error)
	// ListGroups returns display rows for all groups in the environment
	ListGroups(ctx context.Context) ([]Listing, error)
	// CreateOrUpdateGroup idempotently upserts a group from the spec
	CreateOrUpdateGroup(ctx context.Context, spec Spec) (*Group, error)
	// DeleteGroups deletes matching groups, forcibly if force is set
	DeleteGroups(ctx context.Context, hostclass, groupName string, force bool) error
	// ScaledownGroups forces matching groups to zero capacity; when wait
	// is set it blocks until all members are terminated
	ScaledownGroups(ctx context.Context, hostclass, groupName string, wait, noError bool) error
	// Terminate terminates a single member instance
	Terminate(ctx context.Context, instanceID string, decrementCapacity bool) error
	// CreateRecurringGroupAction installs a recurring capacity override
	CreateRecurringGroupAction(ctx context.Context, recurrence string, minSize, desiredCapacity, maxSize *int64, hostclass, groupName string) error
	// DeleteAllRecurringGroupActions removes every recurring capacity override
	DeleteAllRecurringGroupActions(ctx context.Context, hostclass, groupName string) error
	// UpdateLoadBalancers diffs the desired classic load balancer set
	// against the current one, attaching and detaching as needed.
	// A nil desired set leaves attachments unchanged.
	UpdateLoadBalancers(ctx context.Context, elbNames []string, hostclass, groupName string) (added, removed []string, err error)
	// UpdateTargetGroups is UpdateLoadBalancers for target group ARNs
	UpdateTargetGroups(ctx context.Context, targetGroupARNs []string, hostclass, groupName string) (added, removed []string, err error)
	// CreatePolicy creates or updates a scaling policy
	CreatePolicy(ctx context.Context, spec PolicySpec) error
	// DeletePolicy deletes a scaling policy
	DeletePolicy(ctx context.Context, policyName, groupName string) error
	// ListPolicies returns scaling policies in the environment
	ListPolicies(ctx context.Context, groupName string) ([]Policy, error)
}

// diffStrings returns the elements to add (in desired but not current)
// and to remove (in current but not desired)
func diffStrings(desired, current []string) (add, remove []string) {
	desiredSet := make(map[string]struct{}, len(desired))
	for _, s := range desired {
		desiredSet[s] = struct{}{}
	}
	currentSet := make(map[string]struct{}, len(current))
	for _, s := range current {
		currentSet[s] = struct{}{}
	}
	for _, s := range desired {
		if _, ok := currentSet[s]; !ok {
			add = append(add, s)
		}
	}
	for _, s := range current {
		if _, ok := desiredSet[s]; !ok {
			remove = append(remove, s)
		}
	}
	return add, remove
}
