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

package deploy

import (
	"context"
	"time"

	"github.com/asiaq/asiaq/lib/ami"
	"github.com/asiaq/asiaq/lib/elb"
	"github.com/asiaq/asiaq/lib/group"
)

// Instance is the slice of instance metadata deployment needs
type Instance struct {
	// ID is the EC2 instance id
	ID string
	// PrivateIP is the instance's private address
	PrivateIP string
	// ImageID is the image the instance was launched from
	ImageID string
	// LaunchTime is when the instance was launched
	LaunchTime time.Time
	// Hostclass is the hostclass the instance belongs to
	Hostclass string
}

// SpinupOptions tunes a provisioning run
type SpinupOptions struct {
	// GroupName targets a specific existing group instead of matching by
	// hostclass
	GroupName string
	// CreateIfExists forces creation of an additional group, opening the
	// blue/green two-group window
	CreateIfExists bool
	// Testing boots the new instances in testing mode, attached to the
	// testing load balancer
	Testing bool
	// RollIfNeeded replaces running instances when the update changes
	// launch-time settings
	RollIfNeeded bool
}

// Provisioner turns pipeline entries into running groups and reaches the
// instances inside them
type Provisioner interface {
	// Spinup creates or updates one group per pipeline entry
	Spinup(ctx context.Context, entries []Entry, options SpinupOptions) error
	// Instances returns metadata for the given instances, or for every
	// instance in the environment when ids is nil
	Instances(ctx context.Context, instanceIDs []string) ([]Instance, error)
	// InstancesFromHostclasses returns the running instances of the
	// given hostclasses
	InstancesFromHostclasses(ctx context.Context, hostclasses []string) ([]Instance, error)
	// WaitForAutoscaling blocks until at least minCount instances of the
	// image are running in the group
	WaitForAutoscaling(ctx context.Context, imageID string, minCount int64, groupName string) error
	// SmokeTest blocks until every instance passes its boot smoke test
	SmokeTest(ctx context.Context, instances []Instance) error
	// SmokeTestOnce blocks until a single instance passes its boot smoke
	// test
	SmokeTestOnce(ctx context.Context, instance Instance) error
	// RemoteCommand runs a command on the instance over ssh and returns
	// its exit code and combined output
	RemoteCommand(ctx context.Context, instance Instance, command []string, user string) (exitCode int, output []byte, err error)
	// CreateScalingSchedule replaces the group's recurring capacity
	// overrides from pipeline-syntax sizes
	CreateScalingSchedule(ctx context.Context, hostclass, groupName string, minSize, desiredSize, maxSize string) error
}

// Groups is the slice of group management deployment drives
type Groups interface {
	// GetExistingGroup returns the hostclass's single current group per
	// the blue/green selection contract
	GetExistingGroup(ctx context.Context, hostclass, groupName string, throwOnTwoGroups bool) (*group.Group, error)
	// GetInstances returns the members of matching groups
	GetInstances(ctx context.Context, hostclass, groupName string) ([]group.Instance, error)
	// DeleteGroups deletes matching groups
	DeleteGroups(ctx context.Context, hostclass, groupName string, force bool) error
	// ScaledownGroups forces matching groups to zero capacity
	ScaledownGroups(ctx context.Context, hostclass, groupName string, wait, noError bool) error
}

// Registry is the slice of the image registry deployment drives
type Registry interface {
	// GetAMIs returns the images with the given ids, oldest first
	GetAMIs(ctx context.Context, imageIDs []string) ([]*ami.AMI, error)
	// ListAMIs returns the account's images narrowed by the filter
	ListAMIs(ctx context.Context, filter ami.Filter) ([]*ami.AMI, error)
	// PromoteAMI moves the image to the given lifecycle stage
	PromoteAMI(ctx context.Context, image *ami.AMI, stage string) error
	// PromoteAMIToProduction shares the image with the production account
	PromoteAMIToProduction(ctx context.Context, image *ami.AMI) error
}

// LoadBalancers is the slice of load balancer management deployment
// drives
type LoadBalancers interface {
	// DeleteELB deletes the hostclass's load balancer if it exists
	DeleteELB(ctx context.Context, hostclass string, testing bool) error
	// WaitForInstanceHealthState blocks until the watched members of the
	// hostclass's load balancer are healthy
	WaitForInstanceHealthState(ctx context.Context, config elb.HealthStateConfig) error
}
