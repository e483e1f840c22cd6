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

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// FacadeConfig configures the backend-agnostic group facade
type FacadeConfig struct {
	// Autoscale is the fixed-capacity backend
	Autoscale Backend
	// Elastigroup is the spot backend, nil when no Spotinst token is
	// configured
	Elastigroup Backend
}

// CheckAndSetDefaults checks and sets default values
func (c *FacadeConfig) CheckAndSetDefaults() error {
	if c.Autoscale == nil {
		return trace.BadParameter("missing parameter Autoscale")
	}
	return nil
}

// Facade fans group operations out across both backends so callers stay
// backend-agnostic while a hostclass migrates between them
type Facade struct {
	FacadeConfig
	*log.Entry
}

// NewFacade returns a new group facade
func NewFacade(config FacadeConfig) (*Facade, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Facade{
		FacadeConfig: config,
		Entry:        log.WithFields(log.Fields{trace.Component: "group"}),
	}, nil
}

// backends returns the configured backends
func (f *Facade) backends() []Backend {
	backends := []Backend{f.Autoscale}
	if f.Elastigroup != nil {
		backends = append(backends, f.Elastigroup)
	}
	return backends
}

// GetExistingGroup returns the newest group for the hostclass across both
// backends, nil if neither has one
func (f *Facade) GetExistingGroup(ctx context.Context, hostclass, groupName string, throwOnTwoGroups bool) (*Group, error) {
	var newest *Group
	for _, backend := range f.backends() {
		g, err := backend.GetExistingGroup(ctx, hostclass, groupName, throwOnTwoGroups)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if g == nil {
			continue
		}
		if newest == nil || Newer(g, newest) {
			newest = g
		}
	}
	if newest == nil {
		f.Info("No group found.")
	}
	return newest, nil
}

// GetExistingGroups returns all matching groups from both backends sorted
// newest first
func (f *Facade) GetExistingGroups(ctx context.Context, hostclass, groupName string) ([]*Group, error) {
	var groups []*Group
	for _, backend := range f.backends() {
		backendGroups, err := backend.GetExistingGroups(ctx, hostclass, groupName)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		groups = append(groups, backendGroups...)
	}
	SortNewestFirst(groups)
	return groups, nil
}

// GetInstances returns member instances from both backends
func (f *Facade) GetInstances(ctx context.Context, hostclass, groupName string) ([]Instance, error) {
	var instances []Instance
	for _, backend := range f.backends() {
		backendInstances, err := backend.GetInstances(ctx, hostclass, groupName)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		instances = append(instances, backendInstances...)
	}
	return instances, nil
}

// ListGroups returns display rows from both backends
func (f *Facade) ListGroups(ctx context.Context) ([]Listing, error) {
	var listings []Listing
	for _, backend := range f.backends() {
		backendListings, err := backend.ListGroups(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		listings = append(listings, backendListings...)
	}
	return listings, nil
}

// CreateOrUpdateGroup routes the upsert to the backend the spec selects
func (f *Facade) CreateOrUpdateGroup(ctx context.Context, spec Spec) (*Group, error) {
	if spec.Spotinst {
		if f.Elastigroup == nil {
			return nil, trace.NotFound("spot backend is not configured, set the Spotinst API token to use it")
		}
		return f.Elastigroup.CreateOrUpdateGroup(ctx, spec)
	}
	return f.Autoscale.CreateOrUpdateGroup(ctx, spec)
}

// DeleteGroups deletes matching groups in both backends
func (f *Facade) DeleteGroups(ctx context.Context, hostclass, groupName string, force bool) error {
	for _, backend := range f.backends() {
		if err := backend.DeleteGroups(ctx, hostclass, groupName, force); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// ScaledownGroups scales matching groups in both backends down to zero
func (f *Facade) ScaledownGroups(ctx context.Context, hostclass, groupName string, wait, noError bool) error {
	for _, backend := range f.backends() {
		if err := backend.ScaledownGroups(ctx, hostclass, groupName, wait, noError); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Terminate terminates the instance through the backend that owns it.
// Spot members are reclaimed by their group and need no call.
func (f *Facade) Terminate(ctx context.Context, instanceID string, decrementCapacity bool) error {
	instances, err := f.Autoscale.GetInstances(ctx, "", "")
	if err != nil {
		return trace.Wrap(err)
	}
	for _, instance := range instances {
		if instance.InstanceID == instanceID {
			return trace.Wrap(f.Autoscale.Terminate(ctx, instanceID, decrementCapacity))
		}
	}
	f.Debugf("Instance %v is not autoscaled, nothing to terminate.", instanceID)
	return nil
}

// CreateRecurringGroupAction installs the recurring capacity override in
// both backends; each applies it only to its own matching groups
func (f *Facade) CreateRecurringGroupAction(ctx context.Context, recurrence string, minSize, desiredCapacity, maxSize *int64, hostclass, groupName string) error {
	for _, backend := range f.backends() {
		err := backend.CreateRecurringGroupAction(ctx, recurrence, minSize, desiredCapacity, maxSize, hostclass, groupName)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// DeleteAllRecurringGroupActions removes recurring capacity overrides in
// both backends
func (f *Facade) DeleteAllRecurringGroupActions(ctx context.Context, hostclass, groupName string) error {
	for _, backend := range f.backends() {
		if err := backend.DeleteAllRecurringGroupActions(ctx, hostclass, groupName); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// UpdateLoadBalancers applies the desired load balancer set in both
// backends and merges the resulting diffs
func (f *Facade) UpdateLoadBalancers(ctx context.Context, elbNames []string, hostclass, groupName string) (added, removed []string, err error) {
	for _, backend := range f.backends() {
		backendAdded, backendRemoved, err := backend.UpdateLoadBalancers(ctx, elbNames, hostclass, groupName)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		added = append(added, backendAdded...)
		removed = append(removed, backendRemoved...)
	}
	return added, removed, nil
}

// UpdateTargetGroups applies the desired target group set in both
// backends and merges the resulting diffs
func (f *Facade) UpdateTargetGroups(ctx context.Context, targetGroupARNs []string, hostclass, groupName string) (added, removed []string, err error) {
	for _, backend := range f.backends() {
		backendAdded, backendRemoved, err := backend.UpdateTargetGroups(ctx, targetGroupARNs, hostclass, groupName)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		added = append(added, backendAdded...)
		removed = append(removed, backendRemoved...)
	}
	return added, removed, nil
}

// CreatePolicy creates the scaling policy in the fixed-capacity backend;
// elastigroups scale through their strategy section instead
func (f *Facade) CreatePolicy(ctx context.Context, spec PolicySpec) error {
	return trace.Wrap(f.Autoscale.CreatePolicy(ctx, spec))
}

// DeletePolicy deletes the scaling policy from the fixed-capacity backend
func (f *Facade) DeletePolicy(ctx context.Context, policyName, groupName string) error {
	return trace.Wrap(f.Autoscale.DeletePolicy(ctx, policyName, groupName))
}

// ListPolicies returns scaling policies from the fixed-capacity backend
func (f *Facade) ListPolicies(ctx context.Context, groupName string) ([]Policy, error) {
	policies, err := f.Autoscale.ListPolicies(ctx, groupName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return policies, nil
}

var _ Backend = (*Facade)(nil)
var _ Backend = (*Autoscale)(nil)
var _ Backend = (*ElastigroupBackend)(nil)
