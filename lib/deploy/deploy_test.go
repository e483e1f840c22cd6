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
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/asiaq/asiaq/lib/ami"
	"github.com/asiaq/asiaq/lib/config"
	"github.com/asiaq/asiaq/lib/elb"
	"github.com/asiaq/asiaq/lib/group"
	"github.com/asiaq/asiaq/lib/retry"

	"gopkg.in/check.v1"
)

func TestDeploy(t *testing.T) { check.TestingT(t) }

type DeploySuite struct{}

var _ = check.Suite(&DeploySuite{})

// fakeGroups keeps groups in memory and applies the same selection
// contract the real facade does
type fakeGroups struct {
	groups     map[string]*group.Group
	members    map[string][]group.Instance
	deleted    []string
	scaledDown []string
}

func (f *fakeGroups) list(hostclass, groupName string) []*group.Group {
	var result []*group.Group
	for _, g := range f.groups {
		if groupName != "" && g.Name != groupName {
			continue
		}
		if groupName == "" && hostclass != "" && group.HostclassFromGroupName(g.Name) != hostclass {
			continue
		}
		result = append(result, g)
	}
	group.SortNewestFirst(result)
	return result
}

func (f *fakeGroups) GetExistingGroup(ctx context.Context, hostclass, groupName string, throwOnTwoGroups bool) (*group.Group, error) {
	return group.SelectExisting(f.list(hostclass, groupName), hostclass, throwOnTwoGroups)
}

func (f *fakeGroups) GetInstances(ctx context.Context, hostclass, groupName string) ([]group.Instance, error) {
	var result []group.Instance
	for _, g := range f.list(hostclass, groupName) {
		result = append(result, f.members[g.Name]...)
	}
	return result, nil
}

func (f *fakeGroups) DeleteGroups(ctx context.Context, hostclass, groupName string, force bool) error {
	for _, g := range f.list(hostclass, groupName) {
		delete(f.groups, g.Name)
		delete(f.members, g.Name)
		f.deleted = append(f.deleted, g.Name)
	}
	return nil
}

func (f *fakeGroups) ScaledownGroups(ctx context.Context, hostclass, groupName string, wait, noError bool) error {
	f.scaledDown = append(f.scaledDown, groupName)
	return nil
}

type spinupCall struct {
	entry   Entry
	options SpinupOptions
}

type scheduleCall struct {
	hostclass string
	groupName string
	minSize   string
	desired   string
	maxSize   string
}

// fakeProvisioner materializes spun-up groups in the shared fakeGroups so
// the deployer's follow-up lookups see them
type fakeProvisioner struct {
	groups *fakeGroups
	env    string
	epoch  int64

	spinups        []spinupCall
	schedules      []scheduleCall
	remoteCommands [][]string

	instances     []Instance
	hostInstances map[string][]Instance

	autoscalingErr error
	smokeErr       error
	remoteExit     int
	remoteErr      error
}

func (f *fakeProvisioner) Spinup(ctx context.Context, entries []Entry, options SpinupOptions) error {
	for _, entry := range entries {
		f.spinups = append(f.spinups, spinupCall{entry: entry, options: options})
		if options.GroupName != "" {
			continue
		}
		existing := f.groups.list(entry.Hostclass, "")
		if len(existing) != 0 && !options.CreateIfExists {
			continue
		}
		f.epoch++
		name := group.NewGroupName(f.env, entry.Hostclass, f.epoch)
		desired, _ := strconv.ParseInt(entry.DesiredSize, 10, 64)
		minSize, _ := strconv.ParseInt(entry.MinSize, 10, 64)
		maxSize, _ := strconv.ParseInt(entry.MaxSize, 10, 64)
		f.groups.groups[name] = &group.Group{
			Name:            name,
			ImageID:         entry.AMI,
			MinSize:         minSize,
			MaxSize:         maxSize,
			DesiredCapacity: desired,
		}
		instanceID := fmt.Sprintf("i-%03d", f.epoch)
		f.groups.members[name] = []group.Instance{{InstanceID: instanceID, GroupName: name}}
		f.instances = append(f.instances, Instance{
			ID:        instanceID,
			ImageID:   entry.AMI,
			Hostclass: entry.Hostclass,
		})
	}
	return nil
}

func (f *fakeProvisioner) Instances(ctx context.Context, instanceIDs []string) ([]Instance, error) {
	if instanceIDs == nil {
		return f.instances, nil
	}
	var result []Instance
	for _, instance := range f.instances {
		for _, id := range instanceIDs {
			if instance.ID == id {
				result = append(result, instance)
			}
		}
	}
	return result, nil
}

func (f *fakeProvisioner) InstancesFromHostclasses(ctx context.Context, hostclasses []string) ([]Instance, error) {
	var result []Instance
	for _, hostclass := range hostclasses {
		result = append(result, f.hostInstances[hostclass]...)
	}
	return result, nil
}

func (f *fakeProvisioner) WaitForAutoscaling(ctx context.Context, imageID string, minCount int64, groupName string) error {
	return f.autoscalingErr
}

func (f *fakeProvisioner) SmokeTest(ctx context.Context, instances []Instance) error {
	return f.smokeErr
}

func (f *fakeProvisioner) SmokeTestOnce(ctx context.Context, instance Instance) error {
	return nil
}

func (f *fakeProvisioner) RemoteCommand(ctx context.Context, instance Instance, command []string, user string) (int, []byte, error) {
	f.remoteCommands = append(f.remoteCommands, command)
	return f.remoteExit, nil, f.remoteErr
}

func (f *fakeProvisioner) CreateScalingSchedule(ctx context.Context, hostclass, groupName string, minSize, desiredSize, maxSize string) error {
	f.schedules = append(f.schedules, scheduleCall{
		hostclass: hostclass,
		groupName: groupName,
		minSize:   minSize,
		desired:   desiredSize,
		maxSize:   maxSize,
	})
	return nil
}

type promotion struct {
	imageID string
	stage   string
}

type fakeRegistry struct {
	amis         []*ami.AMI
	promotions   []promotion
	prodPromoted []string
}

func (f *fakeRegistry) GetAMIs(ctx context.Context, imageIDs []string) ([]*ami.AMI, error) {
	var result []*ami.AMI
	if imageIDs == nil {
		result = append(result, f.amis...)
	} else {
		for _, image := range f.amis {
			for _, id := range imageIDs {
				if image.ID == id {
					result = append(result, image)
				}
			}
		}
	}
	ami.SortByCreationTime(result)
	return result, nil
}

func (f *fakeRegistry) ListAMIs(ctx context.Context, filter ami.Filter) ([]*ami.AMI, error) {
	amis, err := f.GetAMIs(ctx, nil)
	if err != nil {
		return nil, err
	}
	return filter.Apply(amis), nil
}

func (f *fakeRegistry) PromoteAMI(ctx context.Context, image *ami.AMI, stage string) error {
	image.Stage = stage
	f.promotions = append(f.promotions, promotion{imageID: image.ID, stage: stage})
	return nil
}

func (f *fakeRegistry) PromoteAMIToProduction(ctx context.Context, image *ami.AMI) error {
	f.prodPromoted = append(f.prodPromoted, image.ID)
	return nil
}

type fakeLoadBalancers struct {
	deletedELBs []string
	healthWaits []elb.HealthStateConfig
	waitErr     error
}

func (f *fakeLoadBalancers) DeleteELB(ctx context.Context, hostclass string, testing bool) error {
	name := hostclass
	if testing {
		name += "-test"
	}
	f.deletedELBs = append(f.deletedELBs, name)
	return nil
}

func (f *fakeLoadBalancers) WaitForInstanceHealthState(ctx context.Context, config elb.HealthStateConfig) error {
	f.healthWaits = append(f.healthWaits, config)
	return f.waitErr
}

const testOptions = `
disco_aws:
  default_elb: "no"
test:
  hostclass: mhctester
  command: run_tests.sh
  user: tester
mhcelb:
  elb: "yes"
`

type harness struct {
	groups      *fakeGroups
	provisioner *fakeProvisioner
	registry    *fakeRegistry
	balancers   *fakeLoadBalancers
	deployer    *Deployer
}

func (s *DeploySuite) newHarness(c *check.C, pipeline Definition, amis []*ami.AMI) *harness {
	groups := &fakeGroups{
		groups:  map[string]*group.Group{},
		members: map[string][]group.Instance{},
	}
	provisioner := &fakeProvisioner{
		groups:        groups,
		env:           "ci",
		epoch:         1000,
		hostInstances: map[string][]Instance{},
	}
	registry := &fakeRegistry{amis: amis}
	balancers := &fakeLoadBalancers{}
	options, err := config.Parse([]byte(testOptions))
	c.Assert(err, check.IsNil)
	deployer, err := New(Config{
		Environment:   "ci",
		Pipeline:      pipeline,
		Provisioner:   provisioner,
		Groups:        groups,
		Registry:      registry,
		LoadBalancers: balancers,
		Options:       options,
	})
	c.Assert(err, check.IsNil)
	return &harness{
		groups:      groups,
		provisioner: provisioner,
		registry:    registry,
		balancers:   balancers,
		deployer:    deployer,
	}
}

func (h *harness) addOldGroup(hostclass string, epoch, minSize, desired, maxSize int64, imageID string) *group.Group {
	name := group.NewGroupName("ci", hostclass, epoch)
	g := &group.Group{
		Name:            name,
		ImageID:         imageID,
		MinSize:         minSize,
		MaxSize:         maxSize,
		DesiredCapacity: desired,
	}
	h.groups.groups[name] = g
	instanceID := fmt.Sprintf("i-old-%v", epoch)
	h.groups.members[name] = []group.Instance{{InstanceID: instanceID, GroupName: name}}
	h.provisioner.instances = append(h.provisioner.instances, Instance{
		ID:        instanceID,
		ImageID:   imageID,
		Hostclass: hostclass,
		// old instances predate everything under test
		LaunchTime: time.Unix(0, 0),
	})
	return g
}

func testImage(id, name, stage string) *ami.AMI {
	return &ami.AMI{
		ID:    id,
		Name:  name,
		Stage: stage,
		State: "available",
		Tags:  map[string]string{},
	}
}

func (s *DeploySuite) TestTestCandidates(c *check.C) {
	pipeline := Definition{{Hostclass: "mhcbanana"}, {Hostclass: "mhcsolo"}}
	h := s.newHarness(c, pipeline, []*ami.AMI{
		testImage("ami-1", "mhcbanana 100", "tested"),
		testImage("ami-2", "mhcbanana 200", "untested"),
		testImage("ami-3", "mhcsolo 100", "untested"),
		testImage("ami-4", "mhcsolo 200", "tested"),
	})
	candidates, err := h.deployer.TestCandidates(context.TODO())
	c.Assert(err, check.IsNil)
	c.Assert(len(candidates), check.Equals, 1)
	c.Assert(candidates[0].ID, check.Equals, "ami-2")
}

func (s *DeploySuite) TestCandidatesRestrictedToPipeline(c *check.C) {
	pipeline := Definition{{Hostclass: "mhcbanana"}}
	h := s.newHarness(c, pipeline, []*ami.AMI{
		testImage("ami-1", "mhcother 100", "untested"),
	})
	candidates, err := h.deployer.TestCandidates(context.TODO())
	c.Assert(err, check.IsNil)
	c.Assert(len(candidates), check.Equals, 0)
}

func (s *DeploySuite) TestUpdateCandidatesRespectDeployable(c *check.C) {
	pipeline := Definition{
		{Hostclass: "mhcbanana", Deployable: "yes"},
		{Hostclass: "mhcsolo"},
	}
	h := s.newHarness(c, pipeline, []*ami.AMI{
		testImage("ami-1", "mhcbanana 100", "tested"),
		testImage("ami-2", "mhcbanana 200", "tested"),
		testImage("ami-3", "mhcsolo 100", "tested"),
		testImage("ami-4", "mhcsolo 200", "tested"),
	})
	h.addOldGroup("mhcbanana", 50, 1, 1, 1, "ami-1")
	h.addOldGroup("mhcsolo", 50, 1, 1, 1, "ami-3")

	candidates, err := h.deployer.UpdateCandidates(context.TODO())
	c.Assert(err, check.IsNil)
	c.Assert(len(candidates), check.Equals, 1)
	c.Assert(candidates[0].ID, check.Equals, "ami-2")
}

func (s *DeploySuite) TestDryRunMakesNoChanges(c *check.C) {
	pipeline := Definition{{Hostclass: "mhcbanana", Deployable: "yes"}}
	image := testImage("ami-1", "mhcbanana 200", "untested")
	h := s.newHarness(c, pipeline, []*ami.AMI{image})

	err := h.deployer.TestAMI(context.TODO(), image, true, "")
	c.Assert(err, check.IsNil)
	c.Assert(h.provisioner.spinups, check.IsNil)
	c.Assert(h.groups.deleted, check.IsNil)
	c.Assert(h.registry.promotions, check.IsNil)
}

func (s *DeploySuite) TestUnknownStrategyIsRejected(c *check.C) {
	pipeline := Definition{{Hostclass: "mhcbanana"}}
	image := testImage("ami-1", "mhcbanana 200", "untested")
	h := s.newHarness(c, pipeline, []*ami.AMI{image})

	err := h.deployer.TestAMI(context.TODO(), image, false, "red_black")
	c.Assert(err, check.NotNil)
	c.Assert(h.provisioner.spinups, check.IsNil)
}

func (s *DeploySuite) TestFreshBlueGreenDeploy(c *check.C) {
	pipeline := Definition{{Hostclass: "mhcbanana", Deployable: "yes", DesiredSize: "2"}}
	image := testImage("ami-1", "mhcbanana 200", "untested")
	h := s.newHarness(c, pipeline, []*ami.AMI{image})

	err := h.deployer.TestAMI(context.TODO(), image, false, "")
	c.Assert(err, check.IsNil)

	// first spinup creates the testing group, second flips it live
	c.Assert(len(h.provisioner.spinups), check.Equals, 2)
	first := h.provisioner.spinups[0]
	c.Assert(first.options.CreateIfExists, check.Equals, true)
	c.Assert(first.options.Testing, check.Equals, true)
	c.Assert(first.entry.SmokeTest, check.Equals, "no")
	c.Assert(first.entry.AMI, check.Equals, "ami-1")
	c.Assert(first.entry.DesiredSize, check.Equals, "2")
	c.Assert(first.entry.MinSize, check.Equals, "0")
	c.Assert(first.entry.MaxSize, check.Equals, "2")
	second := h.provisioner.spinups[1]
	c.Assert(second.options.GroupName, check.Not(check.Equals), "")
	c.Assert(second.options.RollIfNeeded, check.Equals, true)

	// the image was vetted and the group keeps running with a schedule
	c.Assert(h.registry.promotions, check.DeepEquals, []promotion{{imageID: "ami-1", stage: "tested"}})
	c.Assert(len(h.provisioner.schedules), check.Equals, 1)
	c.Assert(h.provisioner.schedules[0].desired, check.Equals, "2")
	c.Assert(h.groups.deleted, check.IsNil)
	c.Assert(len(h.groups.groups), check.Equals, 1)

	// instances were taken out of testing mode
	c.Assert(len(h.provisioner.remoteCommands), check.Equals, 1)
	c.Assert(h.provisioner.remoteCommands[0],
		check.DeepEquals, []string{"sudo", "/etc/asiaq/bin/testing_mode.sh", "off"})
}

func (s *DeploySuite) TestBlueGreenReplacesOldGroup(c *check.C) {
	pipeline := Definition{{Hostclass: "mhcbanana", Deployable: "yes", DesiredSize: "2"}}
	image := testImage("ami-2", "mhcbanana 200", "untested")
	h := s.newHarness(c, pipeline, []*ami.AMI{image})
	oldGroup := h.addOldGroup("mhcbanana", 50, 3, 3, 5, "ami-1")

	err := h.deployer.TestAMI(context.TODO(), image, false, "")
	c.Assert(err, check.IsNil)

	// sizing follows the old group, not the pipeline
	c.Assert(h.provisioner.spinups[0].entry.DesiredSize, check.Equals, "3")
	c.Assert(h.provisioner.spinups[0].entry.MinSize, check.Equals, "3")
	c.Assert(h.provisioner.spinups[0].entry.MaxSize, check.Equals, "5")

	// the old group was drained and destroyed, the new one survives
	c.Assert(h.groups.scaledDown, check.DeepEquals, []string{oldGroup.Name})
	c.Assert(h.groups.deleted, check.DeepEquals, []string{oldGroup.Name})
	c.Assert(len(h.groups.groups), check.Equals, 1)
	_, stillThere := h.groups.groups[oldGroup.Name]
	c.Assert(stillThere, check.Equals, false)
}

func (s *DeploySuite) TestSmokeTestFailurePreservesOldGroup(c *check.C) {
	pipeline := Definition{{Hostclass: "mhcbanana", Deployable: "yes"}}
	image := testImage("ami-2", "mhcbanana 200", "untested")
	h := s.newHarness(c, pipeline, []*ami.AMI{image})
	oldGroup := h.addOldGroup("mhcbanana", 50, 1, 1, 1, "ami-1")
	h.provisioner.autoscalingErr = retry.NewTimeoutError(time.Minute, "autoscaling timed out")

	err := h.deployer.TestAMI(context.TODO(), image, false, "")
	c.Assert(err, check.NotNil)

	// the image is marked failed and the testing group torn down, while
	// the running group is never touched
	c.Assert(h.registry.promotions, check.DeepEquals, []promotion{{imageID: "ami-2", stage: "failed"}})
	c.Assert(len(h.groups.deleted), check.Equals, 1)
	c.Assert(h.groups.deleted[0], check.Not(check.Equals), oldGroup.Name)
	_, stillThere := h.groups.groups[oldGroup.Name]
	c.Assert(stillThere, check.Equals, true)
	c.Assert(h.groups.scaledDown, check.IsNil)
}

func (s *DeploySuite) TestNonDeployableUpdatesOldGroupInPlace(c *check.C) {
	pipeline := Definition{{Hostclass: "mhcbanana"}}
	image := testImage("ami-2", "mhcbanana 200", "untested")
	h := s.newHarness(c, pipeline, []*ami.AMI{image})
	oldGroup := h.addOldGroup("mhcbanana", 50, 1, 1, 1, "ami-1")

	err := h.deployer.TestAMI(context.TODO(), image, false, "")
	c.Assert(err, check.IsNil)

	// the image passed so it is tested, but the testing group is
	// destroyed and the vetted image is pushed into the old group's
	// launch settings instead
	c.Assert(h.registry.promotions, check.DeepEquals, []promotion{{imageID: "ami-2", stage: "tested"}})
	c.Assert(len(h.groups.deleted), check.Equals, 1)
	c.Assert(h.groups.deleted[0], check.Not(check.Equals), oldGroup.Name)
	last := h.provisioner.spinups[len(h.provisioner.spinups)-1]
	c.Assert(last.options.GroupName, check.Equals, oldGroup.Name)
	c.Assert(last.options.RollIfNeeded, check.Equals, false)
	c.Assert(last.entry.AMI, check.Equals, "ami-2")
}

func (s *DeploySuite) TestSwapFailureDestroysNewGroup(c *check.C) {
	pipeline := Definition{{Hostclass: "mhcbanana", Deployable: "yes"}}
	image := testImage("ami-2", "mhcbanana 200", "untested")
	h := s.newHarness(c, pipeline, []*ami.AMI{image})
	oldGroup := h.addOldGroup("mhcbanana", 50, 1, 1, 1, "ami-1")
	// instances refuse to leave testing mode
	h.provisioner.remoteExit = 1

	err := h.deployer.TestAMI(context.TODO(), image, false, "")
	c.Assert(err, check.NotNil)

	// the old group survives the failed swap
	c.Assert(len(h.groups.deleted), check.Equals, 1)
	c.Assert(h.groups.deleted[0], check.Not(check.Equals), oldGroup.Name)
	_, stillThere := h.groups.groups[oldGroup.Name]
	c.Assert(stillThere, check.Equals, true)
}

func (s *DeploySuite) TestIntegrationTestFailure(c *check.C) {
	pipeline := Definition{{Hostclass: "mhcbanana", Deployable: "yes", IntegrationTest: "banana_test"}}
	image := testImage("ami-2", "mhcbanana 200", "untested")
	h := s.newHarness(c, pipeline, []*ami.AMI{image})
	h.provisioner.hostInstances["mhctester"] = []Instance{{ID: "i-tester"}}
	h.provisioner.remoteExit = 1

	err := h.deployer.TestAMI(context.TODO(), image, false, "")
	c.Assert(err, check.NotNil)
	c.Assert(h.registry.promotions, check.DeepEquals, []promotion{{imageID: "ami-2", stage: "failed"}})
	// the failed integration test ran on the test runner host
	c.Assert(h.provisioner.remoteCommands, check.DeepEquals, [][]string{{"run_tests.sh", "banana_test"}})
}

func (s *DeploySuite) TestELBHostclassWaitsOnHealthAndCleansUpTestingELB(c *check.C) {
	pipeline := Definition{{Hostclass: "mhcelb", Deployable: "yes"}}
	image := testImage("ami-1", "mhcelb 200", "untested")
	h := s.newHarness(c, pipeline, []*ami.AMI{image})

	err := h.deployer.TestAMI(context.TODO(), image, false, "")
	c.Assert(err, check.IsNil)

	c.Assert(len(h.balancers.healthWaits), check.Equals, 1)
	c.Assert(h.balancers.healthWaits[0].Hostclass, check.Equals, "mhcelb")
	c.Assert(h.balancers.healthWaits[0].Testing, check.Equals, false)
	c.Assert(len(h.balancers.healthWaits[0].InstanceIDs), check.Equals, 1)
	c.Assert(h.balancers.deletedELBs, check.DeepEquals, []string{"mhcelb-test"})
}

func (s *DeploySuite) TestGenerateDeployEntrySizing(c *check.C) {
	image := testImage("ami-1", "mhcbanana 200", "untested")

	// an old group's sizing wins
	entry, err := generateDeployEntry(Entry{Hostclass: "mhcbanana", DesiredSize: "9"},
		&group.Group{MinSize: 1, MaxSize: 4, DesiredCapacity: 2}, image)
	c.Assert(err, check.IsNil)
	c.Assert(entry.DesiredSize, check.Equals, "2")
	c.Assert(entry.MinSize, check.Equals, "1")
	c.Assert(entry.MaxSize, check.Equals, "4")
	c.Assert(entry.SmokeTest, check.Equals, "no")
	c.Assert(entry.AMI, check.Equals, "ami-1")

	// a zero desired size still deploys one instance to test
	entry, err = generateDeployEntry(Entry{Hostclass: "mhcbanana", DesiredSize: "0"}, nil, image)
	c.Assert(err, check.IsNil)
	c.Assert(entry.DesiredSize, check.Equals, "1")
	c.Assert(entry.MaxSize, check.Equals, "1")

	// a scheduled size collapses to its peak
	entry, err = generateDeployEntry(Entry{
		Hostclass:   "mhcbanana",
		DesiredSize: "2@1 0 * * *:3@6 0 * * *",
	}, nil, image)
	c.Assert(err, check.IsNil)
	c.Assert(entry.DesiredSize, check.Equals, "3")
	c.Assert(entry.MinSize, check.Equals, "0")
	c.Assert(entry.MaxSize, check.Equals, "3")
}
