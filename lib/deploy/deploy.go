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

// Package deploy tests, promotes and deploys machine images using the
// blue/green strategy: a new group is spun up in testing mode next to the
// running one, the image is vetted inside it, and only then does the new
// group take over and the old one get destroyed. A failure at any point
// before the swap leaves the running group untouched.
package deploy

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"

	"github.com/asiaq/asiaq/lib/ami"
	"github.com/asiaq/asiaq/lib/config"
	"github.com/asiaq/asiaq/lib/defaults"
	"github.com/asiaq/asiaq/lib/elb"
	"github.com/asiaq/asiaq/lib/group"
	"github.com/asiaq/asiaq/lib/retry"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// bakeConfigSection holds image bakery options, notably prod_baker
const bakeConfigSection = "bake"

// testingModeScript flips an instance in and out of testing mode
var testingModeScript = []string{"sudo", "/etc/asiaq/bin/testing_mode.sh"}

// Config configures the deployer
type Config struct {
	// Environment is the environment deployments run in
	Environment string
	// Pipeline is the pipeline definition for the environment
	Pipeline Definition
	// Provisioner spins groups up and reaches their instances
	Provisioner Provisioner
	// TestProvisioner reaches the environment that hosts integration test
	// runners, defaults to Provisioner
	TestProvisioner Provisioner
	// Groups manages the environment's scaling groups
	Groups Groups
	// Registry reads and promotes machine images
	Registry Registry
	// LoadBalancers manages the per-hostclass load balancers
	LoadBalancers LoadBalancers
	// Options is the deployment configuration
	Options *config.Config
	// RestrictAMIs narrows all operations to specific image ids
	RestrictAMIs []string
	// RestrictHostclass narrows all operations to one hostclass
	RestrictHostclass string
	// AllowAnyHostclass lifts the restriction to pipeline hostclasses
	AllowAnyHostclass bool
}

// CheckAndSetDefaults checks and sets default values
func (c *Config) CheckAndSetDefaults() error {
	if c.Environment == "" {
		return trace.BadParameter("missing parameter Environment")
	}
	if c.Provisioner == nil {
		return trace.BadParameter("missing parameter Provisioner")
	}
	if c.Groups == nil {
		return trace.BadParameter("missing parameter Groups")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.LoadBalancers == nil {
		return trace.BadParameter("missing parameter LoadBalancers")
	}
	if c.Options == nil {
		return trace.BadParameter("missing parameter Options")
	}
	if c.TestProvisioner == nil {
		c.TestProvisioner = c.Provisioner
	}
	return nil
}

// Deployer tests, promotes and deploys the latest machine images
type Deployer struct {
	Config
	*log.Entry
	hostclasses map[string]Entry
	// allStageAMIs caches the filtered image listing for the run
	allStageAMIs []*ami.AMI
}

// New returns a new deployer
func New(config Config) (*Deployer, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Deployer{
		Config:      config,
		Entry:       log.WithFields(log.Fields{trace.Component: "deploy"}),
		hostclasses: config.Pipeline.ByHostclass(),
	}, nil
}

func (d *Deployer) filterAMIs(amis []*ami.AMI) []*ami.AMI {
	if len(d.RestrictAMIs) != 0 {
		restricted := make(map[string]struct{}, len(d.RestrictAMIs))
		for _, id := range d.RestrictAMIs {
			restricted[id] = struct{}{}
		}
		var result []*ami.AMI
		for _, image := range amis {
			if _, ok := restricted[image.ID]; ok {
				result = append(result, image)
			}
		}
		return result
	}
	if d.RestrictHostclass != "" {
		var result []*ami.AMI
		for _, image := range amis {
			if image.Hostclass() == d.RestrictHostclass {
				result = append(result, image)
			}
		}
		return result
	}
	if !d.AllowAnyHostclass {
		var result []*ami.AMI
		for _, image := range amis {
			if _, ok := d.hostclasses[image.Hostclass()]; ok {
				result = append(result, image)
			}
		}
		return result
	}
	return amis
}

// AllStageAMIs returns the available images in every stage, filtered per
// the deployer's restrictions
func (d *Deployer) AllStageAMIs(ctx context.Context) ([]*ami.AMI, error) {
	if d.allStageAMIs != nil {
		return d.allStageAMIs, nil
	}
	amis, err := d.Registry.GetAMIs(ctx, d.RestrictAMIs)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var available []*ami.AMI
	for _, image := range d.filterAMIs(amis) {
		if image.Available() {
			available = append(available, image)
		}
	}
	d.allStageAMIs = available
	return available, nil
}

// latestAMIsInStage returns the newest image of each hostclass in the
// stage. StageUntagged selects images that carry no stage tag at all.
func (d *Deployer) latestAMIsInStage(ctx context.Context, stage string) (map[string]*ami.AMI, error) {
	amis, err := d.AllStageAMIs(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	latest := make(map[string]*ami.AMI)
	for _, image := range amis {
		if stage == ami.StageUntagged {
			if image.Stage != "" {
				continue
			}
		} else if image.Stage != stage {
			continue
		}
		hostclass := image.Hostclass()
		if previous, ok := latest[hostclass]; !ok || image.CreationTime().After(previous.CreationTime()) {
			latest[hostclass] = image
		}
	}
	return latest, nil
}

// newerInSecond returns the images from second that are newer than their
// hostclass's image in first, or have no counterpart there
func newerInSecond(first, second map[string]*ami.AMI) []*ami.AMI {
	var result []*ami.AMI
	for hostclass, image := range second {
		previous, ok := first[hostclass]
		if !ok || image.CreationTime().After(previous.CreationTime()) {
			result = append(result, image)
		}
	}
	return result
}

// newestInEither merges two hostclass to image maps keeping the newer
// image of each hostclass
func newestInEither(first, second map[string]*ami.AMI) map[string]*ami.AMI {
	result := make(map[string]*ami.AMI, len(first))
	for hostclass, image := range first {
		result[hostclass] = image
	}
	for hostclass, image := range second {
		if previous, ok := result[hostclass]; !ok || image.CreationTime().After(previous.CreationTime()) {
			result[hostclass] = image
		}
	}
	return result
}

// TestCandidates returns untested images that are newer than the newest
// tested image of their hostclass
func (d *Deployer) TestCandidates(ctx context.Context) ([]*ami.AMI, error) {
	tested, err := d.latestAMIsInStage(ctx, defaults.StageTested)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	untested, err := d.latestAMIsInStage(ctx, defaults.StageUntested)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newerInSecond(tested, untested), nil
}

// FailedCandidates returns failed images that are newer than the newest
// tested image of their hostclass
func (d *Deployer) FailedCandidates(ctx context.Context) ([]*ami.AMI, error) {
	tested, err := d.latestAMIsInStage(ctx, defaults.StageTested)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	failed, err := d.latestAMIsInStage(ctx, defaults.StageFailed)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newerInSecond(tested, failed), nil
}

// latestRunningAMIs returns the newest image actually running in each
// hostclass's group
func (d *Deployer) latestRunningAMIs(ctx context.Context) (map[string]*ami.AMI, error) {
	instances, err := d.Provisioner.Instances(ctx, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	imageIDs := make(map[string]struct{})
	for _, instance := range instances {
		if instance.ImageID != "" {
			imageIDs[instance.ImageID] = struct{}{}
		}
	}
	if len(imageIDs) == 0 {
		return map[string]*ami.AMI{}, nil
	}
	ids := make([]string, 0, len(imageIDs))
	for id := range imageIDs {
		ids = append(ids, id)
	}
	amis, err := d.Registry.GetAMIs(ctx, ids)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// images arrive oldest first so the newest per hostclass wins
	running := make(map[string]*ami.AMI)
	for _, image := range amis {
		running[image.Hostclass()] = image
	}
	return running, nil
}

// UpdateCandidates returns vetted images that are ready to replace what
// is currently running. Only hostclasses in the pipeline that are marked
// deployable qualify.
func (d *Deployer) UpdateCandidates(ctx context.Context) ([]*ami.AMI, error) {
	tested, err := d.latestAMIsInStage(ctx, defaults.StageTested)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	untagged, err := d.latestAMIsInStage(ctx, ami.StageUntagged)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	running, err := d.latestRunningAMIs(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var result []*ami.AMI
	for _, image := range newerInSecond(running, newestInEither(tested, untagged)) {
		hostclass := image.Hostclass()
		if _, ok := d.hostclasses[hostclass]; ok && d.IsDeployable(hostclass) {
			result = append(result, image)
		}
	}
	return result, nil
}

// IsDeployable returns true unless the hostclass's pipeline entry marks
// it as not deployable. Hostclasses outside the pipeline are considered
// deployable.
func (d *Deployer) IsDeployable(hostclass string) bool {
	entry, ok := d.hostclasses[hostclass]
	if !ok {
		return true
	}
	return IsTruthy(entry.Deployable)
}

// IntegrationTest returns the name of the hostclass's integration test,
// empty if none is configured
func (d *Deployer) IntegrationTest(hostclass string) string {
	return d.hostclasses[hostclass].IntegrationTest
}

// waitForSmokeTests waits for the group's instances to boot the image and
// pass their smoke tests. A timeout means the image failed, any other
// error aborts the run.
func (d *Deployer) waitForSmokeTests(ctx context.Context, imageID string, minCount int64, groupName string) (bool, error) {
	if err := d.Provisioner.WaitForAutoscaling(ctx, imageID, minCount, groupName); err != nil {
		if retry.IsTimeoutError(err) {
			d.Info("Autoscaling timed out.")
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	instances, err := d.Provisioner.Instances(ctx, nil)
	if err != nil {
		return false, trace.Wrap(err)
	}
	var launched []Instance
	for _, instance := range instances {
		if instance.ImageID == imageID {
			launched = append(launched, instance)
		}
	}
	if err := d.Provisioner.SmokeTest(ctx, launched); err != nil {
		if retry.IsTimeoutError(err) {
			d.Info("Smoke test timed out.")
			return false, nil
		}
		if trace.IsNotFound(err) {
			d.Info("Smoke test instance was terminated.")
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	return true, nil
}

// promoteAMI moves the image to the stage and, for fully vetted images
// built by the production baker, shares it with the production account.
// Promotion failures are logged, never fatal: the deployment already
// succeeded by the time promotion runs.
func (d *Deployer) promoteAMI(ctx context.Context, image *ami.AMI, stage string) {
	if err := d.Registry.PromoteAMI(ctx, image, stage); err != nil {
		d.WithError(err).Error("Promotion failed.")
		return
	}
	prodBaker := d.Options.OptionDefault(bakeConfigSection, "prod_baker", "")
	if stage == defaults.StageTested && prodBaker != "" && image.Tags["baker"] == prodBaker {
		if err := d.Registry.PromoteAMIToProduction(ctx, image); err != nil {
			d.WithError(err).Error("Promotion to production failed.")
		}
	}
}

// generateDeployEntry derives the pipeline entry used to spin up the
// replacement group: smoke tests are disabled because the deployer vets
// the image itself, and sizing follows the old group when one exists so
// the swap is capacity neutral
func generateDeployEntry(entry Entry, oldGroup *group.Group, image *ami.AMI) (Entry, error) {
	result := entry
	result.Hostclass = image.Hostclass()
	result.Sequence = 1
	result.SmokeTest = "no"
	result.AMI = image.ID

	if oldGroup != nil {
		result.DesiredSize = strconv.FormatInt(oldGroup.DesiredCapacity, 10)
		result.MinSize = strconv.FormatInt(oldGroup.MinSize, 10)
		result.MaxSize = strconv.FormatInt(oldGroup.MaxSize, 10)
		return result, nil
	}

	desiredSize := entry.DesiredSize
	if desiredSize == "" {
		desiredSize = "1"
	}
	// some pipelines set their desired size to 0, deploy one instance
	// anyway so there is something to test
	desired, err := SizeAsMaximum(desiredSize)
	if err != nil {
		return Entry{}, trace.Wrap(err)
	}
	if desired == nil || *desired == 0 {
		one := int64(1)
		desired = &one
	}
	minSize := entry.MinSize
	if minSize == "" {
		minSize = "0"
	}
	minimum, err := SizeAsMinimum(minSize)
	if err != nil {
		return Entry{}, trace.Wrap(err)
	}
	if minimum == nil {
		zero := int64(0)
		minimum = &zero
	}
	maxSize := entry.MaxSize
	if maxSize == "" {
		maxSize = strconv.FormatInt(*desired, 10)
	}
	maximum, err := SizeAsMaximum(maxSize)
	if err != nil {
		return Entry{}, trace.Wrap(err)
	}
	if maximum == nil || *maximum == 0 {
		maximum = desired
	}

	result.DesiredSize = strconv.FormatInt(*desired, 10)
	result.MinSize = strconv.FormatInt(*minimum, 10)
	result.MaxSize = strconv.FormatInt(*maximum, 10)
	return result, nil
}

// createScalingSchedule installs the pipeline entry's recurring capacity
// overrides on the group
func (d *Deployer) createScalingSchedule(ctx context.Context, entry Entry, groupName string) error {
	desiredSize := entry.DesiredSize
	if desiredSize == "" {
		desiredSize = "1"
	}
	minSize := entry.MinSize
	if minSize == "" {
		minimum, err := SizeAsMinimum(desiredSize)
		if err != nil {
			return trace.Wrap(err)
		}
		if minimum != nil {
			minSize = strconv.FormatInt(*minimum, 10)
		}
	}
	maxSize := entry.MaxSize
	if maxSize == "" || maxSize == "0" {
		maximum, err := SizeAsMaximum(desiredSize)
		if err != nil {
			return trace.Wrap(err)
		}
		if maximum != nil {
			maxSize = strconv.FormatInt(*maximum, 10)
		}
	}
	return trace.Wrap(d.Provisioner.CreateScalingSchedule(
		ctx, entry.Hostclass, groupName, minSize, desiredSize, maxSize))
}

// setTestingMode flips the instances in or out of testing mode, returning
// false if any instance failed to switch
func (d *Deployer) setTestingMode(ctx context.Context, hostclass string, instances []Instance, on bool) bool {
	mode := "off"
	if on {
		mode = "on"
	}
	command := append(append([]string{}, testingModeScript...), mode)
	user := d.Options.HostclassOptionDefault(hostclass, "test_user", "")
	ok := true
	for _, instance := range instances {
		exitCode, output, err := d.Provisioner.RemoteCommand(ctx, instance, command, user)
		if err != nil {
			d.WithError(err).Warnf("Failed to switch testing mode %v on %v.", mode, instance.ID)
			ok = false
			continue
		}
		os.Stdout.Write(output)
		if exitCode != 0 {
			ok = false
		}
	}
	return ok
}

// getTestHost returns an instance of the test hostclass that is up and
// ready to run integration tests
func (d *Deployer) getTestHost(ctx context.Context, testHostclass string) (*Instance, error) {
	instances, err := d.TestProvisioner.InstancesFromHostclasses(ctx, []string{testHostclass})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, instance := range instances {
		if err := d.TestProvisioner.SmokeTestOnce(ctx, instance); err != nil {
			if retry.IsTimeoutError(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		instance := instance
		return &instance, nil
	}
	return nil, trace.NotFound("unable to find a test host in hostclass %v", testHostclass)
}

// runIntegrationTests runs the hostclass's integration test from a test
// runner host. Returns false when the test ran and failed, an error when
// it could not be run at all.
func (d *Deployer) runIntegrationTests(ctx context.Context, image *ami.AMI, waitForELB bool) (bool, error) {
	hostclass := image.Hostclass()
	testHostclass, err := d.Options.HostclassOption(hostclass, "test_hostclass")
	if err != nil {
		return false, trace.Wrap(err)
	}
	testCommand, err := d.Options.HostclassOption(hostclass, "test_command")
	if err != nil {
		return false, trace.Wrap(err)
	}
	testUser, err := d.Options.HostclassOption(hostclass, "test_user")
	if err != nil {
		return false, trace.Wrap(err)
	}
	testName := d.IntegrationTest(hostclass)

	if waitForELB {
		err := d.LoadBalancers.WaitForInstanceHealthState(ctx, elb.HealthStateConfig{
			Hostclass: hostclass,
			Testing:   true,
		})
		if err != nil {
			if retry.IsTimeoutError(err) {
				d.WithError(err).Error("Waiting for health of instances attached to the testing load balancer timed out.")
				return false, nil
			}
			return false, trace.Wrap(err)
		}
	}

	host, err := d.getTestHost(ctx, testHostclass)
	if err != nil {
		return false, trace.Wrap(err)
	}
	d.Infof("Running integration test %v on %v.", testName, testHostclass)
	exitCode, output, err := d.TestProvisioner.RemoteCommand(ctx, *host, []string{testCommand, testName}, testUser)
	if err != nil {
		return false, trace.Wrap(err)
	}
	os.Stdout.Write(output)
	return exitCode == 0, nil
}

// groupInstances returns the ids of the group's current members
func (d *Deployer) groupInstances(ctx context.Context, groupName string) ([]string, error) {
	members, err := d.Groups.GetInstances(ctx, "", groupName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ids := make([]string, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.InstanceID)
	}
	return ids, nil
}

// teardownTesting destroys the testing group and, when the hostclass
// fronts a load balancer, its testing load balancer
func (d *Deployer) teardownTesting(ctx context.Context, hostclass, groupName string, usesELB bool) {
	if err := d.Groups.DeleteGroups(ctx, "", groupName, true); err != nil {
		d.WithError(err).Errorf("Failed to delete testing group %v.", groupName)
	}
	if usesELB {
		if err := d.LoadBalancers.DeleteELB(ctx, hostclass, true); err != nil {
			d.WithError(err).Errorf("Failed to delete testing load balancer for %v.", hostclass)
		}
	}
}

// handleBlueGreen runs a full blue/green cycle for the image: spin up a
// replacement group in testing mode, vet the image inside it, then either
// promote the group to live and destroy the old one, or destroy the
// replacement and leave the old group running
func (d *Deployer) handleBlueGreen(ctx context.Context, image *ami.AMI, entry Entry, oldGroup *group.Group, deployable, runTests, dryRun bool) error {
	hostclass := image.Hostclass()
	kind := "non-deployable"
	if deployable {
		kind = "deployable"
	}
	d.Infof("Testing %v hostclass %v AMI %v with %v deployment strategy.",
		kind, hostclass, image.ID, defaults.DeploymentStrategyBlueGreen)

	if dryRun {
		return nil
	}

	usesELB := IsTruthy(d.Options.HostclassOptionDefault(hostclass, "elb", "no"))

	newEntry, err := generateDeployEntry(entry, oldGroup, image)
	if err != nil {
		return trace.Wrap(err)
	}

	// spin up the replacement group in testing mode, making one even if
	// one already exists
	err = d.Provisioner.Spinup(ctx, []Entry{newEntry}, SpinupOptions{CreateIfExists: true, Testing: true})
	if err != nil {
		if group.IsTooManyGroups(err) {
			d.WithError(err).Error("Too many groups exist, unable to determine which group to delete, " +
				"so refusing to do anything. Manual cleanup is probably required.")
			return trace.Wrap(err)
		}
		d.WithError(err).Error("Spinning up a new group failed.")
		newGroup, getErr := d.Groups.GetExistingGroup(ctx, hostclass, "", false)
		if getErr != nil {
			d.WithError(getErr).Error("Failed to look up the group to clean up.")
			return trace.Wrap(err, "spinning up a new group failed")
		}
		// the lookup may have returned the old group rather than the
		// half-created one, only tear down a group we actually made
		if newGroup != nil && (oldGroup == nil || oldGroup.Name != newGroup.Name) {
			d.Info("Destroying the testing group.")
			d.teardownTesting(ctx, hostclass, newGroup.Name, usesELB)
		}
		return trace.Wrap(err, "spinning up a new group failed")
	}

	newGroup, err := d.Groups.GetExistingGroup(ctx, hostclass, "", false)
	if err != nil {
		return trace.Wrap(err)
	}
	if newGroup == nil {
		return trace.NotFound("no group found for %v after spinup", hostclass)
	}
	if oldGroup != nil && oldGroup.Name == newGroup.Name {
		return trace.BadParameter("old group and new group should not be the same")
	}

	minCount, err := strconv.ParseInt(newEntry.DesiredSize, 10, 64)
	if err != nil || minCount == 0 {
		minCount = 1
	}
	smokeTests, err := d.waitForSmokeTests(ctx, image.ID, minCount, newGroup.Name)
	if err != nil {
		return trace.Wrap(err)
	}

	integrationTests := true
	if smokeTests && runTests {
		integrationTests, err = d.runIntegrationTests(ctx, image, usesELB)
		if err != nil {
			d.WithError(err).Error("Failed to run integration test.")
			d.teardownTesting(ctx, hostclass, newGroup.Name, usesELB)
			return trace.Wrap(err)
		}
	}

	if smokeTests && integrationTests {
		d.promoteAMI(ctx, image, defaults.StageTested)

		instanceIDs, err := d.groupInstances(ctx, newGroup.Name)
		if err != nil {
			return trace.Wrap(err)
		}
		if len(instanceIDs) == 0 {
			return trace.NotFound("could not find any instances in new group %v", newGroup.Name)
		}
		instances, err := d.Provisioner.Instances(ctx, instanceIDs)
		if err != nil {
			return trace.Wrap(err)
		}

		if deployable && d.setTestingMode(ctx, hostclass, instances, false) {
			d.Infof("Successfully left testing mode for group %v.", newGroup.Name)
			// exit testing mode on the group itself, attaching it to the
			// live load balancer and rolling instances if required
			err = d.Provisioner.Spinup(ctx, []Entry{newEntry}, SpinupOptions{
				GroupName:    newGroup.Name,
				RollIfNeeded: true,
			})
			if err != nil {
				return trace.Wrap(err)
			}
			if usesELB {
				// re-list the members, updating the group may have
				// replaced them on the spot backend
				instanceIDs, err = d.groupInstances(ctx, newGroup.Name)
				if err != nil {
					return trace.Wrap(err)
				}
				err = d.LoadBalancers.WaitForInstanceHealthState(ctx, elb.HealthStateConfig{
					Hostclass:   hostclass,
					InstanceIDs: instanceIDs,
				})
				if err != nil {
					d.WithError(err).Error("Waiting for health of instances attached to the load balancer timed out.")
					d.teardownTesting(ctx, hostclass, newGroup.Name, usesELB)
					return trace.Wrap(err)
				}
			}
			// the new group is a keeper, give it its schedule
			if err := d.createScalingSchedule(ctx, entry, newGroup.Name); err != nil {
				return trace.Wrap(err)
			}
			if oldGroup != nil {
				// empty the original group first for connection draining
				err = d.Groups.ScaledownGroups(ctx, "", oldGroup.Name, true, true)
				if err != nil {
					return trace.Wrap(err)
				}
				err = d.Groups.DeleteGroups(ctx, "", oldGroup.Name, true)
				if err != nil {
					return trace.Wrap(err)
				}
			}
			if usesELB {
				if err := d.LoadBalancers.DeleteELB(ctx, hostclass, true); err != nil {
					return trace.Wrap(err)
				}
			}
			return nil
		}

		var reason string
		if deployable {
			reason = fmt.Sprintf("unable to exit testing mode for group %v", newGroup.Name)
		} else {
			reason = fmt.Sprintf("%v is not deployable", hostclass)
		}
		d.Errorf("%v, destroying new group.", reason)
		d.teardownTesting(ctx, hostclass, newGroup.Name, usesELB)

		// a freshly vetted image on a non-deployable hostclass still gets
		// pushed into the old group's launch settings so replacement
		// instances pick it up
		if !deployable && oldGroup != nil {
			err = d.Provisioner.Spinup(ctx, []Entry{newEntry}, SpinupOptions{GroupName: oldGroup.Name})
			if err != nil {
				return trace.Wrap(err)
			}
		}
		if deployable {
			return trace.CompareFailed(reason)
		}
		return nil
	}

	d.promoteAMI(ctx, image, defaults.StageFailed)
	d.teardownTesting(ctx, hostclass, newGroup.Name, usesELB)
	if !smokeTests {
		return trace.CompareFailed("AMI smoke test failed")
	}
	return trace.CompareFailed("AMI integration test failed")
}

// deploymentStrategy resolves the hostclass's configured deployment
// strategy, explicit override first
func (d *Deployer) deploymentStrategy(hostclass, override string) string {
	if override != "" {
		return override
	}
	return d.Options.HostclassOptionDefault(hostclass, "deployment_strategy",
		defaults.DeploymentStrategyBlueGreen)
}

// TestAMI vets a single image: it is deployed into a testing group,
// smoke and integration tested, and promoted to tested or failed
func (d *Deployer) TestAMI(ctx context.Context, image *ami.AMI, dryRun bool, strategy string) error {
	d.Infof("Testing %v %v.", image.ID, image.Name)
	hostclass := image.Hostclass()
	entry, inPipeline := d.hostclasses[hostclass]
	oldGroup, err := d.Groups.GetExistingGroup(ctx, hostclass, "", true)
	if err != nil {
		return trace.Wrap(err)
	}
	// only deploy from testing when the hostclass is in the pipeline:
	// some hostclasses need testing but must never end up in the testing
	// environment, like ones that only exist in the bakery
	deployable := inPipeline && d.IsDeployable(hostclass)
	testable := d.IntegrationTest(hostclass) != ""

	if strategy := d.deploymentStrategy(hostclass, strategy); strategy != defaults.DeploymentStrategyBlueGreen {
		return trace.BadParameter("unsupported deployment strategy %q", strategy)
	}
	return d.handleBlueGreen(ctx, image, entry, oldGroup, deployable, testable, dryRun)
}

// UpdateAMI deploys a vetted image into the hostclass's live group
func (d *Deployer) UpdateAMI(ctx context.Context, image *ami.AMI, dryRun bool, strategy string) error {
	d.Infof("Updating %v %v.", image.ID, image.Name)
	hostclass := image.Hostclass()
	entry, inPipeline := d.hostclasses[hostclass]
	if !inPipeline {
		return trace.NotFound("no pipeline entry defined for %v", hostclass)
	}
	oldGroup, err := d.Groups.GetExistingGroup(ctx, hostclass, "", true)
	if err != nil {
		return trace.Wrap(err)
	}
	deployable := d.IsDeployable(hostclass)
	testable := d.IntegrationTest(hostclass) != ""

	if strategy := d.deploymentStrategy(hostclass, strategy); strategy != defaults.DeploymentStrategyBlueGreen {
		return trace.BadParameter("unsupported deployment strategy %q", strategy)
	}
	return d.handleBlueGreen(ctx, image, entry, oldGroup, deployable, testable, dryRun)
}

// Test picks one test candidate at random and vets it. With image
// restrictions in place the restricted image is tested regardless of its
// stage.
func (d *Deployer) Test(ctx context.Context, dryRun bool, strategy string) error {
	var amis []*ami.AMI
	var err error
	if len(d.RestrictAMIs) != 0 {
		amis, err = d.AllStageAMIs(ctx)
	} else {
		amis, err = d.TestCandidates(ctx)
	}
	if err != nil {
		return trace.Wrap(err)
	}
	if len(amis) == 0 {
		if len(d.RestrictAMIs) != 0 {
			return trace.NotFound("specified AMIs not found: %v", d.RestrictAMIs)
		}
		return trace.NotFound("no %q AMIs found", defaults.StageUntested)
	}
	return trace.Wrap(d.TestAMI(ctx, amis[rand.Intn(len(amis))], dryRun, strategy))
}

// Update picks one update candidate at random and deploys it. With image
// restrictions in place the restricted image is deployed regardless of
// its stage.
func (d *Deployer) Update(ctx context.Context, dryRun bool, strategy string) error {
	var amis []*ami.AMI
	var err error
	if len(d.RestrictAMIs) != 0 {
		amis, err = d.AllStageAMIs(ctx)
	} else {
		amis, err = d.UpdateCandidates(ctx)
	}
	if err != nil {
		return trace.Wrap(err)
	}
	if len(amis) == 0 {
		if len(d.RestrictAMIs) != 0 {
			return trace.NotFound("specified AMIs not found: %v", d.RestrictAMIs)
		}
		return trace.NotFound("no AMIs ready to deploy")
	}
	return trace.Wrap(d.UpdateAMI(ctx, amis[rand.Intn(len(amis))], dryRun, strategy))
}
