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

package defaults

import "time"

const (
	// JitterBase is the lower bound of a single decorrelated-jitter sleep
	JitterBase = 3 * time.Second

	// MaxPollInterval caps a single decorrelated-jitter sleep
	MaxPollInterval = 60 * time.Second

	// ThrottledCallTimeout is the cumulative wait budget for calls retried
	// on provider throttling errors
	ThrottledCallTimeout = 5 * time.Minute

	// WaitForStateTimeout is the default budget for a resource to reach
	// a requested state
	WaitForStateTimeout = 15 * time.Minute

	// WaitForSSHableTimeout is the default budget for an instance to boot
	// and start answering trivial remote commands
	WaitForSSHableTimeout = 15 * time.Minute

	// WaitForELBHealthTimeout is the default budget for instances to
	// register healthy behind a load balancer
	WaitForELBHealthTimeout = 3 * time.Minute

	// SpotinstMinWait is the minimum sleep between retries of a throttled
	// Spotinst API call; their rate limit window resets every minute
	SpotinstMinWait = 60 * time.Second

	// GroupRollGracePeriod is how long replaced elastigroup instances are
	// given to pass health checks during a roll
	GroupRollGracePeriod = 5 * time.Minute

	// GroupRollSettleTimeout is extra time allowed for a roll to finish
	// after the grace period has expired
	GroupRollSettleTimeout = 10 * time.Minute

	// InstanceTerminationTimeout is the maximum amount of time to wait for
	// scaled-down group members to terminate
	InstanceTerminationTimeout = 20 * time.Minute
)

const (
	// StageUntested marks a freshly baked AMI that has not been through
	// the test pipeline
	StageUntested = "untested"

	// StageFailed marks an AMI that failed smoke or integration testing
	StageFailed = "failed"

	// StageTested marks an AMI that passed testing and may be deployed
	StageTested = "tested"
)

const (
	// StateAvailable is the provider-reported state of a usable AMI
	StateAvailable = "available"

	// StateRunning is the provider-reported state of a booted instance
	StateRunning = "running"

	// StateFailed is a terminal resource state; waiting on it never succeeds
	StateFailed = "failed"

	// StateTerminated is a terminal resource state; waiting on it never succeeds
	StateTerminated = "terminated"

	// StateInService is the ELB health state of a registered healthy instance
	StateInService = "InService"
)

const (
	// DeploymentStrategyBlueGreen deploys a new group alongside the old one
	// and cuts over only after testing passes
	DeploymentStrategyBlueGreen = "blue_green"

	// DefaultConfigSection is the config section holding default_* options
	DefaultConfigSection = "disco_aws"

	// TestConfigSection is the config section holding test harness options
	TestConfigSection = "test"
)
