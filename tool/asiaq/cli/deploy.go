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

package cli

import (
	"context"
	"fmt"

	"github.com/asiaq/asiaq/lib/deploy"
	"github.com/asiaq/asiaq/lib/provision"
	"github.com/asiaq/asiaq/lib/sshcmd"

	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/fatih/color"
	"github.com/gravitational/trace"
)

// deployTest deploys an untested image into a testing group and promotes
// it based on the outcome
func deployTest(ctx context.Context, g *Application) error {
	deployer, err := newDeployer(g, g.DeployTestCmd.deployFlags)
	if err != nil {
		return trace.Wrap(err)
	}
	err = deployer.Test(ctx, *g.DeployTestCmd.DryRun, *g.DeployTestCmd.Strategy)
	if err != nil {
		return trace.Wrap(err)
	}
	if !*g.DeployTestCmd.DryRun {
		fmt.Println(color.GreenString("test deployment complete"))
	}
	return nil
}

// deployUpdate rolls a tested image out over the running one
func deployUpdate(ctx context.Context, g *Application) error {
	deployer, err := newDeployer(g, g.DeployUpdateCmd.deployFlags)
	if err != nil {
		return trace.Wrap(err)
	}
	err = deployer.Update(ctx, *g.DeployUpdateCmd.DryRun, *g.DeployUpdateCmd.Strategy)
	if err != nil {
		return trace.Wrap(err)
	}
	if !*g.DeployUpdateCmd.DryRun {
		fmt.Println(color.GreenString("update deployment complete"))
	}
	return nil
}

// newDeployer assembles the full deployment stack from the configuration
// and the command line
func newDeployer(g *Application, flags deployFlags) (*deploy.Deployer, error) {
	env, err := newEnviron(g)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pipeline, err := deploy.LoadDefinition(*g.PipelineFile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	groups, err := env.groups()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	registry, err := env.registry()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	balancers, err := env.loadBalancers()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	subnets, err := env.subnets()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	keyPath := *flags.SSHKey
	if keyPath == "" {
		keyPath = env.option("default_ssh_key")
	}
	user := *flags.SSHUser
	if user == "" {
		user = env.option("default_ssh_user")
	}
	runner, err := sshcmd.New(sshcmd.Config{
		User:    user,
		KeyPath: keyPath,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	provisioner, err := provision.New(provision.Config{
		Environment:     env.name,
		Groups:          groups,
		EC2:             ec2.New(env.session),
		Options:         env.options,
		Runner:          runner,
		Subnets:         subnets,
		SecurityGroups:  parseList(env.option("default_security_groups")),
		KeyName:         env.option("default_key_name"),
		InstanceProfile: env.option("default_instance_profile"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var restrictAMIs []string
	if *flags.AMI != "" {
		restrictAMIs = []string{*flags.AMI}
	}
	deployer, err := deploy.New(deploy.Config{
		Environment:       env.name,
		Pipeline:          pipeline,
		Provisioner:       provisioner,
		Groups:            groups,
		Registry:          registry,
		LoadBalancers:     balancers,
		Options:           env.options,
		RestrictAMIs:      restrictAMIs,
		RestrictHostclass: *flags.Hostclass,
		AllowAnyHostclass: *flags.AllowAnyHostclass,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return deployer, nil
}
