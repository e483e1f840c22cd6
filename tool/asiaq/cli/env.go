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
	"os"
	"strings"

	"github.com/asiaq/asiaq/lib/ami"
	"github.com/asiaq/asiaq/lib/config"
	"github.com/asiaq/asiaq/lib/defaults"
	"github.com/asiaq/asiaq/lib/elb"
	"github.com/asiaq/asiaq/lib/group"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/ec2"
	awselb "github.com/aws/aws-sdk-go/service/elb"
	"github.com/gravitational/trace"
)

// environ bundles the deployment configuration with an AWS session scoped
// to one environment, and builds service collaborators on demand
type environ struct {
	// name is the environment all operations are scoped to
	name string
	// options is the deployment configuration
	options *config.Config
	// session is the shared AWS API session
	session *session.Session
}

// newEnviron loads the configuration and establishes the AWS session
func newEnviron(g *Application) (*environ, error) {
	options, err := config.Load(*g.ConfigFile)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	name := *g.Environment
	if name == "" {
		name = options.OptionDefault(defaults.DefaultConfigSection, "default_environment", "")
	}
	if name == "" {
		return nil, trace.BadParameter(
			"no environment given, use --env or set default_environment in %v", *g.ConfigFile)
	}
	awsConfig := aws.NewConfig()
	if *g.Region != "" {
		awsConfig = awsConfig.WithRegion(*g.Region)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &environ{
		name:    name,
		options: options,
		session: sess,
	}, nil
}

// option reads a key from the defaults section of the configuration
func (e *environ) option(key string) string {
	return e.options.OptionDefault(defaults.DefaultConfigSection, key, "")
}

// spotinstToken returns the Spotinst API token, empty when the spot
// backend is not configured
func (e *environ) spotinstToken() string {
	if token := os.Getenv("SPOTINST_TOKEN"); token != "" {
		return token
	}
	return e.option("default_spotinst_token")
}

// groups builds the group facade over both backends
func (e *environ) groups() (*group.Facade, error) {
	autoscale, err := group.NewAutoscale(group.AutoscaleConfig{
		Environment: e.name,
		AutoScaling: autoscaling.New(e.session),
		EC2:         ec2.New(e.session),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	facadeConfig := group.FacadeConfig{Autoscale: autoscale}
	if token := e.spotinstToken(); token != "" {
		client, err := group.NewSpotinstClient(token)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		elastigroup, err := group.NewElastigroupBackend(group.ElastigroupConfig{
			Environment: e.name,
			Client:      client,
			EC2:         ec2.New(e.session),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		facadeConfig.Elastigroup = elastigroup
	}
	facade, err := group.NewFacade(facadeConfig)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return facade, nil
}

// registry builds the machine image registry
func (e *environ) registry() (*ami.Registry, error) {
	registry, err := ami.NewRegistry(ami.RegistryConfig{
		EC2:                 ec2.New(e.session),
		ProductionAccountID: e.option("default_prod_account"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return registry, nil
}

// loadBalancers builds the load balancer collaborator
func (e *environ) loadBalancers() (*elb.LoadBalancers, error) {
	balancers, err := elb.New(elb.Config{
		Environment: e.name,
		ELB:         awselb.New(e.session),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return balancers, nil
}

// subnets parses the configured subnet list for new groups
func (e *environ) subnets() ([]group.Subnet, error) {
	subnets, err := parseSubnets(e.option("default_subnets"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(subnets) == 0 {
		return nil, trace.NotFound("no default_subnets configured in %v section",
			defaults.DefaultConfigSection)
	}
	return subnets, nil
}

// parseSubnets parses a comma-separated list of subnet-id:availability-zone
// pairs
func parseSubnets(value string) ([]group.Subnet, error) {
	var subnets []group.Subnet
	for _, item := range parseList(value) {
		parts := strings.SplitN(item, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, trace.BadParameter(
				"expected subnet-id:availability-zone, got %q", item)
		}
		subnets = append(subnets, group.Subnet{
			ID:               parts[0],
			AvailabilityZone: parts[1],
		})
	}
	return subnets, nil
}

// parseList splits a comma-separated option value, dropping empty items
func parseList(value string) (items []string) {
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
