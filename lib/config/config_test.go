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

package config

import (
	"testing"

	"github.com/gravitational/trace"
	"gopkg.in/check.v1"
)

func TestConfig(t *testing.T) { check.TestingT(t) }

type ConfigSuite struct {
	config *Config
}

var _ = check.Suite(&ConfigSuite{})

const testConfig = `
disco_aws:
  default_smoke_timeout: 300
  default_elb: "no"
test:
  user: test_user
  test_command: run_tests.sh
mhcbanana:
  elb: "yes"
  test_hostclass: mhcbananatester
`

func (s *ConfigSuite) SetUpSuite(c *check.C) {
	config, err := Parse([]byte(testConfig))
	c.Assert(err, check.IsNil)
	s.config = config
}

func (s *ConfigSuite) TestOption(c *check.C) {
	value, err := s.config.Option("test", "user")
	c.Assert(err, check.IsNil)
	c.Assert(value, check.Equals, "test_user")

	_, err = s.config.Option("test", "missing")
	c.Assert(trace.IsNotFound(err), check.Equals, true)
}

func (s *ConfigSuite) TestOptionDefault(c *check.C) {
	c.Assert(s.config.OptionDefault("test", "user", "fallback"), check.Equals, "test_user")
	c.Assert(s.config.OptionDefault("test", "missing", "fallback"), check.Equals, "fallback")
}

func (s *ConfigSuite) TestHostclassSectionWins(c *check.C) {
	value, err := s.config.HostclassOption("mhcbanana", "elb")
	c.Assert(err, check.IsNil)
	c.Assert(value, check.Equals, "yes")
}

func (s *ConfigSuite) TestFallsBackToTestSection(c *check.C) {
	value, err := s.config.HostclassOption("mhcbanana", "test_command")
	c.Assert(err, check.IsNil)
	c.Assert(value, check.Equals, "run_tests.sh")
}

func (s *ConfigSuite) TestStripsTestPrefixInTestSection(c *check.C) {
	// test_user is not defined anywhere, but the test section has user
	value, err := s.config.HostclassOption("mhcbanana", "test_user")
	c.Assert(err, check.IsNil)
	c.Assert(value, check.Equals, "test_user")
}

func (s *ConfigSuite) TestFallsBackToDefaultPrefix(c *check.C) {
	value, err := s.config.HostclassOption("mhcother", "smoke_timeout")
	c.Assert(err, check.IsNil)
	c.Assert(value, check.Equals, "300")

	value, err = s.config.HostclassOption("mhcother", "elb")
	c.Assert(err, check.IsNil)
	c.Assert(value, check.Equals, "no")
}

func (s *ConfigSuite) TestUnresolvedOptionIsNotFound(c *check.C) {
	_, err := s.config.HostclassOption("mhcbanana", "no_such_option")
	c.Assert(trace.IsNotFound(err), check.Equals, true)
}

func (s *ConfigSuite) TestHostclassOptionDefault(c *check.C) {
	c.Assert(s.config.HostclassOptionDefault("mhcbanana", "elb", "no"), check.Equals, "yes")
	c.Assert(s.config.HostclassOptionDefault("mhcbanana", "no_such_option", "fallback"),
		check.Equals, "fallback")
}
