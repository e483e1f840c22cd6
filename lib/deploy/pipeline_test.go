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
	"gopkg.in/check.v1"
)

type PipelineSuite struct{}

var _ = check.Suite(&PipelineSuite{})

func (s *PipelineSuite) TestParseDefinition(c *check.C) {
	definition, err := ParseDefinition([]byte(`
- hostclass: mhcbanana
  desired_size: 2
  deployable: "yes"
  integration_test: banana_test
- hostclass: mhcsolo
  desired_size: "3@1 0 * * *:5@6 0 * * *"
`))
	c.Assert(err, check.IsNil)
	c.Assert(len(definition), check.Equals, 2)
	c.Assert(definition[0].Hostclass, check.Equals, "mhcbanana")
	c.Assert(definition[0].DesiredSize, check.Equals, "2")
	c.Assert(definition[1].DesiredSize, check.Equals, "3@1 0 * * *:5@6 0 * * *")

	entries := definition.ByHostclass()
	c.Assert(entries["mhcbanana"].IntegrationTest, check.Equals, "banana_test")
}

func (s *PipelineSuite) TestParseDefinitionRequiresHostclass(c *check.C) {
	_, err := ParseDefinition([]byte(`
- desired_size: 2
`))
	c.Assert(err, check.NotNil)
}

func (s *PipelineSuite) TestIsTruthy(c *check.C) {
	for _, value := range []string{"1", "true", "True", "yes", "YES", "y", " y "} {
		c.Assert(IsTruthy(value), check.Equals, true, check.Commentf("%q", value))
	}
	for _, value := range []string{"", "0", "no", "false", "maybe"} {
		c.Assert(IsTruthy(value), check.Equals, false, check.Commentf("%q", value))
	}
}

func int64p(value int64) *int64 { return &value }

func (s *PipelineSuite) TestSizeAsRecurrenceMapEmpty(c *check.C) {
	sizes, err := SizeAsRecurrenceMap("", "0 0 * * *")
	c.Assert(err, check.IsNil)
	c.Assert(sizes, check.DeepEquals, map[string]*int64{"": nil})
}

func (s *PipelineSuite) TestSizeAsRecurrenceMapInteger(c *check.C) {
	sizes, err := SizeAsRecurrenceMap("5", "0 0 * * *")
	c.Assert(err, check.IsNil)
	c.Assert(sizes, check.DeepEquals, map[string]*int64{"0 0 * * *": int64p(5)})
}

func (s *PipelineSuite) TestSizeAsRecurrenceMapSchedule(c *check.C) {
	sizes, err := SizeAsRecurrenceMap("2@1 0 * * *:3@6 0 * * *", "")
	c.Assert(err, check.IsNil)
	c.Assert(sizes, check.DeepEquals, map[string]*int64{
		"1 0 * * *": int64p(2),
		"6 0 * * *": int64p(3),
	})
}

func (s *PipelineSuite) TestSizeAsRecurrenceMapCollapsesDuplicates(c *check.C) {
	sizes, err := SizeAsRecurrenceMap("2@1 0 * * *:3@6 0 * * *:3@6 0 * * *", "")
	c.Assert(err, check.IsNil)
	c.Assert(len(sizes), check.Equals, 2)
}

func (s *PipelineSuite) TestSizeAsRecurrenceMapMalformed(c *check.C) {
	_, err := SizeAsRecurrenceMap("banana", "")
	c.Assert(err, check.NotNil)

	_, err = SizeAsRecurrenceMap("x@1 0 * * *", "")
	c.Assert(err, check.NotNil)
}

func (s *PipelineSuite) TestSizeAsMinimum(c *check.C) {
	minimum, err := SizeAsMinimum("")
	c.Assert(err, check.IsNil)
	c.Assert(minimum, check.IsNil)

	minimum, err = SizeAsMinimum("5")
	c.Assert(err, check.IsNil)
	c.Assert(*minimum, check.Equals, int64(5))

	minimum, err = SizeAsMinimum("2@1 0 * * *:3@6 0 * * *")
	c.Assert(err, check.IsNil)
	c.Assert(*minimum, check.Equals, int64(2))
}

func (s *PipelineSuite) TestSizeAsMaximum(c *check.C) {
	maximum, err := SizeAsMaximum("")
	c.Assert(err, check.IsNil)
	c.Assert(maximum, check.IsNil)

	maximum, err = SizeAsMaximum("5")
	c.Assert(err, check.IsNil)
	c.Assert(*maximum, check.Equals, int64(5))

	maximum, err = SizeAsMaximum("2@1 0 * * *:3@6 0 * * *:3@6 0 * * *")
	c.Assert(err, check.IsNil)
	c.Assert(*maximum, check.Equals, int64(3))
}
