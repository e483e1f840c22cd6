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
	"testing"

	"github.com/asiaq/asiaq/lib/group"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/alecthomas/kingpin.v2"
)

func TestParseSubnets(t *testing.T) {
	subnets, err := parseSubnets("subnet-1:us-west-2a, subnet-2:us-west-2b")
	require.NoError(t, err)
	assert.Equal(t, []group.Subnet{
		{ID: "subnet-1", AvailabilityZone: "us-west-2a"},
		{ID: "subnet-2", AvailabilityZone: "us-west-2b"},
	}, subnets)

	subnets, err = parseSubnets("")
	require.NoError(t, err)
	assert.Empty(t, subnets)

	_, err = parseSubnets("subnet-1")
	assert.Error(t, err)

	_, err = parseSubnets("subnet-1:")
	assert.Error(t, err)
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"sg-1", "sg-2"}, parseList("sg-1, sg-2"))
	assert.Equal(t, []string{"sg-1"}, parseList("sg-1,"))
	assert.Empty(t, parseList(""))
}

func TestCommandParsing(t *testing.T) {
	app := kingpin.New("asiaq", "test")
	app.Terminate(func(int) {})
	g := RegisterCommands(app)

	cmd, err := app.Parse([]string{"groups", "scaledown", "mhcbanana", "--wait"})
	require.NoError(t, err)
	assert.Equal(t, g.GroupsScaledownCmd.FullCommand(), cmd)
	assert.Equal(t, "mhcbanana", *g.GroupsScaledownCmd.Hostclass)
	assert.True(t, *g.GroupsScaledownCmd.Wait)

	cmd, err = app.Parse([]string{
		"deploy", "test", "--ami", "ami-123", "--dry-run", "--strategy", "blue_green"})
	require.NoError(t, err)
	assert.Equal(t, g.DeployTestCmd.FullCommand(), cmd)
	assert.Equal(t, "ami-123", *g.DeployTestCmd.AMI)
	assert.True(t, *g.DeployTestCmd.DryRun)
	assert.Equal(t, "blue_green", *g.DeployTestCmd.Strategy)

	cmd, err = app.Parse([]string{"amis", "promote", "ami-123", "tested"})
	require.NoError(t, err)
	assert.Equal(t, g.AMIsPromoteCmd.FullCommand(), cmd)
	assert.Equal(t, "ami-123", *g.AMIsPromoteCmd.ImageID)
	assert.Equal(t, "tested", *g.AMIsPromoteCmd.Stage)
}
