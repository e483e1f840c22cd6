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
	"os"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/olekukonko/tablewriter"
)

// listGroups prints the environment's scaling groups from both backends
func listGroups(ctx context.Context, g *Application) error {
	env, err := newEnviron(g)
	if err != nil {
		return trace.Wrap(err)
	}
	groups, err := env.groups()
	if err != nil {
		return trace.Wrap(err)
	}
	listings, err := groups.ListGroups(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Kind", "Image", "Instances", "Min", "Desired", "Max"})

	var data [][]string
	for _, listing := range listings {
		data = append(data, []string{
			listing.Name,
			string(listing.Kind),
			listing.ImageID,
			strconv.Itoa(listing.InstanceCount),
			strconv.FormatInt(listing.MinSize, 10),
			strconv.FormatInt(listing.DesiredCapacity, 10),
			strconv.FormatInt(listing.MaxSize, 10),
		})
	}

	table.AppendBulk(data)
	table.Render()
	return nil
}

// deleteGroups deletes a hostclass's scaling groups
func deleteGroups(ctx context.Context, g *Application) error {
	env, err := newEnviron(g)
	if err != nil {
		return trace.Wrap(err)
	}
	groups, err := env.groups()
	if err != nil {
		return trace.Wrap(err)
	}
	err = groups.DeleteGroups(ctx,
		*g.GroupsDeleteCmd.Hostclass,
		*g.GroupsDeleteCmd.GroupName,
		*g.GroupsDeleteCmd.Force)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("deleted groups of hostclass %v\n", *g.GroupsDeleteCmd.Hostclass)
	return nil
}

// scaledownGroups scales a hostclass's groups to zero
func scaledownGroups(ctx context.Context, g *Application) error {
	env, err := newEnviron(g)
	if err != nil {
		return trace.Wrap(err)
	}
	groups, err := env.groups()
	if err != nil {
		return trace.Wrap(err)
	}
	err = groups.ScaledownGroups(ctx,
		*g.GroupsScaledownCmd.Hostclass,
		*g.GroupsScaledownCmd.GroupName,
		*g.GroupsScaledownCmd.Wait,
		false)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("scaled down groups of hostclass %v\n", *g.GroupsScaledownCmd.Hostclass)
	return nil
}
