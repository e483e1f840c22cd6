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
	"time"

	"github.com/asiaq/asiaq/lib/ami"
	"github.com/asiaq/asiaq/lib/defaults"

	humanize "github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/gravitational/trace"
	"github.com/olekukonko/tablewriter"
)

// listAMIs prints machine images and their lifecycle stages
func listAMIs(ctx context.Context, g *Application) error {
	env, err := newEnviron(g)
	if err != nil {
		return trace.Wrap(err)
	}
	registry, err := env.registry()
	if err != nil {
		return trace.Wrap(err)
	}
	images, err := registry.ListAMIs(ctx, ami.Filter{
		Hostclass:      *g.AMIsListCmd.Hostclass,
		Stage:          *g.AMIsListCmd.Stage,
		ProductLine:    *g.AMIsListCmd.ProductLine,
		IncludePrivate: *g.AMIsListCmd.IncludePrivate,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Hostclass", "Stage", "State", "Product Line", "Created"})

	var data [][]string
	for _, image := range images {
		data = append(data, []string{
			image.ID,
			image.Hostclass(),
			formatStage(image.Stage),
			image.State,
			image.ProductLine,
			humanize.RelTime(image.CreationTime(), time.Now(), "ago", ""),
		})
	}

	table.AppendBulk(data)
	table.Render()
	return nil
}

// formatStage colors a lifecycle stage for the console
func formatStage(stage string) string {
	switch stage {
	case defaults.StageTested:
		return color.GreenString(stage)
	case defaults.StageFailed:
		return color.RedString(stage)
	case "":
		return color.YellowString(ami.StageUntagged)
	}
	return stage
}

// promoteAMI moves an image to a lifecycle stage
func promoteAMI(ctx context.Context, g *Application) error {
	env, err := newEnviron(g)
	if err != nil {
		return trace.Wrap(err)
	}
	registry, err := env.registry()
	if err != nil {
		return trace.Wrap(err)
	}
	images, err := registry.GetAMIs(ctx, []string{*g.AMIsPromoteCmd.ImageID})
	if err != nil {
		return trace.Wrap(err)
	}
	if len(images) == 0 {
		return trace.NotFound("image %v not found", *g.AMIsPromoteCmd.ImageID)
	}
	err = registry.PromoteAMI(ctx, images[0], *g.AMIsPromoteCmd.Stage)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("promoted %v to %v\n", images[0].ID, *g.AMIsPromoteCmd.Stage)
	return nil
}

// promoteAMIToProd shares a hostclass's latest tested image with the
// production account
func promoteAMIToProd(ctx context.Context, g *Application) error {
	env, err := newEnviron(g)
	if err != nil {
		return trace.Wrap(err)
	}
	registry, err := env.registry()
	if err != nil {
		return trace.Wrap(err)
	}
	err = registry.PromoteLatestAMIToProduction(ctx, *g.AMIsPromoteProdCmd.Hostclass)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("shared the latest tested image of %v with the production account\n",
		*g.AMIsPromoteProdCmd.Hostclass)
	return nil
}

// cleanupAMIs deregisters old images
func cleanupAMIs(ctx context.Context, g *Application) error {
	env, err := newEnviron(g)
	if err != nil {
		return trace.Wrap(err)
	}
	registry, err := env.registry()
	if err != nil {
		return trace.Wrap(err)
	}
	err = registry.CleanupAMIs(ctx,
		ami.Filter{
			Hostclass: *g.AMIsCleanupCmd.Hostclass,
			Stage:     *g.AMIsCleanupCmd.Stage,
		},
		*g.AMIsCleanupCmd.MaxAge,
		*g.AMIsCleanupCmd.Keep,
		*g.AMIsCleanupCmd.DryRun,
		*g.AMIsCleanupCmd.Exclude)
	return trace.Wrap(err)
}
