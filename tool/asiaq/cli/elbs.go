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
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	humanize "github.com/dustin/go-humanize"
	"github.com/gravitational/trace"
	"github.com/olekukonko/tablewriter"
)

// listELBs prints the environment's load balancers
func listELBs(ctx context.Context, g *Application) error {
	env, err := newEnviron(g)
	if err != nil {
		return trace.Wrap(err)
	}
	balancers, err := env.loadBalancers()
	if err != nil {
		return trace.Wrap(err)
	}
	descriptions, err := balancers.List(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "DNS", "Instances", "Created"})

	var data [][]string
	for _, description := range descriptions {
		data = append(data, []string{
			aws.StringValue(description.LoadBalancerName),
			aws.StringValue(description.DNSName),
			strconv.Itoa(len(description.Instances)),
			humanize.RelTime(aws.TimeValue(description.CreatedTime), time.Now(), "ago", ""),
		})
	}

	table.AppendBulk(data)
	table.Render()
	return nil
}
