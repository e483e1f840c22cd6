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

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField(trace.Component, "cli")

// version is stamped at build time
var version = "unknown"

// Run parses CLI arguments and executes an appropriate asiaq command
func Run(g *Application) error {
	cmd, err := g.Parse(os.Args[1:])
	if err != nil {
		return trace.Wrap(err)
	}

	if *g.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log.Debugf("Executing: %v.", os.Args)

	ctx := context.Background()
	switch cmd {
	case g.VersionCmd.FullCommand():
		fmt.Printf("asiaq version %v\n", version)
		return nil
	case g.GroupsListCmd.FullCommand():
		return listGroups(ctx, g)
	case g.GroupsDeleteCmd.FullCommand():
		return deleteGroups(ctx, g)
	case g.GroupsScaledownCmd.FullCommand():
		return scaledownGroups(ctx, g)
	case g.AMIsListCmd.FullCommand():
		return listAMIs(ctx, g)
	case g.AMIsPromoteCmd.FullCommand():
		return promoteAMI(ctx, g)
	case g.AMIsPromoteProdCmd.FullCommand():
		return promoteAMIToProd(ctx, g)
	case g.AMIsCleanupCmd.FullCommand():
		return cleanupAMIs(ctx, g)
	case g.ELBsListCmd.FullCommand():
		return listELBs(ctx, g)
	case g.DeployTestCmd.FullCommand():
		return deployTest(ctx, g)
	case g.DeployUpdateCmd.FullCommand():
		return deployUpdate(ctx, g)
	}
	return trace.NotFound("unknown command %v", cmd)
}
