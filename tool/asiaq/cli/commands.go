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
	"time"

	"gopkg.in/alecthomas/kingpin.v2"
)

// Application represents the command-line "asiaq" application and contains
// definitions of all its flags, arguments and subcommands
type Application struct {
	*kingpin.Application
	// Debug allows to run the command in debug mode
	Debug *bool
	// ConfigFile is the path to the deployment configuration
	ConfigFile *string
	// PipelineFile is the path to the hostclass pipeline definition
	PipelineFile *string
	// Environment overrides the configured default environment
	Environment *string
	// Region overrides the ambient AWS region
	Region *string
	// VersionCmd outputs the binary version
	VersionCmd VersionCmd
	// GroupsCmd combines scaling group subcommands
	GroupsCmd GroupsCmd
	// GroupsListCmd displays the environment's scaling groups
	GroupsListCmd GroupsListCmd
	// GroupsDeleteCmd deletes a hostclass's scaling groups
	GroupsDeleteCmd GroupsDeleteCmd
	// GroupsScaledownCmd scales a hostclass's groups to zero
	GroupsScaledownCmd GroupsScaledownCmd
	// AMIsCmd combines machine image subcommands
	AMIsCmd AMIsCmd
	// AMIsListCmd displays machine images and their lifecycle stages
	AMIsListCmd AMIsListCmd
	// AMIsPromoteCmd moves an image to a lifecycle stage
	AMIsPromoteCmd AMIsPromoteCmd
	// AMIsPromoteProdCmd shares a hostclass's latest tested image with
	// the production account
	AMIsPromoteProdCmd AMIsPromoteProdCmd
	// AMIsCleanupCmd deregisters old images
	AMIsCleanupCmd AMIsCleanupCmd
	// ELBsCmd combines load balancer subcommands
	ELBsCmd ELBsCmd
	// ELBsListCmd displays the environment's load balancers
	ELBsListCmd ELBsListCmd
	// DeployCmd combines deployment subcommands
	DeployCmd DeployCmd
	// DeployTestCmd deploys an untested image into a testing group
	DeployTestCmd DeployTestCmd
	// DeployUpdateCmd rolls a tested image out over the running one
	DeployUpdateCmd DeployUpdateCmd
}

// VersionCmd outputs the binary version
type VersionCmd struct {
	*kingpin.CmdClause
}

// GroupsCmd combines scaling group subcommands
type GroupsCmd struct {
	*kingpin.CmdClause
}

// GroupsListCmd displays the environment's scaling groups
type GroupsListCmd struct {
	*kingpin.CmdClause
}

// GroupsDeleteCmd deletes a hostclass's scaling groups
type GroupsDeleteCmd struct {
	*kingpin.CmdClause
	// Hostclass scopes the deletion to one hostclass
	Hostclass *string
	// GroupName targets one specific group
	GroupName *string
	// Force deletes groups that still have running instances
	Force *bool
}

// GroupsScaledownCmd scales a hostclass's groups to zero
type GroupsScaledownCmd struct {
	*kingpin.CmdClause
	// Hostclass scopes the scaledown to one hostclass
	Hostclass *string
	// GroupName targets one specific group
	GroupName *string
	// Wait blocks until all members have terminated
	Wait *bool
}

// AMIsCmd combines machine image subcommands
type AMIsCmd struct {
	*kingpin.CmdClause
}

// AMIsListCmd displays machine images and their lifecycle stages
type AMIsListCmd struct {
	*kingpin.CmdClause
	// Hostclass narrows the listing to one hostclass
	Hostclass *string
	// Stage narrows the listing to one lifecycle stage
	Stage *string
	// ProductLine narrows the listing to one product line
	ProductLine *string
	// IncludePrivate keeps private images in the listing
	IncludePrivate *bool
}

// AMIsPromoteCmd moves an image to a lifecycle stage
type AMIsPromoteCmd struct {
	*kingpin.CmdClause
	// ImageID is the image to promote
	ImageID *string
	// Stage is the target lifecycle stage
	Stage *string
}

// AMIsPromoteProdCmd shares a hostclass's latest tested image with the
// production account
type AMIsPromoteProdCmd struct {
	*kingpin.CmdClause
	// Hostclass selects the image to share
	Hostclass *string
}

// AMIsCleanupCmd deregisters old images
type AMIsCleanupCmd struct {
	*kingpin.CmdClause
	// Hostclass narrows the cleanup to one hostclass
	Hostclass *string
	// Stage narrows the cleanup to one lifecycle stage
	Stage *string
	// MaxAge is the age past which images become candidates
	MaxAge *time.Duration
	// Keep is how many newest images survive per hostclass
	Keep *int
	// Exclude lists image ids the cleanup never touches
	Exclude *[]string
	// DryRun only reports what would be deregistered
	DryRun *bool
}

// ELBsCmd combines load balancer subcommands
type ELBsCmd struct {
	*kingpin.CmdClause
}

// ELBsListCmd displays the environment's load balancers
type ELBsListCmd struct {
	*kingpin.CmdClause
}

// DeployCmd combines deployment subcommands
type DeployCmd struct {
	*kingpin.CmdClause
}

// DeployTestCmd deploys an untested image into a testing group
type DeployTestCmd struct {
	*kingpin.CmdClause
	deployFlags
}

// DeployUpdateCmd rolls a tested image out over the running one
type DeployUpdateCmd struct {
	*kingpin.CmdClause
	deployFlags
}

// deployFlags are shared by the test and update subcommands
type deployFlags struct {
	// AMI restricts the deployment to one specific image
	AMI *string
	// Hostclass restricts the deployment to one hostclass
	Hostclass *string
	// Strategy overrides the configured deployment strategy
	Strategy *string
	// DryRun reports the chosen image without touching any group
	DryRun *bool
	// AllowAnyHostclass lifts the restriction to pipeline hostclasses
	AllowAnyHostclass *bool
	// SSHKey is the private key used to reach instances
	SSHKey *string
	// SSHUser is the fallback login for remote commands
	SSHUser *string
}

func (f *deployFlags) register(cmd *kingpin.CmdClause) {
	f.AMI = cmd.Flag("ami", "Deploy this specific image id").String()
	f.Hostclass = cmd.Flag("hostclass", "Only consider images of this hostclass").String()
	f.Strategy = cmd.Flag("strategy", "Deployment strategy to use").String()
	f.DryRun = cmd.Flag("dry-run", "Report the chosen image without deploying it").Bool()
	f.AllowAnyHostclass = cmd.Flag("allow-any-hostclass", "Consider images of hostclasses outside the pipeline").Bool()
	f.SSHKey = cmd.Flag("ssh-key", "Private key used to reach instances").String()
	f.SSHUser = cmd.Flag("ssh-user", "Fallback login for remote commands").String()
}

// RegisterCommands defines the asiaq command-line application
func RegisterCommands(app *kingpin.Application) *Application {
	g := &Application{Application: app}

	g.Debug = app.Flag("debug", "Enable debug mode").Bool()
	g.ConfigFile = app.Flag("config", "Path to the deployment configuration").Default("asiaq.yaml").String()
	g.PipelineFile = app.Flag("pipeline", "Path to the hostclass pipeline definition").Default("pipeline.yaml").String()
	g.Environment = app.Flag("env", "Environment to operate in, defaults to the configured default_environment").String()
	g.Region = app.Flag("region", "AWS region to operate in").String()

	g.VersionCmd.CmdClause = app.Command("version", "Print version")

	g.GroupsCmd.CmdClause = app.Command("groups", "Operations on scaling groups")
	g.GroupsListCmd.CmdClause = g.GroupsCmd.Command("list", "List the environment's scaling groups")
	g.GroupsDeleteCmd.CmdClause = g.GroupsCmd.Command("delete", "Delete a hostclass's scaling groups")
	g.GroupsDeleteCmd.Hostclass = g.GroupsDeleteCmd.Arg("hostclass", "Hostclass whose groups to delete").Required().String()
	g.GroupsDeleteCmd.GroupName = g.GroupsDeleteCmd.Flag("group", "Only delete this specific group").String()
	g.GroupsDeleteCmd.Force = g.GroupsDeleteCmd.Flag("force", "Delete groups that still have running instances").Bool()
	g.GroupsScaledownCmd.CmdClause = g.GroupsCmd.Command("scaledown", "Scale a hostclass's groups to zero")
	g.GroupsScaledownCmd.Hostclass = g.GroupsScaledownCmd.Arg("hostclass", "Hostclass whose groups to scale down").Required().String()
	g.GroupsScaledownCmd.GroupName = g.GroupsScaledownCmd.Flag("group", "Only scale down this specific group").String()
	g.GroupsScaledownCmd.Wait = g.GroupsScaledownCmd.Flag("wait", "Wait until all members have terminated").Bool()

	g.AMIsCmd.CmdClause = app.Command("amis", "Operations on machine images")
	g.AMIsListCmd.CmdClause = g.AMIsCmd.Command("list", "List machine images and their lifecycle stages")
	g.AMIsListCmd.Hostclass = g.AMIsListCmd.Flag("hostclass", "Only list images of this hostclass").String()
	g.AMIsListCmd.Stage = g.AMIsListCmd.Flag("stage", "Only list images in this lifecycle stage").String()
	g.AMIsListCmd.ProductLine = g.AMIsListCmd.Flag("product-line", "Only list images of this product line").String()
	g.AMIsListCmd.IncludePrivate = g.AMIsListCmd.Flag("include-private", "Include private images").Bool()
	g.AMIsPromoteCmd.CmdClause = g.AMIsCmd.Command("promote", "Move an image to a lifecycle stage")
	g.AMIsPromoteCmd.ImageID = g.AMIsPromoteCmd.Arg("image-id", "Image to promote").Required().String()
	g.AMIsPromoteCmd.Stage = g.AMIsPromoteCmd.Arg("stage", "Target lifecycle stage").Required().String()
	g.AMIsPromoteProdCmd.CmdClause = g.AMIsCmd.Command("promote-prod", "Share a hostclass's latest tested image with the production account")
	g.AMIsPromoteProdCmd.Hostclass = g.AMIsPromoteProdCmd.Arg("hostclass", "Hostclass whose latest tested image to share").Required().String()
	g.AMIsCleanupCmd.CmdClause = g.AMIsCmd.Command("cleanup", "Deregister old images")
	g.AMIsCleanupCmd.Hostclass = g.AMIsCleanupCmd.Flag("hostclass", "Only clean up images of this hostclass").String()
	g.AMIsCleanupCmd.Stage = g.AMIsCleanupCmd.Flag("stage", "Only clean up images in this lifecycle stage").String()
	g.AMIsCleanupCmd.MaxAge = g.AMIsCleanupCmd.Flag("max-age", "Age past which images become cleanup candidates").Default("336h").Duration()
	g.AMIsCleanupCmd.Keep = g.AMIsCleanupCmd.Flag("keep", "How many newest images survive per hostclass").Default("3").Int()
	g.AMIsCleanupCmd.Exclude = g.AMIsCleanupCmd.Flag("exclude", "Image ids the cleanup never touches").Strings()
	g.AMIsCleanupCmd.DryRun = g.AMIsCleanupCmd.Flag("dry-run", "Only report what would be deregistered").Bool()

	g.ELBsCmd.CmdClause = app.Command("elbs", "Operations on load balancers")
	g.ELBsListCmd.CmdClause = g.ELBsCmd.Command("list", "List the environment's load balancers")

	g.DeployCmd.CmdClause = app.Command("deploy", "Blue/green deployment operations")
	g.DeployTestCmd.CmdClause = g.DeployCmd.Command("test", "Deploy an untested image into a testing group")
	g.DeployTestCmd.register(g.DeployTestCmd.CmdClause)
	g.DeployUpdateCmd.CmdClause = g.DeployCmd.Command("update", "Roll a tested image out over the running one")
	g.DeployUpdateCmd.register(g.DeployUpdateCmd.CmdClause)

	return g
}
