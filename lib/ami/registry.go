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

package ami

import (
	"context"
	"time"

	"github.com/asiaq/asiaq/lib/defaults"
	"github.com/asiaq/asiaq/lib/retry"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// image tag keys
const (
	tagStage       = "stage"
	tagProductLine = "productline"
	tagIsPrivate   = "is_private"
	tagSharedWith  = "shared_with_account_ids"
)

// EC2 is the slice of the AWS Elastic Compute Cloud service the image
// registry needs
type EC2 interface {
	DescribeImagesWithContext(aws.Context, *ec2.DescribeImagesInput, ...request.Option) (*ec2.DescribeImagesOutput, error)
	CreateTagsWithContext(aws.Context, *ec2.CreateTagsInput, ...request.Option) (*ec2.CreateTagsOutput, error)
	ModifyImageAttributeWithContext(aws.Context, *ec2.ModifyImageAttributeInput, ...request.Option) (*ec2.ModifyImageAttributeOutput, error)
	DeregisterImageWithContext(aws.Context, *ec2.DeregisterImageInput, ...request.Option) (*ec2.DeregisterImageOutput, error)
}

// RegistryConfig configures the image registry
type RegistryConfig struct {
	// EC2 is the injected EC2 service client
	EC2 EC2
	// ProductionAccountID receives launch permission on images promoted
	// to production, empty disables production promotion
	ProductionAccountID string
}

// CheckAndSetDefaults checks and sets default values
func (c *RegistryConfig) CheckAndSetDefaults() error {
	if c.EC2 == nil {
		return trace.BadParameter("missing parameter EC2")
	}
	return nil
}

// Registry reads and promotes machine images
type Registry struct {
	RegistryConfig
	*log.Entry
}

// NewRegistry returns a new image registry
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		RegistryConfig: config,
		Entry:          log.WithFields(log.Fields{trace.Component: "ami"}),
	}, nil
}

func fromImage(image *ec2.Image) *AMI {
	result := &AMI{
		ID:    aws.StringValue(image.ImageId),
		Name:  aws.StringValue(image.Name),
		State: aws.StringValue(image.State),
		Tags:  make(map[string]string, len(image.Tags)),
	}
	for _, tag := range image.Tags {
		result.Tags[aws.StringValue(tag.Key)] = aws.StringValue(tag.Value)
	}
	result.Stage = result.Tags[tagStage]
	result.ProductLine = result.Tags[tagProductLine]
	result.IsPrivate = result.Tags[tagIsPrivate] == "True"
	if created, err := time.Parse(time.RFC3339, aws.StringValue(image.CreationDate)); err == nil {
		result.CreationDate = created
	}
	return result
}

// GetAMIs returns the images with the given ids
func (r *Registry) GetAMIs(ctx context.Context, imageIDs []string) ([]*AMI, error) {
	input := &ec2.DescribeImagesInput{Owners: aws.StringSlice([]string{"self"})}
	if len(imageIDs) != 0 {
		input.ImageIds = aws.StringSlice(imageIDs)
	}
	var resp *ec2.DescribeImagesOutput
	err := retry.ThrottledCall(ctx, func() (err error) {
		resp, err = r.EC2.DescribeImagesWithContext(ctx, input)
		return err
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	amis := make([]*AMI, 0, len(resp.Images))
	for _, image := range resp.Images {
		amis = append(amis, fromImage(image))
	}
	SortByCreationTime(amis)
	return amis, nil
}

// ListAMIs returns the account's images narrowed by the filter, oldest
// first
func (r *Registry) ListAMIs(ctx context.Context, filter Filter) ([]*AMI, error) {
	amis, err := r.GetAMIs(ctx, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return filter.Apply(amis), nil
}

// FindAMI returns the newest available image of the hostclass in the
// given stage, or NotFound. Private images are excluded: they are never
// deployment candidates.
func (r *Registry) FindAMI(ctx context.Context, stage, hostclass string) (*AMI, error) {
	amis, err := r.ListAMIs(ctx, Filter{
		Hostclass: hostclass,
		Stage:     stage,
		State:     defaults.StateAvailable,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	latest := Latest(amis)
	if latest == nil {
		return nil, trace.NotFound("no %v image found for %v", stage, hostclass)
	}
	return latest, nil
}

// PromoteAMI moves the image to the given lifecycle stage by rewriting
// its stage tag
func (r *Registry) PromoteAMI(ctx context.Context, image *AMI, stage string) error {
	r.Infof("Promoting %v (%v) to stage %v.", image.Name, image.ID, stage)
	err := retry.ThrottledCall(ctx, func() (err error) {
		_, err = r.EC2.CreateTagsWithContext(ctx, &ec2.CreateTagsInput{
			Resources: aws.StringSlice([]string{image.ID}),
			Tags: []*ec2.Tag{{
				Key:   aws.String(tagStage),
				Value: aws.String(stage),
			}},
		})
		return err
	})
	return trace.Wrap(err)
}

// PromoteAMIToProduction shares the image with the production account and
// records the share in a tag
func (r *Registry) PromoteAMIToProduction(ctx context.Context, image *AMI) error {
	if r.ProductionAccountID == "" {
		return trace.BadParameter("no production account configured to promote %v to", image.Name)
	}
	r.Infof("Sharing %v (%v) with production account.", image.Name, image.ID)
	err := retry.ThrottledCall(ctx, func() (err error) {
		_, err = r.EC2.ModifyImageAttributeWithContext(ctx, &ec2.ModifyImageAttributeInput{
			ImageId: aws.String(image.ID),
			LaunchPermission: &ec2.LaunchPermissionModifications{
				Add: []*ec2.LaunchPermission{{UserId: aws.String(r.ProductionAccountID)}},
			},
		})
		return err
	})
	if err != nil {
		return trace.Wrap(err)
	}
	err = retry.ThrottledCall(ctx, func() (err error) {
		_, err = r.EC2.CreateTagsWithContext(ctx, &ec2.CreateTagsInput{
			Resources: aws.StringSlice([]string{image.ID}),
			Tags: []*ec2.Tag{{
				Key:   aws.String(tagSharedWith),
				Value: aws.String(r.ProductionAccountID),
			}},
		})
		return err
	})
	return trace.Wrap(err)
}

// PromoteLatestAMIToProduction shares the hostclass's newest fully vetted
// image with the production account
func (r *Registry) PromoteLatestAMIToProduction(ctx context.Context, hostclass string) error {
	image, err := r.FindAMI(ctx, FinalStage(), hostclass)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(r.PromoteAMIToProduction(ctx, image))
}

// DeregisterAMI deletes the image from the registry
func (r *Registry) DeregisterAMI(ctx context.Context, image *AMI) error {
	r.Infof("Deregistering %v (%v).", image.Name, image.ID)
	err := retry.ThrottledCall(ctx, func() (err error) {
		_, err = r.EC2.DeregisterImageWithContext(ctx, &ec2.DeregisterImageInput{
			ImageId: aws.String(image.ID),
		})
		return err
	})
	return trace.Wrap(err)
}

// CleanupAMIs deregisters images of a stage past the retention settings:
// images older than maxAge are removed, but the newest keepCount images
// of each hostclass always survive. With dryRun set nothing is deleted.
func (r *Registry) CleanupAMIs(ctx context.Context, filter Filter, maxAge time.Duration, keepCount int, dryRun bool, exclude []string) error {
	amis, err := r.ListAMIs(ctx, filter)
	if err != nil {
		return trace.Wrap(err)
	}
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}
	byHostclass := make(map[string][]*AMI)
	for _, image := range amis {
		byHostclass[image.Hostclass()] = append(byHostclass[image.Hostclass()], image)
	}
	cutoff := time.Now().Add(-maxAge)
	for _, images := range byHostclass {
		// images arrive oldest first, spare the newest keepCount
		keep := len(images) - keepCount
		if keep < 0 {
			keep = 0
		}
		for _, image := range images[:keep] {
			if _, ok := excluded[image.ID]; ok {
				continue
			}
			if image.CreationTime().After(cutoff) {
				continue
			}
			if dryRun {
				r.Infof("Would deregister %v (%v).", image.Name, image.ID)
				continue
			}
			if err := r.DeregisterAMI(ctx, image); err != nil {
				return trace.Wrap(err)
			}
		}
	}
	return nil
}
