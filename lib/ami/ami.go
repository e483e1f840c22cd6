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

// Package ami tracks machine images through their testing lifecycle.
// Images are named "<hostclass> <build-epoch>" and carry a stage tag that
// moves forward through the ordered stage list as the image passes
// testing, or to failed when it does not.
package ami

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/asiaq/asiaq/lib/defaults"
)

// AMI is an immutable snapshot of a machine image and its lifecycle tags
type AMI struct {
	// ID is the provider-assigned image id
	ID string
	// Name encodes the hostclass and the build epoch, space separated
	Name string
	// Stage is the image's lifecycle stage, empty when untagged
	Stage string
	// State is the provider-reported availability
	State string
	// ProductLine is the owning product line tag
	ProductLine string
	// IsPrivate marks images not meant to leave the baking account
	IsPrivate bool
	// CreationDate is the provider-reported registration time, the
	// fallback when the name carries no build epoch
	CreationDate time.Time
	// Tags are the image's tags
	Tags map[string]string
}

// Hostclass parses the hostclass out of the image name
func Hostclass(name string) string {
	return strings.SplitN(name, " ", 2)[0]
}

// Hostclass returns the hostclass the image was baked for
func (a *AMI) Hostclass() string {
	return Hostclass(a.Name)
}

// CreationTime returns the image's build time: the epoch embedded in the
// name when present, the provider registration time otherwise
func (a *AMI) CreationTime() time.Time {
	parts := strings.SplitN(a.Name, " ", 2)
	if len(parts) == 2 {
		if epoch, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			return time.Unix(epoch, 0)
		}
	}
	return a.CreationDate
}

// Available returns true if the provider reports the image usable
func (a *AMI) Available() bool {
	return a.State == defaults.StateAvailable
}

// Stages returns the lifecycle stages in promotion order. An image is
// promoted through the list left to right and demoted only to failed.
func Stages() []string {
	return []string{defaults.StageUntested, defaults.StageFailed, defaults.StageTested}
}

// FinalStage returns the stage a fully vetted image carries
func FinalStage() string {
	return Stages()[len(Stages())-1]
}

// SortByCreationTime orders images oldest first, the order operators read
// bake history in
func SortByCreationTime(amis []*AMI) {
	sort.SliceStable(amis, func(i, j int) bool {
		return amis[i].CreationTime().Before(amis[j].CreationTime())
	})
}

// Filter narrows an image list. Zero-valued fields match everything;
// Stage matches the stage tag with "untagged" selecting stageless images.
type Filter struct {
	// Hostclass matches the hostclass encoded in the name
	Hostclass string
	// Stage matches the lifecycle stage tag
	Stage string
	// State matches the provider-reported state
	State string
	// ProductLine matches the product line tag
	ProductLine string
	// IncludePrivate keeps private images in the result
	IncludePrivate bool
}

// StageUntagged selects images with no stage tag
const StageUntagged = "untagged"

// Match applies the filter to a single image
func (f Filter) Match(a *AMI) bool {
	if f.Hostclass != "" && a.Hostclass() != f.Hostclass {
		return false
	}
	switch f.Stage {
	case "":
	case StageUntagged:
		if a.Stage != "" {
			return false
		}
	default:
		if a.Stage != f.Stage {
			return false
		}
	}
	if f.State != "" && a.State != f.State {
		return false
	}
	if f.ProductLine != "" && a.ProductLine != f.ProductLine {
		return false
	}
	if !f.IncludePrivate && a.IsPrivate {
		return false
	}
	return true
}

// Apply returns the images the filter keeps, preserving order
func (f Filter) Apply(amis []*AMI) []*AMI {
	var result []*AMI
	for _, a := range amis {
		if f.Match(a) {
			result = append(result, a)
		}
	}
	return result
}

// Latest returns the newest image in the list by creation time, nil for
// an empty list
func Latest(amis []*AMI) *AMI {
	var latest *AMI
	for _, a := range amis {
		if latest == nil || a.CreationTime().After(latest.CreationTime()) {
			latest = a
		}
	}
	return latest
}
