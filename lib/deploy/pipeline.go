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
	"io/ioutil"
	"strconv"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"
)

// Entry is a single hostclass's pipeline definition. Size fields are
// strings because a size is either a plain integer or a recurrence map,
// "2@1 0 * * *:3@6 0 * * *", scaling the group on a cron schedule.
type Entry struct {
	// Hostclass is the hostclass this entry configures
	Hostclass string `json:"hostclass"`
	// Sequence orders entries during environment creation
	Sequence int64 `json:"sequence,omitempty"`
	// MinSize is the minimum capacity, empty leaves it unset
	MinSize string `json:"min_size,omitempty"`
	// DesiredSize is the target capacity
	DesiredSize string `json:"desired_size,omitempty"`
	// MaxSize is the maximum capacity
	MaxSize string `json:"max_size,omitempty"`
	// InstanceType is the instance type, possibly colon-separated
	// alternatives for the spot backend
	InstanceType string `json:"instance_type,omitempty"`
	// ExtraSpace is extra root volume space in GB
	ExtraSpace string `json:"extra_space,omitempty"`
	// AMI pins the entry to a specific image id
	AMI string `json:"ami,omitempty"`
	// SmokeTest controls whether instances must pass smoke tests on boot
	SmokeTest string `json:"smoke_test,omitempty"`
	// IntegrationTest names the integration test for the hostclass
	IntegrationTest string `json:"integration_test,omitempty"`
	// Deployable marks the hostclass as safe to deploy without operator
	// intervention
	Deployable string `json:"deployable,omitempty"`
	// Spotinst places the hostclass's groups on the spot backend
	Spotinst string `json:"spotinst,omitempty"`
	// SpotinstReserve is the on-demand reserve, a count or "N%"
	SpotinstReserve string `json:"spotinst_reserve,omitempty"`
}

// Definition is a pipeline definition: one entry per hostclass
type Definition []Entry

// ParseDefinition parses a pipeline definition from YAML
func ParseDefinition(data []byte) (Definition, error) {
	var definition Definition
	if err := yaml.Unmarshal(data, &definition); err != nil {
		return nil, trace.Wrap(err, "failed to parse pipeline definition")
	}
	for _, entry := range definition {
		if entry.Hostclass == "" {
			return nil, trace.BadParameter("pipeline entry is missing hostclass")
		}
	}
	return definition, nil
}

// LoadDefinition reads and parses the pipeline definition file at path
func LoadDefinition(path string) (Definition, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	definition, err := ParseDefinition(data)
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse pipeline definition file %v", path)
	}
	return definition, nil
}

// ByHostclass indexes the definition's entries by hostclass
func (d Definition) ByHostclass() map[string]Entry {
	entries := make(map[string]Entry, len(d))
	for _, entry := range d {
		entries[entry.Hostclass] = entry
	}
	return entries
}

// IsTruthy returns true if the value resembles an affirmation
func IsTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

// SizeAsRecurrenceMap expands a pipeline size into a recurrence to
// capacity map. A plain integer becomes a single entry keyed by sentinel,
// an empty size becomes a single nil entry so callers can distinguish
// "unset" from zero, and a "capacity@recurrence" list separated by colons
// maps each recurrence to its capacity.
func SizeAsRecurrenceMap(size, sentinel string) (map[string]*int64, error) {
	if size == "" {
		return map[string]*int64{"": nil}, nil
	}
	if value, err := strconv.ParseInt(size, 10, 64); err == nil {
		return map[string]*int64{sentinel: &value}, nil
	}
	result := make(map[string]*int64)
	for _, part := range strings.Split(size, ":") {
		pieces := strings.SplitN(part, "@", 2)
		if len(pieces) != 2 {
			return nil, trace.BadParameter("malformed size %q: expected capacity@recurrence", part)
		}
		value, err := strconv.ParseInt(pieces[0], 10, 64)
		if err != nil {
			return nil, trace.BadParameter("malformed capacity %q in size %q", pieces[0], size)
		}
		result[pieces[1]] = &value
	}
	return result, nil
}

// SizeAsMinimum reduces a pipeline size to the smallest capacity it ever
// schedules, nil when the size is unset
func SizeAsMinimum(size string) (*int64, error) {
	sizes, err := SizeAsRecurrenceMap(size, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var minimum *int64
	for _, value := range sizes {
		if value == nil {
			continue
		}
		if minimum == nil || *value < *minimum {
			minimum = value
		}
	}
	return minimum, nil
}

// SizeAsMaximum reduces a pipeline size to the largest capacity it ever
// schedules, nil when the size is unset
func SizeAsMaximum(size string) (*int64, error) {
	sizes, err := SizeAsRecurrenceMap(size, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var maximum *int64
	for _, value := range sizes {
		if value == nil {
			continue
		}
		if maximum == nil || *value > *maximum {
			maximum = value
		}
	}
	return maximum, nil
}
