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

// Package config reads the sectioned deployment configuration. Options
// resolve per hostclass with fallbacks to the shared test section and to
// default_-prefixed keys in the main section.
package config

import (
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/asiaq/asiaq/lib/defaults"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"
)

// Config is a parsed configuration: named sections of key/value options
type Config struct {
	sections map[string]map[string]string
}

// Parse parses configuration from YAML
func Parse(data []byte) (*Config, error) {
	var raw map[string]map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, trace.Wrap(err, "failed to parse configuration")
	}
	sections := make(map[string]map[string]string, len(raw))
	for name, options := range raw {
		section := make(map[string]string, len(options))
		for key, value := range options {
			section[key] = fmt.Sprintf("%v", value)
		}
		sections[name] = section
	}
	return &Config{sections: sections}, nil
}

// Load reads and parses the configuration file at path
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	config, err := Parse(data)
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse configuration file %v", path)
	}
	return config, nil
}

// HasOption returns true if the section defines the key
func (c *Config) HasOption(section, key string) bool {
	_, ok := c.sections[section][key]
	return ok
}

// Option returns the option value, or NotFound if the section does not
// define the key
func (c *Config) Option(section, key string) (string, error) {
	value, ok := c.sections[section][key]
	if !ok {
		return "", trace.NotFound("no option %v in section %v", key, section)
	}
	return value, nil
}

// OptionDefault returns the option value, falling back to defaultValue
// when the section does not define the key
func (c *Config) OptionDefault(section, key, defaultValue string) string {
	if value, ok := c.sections[section][key]; ok {
		return value
	}
	return defaultValue
}

// HostclassOption resolves a hostclass-scoped option: the hostclass's own
// section wins, then the shared test section (with or without the test_
// key prefix), then the default_-prefixed key in the main section
func (c *Config) HostclassOption(hostclass, key string) (string, error) {
	if value, ok := c.sections[hostclass][key]; ok {
		return value, nil
	}
	if value, ok := c.sections[defaults.TestConfigSection][key]; ok {
		return value, nil
	}
	if altKey := strings.TrimPrefix(key, "test_"); altKey != key {
		if value, ok := c.sections[defaults.TestConfigSection][altKey]; ok {
			return value, nil
		}
	}
	if value, ok := c.sections[defaults.DefaultConfigSection]["default_"+key]; ok {
		return value, nil
	}
	return "", trace.NotFound("no option %v configured for hostclass %v", key, hostclass)
}

// HostclassOptionDefault resolves a hostclass-scoped option, falling back
// to defaultValue when nothing defines it
func (c *Config) HostclassOptionDefault(hostclass, key, defaultValue string) string {
	value, err := c.HostclassOption(hostclass, key)
	if err != nil {
		return defaultValue
	}
	return value
}
