// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for cowsim. Each setting is a command line flag that may also be set in a
// TOML file named by the config flag. Flags given on the command line win
// over the file.
package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gvisor.dev/cowfork/pkg/e1000"
	"gvisor.dev/cowfork/pkg/log"
)

// Config holds the configuration of one cowsim invocation and of every
// machine it boots.
type Config struct {
	// Debug enables debug logging.
	Debug bool `toml:"debug"`

	// LogFormat is the format of log messages: text or json.
	LogFormat string `toml:"log-format"`

	// DebugLog is a file pattern for logs. %COMMAND% and %TIMESTAMP% are
	// substituted. Empty means stderr.
	DebugLog string `toml:"debug-log"`

	// PhysPages is the number of physical frames of each machine. Zero
	// takes the kernel default.
	PhysPages int `toml:"phys-pages"`

	// MaxEnvs limits the environments of each machine. Zero means no limit
	// beyond the arena size.
	MaxEnvs int `toml:"max-envs"`

	// NICRing is the number of transmit descriptors of the network card.
	NICRing int `toml:"nic-ring"`

	// NICBurst is the number of descriptors the card drains per quantum.
	NICBurst int `toml:"nic-burst"`

	// Timeout bounds how long a machine may run.
	Timeout time.Duration `toml:"timeout"`

	// ConfigFile is the TOML file the settings were overlaid from.
	ConfigFile string `toml:"-"`
}

// fields maps setting names to fields of c.
func (c *Config) fields() map[string]any {
	return map[string]any{
		"debug":      &c.Debug,
		"log-format": &c.LogFormat,
		"debug-log":  &c.DebugLog,
		"phys-pages": &c.PhysPages,
		"max-envs":   &c.MaxEnvs,
		"nic-ring":   &c.NICRing,
		"nic-burst":  &c.NICBurst,
		"timeout":    &c.Timeout,
		"config":     &c.ConfigFile,
	}
}

// set copies the value of setting name from src into c.
func (c *Config) set(name string, src *Config) error {
	dst, ok := c.fields()[name]
	if !ok {
		return fmt.Errorf("unknown setting %q", name)
	}
	from := src.fields()[name]
	switch d := dst.(type) {
	case *bool:
		*d = *from.(*bool)
	case *string:
		*d = *from.(*string)
	case *int:
		*d = *from.(*int)
	case *time.Duration:
		*d = *from.(*time.Duration)
	default:
		panic(fmt.Sprintf("setting %q has unsupported type %T", name, dst))
	}
	return nil
}

// Load overlays the settings present in the TOML file at path onto c.
// Unknown keys are an error.
func (c *Config) Load(path string) error {
	var file Config
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return fmt.Errorf("loading %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("loading %q: unknown keys %v", path, undecoded)
	}
	for _, key := range md.Keys() {
		if err := c.set(key.String(), &file); err != nil {
			return fmt.Errorf("loading %q: %w", path, err)
		}
	}
	c.ConfigFile = path
	return nil
}

// Validate checks that the settings make sense.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.PhysPages != 0 && c.PhysPages < 2 {
		return fmt.Errorf("phys-pages must be at least 2, got %d", c.PhysPages)
	}
	if c.MaxEnvs < 0 {
		return fmt.Errorf("max-envs must not be negative, got %d", c.MaxEnvs)
	}
	if c.NICRing < 2 {
		return fmt.Errorf("nic-ring must be at least 2, got %d", c.NICRing)
	}
	if c.NICBurst < 1 {
		return fmt.Errorf("nic-burst must be at least 1, got %d", c.NICBurst)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	return nil
}

// Copy returns a deep copy of c. Each machine gets its own copy.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	fields := c.fields()
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	log.Infof("Config:")
	for _, name := range names {
		log.Infof("\t%s: %v", name, derefSetting(fields[name]))
	}
}

func derefSetting(p any) any {
	switch v := p.(type) {
	case *bool:
		return *v
	case *string:
		return *v
	case *int:
		return *v
	case *time.Duration:
		return *v
	default:
		return p
	}
}

// Default returns the configuration cowsim runs with when no flag is set.
func Default() *Config {
	return &Config{
		LogFormat: "text",
		NICRing:   e1000.MaxDesc,
		NICBurst:  4,
		Timeout:   time.Minute,
	}
}
