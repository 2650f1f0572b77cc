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

package config

import (
	"flag"
	"fmt"
	"time"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	def := Default()
	flagSet.Bool("debug", def.Debug, "enable debug logging.")
	flagSet.String("log-format", def.LogFormat, "log format: text (default) or json.")
	flagSet.String("debug-log", def.DebugLog, "file path where logs are written, default is stderr. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.Int("phys-pages", def.PhysPages, "physical frames per machine, 0 takes the kernel default.")
	flagSet.Int("max-envs", def.MaxEnvs, "environments per machine, 0 means the whole arena.")
	flagSet.Int("nic-ring", def.NICRing, "transmit descriptors of the network card.")
	flagSet.Int("nic-burst", def.NICBurst, "descriptors the network card drains per scheduling quantum.")
	flagSet.Duration("timeout", def.Timeout, "how long a machine may run.")
	flagSet.String("config", "", "TOML file with settings. Flags set on the command line take precedence.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set and, if the config flag names one, from a TOML file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	var err error
	flagSet.VisitAll(func(f *flag.Flag) {
		if err == nil {
			err = conf.setFlag(f)
		}
	})
	if err != nil {
		return nil, err
	}
	if conf.ConfigFile != "" {
		if err := conf.Load(conf.ConfigFile); err != nil {
			return nil, err
		}
		flagSet.Visit(func(f *flag.Flag) {
			if err == nil {
				err = conf.setFlag(f)
			}
		})
		if err != nil {
			return nil, err
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFlag copies the value of f into the matching setting. Flags that are
// not settings are ignored.
func (c *Config) setFlag(f *flag.Flag) error {
	dst, ok := c.fields()[f.Name]
	if !ok {
		return nil
	}
	getter, ok := f.Value.(flag.Getter)
	if !ok {
		return fmt.Errorf("flag %q has no value getter", f.Name)
	}
	v := getter.Get()
	switch d := dst.(type) {
	case *bool:
		*d, ok = v.(bool)
	case *string:
		*d, ok = v.(string)
	case *int:
		*d, ok = v.(int)
	case *time.Duration:
		*d, ok = v.(time.Duration)
	}
	if !ok {
		return fmt.Errorf("flag %q has unexpected type %T", f.Name, v)
	}
	return nil
}
