// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package config

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/mochi-mqtt/stomp"
	"github.com/mochi-mqtt/stomp/hooks/debug"
	"github.com/mochi-mqtt/stomp/hooks/lifecycle"
	"github.com/mochi-mqtt/stomp/hooks/storage/badger"
	"github.com/mochi-mqtt/stomp/hooks/storage/bolt"
	"github.com/mochi-mqtt/stomp/hooks/storage/pebble"
	"github.com/mochi-mqtt/stomp/hooks/storage/redis"
	"github.com/mochi-mqtt/stomp/listeners"
)

// config defines the structure of configuration data to be parsed from a config source.
type config struct {
	Options     stomp.Options
	Listeners   []listeners.Config `yaml:"listeners" json:"listeners"`
	HookConfigs HookConfigs        `yaml:"hooks" json:"hooks"`
}

// HookConfigs contains configurations to enable individual hooks.
type HookConfigs struct {
	Lifecycle *lifecycle.Options `yaml:"lifecycle" json:"lifecycle"`
	Storage   *HookStorageConfig `yaml:"storage" json:"storage"`
	Debug     *debug.Options     `yaml:"debug" json:"debug"`
}

// HookStorageConfig contains configurations for the different storage hooks.
type HookStorageConfig struct {
	Badger *badger.Options `yaml:"badger" json:"badger"`
	Bolt   *bolt.Options   `yaml:"bolt" json:"bolt"`
	Pebble *pebble.Options `yaml:"pebble" json:"pebble"`
	Redis  *redis.Options  `yaml:"redis" json:"redis"`
}

// ToHooks converts Hook file configurations into Hooks to be added to the server.
func (hc HookConfigs) ToHooks() []stomp.HookLoadConfig {
	var hlc []stomp.HookLoadConfig

	if hc.Lifecycle != nil {
		hlc = append(hlc, stomp.HookLoadConfig{
			Hook:   new(lifecycle.Hook),
			Config: hc.Lifecycle,
		})
	}

	if hc.Storage != nil {
		hlc = append(hlc, hc.toHooksStorage()...)
	}

	if hc.Debug != nil {
		hlc = append(hlc, stomp.HookLoadConfig{
			Hook:   new(debug.Hook),
			Config: hc.Debug,
		})
	}

	return hlc
}

// toHooksStorage converts storage hook configurations into storage hooks.
func (hc HookConfigs) toHooksStorage() []stomp.HookLoadConfig {
	var hlc []stomp.HookLoadConfig
	if hc.Storage.Badger != nil {
		hlc = append(hlc, stomp.HookLoadConfig{
			Hook:   new(badger.Hook),
			Config: hc.Storage.Badger,
		})
	}

	if hc.Storage.Bolt != nil {
		hlc = append(hlc, stomp.HookLoadConfig{
			Hook:   new(bolt.Hook),
			Config: hc.Storage.Bolt,
		})
	}

	if hc.Storage.Redis != nil {
		hlc = append(hlc, stomp.HookLoadConfig{
			Hook:   new(redis.Hook),
			Config: hc.Storage.Redis,
		})
	}

	if hc.Storage.Pebble != nil {
		hlc = append(hlc, stomp.HookLoadConfig{
			Hook:   new(pebble.Hook),
			Config: hc.Storage.Pebble,
		})
	}
	return hlc
}

// FromBytes unmarshals a byte slice of JSON or YAML config data into a valid server options value.
// Any hooks configurations are converted into Hooks using the toHooks methods in this package.
func FromBytes(b []byte) (*stomp.Options, error) {
	c := new(config)

	if len(b) == 0 {
		return nil, nil
	}

	if b[0] == '{' {
		if err := json.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("%w: %v", stomp.ErrOptionsUnreadable, err)
		}
	} else {
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("%w: %v", stomp.ErrOptionsUnreadable, err)
		}
	}

	o := c.Options
	o.Hooks = c.HookConfigs.ToHooks()
	o.Listeners = c.Listeners

	return &o, nil
}
