// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"fmt"
	"os"

	"github.com/offcast/relayd/service"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// loadConfig reads the config file and returns a new service.Config.
// Values in the file are overridden by any corresponding environment
// variables.
func loadConfig(path string) (service.Config, error) {
	var cfg service.Config
	cfg.SetDefaults()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	if err := envconfig.Process("relayd", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
