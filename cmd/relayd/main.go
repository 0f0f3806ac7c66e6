// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/offcast/relayd/logger"
	"github.com/offcast/relayd/service"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.toml", "Path to the configuration file for the relayd service.")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("relayd: failed to load config: %s", err.Error())
	}

	if err := cfg.IsValid(); err != nil {
		log.Fatalf("relayd: failed to validate config: %s", err.Error())
	}

	logger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("relayd: failed to create logger: %s", err.Error())
	}

	service, err := service.New(cfg, logger)
	if err != nil {
		log.Fatalf("relayd: failed to create service: %s", err.Error())
	}

	if err := service.Start(); err != nil {
		log.Fatalf("relayd: failed to start service: %s", err.Error())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := service.Stop(); err != nil {
		log.Fatalf("relayd: failed to stop service: %s", err.Error())
	}

	if err := logger.Shutdown(); err != nil {
		log.Fatalf("relayd: failed to shutdown logger: %s", err.Error())
	}
}
