// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"fmt"

	"github.com/offcast/relayd/logger"
	"github.com/offcast/relayd/service/api"
	"github.com/offcast/relayd/service/auth"
	"github.com/offcast/relayd/service/rtc"
	"github.com/offcast/relayd/service/thumbnail"
)

type APIConfig struct {
	HTTP     api.Config  `toml:"http"`
	Security auth.Config `toml:"security"`
}

func (c APIConfig) IsValid() error {
	if err := c.Security.IsValid(); err != nil {
		return fmt.Errorf("failed to validate security config: %w", err)
	}

	if err := c.HTTP.IsValid(); err != nil {
		return fmt.Errorf("failed to validate http config: %w", err)
	}

	return nil
}

type StoreConfig struct {
	DataSource string `toml:"data_source"`
}

func (c StoreConfig) IsValid() error {
	if c.DataSource == "" {
		return fmt.Errorf("invalid DataSource value: should not be empty")
	}
	return nil
}

type Config struct {
	API        APIConfig
	RTC        rtc.ServerConfig
	Thumbnails thumbnail.Config
	Store      StoreConfig
	Logger     logger.Config
}

func (c Config) IsValid() error {
	if err := c.API.IsValid(); err != nil {
		return err
	}

	if err := c.RTC.IsValid(); err != nil {
		return err
	}

	if err := c.Thumbnails.IsValid(); err != nil {
		return err
	}

	if err := c.Store.IsValid(); err != nil {
		return err
	}

	return c.Logger.IsValid()
}

func (c *Config) SetDefaults() {
	c.API.HTTP.ListenAddress = ":8045"
	c.RTC.UDPPort = 8443
	c.RTC.CertsDir = "certs"
	c.RTC.MaxRooms = 64
	c.RTC.MaxViewersPerRoom = 100
	c.RTC.ICETimeoutSecs = 15
	c.RTC.DTLSTimeoutSecs = 10
	c.RTC.IdleTimeoutSecs = 30
	c.Thumbnails.Workers = 4
	c.Thumbnails.QueueSize = 8
	c.Thumbnails.Width = 320
	c.Thumbnails.FFmpegPath = "ffmpeg"
	c.Thumbnails.Quality = 75
	c.Store.DataSource = "/tmp/relayd_db"
	c.Logger.EnableConsole = true
	c.Logger.ConsoleJSON = false
	c.Logger.ConsoleLevel = "INFO"
	c.Logger.EnableFile = true
	c.Logger.FileJSON = true
	c.Logger.FileLocation = "relayd.log"
	c.Logger.FileLevel = "DEBUG"
	c.Logger.EnableColor = false
}
