// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

type ServerConfig struct {
	// UDPAddress specifies the UDP address the media plane should listen on.
	UDPAddress string `toml:"udp_address"`
	// UDPPort specifies the UDP port the media plane should listen to.
	UDPPort int `toml:"udp_port"`
	// HostOverride optionally specifies an IP address to advertise as the
	// host candidate in SDP answers, in place of the listen address.
	HostOverride string `toml:"host_override"`
	// CertsDir specifies the directory holding the DTLS certificate
	// (cert.pem) and private key (key.pem). Both files must exist.
	CertsDir string `toml:"certs_dir"`
	// MaxRooms caps the number of concurrently active rooms.
	MaxRooms int `toml:"max_rooms"`
	// MaxViewersPerRoom caps the number of viewers attached to a single room.
	MaxViewersPerRoom int `toml:"max_viewers_per_room"`
	// ICETimeoutSecs bounds the time between offer registration and ICE
	// nomination.
	ICETimeoutSecs int `toml:"ice_timeout_secs"`
	// DTLSTimeoutSecs bounds the DTLS handshake after nomination.
	DTLSTimeoutSecs int `toml:"dtls_timeout_secs"`
	// IdleTimeoutSecs bounds inactivity on an established session.
	IdleTimeoutSecs int `toml:"idle_timeout_secs"`
}

func (c ServerConfig) IsValid() error {
	if c.UDPAddress != "" && net.ParseIP(c.UDPAddress) == nil {
		return fmt.Errorf("invalid UDPAddress value: not a valid address")
	}

	if c.UDPPort < 80 || c.UDPPort > 49151 {
		return fmt.Errorf("invalid UDPPort value: %d is not in allowed range [80, 49151]", c.UDPPort)
	}

	if c.HostOverride != "" && net.ParseIP(c.HostOverride) == nil {
		return fmt.Errorf("invalid HostOverride value: not a valid address")
	}

	if c.CertsDir == "" {
		return fmt.Errorf("invalid CertsDir value: should not be empty")
	}

	for _, name := range []string{certFileName, keyFileName} {
		if _, err := os.Stat(filepath.Join(c.CertsDir, name)); err != nil {
			return fmt.Errorf("invalid CertsDir value: %w", err)
		}
	}

	if c.MaxRooms <= 0 {
		return fmt.Errorf("invalid MaxRooms value: should be greater than zero")
	}

	if c.MaxViewersPerRoom <= 0 {
		return fmt.Errorf("invalid MaxViewersPerRoom value: should be greater than zero")
	}

	if c.ICETimeoutSecs <= 0 {
		return fmt.Errorf("invalid ICETimeoutSecs value: should be greater than zero")
	}

	if c.DTLSTimeoutSecs <= 0 {
		return fmt.Errorf("invalid DTLSTimeoutSecs value: should be greater than zero")
	}

	if c.IdleTimeoutSecs <= 0 {
		return fmt.Errorf("invalid IdleTimeoutSecs value: should be greater than zero")
	}

	return nil
}

func (c ServerConfig) iceTimeout() time.Duration {
	return time.Duration(c.ICETimeoutSecs) * time.Second
}

func (c ServerConfig) dtlsTimeout() time.Duration {
	return time.Duration(c.DTLSTimeoutSecs) * time.Second
}

func (c ServerConfig) idleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSecs) * time.Second
}
