// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/pion/webrtc/v4"
)

// TURNServer is one TURN relay with long-term credentials.
type TURNServer struct {
	URLs     []string `yaml:"urls"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// ICEConfig holds the ICE servers peers use during candidate
// gathering. An empty config gathers host candidates only, which is
// enough for same-machine and same-LAN peers.
type ICEConfig struct {
	// STUNURLs are STUN server URLs, e.g. "stun:stun.l.google.com:19302".
	STUNURLs []string `yaml:"stun_urls"`

	// TURN servers. Order matters: pion tries them in sequence.
	TURN []TURNServer `yaml:"turn"`
}

// Servers converts the config into pion ICE server entries. TURN
// entries without URLs are skipped.
func (c ICEConfig) Servers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNURLs})
	}
	for _, turn := range c.TURN {
		if len(turn.URLs) == 0 {
			continue
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn.URLs,
			Username:   turn.Username,
			Credential: turn.Password,
		})
	}
	return servers
}

// Configuration returns a webrtc.Configuration using these servers.
func (c ICEConfig) Configuration() webrtc.Configuration {
	return webrtc.Configuration{ICEServers: c.Servers()}
}
