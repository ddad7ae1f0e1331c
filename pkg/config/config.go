// Package config loads the daemon configuration: a JSON file with
// environment overrides for the knobs that change between deployments.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// PeerConfig names one federated peer to join at startup.
type PeerConfig struct {
	Guid    uint64 `json:"guid"`
	Address string `json:"address"`
}

// Config is the full daemon configuration.
type Config struct {
	// Guid is this node's identity; 0 derives a random one at startup.
	Guid uint64 `json:"guid"`

	// ListenAddress is where the transport listens, host:port.
	ListenAddress string `json:"listen_address"`

	// AdvertiseAddress overrides what peers and rows see; empty uses the
	// listener address.
	AdvertiseAddress string `json:"advertise_address,omitempty"`

	// Transport picks the substrate: "grpc" (default) or "ws".
	Transport string `json:"transport,omitempty"`

	// Peers are dialed and registered as federated servers at startup.
	Peers []PeerConfig `json:"peers,omitempty"`

	MaxUploadBytesPerClient uint64 `json:"max_upload_bytes_per_client,omitempty"`
	MaxBytesPerDownload     uint64 `json:"max_bytes_per_download,omitempty"`

	GetRequestTimeoutMs int `json:"get_request_timeout_ms,omitempty"`
	GetSweepIntervalMs  int `json:"get_sweep_interval_ms,omitempty"`

	// MetricsAddress serves Prometheus metrics when set, host:port.
	MetricsAddress string `json:"metrics_address,omitempty"`

	// TickIntervalMs is the pump cadence of the daemon loop.
	TickIntervalMs int `json:"tick_interval_ms,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddress:  "127.0.0.1:7200",
		Transport:      "grpc",
		TickIntervalMs: 10,
	}
}

// Load reads a config file and applies environment overrides. An empty path
// starts from defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CLOUDMESH_LISTEN_ADDRESS"); v != "" {
		c.ListenAddress = v
	}
	if v := os.Getenv("CLOUDMESH_ADVERTISE_ADDRESS"); v != "" {
		c.AdvertiseAddress = v
	}
	if v := os.Getenv("CLOUDMESH_TRANSPORT"); v != "" {
		c.Transport = v
	}
	if v := os.Getenv("CLOUDMESH_GUID"); v != "" {
		if guid, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Guid = guid
		}
	}
	if v := os.Getenv("CLOUDMESH_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.MaxUploadBytesPerClient = n
		}
	}
	if v := os.Getenv("CLOUDMESH_METRICS_ADDRESS"); v != "" {
		c.MetricsAddress = v
	}
}

func (c *Config) validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("config: listen_address is required")
	}
	switch c.Transport {
	case "", "grpc", "ws":
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	for _, peer := range c.Peers {
		if peer.Address == "" {
			return fmt.Errorf("config: peer %d has no address", peer.Guid)
		}
	}
	return nil
}
