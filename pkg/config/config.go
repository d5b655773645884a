// Package config defines the core's caller-tunable knobs: ResourceManager's
// global unchoke caps, the UDP tracker's retry/timeout budget, and whether
// dht:// tracker URLs are accepted, decoded from YAML the way the teacher's
// internal/config package decodes its RuntimeConfig.
package config

import (
	"time"

	"github.com/kastor-labs/torrentcore/pkg/logs"
)

// Config is the top-level runtime configuration this module reads at
// startup. It carries no torrent-specific state (client emulation,
// bandwidth shaping) — those stayed out of scope for this core.
type Config struct {
	ResourceManager ResourceManagerConfig `yaml:"resourceManager" validate:"required"`
	Tracker         TrackerConfig         `yaml:"tracker" validate:"required"`
	Log             *logs.Config          `yaml:"log" validate:"required"`
}

// ResourceManagerConfig carries the global upload/download unchoke caps.
// Zero means unlimited, matching pkg/choke.ResourceManager's own
// zero-means-unlimited convention.
type ResourceManagerConfig struct {
	MaxUploadUnchoked   int `yaml:"maxUploadUnchoked" validate:"gte=0"`
	MaxDownloadUnchoked int `yaml:"maxDownloadUnchoked" validate:"gte=0"`
}

// TrackerConfig carries the UDP retry/timeout budget and the DHT gate.
type TrackerConfig struct {
	UDPTries     int           `yaml:"udpTries" validate:"gte=1,lte=32"`
	UDPTimeout   time.Duration `yaml:"udpTimeout" validate:"gt=0"`
	DHTPermitted bool          `yaml:"dhtPermitted"`
}

// Default returns a Config with the values this module would run with if
// the caller supplied nothing.
func Default() *Config {
	return &Config{
		ResourceManager: ResourceManagerConfig{
			MaxUploadUnchoked:   0,
			MaxDownloadUnchoked: 0,
		},
		Tracker: TrackerConfig{
			UDPTries:     8,
			UDPTimeout:   15 * time.Second,
			DHTPermitted: false,
		},
		Log: logs.Config{}.Default(),
	}
}
