// Package config loads the engine's YAML configuration file into a flat
// Config struct.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultSampleRate       = 48000
	defaultChannels         = 2
	defaultBufferFrames     = 512
	defaultRingFrames       = 32768
	defaultPreRollMs        = 200
	defaultDriftToleranceMs = 10
	defaultTempoMinPercent  = 80
	defaultTempoMaxPercent  = 120
	defaultWirePort         = 9876
	defaultPeerTimeoutSec   = 30
	defaultPingIntervalSec  = 5
)

// Config is the flattened, validated configuration the rest of the engine
// consumes.
type Config struct {
	SampleRate         int
	Channels           int
	BufferSizeFrames   int
	RingCapacityFrames int
	PreRollThreshold   time.Duration
	DriftTolerance     time.Duration

	TempoMinPercent float64
	TempoMaxPercent float64

	WirePort             int
	BroadcastAddress     string
	PeerTimeout          time.Duration
	PingInterval         time.Duration
	AllowOfflinePlayback bool
	NTPServers           []string

	Role       string // "standalone", "server", or "client"
	ServerAddr string // required when Role == "client"
}

type yamlConfig struct {
	Audio struct {
		SampleRate       int `yaml:"sample_rate"`
		Channels         int `yaml:"channels"`
		BufferSizeFrames int `yaml:"buffer_size_frames"`
	} `yaml:"audio"`
	Track struct {
		RingCapacityFrames int `yaml:"ring_capacity_frames"`
		PreRollMs          int `yaml:"pre_roll_ms"`
		DriftToleranceMs   int `yaml:"drift_tolerance_ms"`
	} `yaml:"track"`
	Tempo struct {
		MinPercent float64 `yaml:"min_percent"`
		MaxPercent float64 `yaml:"max_percent"`
	} `yaml:"tempo"`
	Sync struct {
		Role                 string   `yaml:"role"`
		Port                 int      `yaml:"port"`
		BroadcastAddress     string   `yaml:"broadcast_address"`
		ServerAddr           string   `yaml:"server_addr"`
		PeerTimeoutSec       int      `yaml:"peer_timeout_seconds"`
		PingIntervalSec      int      `yaml:"ping_interval_seconds"`
		AllowOfflinePlayback *bool    `yaml:"allow_offline_playback"`
		NTPServers           []string `yaml:"ntp_servers"`
	} `yaml:"sync"`
}

// Load reads and validates the YAML file at path, applying defaults for
// anything left unset.
func Load(path string) (Config, error) {
	cfg := Config{
		SampleRate:           defaultSampleRate,
		Channels:             defaultChannels,
		BufferSizeFrames:     defaultBufferFrames,
		RingCapacityFrames:   defaultRingFrames,
		PreRollThreshold:     defaultPreRollMs * time.Millisecond,
		DriftTolerance:       defaultDriftToleranceMs * time.Millisecond,
		TempoMinPercent:      defaultTempoMinPercent,
		TempoMaxPercent:      defaultTempoMaxPercent,
		WirePort:             defaultWirePort,
		BroadcastAddress:     "255.255.255.255",
		PeerTimeout:          defaultPeerTimeoutSec * time.Second,
		PingInterval:         defaultPingIntervalSec * time.Second,
		AllowOfflinePlayback: true,
		Role:                 "standalone",
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if yc.Audio.SampleRate > 0 {
		cfg.SampleRate = yc.Audio.SampleRate
	}
	if yc.Audio.Channels > 0 {
		cfg.Channels = yc.Audio.Channels
	}
	if yc.Audio.BufferSizeFrames > 0 {
		cfg.BufferSizeFrames = yc.Audio.BufferSizeFrames
	}

	if yc.Track.RingCapacityFrames > 0 {
		cfg.RingCapacityFrames = yc.Track.RingCapacityFrames
	}
	if yc.Track.PreRollMs > 0 {
		cfg.PreRollThreshold = time.Duration(yc.Track.PreRollMs) * time.Millisecond
	}
	if yc.Track.DriftToleranceMs > 0 {
		cfg.DriftTolerance = time.Duration(yc.Track.DriftToleranceMs) * time.Millisecond
	}

	if yc.Tempo.MinPercent > 0 {
		cfg.TempoMinPercent = yc.Tempo.MinPercent
	}
	if yc.Tempo.MaxPercent > 0 {
		cfg.TempoMaxPercent = yc.Tempo.MaxPercent
	}
	if cfg.TempoMinPercent >= cfg.TempoMaxPercent {
		return Config{}, fmt.Errorf("config: tempo.min_percent (%.1f) must be less than tempo.max_percent (%.1f)",
			cfg.TempoMinPercent, cfg.TempoMaxPercent)
	}

	if yc.Sync.Role != "" {
		cfg.Role = strings.ToLower(yc.Sync.Role)
	}
	switch cfg.Role {
	case "standalone", "server", "client":
	default:
		return Config{}, fmt.Errorf("config: sync.role must be standalone, server, or client, got %q", cfg.Role)
	}

	if yc.Sync.Port > 0 {
		cfg.WirePort = yc.Sync.Port
	}
	if yc.Sync.BroadcastAddress != "" {
		cfg.BroadcastAddress = yc.Sync.BroadcastAddress
	}
	cfg.ServerAddr = yc.Sync.ServerAddr
	if cfg.Role == "client" && cfg.ServerAddr == "" {
		return Config{}, errors.New("config: sync.server_addr is required when sync.role is client")
	}
	if yc.Sync.PeerTimeoutSec > 0 {
		cfg.PeerTimeout = time.Duration(yc.Sync.PeerTimeoutSec) * time.Second
	}
	if yc.Sync.PingIntervalSec > 0 {
		cfg.PingInterval = time.Duration(yc.Sync.PingIntervalSec) * time.Second
	}
	if yc.Sync.AllowOfflinePlayback != nil {
		cfg.AllowOfflinePlayback = *yc.Sync.AllowOfflinePlayback
	}
	cfg.NTPServers = yc.Sync.NTPServers

	return cfg, nil
}
