package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const FileName = "p2p-transfer.toml"

// Config holds tracker, peer and transfer settings.
type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	Tracker  TrackerConfig  `toml:"tracker"`
	Peer     PeerConfig     `toml:"peer"`
	Transfer TransferConfig `toml:"transfer"`
	Log      LogConfig      `toml:"log"`
}

type StorageConfig struct {
	Root string `toml:"root"`
}

type TrackerConfig struct {
	Listen        string   `toml:"listen"`
	WireListen    string   `toml:"wire_listen"`
	AdvertiseHost string   `toml:"advertise_host"`
	PeerTTL       Duration `toml:"peer_ttl"`
	SweepInterval Duration `toml:"sweep_interval"`
	MDNS          bool     `toml:"mdns"`
}

type PeerConfig struct {
	Listen        string   `toml:"listen"`
	WireListen    string   `toml:"wire_listen"`
	AdvertiseHost string   `toml:"advertise_host"`
	TrackerURL    string   `toml:"tracker_url"`
	TrackerWire   string   `toml:"tracker_wire"`
	PeerID        string   `toml:"peer_id"`
	Heartbeat     Duration `toml:"heartbeat"`
}

type TransferConfig struct {
	ChunkSize      int64    `toml:"chunk_size"`
	HTTPTimeout    Duration `toml:"http_timeout"`
	WireTimeout    Duration `toml:"wire_timeout"`
	MaxWireConns   int      `toml:"max_wire_conns"`
	MaxHeaderBytes int      `toml:"max_header_bytes"`
}

type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Duration wraps time.Duration for TOML parsing
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultChunkSize matches the 512 KiB chunks produced by existing manifests.
const DefaultChunkSize = 512 * 1024

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{Root: "storage"},
		Tracker: TrackerConfig{
			Listen:        "0.0.0.0:8000",
			WireListen:    "0.0.0.0:9100",
			PeerTTL:       Duration{2 * time.Minute},
			SweepInterval: Duration{30 * time.Second},
		},
		Peer: PeerConfig{
			Listen:      "0.0.0.0:9000",
			WireListen:  "0.0.0.0:9001",
			TrackerURL:  "http://127.0.0.1:8000",
			TrackerWire: "127.0.0.1:9100",
			Heartbeat:   Duration{30 * time.Second},
		},
		Transfer: TransferConfig{
			ChunkSize:      DefaultChunkSize,
			HTTPTimeout:    Duration{10 * time.Second},
			WireTimeout:    Duration{30 * time.Second},
			MaxWireConns:   64,
			MaxHeaderBytes: 64 * 1024,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the TOML file at path over the defaults. A missing file is not
// an error: the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer.chunk_size must be positive, got %d", c.Transfer.ChunkSize)
	}
	if c.Transfer.MaxWireConns <= 0 {
		return fmt.Errorf("transfer.max_wire_conns must be positive, got %d", c.Transfer.MaxWireConns)
	}
	if c.Transfer.MaxHeaderBytes <= 0 {
		return fmt.Errorf("transfer.max_header_bytes must be positive, got %d", c.Transfer.MaxHeaderBytes)
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	return nil
}
