// Package config loads client and server settings from TOML files decoded
// over defaults. Missing keys keep their default.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration decodes TOML strings such as "55s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type (
	Log struct {
		Level       string `toml:"level"`
		Development bool   `toml:"development"`
	}

	Mongo struct {
		URI      string `toml:"uri"`
		Database string `toml:"database"`
	}

	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
	}

	Client struct {
		Server string `toml:"server"`
		// Store is "memory" or "mongo".
		Store string `toml:"store"`
		Mongo Mongo  `toml:"mongo"`
		Log   Log    `toml:"log"`
		// Profile separates the local state of several devices on one host.
		Profile string `toml:"profile"`

		KeepAliveInterval Duration `toml:"keepalive_interval"`
		KeepAliveGrace    Duration `toml:"keepalive_grace"`
		ReconnectInitial  Duration `toml:"reconnect_initial"`
		ReconnectMax      Duration `toml:"reconnect_max"`

		PreKeyBatch int `toml:"prekey_batch"`
		MinPreKeys  int `toml:"min_prekeys"`

		Sync Sync `toml:"sync"`
	}

	Sync struct {
		StaggerInterval Duration `toml:"stagger_interval"`
		ChunkSize       int      `toml:"chunk_size"`
		LocationTimeout Duration `toml:"location_timeout"`
		RequestTTL      Duration `toml:"request_ttl"`
	}

	Server struct {
		Listen string `toml:"listen"`
		// Store is "memory" or "mongo"; Queue is "memory" or "redis".
		Store string `toml:"store"`
		Queue string `toml:"queue"`
		Mongo Mongo  `toml:"mongo"`
		Redis Redis  `toml:"redis"`
		Log   Log    `toml:"log"`

		// AttachmentSecret signs attachment locations.
		AttachmentSecret string   `toml:"attachment_secret"`
		AttachmentTTL    Duration `toml:"attachment_ttl"`
		MaxAttachment    int64    `toml:"max_attachment_bytes"`
	}
)

func DefaultClient() Client {
	return Client{
		Server:  "http://localhost:9090",
		Store:   "mongo",
		Mongo:   Mongo{URI: "mongodb://localhost:27017", Database: "e2e_client"},
		Log:     Log{Level: "info"},
		Profile: "default",

		KeepAliveInterval: Duration{55 * time.Second},
		KeepAliveGrace:    Duration{5 * time.Second},
		ReconnectInitial:  Duration{time.Second},
		ReconnectMax:      Duration{2 * time.Minute},

		PreKeyBatch: 100,
		MinPreKeys:  10,

		Sync: Sync{
			StaggerInterval: Duration{2 * time.Second},
			ChunkSize:       50,
			LocationTimeout: Duration{5 * time.Second},
			RequestTTL:      Duration{5 * time.Minute},
		},
	}
}

func DefaultServer() Server {
	return Server{
		Listen: "localhost:9090",
		Store:  "memory",
		Queue:  "memory",
		Mongo:  Mongo{URI: "mongodb://localhost:27017", Database: "mydb"},
		Redis:  Redis{Addr: "localhost:6379"},
		Log:    Log{Level: "info"},

		AttachmentTTL: Duration{time.Hour},
		MaxAttachment: 100 << 20,
	}
}

// LoadClient decodes path over the client defaults. An empty path or a
// missing file yields the defaults.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if err := decode(path, &cfg); err != nil {
		return Client{}, fmt.Errorf("load client config: %w", err)
	}
	if cfg.MinPreKeys > cfg.PreKeyBatch {
		return Client{}, fmt.Errorf("load client config: min_prekeys %d exceeds prekey_batch %d", cfg.MinPreKeys, cfg.PreKeyBatch)
	}
	if err := checkStore(cfg.Store); err != nil {
		return Client{}, fmt.Errorf("load client config: %w", err)
	}
	return cfg, nil
}

func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if err := decode(path, &cfg); err != nil {
		return Server{}, fmt.Errorf("load server config: %w", err)
	}
	if err := checkStore(cfg.Store); err != nil {
		return Server{}, fmt.Errorf("load server config: %w", err)
	}
	switch cfg.Queue {
	case "memory", "redis":
	default:
		return Server{}, fmt.Errorf("load server config: unsupported queue %q (expected memory or redis)", cfg.Queue)
	}
	return cfg, nil
}

func decode(path string, v any) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	meta, err := toml.DecodeFile(path, v)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys %v", undecoded)
	}
	return nil
}

func checkStore(s string) error {
	switch s {
	case "memory", "mongo":
		return nil
	default:
		return fmt.Errorf("unsupported store %q (expected memory or mongo)", s)
	}
}
