package configs

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type ManagerConfig struct {
	// Workers is the size of the goroutine pool running deferred work.
	Workers int
	// QueueDepth bounds the deferred work waiting for a worker. The receive
	// path drops frames instead of blocking once it is reached.
	QueueDepth int
	LogLevel   string
}

type HostConfig struct {
	BufferSizeMax int
	NumCPorts     int
	// AtomicBuffers is the number of buffers the receive path may hold at
	// once.
	AtomicBuffers int
}

type LoopbackConfig struct {
	CPort   uint16
	Type    int
	Size    uint32
	MsWait  int
	Timeout time.Duration
}

type TransportConfig struct {
	Listen   string
	Dial     string
	MaxConns int
}

type Config struct {
	Manager   ManagerConfig
	Host      HostConfig
	Loopback  LoopbackConfig
	Transport TransportConfig
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Workers:    64,
		QueueDepth: 1024,
		LogLevel:   "info",
	}
}

func DefaultHostConfig() HostConfig {
	return HostConfig{
		BufferSizeMax: 4096,
		NumCPorts:     32,
		AtomicBuffers: 256,
	}
}

func DefaultConfig() Config {
	return Config{
		Manager: DefaultManagerConfig(),
		Host:    DefaultHostConfig(),
		Loopback: LoopbackConfig{
			CPort:   1,
			Type:    2,
			Size:    64,
			MsWait:  0,
			Timeout: time.Second,
		},
		Transport: TransportConfig{
			Listen:   "127.0.0.1:4343",
			Dial:     "127.0.0.1:4343",
			MaxConns: 1,
		},
	}
}

type fileConfig struct {
	Manager struct {
		Workers    int    `toml:"workers"`
		QueueDepth int    `toml:"queue_depth"`
		LogLevel   string `toml:"log_level"`
	} `toml:"manager"`
	Host struct {
		BufferSizeMax int `toml:"buffer_size_max"`
		NumCPorts     int `toml:"num_cports"`
		AtomicBuffers int `toml:"atomic_buffers"`
	} `toml:"host"`
	Loopback struct {
		CPort   int    `toml:"cport"`
		Type    int    `toml:"type"`
		Size    int64  `toml:"size"`
		MsWait  int    `toml:"ms_wait"`
		Timeout string `toml:"timeout"`
	} `toml:"loopback"`
	Transport struct {
		Listen   string `toml:"listen"`
		Dial     string `toml:"dial"`
		MaxConns int    `toml:"max_conns"`
	} `toml:"transport"`
}

// ReadConfigFromFile loads a TOML file over DefaultConfig. Keys absent from
// the file keep their default.
func ReadConfigFromFile(filePath string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(filePath, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("manager", "workers") {
		cfg.Manager.Workers = raw.Manager.Workers
	}
	if meta.IsDefined("manager", "queue_depth") {
		cfg.Manager.QueueDepth = raw.Manager.QueueDepth
	}
	if meta.IsDefined("manager", "log_level") {
		cfg.Manager.LogLevel = strings.TrimSpace(raw.Manager.LogLevel)
	}

	if meta.IsDefined("host", "buffer_size_max") {
		cfg.Host.BufferSizeMax = raw.Host.BufferSizeMax
	}
	if meta.IsDefined("host", "num_cports") {
		cfg.Host.NumCPorts = raw.Host.NumCPorts
	}
	if meta.IsDefined("host", "atomic_buffers") {
		cfg.Host.AtomicBuffers = raw.Host.AtomicBuffers
	}

	if meta.IsDefined("loopback", "cport") {
		if raw.Loopback.CPort < 0 || raw.Loopback.CPort > 0xffff {
			return Config{}, fmt.Errorf("parse loopback.cport: %d out of range", raw.Loopback.CPort)
		}
		cfg.Loopback.CPort = uint16(raw.Loopback.CPort)
	}
	if meta.IsDefined("loopback", "type") {
		cfg.Loopback.Type = raw.Loopback.Type
	}
	if meta.IsDefined("loopback", "size") {
		if raw.Loopback.Size < 0 {
			return Config{}, fmt.Errorf("parse loopback.size: negative size %d", raw.Loopback.Size)
		}
		cfg.Loopback.Size = uint32(raw.Loopback.Size)
	}
	if meta.IsDefined("loopback", "ms_wait") {
		cfg.Loopback.MsWait = raw.Loopback.MsWait
	}
	if meta.IsDefined("loopback", "timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Loopback.Timeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse loopback.timeout: %w", err)
		}
		cfg.Loopback.Timeout = d
	}

	if meta.IsDefined("transport", "listen") {
		cfg.Transport.Listen = strings.TrimSpace(raw.Transport.Listen)
	}
	if meta.IsDefined("transport", "dial") {
		cfg.Transport.Dial = strings.TrimSpace(raw.Transport.Dial)
	}
	if meta.IsDefined("transport", "max_conns") {
		cfg.Transport.MaxConns = raw.Transport.MaxConns
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Manager.Workers < 1 {
		return fmt.Errorf("manager.workers must be positive, got %d", c.Manager.Workers)
	}
	if c.Manager.QueueDepth < 1 {
		return fmt.Errorf("manager.queue_depth must be positive, got %d", c.Manager.QueueDepth)
	}
	if c.Host.AtomicBuffers < 0 {
		return fmt.Errorf("host.atomic_buffers must not be negative, got %d", c.Host.AtomicBuffers)
	}
	if c.Transport.MaxConns < 1 {
		return fmt.Errorf("transport.max_conns must be positive, got %d", c.Transport.MaxConns)
	}
	return nil
}
