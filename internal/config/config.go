// Package config holds every server-tunable enumerated in the external
// interface: listener ports, memory budget, threading, and eviction policy.
// Flags are bound with pflag; an optional TOML file can override defaults
// before flags are applied, matching the precedence CLI tools in this
// ecosystem use (file sets the baseline, flags win).
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// Config mirrors spec.md §6 "Configuration (enumerated options)".
type Config struct {
	MaxBytes           int64  `toml:"maxbytes"`
	MaxConns           int    `toml:"maxconns"`
	Port               int    `toml:"port"`
	UDPPort            int    `toml:"udpport"`
	BinaryPort         int    `toml:"binary_port"`
	BinaryUDPPort      int    `toml:"binary_udpport"`
	SocketPath         string `toml:"socketpath"`
	Interface          string `toml:"interf"`
	Verbose            int    `toml:"verbose"`
	NumThreads         int    `toml:"num_threads"`
	EvictToFree        bool   `toml:"evict_to_free"`
	Managed            bool   `toml:"managed"`
	ChunkSize          int    `toml:"chunk_size"`
	Factor             float64 `toml:"factor"`
	DetailEnabled      bool   `toml:"detail_enabled"`
	MaxConnBufferBytes int64  `toml:"max_conn_buffer_bytes"`

	// CorruptionDetection enables the conn_buffer corruption-detection mode
	// of spec.md §4.6: a destroyed buffer is filled with 0xDE before it is
	// unmapped. There is no PROT_NONE remap.
	CorruptionDetection bool `toml:"corruption_detection"`

	// MetricsAddr, when non-empty, serves Prometheus metrics (EXPANSION).
	MetricsAddr string `toml:"metrics_addr"`
}

// Default returns the baseline configuration used when no file/flags
// override it.
func Default() Config {
	return Config{
		MaxBytes:           64 << 20,
		MaxConns:           1024,
		Port:               11211,
		UDPPort:            11211,
		BinaryPort:         11212,
		BinaryUDPPort:      11212,
		Verbose:            0,
		NumThreads:         4,
		EvictToFree:        true,
		ChunkSize:          48,
		Factor:             1.25,
		MaxConnBufferBytes: 16 << 20,
	}
}

// BindFlags registers every option above onto fs, defaulting to whatever cfg
// already holds (so callers can load a TOML file first, then let flags win).
func BindFlags(cfg *Config, fs *pflag.FlagSet) {
	fs.Int64Var(&cfg.MaxBytes, "maxbytes", cfg.MaxBytes, "arena cap in bytes")
	fs.IntVar(&cfg.MaxConns, "maxconns", cfg.MaxConns, "expected connection count, used to size conn buffers; not enforced as a cap")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "ASCII TCP listen port, 0 disables")
	fs.IntVar(&cfg.UDPPort, "udpport", cfg.UDPPort, "ASCII UDP port (accepted; no ASCII UDP listener is started)")
	fs.IntVar(&cfg.BinaryPort, "binary-port", cfg.BinaryPort, "binary TCP listen port, 0 disables")
	fs.IntVar(&cfg.BinaryUDPPort, "binary-udpport", cfg.BinaryUDPPort, "binary UDP listen port, 0 disables")
	fs.StringVar(&cfg.SocketPath, "socketpath", cfg.SocketPath, "unix domain socket path, empty disables")
	fs.StringVar(&cfg.Interface, "interf", cfg.Interface, "bind interface")
	fs.IntVar(&cfg.Verbose, "verbose", cfg.Verbose, "verbosity 0..2 (accepted; has no effect, --log-level sets log output)")
	fs.IntVar(&cfg.NumThreads, "threads", cfg.NumThreads, "worker thread count")
	fs.BoolVar(&cfg.EvictToFree, "evict-to-free", cfg.EvictToFree, "evict rather than fail when memory is exhausted")
	fs.BoolVar(&cfg.Managed, "managed", cfg.Managed, "enable virtual-bucket routing (reserved)")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "slab allocator tuning (external collaborator)")
	fs.Float64Var(&cfg.Factor, "factor", cfg.Factor, "slab allocator growth factor (external collaborator)")
	fs.BoolVar(&cfg.DetailEnabled, "detail-enabled", cfg.DetailEnabled, "per-prefix stats switch (accepted; has no effect)")
	fs.Int64Var(&cfg.MaxConnBufferBytes, "max-conn-buffer-bytes", cfg.MaxConnBufferBytes, "connection buffer pool ceiling")
	fs.BoolVar(&cfg.CorruptionDetection, "corruption-detection", cfg.CorruptionDetection, "fill destroyed conn buffers with 0xDE before unmapping them")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve Prometheus metrics on, empty disables")
}

// LoadFile overlays cfg with the contents of a TOML file.
func LoadFile(cfg *Config, path string) error {
	_, err := toml.DecodeFile(path, cfg)
	return err
}

// EnvOverrides applies the test-only environment seams from spec.md §6.
func (c *Config) EnvOverrides() {
	if v, ok := os.LookupEnv("T_MEMD_INITIAL_MALLOC"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxBytes = n
		}
	}
	if _, ok := os.LookupEnv("T_MEMD_SLABS_ALLOC"); ok {
		// Slab preallocation is an external collaborator, not built here;
		// the seam is accepted so scripts that export it do not fail.
	}
}

func (c Config) String() string {
	return fmt.Sprintf("Config{maxbytes=%d maxconns=%d port=%d udpport=%d binary_port=%d binary_udpport=%d threads=%d}",
		c.MaxBytes, c.MaxConns, c.Port, c.UDPPort, c.BinaryPort, c.BinaryUDPPort, c.NumThreads)
}
