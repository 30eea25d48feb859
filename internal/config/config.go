// Package config loads and saves the console's YAML configuration file.
//
// The file holds server settings, UI settings, store client settings and the
// list of saved connections:
//
//	server:
//	  address: :7843
//	  basic_auth:
//	    username: admin
//	    password_hash: $2a$10$...
//	ui:
//	  folding_char: ":"
//	redis:
//	  read_only: false
//	  probe_timeout: 10s
//	connections:
//	  - kind: standalone
//	    host: localhost
//	    port: 6379
//
// Connections added from the UI are written back with File.SaveConnections.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/kvconsole/internal/connection"
)

// Defaults.
const (
	DefaultAddress        = ":7843"
	DefaultFoldingChar    = ":"
	DefaultScanCount      = 1000
	DefaultProbeTimeout   = 10 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultHealthInterval = 30 * time.Second
)

// BasicAuth protects the HTTP surface when Username is set. PasswordHash is
// a bcrypt hash.
type BasicAuth struct {
	Username     string `yaml:"username,omitempty"`
	PasswordHash string `yaml:"password_hash,omitempty"`
}

// Enabled reports whether credentials are configured.
func (b BasicAuth) Enabled() bool {
	return b.Username != ""
}

type ServerConfig struct {
	Address        string        `yaml:"address,omitempty"`
	BasicAuth      BasicAuth     `yaml:"basic_auth,omitempty"`
	HealthInterval time.Duration `yaml:"health_interval,omitempty"`
}

type UIConfig struct {
	// FoldingChar separates key segments in the key tree.
	FoldingChar string `yaml:"folding_char,omitempty"`
}

type RedisConfig struct {
	ReadOnly       bool          `yaml:"read_only,omitempty"`
	ScanCount      int64         `yaml:"scan_count,omitempty"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
}

// Config is the whole file.
type Config struct {
	Server      ServerConfig            `yaml:"server"`
	UI          UIConfig                `yaml:"ui"`
	Redis       RedisConfig             `yaml:"redis"`
	Connections []connection.Descriptor `yaml:"connections,omitempty"`
}

// Default returns a configuration with every default filled and no
// connections.
func Default() Config {
	var c Config
	c.fillDefaults()
	return c
}

func (c *Config) fillDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.HealthInterval <= 0 {
		c.Server.HealthInterval = DefaultHealthInterval
	}
	if c.UI.FoldingChar == "" {
		c.UI.FoldingChar = DefaultFoldingChar
	}
	if c.Redis.ScanCount <= 0 {
		c.Redis.ScanCount = DefaultScanCount
	}
	if c.Redis.ProbeTimeout <= 0 {
		c.Redis.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Redis.ConnectTimeout <= 0 {
		c.Redis.ConnectTimeout = DefaultConnectTimeout
	}
}

// Validate checks settings that defaults cannot repair.
func (c Config) Validate() error {
	var errs []error
	if c.Server.BasicAuth.Enabled() && c.Server.BasicAuth.PasswordHash == "" {
		errs = append(errs, errors.New("server.basic_auth: password_hash is required with a username"))
	}
	for i, d := range c.Connections {
		if err := d.Normalize().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("connections[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Parse decodes data and fills defaults. Unknown fields are rejected.
func Parse(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.fillDefaults()
	return c, nil
}

// Marshal encodes c as YAML.
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// File is a configuration bound to its path on disk.
// Thread-safe: Config and SaveConnections may be called concurrently.
type File struct {
	path string
	mu   sync.Mutex
	cfg  Config
}

// Load reads path. A missing file yields the defaults; the file is created on
// the first save. An empty path never touches disk.
func Load(path string) (*File, error) {
	f := &File{path: path, cfg: Default()}
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.cfg = cfg
	return f, nil
}

func (f *File) Path() string { return f.path }

// Config returns a copy of the current configuration.
func (f *File) Config() Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.cfg
	c.Connections = append([]connection.Descriptor(nil), f.cfg.Connections...)
	return c
}

// SaveConnections replaces the saved connections and writes the file.
// Ids equal to the one derived from the address are dropped, configured
// ids are kept. The cluster-detected marker is never saved.
func (f *File) SaveConnections(ds []connection.Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	saved := make([]connection.Descriptor, len(ds))
	for i, d := range ds {
		if d.ID != "" {
			derived := d
			derived.ID = ""
			if derived.Normalize().ConnectionID() == d.ID {
				d.ID = ""
			}
		}
		d.ClusterDetected = false
		saved[i] = d
	}
	f.cfg.Connections = saved
	if f.path == "" {
		return nil
	}
	return writeAtomic(f.path, f.cfg)
}

// writeAtomic writes c to a temp file next to path and renames it over path.
func writeAtomic(path string, c Config) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("save config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("save config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}
