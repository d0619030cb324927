// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package config loads the configuration of the mucd daemon.
//
// Configuration is read from a YAML file named by the --config flag or the
// MUCD_CONFIG environment variable.
// Command line flags override values from the file, and the component secret
// may be given in the MUCD_SECRET environment variable so that it does not
// have to be written to disk.
package config // import "mellium.im/mucd/internal/config"

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
	"mellium.im/xmpp/jid"

	"mellium.im/mucd/room"
)

// Environment variables read by Parse.
const (
	EnvConfig = "MUCD_CONFIG"
	EnvSecret = "MUCD_SECRET"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverNone     = "none"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config is the configuration of the daemon.
type Config struct {
	Component ComponentConfig `yaml:"component"`

	// Defaults is the configuration of newly created rooms.
	Defaults room.Config `yaml:"defaults"`

	// SubjectFrom is the sender of subject changes, "occupant" or "room".
	SubjectFrom string `yaml:"subject_from"`

	// LockNewRooms keeps rooms created by joining locked until their owner
	// configures them.
	LockNewRooms bool `yaml:"lock_new_rooms"`

	Storage StorageConfig `yaml:"storage"`
	Avatars AvatarConfig  `yaml:"avatars"`
	Log     LogConfig     `yaml:"log"`
}

// ComponentConfig configures the connection to the XMPP server.
type ComponentConfig struct {
	// Domain is the address of the chat service, for example
	// chat.shakespeare.lit.
	Domain string `yaml:"domain"`

	// Server is the host:port of the servers component listener.
	Server string `yaml:"server"`
	Secret string `yaml:"secret"`
}

// StorageConfig configures where persistent rooms are kept.
type StorageConfig struct {
	Driver   string `yaml:"driver"`
	Postgres string `yaml:"postgres"`
}

// AvatarConfig configures room avatars.
type AvatarConfig struct {
	Driver   string   `yaml:"driver"`
	Redis    string   `yaml:"redis"`
	Prefix   string   `yaml:"prefix"`
	MaxBytes int      `yaml:"max_bytes"`
	Types    []string `yaml:"types"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for anything the file and flags do
// not set.
func Default() *Config {
	return &Config{
		Component: ComponentConfig{
			Server: "localhost:5347",
		},
		Defaults:     room.DefaultConfig,
		SubjectFrom:  "occupant",
		LockNewRooms: true,
		Storage: StorageConfig{
			Driver: DriverMemory,
		},
		Avatars: AvatarConfig{
			Driver:   DriverMemory,
			MaxBytes: 64 * 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: FormatText,
		},
	}
}

// Decode reads YAML configuration from r over the current values.
// Unknown keys are an error.
func (c *Config) Decode(r io.Reader) error {
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	err := d.Decode(c)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// LoadFile returns the default configuration overridden by the file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := Default()
	if err = c.Decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

type flags struct {
	path        string
	domain      string
	server      string
	storage     string
	postgres    string
	avatars     string
	redis       string
	logLevel    string
	logFormat   string
	lockNew     bool
	subjectFrom string
}

func (f *flags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.path, "config", "c", "", "path to the configuration file (default $"+EnvConfig+")")
	fs.StringVar(&f.domain, "domain", "", "address of the chat service")
	fs.StringVar(&f.server, "server", "", "host:port of the XMPP server component listener")
	fs.StringVar(&f.storage, "storage", "", "room storage driver (memory, postgres)")
	fs.StringVar(&f.postgres, "postgres", "", "PostgreSQL connection URL")
	fs.StringVar(&f.avatars, "avatars", "", "avatar storage driver (none, memory, redis)")
	fs.StringVar(&f.redis, "redis", "", "Redis URL for avatar storage")
	fs.StringVar(&f.logLevel, "log-level", "", "minimum level of logged messages")
	fs.StringVar(&f.logFormat, "log-format", "", "log format (text, json)")
	fs.BoolVar(&f.lockNew, "lock-new-rooms", true, "keep new rooms locked until they are configured")
	fs.StringVar(&f.subjectFrom, "subject-from", "", "sender of subject changes (occupant, room)")
}

// Parse parses args with fs and returns the resulting configuration.
//
// The configuration file is loaded first, then flags that were set on the
// command line and finally the environment.
// If args asks for help pflag.ErrHelp is returned.
func Parse(fs *pflag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	var f flags
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	path := f.path
	if path == "" {
		path = getenv(EnvConfig)
	}
	c := Default()
	if path != "" {
		var err error
		c, err = LoadFile(path)
		if err != nil {
			return nil, err
		}
	}

	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("domain", &c.Component.Domain, f.domain)
	set("server", &c.Component.Server, f.server)
	set("storage", &c.Storage.Driver, f.storage)
	set("postgres", &c.Storage.Postgres, f.postgres)
	set("avatars", &c.Avatars.Driver, f.avatars)
	set("redis", &c.Avatars.Redis, f.redis)
	set("log-level", &c.Log.Level, f.logLevel)
	set("log-format", &c.Log.Format, f.logFormat)
	set("subject-from", &c.SubjectFrom, f.subjectFrom)
	if fs.Changed("lock-new-rooms") {
		c.LockNewRooms = f.lockNew
	}
	if secret := getenv(EnvSecret); secret != "" {
		c.Component.Secret = secret
	}

	return c, c.Validate()
}

// Validate reports the first problem with the configuration.
func (c *Config) Validate() error {
	if c.Component.Domain == "" {
		return errors.New("config: component domain is required")
	}
	domain, err := jid.Parse(c.Component.Domain)
	if err != nil || domain.Localpart() != "" || domain.Resourcepart() != "" {
		return fmt.Errorf("config: invalid component domain %q", c.Component.Domain)
	}
	if c.Component.Server == "" {
		return errors.New("config: component server is required")
	}
	if c.Component.Secret == "" {
		return fmt.Errorf("config: component secret is required (set %s)", EnvSecret)
	}
	if _, err = c.Subject(); err != nil {
		return err
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.Postgres == "" {
			return errors.New("config: postgres storage requires a connection URL")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Avatars.Driver {
	case DriverNone, DriverMemory:
	case DriverRedis:
		if c.Avatars.Redis == "" {
			return errors.New("config: redis avatar storage requires a URL")
		}
	default:
		return fmt.Errorf("config: unknown avatar driver %q", c.Avatars.Driver)
	}
	if c.Avatars.MaxBytes < 0 {
		return errors.New("config: avatar max_bytes must not be negative")
	}

	if _, err = logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Log.Format {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// Subject returns the configured sender of subject changes.
func (c *Config) Subject() (room.SubjectSender, error) {
	switch c.SubjectFrom {
	case "", "occupant":
		return room.SubjectFromOccupant, nil
	case "room":
		return room.SubjectFromRoom, nil
	}
	return room.SubjectFromOccupant, fmt.Errorf("config: unknown subject_from %q", c.SubjectFrom)
}

// Logger returns a logger writing to w with the configured level and format.
func (c LogConfig) Logger(w io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	l := logrus.New()
	l.Out = w
	l.SetLevel(lvl)
	switch c.Format {
	case FormatJSON:
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l, nil
}
