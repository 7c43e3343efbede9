package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

type Config struct {
	ConfigDir string `koanf:"config_dir"`
	StateDir  string `koanf:"state_dir"`

	LogLevel       string `koanf:"log_level"`
	ControllerName string `koanf:"controller_name"`

	Discovery struct {
		Protocols   []string      `koanf:"protocols"`
		TTL         time.Duration `koanf:"ttl"`
		MaxRestarts uint64        `koanf:"max_restarts"`
		Interfaces  []string      `koanf:"interfaces"`

		// CapabilityFilters only reports devices able to fulfil every
		// capability of at least one filter.
		CapabilityFilters [][]string `koanf:"capability_filters"`
	} `koanf:"discovery"`

	Ssdp struct {
		SsapPort int `koanf:"ssap_port"`
	} `koanf:"ssdp"`

	Upnp struct {
		ReachabilityInterval time.Duration `koanf:"reachability_interval"`
	} `koanf:"upnp"`

	Beacon struct {
		Port    int    `koanf:"port"`
		Address string `koanf:"address"`
	} `koanf:"beacon"`

	Session struct {
		CommandTimeout time.Duration `koanf:"command_timeout"`
		PairingTimeout time.Duration `koanf:"pairing_timeout"`
		ConnectTimeout time.Duration `koanf:"connect_timeout"`
		PairingLevel   string        `koanf:"pairing_level"`
	} `koanf:"session"`

	Server struct {
		Enabled     bool   `koanf:"enabled"`
		Address     string `koanf:"address"`
		Port        int    `koanf:"port"`
		AllowOrigin string `koanf:"allow_origin"`
		CertFile    string `koanf:"cert_file"`
		KeyFile     string `koanf:"key_file"`

		Advertise       bool   `koanf:"advertise"`
		ZeroconfBackend string `koanf:"zeroconf_backend"`
	} `koanf:"server"`
}

func (c *Config) ConfigPath() string {
	return filepath.Join(c.ConfigDir, "config.yml")
}

func loadConfig(args []string, cfg *Config) error {
	f := pflag.NewFlagSet("go-castkit", pflag.ContinueOnError)

	defaultConfigDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("failed getting user config dir: %w", err)
	}

	defaultStateDir, err := UserStateDir()
	if err != nil {
		return fmt.Errorf("failed getting user state dir: %w", err)
	}

	f.StringVar(&cfg.ConfigDir, "config_dir", filepath.Join(defaultConfigDir, "go-castkit"), "the configuration directory")
	f.String("state_dir", filepath.Join(defaultStateDir, "go-castkit"), "the state directory")
	f.String("log_level", "info", "the log level")
	f.StringSlice("discovery.protocols", nil, "the discovery protocols to start, all if empty")
	f.Bool("server.enabled", false, "whether the api server is enabled")
	f.Int("server.port", 3678, "the api server port")

	if err := f.Parse(args); err != nil {
		return err
	}

	k := koanf.New(".")

	// defaults
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"log_level":       "info",
		"controller_name": "go-castkit",

		"discovery.ttl":          "0s",
		"discovery.max_restarts": 5,

		"ssdp.ssap_port": 3001,

		"beacon.port":    53317,
		"beacon.address": "255.255.255.255",

		"session.command_timeout": "10s",
		"session.pairing_timeout": "60s",
		"session.connect_timeout": "10s",
		"session.pairing_level":   "on",

		"upnp.reachability_interval": "30s",

		"server.address":          "localhost",
		"server.port":             3678,
		"server.zeroconf_backend": "builtin",
	}, "."), nil); err != nil {
		return fmt.Errorf("failed loading configuration defaults: %w", err)
	}

	// the config file may be missing
	if err := k.Load(file.Provider(cfg.ConfigPath()), yaml.Parser()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed reading configuration file: %w", err)
		}
	}

	// flags override everything
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return fmt.Errorf("failed loading command line configuration: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("failed unmarshalling configuration: %w", err)
	}

	return nil
}
