package vcache

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// Config is the file form of Options. YAML files (.yaml, .yml) and JSON with
// comments (.json, .hujson) are accepted.
type Config struct {
	DesiredNodes    int    `yaml:"desired_nodes" json:"desired_nodes"`
	Shards          int    `yaml:"shards" json:"shards"`
	UnmountAttempts int    `yaml:"unmount_attempts" json:"unmount_attempts"`
	UnmountDelay    string `yaml:"unmount_delay" json:"unmount_delay"`
	Diagnostics     bool   `yaml:"diagnostics" json:"diagnostics"`
	LogLevel        string `yaml:"log_level" json:"log_level"`
}

var errConfigInvalid = errors.New("vcache: invalid config")

// LoadConfig reads and parses the config file at path. The format is chosen
// by extension.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "vcache: read config %s", path)
	}
	cfg, err := ParseConfig(data, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return cfg, nil
}

// ParseConfig parses data as format: "yaml", "yml", "json" or "hujson".
// Unknown fields are rejected.
func ParseConfig(data []byte, format string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(format) {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "yaml"), errConfigInvalid)
		}
	case "json", "hujson":
		std, err := hujson.Standardize(data)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "invalid JSONC"), errConfigInvalid)
		}
		dec := json.NewDecoder(bytes.NewReader(std))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "invalid JSON"), errConfigInvalid)
		}
	default:
		return nil, errors.Mark(errors.Newf("unsupported config format %q", format), errConfigInvalid)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DesiredNodes < 0 {
		return errors.Mark(errors.Newf("desired_nodes must not be negative, got %d", c.DesiredNodes), errConfigInvalid)
	}
	if c.Shards < 0 {
		return errors.Mark(errors.Newf("shards must not be negative, got %d", c.Shards), errConfigInvalid)
	}
	if c.UnmountAttempts < 0 {
		return errors.Mark(errors.Newf("unmount_attempts must not be negative, got %d", c.UnmountAttempts), errConfigInvalid)
	}
	return nil
}

// IsConfigError reports whether err came from parsing or validating a config.
func IsConfigError(err error) bool { return errors.Is(err, errConfigInvalid) }

// Options converts the config. When LogLevel is set a dedicated logrus
// logger at that level is created; otherwise Logger is left nil.
func (c *Config) Options() (Options, error) {
	opt := Options{
		DesiredNodes:    c.DesiredNodes,
		Shards:          c.Shards,
		UnmountAttempts: c.UnmountAttempts,
		Diagnostics:     c.Diagnostics,
	}
	if c.UnmountDelay != "" {
		d, err := time.ParseDuration(c.UnmountDelay)
		if err != nil {
			return Options{}, errors.Mark(errors.Wrap(err, "unmount_delay"), errConfigInvalid)
		}
		opt.UnmountDelay = d
	}
	if c.LogLevel != "" {
		lvl, err := logrus.ParseLevel(c.LogLevel)
		if err != nil {
			return Options{}, errors.Mark(errors.Wrap(err, "log_level"), errConfigInvalid)
		}
		l := logrus.New()
		l.SetLevel(lvl)
		opt.Logger = l
	}
	return opt, nil
}
