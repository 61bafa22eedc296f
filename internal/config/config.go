package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/servitor/internal/logger"
)

// WrapperConfig describes the long-lived front-end process a service is
// proxied through. The builder prepends the wrapper's flags ahead of the
// wrapped command; env entries become per-variable injection flag pairs.
type WrapperConfig struct {
	Command     string `toml:"command" mapstructure:"command"`
	Host        string `toml:"host" mapstructure:"host"`
	AllowOrigin string `toml:"allow_origin" mapstructure:"allow_origin"`
}

// ServiceSpec is the declarative description of one supervised service.
// It is read-only input: the supervisor never mutates a spec.
type ServiceSpec struct {
	Name    string            `toml:"name" mapstructure:"name"`
	Enabled bool              `toml:"enabled" mapstructure:"enabled"`
	Port    int               `toml:"port" mapstructure:"port"`
	Command string            `toml:"command" mapstructure:"command"`
	WorkDir string            `toml:"workdir" mapstructure:"workdir"`
	Env     map[string]string `toml:"env" mapstructure:"env"`
	Wrapper *WrapperConfig    `toml:"wrapper" mapstructure:"wrapper"`
}

// Settings is the top-level daemon configuration.
type Settings struct {
	RegistryDir       string        `toml:"registry_dir" mapstructure:"registry_dir"`
	LogDir            string        `toml:"log_dir" mapstructure:"log_dir"`
	ReconcileInterval time.Duration `toml:"reconcile_interval" mapstructure:"reconcile_interval"`
	GracePeriod       time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	StopWait          time.Duration `toml:"stop_wait" mapstructure:"stop_wait"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	HTTPAddr          string        `toml:"http_addr" mapstructure:"http_addr"`
	HistoryDSN        string        `toml:"history_dsn" mapstructure:"history_dsn"`
	Log               logger.Config `toml:"log" mapstructure:"log"`
	Services          []ServiceSpec `toml:"services" mapstructure:"services"`
}

const (
	DefaultReconcileInterval = 30 * time.Second
	DefaultGracePeriod       = 3 * time.Second
	DefaultStopWait          = 10 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
)

// Load parses a TOML config file into Settings, applying defaults and
// validating every service spec.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	s.applyDefaults(filepath.Dir(path))
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) applyDefaults(baseDir string) {
	if s.RegistryDir == "" {
		s.RegistryDir = filepath.Join(baseDir, "pids")
	}
	if s.LogDir == "" {
		s.LogDir = filepath.Join(baseDir, "logs")
	}
	if s.ReconcileInterval <= 0 {
		s.ReconcileInterval = DefaultReconcileInterval
	}
	if s.GracePeriod <= 0 {
		s.GracePeriod = DefaultGracePeriod
	}
	if s.StopWait <= 0 {
		s.StopWait = DefaultStopWait
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	for i := range s.Services {
		w := s.Services[i].Wrapper
		if w == nil {
			continue
		}
		if w.Host == "" {
			w.Host = "localhost"
		}
		if w.AllowOrigin == "" {
			w.AllowOrigin = "*"
		}
	}
}

func (s *Settings) validate() error {
	seen := make(map[string]struct{}, len(s.Services))
	for _, sp := range s.Services {
		if err := ValidateName(sp.Name); err != nil {
			return err
		}
		if _, dup := seen[sp.Name]; dup {
			return fmt.Errorf("duplicate service name %q", sp.Name)
		}
		seen[sp.Name] = struct{}{}
		if sp.Port <= 0 || sp.Port > 65535 {
			return fmt.Errorf("service %q: port %d out of range", sp.Name, sp.Port)
		}
		if strings.TrimSpace(sp.Command) == "" {
			return fmt.Errorf("service %q: command is required", sp.Name)
		}
		if sp.Wrapper != nil && strings.TrimSpace(sp.Wrapper.Command) == "" {
			return fmt.Errorf("service %q: wrapper requires a command", sp.Name)
		}
	}
	return nil
}

// ValidateName checks that a service name is non-empty and safe to use as a
// filesystem path component. Names become record and log file names.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("service name is empty")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("service name %q contains unsafe character %q", name, r)
		}
	}
	if name == "." || name == ".." {
		return fmt.Errorf("service name %q is not a valid path component", name)
	}
	return nil
}

// FindService returns the spec with the given name, or false.
func (s *Settings) FindService(name string) (ServiceSpec, bool) {
	for _, sp := range s.Services {
		if sp.Name == name {
			return sp, true
		}
	}
	return ServiceSpec{}, false
}
