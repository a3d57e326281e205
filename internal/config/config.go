// Package config loads and validates the YAML document that describes a
// doomsgate deployment: the backends to poll, the HTTP server's listen
// address and auth mode, and the notification sweep's sinks and schedule.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/doomsgate/doomsgate/internal/catalog"
	"github.com/doomsgate/doomsgate/internal/duration"
	"github.com/doomsgate/doomsgate/internal/errkind"
	"github.com/doomsgate/doomsgate/internal/notify"
	"github.com/doomsgate/doomsgate/internal/schedule"
)

// BackendConfig is one entry in the top-level backends list. Properties is
// a kind-specific bag: vault wants url/token/mount_path/secret_path,
// credhub wants url/client_id/client_secret, opsmgr wants
// url/username/password, tlsclient wants targets.
type BackendConfig struct {
	Properties      map[string]any `yaml:"properties"`
	Name            string         `yaml:"name"`
	Kind            string         `yaml:"kind"`
	RefreshInterval string         `yaml:"refresh_interval"` // duration grammar, default "2m"
}

// ServerConfig controls the HTTP listener and its auth mode.
type ServerConfig struct {
	Users          map[string]string `yaml:"users"` // userpass only: username -> password
	Auth           string            `yaml:"auth"`  // "none" or "userpass", default "none"
	DoomsdayURL    string            `yaml:"doomsday_url"`
	SessionTimeout string            `yaml:"session_timeout"` // duration grammar, default "15m"
	Port           int               `yaml:"port"`            // default 8080
	RefreshOnUse   bool              `yaml:"refresh_on_use"`
}

// SinkConfig is one configured notification target.
type SinkConfig struct {
	Kind       string `yaml:"kind"` // slack, shout, pagerduty
	URL        string `yaml:"url"`
	RoutingKey string `yaml:"routing_key"`
}

// NotificationsConfig is optional; a zero value disables the notify sweep
// (no sinks configured).
type NotificationsConfig struct {
	Threshold string       `yaml:"threshold"` // duration grammar, default "30d"
	Cooldown  string       `yaml:"cooldown"`  // duration grammar, default "" (disabled)
	Interval  string       `yaml:"interval"`  // constant-schedule duration grammar
	Cron      string       `yaml:"cron"`      // standard 5-field cron expression
	Sinks     []SinkConfig `yaml:"sinks"`
}

// SchedulerConfig bounds worker parallelism and shutdown behavior.
type SchedulerConfig struct {
	Workers     int           `yaml:"workers"` // default 4
	GracePeriod time.Duration `yaml:"grace_period"`
}

// Config is the full, validated deployment configuration.
type Config struct {
	Notifications NotificationsConfig `yaml:"notifications"`
	Server        ServerConfig        `yaml:"server"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Backends      []BackendConfig     `yaml:"backends"`
}

// Defaults returns a Config with sane defaults and no configured backends.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			Auth:           "none",
			SessionTimeout: "15m",
		},
		Scheduler: SchedulerConfig{
			Workers:     4,
			GracePeriod: 30 * time.Second,
		},
	}
}

// Load reads a YAML config file, merges it over the defaults, and validates
// the result. Every error returned is either an I/O error or wraps an
// errkind.ConfigError.
func Load(path string) (*Config, error) {
	c := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, &errkind.ConfigError{Err: fmt.Errorf("parsing %s: %w", path, err)}
	}
	if err := c.Validate(); err != nil {
		return nil, &errkind.ConfigError{Err: err}
	}
	return c, nil
}

// Validate checks structural invariants that BackendSpecs and NotifySpec
// otherwise fail on lazily.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive, got %d", c.Server.Port)
	}
	switch c.Server.Auth {
	case "", "none":
	case "userpass":
		if len(c.Server.Users) == 0 {
			return fmt.Errorf("server.auth is userpass but no server.users are configured")
		}
	default:
		return fmt.Errorf("server.auth must be %q or %q, got %q", "none", "userpass", c.Server.Auth)
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers)
	}
	if c.Notifications.Interval != "" && c.Notifications.Cron != "" {
		return fmt.Errorf("notifications.interval and notifications.cron are mutually exclusive")
	}

	seen := make(map[string]struct{}, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("every backend requires a name")
		}
		if b.Name == "__notify__" {
			return fmt.Errorf("backend name %q is reserved for the notification sweep", b.Name)
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = struct{}{}
		if _, err := backendKind(b.Kind); err != nil {
			return fmt.Errorf("backend %q: %w", b.Name, err)
		}
	}
	return nil
}

// AuthTimeout parses server.session_timeout, defaulting to 15 minutes when
// unset.
func (c *Config) AuthTimeout() (time.Duration, error) {
	if c.Server.SessionTimeout == "" {
		return 15 * time.Minute, nil
	}
	d, err := duration.Parse(c.Server.SessionTimeout)
	if err != nil {
		return 0, fmt.Errorf("server.session_timeout: %w", err)
	}
	return d, nil
}

func backendKind(kind string) (catalog.BackendKind, error) {
	switch catalog.BackendKind(kind) {
	case catalog.KindVault, catalog.KindCredHub, catalog.KindOpsMgr, catalog.KindTLSClient:
		return catalog.BackendKind(kind), nil
	default:
		return "", fmt.Errorf("unknown backend kind %q", kind)
	}
}

// BackendSpecs converts the configured backend list into the immutable
// specs the populator and scheduler operate on.
func (c *Config) BackendSpecs() ([]catalog.BackendSpec, error) {
	specs := make([]catalog.BackendSpec, 0, len(c.Backends))
	for _, b := range c.Backends {
		kind, err := backendKind(b.Kind)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", b.Name, err)
		}
		interval := 2 * time.Minute
		if b.RefreshInterval != "" {
			interval, err = duration.Parse(b.RefreshInterval)
			if err != nil {
				return nil, fmt.Errorf("backend %q: refresh_interval: %w", b.Name, err)
			}
		}
		specs = append(specs, catalog.BackendSpec{
			Name:            b.Name,
			Kind:            kind,
			Properties:      b.Properties,
			RefreshInterval: interval,
		})
	}
	return specs, nil
}

// NotifyConfig converts the notifications section into notify.Config. The
// zero value (no sinks) yields a Dispatcher whose Run is a no-op.
func (c *Config) NotifyConfig() (notify.Config, error) {
	cfg := notify.Config{DoomsdayURL: c.Server.DoomsdayURL}
	for _, s := range c.Notifications.Sinks {
		cfg.Sinks = append(cfg.Sinks, notify.Sink{
			Kind:       notify.SinkKind(s.Kind),
			URL:        s.URL,
			RoutingKey: s.RoutingKey,
		})
	}
	if c.Notifications.Threshold != "" {
		d, err := duration.Parse(c.Notifications.Threshold)
		if err != nil {
			return notify.Config{}, fmt.Errorf("notifications.threshold: %w", err)
		}
		cfg.Threshold = d
	}
	if c.Notifications.Cooldown != "" {
		d, err := duration.Parse(c.Notifications.Cooldown)
		if err != nil {
			return notify.Config{}, fmt.Errorf("notifications.cooldown: %w", err)
		}
		cfg.Cooldown = d
	}
	return cfg, nil
}

// NotifySpec builds the schedule that drives the notification sweep. It
// returns nil (no error) when neither interval nor cron is configured,
// meaning the sweep never fires on its own — the scheduler treats a nil
// Spec as "notifications disabled".
func (c *Config) NotifySpec() (schedule.Spec, error) {
	switch {
	case c.Notifications.Cron != "":
		s, err := schedule.NewCronSpec(c.Notifications.Cron)
		if err != nil {
			return nil, fmt.Errorf("notifications.cron: %w", err)
		}
		return s, nil
	case c.Notifications.Interval != "":
		d, err := duration.Parse(c.Notifications.Interval)
		if err != nil {
			return nil, fmt.Errorf("notifications.interval: %w", err)
		}
		return schedule.ConstantSpec{Interval: d}, nil
	default:
		return nil, nil
	}
}
