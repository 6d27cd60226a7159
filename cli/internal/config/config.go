// Package config loads the mesa CLI profiles from ~/.mesa/config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIURL      = "http://localhost:8080/api/v1"
	DefaultRealtimeURL = "ws://localhost:8080/ws"
)

var ErrNoRestaurant = errors.New("no restaurant selected (use --restaurant, MESA_RESTAURANT or a profile)")

type Config struct {
	CurrentProfile string              `yaml:"current_profile" mapstructure:"current_profile"`
	Profiles       map[string]*Profile `yaml:"profiles" mapstructure:"profiles"`
	Defaults       *Defaults           `yaml:"defaults" mapstructure:"defaults"`

	path string
	dir  string
	env  Target
}

// Profile is one erp account on one server.
type Profile struct {
	APIURL       string `yaml:"api_url,omitempty" mapstructure:"api_url"`
	RealtimeURL  string `yaml:"realtime_url,omitempty" mapstructure:"realtime_url"`
	NATSURL      string `yaml:"nats_url,omitempty" mapstructure:"nats_url"`
	Token        string `yaml:"token,omitempty" mapstructure:"token"`
	User         string `yaml:"user,omitempty" mapstructure:"user"`
	RestaurantID string `yaml:"restaurant_id,omitempty" mapstructure:"restaurant_id"`
}

type Defaults struct {
	APIURL      string `yaml:"api_url" mapstructure:"api_url"`
	RealtimeURL string `yaml:"realtime_url" mapstructure:"realtime_url"`
	NATSURL     string `yaml:"nats_url,omitempty" mapstructure:"nats_url"`
	QueuePath   string `yaml:"queue_path,omitempty" mapstructure:"queue_path"`
}

// Target is a fully resolved profile: environment overrides, then the
// profile, then the defaults.
type Target struct {
	Profile      string
	APIURL       string
	RealtimeURL  string
	NATSURL      string
	Token        string
	User         string
	RestaurantID string
	QueuePath    string
}

func (t Target) RequireRestaurant() error {
	if t.RestaurantID == "" {
		return ErrNoRestaurant
	}
	return nil
}

// Dir returns the configuration directory, $MESA_CONFIG_DIR or ~/.mesa.
func Dir() (string, error) {
	if dir := os.Getenv("MESA_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".mesa"), nil
}

func Default() *Config {
	return &Config{
		CurrentProfile: "default",
		Profiles:       make(map[string]*Profile),
		Defaults: &Defaults{
			APIURL:      DefaultAPIURL,
			RealtimeURL: DefaultRealtimeURL,
		},
	}
}

// Load reads cfgFile, or config.yaml in Dir() when cfgFile is empty. A
// missing file yields the defaults. MESA_API_URL, MESA_REALTIME_URL,
// MESA_NATS_URL, MESA_TOKEN, MESA_USER, MESA_RESTAURANT and MESA_QUEUE
// override whatever profile is active.
func Load(cfgFile string) (*Config, error) {
	dir := filepath.Dir(cfgFile)
	if cfgFile == "" {
		d, err := Dir()
		if err != nil {
			return nil, err
		}
		dir = d
		cfgFile = filepath.Join(dir, "config.yaml")
	}

	v := viper.New()
	v.SetDefault("current_profile", "default")
	v.SetDefault("defaults.api_url", DefaultAPIURL)
	v.SetDefault("defaults.realtime_url", DefaultRealtimeURL)
	v.SetDefault("defaults.nats_url", "")
	v.SetDefault("defaults.queue_path", "")

	v.SetConfigFile(cfgFile)
	v.SetConfigType("yaml")

	// MESA_DEFAULTS_API_URL, MESA_CURRENT_PROFILE, ...
	v.SetEnvPrefix("MESA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = v.BindEnv("env.api_url", "MESA_API_URL")
	_ = v.BindEnv("env.realtime_url", "MESA_REALTIME_URL")
	_ = v.BindEnv("env.nats_url", "MESA_NATS_URL")
	_ = v.BindEnv("env.token", "MESA_TOKEN")
	_ = v.BindEnv("env.user", "MESA_USER")
	_ = v.BindEnv("env.restaurant_id", "MESA_RESTAURANT")
	_ = v.BindEnv("env.queue_path", "MESA_QUEUE")

	if _, err := os.Stat(cfgFile); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]*Profile)
	}
	cfg.path = cfgFile
	cfg.dir = dir
	cfg.env = Target{
		APIURL:       v.GetString("env.api_url"),
		RealtimeURL:  v.GetString("env.realtime_url"),
		NATSURL:      v.GetString("env.nats_url"),
		Token:        v.GetString("env.token"),
		User:         v.GetString("env.user"),
		RestaurantID: v.GetString("env.restaurant_id"),
		QueuePath:    v.GetString("env.queue_path"),
	}
	return cfg, nil
}

// Path returns the file Save writes to.
func (c *Config) Path() string { return c.path }

func (c *Config) Save() error {
	if c.path == "" {
		dir, err := Dir()
		if err != nil {
			return err
		}
		c.dir = dir
		c.path = filepath.Join(dir, "config.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.path, data, 0o600)
}

// profileKey folds a profile name the way viper folds map keys on load.
func profileKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// SetProfile stores p under name and makes it current. Names are
// case-insensitive.
func (c *Config) SetProfile(name string, p *Profile) error {
	name = profileKey(name)
	if name == "" {
		return fmt.Errorf("profile name is required")
	}
	if c.Profiles == nil {
		c.Profiles = make(map[string]*Profile)
	}
	c.Profiles[name] = p
	c.CurrentProfile = name
	return c.Save()
}

// GetProfile retrieves a profile by name, or the current profile if name is
// empty.
func (c *Config) GetProfile(name string) (*Profile, error) {
	if name == "" {
		name = c.CurrentProfile
	}
	name = profileKey(name)

	profile, ok := c.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile '%s' not found", name)
	}

	return profile, nil
}

func (c *Config) UseProfile(name string) error {
	name = profileKey(name)
	if _, ok := c.Profiles[name]; !ok {
		return fmt.Errorf("profile '%s' not found", name)
	}
	c.CurrentProfile = name
	return c.Save()
}

func (c *Config) RemoveProfile(name string) error {
	name = profileKey(name)
	if _, ok := c.Profiles[name]; !ok {
		return fmt.Errorf("profile '%s' not found", name)
	}

	delete(c.Profiles, name)

	if c.CurrentProfile == name {
		c.CurrentProfile = ""
	}

	return c.Save()
}

// Resolve merges the environment, the named profile (current if empty) and
// the defaults. A missing profile is not an error: the defaults apply.
func (c *Config) Resolve(name string) Target {
	if name == "" {
		name = c.CurrentProfile
	}
	name = profileKey(name)
	t := Target{Profile: name}

	var p Profile
	if found, ok := c.Profiles[name]; ok && found != nil {
		p = *found
	}
	d := Defaults{}
	if c.Defaults != nil {
		d = *c.Defaults
	}

	t.APIURL = first(c.env.APIURL, p.APIURL, d.APIURL, DefaultAPIURL)
	t.RealtimeURL = first(c.env.RealtimeURL, p.RealtimeURL, d.RealtimeURL, DefaultRealtimeURL)
	t.NATSURL = first(c.env.NATSURL, p.NATSURL, d.NATSURL)
	t.Token = first(c.env.Token, p.Token)
	t.User = first(c.env.User, p.User)
	t.RestaurantID = first(c.env.RestaurantID, p.RestaurantID)

	queue := first(c.env.QueuePath, d.QueuePath)
	if queue == "" && c.dir != "" {
		queue = filepath.Join(c.dir, "pending.db")
	}
	t.QueuePath = queue
	return t
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
