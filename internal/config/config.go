package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Host     HostConfig     `yaml:"host"`
	Plugin   PluginConfig   `yaml:"plugin"`
	Item     ItemConfig     `yaml:"item"`
	Orbit    OrbitConfig    `yaml:"orbit"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

type HostConfig struct {
	URL            string   `yaml:"url"`
	ReconnectDelay Duration `yaml:"reconnect_delay"`
}

type PluginConfig struct {
	Name      string `yaml:"name"`
	Developer string `yaml:"developer"`
	TokenFile string `yaml:"token_file"`
}

type ItemConfig struct {
	File         string  `yaml:"file"`
	Source       string  `yaml:"source"`
	ItemsDir     string  `yaml:"items_dir"`
	Size         float64 `yaml:"size"`
	Order        int     `yaml:"order"`
	RemoveOnExit bool    `yaml:"remove_on_exit"`
}

type OrbitConfig struct {
	Tick        Duration `yaml:"tick"`
	Step        float64  `yaml:"step"`
	Radius      float64  `yaml:"radius"`
	Squash      float64  `yaml:"squash"`
	OffsetX     float64  `yaml:"offset_x"`
	OffsetY     float64  `yaml:"offset_y"`
	CenterX     float64  `yaml:"center_x"`
	CenterY     float64  `yaml:"center_y"`
	FollowModel bool     `yaml:"follow_model"`
	Ramp        bool     `yaml:"ramp"`
}

type ShutdownConfig struct {
	Grace Duration `yaml:"grace"`
}

// Duration wraps time.Duration so YAML values can be written as strings
// like "33ms" or "2s". Plain integers are accepted as nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("cannot parse %q as duration", value.Value)
}

// AsDuration returns the value as a standard time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

func defaultConfig() *Config {
	return &Config{
		Host: HostConfig{
			URL:            "ws://localhost:8001",
			ReconnectDelay: Duration(2 * time.Second),
		},
		Plugin: PluginConfig{
			Name:      "VTS Orbiter",
			Developer: "orokro",
		},
		Item: ItemConfig{
			File:         "orbiter.png",
			Size:         0.32,
			Order:        1,
			RemoveOnExit: true,
		},
		Orbit: OrbitConfig{
			Tick:        Duration(33 * time.Millisecond),
			Step:        0.05,
			Radius:      0.25,
			Squash:      0.6,
			FollowModel: true,
			Ramp:        true,
		},
		Shutdown: ShutdownConfig{
			Grace: Duration(200 * time.Millisecond),
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load, except that a missing file yields the
// default configuration instead of an error.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Host.URL == "" {
		return fmt.Errorf("config: host.url must not be empty")
	}
	if c.Host.ReconnectDelay <= 0 {
		return fmt.Errorf("config: host.reconnect_delay must be positive")
	}
	if c.Plugin.Name == "" || c.Plugin.Developer == "" {
		return fmt.Errorf("config: plugin.name and plugin.developer must not be empty")
	}
	if c.Item.File == "" {
		return fmt.Errorf("config: item.file must not be empty")
	}
	if c.Orbit.Tick <= 0 {
		return fmt.Errorf("config: orbit.tick must be positive")
	}
	if c.Shutdown.Grace < 0 {
		return fmt.Errorf("config: shutdown.grace must not be negative")
	}
	return nil
}
