package sensor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDevice   = "/dev/ttyUSB0"
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 10 * time.Second
)

type Webservice struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	URI  string `yaml:"uri"`
}

func (w Webservice) URL() string {
	host := w.Host
	if w.Port != 0 {
		host += ":" + strconv.Itoa(w.Port)
	}
	return "http://" + host + w.URI
}

type Config struct {
	Webservice     Webservice    `yaml:"webservice"`
	TimeoutMinutes float64       `yaml:"timeout_minutes"`
	Interval       time.Duration `yaml:"interval"`
	Device         string        `yaml:"device"`
	CSV            string        `yaml:"csv"`
}

// Duration is how long the measurement loop runs. Zero means until cancelled.
func (c Config) Duration() time.Duration {
	return time.Duration(c.TimeoutMinutes * float64(time.Minute))
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Device == "" {
		c.Device = DefaultDevice
	}
}

func (c Config) Validate() error {
	if c.Webservice.Host == "" {
		return errors.New("webservice.host must be set")
	}
	if c.Webservice.Port < 0 || c.Webservice.Port > 65535 {
		return errors.New("webservice.port not in range")
	}
	if c.TimeoutMinutes < 0 {
		return errors.New("timeout_minutes must not be negative")
	}
	return nil
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read config %w", err)
	}

	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config

	err := yaml.Unmarshal(b, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("unable to parse config %w", err)
	}

	cfg.setDefaults()

	err = cfg.Validate()
	if err != nil {
		return Config{}, fmt.Errorf("invalid config %w", err)
	}

	return cfg, nil
}
