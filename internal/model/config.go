package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultStopTimeout = 3 * time.Second
	DefaultExitTimeout = 10 * time.Second
)

type Config struct {
	Version    int        `yaml:"version"` // fixed 0 for now
	Service    Service    `yaml:"service"`
	Server     Server     `yaml:"server"`
	Peripheral Peripheral `yaml:"peripheral"`
	Camera     Camera     `yaml:"camera"`
	Power      Power      `yaml:"power"`
}

// Service controls the supervisor and the process lifecycle.
type Service struct {
	Verbose     bool          `yaml:"verbose"`
	Log         string        `yaml:"log"`          // "stderr"|"stdout"|"discard"|path
	StopTimeout time.Duration `yaml:"stop_timeout"` // bounded wait per worker in stop
	ExitTimeout time.Duration `yaml:"exit_timeout"` // ceiling for the post-loop drain
	Heartbeat   time.Duration `yaml:"heartbeat"`    // 0 disables status logging
}

// Server holds the listen addresses of the TCP collaborator.
type Server struct {
	Control string `yaml:"control"`
	Video   string `yaml:"video"`
}

// Peripheral names the GPIO pins of the LED and the buzzer (GPIO17, P1_11,
// ...). Empty names log only.
type Peripheral struct {
	LED    string `yaml:"led"`
	Buzzer string `yaml:"buzzer"`
	Blinks int    `yaml:"blinks"`
}

type Camera struct {
	Width    int           `yaml:"width"`
	Height   int           `yaml:"height"`
	Interval time.Duration `yaml:"interval"`
}

// Power configures the battery poller. Source is a file with a voltage
// reading; when empty, Volts is reported as is.
type Power struct {
	Source   string        `yaml:"source"`
	Volts    float64       `yaml:"volts"`
	Low      float64       `yaml:"low"`
	Interval time.Duration `yaml:"interval"`
}

func DefaultConfig() Config {
	return Config{
		Version: 0,
		Service: Service{
			Log:         LogStderr,
			StopTimeout: DefaultStopTimeout,
			ExitTimeout: DefaultExitTimeout,
		},
		Server: Server{
			Control: ":5000",
			Video:   ":8000",
		},
		Peripheral: Peripheral{
			Blinks: 3,
		},
		Camera: Camera{
			Width:    400,
			Height:   300,
			Interval: 100 * time.Millisecond,
		},
		Power: Power{
			Volts:    8.4,
			Low:      6.8,
			Interval: time.Second,
		},
	}
}

// LoadConfig decodes YAML from r on top of DefaultConfig and validates the result.
// Unknown fields are rejected.
func LoadConfig(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if len(bytes.TrimSpace(raw)) != 0 {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate returns every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if c.Version != 0 {
		errs = append(errs, fmt.Errorf("%w: %d, expected 0", ErrConfigVersion, c.Version))
	}
	if c.Service.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: service.stop_timeout must be positive", ErrConfigInvalid))
	}
	if c.Service.ExitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: service.exit_timeout must be positive", ErrConfigInvalid))
	}
	if c.Service.Heartbeat < 0 {
		errs = append(errs, fmt.Errorf("%w: service.heartbeat can't be negative", ErrConfigInvalid))
	}
	if c.Server.Control == "" {
		errs = append(errs, fmt.Errorf("%w: server.control is empty", ErrConfigInvalid))
	}
	if c.Server.Video == "" {
		errs = append(errs, fmt.Errorf("%w: server.video is empty", ErrConfigInvalid))
	}
	if c.Peripheral.Blinks < 0 {
		errs = append(errs, fmt.Errorf("%w: peripheral.blinks can't be negative", ErrConfigInvalid))
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		errs = append(errs, fmt.Errorf("%w: camera size %dx%d", ErrConfigInvalid, c.Camera.Width, c.Camera.Height))
	}
	if c.Power.Interval <= 0 {
		errs = append(errs, fmt.Errorf("%w: power.interval must be positive", ErrConfigInvalid))
	}
	if c.Power.Low >= c.Power.Volts {
		errs = append(errs, fmt.Errorf("%w: power.low %.2f must be below power.volts %.2f", ErrConfigInvalid, c.Power.Low, c.Power.Volts))
	}
	return errors.Join(errs...)
}
