package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/triplink/tripcast/internal/event"
)

// Config holds all server settings. Operational knobs come from the
// environment; delivery policy has code defaults optionally overridden
// by a YAML file.
type Config struct {
	AppEnv    string
	Port      string
	LogLevel  string
	LogFormat string
	Policy    Policy
}

// Policy groups the tunable delivery policy constants. None of these
// are hard physics; see the throttle and quality sections of the docs.
type Policy struct {
	Throttle  map[string]ClassLimit
	Batch     map[string]BatchLimit
	Quality   QualityPolicy
	Queue     QueuePolicy
	Broadcast BroadcastPolicy
}

// ClassLimit is the per-(user, class) throttle setting: a minimum
// interval between accepted sends plus a burst allowance.
type ClassLimit struct {
	Interval time.Duration
	Burst    int
}

// BatchLimit controls coalescing for a high-volume class. Size is both
// the trigger threshold and the cap on inner messages per envelope.
type BatchLimit struct {
	Size   int
	Window time.Duration
}

// QualityPolicy holds the quality-score action thresholds and the
// staleness sweep settings.
type QualityPolicy struct {
	DisconnectBelow float64
	ReduceBelow     float64
	MonitorBelow    float64
	StaleAfter      time.Duration
	SweepInterval   time.Duration
}

// QueuePolicy bounds the per-user backlog.
type QueuePolicy struct {
	Capacity      int
	MaxRetries    int
	FlushInterval time.Duration
}

// BroadcastPolicy holds connection lifecycle settings.
type BroadcastPolicy struct {
	MaxClientsPerSession int
	SendBuffer           int
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
	StopTimeout          time.Duration
}

// DefaultPolicy returns the built-in delivery policy. Class keys are
// the dispatchable inbound types from the event package.
func DefaultPolicy() Policy {
	return Policy{
		Throttle: map[string]ClassLimit{
			event.ClassFeedbackUpdate: {Interval: time.Second, Burst: 5},
			event.ClassStatusChange:   {Interval: 500 * time.Millisecond, Burst: 10},
			event.ClassAdminDecision:  {Interval: 100 * time.Millisecond, Burst: 20},
		},
		Batch: map[string]BatchLimit{
			event.ClassFeedbackUpdate: {Size: 10, Window: 2 * time.Second},
			event.ClassStatusChange:   {Size: 5, Window: time.Second},
		},
		Quality: QualityPolicy{
			DisconnectBelow: 0.3,
			ReduceBelow:     0.6,
			MonitorBelow:    0.8,
			StaleAfter:      24 * time.Hour,
			SweepInterval:   time.Hour,
		},
		Queue: QueuePolicy{
			Capacity:      1000,
			MaxRetries:    3,
			FlushInterval: 5 * time.Second,
		},
		Broadcast: BroadcastPolicy{
			MaxClientsPerSession: 50,
			SendBuffer:           16,
			WriteTimeout:         5 * time.Second,
			PingInterval:         30 * time.Second,
			PongTimeout:          60 * time.Second,
			StopTimeout:          10 * time.Second,
		},
	}
}

// Load reads operational settings from the environment and, when
// TRIPCAST_CONFIG is set, merges policy overrides from that YAML file.
// ${VAR} references inside the file are expanded before parsing.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		Policy:    DefaultPolicy(),
	}

	if path := os.Getenv("TRIPCAST_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))

		var overrides policyOverrides
		if err := yaml.Unmarshal([]byte(expanded), &overrides); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
		if err := overrides.apply(&cfg.Policy); err != nil {
			return nil, fmt.Errorf("apply config overrides: %w", err)
		}
	}

	if err := cfg.Policy.validate(); err != nil {
		return nil, fmt.Errorf("validate policy: %w", err)
	}
	return cfg, nil
}

// YAML override shapes. Durations are strings in time.ParseDuration
// syntax ("500ms", "2s"); absent or empty fields keep their defaults.

type throttleOverride struct {
	Interval string `yaml:"interval"`
	Burst    int    `yaml:"burst"`
}

type batchOverride struct {
	Size   int    `yaml:"size"`
	Window string `yaml:"window"`
}

type qualityOverride struct {
	DisconnectBelow float64 `yaml:"disconnect_below"`
	ReduceBelow     float64 `yaml:"reduce_below"`
	MonitorBelow    float64 `yaml:"monitor_below"`
	StaleAfter      string  `yaml:"stale_after"`
	SweepInterval   string  `yaml:"sweep_interval"`
}

type queueOverride struct {
	Capacity      int    `yaml:"capacity"`
	MaxRetries    *int   `yaml:"max_retries"`
	FlushInterval string `yaml:"flush_interval"`
}

type broadcastOverride struct {
	MaxClientsPerSession int    `yaml:"max_clients_per_session"`
	SendBuffer           int    `yaml:"send_buffer"`
	WriteTimeout         string `yaml:"write_timeout"`
	PingInterval         string `yaml:"ping_interval"`
	PongTimeout          string `yaml:"pong_timeout"`
	StopTimeout          string `yaml:"stop_timeout"`
}

type policyOverrides struct {
	Throttle  map[string]throttleOverride `yaml:"throttle"`
	Batch     map[string]batchOverride    `yaml:"batch"`
	Quality   qualityOverride             `yaml:"quality"`
	Queue     queueOverride               `yaml:"queue"`
	Broadcast broadcastOverride           `yaml:"broadcast"`
}

func (ov policyOverrides) apply(p *Policy) error {
	for class, t := range ov.Throttle {
		limit := p.Throttle[class]
		interval, err := parseDuration("throttle."+class+".interval", t.Interval, limit.Interval)
		if err != nil {
			return err
		}
		limit.Interval = interval
		if t.Burst > 0 {
			limit.Burst = t.Burst
		}
		p.Throttle[class] = limit
	}

	for class, bt := range ov.Batch {
		limit := p.Batch[class]
		window, err := parseDuration("batch."+class+".window", bt.Window, limit.Window)
		if err != nil {
			return err
		}
		limit.Window = window
		if bt.Size > 0 {
			limit.Size = bt.Size
		}
		p.Batch[class] = limit
	}

	q := ov.Quality
	if q.DisconnectBelow > 0 {
		p.Quality.DisconnectBelow = q.DisconnectBelow
	}
	if q.ReduceBelow > 0 {
		p.Quality.ReduceBelow = q.ReduceBelow
	}
	if q.MonitorBelow > 0 {
		p.Quality.MonitorBelow = q.MonitorBelow
	}
	var err error
	if p.Quality.StaleAfter, err = parseDuration("quality.stale_after", q.StaleAfter, p.Quality.StaleAfter); err != nil {
		return err
	}
	if p.Quality.SweepInterval, err = parseDuration("quality.sweep_interval", q.SweepInterval, p.Quality.SweepInterval); err != nil {
		return err
	}

	if ov.Queue.Capacity > 0 {
		p.Queue.Capacity = ov.Queue.Capacity
	}
	if ov.Queue.MaxRetries != nil {
		p.Queue.MaxRetries = *ov.Queue.MaxRetries
	}
	if p.Queue.FlushInterval, err = parseDuration("queue.flush_interval", ov.Queue.FlushInterval, p.Queue.FlushInterval); err != nil {
		return err
	}

	b := ov.Broadcast
	if b.MaxClientsPerSession > 0 {
		p.Broadcast.MaxClientsPerSession = b.MaxClientsPerSession
	}
	if b.SendBuffer > 0 {
		p.Broadcast.SendBuffer = b.SendBuffer
	}
	if p.Broadcast.WriteTimeout, err = parseDuration("broadcast.write_timeout", b.WriteTimeout, p.Broadcast.WriteTimeout); err != nil {
		return err
	}
	if p.Broadcast.PingInterval, err = parseDuration("broadcast.ping_interval", b.PingInterval, p.Broadcast.PingInterval); err != nil {
		return err
	}
	if p.Broadcast.PongTimeout, err = parseDuration("broadcast.pong_timeout", b.PongTimeout, p.Broadcast.PongTimeout); err != nil {
		return err
	}
	if p.Broadcast.StopTimeout, err = parseDuration("broadcast.stop_timeout", b.StopTimeout, p.Broadcast.StopTimeout); err != nil {
		return err
	}

	return nil
}

// parseDuration parses an override duration string, keeping the current
// value for absent fields.
func parseDuration(path, raw string, current time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return current, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive", path)
	}
	return d, nil
}

func (p Policy) validate() error {
	for class, limit := range p.Throttle {
		if limit.Interval <= 0 {
			return fmt.Errorf("throttle interval for %s must be positive", class)
		}
		if limit.Burst < 1 {
			return fmt.Errorf("throttle burst for %s must be at least 1", class)
		}
	}
	for class, limit := range p.Batch {
		if limit.Size < 2 {
			return fmt.Errorf("batch size for %s must be at least 2", class)
		}
		if limit.Window <= 0 {
			return fmt.Errorf("batch window for %s must be positive", class)
		}
	}
	q := p.Quality
	if !(0 < q.DisconnectBelow && q.DisconnectBelow < q.ReduceBelow && q.ReduceBelow < q.MonitorBelow && q.MonitorBelow <= 1) {
		return fmt.Errorf("quality thresholds must satisfy 0 < disconnect < reduce < monitor <= 1")
	}
	if p.Queue.Capacity < 1 {
		return fmt.Errorf("queue capacity must be at least 1")
	}
	if p.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue max retries cannot be negative")
	}
	if p.Broadcast.MaxClientsPerSession < 1 {
		return fmt.Errorf("max clients per session must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
