// Package config holds the netplay configuration: protocol timing, network
// simulation knobs, and the addresses of the optional side services.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/netplay/internal/endpoint"
)

// Environment overrides applied by ApplyEnv.
const (
	EnvNetworkDelay = "NETPLAY_NETWORK_DELAY"
	EnvOOPPercent   = "NETPLAY_OOP_PERCENT"
	EnvDebug        = "NETPLAY_DEBUG"
)

// Config stores every recognized option. Durations are milliseconds.
type Config struct {
	// Network simulation
	NetworkDelayMS int `yaml:"network_delay_ms"`
	OOPPercent     int `yaml:"oop_percent"`

	// Liveness; zero disables the timer.
	DisconnectNotifyMS  int `yaml:"disconnect_notify_ms"`
	DisconnectTimeoutMS int `yaml:"disconnect_timeout_ms"`

	// Protocol timing
	SyncPackets      int `yaml:"sync_packets"`
	SyncFirstRetryMS int `yaml:"sync_first_retry_ms"`
	SyncRetryMS      int `yaml:"sync_retry_ms"`
	RunningRetryMS   int `yaml:"running_retry_ms"`
	KeepAliveMS      int `yaml:"keep_alive_ms"`
	QualityReportMS  int `yaml:"quality_report_ms"`
	StatsIntervalMS  int `yaml:"stats_interval_ms"`
	ShutdownMS       int `yaml:"shutdown_ms"`

	FrameRate        int `yaml:"frame_rate"`
	MaxPendingOutput int `yaml:"max_pending_output"`

	// Endpoints and side services
	LocalPort       int    `yaml:"local_port"`
	RelayAddr       string `yaml:"relay_addr"`
	SignalURL       string `yaml:"signal_url"`
	STUNServer      string `yaml:"stun_server"`
	STUNTimeoutMS   int    `yaml:"stun_timeout_ms"`
	ProbeDurationMS int    `yaml:"probe_duration_ms"`
	MetricsAddr     string `yaml:"metrics_addr"`

	// Seed fixes the random source for reproducible runs; zero seeds
	// from the runtime.
	Seed uint64 `yaml:"seed"`

	Debug bool `yaml:"debug"`
}

// Default returns the stock configuration.
func Default() *Config {
	t := endpoint.DefaultTiming()
	return &Config{
		DisconnectNotifyMS:  int(t.DisconnectNotify / time.Millisecond),
		DisconnectTimeoutMS: int(t.DisconnectTimeout / time.Millisecond),
		SyncPackets:         t.SyncPackets,
		SyncFirstRetryMS:    int(t.SyncFirstRetry / time.Millisecond),
		SyncRetryMS:         int(t.SyncRetry / time.Millisecond),
		RunningRetryMS:      int(t.RunningRetry / time.Millisecond),
		KeepAliveMS:         int(t.KeepAlive / time.Millisecond),
		QualityReportMS:     int(t.QualityReport / time.Millisecond),
		StatsIntervalMS:     int(t.NetworkStats / time.Millisecond),
		ShutdownMS:          int(t.Shutdown / time.Millisecond),
		FrameRate:           60,
		MaxPendingOutput:    128,
		LocalPort:           7000,
		STUNServer:          "stun.l.google.com:19302",
		STUNTimeoutMS:       3000,
		ProbeDurationMS:     3000,
	}
}

// Load reads the configuration from the given YAML file path. Keys missing
// from the file keep their defaults. If the file does not exist, it returns
// Default() with no error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides the network simulation settings and debug flag from
// the environment. Unparsable values are reported and leave the field alone.
func (c *Config) ApplyEnv() error {
	var errs []error
	if v, ok := os.LookupEnv(EnvNetworkDelay); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q: %w", EnvNetworkDelay, v, err))
		} else {
			c.NetworkDelayMS = n
		}
	}
	if v, ok := os.LookupEnv(EnvOOPPercent); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q: %w", EnvOOPPercent, v, err))
		} else {
			c.OOPPercent = n
		}
	}
	if v, ok := os.LookupEnv(EnvDebug); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q: %w", EnvDebug, v, err))
		} else {
			c.Debug = b
		}
	}
	return errors.Join(errs...)
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}

	check(c.NetworkDelayMS >= 0, "network_delay_ms must be >= 0, got %d", c.NetworkDelayMS)
	check(c.OOPPercent >= 0 && c.OOPPercent <= 100, "oop_percent must be within 0..100, got %d", c.OOPPercent)
	check(c.DisconnectNotifyMS >= 0, "disconnect_notify_ms must be >= 0, got %d", c.DisconnectNotifyMS)
	check(c.DisconnectTimeoutMS >= 0, "disconnect_timeout_ms must be >= 0, got %d", c.DisconnectTimeoutMS)
	if c.DisconnectNotifyMS > 0 && c.DisconnectTimeoutMS > 0 {
		check(c.DisconnectNotifyMS < c.DisconnectTimeoutMS,
			"disconnect_notify_ms (%d) must be below disconnect_timeout_ms (%d)", c.DisconnectNotifyMS, c.DisconnectTimeoutMS)
	}
	check(c.SyncPackets > 0, "sync_packets must be > 0, got %d", c.SyncPackets)
	for name, v := range map[string]int{
		"sync_first_retry_ms": c.SyncFirstRetryMS,
		"sync_retry_ms":       c.SyncRetryMS,
		"running_retry_ms":    c.RunningRetryMS,
		"keep_alive_ms":       c.KeepAliveMS,
		"quality_report_ms":   c.QualityReportMS,
		"stats_interval_ms":   c.StatsIntervalMS,
		"shutdown_ms":         c.ShutdownMS,
	} {
		check(v > 0, "%s must be > 0, got %d", name, v)
	}
	check(c.FrameRate > 0, "frame_rate must be > 0, got %d", c.FrameRate)
	check(c.MaxPendingOutput > 0, "max_pending_output must be > 0, got %d", c.MaxPendingOutput)
	check(c.LocalPort >= 0 && c.LocalPort <= 65535, "local_port must be within 0..65535, got %d", c.LocalPort)
	if c.RelayAddr != "" {
		_, err := netip.ParseAddrPort(c.RelayAddr)
		check(err == nil, "relay_addr %q: %v", c.RelayAddr, err)
	}
	check(c.STUNTimeoutMS >= 0, "stun_timeout_ms must be >= 0, got %d", c.STUNTimeoutMS)
	check(c.ProbeDurationMS >= 0, "probe_duration_ms must be >= 0, got %d", c.ProbeDurationMS)

	return errors.Join(errs...)
}

// Timing converts the millisecond fields to endpoint timers.
func (c *Config) Timing() endpoint.Timing {
	return endpoint.Timing{
		SyncPackets:       c.SyncPackets,
		SyncFirstRetry:    ms(c.SyncFirstRetryMS),
		SyncRetry:         ms(c.SyncRetryMS),
		RunningRetry:      ms(c.RunningRetryMS),
		KeepAlive:         ms(c.KeepAliveMS),
		QualityReport:     ms(c.QualityReportMS),
		NetworkStats:      ms(c.StatsIntervalMS),
		Shutdown:          ms(c.ShutdownMS),
		DisconnectNotify:  ms(c.DisconnectNotifyMS),
		DisconnectTimeout: ms(c.DisconnectTimeoutMS),
	}
}

// Endpoint returns the endpoint options shared by every peer. The caller
// fills in the per-peer fields (ids, address, transmitter, verification).
func (c *Config) Endpoint() endpoint.Options {
	opts := endpoint.Options{
		Timing:           c.Timing(),
		FrameRate:        c.FrameRate,
		MaxPendingOutput: c.MaxPendingOutput,
		Latency:          ms(c.NetworkDelayMS),
		OOPPercent:       c.OOPPercent,
	}
	if ap, err := netip.ParseAddrPort(c.RelayAddr); err == nil {
		opts.RelayAddr = ap
	}
	return opts
}

// STUNTimeout bounds the reflexive address lookup.
func (c *Config) STUNTimeout() time.Duration { return ms(c.STUNTimeoutMS) }

// ProbeDuration is how long the candidate prober runs.
func (c *Config) ProbeDuration() time.Duration { return ms(c.ProbeDurationMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
