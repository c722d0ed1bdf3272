// Package engineconfig loads the engine's startup tuning parameters
// (spec §6 "Tuning parameters"). These are fixed for the lifetime of the
// process; the mutable per-source/per-sink state lives in internal/config.
package engineconfig

import (
	"time"

	"github.com/spf13/viper"
)

// EngineConfig holds every tuning parameter spec §6 names, with its
// documented default.
type EngineConfig struct {
	Environment string `mapstructure:"environment"`
	LogPath     string `mapstructure:"log_path"`

	ChunkSizeBytes   int           `mapstructure:"chunk_size_bytes"`
	FramesPerChunk   int           `mapstructure:"frames_per_processed_chunk"`
	TimeshiftRetain  time.Duration `mapstructure:"timeshift_retention"`
	TargetBufferMs   int           `mapstructure:"target_buffer_level_ms"`
	LatePacketMs     int           `mapstructure:"late_packet_threshold_ms"`
	LoopMaxSleepMs   int           `mapstructure:"loop_max_sleep_ms"`
	MaxAdaptiveMs    int           `mapstructure:"max_adaptive_delay_ms"`
	JitterSmoothingA float64       `mapstructure:"jitter_smoothing_factor"`
	JitterSafetyMult float64       `mapstructure:"jitter_safety_margin_multiplier"`

	GracePeriodMs     int `mapstructure:"grace_period_timeout_ms"`
	UnderrunHoldMs    int `mapstructure:"underrun_hold_timeout_ms"`
	Mp3BitrateKbps    int `mapstructure:"mp3_bitrate_kbps"`
	Mp3QueueMaxSize   int `mapstructure:"mp3_output_queue_max_size"`
	WebRTCCleanupSec  int `mapstructure:"webrtc_cleanup_timeout_sec"`
	CleanupIntervalMs int `mapstructure:"cleanup_interval_ms"`

	ScreamPort int `mapstructure:"scream_port"`
	SAPPort    int `mapstructure:"sap_port"`
	RTPPort    int `mapstructure:"rtp_port"`
	HTTPAddr   string `mapstructure:"http_addr"`

	RedisAddr       string `mapstructure:"redis_addr"`
	RTPPortRangeLo  int    `mapstructure:"rtp_port_range_lo"`
	RTPPortRangeHi  int    `mapstructure:"rtp_port_range_hi"`
}

// GracePeriodDuration is GracePeriodMs as a time.Duration, for the sink
// mixer's per-tick contributor grace period (spec §4.F).
func (c EngineConfig) GracePeriodDuration() time.Duration {
	return time.Duration(c.GracePeriodMs) * time.Millisecond
}

// UnderrunHoldDuration is UnderrunHoldMs as a time.Duration, for the
// sink mixer's underrun-mute threshold (spec §4.F).
func (c EngineConfig) UnderrunHoldDuration() time.Duration {
	return time.Duration(c.UnderrunHoldMs) * time.Millisecond
}

// Defaults mirrors spec §6's documented default values.
func Defaults() EngineConfig {
	return EngineConfig{
		Environment:       "production",
		LogPath:           "engine.log",
		ChunkSizeBytes:     1152,
		FramesPerChunk:     288, // 1152 bytes / (2ch * 2bytes)
		TimeshiftRetain:    30 * time.Second,
		TargetBufferMs:     8,
		LatePacketMs:       10,
		LoopMaxSleepMs:     10,
		MaxAdaptiveMs:      200,
		JitterSmoothingA:   1.0 / 16,
		JitterSafetyMult:   2.5,
		GracePeriodMs:      20,
		UnderrunHoldMs:     100,
		Mp3BitrateKbps:     192,
		Mp3QueueMaxSize:    64,
		WebRTCCleanupSec:   30,
		CleanupIntervalMs:  5000,
		ScreamPort:         4010,
		SAPPort:            9875,
		RTPPort:            4011,
		HTTPAddr:           ":8080",
		RedisAddr:          "localhost:6379",
		RTPPortRangeLo:     20000,
		RTPPortRangeHi:     40000,
	}
}

// Load reads EngineConfig from environment variables (prefix SCREAMROUTER_)
// and an optional config file, falling back to Defaults() for anything
// unset.
func Load(configFile string) (EngineConfig, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("SCREAMROUTER")
	v.AutomaticEnv()
	for key, def := range defaultsAsMap(cfg) {
		v.SetDefault(key, def)
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return cfg, err
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// defaultsAsMap flattens EngineConfig's mapstructure tags to a key->value
// map so viper sees every field as a known default (AutomaticEnv alone
// cannot discover unset keys).
func defaultsAsMap(cfg EngineConfig) map[string]any {
	return map[string]any{
		"environment":                      cfg.Environment,
		"log_path":                         cfg.LogPath,
		"chunk_size_bytes":                 cfg.ChunkSizeBytes,
		"frames_per_processed_chunk":       cfg.FramesPerChunk,
		"timeshift_retention":              cfg.TimeshiftRetain,
		"target_buffer_level_ms":           cfg.TargetBufferMs,
		"late_packet_threshold_ms":         cfg.LatePacketMs,
		"loop_max_sleep_ms":                cfg.LoopMaxSleepMs,
		"max_adaptive_delay_ms":            cfg.MaxAdaptiveMs,
		"jitter_smoothing_factor":          cfg.JitterSmoothingA,
		"jitter_safety_margin_multiplier":  cfg.JitterSafetyMult,
		"grace_period_timeout_ms":          cfg.GracePeriodMs,
		"underrun_hold_timeout_ms":         cfg.UnderrunHoldMs,
		"mp3_bitrate_kbps":                 cfg.Mp3BitrateKbps,
		"mp3_output_queue_max_size":        cfg.Mp3QueueMaxSize,
		"webrtc_cleanup_timeout_sec":       cfg.WebRTCCleanupSec,
		"cleanup_interval_ms":              cfg.CleanupIntervalMs,
		"scream_port":                      cfg.ScreamPort,
		"sap_port":                         cfg.SAPPort,
		"rtp_port":                         cfg.RTPPort,
		"http_addr":                        cfg.HTTPAddr,
		"redis_addr":                       cfg.RedisAddr,
		"rtp_port_range_lo":                cfg.RTPPortRangeLo,
		"rtp_port_range_hi":                cfg.RTPPortRangeHi,
	}
}
