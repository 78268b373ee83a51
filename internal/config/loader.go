package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It expects
// defaults to have been applied and returns a joined error listing every
// failure found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Peer
	if cfg.Peer.URL == "" {
		errs = append(errs, errors.New("peer.url is required"))
	} else if u, err := url.Parse(cfg.Peer.URL); err != nil {
		errs = append(errs, fmt.Errorf("peer.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("peer.url scheme %q is invalid; valid values: ws, wss", u.Scheme))
	}
	if !cfg.Peer.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("peer.codec %q is invalid; valid values: json, msgpack", cfg.Peer.Codec))
	}
	if cfg.Peer.StreamID == "" {
		errs = append(errs, errors.New("peer.stream_id is required"))
	}
	if cfg.Peer.TargetLanguage == "" {
		errs = append(errs, errors.New("peer.target_language is required"))
	}
	errs = appendPositive(errs, "peer.handshake_timeout", cfg.Peer.HandshakeTimeout)
	errs = appendPositive(errs, "peer.send_timeout", cfg.Peer.SendTimeout)
	if cfg.Peer.SendQueue <= 0 {
		errs = append(errs, fmt.Errorf("peer.send_queue %d must be positive", cfg.Peer.SendQueue))
	}

	// Source
	if cfg.Source.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("source.sample_rate %d must be positive", cfg.Source.SampleRate))
	}
	errs = appendPositive(errs, "source.chunk_duration", cfg.Source.ChunkDuration)
	errs = appendPositive(errs, "source.loudness_interval", cfg.Source.LoudnessInterval)

	// Segmenter
	seg := cfg.Segmenter
	if seg.SilenceThresholdDB < -100 || seg.SilenceThresholdDB > 0 {
		errs = append(errs, fmt.Errorf("segmenter.silence_threshold_db %.1f is out of range [-100, 0]", seg.SilenceThresholdDB))
	}
	errs = appendPositive(errs, "segmenter.silence_duration", seg.SilenceDuration)
	errs = appendPositive(errs, "segmenter.min_segment_duration", seg.MinSegmentDuration)
	errs = appendPositive(errs, "segmenter.max_segment_duration", seg.MaxSegmentDuration)
	errs = appendPositive(errs, "segmenter.stall_timeout", seg.StallTimeout)
	if seg.MinSegmentDuration > seg.MaxSegmentDuration {
		errs = append(errs, fmt.Errorf("segmenter.min_segment_duration %s exceeds max_segment_duration %s", seg.MinSegmentDuration, seg.MaxSegmentDuration))
	}
	if seg.MaxBufferBytes <= 0 {
		errs = append(errs, fmt.Errorf("segmenter.max_buffer_bytes %d must be positive", seg.MaxBufferBytes))
	}
	if seg.MaxInvalidLoudness <= 0 {
		errs = append(errs, fmt.Errorf("segmenter.max_invalid_loudness %d must be positive", seg.MaxInvalidLoudness))
	}

	// Tracker
	errs = appendPositive(errs, "tracker.fragment_timeout", cfg.Tracker.FragmentTimeout)
	errs = appendPositive(errs, "tracker.sweep_interval", cfg.Tracker.SweepInterval)
	if cfg.Tracker.SweepInterval > cfg.Tracker.FragmentTimeout {
		errs = append(errs, fmt.Errorf("tracker.sweep_interval %s exceeds fragment_timeout %s", cfg.Tracker.SweepInterval, cfg.Tracker.FragmentTimeout))
	}
	if cfg.Tracker.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("tracker.max_pending %d must not be negative", cfg.Tracker.MaxPending))
	}

	// Breaker
	if cfg.Breaker.MaxFailures <= 0 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must be positive", cfg.Breaker.MaxFailures))
	}
	errs = appendPositive(errs, "breaker.cooldown", cfg.Breaker.Cooldown)

	// Reconnect
	if cfg.Reconnect.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts %d must be positive", cfg.Reconnect.MaxAttempts))
	}
	errs = appendPositive(errs, "reconnect.initial_backoff", cfg.Reconnect.InitialBackoff)
	errs = appendPositive(errs, "reconnect.max_backoff", cfg.Reconnect.MaxBackoff)
	if cfg.Reconnect.InitialBackoff > cfg.Reconnect.MaxBackoff {
		errs = append(errs, fmt.Errorf("reconnect.initial_backoff %s exceeds max_backoff %s", cfg.Reconnect.InitialBackoff, cfg.Reconnect.MaxBackoff))
	}

	return errors.Join(errs...)
}

func appendPositive(errs []error, field string, d time.Duration) []error {
	if d <= 0 {
		return append(errs, fmt.Errorf("%s %s must be positive", field, d))
	}
	return errs
}
