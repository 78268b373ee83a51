// Package config provides the configuration schema, loader and file watcher
// for the streamdub stream worker.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to an [slog.Level]. Unknown and empty values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Codec selects the wire encoding used with the peer.
type Codec string

const (
	CodecJSON    Codec = "json"
	CodecMsgpack Codec = "msgpack"
)

// IsValid reports whether c is a supported codec.
func (c Codec) IsValid() bool {
	return c == CodecJSON || c == CodecMsgpack
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader]. Durations are Go duration
// strings ("8s", "500ms").
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Peer      PeerConfig      `yaml:"peer"`
	Source    SourceConfig    `yaml:"source"`
	Sink      SinkConfig      `yaml:"sink"`
	Segmenter SegmenterConfig `yaml:"segmenter"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds admin server and logging settings.
type ServerConfig struct {
	// ListenAddr is the admin HTTP address serving /metrics and health
	// endpoints. Default: ":9090".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the admin server. When nil, the server runs
	// plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// PeerConfig describes the remote translation peer and the session-init
// payload sent on every handshake.
type PeerConfig struct {
	// URL is the peer's websocket endpoint (ws:// or wss://). Required.
	URL string `yaml:"url"`

	// APIKey is sent as a Bearer token. Optional.
	APIKey string `yaml:"api_key"`

	// Codec selects json or msgpack framing. Default: json.
	Codec Codec `yaml:"codec"`

	// HandshakeTimeout bounds the wait for session-ready. Default: 10s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// SendTimeout bounds a single outgoing frame write. Default: 5s.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// SendQueue is how many frames may wait for the socket writer before
	// sends fall back. Default: 64.
	SendQueue int `yaml:"send_queue"`

	// StreamID identifies the live stream. Required.
	StreamID string `yaml:"stream_id"`

	// SourceLanguage and TargetLanguage are BCP-47 tags. TargetLanguage is
	// required.
	SourceLanguage string `yaml:"source_language"`
	TargetLanguage string `yaml:"target_language"`

	// Voice selects the peer's synthesis voice. Optional.
	Voice string `yaml:"voice"`

	// AudioCodec names the audio encoding of fragment payloads. Default:
	// "pcm_s16le".
	AudioCodec string `yaml:"audio_codec"`
}

// SourceConfig describes the raw PCM input consumed by the binary.
type SourceConfig struct {
	// Path is a file of mono little-endian PCM16, or "-" for stdin.
	// Default: "-".
	Path string `yaml:"path"`

	// SampleRate in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// ChunkDuration is the length of each chunk read. Default: 20ms.
	ChunkDuration time.Duration `yaml:"chunk_duration"`

	// LoudnessInterval is the analysis window of the loudness meter.
	// Default: 100ms.
	LoudnessInterval time.Duration `yaml:"loudness_interval"`

	// Realtime paces reads to wall-clock time, as a live feed would.
	Realtime bool `yaml:"realtime"`
}

// SinkConfig describes where paired output is written.
type SinkConfig struct {
	// Path receives the published audio in order, or "-" for stdout.
	// Default: "-".
	Path string `yaml:"path"`
}

// SegmenterConfig tunes voice-activity segmentation.
type SegmenterConfig struct {
	// SilenceThresholdDB defaults to -50.
	SilenceThresholdDB float64 `yaml:"silence_threshold_db"`

	SilenceDuration    time.Duration `yaml:"silence_duration"`
	MinSegmentDuration time.Duration `yaml:"min_segment_duration"`
	MaxSegmentDuration time.Duration `yaml:"max_segment_duration"`

	// MaxBufferBytes is the accumulator memory ceiling. Default: 10 MiB.
	MaxBufferBytes int `yaml:"max_buffer_bytes"`

	MaxInvalidLoudness int           `yaml:"max_invalid_loudness"`
	StallTimeout       time.Duration `yaml:"stall_timeout"`
}

// TrackerConfig tunes in-flight fragment handling.
type TrackerConfig struct {
	// FragmentTimeout is the maximum wait for a fragment result. Default: 8s.
	FragmentTimeout time.Duration `yaml:"fragment_timeout"`

	// SweepInterval is how often timed-out fragments are collected.
	// Default: 500ms.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MaxPending bounds segments parked by a slow_down signal. Default: 4.
	MaxPending int `yaml:"max_pending"`
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`

	// ResetOnReconnect closes the breaker whenever a new session is
	// established. By default breaker state survives reconnection.
	ResetOnReconnect bool `yaml:"reset_on_reconnect"`
}

// ReconnectConfig tunes reconnection backoff.
type ReconnectConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// TelemetryConfig controls metrics and tracing identity.
type TelemetryConfig struct {
	// ServiceName is reported on every series and span. Default: "streamdub".
	ServiceName string `yaml:"service_name"`

	// MetricsPath is the Prometheus scrape path. Default: "/metrics".
	MetricsPath string `yaml:"metrics_path"`
}

// Defaults applied by [ApplyDefaults]. Component-level defaults (segmenter,
// breaker, backoff) are also applied by the components themselves; they are
// repeated here so the effective configuration can be logged and diffed.
const (
	DefaultListenAddr       = ":9090"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultSendTimeout      = 5 * time.Second
	DefaultSendQueue        = 64
	DefaultAudioCodec       = "pcm_s16le"
	DefaultSampleRate       = 16000
	DefaultChunkDuration    = 20 * time.Millisecond
	DefaultLoudnessInterval = 100 * time.Millisecond
	DefaultFragmentTimeout  = 8 * time.Second
	DefaultSweepInterval    = 500 * time.Millisecond
	DefaultMaxPending       = 4
	DefaultMaxFailures      = 5
	DefaultCooldown         = 30 * time.Second
	DefaultMaxAttempts      = 5
	DefaultInitialBackoff   = 2 * time.Second
	DefaultMaxBackoff       = 32 * time.Second
	DefaultServiceName      = "streamdub"
	DefaultMetricsPath      = "/metrics"

	DefaultSilenceThresholdDB = -50.0
	DefaultSilenceDuration    = 1 * time.Second
	DefaultMinSegment         = 1 * time.Second
	DefaultMaxSegment         = 15 * time.Second
	DefaultMaxBufferBytes     = 10 << 20
	DefaultMaxInvalidLoudness = 10
	DefaultStallTimeout       = 5 * time.Second
)

// ApplyDefaults fills zero-value fields in place.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Peer.Codec, CodecJSON)
	setDefault(&cfg.Peer.HandshakeTimeout, DefaultHandshakeTimeout)
	setDefault(&cfg.Peer.SendTimeout, DefaultSendTimeout)
	setDefault(&cfg.Peer.SendQueue, DefaultSendQueue)
	setDefault(&cfg.Peer.AudioCodec, DefaultAudioCodec)

	setDefault(&cfg.Source.Path, "-")
	setDefault(&cfg.Source.SampleRate, DefaultSampleRate)
	setDefault(&cfg.Source.ChunkDuration, DefaultChunkDuration)
	setDefault(&cfg.Source.LoudnessInterval, DefaultLoudnessInterval)
	setDefault(&cfg.Sink.Path, "-")

	setDefault(&cfg.Segmenter.SilenceThresholdDB, DefaultSilenceThresholdDB)
	setDefault(&cfg.Segmenter.SilenceDuration, DefaultSilenceDuration)
	setDefault(&cfg.Segmenter.MinSegmentDuration, DefaultMinSegment)
	setDefault(&cfg.Segmenter.MaxSegmentDuration, DefaultMaxSegment)
	setDefault(&cfg.Segmenter.MaxBufferBytes, DefaultMaxBufferBytes)
	setDefault(&cfg.Segmenter.MaxInvalidLoudness, DefaultMaxInvalidLoudness)
	setDefault(&cfg.Segmenter.StallTimeout, DefaultStallTimeout)

	setDefault(&cfg.Tracker.FragmentTimeout, DefaultFragmentTimeout)
	setDefault(&cfg.Tracker.SweepInterval, DefaultSweepInterval)
	setDefault(&cfg.Tracker.MaxPending, DefaultMaxPending)

	setDefault(&cfg.Breaker.MaxFailures, DefaultMaxFailures)
	setDefault(&cfg.Breaker.Cooldown, DefaultCooldown)

	setDefault(&cfg.Reconnect.MaxAttempts, DefaultMaxAttempts)
	setDefault(&cfg.Reconnect.InitialBackoff, DefaultInitialBackoff)
	setDefault(&cfg.Reconnect.MaxBackoff, DefaultMaxBackoff)

	setDefault(&cfg.Telemetry.ServiceName, DefaultServiceName)
	setDefault(&cfg.Telemetry.MetricsPath, DefaultMetricsPath)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}
