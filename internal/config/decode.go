package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical defaults file.
// This is the single source of truth for all default pipeline values.
const DefaultConfigPath = "config/decode.defaults.json"

// DecodeConfig represents the root configuration for the decode
// pipeline. The schema matches the /api/config endpoint so the same
// JSON can be used for both startup configuration and runtime
// inspection. All fields are pointers: omitted fields fall back to the
// Get* defaults, so partial configs are safe.
type DecodeConfig struct {
	// Stream params
	ListenAddr *string `json:"listen_addr,omitempty"`
	FeatureDim *int    `json:"feature_dim,omitempty"`
	RcvBuf     *int    `json:"rcv_buf,omitempty"`

	// Scheduler params
	HistoryLength *int     `json:"history_length,omitempty"`
	TimeoutWarnMs *float64 `json:"timeout_warn_ms,omitempty"`
	DedupEnabled  *bool    `json:"dedup_enabled,omitempty"`
	FailurePolicy *string  `json:"failure_policy,omitempty"`

	// Inference params
	TemporalWindowSteps *int `json:"temporal_window_steps,omitempty"`
	InferenceQueueDepth *int `json:"inference_queue_depth,omitempty"`

	// Decoder stats params
	EMAAlpha *float64 `json:"ema_alpha,omitempty"`

	// Output params
	PublishBuffer *int `json:"publish_buffer,omitempty"`

	// Telemetry params
	DBPath        *string `json:"db_path,omitempty"`
	FlushInterval *string `json:"flush_interval,omitempty"` // duration string like "60s"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyDecodeConfig returns a DecodeConfig with all fields set to nil.
// Use LoadDecodeConfig to load actual values from a file.
func EmptyDecodeConfig() *DecodeConfig {
	return &DecodeConfig{}
}

// LoadDecodeConfig loads a DecodeConfig from a JSON file. The file is
// validated to ensure it has a .json extension and is under the max
// file size.
func LoadDecodeConfig(path string) (*DecodeConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyDecodeConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *DecodeConfig) Validate() error {
	if c.HistoryLength != nil && *c.HistoryLength < 1 {
		return fmt.Errorf("history_length must be positive, got %d", *c.HistoryLength)
	}
	if c.TimeoutWarnMs != nil && *c.TimeoutWarnMs <= 0 {
		return fmt.Errorf("timeout_warn_ms must be positive, got %f", *c.TimeoutWarnMs)
	}
	if c.FeatureDim != nil && *c.FeatureDim < 1 {
		return fmt.Errorf("feature_dim must be positive, got %d", *c.FeatureDim)
	}
	if c.TemporalWindowSteps != nil && *c.TemporalWindowSteps < 1 {
		return fmt.Errorf("temporal_window_steps must be positive, got %d", *c.TemporalWindowSteps)
	}
	if c.EMAAlpha != nil {
		if *c.EMAAlpha <= 0 || *c.EMAAlpha > 1 {
			return fmt.Errorf("ema_alpha must be in (0, 1], got %f", *c.EMAAlpha)
		}
	}
	if c.FailurePolicy != nil {
		switch *c.FailurePolicy {
		case "publish-nothing", "hold-last", "passthrough":
		default:
			return fmt.Errorf("unknown failure_policy %q", *c.FailurePolicy)
		}
	}
	if c.FlushInterval != nil && *c.FlushInterval != "" {
		if _, err := time.ParseDuration(*c.FlushInterval); err != nil {
			return fmt.Errorf("invalid flush_interval '%s': %w", *c.FlushInterval, err)
		}
	}
	return nil
}

// GetListenAddr returns the listen_addr value or the default.
func (c *DecodeConfig) GetListenAddr() string {
	if c.ListenAddr == nil || *c.ListenAddr == "" {
		return ":2368"
	}
	return *c.ListenAddr
}

// GetFeatureDim returns the feature_dim value or the default.
func (c *DecodeConfig) GetFeatureDim() int {
	if c.FeatureDim == nil {
		return 142
	}
	return *c.FeatureDim
}

// GetRcvBuf returns the rcv_buf value or the default.
func (c *DecodeConfig) GetRcvBuf() int {
	if c.RcvBuf == nil {
		return 1 << 20
	}
	return *c.RcvBuf
}

// GetHistoryLength returns the history_length value or the default.
func (c *DecodeConfig) GetHistoryLength() int {
	if c.HistoryLength == nil {
		return 40
	}
	return *c.HistoryLength
}

// GetTimeoutWarnMs returns the timeout_warn_ms value or the default.
func (c *DecodeConfig) GetTimeoutWarnMs() float64 {
	if c.TimeoutWarnMs == nil {
		return 100
	}
	return *c.TimeoutWarnMs
}

// GetDedupEnabled returns the dedup_enabled value or the default.
func (c *DecodeConfig) GetDedupEnabled() bool {
	if c.DedupEnabled == nil {
		return true
	}
	return *c.DedupEnabled
}

// GetFailurePolicy returns the failure_policy value or the default.
func (c *DecodeConfig) GetFailurePolicy() string {
	if c.FailurePolicy == nil || *c.FailurePolicy == "" {
		return "publish-nothing"
	}
	return *c.FailurePolicy
}

// GetTemporalWindowSteps returns the temporal_window_steps value or the default.
func (c *DecodeConfig) GetTemporalWindowSteps() int {
	if c.TemporalWindowSteps == nil {
		return 10
	}
	return *c.TemporalWindowSteps
}

// GetInferenceQueueDepth returns the inference_queue_depth value or the default.
func (c *DecodeConfig) GetInferenceQueueDepth() int {
	if c.InferenceQueueDepth == nil {
		return 4
	}
	return *c.InferenceQueueDepth
}

// GetEMAAlpha returns the ema_alpha value or the default.
func (c *DecodeConfig) GetEMAAlpha() float64 {
	if c.EMAAlpha == nil {
		return 0.2
	}
	return *c.EMAAlpha
}

// GetPublishBuffer returns the publish_buffer value or the default.
func (c *DecodeConfig) GetPublishBuffer() int {
	if c.PublishBuffer == nil {
		return 80
	}
	return *c.PublishBuffer
}

// GetDBPath returns the db_path value or the default.
func (c *DecodeConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "decode.db"
	}
	return *c.DBPath
}

// GetFlushInterval parses and returns the FlushInterval as a time.Duration.
func (c *DecodeConfig) GetFlushInterval() time.Duration {
	if c.FlushInterval == nil || *c.FlushInterval == "" {
		return 60 * time.Second
	}
	d, err := time.ParseDuration(*c.FlushInterval)
	if err != nil {
		return 60 * time.Second
	}
	return d
}
