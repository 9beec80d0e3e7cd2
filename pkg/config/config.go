package config

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

// Config defines the business-level application configuration.
// This structure maps directly to the config.json file and holds settings
// that operators tune per deployment: model choice, pricing, balances.
type Config struct {
	// DefaultModel is the Anthropic model id used for users that have not
	// picked one (e.g. "claude-sonnet-4-5").
	DefaultModel string `json:"default_model"`
	// SystemPrompt is the base persona/instruction string sent to the LLM
	// as the system block of every conversation.
	SystemPrompt string `json:"system_prompt"`
	// StarterBalance is the USD balance granted when a user is first seen.
	StarterBalance string `json:"starter_balance"`
	// BalanceFloor is the minimum balance required to run paid operations.
	BalanceFloor string `json:"balance_floor"`
	// PriceMargin multiplies raw provider cost before charging the user.
	PriceMargin float64 `json:"price_margin"`
	// Models lists the model ids users may pick from with /model. The default
	// model is always offered even when absent from this list.
	Models []string `json:"models"`
	// OwnerID is the Telegram user id allowed to run admin commands.
	OwnerID int64 `json:"owner_id"`
	// FreeCommands lists commands that bypass the balance gate.
	FreeCommands []string `json:"free_commands"`
}

// Validate ensures the configuration contains all mandatory fields.
func (c *Config) Validate() error {
	if c.DefaultModel == "" {
		return fmt.Errorf("mandatory 'default_model' configuration is missing")
	}
	return nil
}

// SystemConfig defines engine-level technical parameters, loaded from
// system.json. Every field has a safe default so the service can always start.
type SystemConfig struct {
	// BatchWindowMs is the debounce window for coalescing rapid messages
	// from the same thread into one conversation turn.
	BatchWindowMs int `json:"batch_window_ms"`
	// DraftUpdateIntervalMs is the minimum time between draft edits sent to
	// Telegram while streaming.
	DraftUpdateIntervalMs int `json:"draft_update_interval_ms"`
	// DraftKeepaliveMs is how often an idle draft is refreshed so Telegram
	// does not expire it.
	DraftKeepaliveMs int `json:"draft_keepalive_ms"`
	// ChatActionIntervalMs is the refresh period for presence indicators
	// (typing, uploading), which Telegram expires after ~5 seconds.
	ChatActionIntervalMs int `json:"chat_action_interval_ms"`
	// FlushIntervalSec is the write-behind flusher wake period.
	FlushIntervalSec int `json:"flush_interval_sec"`
	// FlushBatchSize is the maximum envelopes popped per flush.
	FlushBatchSize int `json:"flush_batch_size"`
	// QueueMaxAttempts is the retry cap before a poison envelope is dropped.
	QueueMaxAttempts int `json:"queue_max_attempts"`
	// QueueBackoffBaseSec is the exponential backoff base for requeues.
	QueueBackoffBaseSec int `json:"queue_backoff_base_sec"`
	// MaxIterations bounds the tool loop within one user turn.
	MaxIterations int `json:"max_iterations"`
	// MaxOutputTokens is the per-call output budget sent to the LLM.
	MaxOutputTokens int `json:"max_output_tokens"`
	// ContextWindowTokens is the model context size used for history trimming.
	ContextWindowTokens int `json:"context_window_tokens"`
	// ContextBufferPct is the share of the window held back as headroom when
	// fitting history (window - max_output - buffer).
	ContextBufferPct int `json:"context_buffer_pct"`
	// LLMTimeoutMs is the hard cutoff for one streaming LLM request.
	LLMTimeoutMs int `json:"llm_timeout_ms"`
	// LLMMaxRetries bounds retries on transient stream-open failures.
	LLMMaxRetries int `json:"llm_max_retries"`
	// RetryDelayMs is the pause between those retries.
	RetryDelayMs int `json:"retry_delay_ms"`
	// ToolTimeoutMs is the per-tool execution timeout within a batch.
	ToolTimeoutMs int `json:"tool_timeout_ms"`
	// TelegramMessageLimit is the hard character cap per Telegram message.
	TelegramMessageLimit int `json:"telegram_message_limit"`
	// DownloadTimeoutMs is the timeout for fetching media from Telegram.
	DownloadTimeoutMs int `json:"download_timeout_ms"`
	// BlobCacheTTLSec is how long downloaded media stays in the tool-visible
	// byte cache.
	BlobCacheTTLSec int `json:"blob_cache_ttl_sec"`
	// FileTTLHours is the lifetime of LLM files-API handles.
	FileTTLHours int `json:"file_ttl_hours"`
	// HistoryCacheSize is the number of threads kept in the read-through
	// history cache.
	HistoryCacheSize int `json:"history_cache_size"`
	// ThinkingBudgetTokens enables extended thinking when > 0.
	ThinkingBudgetTokens int `json:"thinking_budget_tokens"`
	// ShowThinking streams thinking blocks to the user while generating.
	ShowThinking bool `json:"show_thinking"`
	// LogLevel sets the minimum severity: "debug", "info", "warn", "error".
	LogLevel string `json:"log_level"`
}

// DefaultSystemConfig returns a SystemConfig with hardcoded safe defaults,
// used as the base for system.json and as the fallback when it is absent.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		BatchWindowMs:         700,
		DraftUpdateIntervalMs: 300,
		DraftKeepaliveMs:      3000,
		ChatActionIntervalMs:  4000,
		FlushIntervalSec:      5,
		FlushBatchSize:        100,
		QueueMaxAttempts:      3,
		QueueBackoffBaseSec:   2,
		MaxIterations:         100,
		MaxOutputTokens:       8192,
		ContextWindowTokens:   200000,
		ContextBufferPct:      10,
		LLMTimeoutMs:          600000,
		LLMMaxRetries:         3,
		RetryDelayMs:          500,
		ToolTimeoutMs:         120000,
		TelegramMessageLimit:  4096,
		DownloadTimeoutMs:     30000,
		BlobCacheTTLSec:       900,
		FileTTLHours:          48,
		HistoryCacheSize:      512,
		ThinkingBudgetTokens:  4096,
		ShowThinking:          true,
		LogLevel:              "info",
	}
}

// Load reads and parses the JSON configuration files from the working
// directory. config.json is mandatory; system.json falls back to defaults.
func Load() (*Config, *SystemConfig, error) {
	appPath := "config.json"
	if _, err := os.Stat(appPath); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("config file '%s' not found. please create one", appPath)
	}

	appFile, err := os.ReadFile(appPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(appFile, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	sysCfg := LoadSystemConfig("system.json")

	return &cfg, sysCfg, nil
}

// LoadSystemConfig attempts to load system settings, returns defaults if it fails.
func LoadSystemConfig(path string) *SystemConfig {
	cfg := DefaultSystemConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		return cfg // File not found, use defaults
	}

	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(file, cfg); err != nil {
		return cfg // Parse failed, use defaults
	}

	return cfg
}
