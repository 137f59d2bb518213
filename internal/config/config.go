package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Profile selects which summarization backend is built at startup.
// The choice is fixed for the process lifetime.
type Profile string

const (
	// ProfileFast is the lightweight extractive backend.
	ProfileFast Profile = "fast"

	// ProfileQuality is the local LLM backend, slower but more fluent.
	ProfileQuality Profile = "quality"
)

// Config is the immutable snapshot of all recognized options. It is
// loaded once at startup and read-only thereafter.
type Config struct {
	// Mailbox credentials and endpoint.
	Address    string `mapstructure:"gmail_address"`
	Password   string `mapstructure:"gmail_password"`
	IMAPServer string `mapstructure:"imap_server"`
	IMAPPort   int    `mapstructure:"imap_port"`

	// FetchMode selects which messages a poll cycle considers:
	// "unseen" (default) or "all".
	FetchMode string `mapstructure:"fetch_mode"`

	// Destination directories and tracker database path.
	AttachmentsDir string `mapstructure:"attachments_dir"`
	LogDir         string `mapstructure:"log_dir"`
	TrackerDB      string `mapstructure:"tracker_db"`

	// Summarization settings.
	EnableSummarization bool    `mapstructure:"enable_summarization"`
	SummarizationModel  Profile `mapstructure:"summarization_model"`
	ModelEndpoint       string  `mapstructure:"model_endpoint"`
	ModelName           string  `mapstructure:"model_name"`
	ForceCPU            bool    `mapstructure:"force_cpu"`
	MaxInputLength      int     `mapstructure:"max_input_length"`
	SummaryMaxLength    int     `mapstructure:"summary_max_length"`
	SummaryMinLength    int     `mapstructure:"summary_min_length"`

	// Watcher cadence and reconnect policy.
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`

	// Attachment filtering.
	MaxAttachmentSize int64    `mapstructure:"max_attachment_size"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
}

// Load reads configuration from the environment, preceded by an optional
// .env file at envPath (ignored when absent). All keys have defaults
// except the mailbox credentials.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading env file %s: %w", envPath, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("gmail_address", "")
	v.SetDefault("gmail_password", "")
	v.SetDefault("imap_server", "imap.gmail.com")
	v.SetDefault("imap_port", 993)
	v.SetDefault("fetch_mode", "unseen")
	v.SetDefault("attachments_dir", "data/attachments")
	v.SetDefault("log_dir", "data/logs")
	v.SetDefault("tracker_db", "data/mailsift.db")
	v.SetDefault("enable_summarization", true)
	v.SetDefault("summarization_model", string(ProfileFast))
	v.SetDefault("model_endpoint", "http://127.0.0.1:11434")
	v.SetDefault("model_name", "llama3.2")
	v.SetDefault("force_cpu", false)
	v.SetDefault("max_input_length", 1024)
	v.SetDefault("summary_max_length", 200)
	v.SetDefault("summary_min_length", 50)
	v.SetDefault("poll_interval", "10s")
	v.SetDefault("reconnect_delay", "10s")
	v.SetDefault("max_reconnect_attempts", 5)
	v.SetDefault("max_attachment_size", int64(50*1024*1024))
	v.SetDefault("allowed_extensions", ".pdf,.doc,.docx,.txt,.xlsx,.png,.jpg,.jpeg")

	// Explicit binds so AutomaticEnv sees keys that were never Set.
	for _, key := range []string{
		"gmail_address", "gmail_password", "imap_server", "imap_port",
		"fetch_mode", "attachments_dir", "log_dir", "tracker_db",
		"enable_summarization", "summarization_model", "model_endpoint",
		"model_name", "force_cpu", "max_input_length",
		"summary_max_length", "summary_min_length", "poll_interval",
		"reconnect_delay", "max_reconnect_attempts",
		"max_attachment_size", "allowed_extensions",
	} {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("binding env key %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// Extensions arrive as a single comma-separated value from the env.
	if raw := v.GetString("allowed_extensions"); raw != "" {
		cfg.AllowedExtensions = splitExtensions(raw)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.Address == "" {
		errs = append(errs, "GMAIL_ADDRESS is required")
	}
	if c.Password == "" {
		errs = append(errs, "GMAIL_PASSWORD is required")
	}

	switch c.SummarizationModel {
	case ProfileFast, ProfileQuality:
	default:
		errs = append(errs, fmt.Sprintf(
			"SUMMARIZATION_MODEL must be %q or %q, got %q",
			ProfileFast, ProfileQuality, c.SummarizationModel,
		))
	}

	switch c.FetchMode {
	case "unseen", "all":
	default:
		errs = append(errs, fmt.Sprintf(
			"FETCH_MODE must be \"unseen\" or \"all\", got %q", c.FetchMode,
		))
	}

	if c.SummaryMinLength <= 0 || c.SummaryMaxLength < c.SummaryMinLength {
		errs = append(errs, fmt.Sprintf(
			"summary length window [%d, %d] is invalid",
			c.SummaryMinLength, c.SummaryMaxLength,
		))
	}
	if c.MaxInputLength <= 0 {
		errs = append(errs, "MAX_INPUT_LENGTH must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// AllowsExtension reports whether the attachment filename passes the
// configured extension filter. An empty filter allows everything.
func (c *Config) AllowsExtension(filename string) bool {
	if len(c.AllowedExtensions) == 0 {
		return true
	}
	lower := strings.ToLower(filename)
	for _, ext := range c.AllowedExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func splitExtensions(raw string) []string {
	parts := strings.Split(raw, ",")
	exts := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, ".") {
			p = "." + p
		}
		exts = append(exts, p)
	}
	return exts
}
