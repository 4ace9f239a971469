package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Sheet    SheetConfig    `yaml:"sheet"`
	Campaign CampaignConfig `yaml:"campaign"`
	Tracking TrackingConfig `yaml:"tracking"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port           int      `yaml:"port"`
	BatchToken     string   `yaml:"batch_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SMTPConfig holds SMTP relay connection settings
type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Secure         bool   `yaml:"secure"`      // implicit TLS (465) vs STARTTLS (587)
	AuthMethod     string `yaml:"auth_method"` // LOGIN or PLAIN
	User           string `yaml:"user"`
	Pass           string `yaml:"pass"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SheetConfig holds spreadsheet store settings and service-account credentials
type SheetConfig struct {
	SpreadsheetID  string `yaml:"spreadsheet_id"`
	Tab            string `yaml:"tab"`
	ServiceEmail   string `yaml:"service_email"`
	PrivateKey     string `yaml:"private_key"`
	KeyFile        string `yaml:"key_file"` // service-account JSON, overrides email/key if present
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Timezone       string `yaml:"timezone"` // IANA location for status timestamps
}

// CampaignConfig holds dispatch defaults; per-request bodies may override most of these
type CampaignConfig struct {
	Subject      string `yaml:"subject"`
	TemplateFile string `yaml:"template_file"`
	TemplateURL  string `yaml:"template_url"`
	StartRow     int    `yaml:"start_row"`
	DailyMaxRows int    `yaml:"daily_max_rows"`
	DelayMinMs   int    `yaml:"delay_min_ms"`
	DelayMaxMs   int    `yaml:"delay_max_ms"`
	MaxRetries   int    `yaml:"max_retries"`
	RetryBaseMs  int    `yaml:"retry_base_ms"`
}

// TrackingConfig holds open-attribution settings
type TrackingConfig struct {
	// OpenOverridesFailed allows an open event to flip a Failed row to Opened.
	// The original tracker gated strictly on Sent/blank.
	OpenOverridesFailed bool `yaml:"open_overrides_failed"`
}

// serviceAccountKey matches the relevant fields of a Google service-account JSON file.
type serviceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.SMTP.AuthMethod == "" {
		cfg.SMTP.AuthMethod = "LOGIN"
	}
	if cfg.SMTP.TimeoutSeconds == 0 {
		cfg.SMTP.TimeoutSeconds = 30
	}
	if cfg.Sheet.Tab == "" {
		cfg.Sheet.Tab = "Sheet1"
	}
	if cfg.Sheet.BaseURL == "" {
		cfg.Sheet.BaseURL = "https://sheets.googleapis.com/v4/spreadsheets"
	}
	if cfg.Sheet.TimeoutSeconds == 0 {
		cfg.Sheet.TimeoutSeconds = 30
	}
	if cfg.Sheet.Timezone == "" {
		cfg.Sheet.Timezone = "UTC"
	}
	if cfg.Campaign.TemplateFile == "" {
		cfg.Campaign.TemplateFile = "email-template.html"
	}
	if cfg.Campaign.StartRow == 0 {
		cfg.Campaign.StartRow = 2
	}
	if cfg.Campaign.DailyMaxRows == 0 {
		cfg.Campaign.DailyMaxRows = 350
	}
	if cfg.Campaign.DelayMinMs == 0 {
		cfg.Campaign.DelayMinMs = 3000
	}
	if cfg.Campaign.DelayMaxMs == 0 {
		cfg.Campaign.DelayMaxMs = cfg.Campaign.DelayMinMs
	}
	if cfg.Campaign.MaxRetries == 0 {
		cfg.Campaign.MaxRetries = 2
	}
	if cfg.Campaign.RetryBaseMs == 0 {
		cfg.Campaign.RetryBaseMs = 800
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("BATCH_TOKEN"); v != "" {
		cfg.Server.BatchToken = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = p
		}
	}
	if v := os.Getenv("SMTP_SECURE"); v != "" {
		cfg.SMTP.Secure = toBool(v)
	}
	if v := os.Getenv("SMTP_AUTH_METHOD"); v != "" {
		cfg.SMTP.AuthMethod = strings.ToUpper(v)
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.SMTP.User = v
	}
	if v := os.Getenv("SMTP_PASS"); v != "" {
		cfg.SMTP.Pass = v
	}

	if v := os.Getenv("SHEETS_SPREADSHEET_ID"); v != "" {
		cfg.Sheet.SpreadsheetID = v
	}
	if v := os.Getenv("SHEET_NAME"); v != "" {
		cfg.Sheet.Tab = v
	}
	if v := os.Getenv("SHEET_TIMEZONE"); v != "" {
		cfg.Sheet.Timezone = v
	}
	if v := os.Getenv("GOOGLE_SERVICE_EMAIL"); v != "" {
		cfg.Sheet.ServiceEmail = v
	} else if v := os.Getenv("GOOGLE_CLIENT_EMAIL"); v != "" {
		cfg.Sheet.ServiceEmail = v
	}
	if v := os.Getenv("GOOGLE_PRIVATE_KEY"); v != "" {
		cfg.Sheet.PrivateKey = v
	}
	if v := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" {
		cfg.Sheet.KeyFile = v
	}

	if v := os.Getenv("EMAIL_SUBJECT"); v != "" {
		cfg.Campaign.Subject = v
	}
	if v := os.Getenv("EMAIL_TEMPLATE_FILE"); v != "" {
		cfg.Campaign.TemplateFile = v
	}
	if v := os.Getenv("TEMPLATE_URL"); v != "" {
		cfg.Campaign.TemplateURL = v
	}
	if v := os.Getenv("DAILY_MAX_ROWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Campaign.DailyMaxRows = n
		}
	}
	if v := os.Getenv("DAILY_BATCH_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Campaign.DelayMinMs = n
			cfg.Campaign.DelayMaxMs = n
		}
	}
	if v := os.Getenv("TRACKING_OPEN_OVERRIDES_FAILED"); v != "" {
		cfg.Tracking.OpenOverridesFailed = toBool(v)
	}

	// Prefer a secret key file when configured; fall back to env credentials.
	if cfg.Sheet.KeyFile != "" {
		if sa, err := loadServiceAccount(cfg.Sheet.KeyFile); err == nil {
			cfg.Sheet.ServiceEmail = sa.ClientEmail
			cfg.Sheet.PrivateKey = sa.PrivateKey
		}
	}
	cfg.Sheet.PrivateKey = NormalizePrivateKey(cfg.Sheet.PrivateKey)

	return cfg, nil
}

// Validate checks that the credentials needed at runtime are present.
func (c *Config) Validate() error {
	if c.SMTP.Host == "" || c.SMTP.User == "" || c.SMTP.Pass == "" {
		return fmt.Errorf("smtp credentials missing (host/user/pass)")
	}
	if c.Sheet.SpreadsheetID == "" {
		return fmt.Errorf("sheet spreadsheet_id missing")
	}
	if c.Sheet.ServiceEmail == "" || c.Sheet.PrivateKey == "" {
		return fmt.Errorf("google service account creds missing (email/key)")
	}
	return nil
}

// NormalizePrivateKey fixes escaped newlines and strips carriage returns from
// a PEM key that passed through an environment variable.
func NormalizePrivateKey(key string) string {
	if strings.Contains(key, `\n`) {
		key = strings.ReplaceAll(key, `\n`, "\n")
	}
	return strings.ReplaceAll(key, "\r", "")
}

func loadServiceAccount(path string) (*serviceAccountKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sa serviceAccountKey
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, err
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, fmt.Errorf("service account file %s missing client_email/private_key", path)
	}
	return &sa, nil
}

func toBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	}
	return false
}
