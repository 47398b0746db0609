package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	App      AppConfig      `json:"app"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
	Client   ClientConfig   `json:"client"`
}

// AppConfig is the base service configuration.
type AppConfig struct {
	Env            string        `json:"env"`             // local / prod
	LogLevel       string        `json:"log_level"`       // debug / info / warn / error
	HTTPAddr       string        `json:"http_addr"`       // API listen address
	AllowedOrigins []string      `json:"allowed_origins"` // CORS origins of the frontend
	AdminEmail     string        `json:"admin_email"`     // account that gets isAdmin on login
	AdminPassword  string        `json:"admin_password"`  // seeds the admin account when set
	OTPTTL         time.Duration `json:"otp_ttl"`         // verification code lifetime, e.g. "10m"
	ResendCooldown time.Duration `json:"resend_cooldown"` // minimum gap between two codes
	TokenTTL       time.Duration `json:"token_ttl"`       // session token lifetime, e.g. "168h"
	PendingGrace   time.Duration `json:"pending_grace"`   // how long an expired pending account survives
	SweepInterval  time.Duration `json:"sweep_interval"`  // stale pending sweep period
	ActivityWindow time.Duration `json:"activity_window"` // how long a user counts as active
	RateLimit      float64       `json:"rate_limit"`      // tokens per second per client IP
	RateBurst      float64       `json:"rate_burst"`      // bucket capacity
	MailRateLimit  float64       `json:"mail_rate_limit"` // outbound mails per second, shared by all workers
	MailRateBurst  float64       `json:"mail_rate_burst"`
	WorkerPoolSize int           `json:"worker_pool_size"`
	QueueCapacity  int           `json:"queue_capacity"`

	// Redis Streams mail queue
	MailStream   string `json:"mail_stream"`
	MailGroup    string `json:"mail_group"`
	MailMaxRetry int    `json:"mail_max_retry"`
}

// DatabaseConfig accepts a MySQL DSN or a PostgreSQL URL/keyword DSN.
type DatabaseConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
}

// EmailConfig configures SMTP delivery. SMTPPort is tried first and
// FallbackPort second.
type EmailConfig struct {
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	FallbackPort int    `json:"fallback_port"`
	SMTPUser     string `json:"smtp_user"`
	SMTPPass     string `json:"smtp_pass"`
	FromEmail    string `json:"from_email"`
	FromName     string `json:"from_name"`
}

type SecurityConfig struct {
	JWTSecret string `json:"jwt_secret"`
	Issuer    string `json:"issuer"`
}

// ClientConfig is read by inkctl.
type ClientConfig struct {
	BaseURL   string `json:"base_url"`
	TokenFile string `json:"token_file"`
}

// LoadDotEnv loads KEY=VALUE pairs from .env files into the process
// environment. Missing files are ignored and existing variables win.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

// Load reads configs/config.json (or the given path), fills unset fields
// with defaults and applies environment overrides. A missing file is not an
// error.
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault is Load that falls back to defaults on error.
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// Save writes cfg as indented JSON.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:            "local",
			LogLevel:       "info",
			HTTPAddr:       ":4000",
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
			OTPTTL:         10 * time.Minute,
			ResendCooldown: 60 * time.Second,
			TokenTTL:       7 * 24 * time.Hour,
			PendingGrace:   24 * time.Hour,
			SweepInterval:  time.Hour,
			ActivityWindow: 15 * time.Minute,
			RateLimit:      1,
			RateBurst:      10,
			MailRateLimit:  2,
			MailRateBurst:  5,
			WorkerPoolSize: 4,
			QueueCapacity:  100,
			MailStream:     "inkwell:mail:queue",
			MailGroup:      "mail_workers",
			MailMaxRetry:   3,
		},
		Database: DatabaseConfig{
			DSN: "root:password@tcp(localhost:3306)/inkwell?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Email: EmailConfig{
			SMTPHost:     "smtp.gmail.com",
			SMTPPort:     465,
			FallbackPort: 587,
			FromName:     "Auth System",
		},
		Security: SecurityConfig{
			JWTSecret: "dev_secret_change_me",
			Issuer:    "inkwell",
		},
		Client: ClientConfig{
			BaseURL:   "http://localhost:4000",
			TokenFile: defaultTokenFile(),
		},
	}
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".inkwell-token.json"
	}
	return dir + string(os.PathSeparator) + "inkwell" + string(os.PathSeparator) + "session.json"
}

func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if len(cfg.App.AllowedOrigins) == 0 {
		cfg.App.AllowedOrigins = defaults.App.AllowedOrigins
	}
	if cfg.App.OTPTTL == 0 {
		cfg.App.OTPTTL = defaults.App.OTPTTL
	}
	if cfg.App.ResendCooldown == 0 {
		cfg.App.ResendCooldown = defaults.App.ResendCooldown
	}
	if cfg.App.TokenTTL == 0 {
		cfg.App.TokenTTL = defaults.App.TokenTTL
	}
	if cfg.App.PendingGrace == 0 {
		cfg.App.PendingGrace = defaults.App.PendingGrace
	}
	if cfg.App.SweepInterval == 0 {
		cfg.App.SweepInterval = defaults.App.SweepInterval
	}
	if cfg.App.ActivityWindow == 0 {
		cfg.App.ActivityWindow = defaults.App.ActivityWindow
	}
	if cfg.App.RateLimit == 0 {
		cfg.App.RateLimit = defaults.App.RateLimit
	}
	if cfg.App.RateBurst == 0 {
		cfg.App.RateBurst = defaults.App.RateBurst
	}
	if cfg.App.MailRateLimit == 0 {
		cfg.App.MailRateLimit = defaults.App.MailRateLimit
	}
	if cfg.App.MailRateBurst == 0 {
		cfg.App.MailRateBurst = defaults.App.MailRateBurst
	}
	if cfg.App.WorkerPoolSize == 0 {
		cfg.App.WorkerPoolSize = defaults.App.WorkerPoolSize
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.App.MailStream == "" {
		cfg.App.MailStream = defaults.App.MailStream
	}
	if cfg.App.MailGroup == "" {
		cfg.App.MailGroup = defaults.App.MailGroup
	}
	if cfg.App.MailMaxRetry == 0 {
		cfg.App.MailMaxRetry = defaults.App.MailMaxRetry
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = defaults.Database.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Email.SMTPHost == "" {
		cfg.Email.SMTPHost = defaults.Email.SMTPHost
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Email.FallbackPort == 0 {
		cfg.Email.FallbackPort = defaults.Email.FallbackPort
	}
	if cfg.Email.FromName == "" {
		cfg.Email.FromName = defaults.Email.FromName
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
	if cfg.Security.Issuer == "" {
		cfg.Security.Issuer = defaults.Security.Issuer
	}
	if cfg.Client.BaseURL == "" {
		cfg.Client.BaseURL = defaults.Client.BaseURL
	}
	if cfg.Client.TokenFile == "" {
		cfg.Client.TokenFile = defaults.Client.TokenFile
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("mail_pass", "MAIL_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("admin_password", "ADMIN_PASSWORD")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	} else if v := os.Getenv("PORT"); v != "" {
		cfg.App.HTTPAddr = ":" + v
	}
	if v := os.Getenv("APP_ALLOWED_ORIGINS"); v != "" {
		cfg.App.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" && !contains(cfg.App.AllowedOrigins, v) {
		cfg.App.AllowedOrigins = append(cfg.App.AllowedOrigins, v)
	}
	if v := os.Getenv("ADMIN_EMAIL"); v != "" {
		cfg.App.AdminEmail = v
	}
	if v := viper.GetString("admin_password"); v != "" {
		cfg.App.AdminPassword = v
	}
	setDuration("APP_OTP_TTL", &cfg.App.OTPTTL)
	setDuration("APP_RESEND_COOLDOWN", &cfg.App.ResendCooldown)
	setDuration("APP_TOKEN_TTL", &cfg.App.TokenTTL)
	setDuration("APP_PENDING_GRACE", &cfg.App.PendingGrace)
	setDuration("APP_SWEEP_INTERVAL", &cfg.App.SweepInterval)
	setDuration("APP_ACTIVITY_WINDOW", &cfg.App.ActivityWindow)
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateLimit = f
		}
	}
	if v := os.Getenv("APP_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateBurst = f
		}
	}
	if v := os.Getenv("APP_MAIL_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.MailRateLimit = f
		}
	}
	if v := os.Getenv("APP_MAIL_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.MailRateBurst = f
		}
	}
	setInt("APP_WORKER_POOL_SIZE", &cfg.App.WorkerPoolSize)
	setInt("APP_QUEUE_CAPACITY", &cfg.App.QueueCapacity)
	setInt("APP_MAIL_MAX_RETRY", &cfg.App.MailMaxRetry)
	if v := os.Getenv("APP_MAIL_STREAM"); v != "" {
		cfg.App.MailStream = v
	}
	if v := os.Getenv("APP_MAIL_GROUP"); v != "" {
		cfg.App.MailGroup = v
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.Security.Issuer = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Database.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.Database.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.Database.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	setInt("SMTP_PORT", &cfg.Email.SMTPPort)
	setInt("SMTP_FALLBACK_PORT", &cfg.Email.FallbackPort)
	if v := os.Getenv("MAIL_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("mail_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("MAIL_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if cfg.Email.FromEmail == "" {
		cfg.Email.FromEmail = cfg.Email.SMTPUser
	}

	if v := os.Getenv("INKWELL_BASE_URL"); v != "" {
		cfg.Client.BaseURL = v
	} else if v := os.Getenv("BACKEND_URL"); v != "" {
		cfg.Client.BaseURL = v
	}
	if v := os.Getenv("INKWELL_TOKEN_FILE"); v != "" {
		cfg.Client.TokenFile = v
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func defaultMySQLConfig() *mysql.Config {
	return &mysql.Config{
		User:   "root",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "inkwell",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if dsn == "" {
		return defaultMySQLConfig()
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return defaultMySQLConfig()
	}
	return parsed
}

// UnmarshalJSON accepts durations as strings ("10m", "168h").
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		OTPTTL         string `json:"otp_ttl"`
		ResendCooldown string `json:"resend_cooldown"`
		TokenTTL       string `json:"token_ttl"`
		PendingGrace   string `json:"pending_grace"`
		SweepInterval  string `json:"sweep_interval"`
		ActivityWindow string `json:"activity_window"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"otp_ttl", aux.OTPTTL, &a.OTPTTL},
		{"resend_cooldown", aux.ResendCooldown, &a.ResendCooldown},
		{"token_ttl", aux.TokenTTL, &a.TokenTTL},
		{"pending_grace", aux.PendingGrace, &a.PendingGrace},
		{"sweep_interval", aux.SweepInterval, &a.SweepInterval},
		{"activity_window", aux.ActivityWindow, &a.ActivityWindow},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// MarshalJSON writes durations as strings.
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		OTPTTL         string `json:"otp_ttl"`
		ResendCooldown string `json:"resend_cooldown"`
		TokenTTL       string `json:"token_ttl"`
		PendingGrace   string `json:"pending_grace"`
		SweepInterval  string `json:"sweep_interval"`
		ActivityWindow string `json:"activity_window"`
		*Alias
	}{
		OTPTTL:         a.OTPTTL.String(),
		ResendCooldown: a.ResendCooldown.String(),
		TokenTTL:       a.TokenTTL.String(),
		PendingGrace:   a.PendingGrace.String(),
		SweepInterval:  a.SweepInterval.String(),
		ActivityWindow: a.ActivityWindow.String(),
		Alias:          (*Alias)(&a),
	})
}
