package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Google        GoogleConfig        `mapstructure:"google"`
	Session       SessionConfig       `mapstructure:"session"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Matching      MatchingConfig      `mapstructure:"matching"`
	Workflow      WorkflowConfig      `mapstructure:"workflow"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Log           LogConfig           `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// AppRedirectURL is the application page the OAuth callback lands on.
	AppRedirectURL string `mapstructure:"app_redirect_url"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

// GoogleConfig holds the OAuth client and mailbox transport configuration
type GoogleConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`
	AuthURL      string   `mapstructure:"auth_url"`
	TokenURL     string   `mapstructure:"token_url"`
	APIEndpoint  string   `mapstructure:"api_endpoint"`
	UseIMAP      bool     `mapstructure:"use_imap"`
	IMAPHost     string   `mapstructure:"imap_host"`
	IMAPPort     int      `mapstructure:"imap_port"`
	MaxMessages  int64    `mapstructure:"max_messages"`
}

// SessionConfig holds session cookie configuration
type SessionConfig struct {
	CookieName string        `mapstructure:"cookie_name"`
	Secret     string        `mapstructure:"secret"`
	Secure     bool          `mapstructure:"secure"`
	Path       string        `mapstructure:"path"`
	TTL        time.Duration `mapstructure:"ttl"`
}

// AuthConfig holds authorization and credential lifecycle settings
type AuthConfig struct {
	Store                 string        `mapstructure:"store"`
	StateTTL              time.Duration `mapstructure:"state_ttl"`
	RefreshSkew           time.Duration `mapstructure:"refresh_skew"`
	HTTPTimeout           time.Duration `mapstructure:"http_timeout"`
	DefaultTokenLifetime  time.Duration `mapstructure:"default_token_lifetime"`
	AllowParallelAttempts bool          `mapstructure:"allow_parallel_attempts"`
}

// RedisConfig holds redis connection configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	IntervalMinutes int           `mapstructure:"interval_minutes"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	Workers         int           `mapstructure:"workers"`
}

// MatchingConfig holds entity matching thresholds
type MatchingConfig struct {
	MinScore              float64 `mapstructure:"min_score"`
	AutoApproveScore      float64 `mapstructure:"auto_approve_score"`
	AutoApproveConfidence float64 `mapstructure:"auto_approve_confidence"`
}

// WorkflowConfig holds dispatcher settings
type WorkflowConfig struct {
	// FollowUpTasks maps a document type to the title of a task created after
	// an auto-approved attachment of that type.
	FollowUpTasks map[string]string `mapstructure:"follow_up_tasks"`
}

// NotificationsConfig holds notification bus settings
type NotificationsConfig struct {
	Capacity         int `mapstructure:"capacity"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	// A missing .env file is not an error
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	v.AutomaticEnv()
	bindEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.app_redirect_url", "/settings/integrations")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "realty-mail-engine.db")

	v.SetDefault("google.scopes", []string{
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/userinfo.email",
	})
	v.SetDefault("google.use_imap", false)
	v.SetDefault("google.imap_host", "imap.gmail.com")
	v.SetDefault("google.imap_port", 993)
	v.SetDefault("google.max_messages", 50)

	v.SetDefault("session.cookie_name", "rme_session")
	v.SetDefault("session.secure", true)
	v.SetDefault("session.path", "/")
	v.SetDefault("session.ttl", "720h")

	v.SetDefault("auth.store", "memory")
	v.SetDefault("auth.state_ttl", "10m")
	v.SetDefault("auth.refresh_skew", "60s")
	v.SetDefault("auth.http_timeout", "15s")
	v.SetDefault("auth.default_token_lifetime", "1h")
	v.SetDefault("auth.allow_parallel_attempts", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("scheduler.interval_minutes", 5)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.retry_backoff", "2s")
	v.SetDefault("scheduler.fetch_timeout", "30s")
	v.SetDefault("scheduler.workers", 4)

	v.SetDefault("matching.min_score", 0.15)
	v.SetDefault("matching.auto_approve_score", 0.8)
	v.SetDefault("matching.auto_approve_confidence", 0.9)

	v.SetDefault("workflow.follow_up_tasks", map[string]string{
		"inspection_report":  "Review inspection report",
		"appraisal":          "Review appraisal",
		"closing_disclosure": "Confirm closing disclosure figures",
	})

	v.SetDefault("notifications.capacity", 500)
	v.SetDefault("notifications.subscriber_buffer", 32)

	v.SetDefault("log.level", "info")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	v.BindEnv("server.app_redirect_url", "APP_REDIRECT_URL")

	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.sslmode", "DB_SSLMODE")
	v.BindEnv("database.path", "DB_PATH")

	// Google
	v.BindEnv("google.client_id", "GOOGLE_CLIENT_ID")
	v.BindEnv("google.client_secret", "GOOGLE_CLIENT_SECRET")
	v.BindEnv("google.redirect_url", "GOOGLE_REDIRECT_URL")
	v.BindEnv("google.use_imap", "GOOGLE_USE_IMAP")
	v.BindEnv("google.imap_host", "GOOGLE_IMAP_HOST")
	v.BindEnv("google.imap_port", "GOOGLE_IMAP_PORT")

	// Session
	v.BindEnv("session.secret", "SESSION_SECRET")
	v.BindEnv("session.secure", "SESSION_SECURE")

	// Auth
	v.BindEnv("auth.store", "AUTH_STORE")
	v.BindEnv("auth.state_ttl", "AUTH_STATE_TTL")
	v.BindEnv("auth.refresh_skew", "AUTH_REFRESH_SKEW")
	v.BindEnv("auth.allow_parallel_attempts", "AUTH_ALLOW_PARALLEL_ATTEMPTS")

	// Redis
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	// Scheduler
	v.BindEnv("scheduler.interval_minutes", "SCHEDULER_INTERVAL_MINUTES")
	v.BindEnv("scheduler.max_retries", "SCHEDULER_MAX_RETRIES")
	v.BindEnv("scheduler.workers", "SCHEDULER_WORKERS")

	// Log
	v.BindEnv("log.level", "LOG_LEVEL")
}

// GetDSN returns the database connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	case "sqlite":
		return c.Path
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			c.User, c.Password, c.Host, c.Port, c.DBName)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "mysql", "postgres":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Google.ClientID == "" || c.Google.ClientSecret == "" || c.Google.RedirectURL == "" {
		return fmt.Errorf("Google OAuth client id, secret, and redirect url are required")
	}
	if len(c.Google.Scopes) == 0 {
		return fmt.Errorf("at least one OAuth scope is required")
	}

	if len(c.Session.Secret) < 32 {
		return fmt.Errorf("session secret must be at least 32 characters")
	}

	switch c.Auth.Store {
	case "memory", "database":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required when auth store is redis")
		}
	default:
		return fmt.Errorf("unsupported auth store %q", c.Auth.Store)
	}

	if c.Auth.StateTTL <= 0 {
		return fmt.Errorf("auth state ttl must be greater than 0")
	}
	if c.Auth.HTTPTimeout <= 0 {
		return fmt.Errorf("auth http timeout must be greater than 0")
	}

	if c.Scheduler.IntervalMinutes <= 0 {
		return fmt.Errorf("scheduler interval must be greater than 0")
	}

	if c.Matching.MinScore <= 0 || c.Matching.MinScore > 1 {
		return fmt.Errorf("matching min score must be in (0, 1]")
	}
	if c.Matching.AutoApproveScore < c.Matching.MinScore || c.Matching.AutoApproveScore > 1 {
		return fmt.Errorf("matching auto approve score must be between min score and 1")
	}

	return nil
}
