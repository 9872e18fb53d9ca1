package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
		},
		Database: DatabaseConfig{
			Driver: "mysql",
			Host:   "localhost",
			User:   "test",
			DBName: "test",
		},
		Google: GoogleConfig{
			ClientID:     "test",
			ClientSecret: "test",
			RedirectURL:  "http://localhost:8080/callback",
			Scopes:       []string{"https://www.googleapis.com/auth/gmail.readonly"},
		},
		Session: SessionConfig{
			Secret: "0123456789abcdef0123456789abcdef",
		},
		Auth: AuthConfig{
			Store:       "memory",
			StateTTL:    10 * time.Minute,
			HTTPTimeout: 15 * time.Second,
		},
		Scheduler: SchedulerConfig{
			IntervalMinutes: 5,
		},
		Matching: MatchingConfig{
			MinScore:         0.15,
			AutoApproveScore: 0.8,
		},
	}
}

func TestConfigValidation(t *testing.T) {
	err := validConfig().Validate()
	assert.NoError(t, err)

	invalidConfig := &Config{
		Server: ServerConfig{
			Port: "",
		},
	}
	err = invalidConfig.Validate()
	assert.Error(t, err)
}

func TestConfigValidationRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"unknown driver":       func(c *Config) { c.Database.Driver = "oracle" },
		"sqlite without path":  func(c *Config) { c.Database.Driver = "sqlite"; c.Database.Path = "" },
		"missing redirect":     func(c *Config) { c.Google.RedirectURL = "" },
		"no scopes":            func(c *Config) { c.Google.Scopes = nil },
		"short secret":         func(c *Config) { c.Session.Secret = "short" },
		"redis without addr":   func(c *Config) { c.Auth.Store = "redis" },
		"unknown auth store":   func(c *Config) { c.Auth.Store = "etcd" },
		"zero state ttl":       func(c *Config) { c.Auth.StateTTL = 0 },
		"zero min score":       func(c *Config) { c.Matching.MinScore = 0 },
		"auto below min score": func(c *Config) { c.Matching.AutoApproveScore = 0.1 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	config := DatabaseConfig{
		Driver:   "mysql",
		Host:     "localhost",
		Port:     3306,
		User:     "testuser",
		Password: "testpass",
		DBName:   "testdb",
	}

	dsn := config.GetDSN()
	expected := "testuser:testpass@tcp(localhost:3306)/testdb?charset=utf8mb4&parseTime=True&loc=Local"
	assert.Equal(t, expected, dsn)

	config.Driver = "postgres"
	config.Port = 5432
	config.SSLMode = "disable"
	assert.Equal(t, "host=localhost port=5432 user=testuser password=testpass dbname=testdb sslmode=disable", config.GetDSN())

	config.Driver = "sqlite"
	config.Path = ":memory:"
	assert.Equal(t, ":memory:", config.GetDSN())
}
