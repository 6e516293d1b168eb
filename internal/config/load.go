package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "TRAILSYNC"

func SetDefaults(v *viper.Viper) {
	v.SetDefault("aliyun.region", "cn-shenzhen")
	v.SetDefault("aliyun.max_results", 50)
	v.SetDefault("aliyun.retry_backoff", 2*time.Second)
	v.SetDefault("aliyun.requests_per_second", 0)
	v.SetDefault("aliyun.window", 6*time.Minute)

	v.SetDefault("schedules", []map[string]any{{
		"id":          "cron.sync_aliyun_events",
		"module":      "cron",
		"function":    "sync_aliyun_events",
		"cron":        "* * * * *",
		"description": "aliyun sync_events",
	}})

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "trailsync-events.db")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.charset", "utf8mb4")

	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.db", 0)

	v.SetDefault("queue.path", "trailsync-queue.db")
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.poll_interval", 100*time.Millisecond)
	v.SetDefault("queue.default_timeout", 180*time.Second)
	v.SetDefault("queue.result_ttl", 24*time.Hour)
	v.SetDefault("queue.purge_interval", time.Minute)

	v.SetDefault("scheduler.poll_interval", time.Second)
	v.SetDefault("scheduler.timezone", "UTC")

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
}

// bindEnv maps the credential names the deployment already exports.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("aliyun.ak", EnvPrefix+"_ALIYUN_AK", "AK")
	_ = v.BindEnv("aliyun.secret", EnvPrefix+"_ALIYUN_SECRET", "SECRET")
	_ = v.BindEnv("database.auth", EnvPrefix+"_DATABASE_AUTH")
	_ = v.BindEnv("cache.password", EnvPrefix+"_CACHE_PASSWORD")
}

// New returns a viper instance with defaults and env binding but no file.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)
	SetDefaults(v)
	return v
}

// Load reads path (YAML) when given, applies env overrides and validates.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}
	return LoadWithViper(v)
}

func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
