// Package config loads trailsync settings from defaults, an optional YAML file
// and the environment.
package config

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/albachteng/trailsync/internal/jobs"
)

type Config struct {
	Aliyun    AliyunConfig     `mapstructure:"aliyun"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Cache     CacheConfig      `mapstructure:"cache"`
	Queue     QueueConfig      `mapstructure:"queue"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Log       LogConfig        `mapstructure:"log"`
}

type AliyunConfig struct {
	AK                string        `mapstructure:"ak"`
	Secret            string        `mapstructure:"secret"`
	Region            string        `mapstructure:"region"`
	MaxResults        int           `mapstructure:"max_results"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Window            time.Duration `mapstructure:"window"`
}

// ScheduleConfig is one recurring job registered at scheduler start.
// Exactly one of Cron and Interval is set.
type ScheduleConfig struct {
	ID          string        `mapstructure:"id"`
	Module      string        `mapstructure:"module"`
	Function    string        `mapstructure:"function"`
	Cron        string        `mapstructure:"cron"`
	Interval    time.Duration `mapstructure:"interval"`
	Repeat      *int          `mapstructure:"repeat"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Description string        `mapstructure:"description"`
}

type DatabaseConfig struct {
	Driver  string `mapstructure:"driver"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	User    string `mapstructure:"user"`
	Auth    string `mapstructure:"auth"`
	Name    string `mapstructure:"name"`
	Charset string `mapstructure:"charset"`
	Path    string `mapstructure:"path"`
}

// CacheConfig selects where pending scheduled jobs live.
type CacheConfig struct {
	Backend  string `mapstructure:"backend"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type QueueConfig struct {
	Path           string        `mapstructure:"path"`
	Workers        int           `mapstructure:"workers"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	ResultTTL      time.Duration `mapstructure:"result_ttl"`
	PurgeInterval  time.Duration `mapstructure:"purge_interval"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timezone     string        `mapstructure:"timezone"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
	JSON  bool   `mapstructure:"json"`
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Location resolves scheduler.timezone; empty means UTC.
func (c SchedulerConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errors.Wrapf(jobs.ErrConfig, "scheduler.timezone %q: %v", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks the settings every command relies on. Aliyun credentials
// are checked later, when a sync task is built.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Cache.Addr == "" {
			return errors.Wrap(jobs.ErrConfig, "cache.addr is required for the redis backend")
		}
	default:
		return errors.Wrapf(jobs.ErrConfig, "unknown cache.backend %q", c.Cache.Backend)
	}

	if c.Queue.Workers < 1 {
		return errors.Wrapf(jobs.ErrConfig, "queue.workers must be at least 1, got %d", c.Queue.Workers)
	}
	if c.Queue.Path == "" {
		return errors.Wrap(jobs.ErrConfig, "queue.path is required")
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		if s.ID == "" {
			return errors.Wrapf(jobs.ErrConfig, "schedules[%d]: id is required", i)
		}
		if seen[s.ID] {
			return errors.Wrapf(jobs.ErrConfig, "schedules[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if s.Module == "" || s.Function == "" {
			return errors.Wrapf(jobs.ErrConfig, "schedule %s: module and function are required", s.ID)
		}
		if (s.Cron == "") == (s.Interval == 0) {
			return errors.Wrapf(jobs.ErrConfig, "schedule %s: set exactly one of cron and interval", s.ID)
		}
	}
	return nil
}
