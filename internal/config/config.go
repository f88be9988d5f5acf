// Package config loads the immutable server configuration. Unlike the
// original implementation's process-wide mutable `C` dict
// (qlib_server/config.py), a Config value here is built once at startup
// and threaded explicitly through every constructor — no package-level
// global state.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every key enumerated in spec.md §6.
type Config struct {
	// gateway (flask_server/flask_port/flask_ping_interval)
	GatewayHost         string        `toml:"gateway_host"`
	GatewayPort         int           `toml:"gateway_port"`
	GatewayPingInterval time.Duration `toml:"gateway_ping_interval"`

	// queue backend (queue_host/queue_user/queue_pwd/task_queue/message_queue)
	QueueHost    string `toml:"queue_host"`
	QueueUser    string `toml:"queue_user"`
	QueuePwd     string `toml:"queue_pwd"`
	TaskQueue    string `toml:"task_queue"`
	MessageQueue string `toml:"message_queue"`

	// worker pool
	MaxProcess        int           `toml:"max_process"`
	MaxConcurrency    int           `toml:"max_concurrency"`
	InactivityTimeout time.Duration `toml:"inactivity_timeout"`

	// client version acceptance
	ClientVersion string `toml:"client_version"`

	// logging
	LoggingLevel      string `toml:"logging_level"`
	LoggingJSON       bool   `toml:"logging_json"`
	LoggingFile       string `toml:"logging_file"`
	LogFilter         string `toml:"log_filter_pattern"`
	OtherLoggingLevel string `toml:"other_logging_level"`

	// provider passthrough
	ProviderURI          string `toml:"provider_uri"`
	DatasetCacheDirName  string `toml:"dataset_cache_dir_name"`
	FeaturesCacheDirName string `toml:"features_cache_dir_name"`

	// redis (redis_host/redis_port/redis_task_db)
	RedisHost   string `toml:"redis_host"`
	RedisPort   int    `toml:"redis_port"`
	RedisTaskDB int    `toml:"redis_task_db"`

	// metrics / health
	MetricsAddr string `toml:"metrics_addr"`
}

// Default returns the built-in defaults, mirroring _server_config in
// qlib_server/config.py.
func Default() Config {
	return Config{
		GatewayHost:         "0.0.0.0",
		GatewayPort:         9710,
		GatewayPingInterval: time.Second,

		QueueHost:    "localhost",
		QueueUser:    "guest",
		QueuePwd:     "guest",
		TaskQueue:    "qdata_task_queue",
		MessageQueue: "qdata_message_queue",

		MaxProcess:        10,
		MaxConcurrency:    10,
		InactivityTimeout: 5 * time.Second,

		ClientVersion: ">=0.4.0",

		LoggingLevel:      "debug",
		OtherLoggingLevel: "warn",

		RedisHost:   "localhost",
		RedisPort:   6379,
		RedisTaskDB: 1,

		MetricsAddr: ":9711",
	}
}

// Load reads and merges a TOML file on top of Default, rejecting unknown
// keys the way the original's Config.__getattr__ raises AttributeError
// for a key that was never declared in _server_config.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config: unknown key(s) in %s: %v", path, undecoded)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MaxProcess <= 0 {
		return fmt.Errorf("config: max_process must be positive, got %d", c.MaxProcess)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("config: max_concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.TaskQueue == "" || c.MessageQueue == "" {
		return fmt.Errorf("config: task_queue and message_queue must be set")
	}
	return nil
}

// RedisAddr returns the host:port form go-redis expects.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// AMQPURL returns the amqp:// connection string for the configured queue broker.
func (c Config) AMQPURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s/", c.QueueUser, c.QueuePwd, c.QueueHost)
}
