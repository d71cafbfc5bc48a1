package main

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Host      string `json:"host" yaml:"host" mapstructure:"host"`
	AdminHost string `json:"admin_host" yaml:"admin_host" mapstructure:"admin_host"`
	PprofHost string `json:"pprof_host" yaml:"pprof_host" mapstructure:"pprof_host"`
	Name      string `json:"name" yaml:"name" mapstructure:"name"`

	Log      LogConfig      `json:"log" yaml:"log" mapstructure:"log"`
	Client   ClientConfig   `json:"client" yaml:"client" mapstructure:"client"`
	Bus      BusConfig      `json:"bus" yaml:"bus" mapstructure:"bus"`
	Store    StoreConfig    `json:"store" yaml:"store" mapstructure:"store"`
	Sequence SequenceConfig `json:"sequence" yaml:"sequence" mapstructure:"sequence"`
	Redis    RedisConfig    `json:"redis" yaml:"redis" mapstructure:"redis"`
	Nats     NatsConfig     `json:"nats" yaml:"nats" mapstructure:"nats"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres" mapstructure:"postgres"`
	Mongo    MongoConfig    `json:"mongo" yaml:"mongo" mapstructure:"mongo"`
}

type LogConfig struct {
	Level       string `json:"level" yaml:"level" mapstructure:"level"`
	Development bool   `json:"development" yaml:"development" mapstructure:"development"`
	// Path enables a rotating log file next to stderr, e.g. ./logs/relay.%Y%m%d.log
	Path         string        `json:"path" yaml:"path" mapstructure:"path"`
	MaxAge       time.Duration `json:"max_age" yaml:"max_age" mapstructure:"max_age"`
	RotationTime time.Duration `json:"rotation_time" yaml:"rotation_time" mapstructure:"rotation_time"`
}

type ClientConfig struct {
	ReadMessageSizeLimit int64         `json:"read_message_size_limit" yaml:"read_message_size_limit" mapstructure:"read_message_size_limit"`
	Compression          bool          `json:"compression" yaml:"compression" mapstructure:"compression"`
	CompressionLevel     int           `json:"compression_level" yaml:"compression_level" mapstructure:"compression_level"`
	ReadBufferSize       int           `json:"read_buffer_size" yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize      int           `json:"write_buffer_size" yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	SendQueue            int           `json:"send_queue" yaml:"send_queue" mapstructure:"send_queue"`
	RequestTimeout       time.Duration `json:"request_timeout" yaml:"request_timeout" mapstructure:"request_timeout"`
}

type BusConfig struct {
	// Driver is one of memory, redis, nats.
	Driver string `json:"driver" yaml:"driver" mapstructure:"driver"`
	// Prefix is prepended to the channel id to form the topic.
	Prefix string `json:"prefix" yaml:"prefix" mapstructure:"prefix"`
}

type StoreConfig struct {
	// Driver is one of memory, postgres, mongo.
	Driver string `json:"driver" yaml:"driver" mapstructure:"driver"`
}

type SequenceConfig struct {
	// Driver is one of memory, redis, postgres, mongo.
	Driver string `json:"driver" yaml:"driver" mapstructure:"driver"`
}

type RedisConfig struct {
	Host     string `json:"host" yaml:"host" mapstructure:"host"`
	Password string `json:"password" yaml:"password" mapstructure:"password"`
	DB       int    `json:"db" yaml:"db" mapstructure:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size" mapstructure:"pool_size"`
}

type NatsConfig struct {
	Servers []string `json:"servers" yaml:"servers" mapstructure:"servers"`
}

type PostgresConfig struct {
	DSN   string `json:"dsn" yaml:"dsn" mapstructure:"dsn"`
	DBLog bool   `json:"dblog" yaml:"dblog" mapstructure:"dblog"`
}

type MongoConfig struct {
	URI         string `json:"uri" yaml:"uri" mapstructure:"uri"`
	Database    string `json:"database" yaml:"database" mapstructure:"database"`
	MaxPoolSize uint64 `json:"max_pool_size" yaml:"max_pool_size" mapstructure:"max_pool_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", ":8080")
	v.SetDefault("admin_host", "127.0.0.1:8081")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_age", 30*24*time.Hour)
	v.SetDefault("log.rotation_time", 24*time.Hour)
	v.SetDefault("client.read_message_size_limit", 64*1024)
	v.SetDefault("client.read_buffer_size", 1024)
	v.SetDefault("client.write_buffer_size", 1024)
	v.SetDefault("client.send_queue", 64)
	v.SetDefault("client.request_timeout", 5*time.Second)
	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.prefix", "chat:channel:")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("sequence.driver", "memory")
	v.SetDefault("redis.host", "127.0.0.1:6379")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("nats.servers", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("mongo.database", "relay")
}

// loadConfig reads config.yaml from path (or the working directory when path
// is empty). Every key can be overridden from the environment, with "." in
// the key replaced by "_" (e.g. BUS_DRIVER=redis).
func loadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./")
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return Config{}, err
		}
	}

	cfg := Config{}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Name == "" {
		cfg.Name = time.Now().Format("Node-20060102150405")
	}
	return cfg, nil
}
