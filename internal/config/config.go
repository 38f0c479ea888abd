package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Events    EventsConfig    `mapstructure:"events"`
	ESP       ESPConfig       `mapstructure:"esp"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	MDNS      MDNSConfig      `mapstructure:"mdns"`
	Assistant AssistantConfig `mapstructure:"assistant"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig: an empty URL selects the in-memory store. Seed names an
// optional provisioning file of rooms and devices.
type DatabaseConfig struct {
	URL  string `mapstructure:"url"`
	Seed string `mapstructure:"seed"`
}

// RedisConfig: an empty address disables the state cache and notification queue.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type MQTTConfig struct {
	Broker      string        `mapstructure:"broker"`
	ClientID    string        `mapstructure:"client_id"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	QoS         byte          `mapstructure:"qos"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type SchedulerConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type EventsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

type ESPConfig struct {
	Serial SerialConfig `mapstructure:"serial"`
}

// SerialConfig: an empty port disables the serial bridge.
type SerialConfig struct {
	Port         string `mapstructure:"port"`
	Baud         int    `mapstructure:"baud"`
	RoomID       string `mapstructure:"room_id"`
	RoomPassword string `mapstructure:"room_password"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type MDNSConfig struct {
	LocalName string `mapstructure:"local_name"`
}

type AssistantConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "homehub")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.url", "")
	v.SetDefault("database.seed", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "homehub")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "home-automation")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.timeout", 5*time.Second)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("scheduler.sweep_interval", time.Minute)
	v.SetDefault("events.buffer", 64)
	v.SetDefault("esp.serial.port", "")
	v.SetDefault("esp.serial.baud", 115200)
	v.SetDefault("esp.serial.room_id", "")
	v.SetDefault("esp.serial.room_password", "")
	v.SetDefault("telegram.token", "")
	v.SetDefault("mdns.local_name", "")
	v.SetDefault("assistant.enabled", true)
}

// LoadConfig reads configuration from config.yaml, .env, or env vars
func LoadConfig() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.Scheduler.SweepInterval <= 0 {
		cfg.Scheduler.SweepInterval = time.Minute
	}
	if cfg.Events.Buffer <= 0 {
		cfg.Events.Buffer = 64
	}
	return &cfg, nil
}
