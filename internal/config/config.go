package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Log       LogConfig       `yaml:"log"`
	Network   NetworkConfig   `yaml:"network"`
	Multicast MulticastConfig `yaml:"multicast"`
	FrameLog  FrameLogConfig  `yaml:"frame_log"`
	KEKs      []KEKConfig     `yaml:"keks"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig represents database configuration. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// KafkaConfig represents Kafka configuration
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// MQTTConfig represents the application integration broker
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	EventTopic     string        `yaml:"event_topic"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NetworkConfig represents network server configuration
type NetworkConfig struct {
	NetID string `yaml:"net_id"`

	// KEKLabel names the KEK used when session keys are handed to the
	// application layer. Empty delivers them in the clear.
	KEKLabel string `yaml:"kek_label"`

	// ConfirmedTimeout is how long a confirmed downlink waits for its ACK.
	ConfirmedTimeout time.Duration `yaml:"confirmed_timeout"`

	DataRates []DataRateConfig `yaml:"data_rates"`
}

// DataRateConfig describes one data rate of the channel plan.
type DataRateConfig struct {
	Modulation      string `yaml:"modulation"`
	SpreadingFactor uint32 `yaml:"spreading_factor"`
	Bandwidth       uint32 `yaml:"bandwidth"`
	Bitrate         uint32 `yaml:"bitrate"`
	MaxPayloadSize  int    `yaml:"max_payload_size"`
}

// MulticastConfig represents multicast scheduling configuration
type MulticastConfig struct {
	ClassCDelay      time.Duration `yaml:"class_c_delay"`
	SchedulingMargin time.Duration `yaml:"scheduling_margin"`
	MinInterval      time.Duration `yaml:"min_interval"`
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	TxPower          int32         `yaml:"tx_power"`
}

// FrameLogConfig selects the frame log sinks
type FrameLogConfig struct {
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`
	RedisStream       string `yaml:"redis_stream"`
	RedisMaxLen       int64  `yaml:"redis_max_len"`
	KafkaTopic        string `yaml:"kafka_topic"`
}

// KEKConfig is a key-encryption key given as hex or as a passphrase
type KEKConfig struct {
	Label      string `yaml:"label"`
	KEK        string `yaml:"kek"`
	Passphrase string `yaml:"passphrase"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, then applies environment overrides and
// defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		c.Redis.Addr = redisAddr
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if netID := os.Getenv("NET_ID"); netID != "" {
		c.Network.NetID = netID
	}
}

func (c *Config) setDefaults() {
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8090
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Network.NetID == "" {
		c.Network.NetID = "000000"
	}
	if c.Network.ConfirmedTimeout == 0 {
		c.Network.ConfirmedTimeout = 60 * time.Second
	}
	if len(c.Network.DataRates) == 0 {
		c.Network.DataRates = DefaultDataRates()
	}
	if c.MQTT.EventTopic == "" {
		c.MQTT.EventTopic = "application/{{application_id}}/device/{{dev_eui}}/event/{{event}}"
	}
	if c.MQTT.PublishTimeout == 0 {
		c.MQTT.PublishTimeout = 5 * time.Second
	}
	if c.Multicast.ClassCDelay == 0 {
		c.Multicast.ClassCDelay = time.Second
	}
	if c.Multicast.SchedulingMargin == 0 {
		c.Multicast.SchedulingMargin = 5 * time.Second
	}
	if c.Multicast.MinInterval == 0 {
		c.Multicast.MinInterval = 2 * time.Second
	}
	if c.Multicast.DispatchInterval == 0 {
		c.Multicast.DispatchInterval = time.Second
	}
	if c.Multicast.TxPower == 0 {
		c.Multicast.TxPower = 14
	}
	if c.FrameLog.NATSSubjectPrefix == "" {
		c.FrameLog.NATSSubjectPrefix = "frame.log"
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	for i, dr := range c.Network.DataRates {
		switch dr.Modulation {
		case "LORA":
			if dr.SpreadingFactor == 0 || dr.Bandwidth == 0 {
				return fmt.Errorf("data rate %d: lora needs spreading_factor and bandwidth", i)
			}
		case "FSK":
			if dr.Bitrate == 0 {
				return fmt.Errorf("data rate %d: fsk needs bitrate", i)
			}
		default:
			return fmt.Errorf("data rate %d: unknown modulation %q", i, dr.Modulation)
		}
		if dr.MaxPayloadSize <= 0 {
			return fmt.Errorf("data rate %d: max_payload_size must be positive", i)
		}
	}
	return nil
}

// DefaultDataRates is the EU868 data rate table.
func DefaultDataRates() []DataRateConfig {
	return []DataRateConfig{
		{Modulation: "LORA", SpreadingFactor: 12, Bandwidth: 125000, MaxPayloadSize: 51},
		{Modulation: "LORA", SpreadingFactor: 11, Bandwidth: 125000, MaxPayloadSize: 51},
		{Modulation: "LORA", SpreadingFactor: 10, Bandwidth: 125000, MaxPayloadSize: 51},
		{Modulation: "LORA", SpreadingFactor: 9, Bandwidth: 125000, MaxPayloadSize: 115},
		{Modulation: "LORA", SpreadingFactor: 8, Bandwidth: 125000, MaxPayloadSize: 242},
		{Modulation: "LORA", SpreadingFactor: 7, Bandwidth: 125000, MaxPayloadSize: 242},
		{Modulation: "LORA", SpreadingFactor: 7, Bandwidth: 250000, MaxPayloadSize: 242},
		{Modulation: "FSK", Bitrate: 50000, MaxPayloadSize: 242},
	}
}
