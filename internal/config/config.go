package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Log     LogConfig     `mapstructure:"log"`

	Fetch FetchConfig
}

type ServerConfig struct {
	Name       string `mapstructure:"name"`
	KeyID      string `mapstructure:"key_id"`
	KeyFile    string `mapstructure:"key_file"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

type IngestConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Socket   SocketConfig   `mapstructure:"socket"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topics  []string `mapstructure:"topics"`
	GroupID string   `mapstructure:"group_id"`
}

type RabbitMQConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Queue   string `mapstructure:"queue"`
}

type SocketConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Network   string `mapstructure:"network"`
	Address   string `mapstructure:"address"`
	Path      string `mapstructure:"path"`
	AuthToken string `mapstructure:"auth_token"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// FetchConfig carries the fetch unit's tunables. The keys keep their
// original dotted names in the config file and environment.
type FetchConfig struct {
	Enable         bool
	Timeout        time.Duration
	RequestsMax    int
	CheckEventID   bool
	CheckConforms  bool
	CheckSignature bool
}

const (
	keyFetchEnable         = "ircd.m.fetch.enable"
	keyFetchTimeout        = "ircd.m.fetch.timeout"
	keyFetchRequestsMax    = "ircd.m.fetch.requests.max"
	keyFetchCheckEventID   = "ircd.m.fetch.check.event_id"
	keyFetchCheckConforms  = "ircd.m.fetch.check.conforms"
	keyFetchCheckSignature = "ircd.m.fetch.check.signature"
)

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("construct")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	cfg.Fetch = FetchConfig{
		Enable:         v.GetBool(keyFetchEnable),
		Timeout:        time.Duration(v.GetInt(keyFetchTimeout)) * time.Second,
		RequestsMax:    v.GetInt(keyFetchRequestsMax),
		CheckEventID:   v.GetBool(keyFetchCheckEventID),
		CheckConforms:  v.GetBool(keyFetchCheckConforms),
		CheckSignature: v.GetBool(keyFetchCheckSignature),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.key_id", "ed25519:0")
	v.SetDefault("server.listen_addr", ":8448")
	v.SetDefault("storage.dir", "./data")
	v.SetDefault("log.level", "info")

	v.SetDefault("ingest.socket.network", "tcp")
	v.SetDefault("ingest.socket.address", "127.0.0.1:7778")

	v.SetDefault(keyFetchEnable, true)
	v.SetDefault(keyFetchTimeout, 5)
	v.SetDefault(keyFetchRequestsMax, 256)
	v.SetDefault(keyFetchCheckEventID, true)
	v.SetDefault(keyFetchCheckConforms, false)
	v.SetDefault(keyFetchCheckSignature, true)
}

func (c Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if !strings.HasPrefix(c.Server.KeyID, "ed25519:") {
		return errors.New("server.key_id must name an ed25519 key")
	}
	if c.Fetch.Timeout <= 0 {
		return errors.New("ircd.m.fetch.timeout must be positive")
	}
	if c.Fetch.RequestsMax <= 0 {
		return errors.New("ircd.m.fetch.requests.max must be positive")
	}
	if c.Ingest.Kafka.Enabled {
		if len(c.Ingest.Kafka.Brokers) == 0 {
			return errors.New("ingest.kafka.brokers is required")
		}
		if len(c.Ingest.Kafka.Topics) == 0 {
			return errors.New("ingest.kafka.topics is required")
		}
		if c.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka.group_id is required")
		}
	}
	if c.Ingest.RabbitMQ.Enabled {
		if c.Ingest.RabbitMQ.URL == "" {
			return errors.New("ingest.rabbitmq.url is required")
		}
		if c.Ingest.RabbitMQ.Queue == "" {
			return errors.New("ingest.rabbitmq.queue is required")
		}
	}
	if c.Ingest.Socket.Enabled {
		switch c.Ingest.Socket.Network {
		case "tcp":
			if c.Ingest.Socket.Address == "" {
				return errors.New("ingest.socket.address is required")
			}
		case "unix":
			if c.Ingest.Socket.Path == "" {
				return errors.New("ingest.socket.path is required")
			}
		default:
			return errors.New("ingest.socket.network must be tcp or unix")
		}
	}
	return nil
}
