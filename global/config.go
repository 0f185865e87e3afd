package global

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	decode "MChat/tools/decode"
	errs "MChat/tools/errs"
)

// AppConfig is the one config object the binary runs on. Values come
// from an optional JSON file overridden by environment variables; a
// missing file falls back to local-dev defaults.
type AppConfig struct {
	Gateway GatewayConf `mapstructure:"gateway" json:"gateway"`
	Mongo   MongoConf   `mapstructure:"mongo" json:"mongo"`
	Redis   RedisConf   `mapstructure:"redis" json:"redis"`
	Nats    NatsConf    `mapstructure:"nats" json:"nats"`
	Kafka   KafkaConf   `mapstructure:"kafka" json:"kafka"`
	JWT     JWTConf     `mapstructure:"jwt" json:"jwt"`
}

type GatewayConf struct {
	ID          string        `mapstructure:"id" json:"id"`
	Listen      string        `mapstructure:"listen" json:"listen"`
	NodeID      int64         `mapstructure:"nodeId" json:"nodeId"`
	AuthTimeout time.Duration `mapstructure:"authTimeout" json:"authTimeout"`
}

type MongoConf struct {
	URI      string `mapstructure:"uri" json:"uri"`
	Database string `mapstructure:"database" json:"database"`
}

type RedisConf struct {
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"password"`
	DB       int    `mapstructure:"db" json:"db"`
}

type NatsConf struct {
	Servers []string `mapstructure:"servers" json:"servers"`
	Enabled bool     `mapstructure:"enabled" json:"enabled"`
}

type KafkaConf struct {
	Brokers []string `mapstructure:"brokers" json:"brokers"`
	Enabled bool     `mapstructure:"enabled" json:"enabled"`
}

type JWTConf struct {
	Secret string `mapstructure:"secret" json:"secret"`
}

func defaults() *AppConfig {
	return &AppConfig{
		Gateway: GatewayConf{
			ID:          "gw-1",
			Listen:      ":8080",
			NodeID:      1,
			AuthTimeout: 30 * time.Second,
		},
		Mongo: MongoConf{URI: "mongodb://localhost:27017", Database: "mchat"},
		Redis: RedisConf{Addr: "127.0.0.1:6379"},
		Nats:  NatsConf{Servers: []string{"nats://127.0.0.1:4222"}},
		Kafka: KafkaConf{Brokers: []string{"127.0.0.1:9092"}},
		JWT:   JWTConf{Secret: "dev-secret-change-me"},
	}
}

// Load reads path (optional) and applies env overrides. The file is
// parsed into a loose map first and decoded through mapstructure, so
// partial files only override what they name.
func Load(path string) (*AppConfig, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errs.WrapMsg(err, "read config %s", path)
			}
		} else {
			var raw map[string]any
			if err := json.Unmarshal(data, &raw); err != nil {
				return nil, errs.WrapMsg(err, "parse config %s", path)
			}
			fileCfg, err := decode.DecodeMap[AppConfig](raw)
			if err != nil {
				return nil, errs.WrapMsg(err, "decode config %s", path)
			}
			merge(cfg, fileCfg)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func merge(dst, src *AppConfig) {
	if src.Gateway.ID != "" {
		dst.Gateway.ID = src.Gateway.ID
	}
	if src.Gateway.Listen != "" {
		dst.Gateway.Listen = src.Gateway.Listen
	}
	if src.Gateway.NodeID != 0 {
		dst.Gateway.NodeID = src.Gateway.NodeID
	}
	if src.Gateway.AuthTimeout != 0 {
		dst.Gateway.AuthTimeout = src.Gateway.AuthTimeout
	}
	if src.Mongo.URI != "" {
		dst.Mongo.URI = src.Mongo.URI
	}
	if src.Mongo.Database != "" {
		dst.Mongo.Database = src.Mongo.Database
	}
	if src.Redis.Addr != "" {
		dst.Redis = src.Redis
	}
	if len(src.Nats.Servers) > 0 {
		dst.Nats.Servers = src.Nats.Servers
	}
	dst.Nats.Enabled = src.Nats.Enabled
	if len(src.Kafka.Brokers) > 0 {
		dst.Kafka.Brokers = src.Kafka.Brokers
	}
	dst.Kafka.Enabled = src.Kafka.Enabled
	if src.JWT.Secret != "" {
		dst.JWT.Secret = src.JWT.Secret
	}
}

func applyEnv(cfg *AppConfig) {
	if v := os.Getenv("GATEWAY_ID"); v != "" {
		cfg.Gateway.ID = v
	}
	if v := os.Getenv("GATEWAY_LISTEN"); v != "" {
		cfg.Gateway.Listen = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("MONGO_DB"); v != "" {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("NATS_SERVERS"); v != "" {
		cfg.Nats.Servers = strings.Split(v, ",")
		cfg.Nats.Enabled = true
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWT.Secret = v
	}
}

// JwtSecret returns the signing key as bytes.
func (c *AppConfig) JwtSecret() []byte { return []byte(c.JWT.Secret) }
