package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/EthanQC/realtime/pkg/zlog"
)

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type HeartbeatConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`        // 超过该时间没有心跳即关闭
	CheckInterval time.Duration `mapstructure:"check_interval"` // 扫描周期
}

type FanoutConfig struct {
	SendBuffer    int  `mapstructure:"send_buffer"`    // 每个会话的发送队列长度
	AutoBroadcast bool `mapstructure:"auto_broadcast"` // 握手后自动订阅 broadcast
}

type PresenceConfig struct {
	Audience    string        `mapstructure:"audience"` // broadcast|contacts
	TTL         time.Duration `mapstructure:"ttl"`
	LastSeenTTL time.Duration `mapstructure:"last_seen_ttl"`
	Retention   time.Duration `mapstructure:"retention"` // 离线身份在内存中的保留时长
}

type WSConfig struct {
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"` // 为空时不校验
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type MySQLConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DSN          string `mapstructure:"dsn"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	Topic   string   `mapstructure:"topic"`
}

type InternalConfig struct {
	Key   string `mapstructure:"key"`    // 为空时不校验 X-Internal-Key
	QPS   int64  `mapstructure:"qps"`    // /internal/events 全局 QPS
	IPQPS int64  `mapstructure:"ip_qps"` // 单 IP QPS，同时用于 /ws 握手
	Burst int64  `mapstructure:"burst"`
}

// Config 服务配置
type Config struct {
	Env       string          `mapstructure:"-"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       zlog.Config     `mapstructure:"log"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Fanout    FanoutConfig    `mapstructure:"fanout"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	WS        WSConfig        `mapstructure:"ws"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Internal  InternalConfig  `mapstructure:"internal"`
}

// Load 按 APP_ENV 查找 configs/config.<env>.yaml
func Load() (*Config, error) {
	env := appEnv()

	v := newViper()
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath("../../configs")

	cfg, err := read(v)
	if err != nil {
		return nil, err
	}
	cfg.Env = env
	return cfg, nil
}

// LoadFile 读取指定配置文件
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	cfg, err := read(v)
	if err != nil {
		return nil, err
	}
	cfg.Env = appEnv()
	return cfg, nil
}

func appEnv() string {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env
	}
	return "dev"
}

func newViper() *viper.Viper {
	v := viper.New()
	// REALTIME_SERVER_HTTP_PORT 覆盖 server.http_port
	v.SetEnvPrefix("REALTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8084)
	v.SetDefault("server.grpc_port", 9094)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.service", "realtime")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_backups", 60)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.enable_metric", true)

	v.SetDefault("heartbeat.timeout", 90*time.Second)
	v.SetDefault("heartbeat.check_interval", 5*time.Second)

	v.SetDefault("fanout.send_buffer", 256)
	v.SetDefault("fanout.auto_broadcast", true)

	v.SetDefault("presence.audience", "broadcast")
	v.SetDefault("presence.ttl", 5*time.Minute)
	v.SetDefault("presence.last_seen_ttl", 7*24*time.Hour)
	v.SetDefault("presence.retention", 10*time.Minute)

	v.SetDefault("ws.write_wait", 10*time.Second)
	v.SetDefault("ws.pong_wait", 60*time.Second)
	v.SetDefault("ws.ping_period", 30*time.Second)
	v.SetDefault("ws.max_message_size", 64*1024)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.max_open_conns", 50)

	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.group_id", "realtime")
	v.SetDefault("kafka.topic", "im.realtime.events")

	v.SetDefault("internal.qps", 1000)
	v.SetDefault("internal.ip_qps", 50)
	v.SetDefault("internal.burst", 10)
}

func read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 严格校验
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("server.grpc_port out of range: %d", c.Server.GRPCPort))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Heartbeat.Timeout <= 0 || c.Heartbeat.CheckInterval <= 0 {
		errs = append(errs, errors.New("heartbeat.timeout and heartbeat.check_interval must be positive"))
	}
	if c.Fanout.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("fanout.send_buffer must be positive, got %d", c.Fanout.SendBuffer))
	}
	switch c.Presence.Audience {
	case "broadcast", "contacts":
	default:
		errs = append(errs, fmt.Errorf("presence.audience must be broadcast or contacts, got %q", c.Presence.Audience))
	}
	if c.Presence.Audience == "contacts" && !c.MySQL.Enabled {
		errs = append(errs, errors.New("presence.audience=contacts requires mysql.enabled"))
	}
	if c.WS.PingPeriod <= 0 || c.WS.PingPeriod >= c.WS.PongWait {
		errs = append(errs, errors.New("ws.ping_period must be positive and shorter than ws.pong_wait"))
	}
	if c.WS.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("ws.max_message_size must be positive"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret must not be empty"))
	}
	if c.MySQL.Enabled && c.MySQL.DSN == "" {
		errs = append(errs, errors.New("mysql.dsn is required when mysql is enabled"))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" || c.Kafka.GroupID == "") {
		errs = append(errs, errors.New("kafka.brokers, kafka.topic and kafka.group_id are required when kafka is enabled"))
	}

	return errors.Join(errs...)
}
