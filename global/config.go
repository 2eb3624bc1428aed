package global

import (
	"os"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/lamyinia/TellYou-sub000/module/message/fanout"
	"github.com/lamyinia/TellYou-sub000/module/message/outbox"
	"github.com/lamyinia/TellYou-sub000/service/gateway"
	"github.com/lamyinia/TellYou-sub000/service/kafka"
	"github.com/lamyinia/TellYou-sub000/service/mgo"
	redis "github.com/lamyinia/TellYou-sub000/service/storage/redis"
)

// 节点角色：gateway 节点终结长连接，data 节点跑存储/出箱/分发/拉取。
const (
	NodeGateway = "gateway"
	NodeData    = "data"
)

// GatewayConfig 是 yaml 里的网关段；时长统一用 ms/sec 整数承载。
type GatewayConfig struct {
	GatewayID      string `yaml:"gateway_id"`
	TCPAddr        string `yaml:"tcp_addr"`
	WSAddr         string `yaml:"ws_addr"`
	HeartbeatMs    int64  `yaml:"heartbeat_ms"`
	IdleTimeoutSec int64  `yaml:"idle_timeout_sec"`
	AuthTimeoutSec int64  `yaml:"auth_timeout_sec"`
	RouteTTLSec    int64  `yaml:"route_ttl_sec"`
	MaxBody        uint32 `yaml:"max_body"`
	SendBuf        int    `yaml:"send_buf"`
}

type WorkerConfig struct {
	IntervalMs    int64 `yaml:"interval_ms"`
	BatchSize     int   `yaml:"batch_size"`
	Workers       int   `yaml:"workers"`
	MaxRetry      int32 `yaml:"max_retry"`
	BackoffCapSec int64 `yaml:"backoff_cap_sec"`
	VisTimeoutSec int64 `yaml:"vis_timeout_sec"`
}

type PullConfig struct {
	Addr        string `yaml:"addr"`
	RequireAuth bool   `yaml:"require_auth"`
}

type Config struct {
	NodeType   string        `yaml:"node_type"`
	NodeID     int64         `yaml:"node_id"`
	JwtSecret  string        `yaml:"jwt_secret"`
	Mongo      mgo.Config    `yaml:"mongo"`
	Redis      redis.Config  `yaml:"redis"`
	Kafka      kafka.Config  `yaml:"kafka"`
	Gateway    GatewayConfig `yaml:"gateway"`
	Outbox     WorkerConfig  `yaml:"outbox"`
	Fanout     WorkerConfig  `yaml:"fanout"`
	Pull       PullConfig    `yaml:"pull"`
	MaxRetries int32         `yaml:"max_retries"`
}

var conf Config

// Load 读取 yaml 配置文件并填入进程级配置。
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if c.NodeType == "" {
		c.NodeType = NodeData
	}
	conf = c
	return &conf, nil
}

func Conf() *Config { return &conf }

func GetJwtSecret() []byte { return []byte(conf.JwtSecret) }

// GatewayServerConfig 把 yaml 整数时长转换成网关运行时配置。
func (c *Config) GatewayServerConfig() gateway.Config {
	g := c.Gateway
	return gateway.Config{
		GatewayID:   g.GatewayID,
		TCPAddr:     g.TCPAddr,
		WSAddr:      g.WSAddr,
		AuthSecret:  c.JwtSecret,
		HeartbeatMs: g.HeartbeatMs,
		IdleTimeout: secDur(g.IdleTimeoutSec),
		AuthTimeout: secDur(g.AuthTimeoutSec),
		RouteTTLSec: g.RouteTTLSec,
		MaxBody:     g.MaxBody,
		SendBuf:     g.SendBuf,
	}
}

func (c *Config) OutboxConfig() outbox.Config {
	w := c.Outbox
	return outbox.Config{
		Interval:      msDur(w.IntervalMs),
		BatchSize:     w.BatchSize,
		Workers:       w.Workers,
		MaxRetry:      w.MaxRetry,
		BackoffCapSec: w.BackoffCapSec,
		VisTimeout:    secDur(w.VisTimeoutSec),
	}
}

func (c *Config) FanoutConfig() fanout.Config {
	w := c.Fanout
	return fanout.Config{
		Interval:      msDur(w.IntervalMs),
		BatchSize:     w.BatchSize,
		MaxRetry:      w.MaxRetry,
		BackoffCapSec: w.BackoffCapSec,
		VisTimeout:    secDur(w.VisTimeoutSec),
	}
}

func secDur(sec int64) time.Duration { return time.Duration(sec) * time.Second }
func msDur(ms int64) time.Duration   { return time.Duration(ms) * time.Millisecond }
