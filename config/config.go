package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type HTTP struct {
	Addr            string        `yaml:"addr"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
}

func (h *HTTP) Validate() error {
	if h.Addr == "" {
		return errors.New("http.addr is required")
	}
	if h.RequestTimeout == 0 {
		h.RequestTimeout = 30 * time.Second
	}
	if h.ShutdownTimeout == 0 {
		h.ShutdownTimeout = 10 * time.Second
	}
	if len(h.AllowedOrigins) == 0 {
		h.AllowedOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}
	}
	return nil
}

type GRPC struct {
	Addr           string        `yaml:"addr"`
	CallTimeout    time.Duration `yaml:"callTimeout"`
	HealthInterval time.Duration `yaml:"healthInterval"`
}

func (g *GRPC) Validate() error {
	if g.Addr == "" {
		return errors.New("grpc.addr is required")
	}
	if g.CallTimeout == 0 {
		g.CallTimeout = 10 * time.Second
	}
	if g.HealthInterval == 0 {
		g.HealthInterval = 5 * time.Second
	}
	return nil
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // presence-service
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

func (l *Logging) Validate() error {
	if l.Service == "" {
		l.Service = "presence-service"
	}
	if l.Env == "" {
		l.Env = "dev"
	}
	if l.Version == "" {
		l.Version = "v0.1.0"
	}
	switch l.Backend {
	case "":
		l.Backend = "std"
	case "std", "zap":
	default:
		return fmt.Errorf("logging.backend %q: want std|zap", l.Backend)
	}
	return nil
}

type Redis struct {
	Addr        string        `yaml:"addr"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"poolSize"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	OpTimeout   time.Duration `yaml:"opTimeout"`
	KeyPrefix   string        `yaml:"keyPrefix"`
}

func (r *Redis) Validate() error {
	if r.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if r.DB < 0 {
		return errors.New("redis.db must be >= 0")
	}
	if r.DialTimeout == 0 {
		r.DialTimeout = 3 * time.Second
	}
	if r.OpTimeout == 0 {
		r.OpTimeout = 2 * time.Second
	}
	return nil
}

const (
	FanoutRedis = "redis"
	FanoutNATS  = "nats"
	FanoutLocal = "local"
)

type Fanout struct {
	Backend string `yaml:"backend"` // redis|nats|local
	Channel string `yaml:"channel"` // redis channel или nats subject
	NATSURL string `yaml:"natsURL"`
}

func (f *Fanout) Validate() error {
	switch f.Backend {
	case "":
		f.Backend = FanoutRedis
	case FanoutRedis, FanoutLocal:
	case FanoutNATS:
		if f.NATSURL == "" {
			return errors.New("fanout.natsURL is required for the nats backend")
		}
	default:
		return fmt.Errorf("fanout.backend %q: want redis|nats|local", f.Backend)
	}
	return nil
}

type Presence struct {
	TTL              time.Duration `yaml:"ttl"`
	Heartbeat        time.Duration `yaml:"heartbeat"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	CleanupTimeout   time.Duration `yaml:"cleanupTimeout"`
	InstanceID       string        `yaml:"instanceID"` // пусто: hostname-uuid
}

func (p *Presence) Validate() error {
	if p.TTL == 0 {
		p.TTL = 24 * time.Hour
	}
	if p.Heartbeat == 0 {
		p.Heartbeat = 15 * time.Second
	}
	if p.HandshakeTimeout == 0 {
		p.HandshakeTimeout = 10 * time.Second
	}
	if p.CleanupTimeout == 0 {
		p.CleanupTimeout = 5 * time.Second
	}
	if p.Heartbeat >= p.TTL {
		return errors.New("presence.heartbeat must be shorter than presence.ttl")
	}
	return nil
}

type Auth struct {
	PublicKeyPath string        `yaml:"publicKeyPath"` // RS256
	HMACSecret    string        `yaml:"hmacSecret"`    // HS256, только для локальной разработки
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	ClockSkew     time.Duration `yaml:"clockSkew"`
}

func (a *Auth) Validate() error {
	if a.PublicKeyPath == "" && a.HMACSecret == "" {
		return errors.New("auth.publicKeyPath or auth.hmacSecret is required")
	}
	if a.ClockSkew == 0 {
		a.ClockSkew = 30 * time.Second
	}
	return nil
}

type Query struct {
	PrivilegedRoles []string `yaml:"privilegedRoles"`
}

func (q *Query) Validate() error {
	if len(q.PrivilegedRoles) == 0 {
		q.PrivilegedRoles = []string{"admin", "teacher"}
	}
	for i, r := range q.PrivilegedRoles {
		q.PrivilegedRoles[i] = strings.TrimSpace(r)
	}
	return nil
}

type Debug struct {
	RingSize int `yaml:"ringSize"` // 0: /debug/events выключен
}

type Telemetry struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"` // host:port, пусто: без экспорта
	Insecure     bool   `yaml:"insecure"`
}

type Config struct {
	HTTP      HTTP      `yaml:"http"`
	GRPC      GRPC      `yaml:"grpc"`
	Logging   Logging   `yaml:"logging"`
	Redis     Redis     `yaml:"redis"`
	Fanout    Fanout    `yaml:"fanout"`
	Presence  Presence  `yaml:"presence"`
	Auth      Auth      `yaml:"auth"`
	Query     Query     `yaml:"query"`
	Debug     Debug     `yaml:"debug"`
	Telemetry Telemetry `yaml:"telemetry"`
}

func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	return Load(path)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	return errors.Join(
		c.HTTP.Validate(),
		c.GRPC.Validate(),
		c.Logging.Validate(),
		c.Redis.Validate(),
		c.Fanout.Validate(),
		c.Presence.Validate(),
		c.Auth.Validate(),
		c.Query.Validate(),
	)
}
