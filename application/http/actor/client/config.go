package client

import (
	"crypto/x509"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Settings is the serialisable part of a [Config].
type Settings struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`

	SSL                bool   `yaml:"ssl"`
	KeyStorePath       string `yaml:"key_store_path"`
	KeyStorePassword   string `yaml:"key_store_password"`
	TrustStorePath     string `yaml:"trust_store_path"`
	TrustStorePassword string `yaml:"trust_store_password"`
	TrustAll           bool   `yaml:"trust_all"`

	MaxPoolSize     uint `yaml:"max_pool_size"`
	KeepAlive       bool `yaml:"keep_alive"`
	Pipelining      bool `yaml:"pipelining"`
	PipeliningLimit uint `yaml:"pipelining_limit"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// IdleTimeout evicts connections idle for longer. Zero keeps them forever.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	NoDelay           bool `yaml:"no_delay"`
	SendBufferSize    int  `yaml:"send_buffer_size"`
	ReceiveBufferSize int  `yaml:"receive_buffer_size"`
	TCPKeepAlive      bool `yaml:"tcp_keep_alive"`
	ReuseAddress      bool `yaml:"reuse_address"`
	SoLinger          int  `yaml:"so_linger"`
	TrafficClass      int  `yaml:"traffic_class"`

	// BossThreads bounds how many connects may be in progress at once.
	BossThreads uint `yaml:"boss_threads"`
	// MaxConnectRate limits new connections per second. Zero is unlimited.
	MaxConnectRate float64 `yaml:"max_connect_rate"`
	// GracefulClose lets active connections finish their pending responses on Close.
	GracefulClose bool `yaml:"graceful_close"`

	MaxWebSocketFrameSize uint `yaml:"max_websocket_frame_size"`
}

// Config is a chainable builder for client settings.
// [New] copies it, so changes made afterwards don't reach existing clients.
type Config struct {
	s          Settings
	verifyPeer func(chain []*x509.Certificate) error
}

func DefaultSettings() Settings {
	return Settings{
		Host:                  "localhost",
		Port:                  80,
		MaxPoolSize:           5,
		KeepAlive:             true,
		PipeliningLimit:       10,
		ConnectTimeout:        60 * time.Second,
		NoDelay:               true,
		ReuseAddress:          true,
		SoLinger:              -1,
		TrafficClass:          -1,
		BossThreads:           1,
		MaxWebSocketFrameSize: 65536,
	}
}

func NewConfig() *Config { return &Config{s: DefaultSettings()} }

// ConfigFrom wraps s.
func ConfigFrom(s Settings) *Config { return &Config{s: s} }

func (c *Config) Settings() Settings { return c.s }

func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

func (c *Config) SetHost(v string) *Config                  { c.s.Host = v; return c }
func (c *Config) SetPort(v uint16) *Config                  { c.s.Port = v; return c }
func (c *Config) SetSSL(v bool) *Config                     { c.s.SSL = v; return c }
func (c *Config) SetKeyStorePath(v string) *Config          { c.s.KeyStorePath = v; return c }
func (c *Config) SetKeyStorePassword(v string) *Config      { c.s.KeyStorePassword = v; return c }
func (c *Config) SetTrustStorePath(v string) *Config        { c.s.TrustStorePath = v; return c }
func (c *Config) SetTrustStorePassword(v string) *Config    { c.s.TrustStorePassword = v; return c }
func (c *Config) SetTrustAll(v bool) *Config                { c.s.TrustAll = v; return c }
func (c *Config) SetMaxPoolSize(v uint) *Config             { c.s.MaxPoolSize = v; return c }
func (c *Config) SetKeepAlive(v bool) *Config               { c.s.KeepAlive = v; return c }
func (c *Config) SetPipelining(v bool) *Config              { c.s.Pipelining = v; return c }
func (c *Config) SetPipeliningLimit(v uint) *Config         { c.s.PipeliningLimit = v; return c }
func (c *Config) SetConnectTimeout(v time.Duration) *Config { c.s.ConnectTimeout = v; return c }
func (c *Config) SetIdleTimeout(v time.Duration) *Config    { c.s.IdleTimeout = v; return c }
func (c *Config) SetNoDelay(v bool) *Config                 { c.s.NoDelay = v; return c }
func (c *Config) SetSendBufferSize(v int) *Config           { c.s.SendBufferSize = v; return c }
func (c *Config) SetReceiveBufferSize(v int) *Config        { c.s.ReceiveBufferSize = v; return c }
func (c *Config) SetTCPKeepAlive(v bool) *Config            { c.s.TCPKeepAlive = v; return c }
func (c *Config) SetReuseAddress(v bool) *Config            { c.s.ReuseAddress = v; return c }
func (c *Config) SetSoLinger(v int) *Config                 { c.s.SoLinger = v; return c }
func (c *Config) SetTrafficClass(v int) *Config             { c.s.TrafficClass = v; return c }
func (c *Config) SetBossThreads(v uint) *Config             { c.s.BossThreads = v; return c }
func (c *Config) SetMaxConnectRate(v float64) *Config       { c.s.MaxConnectRate = v; return c }
func (c *Config) SetGracefulClose(v bool) *Config           { c.s.GracefulClose = v; return c }
func (c *Config) SetMaxWebSocketFrameSize(v uint) *Config   { c.s.MaxWebSocketFrameSize = v; return c }

// SetVerifyPeer installs a hook called with the server chain, leaf first.
// It runs after the standard verification and can reject the peer.
func (c *Config) SetVerifyPeer(fn func(chain []*x509.Certificate) error) *Config {
	c.verifyPeer = fn
	return c
}

func (c *Config) Host() string                  { return c.s.Host }
func (c *Config) Port() uint16                  { return c.s.Port }
func (c *Config) SSL() bool                     { return c.s.SSL }
func (c *Config) KeyStorePath() string          { return c.s.KeyStorePath }
func (c *Config) KeyStorePassword() string      { return c.s.KeyStorePassword }
func (c *Config) TrustStorePath() string        { return c.s.TrustStorePath }
func (c *Config) TrustStorePassword() string    { return c.s.TrustStorePassword }
func (c *Config) TrustAll() bool                { return c.s.TrustAll }
func (c *Config) MaxPoolSize() uint             { return c.s.MaxPoolSize }
func (c *Config) KeepAlive() bool               { return c.s.KeepAlive }
func (c *Config) Pipelining() bool              { return c.s.Pipelining }
func (c *Config) PipeliningLimit() uint         { return c.s.PipeliningLimit }
func (c *Config) ConnectTimeout() time.Duration { return c.s.ConnectTimeout }
func (c *Config) IdleTimeout() time.Duration    { return c.s.IdleTimeout }
func (c *Config) NoDelay() bool                 { return c.s.NoDelay }
func (c *Config) SendBufferSize() int           { return c.s.SendBufferSize }
func (c *Config) ReceiveBufferSize() int        { return c.s.ReceiveBufferSize }
func (c *Config) TCPKeepAlive() bool            { return c.s.TCPKeepAlive }
func (c *Config) ReuseAddress() bool            { return c.s.ReuseAddress }
func (c *Config) SoLinger() int                 { return c.s.SoLinger }
func (c *Config) TrafficClass() int             { return c.s.TrafficClass }
func (c *Config) BossThreads() uint             { return c.s.BossThreads }
func (c *Config) MaxConnectRate() float64       { return c.s.MaxConnectRate }
func (c *Config) GracefulClose() bool           { return c.s.GracefulClose }
func (c *Config) MaxWebSocketFrameSize() uint   { return c.s.MaxWebSocketFrameSize }

func (c *Config) VerifyPeer() func(chain []*x509.Certificate) error { return c.verifyPeer }

// maxSeats is how many requests a single connection may carry at once.
func (c *Config) maxSeats() uint {
	if c.s.Pipelining {
		return c.s.PipeliningLimit
	}
	return 1
}

// Validate reports the first setting that can't work.
func (c *Config) Validate() error {
	switch {
	case c.s.Host == "":
		return errors.New("host is required")
	case c.s.Port == 0:
		return errors.New("port must be positive")
	case c.s.MaxPoolSize == 0:
		return errors.New("max_pool_size must be positive")
	case c.s.Pipelining && c.s.PipeliningLimit == 0:
		return errors.New("pipelining_limit must be positive when pipelining")
	case c.s.ConnectTimeout < 0:
		return errors.New("connect_timeout must not be negative")
	case c.s.IdleTimeout < 0:
		return errors.New("idle_timeout must not be negative")
	case c.s.BossThreads == 0:
		return errors.New("boss_threads must be positive")
	case c.s.MaxConnectRate < 0:
		return errors.New("max_connect_rate must not be negative")
	case c.s.MaxWebSocketFrameSize == 0:
		return errors.New("max_websocket_frame_size must be positive")
	}
	return nil
}

// UnmarshalYAML overlays the document on the current settings,
// so keys missing from it keep their values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	s := c.s
	if err := value.Decode(&s); err != nil {
		return err
	}
	c.s = s
	return nil
}

func (c *Config) MarshalYAML() (any, error) { return c.s, nil }

// ParseConfig reads YAML settings on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return cfg, nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return ParseConfig(data)
}
