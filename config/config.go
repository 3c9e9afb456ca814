// Package config loads client, registry and logging settings from YAML.
package config

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"github.com/zrepl/yaml-config"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pbrpc/codec"
	"pbrpc/loadbalance"
	"pbrpc/protocol"
	"pbrpc/registry"
	"pbrpc/transport"
)

type Config struct {
	Client   *ClientConfig   `yaml:"client,optional,fromdefaults"`
	Registry *RegistryConfig `yaml:"registry,optional"`
	Services []ServiceConfig `yaml:"services,optional"`
	Balancer string          `yaml:"balancer,optional,default=round_robin"`
	Logging  *LoggingConfig  `yaml:"logging,optional,fromdefaults"`
}

type ClientConfig struct {
	ConnectTimeout                 time.Duration `yaml:"connect_timeout,optional,positive,default=5s"`
	OnceTalkTimeout                time.Duration `yaml:"once_talk_timeout,optional,positive,default=60s"`
	MaxConnections                 int           `yaml:"max_connections,optional,default=8"`
	MaxQueueSize                   int           `yaml:"max_queue_size,optional,default=1024"`
	InnerReusePool                 bool          `yaml:"inner_reuse_pool,optional,default=true"`
	ShareChannelPool               bool          `yaml:"share_channel_pool,optional,default=false"`
	ShareChannelPoolUnderEachProxy bool          `yaml:"share_channel_pool_under_each_proxy,optional,default=false"`
	LookupStubOnStartup            bool          `yaml:"lookup_stub_on_startup,optional,default=false"`
	PollInterval                   time.Duration `yaml:"poll_interval,optional,positive,default=10ms"`
	HeartbeatInterval              time.Duration `yaml:"heartbeat_interval,optional,default=30s"` // 0 disables
	ConnectRetries                 int           `yaml:"connect_retries,optional,default=2"`
	ConnectRetryInterval           time.Duration `yaml:"connect_retry_interval,optional,positive,default=100ms"`
	Codec                          string        `yaml:"codec,optional,default=json"`
	LateResponseCacheSize          int           `yaml:"late_response_cache_size,optional,default=256"`
	MaxRequestBodyLen              int           `yaml:"max_request_body_len,optional,default=67108864"`
}

// RegistryConfig selects etcd discovery.
type RegistryConfig struct {
	Endpoints      []string      `yaml:"endpoints"`
	DialTimeout    time.Duration `yaml:"dial_timeout,optional,positive,default=5s"`
	RequestTimeout time.Duration `yaml:"request_timeout,optional,positive,default=3s"`
	Prefix         string        `yaml:"prefix,optional,default=/pbrpc/"`
}

// ServiceConfig is a static address table entry, used when no registry is configured.
type ServiceConfig struct {
	Name      string           `yaml:"name"`
	Instances []InstanceConfig `yaml:"instances"`
}

type InstanceConfig struct {
	Addr    string `yaml:"addr"`
	Weight  int    `yaml:"weight,optional,default=1"`
	Version string `yaml:"version,optional"`
}

type LoggingConfig struct {
	Level  string `yaml:"level,optional,default=info"`
	Format string `yaml:"format,optional,default=json"` // json or console
}

func ParseConfig(path string) (*Config, error) {
	bytes, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return ParseConfigBytes(bytes)
}

func ParseConfigBytes(bytes []byte) (*Config, error) {
	var c *Config
	if err := yaml.UnmarshalStrict(bytes, &c); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errors.New("config is empty or only consists of comments")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports every problem of the configuration at once.
func (c *Config) Validate() error {
	var errs error
	if cc := c.Client; cc != nil {
		if cc.MaxConnections <= 0 {
			errs = multierr.Append(errs, errors.Errorf("client.max_connections must be positive, got %d", cc.MaxConnections))
		}
		if cc.MaxQueueSize <= 0 {
			errs = multierr.Append(errs, errors.Errorf("client.max_queue_size must be positive, got %d", cc.MaxQueueSize))
		}
		if cc.ConnectRetries < 0 {
			errs = multierr.Append(errs, errors.Errorf("client.connect_retries must not be negative, got %d", cc.ConnectRetries))
		}
		if cc.HeartbeatInterval < 0 {
			errs = multierr.Append(errs, errors.Errorf("client.heartbeat_interval must not be negative, got %s", cc.HeartbeatInterval))
		}
		if cc.LateResponseCacheSize <= 0 {
			errs = multierr.Append(errs, errors.Errorf("client.late_response_cache_size must be positive, got %d", cc.LateResponseCacheSize))
		}
		if cc.MaxRequestBodyLen <= 0 || cc.MaxRequestBodyLen > int(protocol.MaxBodyLen) {
			errs = multierr.Append(errs, errors.Errorf("client.max_request_body_len must be in (0, %d], got %d", protocol.MaxBodyLen, cc.MaxRequestBodyLen))
		}
		if _, err := codec.ParseCodecType(cc.Codec); err != nil {
			errs = multierr.Append(errs, errors.Wrap(err, "client.codec"))
		}
	}
	if r := c.Registry; r != nil {
		if len(r.Endpoints) == 0 {
			errs = multierr.Append(errs, errors.New("registry.endpoints must not be empty"))
		}
	}
	if _, err := loadbalance.New(c.Balancer); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "balancer"))
	}
	seen := make(map[string]bool)
	for _, s := range c.Services {
		if s.Name == "" {
			errs = multierr.Append(errs, errors.New("services: entry without name"))
			continue
		}
		if seen[s.Name] {
			errs = multierr.Append(errs, errors.Errorf("services: %q listed twice", s.Name))
		}
		seen[s.Name] = true
		for _, inst := range s.Instances {
			if _, _, err := loadbalance.SplitAddr(inst.Addr); err != nil {
				errs = multierr.Append(errs, errors.Wrapf(err, "services.%s", s.Name))
			}
		}
	}
	if l := c.Logging; l != nil {
		if _, err := zapcore.ParseLevel(l.Level); err != nil {
			errs = multierr.Append(errs, errors.Wrap(err, "logging.level"))
		}
		if l.Format != "json" && l.Format != "console" {
			errs = multierr.Append(errs, errors.Errorf("logging.format must be json or console, got %q", l.Format))
		}
	}
	return errs
}

// Options converts the client section to transport options.
func (cc *ClientConfig) Options() (transport.RpcClientOptions, error) {
	codecType, err := codec.ParseCodecType(cc.Codec)
	if err != nil {
		return transport.RpcClientOptions{}, err
	}
	return transport.RpcClientOptions{
		ConnectTimeout:                 cc.ConnectTimeout,
		OnceTalkTimeout:                cc.OnceTalkTimeout,
		MaxConnections:                 cc.MaxConnections,
		MaxQueueSize:                   cc.MaxQueueSize,
		InnerReusePool:                 cc.InnerReusePool,
		ShareChannelPool:               cc.ShareChannelPool,
		ShareChannelPoolUnderEachProxy: cc.ShareChannelPoolUnderEachProxy,
		LookupStubOnStartup:            cc.LookupStubOnStartup,
		PollInterval:                   cc.PollInterval,
		HeartbeatInterval:              cc.HeartbeatInterval,
		ConnectRetries:                 cc.ConnectRetries,
		ConnectRetryInterval:           cc.ConnectRetryInterval,
		CodecType:                      codecType,
		LateResponseCacheSize:          cc.LateResponseCacheSize,
		MaxRequestBodyLen:              cc.MaxRequestBodyLen,
	}, nil
}

// NewRegistry connects to etcd when a registry is configured and otherwise
// serves the static service table.
func (c *Config) NewRegistry(logger *zap.Logger) (registry.Registry, error) {
	if r := c.Registry; r != nil {
		return registry.NewEtcdRegistry(r.Endpoints, r.DialTimeout,
			registry.WithPrefix(r.Prefix),
			registry.WithRequestTimeout(r.RequestTimeout),
			registry.WithLogger(logger))
	}
	services := make(map[string][]registry.ServiceInstance, len(c.Services))
	for _, s := range c.Services {
		for _, inst := range s.Instances {
			services[s.Name] = append(services[s.Name], registry.ServiceInstance{
				Addr:    inst.Addr,
				Weight:  inst.Weight,
				Version: inst.Version,
			})
		}
	}
	return registry.NewStaticRegistry(services), nil
}

// NewLocator resolves signatures through reg with the configured balancer.
func (c *Config) NewLocator(reg registry.Registry, logger *zap.Logger) (*loadbalance.Locator, error) {
	balancer, err := loadbalance.New(c.Balancer)
	if err != nil {
		return nil, err
	}
	return loadbalance.NewLocator(reg, balancer, logger), nil
}

// Build creates the configured zap logger.
func (l *LoggingConfig) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
