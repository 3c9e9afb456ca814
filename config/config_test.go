package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pbrpc/codec"
	"pbrpc/registry"
	"pbrpc/transport"
)

func TestConfigEmptyFails(t *testing.T) {
	conf, err := ParseConfigBytes([]byte("\n"))
	assert.Nil(t, conf)
	assert.Error(t, err)
}

func TestDefaultsMatchTransport(t *testing.T) {
	conf, err := ParseConfigBytes([]byte(`
services:
- name: Echo
  instances:
  - addr: 127.0.0.1:9000
`))
	require.NoError(t, err)

	opts, err := conf.Client.Options()
	require.NoError(t, err)
	assert.Equal(t, transport.DefaultRpcClientOptions(), opts)
	assert.Equal(t, "info", conf.Logging.Level)
	assert.Equal(t, "round_robin", conf.Balancer)
	assert.Nil(t, conf.Registry)
}

func TestClientSection(t *testing.T) {
	conf, err := ParseConfigBytes([]byte(`
client:
  connect_timeout: 2s
  once_talk_timeout: 1500ms
  max_connections: 4
  inner_reuse_pool: false
  share_channel_pool: true
  heartbeat_interval: 0s
  codec: binary
  max_request_body_len: 4096
balancer: consistent_hash
`))
	require.NoError(t, err)

	opts, err := conf.Client.Options()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, opts.ConnectTimeout)
	assert.Equal(t, 1500*time.Millisecond, opts.OnceTalkTimeout)
	assert.Equal(t, 4, opts.MaxConnections)
	assert.False(t, opts.InnerReusePool)
	assert.True(t, opts.ShareChannelPool)
	assert.Zero(t, opts.HeartbeatInterval)
	assert.Equal(t, codec.CodecTypeBinary, opts.CodecType)
	assert.Equal(t, 1024, opts.MaxQueueSize)
	assert.Equal(t, 4096, opts.MaxRequestBodyLen)

	loc, err := conf.NewLocator(registry.NewStaticRegistry(nil), zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, loc)
}

func TestUnknownKeyFails(t *testing.T) {
	_, err := ParseConfigBytes([]byte(`
client:
  max_conections: 4
`))
	assert.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	_, err := ParseConfigBytes([]byte(`
client:
  max_connections: 0
  max_request_body_len: 134217728
  codec: xml
registry:
  endpoints: []
balancer: random
services:
- name: Echo
  instances:
  - addr: no-port
logging:
  level: loud
`))
	require.Error(t, err)
	for _, want := range []string{"max_connections", "max_request_body_len", "client.codec", "registry.endpoints", "balancer", "services.Echo", "logging.level"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestStaticRegistryFromServices(t *testing.T) {
	conf, err := ParseConfigBytes([]byte(`
services:
- name: Echo
  instances:
  - addr: 127.0.0.1:9000
  - addr: 127.0.0.1:9001
    weight: 5
`))
	require.NoError(t, err)

	reg, err := conf.NewRegistry(zap.NewNop())
	require.NoError(t, err)
	instances, err := reg.Discover("Echo")
	require.NoError(t, err)
	assert.Equal(t, []registry.ServiceInstance{
		{Addr: "127.0.0.1:9000", Weight: 1},
		{Addr: "127.0.0.1:9001", Weight: 5},
	}, instances)

	loc, err := conf.NewLocator(reg, zap.NewNop())
	require.NoError(t, err)
	host, port, err := loc.FetchAddress("Echo!ping")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Contains(t, []int{9000, 9001}, port)
}

func TestParseConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pbrpc.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
  format: console
`), 0644))

	conf, err := ParseConfig(path)
	require.NoError(t, err)
	logger, err := conf.Logging.Build()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	_, err = ParseConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
