package loadbalance

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pbrpc/registry"
)

type stubRegistry struct {
	instances map[string][]registry.ServiceInstance
	err       error
	asked     []string
}

func (s *stubRegistry) Register(string, registry.ServiceInstance, int64) error { return nil }
func (s *stubRegistry) Deregister(string, string) error { return nil }
func (s *stubRegistry) Watch(string) <-chan []registry.ServiceInstance { return nil }

func (s *stubRegistry) Discover(serviceName string) ([]registry.ServiceInstance, error) {
	s.asked = append(s.asked, serviceName)
	if s.err != nil {
		return nil, s.err
	}
	return s.instances[serviceName], nil
}

func TestLocatorFetchAddress(t *testing.T) {
	reg := &stubRegistry{instances: map[string][]registry.ServiceInstance{
		"Echo": {{Addr: "127.0.0.1:9000"}},
	}}
	l := NewLocator(reg, nil, nil)

	host, port, err := l.FetchAddress("Echo!ping")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 9000, port)
	assert.Equal(t, []string{"Echo"}, reg.asked)
}

func TestLocatorNoInstances(t *testing.T) {
	l := NewLocator(&stubRegistry{}, nil, nil)
	_, _, err := l.FetchAddress("Echo!ping")
	assert.True(t, errors.Is(err, ErrNoInstances))
}

func TestLocatorFallsBackToLastGood(t *testing.T) {
	reg := &stubRegistry{instances: map[string][]registry.ServiceInstance{
		"Echo": {{Addr: "10.1.1.1:70"}},
	}}
	l := NewLocator(reg, NewConsistentHashBalancer(), nil)
	_, _, err := l.FetchAddress("Echo!ping")
	require.NoError(t, err)

	reg.err = errors.New("etcd down")
	host, port, err := l.FetchAddress("Echo!ping")
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1", host)
	assert.Equal(t, 70, port)

	_, _, err = l.FetchAddress("Other!call")
	assert.Error(t, err)
}

func TestSplitAddr(t *testing.T) {
	_, _, err := SplitAddr("no-port")
	assert.Error(t, err)
	_, _, err = SplitAddr("host:http")
	assert.Error(t, err)
	host, port, err := SplitAddr("[::1]:8080")
	require.NoError(t, err)
	assert.Equal(t, "::1", host)
	assert.Equal(t, 8080, port)
}
