package loadbalance

import (
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"pbrpc/registry"
)

// Locator resolves a method signature ("service!method") to the address of
// one instance of its service, discovering instances through a Registry and
// choosing among them with a Balancer.
type Locator struct {
	reg      registry.Registry
	balancer Balancer
	logger   *zap.Logger

	mu       sync.Mutex
	lastGood map[string][]registry.ServiceInstance // Served when the registry is unreachable
}

func NewLocator(reg registry.Registry, balancer Balancer, logger *zap.Logger) *Locator {
	if balancer == nil {
		balancer = &RoundRobinBalancer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{
		reg:      reg,
		balancer: balancer,
		logger:   logger,
		lastGood: make(map[string][]registry.ServiceInstance),
	}
}

// FetchAddress picks an instance for signature and splits its address.
func (l *Locator) FetchAddress(signature string) (string, int, error) {
	serviceName := signature
	if i := strings.IndexByte(signature, '!'); i >= 0 {
		serviceName = signature[:i]
	}

	instances, err := l.reg.Discover(serviceName)
	if err != nil {
		l.mu.Lock()
		cached := l.lastGood[serviceName]
		l.mu.Unlock()
		if len(cached) == 0 {
			return "", 0, errors.Wrapf(err, "discover %s", serviceName)
		}
		l.logger.Warn("discovery failed, using cached instances",
			zap.String("service", serviceName), zap.Error(err))
		instances = cached
	} else if len(instances) > 0 {
		l.mu.Lock()
		l.lastGood[serviceName] = instances
		l.mu.Unlock()
	}

	instance, err := l.balancer.Pick(signature, instances)
	if err != nil {
		return "", 0, errors.Wrapf(err, "pick instance of %s", serviceName)
	}
	return SplitAddr(instance.Addr)
}

// SplitAddr splits "host:port" into its parts.
func SplitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errors.Wrapf(err, "bad address %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.Wrapf(err, "bad port in %q", addr)
	}
	return host, port, nil
}
