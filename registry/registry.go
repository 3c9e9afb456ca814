// Package registry records which addresses serve which services. Clients
// reach it through loadbalance.Locator, which turns a call signature's
// service name into one host:port.
package registry

// ServiceInstance is one address serving a service.
type ServiceInstance struct {
	Addr    string // host:port
	Weight  int    // Relative share for weighted balancers; <= 0 counts as 1
	Version string
}

// Registry is implemented by EtcdRegistry and StaticRegistry.
type Registry interface {
	// Register announces instance. ttl is in seconds; implementations
	// without leases ignore it.
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	// Discover returns a snapshot the caller may modify.
	Discover(serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change.
	Watch(serviceName string) <-chan []ServiceInstance
}
