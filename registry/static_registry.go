package registry

import "sync"

// StaticRegistry is an in-memory Registry, seeded from configuration for
// deployments without etcd. TTLs are ignored.
type StaticRegistry struct {
	mu       sync.RWMutex
	services map[string][]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

func NewStaticRegistry(services map[string][]ServiceInstance) *StaticRegistry {
	r := &StaticRegistry{
		services: make(map[string][]ServiceInstance, len(services)),
		watchers: make(map[string][]chan []ServiceInstance),
	}
	for name, instances := range services {
		r.services[name] = append([]ServiceInstance(nil), instances...)
	}
	return r
}

// Register adds instance, replacing an existing one with the same address.
func (r *StaticRegistry) Register(serviceName string, instance ServiceInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	instances := r.services[serviceName]
	for i := range instances {
		if instances[i].Addr == instance.Addr {
			instances[i] = instance
			r.notify(serviceName)
			return nil
		}
	}
	r.services[serviceName] = append(instances, instance)
	r.notify(serviceName)
	return nil
}

func (r *StaticRegistry) Deregister(serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	instances := r.services[serviceName]
	kept := instances[:0]
	for _, inst := range instances {
		if inst.Addr != addr {
			kept = append(kept, inst)
		}
	}
	r.services[serviceName] = kept
	r.notify(serviceName)
	return nil
}

func (r *StaticRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ServiceInstance(nil), r.services[serviceName]...), nil
}

// Watch emits the instance list after every change. Slow readers only see
// the latest list.
func (r *StaticRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	r.mu.Lock()
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	r.mu.Unlock()
	return ch
}

// notify publishes the current list to watchers. Caller holds mu.
func (r *StaticRegistry) notify(serviceName string) {
	snapshot := append([]ServiceInstance(nil), r.services[serviceName]...)
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
