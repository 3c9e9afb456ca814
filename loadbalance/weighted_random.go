package loadbalance

import (
	"math/rand"

	"pbrpc/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to
// their Weight. Instances without a positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(_ string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	totalWeight := 0
	for i := range instances {
		totalWeight += weightOf(&instances[i])
	}

	r := rand.Intn(totalWeight)
	for i := range instances {
		r -= weightOf(&instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func weightOf(instance *registry.ServiceInstance) int {
	if instance.Weight <= 0 {
		return 1
	}
	return instance.Weight
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
