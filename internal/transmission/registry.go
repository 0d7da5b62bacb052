package transmission

import "strings"

type Registry struct {
	factories map[string]Factory
}

func NewRegistry(factories ...Factory) *Registry {
	registry := &Registry{factories: map[string]Factory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(factory.Name()))
		if name == "" {
			continue
		}
		registry.factories[name] = factory
	}
	return registry
}

func (r *Registry) Exists(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func (r *Registry) NewClient(name string, cfg AdapterConfig) (Client, error) {
	if r == nil {
		return nil, ErrAdapterNotFound
	}
	factory, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrAdapterNotFound
	}
	return factory.New(cfg)
}
