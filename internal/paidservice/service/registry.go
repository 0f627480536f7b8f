package service

import (
	"sort"
	"strings"
	"sync"

	"github.com/gosimple/slug"
	"github.com/smallbiznis/creditledger/internal/paidservice/domain"
	"go.uber.org/fx"
)

// Registry maps catalog slugs to operations. Names are normalized with slug.Make,
// so "Text Sentiment Analysis" and "text-sentiment-analysis" are the same key.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]domain.Operation
}

type RegistryParams struct {
	fx.In

	Operations []domain.NamedOperation `group:"paid_operations"`
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]domain.Operation)}
}

// ProvideRegistry builds the registry from every operation contributed to the group.
func ProvideRegistry(p RegistryParams) (*Registry, error) {
	r := NewRegistry()
	for _, named := range p.Operations {
		if err := r.Register(named.Name, named.Operation); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(name string, op domain.Operation) error {
	key := registryKey(name)
	if key == "" {
		return domain.ErrInvalidOperationName
	}
	if op == nil {
		return domain.ErrNilOperation
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[key]; exists {
		return domain.ErrDuplicateOperation
	}
	r.ops[key] = op
	return nil
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ops, registryKey(name))
}

func (r *Registry) Get(name string) (domain.Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[registryKey(name)]
	return op, ok
}

func (r *Registry) IsRegistered(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered keys in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func registryKey(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return slug.Make(name)
}
