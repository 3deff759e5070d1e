package provider

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wakala/settler/internal/domain"
)

type routeKey struct {
	category domain.Category
	country  string
}

// Registry holds the configured adapters and the static failover priority per
// (category, country). Usage is tracked in-memory; an adapter that has spent
// its credit ceiling stops being offered.
type Registry struct {
	log *zap.SugaredLogger

	mu       sync.RWMutex
	adapters map[string]Adapter
	priority map[routeKey][]string
	usage    map[string]decimal.Decimal
	ceilings map[string]decimal.Decimal
}

func NewRegistry(log *zap.SugaredLogger) *Registry {
	return &Registry{
		log:      log,
		adapters: make(map[string]Adapter),
		priority: make(map[routeKey][]string),
		usage:    make(map[string]decimal.Decimal),
		ceilings: make(map[string]decimal.Decimal),
	}
}

// Register adds an adapter. A zero ceiling means unlimited vendor credit.
func (r *Registry) Register(a Adapter, ceiling decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
	r.ceilings[a.Name()] = ceiling
	r.usage[a.Name()] = decimal.Zero
	r.log.Infow("provider registered", "provider", a.Name(), "ready", a.Ready())
}

// SetPriority configures the static failover order for a route.
func (r *Registry) SetPriority(category domain.Category, country string, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.priority[routeKey{category, country}] = names
}

// Get returns a registered adapter by name, or nil.
func (r *Registry) Get(name string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[name]
}

// SelectCandidates returns ready, capable adapters for the route in failover
// order. An explicit preference is the sole candidate unless failover is also
// allowed, in which case the preferred adapter leads and the static list
// follows. An empty result is ErrNoProviderAvailable.
func (r *Registry) SelectCandidates(category domain.Category, country, preferred string, allowFailover bool) ([]Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []Adapter
	seen := make(map[string]bool)

	appendIfEligible := func(name string) {
		if seen[name] {
			return
		}
		a, ok := r.adapters[name]
		if !ok || !r.eligible(a, category, country) {
			return
		}
		seen[name] = true
		candidates = append(candidates, a)
	}

	if preferred != "" {
		appendIfEligible(preferred)
		if !allowFailover {
			// Never fail over against the caller's explicit choice.
			if len(candidates) == 0 {
				return nil, fmt.Errorf("%w: preferred provider %s not usable for %s/%s",
					domain.ErrNoProviderAvailable, preferred, category, country)
			}
			return candidates, nil
		}
	}

	for _, name := range r.priority[routeKey{category, country}] {
		appendIfEligible(name)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrNoProviderAvailable, category, country)
	}
	return candidates, nil
}

func (r *Registry) eligible(a Adapter, category domain.Category, country string) bool {
	if !a.Ready() {
		return false
	}
	caps := a.Capabilities()
	if !caps.SupportsCategory(category) || !caps.SupportsCountry(country) {
		return false
	}
	ceiling := r.ceilings[a.Name()]
	if !ceiling.IsZero() && r.usage[a.Name()].Cmp(ceiling) >= 0 {
		return false
	}
	return true
}

// RecordUsage adds a settled amount to a provider's running usage.
func (r *Registry) RecordUsage(name string, amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage[name] = r.usage[name].Add(amount)
}

// ProviderInfo is a read-only snapshot for the API surface.
type ProviderInfo struct {
	Name         string          `json:"name"`
	Capabilities Capabilities    `json:"capabilities"`
	Ready        bool            `json:"ready"`
	Usage        decimal.Decimal `json:"usage"`
	Ceiling      decimal.Decimal `json:"ceiling"`
}

func (r *Registry) Snapshot() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ProviderInfo, 0, len(r.adapters))
	for name, a := range r.adapters {
		infos = append(infos, ProviderInfo{
			Name:         name,
			Capabilities: a.Capabilities(),
			Ready:        a.Ready(),
			Usage:        r.usage[name],
			Ceiling:      r.ceilings[name],
		})
	}
	return infos
}
