// Package tenant resolves business phone numbers to tenant credentials.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/BTreeMap/SalonPipe/internal/store"
	"github.com/BTreeMap/SalonPipe/internal/util"
)

// DefaultRefreshInterval is how often the tenant cache is reloaded.
const DefaultRefreshInterval = time.Minute

// Registry caches tenant records keyed by their stored business phone.
// With a refresh interval of zero every Resolve reads through to the store.
type Registry struct {
	repo     store.TenantRepo
	interval time.Duration

	mu       sync.RWMutex
	byPhone  map[string]models.Tenant
	loadedAt time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithRefreshInterval sets the cache refresh interval. Zero disables caching.
func WithRefreshInterval(d time.Duration) Option {
	return func(r *Registry) { r.interval = d }
}

// NewRegistry creates a Registry over the given tenant repository.
func NewRegistry(repo store.TenantRepo, opts ...Option) *Registry {
	r := &Registry{
		repo:     repo,
		interval: DefaultRefreshInterval,
		byPhone:  make(map[string]models.Tenant),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) caching() bool { return r.interval > 0 }

// Refresh reloads every tenant from the store.
func (r *Registry) Refresh(ctx context.Context) error {
	tenants, err := r.repo.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh tenants: %w", err)
	}
	byPhone := make(map[string]models.Tenant, len(tenants))
	for _, t := range tenants {
		if prev, ok := byPhone[t.BusinessPhone]; ok && prev.Active && !t.Active {
			continue
		}
		byPhone[t.BusinessPhone] = t
	}
	r.mu.Lock()
	r.byPhone = byPhone
	r.loadedAt = time.Now()
	r.mu.Unlock()
	slog.Debug("Registry.Refresh: tenants loaded", "count", len(byPhone))
	return nil
}

// Run refreshes the cache on the configured interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	if !r.caching() {
		slog.Info("Registry.Run: caching disabled, resolving through the store")
		return
	}
	slog.Info("Registry.Run: starting tenant refresh", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Registry.Run: stopping")
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				slog.Error("Registry.Run: refresh failed", "error", err)
			}
		}
	}
}

// Resolve returns the tenant for a business phone number written in any of its
// equivalent forms. It fails with a KindUnknownTenant error when nothing
// matches. When a record matches but cannot serve traffic it returns the record
// together with a KindMisconfiguredTenant error, so callers may still use
// whatever channel credentials it has.
func (r *Registry) Resolve(ctx context.Context, businessPhone string) (*models.Tenant, error) {
	const op = "Registry.Resolve"
	variants := util.PhoneVariants(businessPhone)
	if len(variants) == 0 {
		return nil, models.NewError(models.KindUnknownTenant, op, models.ErrTenantNotFound)
	}

	var t *models.Tenant
	if r.caching() {
		t = r.fromCache(variants)
	}
	if t == nil {
		found, err := r.repo.FindTenantByPhones(ctx, variants)
		if errors.Is(err, models.ErrTenantNotFound) {
			slog.Warn("Registry.Resolve: unknown business phone", "business_phone", businessPhone)
			return nil, models.NewError(models.KindUnknownTenant, op, models.ErrTenantNotFound)
		}
		if err != nil {
			return nil, models.NewError(models.KindPersistence, op, err)
		}
		t = found
		if r.caching() {
			r.mu.Lock()
			r.byPhone[t.BusinessPhone] = *t
			r.mu.Unlock()
		}
	}

	if !t.Active {
		return t, models.NewError(models.KindMisconfiguredTenant, op,
			fmt.Errorf("%w: tenant %s is inactive", models.ErrTenantMisconfigured, t.ID))
	}
	if missing := t.MissingCredentials(); len(missing) > 0 {
		slog.Warn("Registry.Resolve: tenant misconfigured", "tenant", t.ID, "missing", missing)
		return t, models.NewError(models.KindMisconfiguredTenant, op,
			fmt.Errorf("%w: tenant %s lacks %s", models.ErrTenantMisconfigured, t.ID, strings.Join(missing, ", ")))
	}
	return t, nil
}

func (r *Registry) fromCache(variants []string) *models.Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *models.Tenant
	for _, v := range variants {
		if t, ok := r.byPhone[v]; ok {
			t := t
			if best == nil || (t.Active && !best.Active) {
				best = &t
			}
		}
	}
	return best
}

// MatchVerifyToken reports whether token equals any tenant's webhook verify token.
func (r *Registry) MatchVerifyToken(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	if r.caching() {
		r.mu.RLock()
		for _, t := range r.byPhone {
			if t.VerifyToken == token {
				r.mu.RUnlock()
				return true
			}
		}
		r.mu.RUnlock()
	}
	tenants, err := r.repo.ListTenants(ctx)
	if err != nil {
		slog.Error("Registry.MatchVerifyToken: list tenants failed", "error", err)
		return false
	}
	for _, t := range tenants {
		if t.VerifyToken == token {
			return true
		}
	}
	return false
}
