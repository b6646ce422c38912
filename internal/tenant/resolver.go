package tenant

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultLookupTimeout bounds one shared store lookup.
const DefaultLookupTimeout = 5 * time.Second

// Resolver turns call parameters into a tenant snapshot. It never returns
// nil: misses, lookup errors and incomplete records fall back to Default.
type Resolver struct {
	store    Store
	fallback *Tenant
	group    singleflight.Group
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewResolver creates a resolver over store. A nil store always yields the default.
func NewResolver(store Store, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:    store,
		fallback: Default(),
		timeout:  DefaultLookupTimeout,
		logger:   logger.With().Str("component", "tenant_resolver").Logger(),
	}
}

// Resolve looks a tenant up by the number that was called.
func (r *Resolver) Resolve(ctx context.Context, calledNumber string) *Tenant {
	phone := strings.TrimSpace(calledNumber)
	if phone == "" || r.store == nil {
		return r.fallback.Clone()
	}
	return r.lookup(ctx, "phone:"+phone, func(ctx context.Context) (*Tenant, error) {
		return r.store.ByPhone(ctx, phone)
	})
}

// ResolveByID looks a tenant up by identifier.
func (r *Resolver) ResolveByID(ctx context.Context, id string) *Tenant {
	id = strings.TrimSpace(id)
	if id == "" || r.store == nil {
		return r.fallback.Clone()
	}
	return r.lookup(ctx, "id:"+id, func(ctx context.Context) (*Tenant, error) {
		return r.store.ByID(ctx, id)
	})
}

// ResolveCall prefers an explicit tenant ID and then the called number.
func (r *Resolver) ResolveCall(ctx context.Context, tenantID, calledNumber string) *Tenant {
	if strings.TrimSpace(tenantID) != "" {
		if t := r.ResolveByID(ctx, tenantID); t.ID != DefaultID {
			return t
		}
	}
	return r.Resolve(ctx, calledNumber)
}

// lookup shares one fetch between concurrent callers of the same key. The
// fetch is detached from the first caller's cancellation so a caller that
// hangs up cannot fail the others; each caller still stops waiting on its
// own ctx.
func (r *Resolver) lookup(ctx context.Context, key string, fetch func(context.Context) (*Tenant, error)) *Tenant {
	ch := r.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return fetch(fctx)
	})

	var (
		v   any
		err error
	)
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn().Err(err).Str("key", key).Msg("Tenant lookup failed, using default")
		}
		return r.fallback.Clone()
	}

	found, _ := v.(*Tenant)
	if found == nil {
		return r.fallback.Clone()
	}
	return r.withFallback(found)
}

// withFallback keeps the tenant's identity but substitutes the default AI
// configuration when required fields are missing.
func (r *Resolver) withFallback(t *Tenant) *Tenant {
	out := t.Clone()
	if out.Complete() {
		return out
	}

	r.logger.Warn().Str("tenant_id", out.ID).Msg("Tenant configuration incomplete, using default AI settings")
	def := r.fallback
	if strings.TrimSpace(out.SystemInstructions) == "" {
		out.SystemInstructions = def.SystemInstructions
	}
	if strings.TrimSpace(out.GreetingTemplate) == "" {
		out.GreetingTemplate = def.GreetingTemplate
	}
	if len(out.EnabledTools) == 0 {
		out.EnabledTools = append([]string(nil), def.EnabledTools...)
	}
	if out.Timezone == "" {
		out.Timezone = def.Timezone
	}
	if out.DisplayName == "" {
		out.DisplayName = def.DisplayName
	}
	return out
}
