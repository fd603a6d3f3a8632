package providers

import (
	"context"
	"net/http"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/waddleai/waddleai/internal/store"
	"github.com/waddleai/waddleai/pkg/models"
)

// Registry materializes connectors from the enabled connection links. The
// live set is an immutable snapshot swapped atomically on reload, so
// readers never block and in-flight requests keep the connector they
// started with.
type Registry struct {
	store  store.LinkStore
	client *http.Client
	log    zerolog.Logger
	snap   atomic.Pointer[snapshot]
}

type snapshot struct {
	byName map[string]Connector
	names  []string
}

func NewRegistry(s store.LinkStore, log zerolog.Logger) *Registry {
	r := &Registry{
		store:  s,
		client: newHTTPClient(),
		log:    log.With().Str("component", "providers").Logger(),
	}
	r.snap.Store(&snapshot{byName: map[string]Connector{}})
	return r
}

// Reload rebuilds the connector set from the link store. Disabled links
// are skipped.
func (r *Registry) Reload(ctx context.Context) error {
	links, err := r.store.ListLinks(ctx)
	if err != nil {
		return err
	}

	snap := &snapshot{byName: make(map[string]Connector, len(links))}
	for _, link := range links {
		if !link.Enabled {
			continue
		}
		snap.byName[link.Name] = New(link, r.client)
		snap.names = append(snap.names, link.Name)
		r.log.Info().Str("link", link.Name).Str("provider", string(link.Provider)).Msg("connector loaded")
	}
	sort.Strings(snap.names)

	r.snap.Store(snap)
	return nil
}

// Get returns the connector for a link name.
func (r *Registry) Get(name string) (Connector, bool) {
	c, ok := r.snap.Load().byName[name]
	return c, ok
}

// All returns every live connector, ordered by link name.
func (r *Registry) All() []Connector {
	snap := r.snap.Load()
	out := make([]Connector, 0, len(snap.names))
	for _, name := range snap.names {
		out = append(out, snap.byName[name])
	}
	return out
}

// ForModel returns the connectors advertising a model, ordered by link
// name. Links with an empty model list accept any model.
func (r *Registry) ForModel(model string) []Connector {
	var out []Connector
	for _, c := range r.All() {
		link := c.Link()
		if link.ServesModel(model) {
			out = append(out, c)
		}
	}
	return out
}

// ListAllModels merges model listings across every connector. Per-link
// failures are logged and skipped so one dead backend cannot empty the
// catalog.
func (r *Registry) ListAllModels(ctx context.Context) []models.ModelDescriptor {
	var out []models.ModelDescriptor
	for _, c := range r.All() {
		descriptors, err := c.ListModels(ctx)
		if err != nil {
			r.log.Warn().Err(err).Str("link", c.Name()).Msg("list models failed")
			continue
		}
		out = append(out, descriptors...)
	}
	return out
}

// HealthCheckAll probes every connector and returns the per-link error
// (nil for healthy).
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	out := make(map[string]error)
	for _, c := range r.All() {
		out[c.Name()] = c.HealthCheck(ctx)
	}
	return out
}
