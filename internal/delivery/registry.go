package delivery

import (
	"context"
	"sync"

	"github.com/jogardn/fieldops/pkg/models"
	"github.com/sirupsen/logrus"
)

// Registry keeps one controller per delivery so concurrent requests for the
// same delivery share its in-flight guard.
type Registry struct {
	deps   Dependencies
	logger *logrus.Logger

	mu          sync.Mutex
	controllers map[int64]*Controller
}

func NewRegistry(deps Dependencies, logger *logrus.Logger) *Registry {
	return &Registry{
		deps:        deps,
		logger:      logger,
		controllers: make(map[int64]*Controller),
	}
}

// Get returns the controller for deliveryID with a fresh view of the
// delivery, loading it from the server the first time.
func (r *Registry) Get(ctx context.Context, deliveryID int64) (*Controller, error) {
	if c, ok := r.tracked(deliveryID); ok {
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
	return r.load(ctx, deliveryID)
}

// Lookup returns the controller for deliveryID as it is held, going to the
// server only for a delivery not seen before. Transitions use it so that
// each one costs a single boundary call.
func (r *Registry) Lookup(ctx context.Context, deliveryID int64) (*Controller, error) {
	if c, ok := r.tracked(deliveryID); ok {
		return c, nil
	}
	return r.load(ctx, deliveryID)
}

func (r *Registry) tracked(deliveryID int64) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[deliveryID]
	return c, ok
}

func (r *Registry) load(ctx context.Context, deliveryID int64) (*Controller, error) {
	d, err := r.deps.Boundary.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	return r.Track(*d), nil
}

// Track registers d, or replaces the held view of an idle controller with it.
func (r *Registry) Track(d models.Delivery) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.controllers[d.DeliveryID]; ok {
		c.replace(d)
		return c
	}
	c := NewController(d, r.deps, r.logger)
	r.controllers[d.DeliveryID] = c
	return c
}

// Prune drops controllers whose delivery reached a terminal status.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, c := range r.controllers {
		if !c.Busy() && c.Status().IsTerminal() {
			delete(r.controllers, id)
			removed++
		}
	}
	return removed
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}
