package delivery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/jogardn/fieldops/internal/events"
	"github.com/jogardn/fieldops/internal/metrics"
	"github.com/jogardn/fieldops/internal/proof"
	"github.com/jogardn/fieldops/internal/telemetry"
	"github.com/jogardn/fieldops/pkg/models"
	"github.com/sirupsen/logrus"
)

// Boundary is the part of the API a delivery controller talks to.
type Boundary interface {
	GetDelivery(ctx context.Context, deliveryID int64) (*models.Delivery, error)
	PickUp(ctx context.Context, deliveryID int64, notes *string) (*models.Delivery, error)
	StartDelivery(ctx context.Context, deliveryID int64, notes *string) (*models.Delivery, error)
	MarkArrived(ctx context.Context, deliveryID int64, notes *string) (*models.Delivery, error)
	CompleteDelivery(ctx context.Context, deliveryID int64, completion models.CompletionRequest) (*models.Delivery, error)
}

// PositionSource gives a one-shot position for proof of delivery.
type PositionSource interface {
	CurrentPosition(ctx context.Context) (models.Position, error)
}

type Dependencies struct {
	Boundary  Boundary
	Position  PositionSource
	Uploader  proof.Uploader
	Publisher events.Publisher
}

// Controller drives one delivery through its lifecycle. The delivery it holds
// is always the last one the server confirmed.
type Controller struct {
	boundary  Boundary
	position  PositionSource
	uploader  proof.Uploader
	publisher events.Publisher
	validate  *validator.Validate
	logger    *logrus.Logger

	mu       sync.Mutex
	delivery models.Delivery
	busy     bool
	// version moves whenever a transition claims the controller, so reads
	// that started earlier are discarded.
	version uint64
}

func NewController(delivery models.Delivery, deps Dependencies, logger *logrus.Logger) *Controller {
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	return &Controller{
		boundary:  deps.Boundary,
		position:  deps.Position,
		uploader:  deps.Uploader,
		publisher: deps.Publisher,
		validate:  validator.New(),
		logger:    logger,
		delivery:  delivery,
	}
}

func (c *Controller) Delivery() models.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivery
}

func (c *Controller) Status() models.DeliveryStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivery.Status
}

// Busy reports whether a transition is waiting for the server.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

func (c *Controller) can(action Action) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.busy && Allowed(action, c.delivery.Status)
}

func (c *Controller) CanPickup() bool        { return c.can(ActionPickup) }
func (c *Controller) CanStartDelivery() bool { return c.can(ActionStart) }
func (c *Controller) CanMarkArrived() bool   { return c.can(ActionArrive) }
func (c *Controller) CanComplete() bool      { return c.can(ActionComplete) }

// Actions lists what may be offered right now. Empty while busy.
func (c *Controller) Actions() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return []Action{}
	}
	return Available(c.delivery.Status)
}

// Refresh re-reads the delivery from the server. It never blocks a
// transition: while one is in flight, or once one has started since the read
// began, the fetched view is dropped in favour of the confirmed one.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	id, version, busy := c.delivery.DeliveryID, c.version, c.busy
	c.mu.Unlock()
	if busy {
		return nil
	}

	updated, err := c.boundary.GetDelivery(ctx, id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.busy && c.version == version {
		c.delivery = *updated
	}
	return nil
}

func (c *Controller) replace(d models.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.busy {
		c.delivery = d
	}
}

func (c *Controller) MarkPickedUp(ctx context.Context, notes *string) (models.Delivery, error) {
	return c.transition(ctx, ActionPickup, func(ctx context.Context, id int64) (*models.Delivery, error) {
		return c.boundary.PickUp(ctx, id, cleanNotes(notes))
	})
}

func (c *Controller) StartDelivery(ctx context.Context, notes *string) (models.Delivery, error) {
	return c.transition(ctx, ActionStart, func(ctx context.Context, id int64) (*models.Delivery, error) {
		return c.boundary.StartDelivery(ctx, id, cleanNotes(notes))
	})
}

func (c *Controller) MarkArrived(ctx context.Context, notes *string) (models.Delivery, error) {
	return c.transition(ctx, ActionArrive, func(ctx context.Context, id int64) (*models.Delivery, error) {
		return c.boundary.MarkArrived(ctx, id, cleanNotes(notes))
	})
}

// CompleteDelivery hands the delivery over. The position is best effort and
// the photo, when given, is uploaded before the completion is submitted.
func (c *Controller) CompleteDelivery(ctx context.Context, recipientName, deliveryNotes string, photo *proof.Photo) (models.Delivery, error) {
	recipientName = strings.TrimSpace(recipientName)
	if recipientName == "" {
		return c.Delivery(), ErrRecipientRequired
	}

	return c.transition(ctx, ActionComplete, func(ctx context.Context, id int64) (*models.Delivery, error) {
		completion := models.CompletionRequest{
			RecipientName: recipientName,
			DeliveryNotes: strings.TrimSpace(deliveryNotes),
		}

		if pos, ok := c.currentPosition(ctx, id); ok {
			completion.CurrentLatitude = &pos.Latitude
			completion.CurrentLongitude = &pos.Longitude
		}

		if photo != nil {
			if c.uploader == nil {
				return nil, fmt.Errorf("no proof photo storage configured")
			}
			url, err := c.uploader.Upload(ctx, id, photo)
			if err != nil {
				return nil, fmt.Errorf("failed to upload proof photo: %w", err)
			}
			completion.PhotoURL = &url
		}

		if err := c.validate.Struct(completion); err != nil {
			return nil, fmt.Errorf("invalid completion: %w", err)
		}

		return c.boundary.CompleteDelivery(ctx, id, completion)
	})
}

func (c *Controller) currentPosition(ctx context.Context, id int64) (models.Position, bool) {
	if c.position == nil {
		return models.Position{}, false
	}
	pos, err := c.position.CurrentPosition(ctx)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"delivery_id": id,
			"code":        telemetry.PositionErrorCodeOf(err).String(),
		}).Warn("No position for proof of delivery, completing without coordinates")
		return models.Position{}, false
	}
	return pos, true
}

type callFunc func(ctx context.Context, deliveryID int64) (*models.Delivery, error)

func (c *Controller) transition(ctx context.Context, action Action, call callFunc) (models.Delivery, error) {
	id, from, err := c.begin(action)
	if err != nil {
		return c.Delivery(), err
	}
	defer c.end()

	entry := c.logger.WithFields(logrus.Fields{
		"delivery_id": id,
		"action":      string(action),
		"from_status": from.String(),
	})

	updated, err := call(ctx, id)
	if err != nil {
		metrics.DeliveryTransitionsTotal.WithLabelValues(string(action), "error").Inc()
		entry.WithError(err).Warn("Delivery transition failed")
		return c.Delivery(), fmt.Errorf("failed to %s delivery %d: %w", action, id, err)
	}

	c.mu.Lock()
	c.delivery = *updated
	confirmed := c.delivery
	c.mu.Unlock()

	metrics.DeliveryTransitionsTotal.WithLabelValues(string(action), "ok").Inc()
	entry.WithField("to_status", confirmed.Status.String()).Info("Delivery transition confirmed")

	events.Emit(ctx, c.publisher, c.logger, events.DeliveryStatusChanged,
		"delivery-"+strconv.FormatInt(id, 10),
		events.DeliveryStatusChangedPayload{
			DeliveryID: id,
			OrderID:    confirmed.OrderID,
			DriverID:   confirmed.DriverID,
			Action:     string(action),
			From:       from,
			To:         confirmed.Status,
		})

	return confirmed, nil
}

// begin claims the controller for one server round trip.
func (c *Controller) begin(action Action) (int64, models.DeliveryStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy {
		return 0, "", ErrTransitionInFlight
	}
	status := c.delivery.Status
	if !Allowed(action, status) {
		return 0, "", fmt.Errorf("%w: cannot %s a delivery that is %s", ErrInvalidTransition, action, status)
	}
	c.busy = true
	c.version++
	return c.delivery.DeliveryID, status, nil
}

func (c *Controller) end() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

func cleanNotes(notes *string) *string {
	if notes == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*notes)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
