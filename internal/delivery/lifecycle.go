package delivery

import (
	"errors"

	"github.com/jogardn/fieldops/pkg/models"
)

var (
	ErrInvalidTransition  = errors.New("invalid delivery transition")
	ErrRecipientRequired  = errors.New("recipient name is required")
	ErrTransitionInFlight = errors.New("a delivery update is already in progress")
)

type Action string

const (
	ActionPickup   Action = "pickup"
	ActionStart    Action = "start"
	ActionArrive   Action = "arrive"
	ActionComplete Action = "complete"
)

// requiredStatus is the guard table: each action is legal from exactly one
// status. FAILED is set by the server and has no action here.
var requiredStatus = map[Action]models.DeliveryStatus{
	ActionPickup:   models.DeliveryAssigned,
	ActionStart:    models.DeliveryPickedUp,
	ActionArrive:   models.DeliveryInTransit,
	ActionComplete: models.DeliveryArrived,
}

var actionOrder = []Action{ActionPickup, ActionStart, ActionArrive, ActionComplete}

func ParseAction(s string) (Action, bool) {
	a := Action(s)
	_, ok := requiredStatus[a]
	return a, ok
}

func Allowed(action Action, status models.DeliveryStatus) bool {
	required, ok := requiredStatus[action]
	return ok && status == required
}

func CanPickup(status models.DeliveryStatus) bool        { return Allowed(ActionPickup, status) }
func CanStartDelivery(status models.DeliveryStatus) bool { return Allowed(ActionStart, status) }
func CanMarkArrived(status models.DeliveryStatus) bool   { return Allowed(ActionArrive, status) }
func CanComplete(status models.DeliveryStatus) bool      { return Allowed(ActionComplete, status) }

// Available lists the actions legal from status. At most one today.
func Available(status models.DeliveryStatus) []Action {
	actions := []Action{}
	for _, action := range actionOrder {
		if Allowed(action, status) {
			actions = append(actions, action)
		}
	}
	return actions
}
