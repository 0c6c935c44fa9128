package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/fieldops/internal/api"
	"github.com/jogardn/fieldops/internal/circuitbreaker"
	"github.com/jogardn/fieldops/internal/delivery"
	"github.com/jogardn/fieldops/internal/proof"
	"github.com/jogardn/fieldops/internal/server"
	"github.com/jogardn/fieldops/internal/telemetry"
	"github.com/jogardn/fieldops/pkg/models"
	"github.com/sirupsen/logrus"
)

// DriverAPI is the driver side of the remote API the agent needs directly.
type DriverAPI interface {
	MyProfile(ctx context.Context) (*models.DriverProfile, error)
	MyDeliveries(ctx context.Context) ([]models.Delivery, error)
	UpdateMyStatus(ctx context.Context, status models.DriverStatus) (*models.DriverProfile, error)
}

type LocationTracker interface {
	Start(ctx context.Context, driverID int64) error
	Stop()
	IsTracking() bool
	CurrentPosition(ctx context.Context) (models.Position, error)
}

type BreakerSource interface {
	Snapshots() []circuitbreaker.Snapshot
}

// Handler serves the driver agent's local HTTP surface.
type Handler struct {
	driverID   int64
	drivers    DriverAPI
	deliveries *delivery.Registry
	tracker    LocationTracker
	breakers   BreakerSource
	logger     *logrus.Logger
}

func NewHandler(driverID int64, drivers DriverAPI, deliveries *delivery.Registry, tracker LocationTracker, logger *logrus.Logger) *Handler {
	return &Handler{
		driverID:   driverID,
		drivers:    drivers,
		deliveries: deliveries,
		tracker:    tracker,
		logger:     logger,
	}
}

func (h *Handler) SetBreakers(breakers BreakerSource) {
	h.breakers = breakers
}

func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/health", h.HealthCheck).Methods("GET", "OPTIONS")
	router.HandleFunc("/profile", h.GetProfile).Methods("GET", "OPTIONS")
	router.HandleFunc("/profile/status", h.UpdateStatus).Methods("PUT", "OPTIONS")
	router.HandleFunc("/deliveries", h.ListDeliveries).Methods("GET", "OPTIONS")
	router.HandleFunc("/deliveries/{id:[0-9]+}", h.GetDelivery).Methods("GET", "OPTIONS")
	router.HandleFunc("/deliveries/{id:[0-9]+}/complete", h.CompleteDelivery).Methods("POST", "OPTIONS")
	router.HandleFunc("/deliveries/{id:[0-9]+}/{action:pickup|start|arrive}", h.Transition).Methods("POST", "OPTIONS")
	router.HandleFunc("/tracking", h.TrackingStatus).Methods("GET", "OPTIONS")
	router.HandleFunc("/tracking/start", h.StartTracking).Methods("POST", "OPTIONS")
	router.HandleFunc("/tracking/stop", h.StopTracking).Methods("POST", "OPTIONS")
	router.HandleFunc("/position", h.CurrentPosition).Methods("GET", "OPTIONS")
}

// deliveryView is a delivery plus what the driver may do with it next.
type deliveryView struct {
	models.Delivery
	Actions       []delivery.Action `json:"actions"`
	Busy          bool              `json:"busy"`
	DirectionsURL string            `json:"directionsUrl,omitempty"`
}

func viewOf(c *delivery.Controller) deliveryView {
	d := c.Delivery()
	return deliveryView{
		Delivery:      d,
		Actions:       c.Actions(),
		Busy:          c.Busy(),
		DirectionsURL: d.DirectionsURL(),
	}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"service":   "driver-agent",
		"driver_id": h.driverID,
		"tracking":  h.tracker.IsTracking(),
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if h.breakers != nil {
		snapshots := h.breakers.Snapshots()
		for _, snap := range snapshots {
			if snap.State != circuitbreaker.StateClosed.String() {
				health["status"] = "degraded"
			}
		}
		health["breakers"] = snapshots
	}
	server.RespondWithJSON(w, http.StatusOK, health)
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.drivers.MyProfile(r.Context())
	if err != nil {
		h.respondWithFailure(w, err, "Failed to load driver profile")
		return
	}
	server.RespondWithJSON(w, http.StatusOK, profile)
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.DriverStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		server.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !body.Status.Valid() {
		server.RespondWithError(w, http.StatusBadRequest, "Unknown driver status: "+string(body.Status))
		return
	}

	profile, err := h.drivers.UpdateMyStatus(r.Context(), body.Status)
	if err != nil {
		h.respondWithFailure(w, err, "Failed to update driver status")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"driver_id": h.driverID,
		"status":    body.Status,
	}).Info("Driver status updated")
	server.RespondWithJSON(w, http.StatusOK, profile)
}

func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	list, err := h.drivers.MyDeliveries(r.Context())
	if err != nil {
		h.respondWithFailure(w, err, "Failed to load deliveries")
		return
	}

	views := make([]deliveryView, 0, len(list))
	for _, d := range list {
		views = append(views, viewOf(h.deliveries.Track(d)))
	}
	h.deliveries.Prune()

	server.RespondWithJSON(w, http.StatusOK, views)
}

func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r, h.deliveries.Get)
	if !ok {
		return
	}
	server.RespondWithJSON(w, http.StatusOK, viewOf(c))
}

func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	action, _ := delivery.ParseAction(mux.Vars(r)["action"])

	var body struct {
		Notes *string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		server.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, ok := h.controller(w, r, h.deliveries.Lookup)
	if !ok {
		return
	}

	var err error
	switch action {
	case delivery.ActionPickup:
		_, err = c.MarkPickedUp(r.Context(), body.Notes)
	case delivery.ActionStart:
		_, err = c.StartDelivery(r.Context(), body.Notes)
	case delivery.ActionArrive:
		_, err = c.MarkArrived(r.Context(), body.Notes)
	}
	if err != nil {
		h.respondWithFailure(w, err, "Failed to update delivery")
		return
	}

	server.RespondWithJSON(w, http.StatusOK, viewOf(c))
}

// CompleteDelivery takes a multipart form with recipientName, deliveryNotes
// and an optional photo file.
func (h *Handler) CompleteDelivery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, proof.MaxPhotoBytes+(1<<20))
	if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			server.RespondWithError(w, http.StatusRequestEntityTooLarge, proof.ErrPhotoTooLarge.Error())
			return
		}
		server.RespondWithError(w, http.StatusBadRequest, "Invalid form")
		return
	}

	var photo *proof.Photo
	file, _, err := r.FormFile("photo")
	switch {
	case err == nil:
		defer file.Close()
		photo, err = proof.Prepare(file)
		if err != nil {
			h.respondWithFailure(w, err, "Invalid proof photo")
			return
		}
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
	default:
		server.RespondWithError(w, http.StatusBadRequest, "Invalid photo upload")
		return
	}

	c, ok := h.controller(w, r, h.deliveries.Lookup)
	if !ok {
		return
	}

	if _, err := c.CompleteDelivery(r.Context(), r.FormValue("recipientName"), r.FormValue("deliveryNotes"), photo); err != nil {
		h.respondWithFailure(w, err, "Failed to complete delivery")
		return
	}

	server.RespondWithJSON(w, http.StatusOK, viewOf(c))
}

func (h *Handler) TrackingStatus(w http.ResponseWriter, r *http.Request) {
	server.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"driver_id": h.driverID,
		"tracking":  h.tracker.IsTracking(),
	})
}

func (h *Handler) StartTracking(w http.ResponseWriter, r *http.Request) {
	// Tracking outlives this request.
	if err := h.tracker.Start(context.WithoutCancel(r.Context()), h.driverID); err != nil {
		h.respondWithFailure(w, err, "Failed to start tracking")
		return
	}
	h.TrackingStatus(w, r)
}

func (h *Handler) StopTracking(w http.ResponseWriter, r *http.Request) {
	h.tracker.Stop()
	h.TrackingStatus(w, r)
}

func (h *Handler) CurrentPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.tracker.CurrentPosition(r.Context())
	if err != nil {
		h.respondWithFailure(w, err, "Failed to read position")
		return
	}
	server.RespondWithJSON(w, http.StatusOK, pos)
}

type controllerFunc func(ctx context.Context, deliveryID int64) (*delivery.Controller, error)

func (h *Handler) controller(w http.ResponseWriter, r *http.Request, find controllerFunc) (*delivery.Controller, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		server.RespondWithError(w, http.StatusBadRequest, "Invalid delivery id")
		return nil, false
	}

	c, err := find(r.Context(), id)
	if err != nil {
		h.respondWithFailure(w, err, "Failed to load delivery")
		return nil, false
	}
	return c, true
}

// respondWithFailure maps err to a status code. Server messages are passed
// through so the driver sees why the API refused.
func (h *Handler) respondWithFailure(w http.ResponseWriter, err error, fallback string) {
	code := http.StatusBadGateway
	message := fallback

	switch {
	case errors.Is(err, delivery.ErrRecipientRequired):
		code, message = http.StatusBadRequest, "Recipient name is required"
	case errors.Is(err, delivery.ErrInvalidTransition), errors.Is(err, delivery.ErrTransitionInFlight):
		code, message = http.StatusConflict, err.Error()
	case errors.Is(err, proof.ErrPhotoTooLarge):
		code, message = http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, proof.ErrNotAnImage):
		code, message = http.StatusUnsupportedMediaType, err.Error()
	case errors.Is(err, telemetry.ErrCapabilityUnavailable):
		code, message = http.StatusServiceUnavailable, "Location tracking is not available on this device"
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen):
		code, message = http.StatusServiceUnavailable, "The delivery service is temporarily unavailable"
	case telemetry.PositionErrorCodeOf(err) != telemetry.Unknown:
		code, message = http.StatusServiceUnavailable, err.Error()
	case api.StatusCode(err) == http.StatusNotFound:
		code, message = http.StatusNotFound, api.Message(err)
	case api.StatusCode(err) >= 400 && api.StatusCode(err) < 500:
		code, message = api.StatusCode(err), api.Message(err)
	}

	entry := h.logger.WithError(err).WithField("status", code)
	if code >= 500 {
		entry.Error(fallback)
	} else {
		entry.Warn(fallback)
	}
	server.RespondWithError(w, code, message)
}
