package apistub

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jogardn/fieldops/internal/server"
	"github.com/jogardn/fieldops/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Config struct {
	SettleAfter int                  // status checks before a payment settles
	Outcome     models.PaymentStatus // what it settles to, SUCCESS by default
	MaxDelay    time.Duration        // random processing delay per request
	ReturnURL   string               // storefront base URL for processor return links
	PublicURL   string               // base URL proof photos are served from
}

type payment struct {
	attempt models.PaymentAttempt
	checks  int
}

type transition struct {
	from, to models.DeliveryStatus
}

var transitions = map[string]transition{
	"pickup":   {models.DeliveryAssigned, models.DeliveryPickedUp},
	"start":    {models.DeliveryPickedUp, models.DeliveryInTransit},
	"arrive":   {models.DeliveryInTransit, models.DeliveryArrived},
	"complete": {models.DeliveryArrived, models.DeliveryDelivered},
}

// Stub is an in-memory stand-in for the sales/distribution API, enough to run
// the driver agent and the storefront locally.
type Stub struct {
	config   Config
	validate *validator.Validate
	logger   *logrus.Logger

	mu         sync.RWMutex
	driver     models.DriverProfile
	deliveries map[int64]*models.Delivery
	locations  map[int64]models.LocationSample
	payments   map[string]*payment
	photos     map[string][]byte
	nextRef    int
}

func New(config Config, logger *logrus.Logger) *Stub {
	if config.Outcome == "" {
		config.Outcome = models.PaymentSuccess
	}
	return &Stub{
		config:     config,
		validate:   validator.New(),
		logger:     logger,
		driver:     models.DriverProfile{DriverID: 1, Name: "Demo Driver", VehicleNumber: "CAB-1234", VehicleType: "VAN", Status: models.DriverAvailable},
		deliveries: make(map[int64]*models.Delivery),
		locations:  make(map[int64]models.LocationSample),
		payments:   make(map[string]*payment),
		photos:     make(map[string][]byte),
	}
}

// Seed assigns a few deliveries to the demo driver.
func (s *Stub) Seed() {
	driverID := s.driver.DriverID
	lat, lng := 6.9271, 79.8612
	for i, status := range []models.DeliveryStatus{models.DeliveryAssigned, models.DeliveryInTransit, models.DeliveryArrived} {
		id := int64(101 + i)
		s.Add(models.Delivery{
			DeliveryID:           id,
			OrderID:              1000 + id,
			OrderNumber:          fmt.Sprintf("ORD-%d", 1000+id),
			Status:               status,
			DriverID:             &driverID,
			DriverName:           s.driver.Name,
			DestinationAddress:   fmt.Sprintf("%d Galle Road, Colombo", 10*(i+1)),
			DestinationLatitude:  &lat,
			DestinationLongitude: &lng,
			ContactNumber:        "+94 77 123 4567",
		})
	}
}

func (s *Stub) Add(d models.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.DeliveryID] = &d
}

func (s *Stub) Delivery(id int64) (models.Delivery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return models.Delivery{}, false
	}
	return *d, true
}

func (s *Stub) LastLocation(driverID int64) (models.LocationSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sample, ok := s.locations[driverID]
	return sample, ok
}

func (s *Stub) Register(router *mux.Router) {
	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.delayMiddleware)

	api.HandleFunc("/deliveries/{id:[0-9]+}", s.getDelivery).Methods("GET")
	api.HandleFunc("/deliveries/{id:[0-9]+}/proof", s.uploadProof).Methods("POST")
	api.HandleFunc("/deliveries/{id:[0-9]+}/{action:pickup|start|arrive|complete}", s.transition).Methods("PUT")
	api.HandleFunc("/drivers/me", s.getProfile).Methods("GET")
	api.HandleFunc("/drivers/me/deliveries", s.myDeliveries).Methods("GET")
	api.HandleFunc("/drivers/me/status", s.updateStatus).Methods("PUT")
	api.HandleFunc("/drivers/{id:[0-9]+}/location", s.updateLocation).Methods("PUT")
	api.HandleFunc("/payments/initiate", s.initiatePayment).Methods("POST")
	api.HandleFunc("/payments/status/{ref}", s.paymentStatus).Methods("GET")
	api.HandleFunc("/payments/order/{id:[0-9]+}", s.paymentsByOrder).Methods("GET")
	api.HandleFunc("/payments", s.paymentHistory).Methods("GET")

	router.HandleFunc("/proofs/{name}", s.servePhoto).Methods("GET")
}

func (s *Stub) delayMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.MaxDelay > 0 {
			delay := time.Duration(rand.Int63n(int64(s.config.MaxDelay)))
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Stub) getDelivery(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	d, ok := s.Delivery(id)
	if !ok {
		server.RespondWithError(w, http.StatusNotFound, "Delivery not found")
		return
	}
	server.RespondWithJSON(w, http.StatusOK, d)
}

func (s *Stub) transition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, _ := strconv.ParseInt(vars["id"], 10, 64)
	action := vars["action"]
	rule := transitions[action]

	var completion models.CompletionRequest
	var req models.TransitionRequest
	var err error
	if action == "complete" {
		err = json.NewDecoder(r.Body).Decode(&completion)
		if err == nil {
			err = s.validate.Struct(completion)
		}
	} else {
		err = json.NewDecoder(r.Body).Decode(&req)
		if err == io.EOF {
			err = nil
		}
	}
	if err != nil {
		server.RespondWithError(w, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	s.mu.Lock()
	d, ok := s.deliveries[id]
	if !ok {
		s.mu.Unlock()
		server.RespondWithError(w, http.StatusNotFound, "Delivery not found")
		return
	}
	if d.Status != rule.from {
		status := d.Status
		s.mu.Unlock()
		server.RespondWithError(w, http.StatusBadRequest,
			fmt.Sprintf("Cannot %s a delivery that is %s", action, status))
		return
	}

	now := time.Now().UTC()
	d.Status = rule.to
	switch action {
	case "pickup":
		d.PickupTime = &now
	case "complete":
		d.DeliveryTime = &now
		d.RecipientName = completion.RecipientName
		if completion.PhotoURL != nil {
			d.ProofPhotoURL = *completion.PhotoURL
		}
		if completion.DeliveryNotes != "" {
			d.Notes = &completion.DeliveryNotes
		}
	}
	if req.Notes != nil {
		d.Notes = req.Notes
	}
	updated := *d
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"delivery_id": id,
		"action":      action,
		"status":      updated.Status,
	}).Info("Stub delivery updated")
	server.RespondWithJSON(w, http.StatusOK, updated)
}

func (s *Stub) uploadProof(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if _, ok := s.Delivery(id); !ok {
		server.RespondWithError(w, http.StatusNotFound, "Delivery not found")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 11<<20)
	file, _, err := r.FormFile("file")
	if err != nil {
		server.RespondWithError(w, http.StatusBadRequest, "Missing file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		server.RespondWithError(w, http.StatusBadRequest, "Failed to read file")
		return
	}

	name := fmt.Sprintf("%d-%s.jpg", id, uuid.NewString())
	s.mu.Lock()
	s.photos[name] = data
	s.mu.Unlock()

	server.RespondWithJSON(w, http.StatusCreated, models.ProofUpload{PhotoURL: s.config.PublicURL + "/proofs/" + name})
}

func (s *Stub) servePhoto(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	data, ok := s.photos[mux.Vars(r)["name"]]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(data)
}

func (s *Stub) getProfile(w http.ResponseWriter, r *http.Request) {
	server.RespondWithJSON(w, http.StatusOK, s.profile())
}

func (s *Stub) profile() models.DriverProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile := s.driver
	for _, d := range s.deliveries {
		if d.DriverID == nil || *d.DriverID != profile.DriverID {
			continue
		}
		profile.TotalDeliveries++
		switch {
		case d.Status == models.DeliveryDelivered:
			profile.CompletedDeliveries++
		case !d.Status.IsTerminal():
			profile.ActiveDeliveries++
		}
	}
	return profile
}

func (s *Stub) myDeliveries(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	list := make([]models.Delivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		if d.DriverID != nil && *d.DriverID == s.driver.DriverID {
			list = append(list, *d)
		}
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].DeliveryID < list[j].DeliveryID })
	server.RespondWithJSON(w, http.StatusOK, list)
}

func (s *Stub) updateStatus(w http.ResponseWriter, r *http.Request) {
	status := models.DriverStatus(r.URL.Query().Get("status"))
	if !status.Valid() {
		server.RespondWithError(w, http.StatusBadRequest, "Invalid status")
		return
	}
	s.mu.Lock()
	s.driver.Status = status
	s.mu.Unlock()
	server.RespondWithJSON(w, http.StatusOK, s.profile())
}

func (s *Stub) updateLocation(w http.ResponseWriter, r *http.Request) {
	driverID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	var sample models.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		server.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.validate.Struct(sample); err != nil {
		server.RespondWithError(w, http.StatusBadRequest, "Invalid location: "+err.Error())
		return
	}
	sample.CapturedAt = time.Now().UTC()

	s.mu.Lock()
	s.locations[driverID] = sample
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Stub) initiatePayment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OrderID <= 0 {
		server.RespondWithError(w, http.StatusBadRequest, "orderId is required")
		return
	}

	amount := decimal.NewFromInt(body.OrderID).Mul(decimal.RequireFromString("12.5")).Round(2)

	s.mu.Lock()
	s.nextRef++
	ref := fmt.Sprintf("PAY-%d-%d", body.OrderID, s.nextRef)
	s.payments[ref] = &payment{attempt: models.PaymentAttempt{
		PaymentReference: ref,
		OrderID:          body.OrderID,
		Status:           models.PaymentPending,
		Amount:           amount,
		Currency:         "LKR",
		OrderNumber:      fmt.Sprintf("ORD-%d", body.OrderID),
	}}
	s.mu.Unlock()

	server.RespondWithJSON(w, http.StatusOK, models.PaymentInitiation{
		PaymentURL:       "https://sandbox.payhere.lk/pay/checkout",
		PaymentReference: ref,
		FormData: map[string]interface{}{
			"merchant_id": "1211149",
			"order_id":    ref,
			"items":       fmt.Sprintf("Order ORD-%d", body.OrderID),
			"amount":      amount.StringFixed(2),
			"currency":    "LKR",
			"return_url":  s.config.ReturnURL + "/payment/success",
			"cancel_url":  s.config.ReturnURL + "/payment/cancel",
		},
	})
}

// paymentStatus answers PENDING for the first SettleAfter checks of a
// reference and the configured outcome after that.
func (s *Stub) paymentStatus(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]

	s.mu.Lock()
	p, ok := s.payments[ref]
	if !ok {
		s.mu.Unlock()
		server.RespondWithError(w, http.StatusNotFound, "Payment not found")
		return
	}
	p.checks++
	if p.attempt.Status == models.PaymentPending && p.checks > s.config.SettleAfter {
		p.attempt.Status = s.config.Outcome
	}
	attempt := p.attempt
	s.mu.Unlock()

	server.RespondWithJSON(w, http.StatusOK, attempt)
}

func (s *Stub) paymentsByOrder(w http.ResponseWriter, r *http.Request) {
	orderID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	server.RespondWithJSON(w, http.StatusOK, s.attempts(func(a models.PaymentAttempt) bool {
		return a.OrderID == orderID
	}))
}

func (s *Stub) paymentHistory(w http.ResponseWriter, r *http.Request) {
	server.RespondWithJSON(w, http.StatusOK, s.attempts(func(models.PaymentAttempt) bool { return true }))
}

func (s *Stub) attempts(keep func(models.PaymentAttempt) bool) []models.PaymentAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := []models.PaymentAttempt{}
	for _, p := range s.payments {
		if keep(p.attempt) {
			list = append(list, p.attempt)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].PaymentReference < list[j].PaymentReference })
	return list
}
