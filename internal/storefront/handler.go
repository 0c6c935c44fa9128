package storefront

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jogardn/fieldops/internal/api"
	"github.com/jogardn/fieldops/internal/payment"
	"github.com/jogardn/fieldops/internal/server"
	"github.com/jogardn/fieldops/pkg/models"
	"github.com/sirupsen/logrus"
)

type Checkout interface {
	Begin(ctx context.Context, slot payment.Slot, orderID int64) (*payment.Redirect, error)
}

type Resolver interface {
	Resolve(ctx context.Context, slot payment.Slot) (payment.Result, error)
}

type PaymentLookup interface {
	PaymentsByOrder(ctx context.Context, orderID int64) ([]models.PaymentAttempt, error)
	PaymentHistory(ctx context.Context) ([]models.PaymentAttempt, error)
}

const sessionMaxAge = 24 * time.Hour

// Handler serves the customer's side of checkout: sending the browser to the
// processor and confirming the payment when it comes back.
type Handler struct {
	checkout      Checkout
	resolver      Resolver
	payments      PaymentLookup
	store         payment.PendingStore
	sessionCookie string
	logger        *logrus.Logger
}

func NewHandler(checkout Checkout, resolver Resolver, payments PaymentLookup, store payment.PendingStore, sessionCookie string, logger *logrus.Logger) *Handler {
	return &Handler{
		checkout:      checkout,
		resolver:      resolver,
		payments:      payments,
		store:         store,
		sessionCookie: sessionCookie,
		logger:        logger,
	}
}

func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/health", h.HealthCheck).Methods("GET", "OPTIONS")
	router.HandleFunc("/checkout/{orderId:[0-9]+}", h.Checkout).Methods("GET", "POST")
	router.HandleFunc("/payment/success", h.PaymentSuccess).Methods("GET")
	router.HandleFunc("/payment/cancel", h.PaymentCancel).Methods("GET")
	router.HandleFunc("/payments", h.ListPayments).Methods("GET", "OPTIONS")
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	server.RespondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "storefront",
	})
}

// Checkout starts a payment for the order and answers with a page that posts
// the processor form.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(mux.Vars(r)["orderId"], 10, 64)
	if err != nil || orderID <= 0 {
		server.RespondWithError(w, http.StatusBadRequest, "Invalid order id")
		return
	}

	slot := h.slot(w, r)
	ctx := h.customerContext(r)

	redirect, err := h.checkout.Begin(ctx, slot, orderID)
	if err != nil {
		h.logger.WithError(err).WithField("order_id", orderID).Error("Failed to initiate payment")
		code := http.StatusBadGateway
		if c := api.StatusCode(err); c >= 400 && c < 500 {
			code = c
		}
		server.RespondWithError(w, code, api.Message(err))
		return
	}

	var page bytes.Buffer
	if err := redirect.WriteForm(&page); err != nil {
		h.logger.WithError(err).Error("Failed to render payment form")
		server.RespondWithError(w, http.StatusInternalServerError, "Failed to render payment form")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(page.Bytes())
}

// PaymentSuccess is where the processor sends the customer back. It waits for
// the payment to settle while the customer waits; a closed connection stops
// the polling and keeps the pending reference for the next visit.
func (h *Handler) PaymentSuccess(w http.ResponseWriter, r *http.Request) {
	slot := h.slot(w, r)

	result, err := h.resolver.Resolve(h.customerContext(r), slot)
	switch {
	case errors.Is(err, payment.ErrNoPendingPayment):
		server.RespondWithJSON(w, http.StatusOK, result)
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.WithField("session", slot.Key()).Info("Customer left before the payment settled")
		return
	case err != nil:
		h.logger.WithError(err).Error("Failed to confirm payment")
		server.RespondWithError(w, http.StatusInternalServerError, "Failed to confirm payment")
		return
	}

	server.RespondWithJSON(w, http.StatusOK, result)
}

// PaymentCancel forgets the pending payment without asking the processor.
func (h *Handler) PaymentCancel(w http.ResponseWriter, r *http.Request) {
	slot := h.slot(w, r)
	if err := payment.ClearPending(r.Context(), slot); err != nil {
		h.logger.WithError(err).Error("Failed to clear pending payment")
		server.RespondWithError(w, http.StatusInternalServerError, "Failed to cancel payment")
		return
	}
	server.RespondWithJSON(w, http.StatusOK, payment.Result{Outcome: payment.OutcomeCancelled})
}

// ListPayments shows the caller's payment attempts, for one order when
// orderId is given.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	ctx := h.customerContext(r)

	var (
		attempts []models.PaymentAttempt
		err      error
	)
	if raw := r.URL.Query().Get("orderId"); raw != "" {
		orderID, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			server.RespondWithError(w, http.StatusBadRequest, "Invalid order id")
			return
		}
		attempts, err = h.payments.PaymentsByOrder(ctx, orderID)
	} else {
		attempts, err = h.payments.PaymentHistory(ctx)
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to load payments")
		code := http.StatusBadGateway
		if c := api.StatusCode(err); c >= 400 && c < 500 {
			code = c
		}
		server.RespondWithError(w, code, api.Message(err))
		return
	}
	if attempts == nil {
		attempts = []models.PaymentAttempt{}
	}
	server.RespondWithJSON(w, http.StatusOK, attempts)
}

// slot finds the session's pending payment slot, starting a session when the
// browser has none.
func (h *Handler) slot(w http.ResponseWriter, r *http.Request) payment.Slot {
	if cookie, err := r.Cookie(h.sessionCookie); err == nil && cookie.Value != "" {
		return payment.NewSlot(h.store, cookie.Value)
	}

	session := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     h.sessionCookie,
		Value:    session,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return payment.NewSlot(h.store, session)
}

// customerContext forwards the customer's bearer token to the API.
func (h *Handler) customerContext(r *http.Request) context.Context {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return r.Context()
	}
	return api.WithBearer(r.Context(), token)
}
