package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jogardn/fieldops/pkg/models"
)

func (c *Client) InitiatePayment(ctx context.Context, orderID int64) (*models.PaymentInitiation, error) {
	var initiation models.PaymentInitiation
	body := map[string]int64{"orderId": orderID}
	if err := c.doJSON(ctx, AreaPayments, http.MethodPost, "/payments/initiate", body, &initiation); err != nil {
		return nil, fmt.Errorf("failed to initiate payment for order %d: %w", orderID, err)
	}
	if initiation.PaymentReference == "" || initiation.PaymentURL == "" {
		return nil, fmt.Errorf("payment initiation for order %d is missing reference or url", orderID)
	}
	return &initiation, nil
}

func (c *Client) PaymentStatus(ctx context.Context, reference string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	path := "/payments/status/" + url.PathEscape(reference)
	if err := c.doJSON(ctx, AreaPayments, http.MethodGet, path, nil, &attempt); err != nil {
		return nil, fmt.Errorf("failed to fetch payment status: %w", err)
	}
	if attempt.PaymentReference == "" {
		attempt.PaymentReference = reference
	}
	return &attempt, nil
}

func (c *Client) PaymentsByOrder(ctx context.Context, orderID int64) ([]models.PaymentAttempt, error) {
	var attempts []models.PaymentAttempt
	path := "/payments/order/" + strconv.FormatInt(orderID, 10)
	if err := c.doJSON(ctx, AreaPayments, http.MethodGet, path, nil, &attempts); err != nil {
		return nil, fmt.Errorf("failed to fetch payments for order %d: %w", orderID, err)
	}
	return attempts, nil
}

func (c *Client) PaymentHistory(ctx context.Context) ([]models.PaymentAttempt, error) {
	var attempts []models.PaymentAttempt
	if err := c.doJSON(ctx, AreaPayments, http.MethodGet, "/payments", nil, &attempts); err != nil {
		return nil, fmt.Errorf("failed to fetch payment history: %w", err)
	}
	return attempts, nil
}
