package models

import "github.com/shopspring/decimal"

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSuccess   PaymentStatus = "SUCCESS"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentSuccess || s == PaymentFailed || s == PaymentCancelled
}

type PaymentAttempt struct {
	PaymentReference string          `json:"paymentReference"`
	OrderID          int64           `json:"orderId,omitempty"`
	Status           PaymentStatus   `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	OrderNumber      string          `json:"orderNumber"`
}

// PaymentInitiation is what the initiate endpoint hands back: where to send
// the customer and the processor fields to post there.
type PaymentInitiation struct {
	PaymentURL       string                 `json:"paymentUrl"`
	FormData         map[string]interface{} `json:"payhereFormData"`
	PaymentReference string                 `json:"paymentReference"`
}
