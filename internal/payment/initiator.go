package payment

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"sort"
	"strconv"

	"github.com/jogardn/fieldops/pkg/models"
	"github.com/sirupsen/logrus"
)

type PaymentInitiator interface {
	InitiatePayment(ctx context.Context, orderID int64) (*models.PaymentInitiation, error)
}

// Initiator starts a processor checkout and remembers its reference so the
// return leg can find it.
type Initiator struct {
	api    PaymentInitiator
	logger *logrus.Logger
}

func NewInitiator(api PaymentInitiator, logger *logrus.Logger) *Initiator {
	return &Initiator{api: api, logger: logger}
}

type FormField struct {
	Name  string
	Value string
}

// Redirect is the processor form the customer's browser must post.
type Redirect struct {
	URL       string
	Reference string
	Fields    []FormField
}

func (i *Initiator) Begin(ctx context.Context, slot Slot, orderID int64) (*Redirect, error) {
	initiation, err := i.api.InitiatePayment(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if err := slot.Put(ctx, initiation.PaymentReference); err != nil {
		return nil, fmt.Errorf("failed to remember pending payment: %w", err)
	}

	i.logger.WithFields(logrus.Fields{
		"order_id":          orderID,
		"payment_reference": initiation.PaymentReference,
	}).Info("Payment initiated")

	return &Redirect{
		URL:       initiation.PaymentURL,
		Reference: initiation.PaymentReference,
		Fields:    formFields(initiation.FormData),
	}, nil
}

// ClearPending empties the slot without asking the processor anything. It is
// what the cancel route does.
func ClearPending(ctx context.Context, slot Slot) error {
	if err := slot.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear pending payment: %w", err)
	}
	return nil
}

var redirectForm = template.Must(template.New("redirect").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Redirecting to payment</title></head>
<body onload="document.forms[0].submit()">
<form method="POST" action="{{.URL}}">
{{- range .Fields}}
<input type="hidden" name="{{.Name}}" value="{{.Value}}">
{{- end}}
<noscript><button type="submit">Continue to payment</button></noscript>
</form>
</body>
</html>
`))

// WriteForm renders a page that posts the processor fields on load.
func (r *Redirect) WriteForm(w io.Writer) error {
	return redirectForm.Execute(w, r)
}

func formFields(data map[string]interface{}) []FormField {
	fields := make([]FormField, 0, len(data))
	for name, value := range data {
		fields = append(fields, FormField{Name: name, Value: formValue(value)})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return fields
}

func formValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
