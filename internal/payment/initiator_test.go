package payment

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jogardn/fieldops/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInitiator struct {
	initiation *models.PaymentInitiation
	err        error
}

func (f *fakeInitiator) InitiatePayment(ctx context.Context, orderID int64) (*models.PaymentInitiation, error) {
	return f.initiation, f.err
}

func TestBeginStoresReference(t *testing.T) {
	store := newMemoryStore()
	slot := NewSlot(store, "session-1")
	initiator := NewInitiator(&fakeInitiator{initiation: &models.PaymentInitiation{
		PaymentURL:       "https://sandbox.payhere.lk/pay/checkout",
		PaymentReference: "PAY-42",
		FormData: map[string]interface{}{
			"merchant_id": "1211149",
			"order_id":    float64(42),
			"amount":      "1250.50",
			"items":       `Rice 5kg & "Dhal"`,
			"recurring":   false,
		},
	}}, newTestLogger())

	redirect, err := initiator.Begin(context.Background(), slot, 42)
	require.NoError(t, err)

	ref, ok, _ := slot.Get(context.Background())
	require.True(t, ok)
	assert.Equal(t, "PAY-42", ref)
	assert.Equal(t, "PAY-42", redirect.Reference)

	names := make([]string, 0, len(redirect.Fields))
	for _, f := range redirect.Fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"amount", "items", "merchant_id", "order_id", "recurring"}, names)

	var page bytes.Buffer
	require.NoError(t, redirect.WriteForm(&page))
	html := page.String()
	assert.Contains(t, html, `action="https://sandbox.payhere.lk/pay/checkout"`)
	assert.Contains(t, html, `method="POST"`)
	assert.Contains(t, html, `name="order_id" value="42"`)
	assert.Contains(t, html, `name="recurring" value="false"`)
	assert.Contains(t, html, "document.forms[0].submit()")
	assert.NotContains(t, html, `"Dhal"`, "field values are escaped")
	assert.True(t, strings.Contains(html, "Rice 5kg &amp; &#34;Dhal&#34;"))
}

func TestBeginFailureLeavesSlotAlone(t *testing.T) {
	store := newMemoryStore()
	slot := NewSlot(store, "session-1")
	require.NoError(t, slot.Put(context.Background(), "PAY-OLD"))

	initiator := NewInitiator(&fakeInitiator{err: errors.New("order already paid")}, newTestLogger())
	_, err := initiator.Begin(context.Background(), slot, 42)
	assert.Error(t, err)

	ref, ok, _ := slot.Get(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "PAY-OLD", ref)
}
