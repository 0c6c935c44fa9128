package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jogardn/fieldops/internal/circuitbreaker"
	"github.com/jogardn/fieldops/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL+"/api", newTestLogger(), opts...)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestTransitionReturnsConfirmedDelivery(t *testing.T) {
	var body models.TransitionRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/deliveries/7/pickup", r.URL.Path)
		assert.Equal(t, "Bearer driver-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, models.Delivery{DeliveryID: 7, Status: models.DeliveryPickedUp})
	}, WithToken("driver-token"))

	notes := "left at gate"
	delivery, err := client.PickUp(context.Background(), 7, &notes)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPickedUp, delivery.Status)
	require.NotNil(t, body.Notes)
	assert.Equal(t, "left at gate", *body.Notes)
}

func TestTransitionRefetchesOnEmptyBody(t *testing.T) {
	var gets int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/api/deliveries/9/arrive":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/api/deliveries/9":
			atomic.AddInt32(&gets, 1)
			writeJSON(w, http.StatusOK, models.Delivery{DeliveryID: 9, Status: models.DeliveryArrived})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	delivery, err := client.MarkArrived(context.Background(), 9, nil)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryArrived, delivery.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&gets))
}

func TestCompletionPayload(t *testing.T) {
	var payload map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		writeJSON(w, http.StatusOK, models.Delivery{DeliveryID: 3, Status: models.DeliveryDelivered, RecipientName: "Jane Doe"})
	})

	_, err := client.CompleteDelivery(context.Background(), 3, models.CompletionRequest{RecipientName: "Jane Doe"})
	require.NoError(t, err)

	assert.Equal(t, "Jane Doe", payload["recipientName"])
	for _, key := range []string{"currentLatitude", "currentLongitude", "photoUrl"} {
		value, present := payload[key]
		assert.True(t, present, "expected %s in payload", key)
		assert.Nil(t, value, "expected %s to be null", key)
	}
}

func TestServerMessageIsSurfaced(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]string{"message": "Delivery must be picked up first"})
	})

	_, err := client.StartDelivery(context.Background(), 4, nil)
	require.Error(t, err)
	assert.Equal(t, "Delivery must be picked up first", Message(err))
	assert.Equal(t, http.StatusConflict, StatusCode(err))

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.MethodPut, apiErr.Method)
}

func TestErrorWithoutBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetDelivery(context.Background(), 99)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, Message(err), "404")
}

func TestBreakerIgnoresRejectedRequests(t *testing.T) {
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures: 2,
		Timeout:     time.Minute,
		IsFailure:   IsFailure,
	}, newTestLogger())
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid status"})
	}, WithBreakers(breakers))

	for i := 0; i < 5; i++ {
		_, err := client.PickUp(context.Background(), 1, nil)
		require.Error(t, err)
		assert.Equal(t, "invalid status", Message(err))
	}
	assert.Equal(t, circuitbreaker.StateClosed, breakers.For(AreaDeliveries).State())
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var calls int32
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures: 2,
		Timeout:     time.Minute,
		IsFailure:   IsFailure,
	}, newTestLogger())
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}, WithBreakers(breakers))

	sample := models.LocationSample{Latitude: 6.9, Longitude: 79.8}
	client.UpdateLocation(context.Background(), 5, sample)
	client.UpdateLocation(context.Background(), 5, sample)
	err := client.UpdateLocation(context.Background(), 5, sample)

	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, circuitbreaker.StateClosed, breakers.For(AreaPayments).State())
}

func TestUpdateLocationBody(t *testing.T) {
	var body map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/drivers/12/location", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	})

	speed := 36.0
	err := client.UpdateLocation(context.Background(), 12, models.LocationSample{
		Latitude:  6.9271,
		Longitude: 79.8612,
		Accuracy:  8,
		Speed:     &speed,
	})
	require.NoError(t, err)

	assert.Equal(t, 6.9271, body["latitude"])
	assert.Equal(t, 79.8612, body["longitude"])
	assert.Equal(t, 8.0, body["accuracy"])
	assert.Equal(t, 36.0, body["speed"])
	assert.Nil(t, body["heading"])
	assert.NotContains(t, body, "capturedAt")
}

func TestUploadProof(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/deliveries/21/proof", r.URL.Path)
		assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "proof.jpg", header.Filename)
		assert.Equal(t, "jpeg-bytes", string(data))

		writeJSON(w, http.StatusOK, models.ProofUpload{PhotoURL: "https://cdn.example.com/proof/21.jpg"})
	})

	url, err := client.UploadProof(context.Background(), 21, "proof.jpg", strings.NewReader("jpeg-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/proof/21.jpg", url)
}

func TestUploadProofWithoutURL(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{})
	})

	_, err := client.UploadProof(context.Background(), 21, "proof.jpg", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestPaymentStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/payments/status/PAY-001", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"SUCCESS","amount":1250.50,"currency":"LKR","orderNumber":"ORD-42"}`)
	})

	attempt, err := client.PaymentStatus(context.Background(), "PAY-001")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSuccess, attempt.Status)
	assert.Equal(t, "1250.5", attempt.Amount.String())
	assert.Equal(t, "PAY-001", attempt.PaymentReference)
	assert.Equal(t, "ORD-42", attempt.OrderNumber)
}

func TestInitiatePayment(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int64
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(42), body["orderId"])
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"paymentUrl":"https://sandbox.payhere.lk/pay/checkout","paymentReference":"PAY-42","payhereFormData":{"merchant_id":"1211","amount":"1250.50","order_id":42}}`)
	})

	initiation, err := client.InitiatePayment(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "PAY-42", initiation.PaymentReference)
	assert.Equal(t, "1211", initiation.FormData["merchant_id"])
	assert.Equal(t, 42.0, initiation.FormData["order_id"])
}

func TestInitiatePaymentMissingReference(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"paymentUrl": "https://sandbox.payhere.lk/pay/checkout"})
	})

	_, err := client.InitiatePayment(context.Background(), 42)
	assert.Error(t, err)
}

func TestUpdateMyStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ON_BREAK", r.URL.Query().Get("status"))
		writeJSON(w, http.StatusOK, models.DriverProfile{DriverID: 5, Status: models.DriverOnBreak})
	})

	profile, err := client.UpdateMyStatus(context.Background(), models.DriverOnBreak)
	require.NoError(t, err)
	assert.Equal(t, models.DriverOnBreak, profile.Status)

	_, err = client.UpdateMyStatus(context.Background(), models.DriverStatus("NAPPING"))
	assert.Error(t, err)
}

func TestWithBearerOverridesToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer customer-token", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, []models.PaymentAttempt{})
	}, WithToken("service-token"))

	ctx := WithBearer(context.Background(), "customer-token")
	_, err := client.PaymentHistory(ctx)
	require.NoError(t, err)
}

type countingTransport struct {
	calls atomic.Int32
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return http.DefaultTransport.RoundTrip(r)
}

func TestWithHTTPClient(t *testing.T) {
	transport := &countingTransport{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, models.DriverProfile{DriverID: 7})
	}, WithHTTPClient(&http.Client{Transport: transport}), WithTimeout(time.Second))

	profile, err := client.MyProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), profile.DriverID)
	assert.Equal(t, int32(1), transport.calls.Load())
}

func TestIsFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", errors.New("connection refused"), true},
		{"bad request", &Error{StatusCode: 400}, false},
		{"conflict", &Error{StatusCode: 409}, false},
		{"timeout", &Error{StatusCode: 408}, true},
		{"throttled", &Error{StatusCode: 429}, true},
		{"server", &Error{StatusCode: 503}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFailure(tt.err))
		})
	}
}
