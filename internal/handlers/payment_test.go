package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanisapp/mpesapay-gobackend/internal/models"
	"github.com/kanisapp/mpesapay-gobackend/internal/services"
	"github.com/kanisapp/mpesapay-gobackend/internal/store"
)

const testJWTSecret = "test-secret"

type stubGateway struct {
	submitErr error
}

func (s *stubGateway) SubmitPushPayment(ctx context.Context, phone string, amount float64, accountReference string) (*services.PushSubmission, error) {
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return &services.PushSubmission{CheckoutRequestID: "ws_1", MerchantRequestID: "m_1"}, nil
}

func newTestRouter(t *testing.T) (http.Handler, *store.MemoryStore, *stubGateway) {
	t.Helper()
	st := store.NewMemoryStore()
	gw := &stubGateway{}
	svc := services.NewPaymentService(gw, st, st)
	poller := services.NewStatusPoller(st, services.PollerConfig{
		InitialDelay:  time.Millisecond,
		RetryInterval: time.Millisecond,
		MaxRetries:    2,
	})
	h := NewPaymentHandler(svc, poller, []byte(testJWTSecret))

	router := mux.NewRouter()
	router.HandleFunc("/api/payment/stkpush", h.InitiatePayment).Methods("POST")
	router.HandleFunc("/api/payment/callback", h.Callback).Methods("POST")
	router.HandleFunc("/api/payments", h.ListOutcomes).Methods("GET")
	router.HandleFunc("/api/payment/{checkoutRequestID}/status", h.GetOutcome).Methods("GET")
	router.HandleFunc("/api/payment/{checkoutRequestID}/await", h.AwaitOutcome).Methods("GET")
	return router, st, gw
}

func bearerToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func TestInitiatePayment_RequiresToken(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest("POST", "/api/payment/stkpush", bytes.NewBufferString(`{"phone":"0712345678","amount":100}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInitiatePayment_InvalidInput(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest("POST", "/api/payment/stkpush", bytes.NewBufferString(`{"phone":"12345","amount":100}`))
	req.Header.Set("Authorization", bearerToken(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "phone")
}

func TestInitiatePayment_Success(t *testing.T) {
	router, st, _ := newTestRouter(t)

	body := `{"phone":"0712345678","amount":100,"account_reference":"Tithe"}`
	req := httptest.NewRequest("POST", "/api/payment/stkpush", bytes.NewBufferString(body))
	req.Header.Set("Authorization", bearerToken(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var attempt models.PaymentAttempt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &attempt))
	assert.Equal(t, "ws_1", attempt.CheckoutRequestID)
	assert.Equal(t, "254712345678", attempt.Phone)

	stored, err := st.GetAttempt(context.Background(), "ws_1")
	require.NoError(t, err)
	assert.Equal(t, "Tithe", stored.AccountReference)
}

func TestInitiatePayment_GatewayRejection(t *testing.T) {
	router, _, gw := newTestRouter(t)
	gw.submitErr = &services.GatewayRequestError{StatusCode: 503, Body: "unavailable"}

	req := httptest.NewRequest("POST", "/api/payment/stkpush", bytes.NewBufferString(`{"phone":"0712345678","amount":100}`))
	req.Header.Set("Authorization", bearerToken(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCallback_NestedShapeRecordsOutcome(t *testing.T) {
	router, st, _ := newTestRouter(t)

	body := `{"Body":{"stkCallback":{"MerchantRequestID":"m_1","CheckoutRequestID":"ws_1","ResultCode":0,"ResultDesc":"ok","CallbackMetadata":{"Item":[{"Name":"Amount","Value":100},{"Name":"MpesaReceiptNumber","Value":"QAX123"}]}}}}`
	req := httptest.NewRequest("POST", "/api/payment/callback", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ResultCode":0`)

	outcome, err := st.GetOutcome(context.Background(), "ws_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccessful, outcome.Status)
	assert.Equal(t, "QAX123", outcome.ReceiptNumber)
}

func TestCallback_FlatShapeRecordsOutcome(t *testing.T) {
	router, st, _ := newTestRouter(t)

	body := `{"checkout_request_id":"ws_1","merchant_request_id":"m_1","result_code":2001,"result_desc":"The initiator information is invalid."}`
	req := httptest.NewRequest("POST", "/api/payment/callback", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	outcome, err := st.GetOutcome(context.Background(), "ws_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInvalidInitiator, outcome.Status)
	assert.False(t, outcome.IsSuccessful)
}

func TestCallback_MalformedStillAcknowledged(t *testing.T) {
	router, st, _ := newTestRouter(t)

	req := httptest.NewRequest("POST", "/api/payment/callback", bytes.NewBufferString(`<xml>nope</xml>`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "provider must not be told to retry an unprocessable payload")

	records := st.MalformedCallbacks()
	require.Len(t, records, 1)
	assert.Equal(t, `<xml>nope</xml>`, records[0].RawPayload)
}

func TestCallback_RejectsNonPOST(t *testing.T) {
	router, _, _ := newTestRouter(t)

	for _, method := range []string{"GET", "PUT", "DELETE"} {
		req := httptest.NewRequest(method, "/api/payment/callback", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "method %s", method)
	}
}

func TestCallback_DuplicateDeliveryIsIdempotent(t *testing.T) {
	router, st, _ := newTestRouter(t)

	body := `{"Body":{"stkCallback":{"MerchantRequestID":"m_1","CheckoutRequestID":"ws_1","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/api/payment/callback", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	outcomes, err := st.ListOutcomes(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.StatusUserCancelled, outcomes[0].Status)
}

func TestGetOutcome_NotFound(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/payment/ws_missing/status", nil)
	req.Header.Set("Authorization", bearerToken(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOutcome_Found(t *testing.T) {
	router, st, _ := newTestRouter(t)
	require.NoError(t, st.UpsertOutcome(context.Background(), &models.TransactionOutcome{
		CheckoutRequestID: "ws_1",
		Status:            models.StatusSuccessful,
		IsSuccessful:      true,
		ReceiptNumber:     "QAX123",
	}))

	req := httptest.NewRequest("GET", "/api/payment/ws_1/status", nil)
	req.Header.Set("Authorization", bearerToken(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var outcome models.TransactionOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.Equal(t, "QAX123", outcome.ReceiptNumber)
}

func TestAwaitOutcome_StillProcessing(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/payment/ws_1/await", nil)
	req.Header.Set("Authorization", bearerToken(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "still processing is not a failure")

	var resp struct {
		CheckoutRequestID string `json:"checkout_request_id"`
		StillProcessing   bool   `json:"still_processing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.StillProcessing)
	assert.Equal(t, "ws_1", resp.CheckoutRequestID)
}

func TestAwaitOutcome_Terminal(t *testing.T) {
	router, st, _ := newTestRouter(t)
	require.NoError(t, st.UpsertOutcome(context.Background(), &models.TransactionOutcome{
		CheckoutRequestID: "ws_1",
		ResultCode:        0,
		IsSuccessful:      true,
		Status:            models.StatusSuccessful,
	}))

	req := httptest.NewRequest("GET", "/api/payment/ws_1/await", nil)
	req.Header.Set("Authorization", bearerToken(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		StillProcessing bool                       `json:"still_processing"`
		Outcome         *models.TransactionOutcome `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.StillProcessing)
	require.NotNil(t, resp.Outcome)
	assert.Equal(t, models.StatusSuccessful, resp.Outcome.Status)
}

func TestListOutcomes_StatusFilter(t *testing.T) {
	router, st, _ := newTestRouter(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertOutcome(ctx, &models.TransactionOutcome{CheckoutRequestID: "ws_1", Status: models.StatusSuccessful}))
	require.NoError(t, st.UpsertOutcome(ctx, &models.TransactionOutcome{CheckoutRequestID: "ws_2", Status: models.StatusPending}))

	req := httptest.NewRequest("GET", "/api/payments?status=successful", nil)
	req.Header.Set("Authorization", bearerToken(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var outcomes []models.TransactionOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcomes))
	require.Len(t, outcomes, 1)
	assert.Equal(t, "ws_1", outcomes[0].CheckoutRequestID)

	req = httptest.NewRequest("GET", "/api/payments?status=bogus", nil)
	req.Header.Set("Authorization", bearerToken(t))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
