package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanisapp/mpesapay-gobackend/internal/config"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0712345678", "254712345678", false},
		{"0112345678", "254112345678", false},
		{"712345678", "254712345678", false},
		{"254712345678", "254712345678", false},
		{"+254712345678", "254712345678", false},
		{"", "", true},
		{"12345", "", true},
		{"0812345678", "", true},
		{"07123456789", "", true},
		{"25471234567", "", true},
		{"07a2345678", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizePhone(tt.in)
		if tt.wantErr {
			require.Error(t, err, "input %q", tt.in)
			var validationErr *ValidationError
			assert.ErrorAs(t, err, &validationErr)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestStkPassword(t *testing.T) {
	ts := "20240101120000"
	got := stkPassword("174379", "testpasskey", ts)
	want := base64.StdEncoding.EncodeToString([]byte("174379" + "testpasskey" + ts))
	assert.Equal(t, want, got)
}

func TestDarajaTimestamp(t *testing.T) {
	at := time.Date(2024, 3, 5, 9, 7, 2, 0, time.UTC)
	assert.Equal(t, "20240305090702", darajaTimestamp(at))
}

type fakeDaraja struct {
	tokenCalls int
	pushCalls  int
	lastPush   map[string]interface{}

	tokenStatus int
	pushBody    map[string]interface{}
}

func newFakeDaraja(t *testing.T) (*fakeDaraja, *DarajaClient) {
	t.Helper()
	f := &fakeDaraja{
		tokenStatus: http.StatusOK,
		pushBody: map[string]interface{}{
			"MerchantRequestID":   "29115-34620561-1",
			"CheckoutRequestID":   "ws_CO_191220191020363925",
			"ResponseCode":        "0",
			"ResponseDescription": "Success. Request accepted for processing",
			"CustomerMessage":     "Success. Request accepted for processing",
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			f.tokenCalls++
			user, pass, ok := r.BasicAuth()
			if !ok || user != "consumer-key" || pass != "consumer-secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if f.tokenStatus != http.StatusOK {
				w.WriteHeader(f.tokenStatus)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"access_token": "test-token", "expires_in": "3599"})
		case "/mpesa/stkpush/v1/processrequest":
			f.pushCalls++
			if r.Header.Get("Authorization") != "Bearer test-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewDecoder(r.Body).Decode(&f.lastPush)
			json.NewEncoder(w).Encode(f.pushBody)
		case "/mpesa/stkpushquery/v1/query":
			json.NewEncoder(w).Encode(map[string]string{
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220191020363925",
				"ResultCode":        "1032",
				"ResultDesc":        "Request cancelled by user",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	client := NewDarajaClient(config.DarajaConfig{
		BaseURL:        srv.URL,
		ConsumerKey:    "consumer-key",
		ConsumerSecret: "consumer-secret",
		ShortCode:      "174379",
		PassKey:        "testpasskey",
		CallbackURL:    "https://example.com/api/payment/callback",
	})
	return f, client
}

func TestSubmitPushPayment(t *testing.T) {
	f, client := newFakeDaraja(t)

	sub, err := client.SubmitPushPayment(context.Background(), "254712345678", 100, "Tithe")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_191220191020363925", sub.CheckoutRequestID)
	assert.Equal(t, "29115-34620561-1", sub.MerchantRequestID)

	assert.Equal(t, "174379", f.lastPush["BusinessShortCode"])
	assert.Equal(t, "CustomerPayBillOnline", f.lastPush["TransactionType"])
	assert.Equal(t, "100", f.lastPush["Amount"])
	assert.Equal(t, "254712345678", f.lastPush["PartyA"])
	assert.Equal(t, "254712345678", f.lastPush["PhoneNumber"])
	assert.Equal(t, "174379", f.lastPush["PartyB"])
	assert.Equal(t, "Tithe", f.lastPush["AccountReference"])
	assert.Equal(t, "https://example.com/api/payment/callback", f.lastPush["CallBackURL"])

	ts, ok := f.lastPush["Timestamp"].(string)
	require.True(t, ok)
	assert.Equal(t, stkPassword("174379", "testpasskey", ts), f.lastPush["Password"])
}

func TestSubmitPushPayment_FreshCredentialPerCall(t *testing.T) {
	f, client := newFakeDaraja(t)

	_, err := client.SubmitPushPayment(context.Background(), "254712345678", 100, "Tithe")
	require.NoError(t, err)
	_, err = client.SubmitPushPayment(context.Background(), "254712345678", 100, "Tithe")
	require.NoError(t, err)

	assert.Equal(t, 2, f.tokenCalls)
	assert.Equal(t, 2, f.pushCalls)
}

func TestSubmitPushPayment_AuthFailure(t *testing.T) {
	f, client := newFakeDaraja(t)
	f.tokenStatus = http.StatusBadRequest

	_, err := client.SubmitPushPayment(context.Background(), "254712345678", 100, "Tithe")
	require.Error(t, err)
	var authErr *GatewayAuthError
	assert.ErrorAs(t, err, &authErr)
	assert.Zero(t, f.pushCalls, "push must not be attempted after auth failure")
}

func TestSubmitPushPayment_ProviderRejection(t *testing.T) {
	f, client := newFakeDaraja(t)
	f.pushBody = map[string]interface{}{
		"ResponseCode":        "1",
		"ResponseDescription": "Invalid shortcode",
	}

	_, err := client.SubmitPushPayment(context.Background(), "254712345678", 100, "Tithe")
	require.Error(t, err)
	var reqErr *GatewayRequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "1", reqErr.ResponseCode)
	assert.Contains(t, err.Error(), "response code 1")
	assert.NotContains(t, err.Error(), "status 200", "an application-level rejection must not render as an HTTP success")
}

func TestSubmitPushPayment_MalformedNumberRejectedLocally(t *testing.T) {
	f, client := newFakeDaraja(t)

	_, err := client.SubmitPushPayment(context.Background(), "12345", 100, "Tithe")
	require.Error(t, err)
	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)
	assert.Zero(t, f.tokenCalls, "no network call for malformed input")
}

func TestQueryPushStatus(t *testing.T) {
	_, client := newFakeDaraja(t)

	result, err := client.QueryPushStatus(context.Background(), "ws_CO_191220191020363925")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_191220191020363925", result.CheckoutRequestID)
	assert.Equal(t, 1032, result.ResultCode)
	assert.Equal(t, "Request cancelled by user", result.ResultDesc)
}
