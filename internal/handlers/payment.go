package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/mux"

	"github.com/kanisapp/mpesapay-gobackend/internal/services"
	"github.com/kanisapp/mpesapay-gobackend/internal/store"
)

// maxCallbackBody bounds the webhook read; provider callbacks are small.
const maxCallbackBody = 1 << 20

type PaymentHandler struct {
	payments  *services.PaymentService
	poller    *services.StatusPoller
	jwtSecret []byte
}

func NewPaymentHandler(payments *services.PaymentService, poller *services.StatusPoller, jwtSecret []byte) *PaymentHandler {
	return &PaymentHandler{payments: payments, poller: poller, jwtSecret: jwtSecret}
}

// authorize verifies the Bearer JWT on client-facing endpoints. The webhook
// endpoint is exempt; the provider cannot present one.
func (h *PaymentHandler) authorize(r *http.Request) error {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return fmt.Errorf("authorization header required")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// InitiatePayment handles POST /api/payment/stkpush.
func (h *PaymentHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusUnauthorized)
		return
	}

	var req struct {
		Phone            string  `json:"phone"`
		Amount           float64 `json:"amount"`
		AccountReference string  `json:"account_reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}

	attempt, err := h.payments.InitiateSTKPush(r.Context(), req.Phone, req.Amount, req.AccountReference)
	if err != nil {
		log.Printf("Failed to initiate STK push: %v", err)
		var validationErr *services.ValidationError
		if errors.As(err, &validationErr) {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, validationErr.Error()), http.StatusBadRequest)
			return
		}
		var authErr *services.GatewayAuthError
		if errors.As(err, &authErr) {
			http.Error(w, `{"error":"Payment provider authentication failed"}`, http.StatusBadGateway)
			return
		}
		http.Error(w, `{"error":"Payment provider rejected the request"}`, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(attempt); err != nil {
		log.Printf("Failed to encode attempt: %v", err)
	}
}

// Callback handles POST /api/payment/callback, the provider's asynchronous
// result webhook. It always acknowledges success for a parsed-or-not body;
// rejecting an unprocessable payload would only trigger the provider's retry
// storm. The route is registered POST-only, so other methods get 405 from
// the router.
func (h *PaymentHandler) Callback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		log.Printf("Failed to read callback body: %v", err)
		writeCallbackAck(w)
		return
	}

	if err := h.payments.ProcessCallback(r.Context(), raw); err != nil {
		var malformed *services.MalformedCallbackError
		if errors.As(err, &malformed) {
			// Already audited inside the service. Acknowledge anyway.
			writeCallbackAck(w)
			return
		}
		// Store write failed; let the provider's at-least-once redelivery
		// try again.
		log.Printf("Callback processing failed: %v", err)
		http.Error(w, `{"error":"Failed to record result"}`, http.StatusInternalServerError)
		return
	}

	writeCallbackAck(w)
}

func writeCallbackAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
	})
}

// GetOutcome handles GET /api/payment/{checkoutRequestID}/status: the direct
// store lookup. A missing row is "unable to confirm", distinct from a
// pending row.
func (h *PaymentHandler) GetOutcome(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusUnauthorized)
		return
	}

	checkoutRequestID := mux.Vars(r)["checkoutRequestID"]
	if checkoutRequestID == "" {
		http.Error(w, `{"error":"Checkout request ID is required"}`, http.StatusBadRequest)
		return
	}

	outcome, err := h.payments.GetOutcome(r.Context(), checkoutRequestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error":"transaction not found"}`, http.StatusNotFound)
			return
		}
		log.Printf("Failed to fetch outcome %s: %v", checkoutRequestID, err)
		http.Error(w, `{"error":"Failed to fetch transaction"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(outcome); err != nil {
		log.Printf("Failed to encode outcome: %v", err)
	}
}

// AwaitOutcome handles GET /api/payment/{checkoutRequestID}/await: runs the
// status poller and reports either the terminal outcome or still-processing.
// Exhausting the poll budget is not an error to the caller.
func (h *PaymentHandler) AwaitOutcome(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusUnauthorized)
		return
	}

	checkoutRequestID := mux.Vars(r)["checkoutRequestID"]
	if checkoutRequestID == "" {
		http.Error(w, `{"error":"Checkout request ID is required"}`, http.StatusBadRequest)
		return
	}

	outcome, err := h.poller.AwaitOutcome(r.Context(), checkoutRequestID)
	if err != nil {
		var still *services.StillProcessingError
		if errors.As(err, &still) {
			resp := map[string]interface{}{
				"checkout_request_id": still.CheckoutRequestID,
				"still_processing":    true,
			}
			if outcome != nil {
				resp["outcome"] = outcome
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(resp)
			return
		}
		log.Printf("Failed to await outcome %s: %v", checkoutRequestID, err)
		http.Error(w, `{"error":"Failed to check transaction"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"still_processing": false,
		"outcome":          outcome,
	}); err != nil {
		log.Printf("Failed to encode outcome: %v", err)
	}
}

// ListOutcomes handles GET /api/payments with an optional status filter.
func (h *PaymentHandler) ListOutcomes(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusUnauthorized)
		return
	}

	status := r.URL.Query().Get("status")
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 1 {
			http.Error(w, `{"error":"Invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	outcomes, err := h.payments.ListOutcomes(r.Context(), status, limit)
	if err != nil {
		var validationErr *services.ValidationError
		if errors.As(err, &validationErr) {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, validationErr.Error()), http.StatusBadRequest)
			return
		}
		log.Printf("Failed to list outcomes: %v", err)
		http.Error(w, `{"error":"Failed to fetch transactions"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(outcomes); err != nil {
		log.Printf("Failed to encode outcomes: %v", err)
	}
}
