package services

import (
	"encoding/json"
)

// CallbackResult is the single internal form both inbound callback payload
// shapes normalize into. All processing past the webhook boundary works on
// this type only.
type CallbackResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResultCode        int
	ResultDesc        string
	Metadata          map[string]interface{}
}

// ReceiptNumber returns the provider receipt from the callback metadata, or
// empty when the metadata list was absent (failed payments carry none).
func (r *CallbackResult) ReceiptNumber() string {
	if v, ok := r.Metadata["MpesaReceiptNumber"].(string); ok {
		return v
	}
	return ""
}

// Shape A: the provider's nested result container.
type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        *int   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// Shape B: the flattened form some integrations post instead.
type flatCallback struct {
	CheckoutRequestID string `json:"checkout_request_id"`
	MerchantRequestID string `json:"merchant_request_id"`
	ResultCode        *int   `json:"result_code"`
	ResultDesc        string `json:"result_desc"`
}

// NormalizeCallback parses an inbound webhook body in either known shape
// into a CallbackResult. Bodies that match neither shape, or that are
// missing the checkout id or result code, fail with *MalformedCallbackError.
func NormalizeCallback(raw []byte) (*CallbackResult, error) {
	var envelope stkCallbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil {
		cb := envelope.Body.StkCallback
		if cb.CheckoutRequestID != "" {
			if cb.ResultCode == nil {
				return nil, &MalformedCallbackError{Reason: "stkCallback missing ResultCode"}
			}
			result := &CallbackResult{
				CheckoutRequestID: cb.CheckoutRequestID,
				MerchantRequestID: cb.MerchantRequestID,
				ResultCode:        *cb.ResultCode,
				ResultDesc:        cb.ResultDesc,
			}
			if len(cb.CallbackMetadata.Item) > 0 {
				result.Metadata = make(map[string]interface{}, len(cb.CallbackMetadata.Item))
				for _, item := range cb.CallbackMetadata.Item {
					if item.Name != "" {
						result.Metadata[item.Name] = item.Value
					}
				}
			}
			return result, nil
		}
	}

	var flat flatCallback
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, &MalformedCallbackError{Reason: "body is not valid JSON"}
	}
	if flat.CheckoutRequestID == "" {
		return nil, &MalformedCallbackError{Reason: "missing checkout request id"}
	}
	if flat.ResultCode == nil {
		return nil, &MalformedCallbackError{Reason: "missing result code"}
	}
	return &CallbackResult{
		CheckoutRequestID: flat.CheckoutRequestID,
		MerchantRequestID: flat.MerchantRequestID,
		ResultCode:        *flat.ResultCode,
		ResultDesc:        flat.ResultDesc,
	}, nil
}
