package services

import "fmt"

// ValidationError reports missing or malformed caller input. It is raised
// before any network call and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// GatewayAuthError means the provider rejected the credential request. Fatal
// for the attempt; never auto-retried.
type GatewayAuthError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayAuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway auth failed: %v", e.Err)
	}
	return fmt.Sprintf("gateway auth failed: status %d: %s", e.StatusCode, e.Body)
}

func (e *GatewayAuthError) Unwrap() error { return e.Err }

// GatewayRequestError means the provider rejected the push submission. Fatal
// for the attempt; never auto-retried, since a retry could prompt and charge
// the payer twice. ResponseCode is set for application-level rejections
// carried in an HTTP 200 body; StatusCode for transport-level ones.
type GatewayRequestError struct {
	StatusCode   int
	ResponseCode string
	Body         string
	Err          error
}

func (e *GatewayRequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway request failed: %v", e.Err)
	}
	if e.ResponseCode != "" {
		return fmt.Sprintf("gateway request failed: response code %s: %s", e.ResponseCode, e.Body)
	}
	return fmt.Sprintf("gateway request failed: status %d: %s", e.StatusCode, e.Body)
}

func (e *GatewayRequestError) Unwrap() error { return e.Err }

// MalformedCallbackError means the inbound webhook body matched neither
// known payload shape or was missing required result fields. It is recorded
// to the audit sink; the webhook handler still acknowledges the provider.
type MalformedCallbackError struct {
	Reason string
}

func (e *MalformedCallbackError) Error() string {
	return fmt.Sprintf("malformed callback payload: %s", e.Reason)
}

// StillProcessingError is the status poller's soft timeout: the retry budget
// was exhausted without a terminal outcome. The checkout id is retained so a
// later manual check can resolve it. Not a failure; money may already have
// moved.
type StillProcessingError struct {
	CheckoutRequestID string
}

func (e *StillProcessingError) Error() string {
	return fmt.Sprintf("payment %s still processing", e.CheckoutRequestID)
}
