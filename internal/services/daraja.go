package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/kanisapp/mpesapay-gobackend/internal/config"
)

// PushSubmission is the provider's acceptance of an STK push request. The
// CheckoutRequestID is the correlation id for all later reconciliation.
type PushSubmission struct {
	CheckoutRequestID string
	MerchantRequestID string
	CustomerMessage   string
}

// PushQueryResult is the provider's answer to an STK push status query.
type PushQueryResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResultCode        int
	ResultDesc        string
}

// DarajaClient talks to the Safaricom Daraja API. It is constructed with its
// configuration injected so instances and tests run without shared state.
type DarajaClient struct {
	cfg    config.DarajaConfig
	client *http.Client
}

func NewDarajaClient(cfg config.DarajaConfig) *DarajaClient {
	return &DarajaClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type darajaTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        string `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
}

var subscriberRe = regexp.MustCompile(`^[17]\d{8}$`)

// NormalizePhone rewrites a caller-supplied number into the 254XXXXXXXXX
// format Daraja requires. A leading national-format 0 is replaced with the
// country code; a bare 9-digit subscriber number is prefixed; a leading plus
// is stripped. Anything else is rejected before any network call.
func NormalizePhone(phone string) (string, error) {
	if len(phone) > 0 && phone[0] == '+' {
		phone = phone[1:]
	}
	switch {
	case len(phone) == 12 && phone[:3] == "254" && subscriberRe.MatchString(phone[3:]):
		return phone, nil
	case len(phone) == 10 && phone[0] == '0' && subscriberRe.MatchString(phone[1:]):
		return "254" + phone[1:], nil
	case subscriberRe.MatchString(phone):
		return "254" + phone, nil
	default:
		return "", &ValidationError{Field: "phone", Reason: "must be a valid Safaricom number (07XXXXXXXX or 2547XXXXXXXX)"}
	}
}

// darajaTimestamp formats the provider's YYYYMMDDHHMMSS timestamp.
func darajaTimestamp(t time.Time) string {
	return t.Format("20060102150405")
}

// stkPassword derives the per-request password from the short code, the pass
// key and the request timestamp. Time-dependent, so recomputed every call.
func stkPassword(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

// obtainCredential fetches a fresh OAuth access token. Tokens are
// short-lived and provider-controlled, so no caching: one token per
// submission.
func (c *DarajaClient) obtainCredential(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", &GatewayAuthError{Err: err}
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &GatewayAuthError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Printf("Daraja token request failed with status %d: %s", resp.StatusCode, string(body))
		return "", &GatewayAuthError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var token darajaTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", &GatewayAuthError{Err: fmt.Errorf("decode token response: %w", err)}
	}
	if token.AccessToken == "" {
		return "", &GatewayAuthError{StatusCode: resp.StatusCode, Body: "empty access token"}
	}
	return token.AccessToken, nil
}

// SubmitPushPayment asks the provider to prompt the payer's device. The
// phone must already be validated by the caller but is normalized again here
// as the last gate before the network. Failures are surfaced immediately and
// never retried: a duplicate submission is a duplicate prompt.
func (c *DarajaClient) SubmitPushPayment(ctx context.Context, phone string, amount float64, accountReference string) (*PushSubmission, error) {
	msisdn, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	token, err := c.obtainCredential(ctx)
	if err != nil {
		return nil, err
	}

	ts := darajaTimestamp(time.Now())
	reqBody := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          stkPassword(c.cfg.ShortCode, c.cfg.PassKey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            strconv.Itoa(int(amount)),
		PartyA:            msisdn,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       msisdn,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  accountReference,
		TransactionDesc:   accountReference,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &GatewayRequestError{Err: fmt.Errorf("marshal stk push request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewBuffer(bodyBytes))
	if err != nil {
		return nil, &GatewayRequestError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &GatewayRequestError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Printf("STK push failed with status %d: %s", resp.StatusCode, string(body))
		return nil, &GatewayRequestError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var pushResp stkPushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return nil, &GatewayRequestError{Err: fmt.Errorf("decode stk push response: %w", err)}
	}
	if pushResp.ResponseCode != "0" || pushResp.CheckoutRequestID == "" {
		log.Printf("STK push rejected: code=%s desc=%s", pushResp.ResponseCode, pushResp.ResponseDescription)
		return nil, &GatewayRequestError{ResponseCode: pushResp.ResponseCode, Body: pushResp.ResponseDescription}
	}

	return &PushSubmission{
		CheckoutRequestID: pushResp.CheckoutRequestID,
		MerchantRequestID: pushResp.MerchantRequestID,
		CustomerMessage:   pushResp.CustomerMessage,
	}, nil
}

// QueryPushStatus asks the provider for the current result of an earlier
// push. Used by the reconciliation sweep for rows whose callback never
// landed.
func (c *DarajaClient) QueryPushStatus(ctx context.Context, checkoutRequestID string) (*PushQueryResult, error) {
	token, err := c.obtainCredential(ctx)
	if err != nil {
		return nil, err
	}

	ts := darajaTimestamp(time.Now())
	reqBody := stkQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          stkPassword(c.cfg.ShortCode, c.cfg.PassKey, ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &GatewayRequestError{Err: fmt.Errorf("marshal stk query request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/mpesa/stkpushquery/v1/query", bytes.NewBuffer(bodyBytes))
	if err != nil {
		return nil, &GatewayRequestError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &GatewayRequestError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &GatewayRequestError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var queryResp stkQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&queryResp); err != nil {
		return nil, &GatewayRequestError{Err: fmt.Errorf("decode stk query response: %w", err)}
	}
	code, err := strconv.Atoi(queryResp.ResultCode)
	if err != nil {
		return nil, &GatewayRequestError{Err: fmt.Errorf("unparsable result code %q", queryResp.ResultCode)}
	}

	return &PushQueryResult{
		CheckoutRequestID: checkoutRequestID,
		MerchantRequestID: queryResp.MerchantRequestID,
		ResultCode:        code,
		ResultDesc:        queryResp.ResultDesc,
	}, nil
}
