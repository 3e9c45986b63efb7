package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPGateway talks to the acquiring provider's JSON API. Requests are
// signed with a SHA-256 token over the request fields, the merchant password
// and the merchant id.
type HTTPGateway struct {
	baseURL         string
	merchantID      string
	password        string
	successURL      string
	failURL         string
	notificationURL string
	client          *http.Client
}

// NewHTTPGateway creates a provider client. Deadlines come from the caller's context.
func NewHTTPGateway(cfg Config) *HTTPGateway {
	return &HTTPGateway{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		merchantID:      cfg.MerchantID,
		password:        cfg.MerchantPassword,
		successURL:      cfg.SuccessURL,
		failURL:         cfg.FailURL,
		notificationURL: cfg.NotificationURL,
		client:          &http.Client{Timeout: 30 * time.Second},
	}
}

type initRequest struct {
	TeamSlug        string `json:"teamSlug"`
	Token           string `json:"token"`
	Amount          int64  `json:"amount"`
	OrderID         string `json:"orderId"`
	Currency        string `json:"currency"`
	Description     string `json:"description"`
	SuccessURL      string `json:"successURL"`
	FailURL         string `json:"failURL"`
	NotificationURL string `json:"notificationURL"`
	Language        string `json:"language"`
}

type initResponse struct {
	Success    bool   `json:"success"`
	PaymentID  string `json:"paymentId"`
	PaymentURL string `json:"paymentURL"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

type checkRequest struct {
	TeamSlug  string `json:"teamSlug"`
	Token     string `json:"token"`
	PaymentID string `json:"paymentId"`
}

type checkResponse struct {
	Success  bool   `json:"success"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	OrderID  string `json:"orderId"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
}

type confirmRequest struct {
	TeamSlug  string `json:"teamSlug"`
	Token     string `json:"token"`
	PaymentID string `json:"paymentId"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	OrderID   string `json:"orderId"`
}

type confirmResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (g *HTTPGateway) Name() string { return "http" }

// Initiate opens a payment and returns the provider's payment id and URL
func (g *HTTPGateway) Initiate(ctx context.Context, req InitiateRequest) (*Handle, error) {
	body := initRequest{
		TeamSlug:        g.merchantID,
		Token:           g.initToken(req.Amount, req.Currency, req.OrderID),
		Amount:          req.Amount,
		OrderID:         req.OrderID,
		Currency:        req.Currency,
		Description:     req.Description,
		SuccessURL:      g.successURL,
		FailURL:         g.failURL,
		NotificationURL: g.notificationURL,
		Language:        "ru",
	}

	var resp initResponse
	if err := g.post(ctx, "/api/v1/PaymentInit/init", body, &resp); err != nil {
		return nil, err
	}

	if !resp.Success || resp.PaymentID == "" {
		return nil, fmt.Errorf("payment init rejected: code=%d message=%s", resp.Code, resp.Message)
	}

	return &Handle{
		TransactionID: resp.PaymentID,
		PaymentURL:    resp.PaymentURL,
	}, nil
}

// Status asks the provider for the current state of a payment
func (g *HTTPGateway) Status(ctx context.Context, transactionID string) (string, error) {
	resp, err := g.check(ctx, transactionID)
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Confirm captures an authorized payment. The amount, currency and order id
// signed into the request are taken from a fresh status check.
func (g *HTTPGateway) Confirm(ctx context.Context, transactionID string) error {
	check, err := g.check(ctx, transactionID)
	if err != nil {
		return err
	}
	if check.Status == StatusConfirmed {
		return nil
	}
	if check.Status != StatusAuthorized {
		return fmt.Errorf("payment %s is %s, not authorized", transactionID, check.Status)
	}

	body := confirmRequest{
		TeamSlug:  g.merchantID,
		Token:     g.initToken(check.Amount, check.Currency, check.OrderID),
		PaymentID: transactionID,
		Amount:    check.Amount,
		Currency:  check.Currency,
		OrderID:   check.OrderID,
	}

	var resp confirmResponse
	if err := g.post(ctx, "/api/v1/PaymentConfirm/confirm", body, &resp); err != nil {
		return err
	}

	if !resp.Success {
		return fmt.Errorf("payment confirm rejected: code=%d message=%s", resp.Code, resp.Message)
	}
	return nil
}

func (g *HTTPGateway) check(ctx context.Context, transactionID string) (*checkResponse, error) {
	body := checkRequest{
		TeamSlug:  g.merchantID,
		Token:     g.sign(transactionID),
		PaymentID: transactionID,
	}

	var resp checkResponse
	if err := g.post(ctx, "/api/v1/PaymentCheck/check", body, &resp); err != nil {
		return nil, err
	}

	if !resp.Success {
		return nil, fmt.Errorf("payment check rejected: code=%d message=%s", resp.Code, resp.Message)
	}

	return &resp, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("payment gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("payment gateway returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gateway response (status %d): %w", resp.StatusCode, err)
	}

	return nil
}

func (g *HTTPGateway) initToken(amount int64, currency, orderID string) string {
	return g.sign(fmt.Sprintf("%d", amount), currency, orderID)
}

// sign hashes the parts followed by the password and merchant id
func (g *HTTPGateway) sign(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	h.Write([]byte(g.password))
	h.Write([]byte(g.merchantID))
	return hex.EncodeToString(h.Sum(nil))
}
