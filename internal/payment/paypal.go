package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/thevaultshop/checkout/internal/domain"
)

const (
	SandboxAPI = "https://api-m.sandbox.paypal.com"
	LiveAPI    = "https://api-m.paypal.com"
)

// PayPalClient implements Gateway against the PayPal REST v2 checkout
// API using client-credentials OAuth. A fresh access token is fetched
// per call; PayPal tokens are cheap and this keeps the client stateless.
type PayPalClient struct {
	baseURL    string
	clientID   string
	secret     string
	brandName  string
	currency   string
	returnURL  string
	cancelURL  string
	httpClient *http.Client
}

type PayPalConfig struct {
	BaseURL   string
	ClientID  string
	Secret    string
	BrandName string
	Currency  string
	ReturnURL string
	CancelURL string
}

func NewPayPalClient(cfg PayPalConfig, client *http.Client) *PayPalClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &PayPalClient{
		baseURL:    cfg.BaseURL,
		clientID:   cfg.ClientID,
		secret:     cfg.Secret,
		brandName:  cfg.BrandName,
		currency:   cfg.Currency,
		returnURL:  cfg.ReturnURL,
		cancelURL:  cfg.CancelURL,
		httpClient: client,
	}
}

func (c *PayPalClient) accessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token",
		strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", err
	}
	auth := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.secret))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &GatewayError{Transient: true, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", gatewayErrorFromStatus(resp.StatusCode, "token request failed")
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", &GatewayError{Message: "empty access token"}
	}

	return body.AccessToken, nil
}

// centsToAmount renders minor units as PayPal's decimal string.
func centsToAmount(cents int64) string {
	return strconv.FormatFloat(float64(cents)/100, 'f', 2, 64)
}

func amountToCents(value string) int64 {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(f * 100))
}

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

func (c *PayPalClient) CreateOrder(ctx context.Context, amounts AmountBreakdown, lines []domain.CartLine) (*RemoteOrder, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	type item struct {
		Name       string `json:"name"`
		UnitAmount money  `json:"unit_amount"`
		Quantity   string `json:"quantity"`
	}

	items := make([]item, 0, len(lines))
	for _, line := range lines {
		items = append(items, item{
			Name:       line.ItemID,
			UnitAmount: money{CurrencyCode: c.currency, Value: centsToAmount(line.UnitPrice)},
			Quantity:   strconv.Itoa(line.Quantity),
		})
	}

	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"items": items,
			"amount": map[string]any{
				"currency_code": c.currency,
				"value":         centsToAmount(amounts.Total),
				"breakdown": map[string]any{
					"item_total": money{CurrencyCode: c.currency, Value: centsToAmount(amounts.Subtotal)},
					"tax_total":  money{CurrencyCode: c.currency, Value: centsToAmount(amounts.Tax)},
					"shipping":   money{CurrencyCode: c.currency, Value: centsToAmount(amounts.Shipping)},
				},
			},
		}},
		"application_context": map[string]any{
			"brand_name":   c.brandName,
			"landing_page": "BILLING",
			"user_action":  "PAY_NOW",
			"return_url":   c.returnURL,
			"cancel_url":   c.cancelURL,
		},
	}

	var body struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Links  []struct {
			Href string `json:"href"`
			Rel  string `json:"rel"`
		} `json:"links"`
	}

	if err := c.post(ctx, token, "/v2/checkout/orders", payload, &body); err != nil {
		return nil, err
	}

	if body.ID == "" {
		return nil, &GatewayError{Message: "create order response missing id"}
	}

	remote := &RemoteOrder{Ref: body.ID}
	for _, link := range body.Links {
		if link.Rel == "approve" {
			remote.ApprovalURL = link.Href
		}
	}

	return remote, nil
}

func (c *PayPalClient) Capture(ctx context.Context, ref string) (*CaptureResult, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var body struct {
		Status  string `json:"status"`
		Name    string `json:"name"`
		Details []struct {
			Issue string `json:"issue"`
		} `json:"details"`
		PurchaseUnits []struct {
			Payments struct {
				Captures []struct {
					Amount money `json:"amount"`
				} `json:"captures"`
			} `json:"payments"`
		} `json:"purchase_units"`
	}

	err = c.post(ctx, token, "/v2/checkout/orders/"+ref+"/capture", struct{}{}, &body)

	for _, d := range body.Details {
		switch d.Issue {
		case "ORDER_ALREADY_CAPTURED":
			return nil, ErrAlreadyCaptured
		case "INSTRUMENT_DECLINED":
			return nil, ErrDeclined
		}
	}
	if err != nil {
		return nil, err
	}

	if body.Status != "COMPLETED" {
		return nil, &GatewayError{Message: "capture not completed: " + body.Status}
	}

	result := &CaptureResult{Status: body.Status}
	if len(body.PurchaseUnits) > 0 && len(body.PurchaseUnits[0].Payments.Captures) > 0 {
		result.CapturedAmount = amountToCents(body.PurchaseUnits[0].Payments.Captures[0].Amount.Value)
	}

	return result, nil
}

// post sends an authenticated JSON request and decodes the response
// body into out even on error statuses, so callers can inspect the
// PayPal issue codes.
func (c *PayPalClient) post(ctx context.Context, token, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &GatewayError{Transient: true, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &GatewayError{Transient: true, Message: err.Error()}
	}

	if len(raw) > 0 {
		// Best effort: error payloads still carry issue details.
		_ = json.Unmarshal(raw, out)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return gatewayErrorFromStatus(resp.StatusCode, fmt.Sprintf("%s returned %d", path, resp.StatusCode))
	}

	return nil
}

func gatewayErrorFromStatus(status int, message string) error {
	return &GatewayError{Transient: status >= http.StatusInternalServerError, Message: message}
}
