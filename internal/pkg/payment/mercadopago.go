package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
)

const defaultMercadoPagoAPIURL = "https://api.mercadopago.com"

// MercadoPagoClient checks Pix payments through the Mercado Pago REST API.
type MercadoPagoClient struct {
	AccessToken string
	APIBaseURL  string

	HTTPClient *http.Client
}

type mercadoPagoPayment struct {
	ID           json.Number `json:"id"`
	Status       string      `json:"status"`
	StatusDetail string      `json:"status_detail"`
}

func NewMercadoPagoClient(accessToken, apiBaseURL string, timeout time.Duration) *MercadoPagoClient {
	if strings.TrimSpace(apiBaseURL) == "" {
		apiBaseURL = defaultMercadoPagoAPIURL
	}
	return &MercadoPagoClient{
		AccessToken: strings.TrimSpace(accessToken),
		APIBaseURL:  strings.TrimRight(apiBaseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// MercadoPagoStatus maps a provider payment status to a Status.
func MercadoPagoStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "approved":
		return StatusSettled
	case "rejected", "cancelled", "refunded", "charged_back":
		return StatusFailed
	default:
		return StatusPending
	}
}

func (c *MercadoPagoClient) CheckPaymentStatus(ctx context.Context, ref string) (Status, error) {
	const op = "mercadopago.CheckPaymentStatus"
	if c.AccessToken == "" {
		return "", apperror.Configuration(op, fmt.Errorf("MERCADOPAGO_ACCESS_TOKEN is not configured"))
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", apperror.Constraint(op, "payment ref is required")
	}

	endpoint := c.APIBaseURL + "/v1/payments/" + url.PathEscape(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", apperror.Transient(op, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", apperror.NotFound(op, "payment %s", ref)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", apperror.Transient(op, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("%s: status=%d body=%s", op, resp.StatusCode, string(body))
	}

	var out mercadoPagoPayment
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%s: decode: %w", op, err)
	}
	return MercadoPagoStatus(out.Status), nil
}
