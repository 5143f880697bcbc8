package backoffice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"guest-access-service/internal/config"
)

// Grievance is the customer-visible view of a complaint record.
type Grievance struct {
	GrievanceID string    `json:"grievance_id"`
	OrderID     string    `json:"order_id"`
	Subject     string    `json:"subject"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Client is the storefront back-office collaborator that executes the
// business side of each self-service action once this service has
// verified the guest's identity. Its internals (CRUD over the shop
// database) are out of scope here.
type Client interface {
	ListGrievances(ctx context.Context, email string) ([]Grievance, error)
	FileGrievance(ctx context.Context, email, orderID, subject, description string) (string, error)
	CancelOrder(ctx context.Context, email, orderID, reason string) error
	RequestDataExport(ctx context.Context, email string) (string, error)
	RequestDataDeletion(ctx context.Context, email string) (string, error)
	CorrectOrderData(ctx context.Context, email, orderID string, fields map[string]string) error
	SubmitReview(ctx context.Context, orderID string, rating int, comment string) error
}

// HTTPClient implements Client against the storefront's internal API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPClient(cfg config.BackofficeConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (c *HTTPClient) ListGrievances(ctx context.Context, email string) ([]Grievance, error) {
	var out []Grievance
	endpoint := fmt.Sprintf("%s/internal/grievances?email=%s", c.baseURL, url.QueryEscape(email))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) FileGrievance(ctx context.Context, email, orderID, subject, description string) (string, error) {
	body := map[string]string{
		"email":       email,
		"order_id":    orderID,
		"subject":     subject,
		"description": description,
	}
	var out struct {
		GrievanceID string `json:"grievance_id"`
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/internal/grievances", body, &out); err != nil {
		return "", err
	}
	return out.GrievanceID, nil
}

func (c *HTTPClient) CancelOrder(ctx context.Context, email, orderID, reason string) error {
	body := map[string]string{
		"email":  email,
		"reason": reason,
	}
	endpoint := fmt.Sprintf("%s/internal/orders/%s/cancel", c.baseURL, url.PathEscape(orderID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

func (c *HTTPClient) RequestDataExport(ctx context.Context, email string) (string, error) {
	var out struct {
		RequestID string `json:"request_id"`
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/internal/data-requests/export",
		map[string]string{"email": email}, &out); err != nil {
		return "", err
	}
	return out.RequestID, nil
}

func (c *HTTPClient) RequestDataDeletion(ctx context.Context, email string) (string, error) {
	var out struct {
		RequestID string `json:"request_id"`
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/internal/data-requests/deletion",
		map[string]string{"email": email}, &out); err != nil {
		return "", err
	}
	return out.RequestID, nil
}

func (c *HTTPClient) CorrectOrderData(ctx context.Context, email, orderID string, fields map[string]string) error {
	body := map[string]interface{}{
		"email":  email,
		"fields": fields,
	}
	endpoint := fmt.Sprintf("%s/internal/orders/%s/correct", c.baseURL, url.PathEscape(orderID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

func (c *HTTPClient) SubmitReview(ctx context.Context, orderID string, rating int, comment string) error {
	body := map[string]interface{}{
		"order_id": orderID,
		"rating":   rating,
		"comment":  comment,
	}
	return c.do(ctx, http.MethodPost, c.baseURL+"/internal/reviews", body, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backoffice unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("backoffice returned status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode backoffice response: %w", err)
		}
	}
	return nil
}
