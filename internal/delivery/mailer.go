package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"guest-access-service/internal/config"
	"guest-access-service/internal/models"
	"guest-access-service/internal/util"
)

// MailerClient delivers codes through the external transactional mail
// service. Transient failures are retried once with backoff before
// being surfaced; the stored challenge stays valid either way.
type MailerClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewMailerClient(cfg config.DeliveryConfig) *MailerClient {
	return &MailerClient{
		baseURL: cfg.MailerURL,
		apiKey:  cfg.MailerAPIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type mailRequest struct {
	To       string `json:"to"`
	Template string `json:"template"`
	Code     string `json:"code"`
	Purpose  string `json:"purpose"`
}

func (c *MailerClient) Send(ctx context.Context, identifier, code string, purpose models.Purpose) error {
	payload, err := json.Marshal(mailRequest{
		To:       identifier,
		Template: "guest-otp",
		Code:     code,
		Purpose:  string(purpose),
	})
	if err != nil {
		return fmt.Errorf("failed to encode mail request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = c.post(ctx, payload)
		if lastErr == nil {
			util.Debug("OTP mail dispatched",
				zap.String("purpose", string(purpose)),
				zap.Int("attempt", attempt+1))
			return nil
		}

		util.Warn("OTP mail dispatch failed",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}

	return fmt.Errorf("mail delivery failed: %w", lastErr)
}

func (c *MailerClient) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mail service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("mail service returned status %d", resp.StatusCode)
	}
	return nil
}
