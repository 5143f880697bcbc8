package delivery

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"guest-access-service/internal/config"
	"guest-access-service/internal/models"
	"guest-access-service/internal/util"
)

// TwilioSender delivers codes over SMS for deployments where the
// storefront collects phone numbers alongside the order email.
type TwilioSender struct {
	client *twilio.RestClient
	from   string
}

func NewTwilioSender(cfg config.DeliveryConfig) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioAccountSID,
		Password: cfg.TwilioAuthToken,
	})
	return &TwilioSender{
		client: client,
		from:   cfg.TwilioFrom,
	}
}

func (s *TwilioSender) Send(ctx context.Context, identifier, code string, purpose models.Purpose) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(identifier)
	params.SetFrom(s.from)
	params.SetBody(fmt.Sprintf("Your verification code is %s. It expires in 10 minutes.", code))

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		util.Warn("SMS dispatch failed",
			zap.String("purpose", string(purpose)),
			zap.Error(err))
		return fmt.Errorf("sms delivery failed: %w", err)
	}

	util.Debug("OTP SMS dispatched", zap.String("purpose", string(purpose)))
	return nil
}
