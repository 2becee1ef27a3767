package mail

import (
	"context"
	"errors"
	"fmt"
	netmail "net/mail"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESAPI is the subset of the SES client used here
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
	GetSendQuota(ctx context.Context, params *ses.GetSendQuotaInput, optFns ...func(*ses.Options)) (*ses.GetSendQuotaOutput, error)
}

// NewSESClient loads the default AWS configuration for region
func NewSESClient(ctx context.Context, region string) (*ses.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return ses.NewFromConfig(awsCfg), nil
}

// SESTransport sends through AWS SES
type SESTransport struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

// NewSESTransport creates a transport for one settings version
func NewSESTransport(client SESAPI, settings Settings, logger *zap.Logger) (*SESTransport, error) {
	if settings.FromAddress == "" {
		return nil, errors.New("ses: from address is required")
	}
	from := netmail.Address{Name: settings.FromName, Address: settings.FromAddress}
	return &SESTransport{
		client: client,
		from:   from.String(),
		logger: logger,
	}, nil
}

// Verify checks that the credentials can reach SES and sending is enabled
func (s *SESTransport) Verify(ctx context.Context) error {
	quota, err := s.client.GetSendQuota(ctx, &ses.GetSendQuotaInput{})
	if err != nil {
		return fmt.Errorf("ses quota check failed: %w", err)
	}
	if quota.Max24HourSend <= 0 {
		return errors.New("ses: account has no sending quota")
	}
	return nil
}

// Send sends an email via AWS SES
func (s *SESTransport) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return errors.New("ses: recipient is required")
	}

	body := &types.Body{}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}

	to := netmail.Address{Name: msg.ToName, Address: msg.To}
	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{to.String()},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("to", msg.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
