package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindr/internal/db"
	"github.com/lalithlochan/remindr/internal/metrics"
	"github.com/lalithlochan/remindr/internal/scheduler"
)

// Message types accepted on the intake queue
const (
	TypeRegistrationConfirmed = "registration.confirmed"
	TypeRegistrationCancelled = "registration.cancelled"
	TypeCPDAwarded            = "cpd.awarded"
)

// API is the subset of the SQS client used here
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Scheduler is what intake messages are applied to
type Scheduler interface {
	Confirm(ctx context.Context, reg scheduler.Registration) (*scheduler.Result, error)
	AwardCPD(ctx context.Context, reg scheduler.Registration, points float64) (*db.Job, error)
	Cancel(ctx context.Context, registrationID string) (int, error)
}

// Config holds SQS configuration
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the service endpoint, e.g. for LocalStack
	Endpoint          string
	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
}

// Message is the body of an intake queue message
type Message struct {
	Type         string                 `json:"type"`
	Registration scheduler.Registration `json:"registration"`
	CPDPoints    float64                `json:"cpd_points,omitempty"`
}

// Consumer reads registration events from SQS and applies them to the
// scheduler. A message is deleted once applied, or when it can never be
// applied. Anything else is left to reappear after the visibility timeout.
type Consumer struct {
	client    API
	scheduler Scheduler
	config    Config
	logger    *zap.Logger
}

// NewClient creates an SQS client using the default AWS credential chain
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// NewConsumer creates a Consumer
func NewConsumer(client API, sched Scheduler, cfg Config, logger *zap.Logger) *Consumer {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60
	}
	return &Consumer{
		client:    client,
		scheduler: sched,
		config:    cfg,
		logger:    logger.With(zap.String("queue_url", cfg.QueueURL)),
	}
}

// Start receives until ctx is cancelled
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("sqs intake started")

	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs intake stopping")
			return
		}

		if _, err := c.PollOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("sqs receive failed", zap.Error(err))

			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// PollOnce receives one batch and handles it. It returns the number of
// messages received.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.config.QueueURL),
		MaxNumberOfMessages: c.config.MaxMessages,
		WaitTimeSeconds:     c.config.WaitTimeSeconds,
		VisibilityTimeout:   c.config.VisibilityTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to receive messages: %w", err)
	}

	for _, msg := range out.Messages {
		c.handle(ctx, msg)
	}
	return len(out.Messages), nil
}

func (c *Consumer) handle(ctx context.Context, msg types.Message) {
	log := c.logger.With(zap.String("message_id", aws.ToString(msg.MessageId)))

	result, err := c.apply(ctx, aws.ToString(msg.Body))
	switch {
	case err == nil:
		metrics.RecordIntakeMessage("sqs", result)
	case errors.Is(err, scheduler.ErrRegistrationWithdrawn):
		metrics.RecordIntakeMessage("sqs", "withdrawn")
		log.Info("confirmation for withdrawn registration dropped")
	case errors.Is(err, scheduler.ErrInvalidRegistration):
		metrics.RecordIntakeMessage("sqs", "invalid")
		log.Error("dropping invalid intake message", zap.Error(err))
	default:
		metrics.RecordIntakeMessage("sqs", "error")
		log.Warn("intake message failed, leaving for redelivery", zap.Error(err))
		return
	}

	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		log.Error("failed to delete message", zap.Error(err))
	}
}

// apply decodes body and hands it to the scheduler. It returns a short
// label for the metric.
func (c *Consumer) apply(ctx context.Context, body string) (string, error) {
	var m Message
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return "", fmt.Errorf("%w: malformed body: %v", scheduler.ErrInvalidRegistration, err)
	}

	switch m.Type {
	case TypeRegistrationConfirmed, "":
		if _, err := c.scheduler.Confirm(ctx, m.Registration); err != nil {
			return "", err
		}
		return "scheduled", nil
	case TypeRegistrationCancelled:
		if _, err := c.scheduler.Cancel(ctx, m.Registration.RegistrationID); err != nil {
			return "", err
		}
		return "cancelled", nil
	case TypeCPDAwarded:
		if _, err := c.scheduler.AwardCPD(ctx, m.Registration, m.CPDPoints); err != nil {
			return "", err
		}
		return "cpd_awarded", nil
	default:
		return "", fmt.Errorf("%w: unknown message type %q", scheduler.ErrInvalidRegistration, m.Type)
	}
}
