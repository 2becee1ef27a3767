package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindr/internal/db"
)

// API is the subset of the SNS client used here
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds SNS configuration
type Config struct {
	Region   string
	TopicARN string
	// Endpoint overrides the service endpoint, e.g. for LocalStack
	Endpoint string
}

// Alert is the operational message published for a failed job
type Alert struct {
	JobID           string    `json:"job_id"`
	RegistrationID  string    `json:"registration_id"`
	EventID         string    `json:"event_id"`
	RecipientUserID string    `json:"recipient_user_id"`
	Kind            string    `json:"kind"`
	Attempts        int       `json:"attempts"`
	LastError       string    `json:"last_error,omitempty"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	FailedAt        time.Time `json:"failed_at"`
}

// Alerter publishes failed jobs to an SNS topic
type Alerter struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// NewAlerter creates an Alerter using the default AWS credential chain
func NewAlerter(ctx context.Context, cfg Config, logger *zap.Logger) (*Alerter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sns alerter initialized", zap.String("topic_arn", cfg.TopicARN))
	return NewAlerterWithClient(client, cfg.TopicARN, logger), nil
}

// NewAlerterWithClient wraps an existing client
func NewAlerterWithClient(client API, topicARN string, logger *zap.Logger) *Alerter {
	return &Alerter{
		client:   client,
		topicARN: topicARN,
		logger:   logger,
	}
}

// ReportFailure publishes an alert for a job that ended in failed
func (a *Alerter) ReportFailure(ctx context.Context, job *db.Job) error {
	alert := Alert{
		JobID:           job.ID.String(),
		RegistrationID:  job.RegistrationID,
		EventID:         job.EventID,
		RecipientUserID: job.RecipientUserID,
		Kind:            string(job.Kind),
		Attempts:        job.AttemptCount,
		ScheduledAt:     job.ScheduledAt,
		FailedAt:        job.UpdatedAt,
	}
	if job.LastError != nil {
		alert.LastError = *job.LastError
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(a.topicARN),
		Subject:  aws.String(fmt.Sprintf("Notification failed: %s", job.Kind)),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(job.Kind)),
			},
			"event_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.EventID),
			},
		},
	}

	result, err := a.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	a.logger.Info("failure alert published",
		zap.String("job_id", alert.JobID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
