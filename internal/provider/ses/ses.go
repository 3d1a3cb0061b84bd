// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"github.com/shineum/tracking-relay/internal/email"
	"github.com/shineum/tracking-relay/internal/provider"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SESProvider sends raw messages via the AWS SES v2 API.
type SESProvider struct {
	client     SendEmailAPI
	logger     *zap.Logger
	retryDelay time.Duration
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration.
func New(ctx context.Context, cfg SESProviderConfig, logger *zap.Logger) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(sesv2.NewFromConfig(awsCfg), logger), nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(client SendEmailAPI, logger *zap.Logger) *SESProvider {
	return &SESProvider{
		client:     client,
		logger:     logger,
		retryDelay: baseRetryDelay,
	}
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

// Connect returns a session. SES is stateless, so this never fails.
func (s *SESProvider) Connect(context.Context) (provider.Session, error) {
	return &session{provider: s}, nil
}

type session struct {
	provider.NopSession
	provider *SESProvider
}

// Send delivers the message as-is. The envelope recipients become the SES
// destinations so Bcc copies are delivered without appearing in the headers.
func (s *session) Send(ctx context.Context, env *email.Envelope) error {
	return s.provider.send(ctx, buildRawInput(env))
}

func (s *SESProvider) send(ctx context.Context, input *sesv2.SendEmailInput) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Debug("retrying SES API request",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", maxRetries),
			)
			delay := backoffDelay(s.retryDelay, attempt)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := s.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}

		lastErr = err
		s.logger.Warn("SES API error",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// buildRawInput wraps an envelope in a raw SendEmail request.
func buildRawInput(env *email.Envelope) *sesv2.SendEmailInput {
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(env.From),
		Destination: &types.Destination{
			ToAddresses:  []string{env.To},
			BccAddresses: env.Bcc,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: env.Data,
			},
		},
	}
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
