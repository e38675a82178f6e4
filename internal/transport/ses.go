package transport

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SES sends email via AWS SES. It serves as the fallback transport when the
// primary SMTP endpoint is failing.
type SES struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

// SESConfig holds SES settings.
type SESConfig struct {
	Region    string
	FromEmail string
}

// NewSES creates the SES transport.
func NewSES(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SES, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, err
	}

	return &SES{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (s *SES) Name() string { return "ses" }

// Send delivers one message via the SES SendEmail API. The API cannot carry
// attachments, and silently dropping one is not acceptable, so a message
// with an attachment fails permanently here and stays with the primary.
func (s *SES) Send(ctx context.Context, msg *Message) error {
	if msg.To == "" {
		return Permanentf(nil, "message missing recipient")
	}
	if msg.AttachmentPath != "" {
		return Permanentf(nil, "ses transport cannot deliver attachments")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return s.classify(err, msg)
	}

	s.logger.Info("email sent via ses",
		zap.String("to", msg.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func (s *SES) classify(err error, msg *Message) error {
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return Permanentf(err, "ses rejected message to %s", msg.To)
	}
	var notVerified *types.MailFromDomainNotVerifiedException
	if errors.As(err, &notVerified) {
		return Permanentf(err, "ses sender domain not verified")
	}
	return Transientf(err, "ses send to %s failed", msg.To)
}
