package transport

import (
	"context"
	"errors"
	"net/textproto"
	"os"

	"go.uber.org/zap"
	mail "gopkg.in/mail.v2"
)

// SMTP sends email through an authenticated SMTP endpoint. This is the
// primary transport: it is the only one that carries attachments.
type SMTP struct {
	dialer *mail.Dialer
	from   string
	logger *zap.Logger
}

// SMTPConfig holds SMTP connection settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// NewSMTP creates the SMTP transport.
func NewSMTP(cfg SMTPConfig, logger *zap.Logger) *SMTP {
	dialer := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	dialer.StartTLSPolicy = mail.MandatoryStartTLS

	return &SMTP{
		dialer: dialer,
		from:   cfg.From,
		logger: logger,
	}
}

func (s *SMTP) Name() string { return "smtp" }

// Send delivers one message. Attachment delivery is a hard contract: an
// attachment that cannot be resolved fails the send permanently instead of
// going out silently without it.
func (s *SMTP) Send(ctx context.Context, msg *Message) error {
	if msg.To == "" {
		return Permanentf(nil, "message missing recipient")
	}

	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.Body)

	if msg.AttachmentPath != "" {
		if _, err := os.Stat(msg.AttachmentPath); err != nil {
			return Permanentf(err, "attachment not resolvable: %s", msg.AttachmentPath)
		}
		m.Attach(msg.AttachmentPath)
	}

	// The dialer has no context support; run it on the side so a dispatch
	// timeout still cancels the attempt from the caller's point of view.
	done := make(chan error, 1)
	go func() {
		done <- s.dialer.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return Transientf(ctx.Err(), "smtp send timed out")
	case err := <-done:
		if err != nil {
			return s.classify(err, msg)
		}
	}

	s.logger.Info("email sent via smtp",
		zap.String("to", msg.To),
		zap.Bool("attachment", msg.AttachmentPath != ""),
	)

	return nil
}

// classify maps SMTP reply codes onto the retry taxonomy: 5xx replies
// (bad mailbox, auth rejection) are permanent, everything else (4xx
// throttling, connection resets) is worth retrying.
func (s *SMTP) classify(err error, msg *Message) error {
	var smtpErr *textproto.Error
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
		return Permanentf(err, "smtp rejected message to %s", msg.To)
	}
	return Transientf(err, "smtp send to %s failed", msg.To)
}
