package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

var ErrNoRecipient = errors.New("message has no recipient")

type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a single message. Implementations return an error on
// transport failure so callers can decide whether to retry.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromName  string
	FromEmail string
}

type SMTPSender struct {
	from   string
	dialer *gomail.Dialer
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("SMTP credentials not configured")
	}

	return &SMTPSender{
		from:   fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromEmail),
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send email to %s: %w", msg.To, err)
	}
	return nil
}

// LogSender writes messages to the log instead of sending them. Used when
// SMTP is not configured.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	s.log.Info("email (not sent, smtp disabled)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return nil
}

// NewSender returns an SMTPSender when credentials are set and a LogSender
// otherwise.
func NewSender(cfg SMTPConfig, log *zap.Logger) (Sender, error) {
	if cfg.Host == "" || cfg.Username == "" || cfg.Password == "" {
		log.Warn("SMTP not configured, emails will only be logged")
		return NewLogSender(log), nil
	}
	return NewSMTPSender(cfg)
}
