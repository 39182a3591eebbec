package mailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"

	"replypilot/internal/domain"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTP sends transactional mail through an authenticated relay.
type SMTP struct {
	cfg  Config
	dial func(ctx context.Context, msg *mail.Msg) error
}

func New(cfg Config) (*SMTP, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, errors.New("smtp host and from address are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	s := &SMTP{cfg: cfg}
	s.dial = s.dialAndSend
	return s, nil
}

func (s *SMTP) Send(ctx context.Context, e domain.Email) error {
	if e.To == "" {
		return errors.New("recipient address is empty")
	}
	msg := mail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if err := msg.To(e.To); err != nil {
		return fmt.Errorf("to: %w", err)
	}
	msg.Subject(e.Subject)
	msg.SetBodyString(mail.TypeTextHTML, e.HTML)
	return s.dial(ctx, msg)
}

func (s *SMTP) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithTimeout(15 * time.Second),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthLogin),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	client, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}
