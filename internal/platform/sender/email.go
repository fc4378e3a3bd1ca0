package sender

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/resend/resend-go/v3"
	gomail "gopkg.in/mail.v2"
)

func checkAddress(to string) error {
	if _, err := mail.ParseAddress(to); err != nil {
		return Rejected(CodeInvalidAddress, fmt.Errorf("parse email address %q: %w", to, err))
	}
	return nil
}

// ResendEmail sends email through the Resend API.
type ResendEmail struct {
	client *resend.Client
	from   string
}

// NewResendEmail sends through the Resend API as from.
func NewResendEmail(apiKey, from string) *ResendEmail {
	return &ResendEmail{client: resend.NewClient(apiKey), from: from}
}

func (s *ResendEmail) Send(ctx context.Context, msg Message) (string, error) {
	if err := checkAddress(msg.To); err != nil {
		return "", err
	}
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Body,
	}
	sent, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return "", Transient(CodeProviderError, fmt.Errorf("resend: %w", err))
	}
	return sent.Id, nil
}

// SMTPEmail sends email through a plain SMTP relay.
type SMTPEmail struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPEmail sends through an SMTP relay. Empty credentials skip auth.
func NewSMTPEmail(host string, port int, username, password, from string) *SMTPEmail {
	return &SMTPEmail{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

// Send has no provider message id; the empty string is returned on success.
func (s *SMTPEmail) Send(ctx context.Context, msg Message) (string, error) {
	if err := checkAddress(msg.To); err != nil {
		return "", err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	errc := make(chan error, 1)
	go func() { errc <- s.dialer.DialAndSend(m) }()
	select {
	case err := <-errc:
		if err != nil {
			return "", Transient(CodeProviderError, fmt.Errorf("smtp: %w", err))
		}
		return "", nil
	case <-ctx.Done():
		return "", Transient(CodeTimeout, ctx.Err())
	}
}
