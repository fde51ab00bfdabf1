package transcript

import (
	"context"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"
)

// Mailer delivers a finished transcript. The deployment path treats delivery
// as best-effort: a send failure is logged by the caller, never escalated.
type Mailer interface {
	Send(ctx context.Context, subject string, recipients []string, lines []string) error
}

// SMTPMailer sends transcripts as plain-text mail over SMTP.
type SMTPMailer struct {
	Host string
	Port int
	From string
}

// NewSMTPMailer returns a mailer for the given relay. From is the envelope
// and header sender.
func NewSMTPMailer(host string, port int, from string) *SMTPMailer {
	return &SMTPMailer{Host: host, Port: port, From: from}
}

func (m *SMTPMailer) Send(ctx context.Context, subject string, recipients []string, lines []string) error {
	if m.Host == "" {
		return fmt.Errorf("smtp host not configured")
	}

	msg := mail.NewMsg()
	if err := msg.From(m.From); err != nil {
		return fmt.Errorf("set sender %q: %w", m.From, err)
	}
	if err := msg.To(recipients...); err != nil {
		return fmt.Errorf("set recipients: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, strings.Join(lines, "\n")+"\n")

	client, err := mail.NewClient(m.Host,
		mail.WithPort(m.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send transcript mail: %w", err)
	}
	return nil
}
