package verification

import (
	"context"
	"fmt"

	"github.com/platinummonkey/chatquota/pkg/observability"
)

// Message is an outgoing email
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers verification emails
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the log instead of sending them
type LogMailer struct {
	logger *observability.Logger
}

// NewLogMailer creates a mailer that only logs
func NewLogMailer(logger *observability.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// Send logs the message
func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.logger.WithFields(map[string]interface{}{
		"to":      msg.To,
		"subject": msg.Subject,
	}).Info("verification email (log only)")
	return nil
}

func verificationMessage(to, name, link string) Message {
	greeting := name
	if greeting == "" {
		greeting = to
	}
	return Message{
		To:      to,
		Subject: "Confirme seu email - MultiBPO",
		Body: fmt.Sprintf(`Olá %s!

Para ativar sua conta na MultiBPO, clique no link abaixo:
%s

Este link expira em 1 hora por segurança.

Se você não solicitou este cadastro, ignore este email.`, greeting, link),
	}
}
