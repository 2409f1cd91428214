package tasks

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Message is an outgoing email
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers email
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// LogMailer writes messages to the log instead of sending them
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, msg Message) (string, error) {
	id := uuid.NewString()
	m.logger.Info("Email sent",
		slog.String("message_id", id),
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
	)
	return id, nil
}
