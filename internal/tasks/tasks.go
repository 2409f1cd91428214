package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/cuongbtq/jobkit/internal/jobs"
)

const (
	SendWelcomeName = "SendWelcome"
	HeartbeatName   = "Heartbeat"

	// MailQueue carries user-facing email jobs
	MailQueue = "mail"
)

// ErrInvalidRecipient is returned for welcome jobs without a usable address
var ErrInvalidRecipient = errors.New("invalid recipient address")

// WelcomeInput is the payload of a SendWelcome job
type WelcomeInput struct {
	To   string `json:"to"`
	Name string `json:"name,omitempty"`
}

// WelcomeResult is stored as the audit result of a SendWelcome job
type WelcomeResult struct {
	MessageID string `json:"message_id"`
}

type welcomeHandler struct {
	mailer Mailer
}

func (h *welcomeHandler) Handle(ctx context.Context, in WelcomeInput) (WelcomeResult, error) {
	if _, err := mail.ParseAddress(in.To); err != nil {
		return WelcomeResult{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, in.To)
	}

	name := in.Name
	if name == "" {
		name = "there"
	}

	id, err := h.mailer.Send(ctx, Message{
		To:      in.To,
		Subject: "Welcome aboard",
		Body:    fmt.Sprintf("Hi %s, thanks for signing up.", name),
	})
	if err != nil {
		return WelcomeResult{}, fmt.Errorf("send welcome email: %w", err)
	}
	return WelcomeResult{MessageID: id}, nil
}

// SendWelcome emails a new user
func SendWelcome(mailer Mailer) jobs.Definition {
	return jobs.Define(SendWelcomeName, func() jobs.Handler[WelcomeInput, WelcomeResult] {
		return &welcomeHandler{mailer: mailer}
	}, jobs.OnQueue(MailQueue))
}

// HeartbeatResult records when the heartbeat ran
type HeartbeatResult struct {
	At time.Time `json:"at"`
}

// Heartbeat is a recurring liveness job on the default queue
func Heartbeat(pattern string, logger *slog.Logger) jobs.Definition {
	if logger == nil {
		logger = slog.Default()
	}
	return jobs.DefineFunc(HeartbeatName, func(context.Context, struct{}) (HeartbeatResult, error) {
		now := time.Now().UTC()
		logger.Debug("Heartbeat", slog.Time("at", now))
		return HeartbeatResult{At: now}, nil
	}, jobs.Every(pattern))
}

// Deps are the collaborators of the built-in jobs
type Deps struct {
	Mailer           Mailer
	HeartbeatPattern string
	Logger           *slog.Logger
}

// Register adds the built-in jobs to reg
func Register(reg *jobs.Registry, deps Deps) {
	reg.Register(SendWelcome(deps.Mailer))
	if deps.HeartbeatPattern != "" {
		reg.Register(Heartbeat(deps.HeartbeatPattern, deps.Logger))
	}
}
