package notificator

import (
	"context"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

// EmailNotificator mails alerts to the operators' address.
type EmailNotificator struct {
	logger *logger.Logger

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPSender   string
	Recipient    string

	SMTPAuth smtp.Auth

	// sendMail is smtp.SendMail, replaced in tests
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailNotificator(logger *logger.Logger, SMTPHost string, SMTPPort int, SMTPUser, SMTPPassword, SMTPSender, recipient string) *EmailNotificator {
	var auth smtp.Auth
	if SMTPUser != "" {
		auth = smtp.PlainAuth(
			"",
			SMTPUser,
			SMTPPassword,
			SMTPHost,
		)
	}

	return &EmailNotificator{
		logger:       logger,
		SMTPAuth:     auth,
		SMTPHost:     SMTPHost,
		SMTPPort:     SMTPPort,
		SMTPUser:     SMTPUser,
		SMTPPassword: SMTPPassword,
		SMTPSender:   SMTPSender,
		Recipient:    recipient,
		sendMail:     smtp.SendMail,
	}
}

func (e *EmailNotificator) Name() string {
	return "email"
}

// Send mails the alert. net/smtp has no context support, so ctx is only
// checked before dialing.
func (e *EmailNotificator) Send(ctx context.Context, alert *models.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := e.SMTPHost + ":" + strconv.Itoa(e.SMTPPort)
	if err := e.sendMail(addr, e.SMTPAuth, e.SMTPSender, []string{e.Recipient}, e.message(alert)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (e *EmailNotificator) message(alert *models.Alert) []byte {
	subject := fmt.Sprintf("[tributum] %s: %s", strings.ToUpper(string(alert.Level)), alert.Title)
	return []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		e.SMTPSender,
		e.Recipient,
		subject,
		strings.ReplaceAll(alert.String(), "\n", "\r\n"),
	))
}
