package notify

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"matchtalk/pkg/apperr"
	"matchtalk/pkg/config"
)

type EmailService interface {
	SendEmail(ctx context.Context, subject, toEmail, plainTextContent, htmlContent string) error
}

type sendgridService struct {
	client      *sendgrid.Client
	senderEmail string
	senderName  string
}

func NewEmailService(cfg config.SendGrid) EmailService {
	return &sendgridService{
		client:      sendgrid.NewSendClient(cfg.APIKey),
		senderEmail: cfg.SenderEmail,
		senderName:  cfg.SenderName,
	}
}

func (e *sendgridService) SendEmail(ctx context.Context, subject, toEmail, plainTextContent, htmlContent string) error {
	from := mail.NewEmail(e.senderName, e.senderEmail)
	to := mail.NewEmail("", toEmail)
	message := mail.NewSingleEmail(from, subject, to, plainTextContent, htmlContent)
	resp, err := e.client.SendWithContext(ctx, message)
	if err != nil {
		return apperr.Transient("send email", err)
	}
	if resp.StatusCode >= 400 {
		return apperr.FromStatus(resp.StatusCode, fmt.Sprintf("sendgrid rejected email: %d", resp.StatusCode), 0)
	}
	return nil
}

// Disabled drops every email. Used when no SendGrid key is configured.
type Disabled struct{}

func (Disabled) SendEmail(context.Context, string, string, string, string) error { return nil }
