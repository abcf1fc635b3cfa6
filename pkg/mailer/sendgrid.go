package mailer

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendgridMailer delivers messages through the SendGrid v3 API.
type SendgridMailer struct {
	client *sendgrid.Client
	from   *sgmail.Email
}

// NewSendgridMailer builds a mailer bound to an API key and sender identity.
func NewSendgridMailer(apiKey, fromName, fromAddress string) *SendgridMailer {
	return &SendgridMailer{
		client: sendgrid.NewSendClient(apiKey),
		from:   sgmail.NewEmail(fromName, fromAddress),
	}
}

// Send implements Mailer.
func (m *SendgridMailer) Send(ctx context.Context, msg Message) error {
	to := sgmail.NewEmail(msg.To.Name, msg.To.Address)
	sg := sgmail.NewSingleEmail(m.from, msg.Subject, to, msg.Text, msg.HTML)
	res, err := m.client.SendWithContext(ctx, sg)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sendgrid send: status %d: %s", res.StatusCode, res.Body)
	}
	return nil
}
