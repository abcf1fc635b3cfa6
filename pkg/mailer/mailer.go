// Package mailer sends transactional emails: the signature link sent to each pending learner.
package mailer

import (
	"context"
	"net/mail"
)

// Message is a rendered email ready for transport.
type Message struct {
	To      mail.Address
	Subject string
	Text    string
	HTML    string
}

// Mailer delivers a single message. Implementations must be safe for concurrent use.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}
