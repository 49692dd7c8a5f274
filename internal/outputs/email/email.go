package email

import (
	"context"
	"fmt"

	mail "github.com/wneessen/go-mail"
)

type Message struct {
	From     string
	To       string
	Subject  string
	Body     string
	HTMLBody string
}

type Sender interface {
	Send(ctx context.Context, message Message) error
}

// NewMsg builds the go-mail message shared by every transport. The plain
// text body is always present; HTMLBody is attached as an alternative.
func NewMsg(message Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(message.From); err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", message.From, err)
	}
	if err := m.ToFromString(message.To); err != nil {
		return nil, fmt.Errorf("invalid to address(es) %q: %w", message.To, err)
	}
	m.Subject(message.Subject)
	m.SetBodyString(mail.TypeTextPlain, message.Body)
	if message.HTMLBody != "" {
		m.AddAlternativeString(mail.TypeTextHTML, message.HTMLBody)
	}
	if err := m.EnvelopeFrom(message.From); err != nil {
		return nil, fmt.Errorf("invalid envelope from address %q: %w", message.From, err)
	}
	return m, nil
}
