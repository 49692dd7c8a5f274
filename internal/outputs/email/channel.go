package email

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/bakkerme/repology-notify/internal/core"
)

const DefaultSubjectPrefix = "Outdated package: "

type ChannelConfig struct {
	Name          string
	Enabled       bool
	From          string
	To            string
	SubjectPrefix string
}

// Channel sends one email per payload. The Markdown body is sent as text
// with an HTML rendering attached.
type Channel struct {
	config    ChannelConfig
	sender    Sender
	converter goldmark.Markdown
}

func NewChannel(cfg ChannelConfig, sender Sender) (*Channel, error) {
	if sender == nil {
		return nil, fmt.Errorf("email sender is required")
	}
	if cfg.Name == "" {
		cfg.Name = "email"
	}
	if cfg.Enabled {
		if _, err := mail.ParseAddressList(cfg.To); err != nil {
			return nil, fmt.Errorf("invalid email to address %q: %w", cfg.To, err)
		}
	}
	return &Channel{
		config:    cfg,
		sender:    sender,
		converter: goldmark.New(goldmark.WithExtensions(extension.Linkify)),
	}, nil
}

func (c *Channel) Name() string {
	return c.config.Name
}

func (c *Channel) Enabled() bool {
	return c.config.Enabled
}

func (c *Channel) Send(ctx context.Context, payload core.Payload) error {
	message, err := c.Message(payload)
	if err != nil {
		return err
	}
	return c.sender.Send(ctx, message)
}

// Message converts a payload into the email that Send delivers.
func (c *Channel) Message(payload core.Payload) (Message, error) {
	var html bytes.Buffer
	if err := c.converter.Convert([]byte(payload.Body), &html); err != nil {
		return Message{}, fmt.Errorf("render email html: %w", err)
	}
	return Message{
		From:     c.config.From,
		To:       c.config.To,
		Subject:  c.config.SubjectPrefix + payload.Subject,
		Body:     payload.Body,
		HTMLBody: html.String(),
	}, nil
}
