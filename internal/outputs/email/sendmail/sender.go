// Package sendmail delivers email through the local sendmail binary.
package sendmail

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/user"
	"strings"

	"github.com/bakkerme/repology-notify/internal/outputs/email"
)

const DefaultPath = "/usr/sbin/sendmail"

type Sender struct {
	path string
	from string
}

// NewSender creates a sender piping messages into the sendmail binary at
// path. An empty from uses DefaultFrom.
func NewSender(path, from string) *Sender {
	if path == "" {
		path = DefaultPath
	}
	if from == "" {
		from = DefaultFrom()
	}
	return &Sender{path: path, from: from}
}

func (s *Sender) Send(ctx context.Context, message email.Message) error {
	if message.From == "" {
		message.From = s.from
	}
	m, err := email.NewMsg(message)
	if err != nil {
		return err
	}
	if err := m.WriteToSendmailWithContext(ctx, s.path, "-oi", "-t"); err != nil {
		return fmt.Errorf("failed to send email via %s: %w", s.path, err)
	}
	return nil
}

// Validate checks that the sendmail binary can be found.
func Validate(path string) error {
	if path == "" {
		path = DefaultPath
	}
	if _, err := exec.LookPath(path); err != nil {
		return fmt.Errorf("sendmail is not installed or not available at %s: %w", path, err)
	}
	return nil
}

// DefaultFrom returns "Repology Updater <user@fqdn>" for the current user
// and host.
func DefaultFrom() string {
	username := "repology-notify"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	if cname, err := net.LookupCNAME(host); err == nil && cname != "" {
		host = strings.TrimSuffix(cname, ".")
	}
	return fmt.Sprintf("Repology Updater <%s@%s>", username, host)
}
