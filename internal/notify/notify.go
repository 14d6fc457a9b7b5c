package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	nats "github.com/nats-io/nats.go"

	"tenantauth.org/internal/auth"
)

const defaultSubjectPrefix = "tenantauth.notify"

// Publisher is the subset of *nats.Conn used for notifications.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSNotifier hands notifications to the mail service over NATS. Delivery is
// fire-and-forget: Publish only buffers the message on the connection.
type NATSNotifier struct {
	pub    Publisher
	prefix string
}

// NewNATSNotifier publishes on "<prefix>.<kind>".
func NewNATSNotifier(pub Publisher, prefix string) (*NATSNotifier, error) {
	if pub == nil {
		return nil, errors.New("notify: publisher is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return &NATSNotifier{pub: pub, prefix: prefix}, nil
}

type message struct {
	Kind           string            `json:"kind"`
	AccountID      string            `json:"account_id"`
	Email          string            `json:"email"`
	OrganizationID string            `json:"organization_id,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
}

func (n *NATSNotifier) Notify(ctx context.Context, note auth.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(note.Kind) == "" {
		return errors.New("notify: kind is required")
	}
	data, err := json.Marshal(message{
		Kind:           note.Kind,
		AccountID:      note.AccountID,
		Email:          note.Email,
		OrganizationID: note.OrganizationID,
		Data:           note.Data,
	})
	if err != nil {
		return err
	}
	subject := n.prefix + "." + note.Kind
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("notify: publish %s: %w", subject, err)
	}
	return nil
}

// Noop discards notifications.
type Noop struct{}

func (Noop) Notify(context.Context, auth.Notification) error { return nil }
