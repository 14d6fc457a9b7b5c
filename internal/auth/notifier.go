package auth

import "context"

// Notification kinds sent to the mail collaborator.
const (
	NotificationAccountLocked = "account_locked"
)

// Notification is a message for the account owner.
type Notification struct {
	Kind           string
	AccountID      string
	Email          string
	OrganizationID string
	Data           map[string]string
}

// Notifier delivers notifications. Failures are logged by the caller and
// never affect the outcome of an auth operation.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type discardNotifier struct{}

func (discardNotifier) Notify(context.Context, Notification) error { return nil }
