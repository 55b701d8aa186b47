// Package push delivers notifications to devices that have no live
// connection. Delivery is best-effort: failures are logged and counted,
// never propagated to the operation that triggered the push.
package push

import (
	"context"
	"log/slog"
)

// Notification is one push message addressed to a device token. Data values
// are stringified for FCM compatibility.
type Notification struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

type Dispatcher interface {
	Send(ctx context.Context, n Notification) error
}

// Nop drops every notification. Used in tests and when FCM credentials are
// not configured.
type Nop struct{}

func (Nop) Send(ctx context.Context, n Notification) error {
	slog.Debug("push disabled, dropping notification", "title", n.Title)
	return nil
}
