package push

import (
	"context"
	"log/slog"
)

// LogProvider only logs what it would send. Used when no push credentials
// are configured.
type LogProvider struct {
	Logger *slog.Logger
}

func (l *LogProvider) Send(ctx context.Context, token string, msg Message) error {
	l.Logger.Info("push (log only)", "token", token, "title", msg.Title, "body", msg.Body, "kind", msg.Data["kind"], "trip_id", msg.Data["trip_id"])
	return nil
}
