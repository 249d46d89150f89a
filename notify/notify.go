// Package notify defines the outbound user-notification boundary.
// The runtime delivers script notifications through a Notifier and
// treats every failure as best-effort: logged, counted, never surfaced
// into the run.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notifier delivers one message to one user.
type Notifier interface {
	Notify(ctx context.Context, userID, text string) error
}

// Func adapts a plain function to the Notifier interface.
type Func func(ctx context.Context, userID, text string) error

// Notify calls the function.
func (f Func) Notify(ctx context.Context, userID, text string) error {
	return f(ctx, userID, text)
}

// Nop returns a Notifier that silently discards every message.
func Nop() Notifier {
	return Func(func(context.Context, string, string) error { return nil })
}

// Logging returns a Notifier that writes messages to the logger,
// useful for development and as a default when no transport is wired.
func Logging(logger *zap.Logger) Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Func(func(_ context.Context, userID, text string) error {
		logger.Info("notification",
			zap.String("user_id", userID),
			zap.String("text", text),
		)
		return nil
	})
}
