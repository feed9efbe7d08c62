package session

import (
	"context"
	"log/slog"
)

// Redirect tells UI clients where to go after the session ended.
type Redirect struct {
	Path   string
	Reason Reason
}

// Navigator delivers redirects to the UI host.
type Navigator interface {
	Redirect(ctx context.Context, r Redirect)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, r Redirect)

// Redirect calls f.
func (f NavigatorFunc) Redirect(ctx context.Context, r Redirect) { f(ctx, r) }

type logNavigator struct {
	log *slog.Logger
}

func (n logNavigator) Redirect(_ context.Context, r Redirect) {
	n.log.Info("session.redirect", "path", r.Path, "reason", r.Reason, "delivered", false)
}
