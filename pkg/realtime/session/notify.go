package session

import (
	"context"
	"log/slog"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a non-blocking, user-visible message.
type Notification struct {
	Level   Level
	Message string
	Err     error
}

// Notifier surfaces notifications to the user. Notify must not block.
type Notifier interface {
	Notify(n Notification)
}

type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// logNotifier is used when no Notifier is configured.
type logNotifier struct {
	logger *slog.Logger
}

func (l logNotifier) Notify(n Notification) {
	level := slog.LevelInfo
	switch n.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	attrs := []any{}
	if n.Err != nil {
		attrs = append(attrs, "error", n.Err)
	}
	l.logger.Log(context.Background(), level, n.Message, attrs...)
}
