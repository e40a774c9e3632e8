package peerchat

import (
	"fmt"
	"log/slog"
	"strings"
)

// Permission is the user's consent to platform notifications.
type Permission uint8

const (
	PermissionDefault Permission = iota // not asked yet
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	}
	return "default"
}

// ParsePermission maps "granted", "denied" and "default" to a Permission.
func ParsePermission(s string) (Permission, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "granted":
		return PermissionGranted, nil
	case "denied":
		return PermissionDenied, nil
	case "default", "":
		return PermissionDefault, nil
	}
	return PermissionDefault, fmt.Errorf("unknown notification permission %q", s)
}

// PermissionSource reports the current notification permission. It is
// consulted on every emit, so a later grant takes effect immediately.
type PermissionSource interface {
	Permission() Permission
}

// PermissionFunc adapts a function to PermissionSource.
type PermissionFunc func() Permission

func (f PermissionFunc) Permission() Permission { return f() }

// Notification is a signal for something outside the active conversation.
type Notification struct {
	Title     string
	Body      string
	Kind      string   // backend notification_type, if any
	PeerID    Identity // related user, if any
	MessageID int64    // related message, if any
}

// Notifier surfaces a notification on the platform (desktop, terminal, ...).
type Notifier interface {
	Notify(Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification) error

func (f NotifierFunc) Notify(n Notification) error { return f(n) }

// NotificationSink forwards notifications to a Notifier when permission is
// granted and drops them silently otherwise. A nil sink drops everything.
type NotificationSink struct {
	perm     PermissionSource
	platform Notifier
	log      *slog.Logger
}

// NewNotificationSink creates a sink. A nil perm is treated as "default".
func NewNotificationSink(perm PermissionSource, platform Notifier, logger *slog.Logger) *NotificationSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationSink{
		perm:     perm,
		platform: platform,
		log:      logger.With("component", "notify"),
	}
}

// Emit surfaces n if allowed and reports whether it was.
func (s *NotificationSink) Emit(n Notification) bool {
	if s == nil || s.platform == nil {
		return false
	}
	if s.perm == nil || s.perm.Permission() != PermissionGranted {
		s.log.Debug("notification suppressed", "title", n.Title)
		return false
	}
	if err := s.platform.Notify(n); err != nil {
		s.log.Warn("notification failed", "title", n.Title, "error", err)
		return false
	}
	return true
}

const notificationPreviewLen = 50

func messageNotification(m Message) Notification {
	body := m.Content
	if r := []rune(body); len(r) > notificationPreviewLen {
		body = string(r[:notificationPreviewLen]) + "..."
	}
	return Notification{
		Title:     "New message from " + m.SenderID.String(),
		Body:      body,
		Kind:      "new_message",
		PeerID:    m.SenderID,
		MessageID: m.ID,
	}
}
