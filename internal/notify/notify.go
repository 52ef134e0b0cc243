// Package notify delivers terminal provisioning notifications outside the
// page, gated by a user permission that is separate from BLE capability.
package notify

import "log/slog"

// Permission mirrors the platform notification permission states.
type Permission int

const (
	// PermissionDefault means the user has not been asked yet.
	PermissionDefault Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionDefault:
		return "default"
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Notification is the payload handed to the Sender. Icon selection from
// Success is the sender's concern; the assets are external.
type Notification struct {
	Title   string
	Body    string
	Success bool
}

// Sender performs the actual platform delivery.
type Sender interface {
	Send(n Notification) error
}

// QueryFunc returns the current permission without prompting.
type QueryFunc func() Permission

// RequestFunc prompts the user for permission and returns the outcome.
type RequestFunc func() Permission

// InlineFunc shows a degraded inline message when delivery is not
// possible.
type InlineFunc func(msg string)

// Dispatcher sends terminal success/failure notifications. Permission is
// requested only after a successful provisioning attempt, never
// pre-emptively, and a denied permission degrades to a no-op plus an
// inline message. Notify never blocks or fails the provisioning flow.
type Dispatcher struct {
	enabled bool
	query   QueryFunc
	request RequestFunc
	sender  Sender
	inline  InlineFunc
}

// NewDispatcher builds a Dispatcher. A nil sender logs via slog; nil
// query/request behave as PermissionDenied; a nil inline func drops the
// degraded message.
func NewDispatcher(enabled bool, query QueryFunc, request RequestFunc, sender Sender, inline InlineFunc) *Dispatcher {
	if sender == nil {
		sender = slogSender{}
	}
	return &Dispatcher{
		enabled: enabled,
		query:   query,
		request: request,
		sender:  sender,
		inline:  inline,
	}
}

// Notify delivers a terminal notification if permitted. On success with
// permission not yet decided, the permission prompt is raised first; on
// failure the notification goes out only if permission was already
// granted.
func (d *Dispatcher) Notify(title, body string, success bool) {
	if d == nil || !d.enabled {
		return
	}

	perm := PermissionDenied
	if d.query != nil {
		perm = d.query()
	}

	if perm == PermissionDefault && success && d.request != nil {
		perm = d.request()
	}

	if perm != PermissionGranted {
		if d.inline != nil {
			d.inline("Notifications are turned off; result shown here only.")
		}
		return
	}

	if err := d.sender.Send(Notification{Title: title, Body: body, Success: success}); err != nil {
		slog.Warn("[notify] delivery failed", "error", err)
	}
}

// slogSender is the fallback delivery path when no platform sender is
// wired.
type slogSender struct{}

func (slogSender) Send(n Notification) error {
	slog.Info("[notify] "+n.Title, "body", n.Body, "success", n.Success)
	return nil
}
