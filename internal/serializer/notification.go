package serializer

import (
	"strconv"

	"github.com/yairfalse/vahti/pkg/resource"
)

// Keys used for notification metadata in an event body.
const (
	NotificationTypeKey           = "notificationType"
	NotificationMessageKey        = "notificationMessage"
	NotificationSequenceNumberKey = "notificationSequenceNumber"
	NotificationSourceKey         = "notificationSource"
	NotificationUserDataKey       = "userData"
)

// NotificationOptions selects the notification parts copied into a body.
type NotificationOptions struct {
	IncludeType           bool
	IncludeMessage        bool
	IncludeSequenceNumber bool
	IncludeSource         bool
	IncludeUserData       bool
}

// NotificationBody builds the event body for a pushed notification.
// Record and table user data are flattened into the body itself; any other
// non-null user data is stored as a string under "userData".
func (s *Serializer) NotificationBody(n resource.Notification, opts NotificationOptions) map[string]any {
	body := make(map[string]any)

	if opts.IncludeUserData {
		switch n.UserData.Kind() {
		case resource.KindNull:
		case resource.KindRecord:
			r := n.UserData.Record()
			for _, name := range r.Names() {
				s.Serialize(body, name, r.Get(name), false)
			}
		case resource.KindTable:
			s.addTable(body, n.UserData.Table())
		default:
			body[NotificationUserDataKey] = n.UserData.String()
		}
	}

	if opts.IncludeType {
		body[NotificationTypeKey] = n.Type
	}
	if opts.IncludeMessage {
		body[NotificationMessageKey] = n.Message
	}
	if opts.IncludeSequenceNumber {
		body[NotificationSequenceNumberKey] = strconv.FormatInt(n.Sequence, 10)
	}
	if opts.IncludeSource && !n.Source.IsZero() {
		body[NotificationSourceKey] = n.Source.Canonical()
	}

	return body
}
