package domain

// Profile is the public identity attached to notifications and typing
// indicators. The full account lives with the hosted auth provider; the
// engine only ever sees these fields.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// Notification is the payload handed to the notification sink when an
// inbound message lands in an inactive conversation. The engine emits it;
// rendering belongs to the consumer.
type Notification struct {
	Message string   `json:"message"`
	Type    string   `json:"type"`
	Sender  *Profile `json:"sender,omitempty"`
}

const (
	NotifyDM    = "dm"
	NotifyRoom  = "room"
	NotifyError = "error"
)
