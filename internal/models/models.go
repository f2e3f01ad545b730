package models

import "time"

type NotificationType string

const (
	TypeEmail NotificationType = "email"
	TypePush  NotificationType = "push"
)

func (t NotificationType) Valid() bool {
	return t == TypeEmail || t == TypePush
}

type Status string

const (
	StatusPending Status = "pending"
	StatusQueued  Status = "queued"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Predecessors lists the statuses a record may move to s from.
func (s Status) Predecessors() []Status {
	switch s {
	case StatusQueued:
		return []Status{StatusPending}
	case StatusSent, StatusFailed:
		return []Status{StatusPending, StatusQueued}
	}
	return nil
}

// Notification is the durable record of one logical send request.
type Notification struct {
	ID               string           `json:"id"`
	RequestID        string           `json:"request_id"`
	UserID           string           `json:"user_id"`
	NotificationType NotificationType `json:"notification_type"`
	TemplateCode     string           `json:"template_code"`
	Variables        map[string]any   `json:"variables"`
	Priority         int              `json:"priority"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	Status           Status           `json:"status"`
	Attempts         int              `json:"attempts"`
	Error            *string          `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// QueueMessage is the envelope published to the broker. It is a flat copy of
// the notification, never a reference to the stored record.
type QueueMessage struct {
	RequestID        string           `json:"request_id"`
	UserID           string           `json:"user_id"`
	TemplateCode     string           `json:"template_code"`
	Variables        map[string]any   `json:"variables"`
	NotificationType NotificationType `json:"notification_type"`
	Priority         int              `json:"priority"`
	Metadata         map[string]any   `json:"metadata"`
	Timestamp        time.Time        `json:"timestamp"`
	Attempt          int              `json:"attempt"`
	CorrelationID    string           `json:"-"`
}

// NewQueueMessage copies n into a fresh envelope with attempt 0.
func NewQueueMessage(n Notification, now time.Time) QueueMessage {
	metadata := copyMap(n.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	variables := copyMap(n.Variables)
	if variables == nil {
		variables = map[string]any{}
	}
	return QueueMessage{
		RequestID:        n.RequestID,
		UserID:           n.UserID,
		TemplateCode:     n.TemplateCode,
		Variables:        variables,
		NotificationType: n.NotificationType,
		Priority:         n.Priority,
		Metadata:         metadata,
		Timestamp:        now.UTC(),
		Attempt:          0,
	}
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// StatusUpdate is a requested status transition for one record.
type StatusUpdate struct {
	RequestID         string
	Status            Status
	Error             *string
	IncrementAttempts bool
}

type ApiResponse struct {
	Success bool        `json:"success"`
	Outcome string      `json:"outcome,omitempty"`
	Message string      `json:"message"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type SendNotificationRequest struct {
	RequestID        string           `json:"request_id" binding:"required,max=255"`
	UserID           string           `json:"user_id" binding:"required"`
	NotificationType NotificationType `json:"notification_type" binding:"required,oneof=email push"`
	TemplateCode     string           `json:"template_code" binding:"required"`
	Variables        map[string]any   `json:"variables" binding:"required"`
	Priority         *int             `json:"priority"`
	Metadata         map[string]any   `json:"metadata"`
}

type StatusReportRequest struct {
	NotificationID string  `json:"notification_id" binding:"required"`
	Status         string  `json:"status" binding:"required"`
	Error          *string `json:"error"`
	Timestamp      *string `json:"timestamp"`
}

type StatusReportResponse struct {
	Notification Notification `json:"notification"`
	Timestamp    string       `json:"timestamp"`
}
