package models

import "time"

type NotificationStatus string

const (
	NotificationSent       NotificationStatus = "sent"
	NotificationFailed     NotificationStatus = "failed"
	NotificationLoggedOnly NotificationStatus = "logged_only"
)

// Event types emitted after a committed lifecycle change.
const (
	EventLoanCreated   = "loan_created"
	EventReturnCreated = "return_created"
	EventIssueCreated  = "issue_created"
)

// NotificationLog is one delivery attempt outcome. Failed entries form the dead-letter log.
type NotificationLog struct {
	ID           int64              `json:"id"`
	EventType    string             `json:"event_type"`
	RelatedID    int64              `json:"related_id"`
	Recipient    string             `json:"recipient"`
	Status       NotificationStatus `json:"status"`
	ErrorMessage *string            `json:"error_message,omitempty"`
	Attempts     int                `json:"attempts"`
	CreatedAt    time.Time          `json:"created_at"`
}
