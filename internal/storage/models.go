package storage

import (
	"time"
)

// Check outcome statuses recorded in check_logs.
const (
	CheckStatusSuccess = "success"
	CheckStatusError   = "error"
)

// Notification delivery statuses recorded in notifications.
const (
	NotificationSent   = "sent"
	NotificationFailed = "failed"
)

// CheckLog is the append-only record of one poll cycle.
type CheckLog struct {
	ID             int64
	CheckedAt      time.Time
	HotspotsFound  int
	NewHotspots    int
	ResponseTimeMs int64
	Status         string
	Error          *string
}

// NotificationRecord captures one outbound message attempt.
type NotificationRecord struct {
	ID           int64
	BatchID      string
	Kind         string
	HotspotCount int
	MessageText  string
	Status       string
	Error        *string
	SentAt       time.Time
}

// Setting is a key/value row from the settings table.
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}
