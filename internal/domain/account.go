package domain

import "time"

// Account tracks a chat participant and how many exchanges they have used.
type Account struct {
	ID             string
	ExternalUserID string
	DisplayName    string
	UsageCount     int
	CreatedAt      time.Time
}
