package domain

import "time"

// Turn is a single persisted message in a chat, either authored by the user
// or generated as a reply.
type Turn struct {
	ID         string
	ChatID     string
	AccountID  string
	Text       string
	IsFromUser bool
	CreatedAt  time.Time
}

// Role maps the turn to the chat role used when replaying it as context.
func (t Turn) Role() string {
	if t.IsFromUser {
		return RoleUser
	}
	return RoleAssistant
}
