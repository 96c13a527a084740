package domain

import "strconv"

// Update is the subset of a Telegram webhook update the relay consumes.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from,omitempty"`
	Text      string `json:"text"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

// ChatID returns the chat identifier in the string form used for storage.
func (m *Message) ChatID() string {
	return strconv.FormatInt(m.Chat.ID, 10)
}

// SenderID returns the sender's identifier, or "" when the message has no sender.
func (m *Message) SenderID() string {
	if m.From == nil {
		return ""
	}
	return strconv.FormatInt(m.From.ID, 10)
}

// SenderName returns the sender's username, which may be empty.
func (m *Message) SenderName() string {
	if m.From == nil {
		return ""
	}
	return m.From.Username
}
