package domain

// Chat roles accepted by the completion backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape sent to the
// completion backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
