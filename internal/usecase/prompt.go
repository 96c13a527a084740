package usecase

import (
	"strings"

	"chat-relay/internal/domain"
)

const DefaultSystemPrompt = "You are a helpful assistant."

// buildPromptMessages assembles one system message, the prior turns as
// persisted, and the current user message last.
func buildPromptMessages(systemPrompt string, prior []domain.Turn, current string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(prior)+2)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: systemPrompt})

	for _, t := range prior {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: t.Role(), Content: t.Text})
	}

	return append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: current})
}
