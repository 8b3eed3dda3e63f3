package aichat

import "log/slog"

// ChatRole identifies the author of a [ChatMessage].
type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is a single provider-agnostic turn of a completion request.
type ChatMessage struct {
	Role ChatRole `json:"role"`

	// Name is the display name of the author. It's only set on user turns,
	// so the persona can address the caller without the name being part
	// of the content.
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

func (m ChatMessage) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("role", string(m.Role)),
		slog.Int("content_length", len([]rune(m.Content))),
	}
	if m.Name != "" {
		attrs = append(attrs, slog.String("name", m.Name))
	}
	return slog.GroupValue(attrs...)
}

// UserPrompt is the caller's current input.
type UserPrompt struct {
	Name string
	Text string
}

// AssemblePrompt builds the message sequence for a completion request:
// the persona's system prompt, then history in the order given, then the
// caller's prompt. Input length is validated by the entry points, not here.
func AssemblePrompt(
	systemPrompt string,
	history []ChatMessage,
	prompt UserPrompt,
) []ChatMessage {
	messages := make([]ChatMessage, 0, len(history)+2)
	messages = append(
		messages,
		ChatMessage{Role: ChatRoleSystem, Content: systemPrompt},
	)
	messages = append(messages, history...)
	messages = append(
		messages,
		ChatMessage{
			Role:    ChatRoleUser,
			Name:    prompt.Name,
			Content: prompt.Text,
		},
	)
	return messages
}

// assistantHistory wraps a prior bot reply as a single history turn.
func assistantHistory(content string) []ChatMessage {
	if content == "" {
		return nil
	}
	return []ChatMessage{{Role: ChatRoleAssistant, Content: content}}
}
