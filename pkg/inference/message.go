package inference

// Role defines message roles in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    Role
	Content string

	// Name optionally identifies the human speaker of a user message.
	Name string
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewNamedUserMessage creates a user message attributed to a speaker.
func NewNamedUserMessage(name, content string) Message {
	return Message{Role: RoleUser, Content: content, Name: sanitizeName(name)}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// sanitizeName maps a display name onto the characters the name field
// accepts: letters, digits, underscore and hyphen, at most 64 of them.
func sanitizeName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		case r == ' ' || r == '.':
			out = append(out, '_')
		}
		if len(out) == 64 {
			break
		}
	}
	return string(out)
}
