package types

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"    // RoleSystem marks instructions that precede the conversation.
	RoleUser      Role = "user"      // RoleUser marks a message typed by the caller.
	RoleAssistant Role = "assistant" // RoleAssistant marks a reply read back from the provider.
)

// Message is a single turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// LastUserIndex returns the index of the final user message, or -1.
func LastUserIndex(messages []Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}
