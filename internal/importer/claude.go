package importer

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/CanopyHQ/tendril/internal/chat"
)

// ClaudeConversation represents a Claude export conversation
type ClaudeConversation struct {
	UUID         string          `json:"uuid"`
	Name         string          `json:"name"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ChatMessages []ClaudeMessage `json:"chat_messages"`
}

// ClaudeMessage represents a message in Claude format
type ClaudeMessage struct {
	UUID      string    `json:"uuid"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"` // "human" or "assistant"
	CreatedAt time.Time `json:"created_at"`
}

func decodeClaude(data []byte) ([]chat.MessageSpec, error) {
	var conversations []ClaudeConversation
	if err := json.Unmarshal(data, &conversations); err != nil {
		var single ClaudeConversation
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, err
		}
		conversations = []ClaudeConversation{single}
	}
	var specs []chat.MessageSpec
	for _, conv := range conversations {
		specs = append(specs, claudeMessages(conv)...)
	}
	return specs, nil
}

func claudeMessages(conv ClaudeConversation) []chat.MessageSpec {
	var specs []chat.MessageSpec
	for _, msg := range conv.ChatMessages {
		content := strings.TrimSpace(msg.Text)
		if content == "" {
			continue
		}
		spec := chat.MessageSpec{
			MessageType: "text",
			Payload:     truncate(content, maxPayload),
			Meta:        "claude:" + msg.Sender,
		}
		if !msg.CreatedAt.IsZero() {
			spec.Timestamp = uint64(msg.CreatedAt.UnixMilli())
		}
		specs = append(specs, spec)
	}
	return specs
}
