package chat

import "github.com/CanopyHQ/tendril/internal/edgestore"

// Address is a store address or peer identity.
type Address = edgestore.Address

// Record kinds committed by the chat layer.
const (
	KindAnchor       = "anchor"
	KindProfile      = "chat_profile"
	KindConversation = "public_conversation"
)

// Well-known anchors.
const (
	AnchorMemberDirectory     = "member_directory"
	AnchorPublicConversations = "public_conversations"
)

// Link types.
const (
	LinkMemberTag          = "member_tag"
	LinkProfile            = "profile"
	LinkPublicConversation = "public_conversation"
	LinkMemberOf           = "member_of"
	LinkHasMember          = "has_member"
)

// Profile is a member's public profile.
type Profile struct {
	Name      string  `json:"name" validate:"required,max=64"`
	AvatarURL string  `json:"avatar_url" validate:"omitempty,url"`
	Address   Address `json:"address"`
}

// Conversation is a public conversation. Its address is the stream id of
// its messages.
type Conversation struct {
	Name        string `json:"name" validate:"required,max=128"`
	Description string `json:"description" validate:"max=1024"`
}

// MessageSpec is what a caller supplies to post a message.
type MessageSpec struct {
	MessageType string `json:"message_type"`
	Timestamp   uint64 `json:"timestamp"`
	Payload     string `json:"payload"`
	Meta        string `json:"meta"`
}

// Message is the stored form of a message.
type Message struct {
	Timestamp   uint64  `json:"timestamp"`
	Author      Address `json:"author"`
	MessageType string  `json:"message_type"`
	Payload     string  `json:"payload" validate:"min=1,max=1024"`
	Meta        string  `json:"meta"`
}

// ConversationResult pairs a conversation with its address.
type ConversationResult struct {
	Address      Address      `json:"address"`
	Conversation Conversation `json:"entry"`
}

// MessageResult pairs a message with its address.
type MessageResult struct {
	Address Address `json:"address"`
	Message Message `json:"entry"`
}

// MessagePage is an ordered slice of a conversation.
type MessagePage struct {
	Messages []MessageResult `json:"messages"`
	More     bool            `json:"more"`
}

func anchorAddress(name string) Address {
	return edgestore.ComputeAddress(KindAnchor, []byte(name))
}
