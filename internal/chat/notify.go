package chat

import (
	"context"

	"github.com/charmbracelet/log"
)

// Signal types sent to conversation members.
const (
	SignalNewMessage = "new_convo_message"
	SignalJoin       = "join_convo_message"
)

// Notification tells a member something happened in a conversation.
type Notification struct {
	Type                string   `json:"type"`
	ConversationAddress Address  `json:"conversation_address"`
	MessageAddress      Address  `json:"message_address,omitempty"`
	Message             *Message `json:"message,omitempty"`
	AgentAddress        Address  `json:"agent_address,omitempty"`
}

// Notifier delivers notifications to members. Delivery is best effort;
// callers ignore errors.
type Notifier interface {
	Notify(ctx context.Context, to Address, n Notification) error
}

// LogNotifier logs notifications instead of delivering them.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, to Address, n Notification) error {
	log.Debug("Notify member", "to", to.Short(), "type", n.Type, "conversation", n.ConversationAddress.Short())
	return nil
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(ctx context.Context, to Address, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, to Address, n Notification) error {
	return f(ctx, to, n)
}
