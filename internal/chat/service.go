// Package chat is the conversation layer: member profiles, public
// conversations and their membership, and messages ordered through the
// causal DAG in internal/dag.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/CanopyHQ/tendril/internal/dag"
	"github.com/CanopyHQ/tendril/internal/edgestore"
	"github.com/CanopyHQ/tendril/internal/metrics"
	"github.com/CanopyHQ/tendril/internal/search"
)

// Indexer receives every message the peer posts or reads.
type Indexer interface {
	Add(ctx context.Context, d search.Doc) error
}

// Service runs chat operations as the peer bound to its store.
type Service struct {
	store    edgestore.Store
	list     *dag.StoreList
	engine   *dag.Engine
	notifier Notifier
	indexer  Indexer
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets where member notifications go. Defaults to LogNotifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithIndexer indexes messages as they are posted and read.
func WithIndexer(i Indexer) Option {
	return func(s *Service) { s.indexer = i }
}

// WithClock overrides the time source used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService returns a Service acting as store.Peer().
func NewService(store edgestore.Store, opts ...Option) *Service {
	list := dag.NewStoreList(store)
	s := &Service{
		store:    store,
		list:     list,
		engine:   dag.NewEngine(list),
		notifier: LogNotifier{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Self returns the acting peer's address.
func (s *Service) Self() Address {
	return s.store.Peer()
}

// Store returns the underlying store.
func (s *Service) Store() edgestore.Store {
	return s.store
}

func (s *Service) putJSON(ctx context.Context, kind string, v interface{}) (Address, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	return s.store.Put(ctx, kind, data)
}

func (s *Service) putAnchor(ctx context.Context, name string) (Address, error) {
	return s.store.Put(ctx, KindAnchor, []byte(name))
}

// Register publishes the peer's profile and lists it in the member directory.
func (s *Service) Register(ctx context.Context, name, avatarURL string) (Address, error) {
	profile := Profile{Name: name, AvatarURL: avatarURL, Address: s.Self()}
	if err := check(profile); err != nil {
		return "", err
	}

	anchor, err := s.putAnchor(ctx, AnchorMemberDirectory)
	if err != nil {
		return "", err
	}
	if err := s.store.Link(ctx, anchor, s.Self(), LinkMemberTag, ""); err != nil {
		return "", err
	}

	profileAddr, err := s.putJSON(ctx, KindProfile, profile)
	if err != nil {
		return "", err
	}
	if err := s.store.Link(ctx, s.Self(), profileAddr, LinkProfile, ""); err != nil {
		return "", err
	}
	log.Info("Registered member", "name", name, "agent", s.Self().Short())
	return s.Self(), nil
}

// GetMemberProfile returns the most recently linked profile of agent.
func (s *Service) GetMemberProfile(ctx context.Context, agent Address) (*Profile, error) {
	targets, err := s.store.GetLinks(ctx, agent, LinkProfile, "")
	if err != nil {
		return nil, err
	}
	for i := len(targets) - 1; i >= 0; i-- {
		e, err := s.store.Get(ctx, targets[i])
		if err != nil {
			return nil, err
		}
		if e == nil || e.Kind != KindProfile {
			continue
		}
		var p Profile
		if err := json.Unmarshal(e.Content, &p); err != nil {
			continue
		}
		return &p, nil
	}
	return nil, &NotFoundError{Resource: "profile", ID: string(agent)}
}

// GetMyMemberProfile reads the peer's own latest profile from its local log.
func (s *Service) GetMyMemberProfile(ctx context.Context) (*Profile, error) {
	entries, err := s.store.QueryLocalLog(ctx, KindProfile)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, &NotFoundError{Resource: "profile", ID: string(s.Self())}
	}
	var p Profile
	if err := json.Unmarshal(entries[len(entries)-1].Content, &p); err != nil {
		return nil, fmt.Errorf("invalid profile data: %w", err)
	}
	return &p, nil
}

// StartConversation creates a public conversation (or reuses the identical
// existing one) and adds the caller and initialMembers to it.
func (s *Service) StartConversation(ctx context.Context, name, description string, initialMembers []Address) (Address, error) {
	conv := Conversation{Name: name, Description: description}
	if err := check(conv); err != nil {
		return "", err
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return "", fmt.Errorf("failed to encode conversation: %w", err)
	}

	addr := edgestore.ComputeAddress(KindConversation, data)
	existing, err := s.store.Get(ctx, addr)
	if err != nil {
		return "", err
	}
	if existing == nil {
		if _, err := s.store.Put(ctx, KindConversation, data); err != nil {
			return "", err
		}
		anchor, err := s.putAnchor(ctx, AnchorPublicConversations)
		if err != nil {
			return "", err
		}
		if err := s.store.Link(ctx, anchor, addr, LinkPublicConversation, ""); err != nil {
			return "", err
		}
		metrics.ConversationsStarted.Inc()
		log.Info("Started conversation", "name", name, "address", addr.Short())
	}

	members, err := s.memberSet(ctx, addr)
	if err != nil {
		return "", err
	}
	for _, m := range append([]Address{s.Self()}, initialMembers...) {
		if members[m] {
			continue
		}
		if err := s.linkMember(ctx, m, addr); err != nil {
			return "", err
		}
		members[m] = true
	}
	return addr, nil
}

func (s *Service) linkMember(ctx context.Context, member, conv Address) error {
	if err := s.store.Link(ctx, member, conv, LinkMemberOf, ""); err != nil {
		return err
	}
	return s.store.Link(ctx, conv, member, LinkHasMember, "")
}

func (s *Service) memberSet(ctx context.Context, conv Address) (map[Address]bool, error) {
	members, err := s.GetMembers(ctx, conv)
	if err != nil {
		return nil, err
	}
	set := make(map[Address]bool, len(members))
	for _, m := range members {
		set[m] = true
	}
	return set, nil
}

func (s *Service) requireConversation(ctx context.Context, conv Address) (*Conversation, error) {
	e, err := s.store.Get(ctx, conv)
	if err != nil {
		return nil, err
	}
	if e == nil || e.Kind != KindConversation {
		return nil, &NotFoundError{Resource: "conversation", ID: string(conv)}
	}
	var c Conversation
	if err := json.Unmarshal(e.Content, &c); err != nil {
		return nil, fmt.Errorf("invalid conversation data: %w", err)
	}
	return &c, nil
}

// JoinConversation adds the caller to conv and tells the other members.
func (s *Service) JoinConversation(ctx context.Context, conv Address) error {
	if _, err := s.requireConversation(ctx, conv); err != nil {
		return err
	}
	members, err := s.memberSet(ctx, conv)
	if err != nil {
		return err
	}
	if members[s.Self()] {
		return nil
	}
	if err := s.linkMember(ctx, s.Self(), conv); err != nil {
		return err
	}
	s.notifyMembers(ctx, conv, Notification{
		Type:                SignalJoin,
		ConversationAddress: conv,
		AgentAddress:        s.Self(),
	})
	return nil
}

// GetMembers lists the agents linked as members of conv.
func (s *Service) GetMembers(ctx context.Context, conv Address) ([]Address, error) {
	targets, err := s.store.GetLinks(ctx, conv, LinkHasMember, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[Address]bool, len(targets))
	members := make([]Address, 0, len(targets))
	for _, t := range targets {
		if !seen[t] {
			seen[t] = true
			members = append(members, t)
		}
	}
	return members, nil
}

// ListPublicConversations returns every conversation under the public
// anchor, once each.
func (s *Service) ListPublicConversations(ctx context.Context) ([]ConversationResult, error) {
	targets, err := s.store.GetLinks(ctx, anchorAddress(AnchorPublicConversations), LinkPublicConversation, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[Address]bool, len(targets))
	results := make([]ConversationResult, 0, len(targets))
	for _, t := range targets {
		if seen[t] {
			continue
		}
		seen[t] = true
		e, err := s.store.Get(ctx, t)
		if err != nil {
			return nil, err
		}
		if e == nil || e.Kind != KindConversation {
			continue
		}
		var c Conversation
		if err := json.Unmarshal(e.Content, &c); err != nil {
			continue
		}
		results = append(results, ConversationResult{Address: t, Conversation: c})
	}
	return results, nil
}

// PostMessage appends a message to conv's stream and notifies the other
// members. A zero Timestamp is replaced with the current time in
// milliseconds.
func (s *Service) PostMessage(ctx context.Context, conv Address, spec MessageSpec) (Address, error) {
	msg := Message{
		Timestamp:   spec.Timestamp,
		Author:      s.Self(),
		MessageType: spec.MessageType,
		Payload:     spec.Payload,
		Meta:        spec.Meta,
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = uint64(s.now().UnixMilli())
	}
	if err := check(msg); err != nil {
		return "", err
	}
	if _, err := s.requireConversation(ctx, conv); err != nil {
		return "", err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	addr, err := s.engine.Append(ctx, conv, data, conv)
	if err != nil {
		return "", err
	}
	metrics.MessagesPosted.Inc()

	s.index(ctx, conv, addr, msg)
	s.notifyMembers(ctx, conv, Notification{
		Type:                SignalNewMessage,
		ConversationAddress: conv,
		MessageAddress:      addr,
		Message:             &msg,
	})
	return addr, nil
}

// GetMessages returns messages of conv in causal order, starting after
// since (the beginning of the conversation when empty). limit <= 0 reads
// everything reachable. Items that do not decode as messages are skipped.
func (s *Service) GetMessages(ctx context.Context, conv, since Address, limit int) (*MessagePage, error) {
	start := dag.ForeignRoot(conv)
	if since != "" {
		start = dag.ItemRef(since)
	}
	page, err := s.engine.Read(ctx, dag.Query{Stream: conv, Since: start, Limit: limit})
	if err != nil {
		return nil, err
	}

	out := &MessagePage{Messages: make([]MessageResult, 0, len(page.Addresses)), More: page.More}
	for _, addr := range page.Addresses {
		it, err := s.list.Load(ctx, addr)
		if err != nil || it == nil {
			log.Debug("Skipping unreadable item", "address", addr.Short(), "err", err)
			continue
		}
		var msg Message
		if err := json.Unmarshal(it.Content, &msg); err != nil {
			log.Debug("Skipping non-message item", "address", addr.Short(), "err", err)
			continue
		}
		out.Messages = append(out.Messages, MessageResult{Address: addr, Message: msg})
		s.index(ctx, conv, addr, msg)
	}
	return out, nil
}

func (s *Service) index(ctx context.Context, conv, addr Address, msg Message) {
	if s.indexer == nil {
		return
	}
	err := s.indexer.Add(ctx, search.Doc{
		Address:      addr,
		Conversation: conv,
		Author:       msg.Author,
		Payload:      msg.Payload,
		Timestamp:    int64(msg.Timestamp),
	})
	if err != nil {
		log.Warn("Failed to index message", "address", addr.Short(), "err", err)
	}
}

// notifyMembers sends n to every member except the caller. Failures are
// logged and otherwise ignored.
func (s *Service) notifyMembers(ctx context.Context, conv Address, n Notification) {
	members, err := s.GetMembers(ctx, conv)
	if err != nil {
		log.Warn("Failed to list members for notification", "conversation", conv.Short(), "err", err)
		return
	}
	for _, m := range members {
		if m == s.Self() {
			continue
		}
		if err := s.notifier.Notify(ctx, m, n); err != nil {
			metrics.NotificationsSent.WithLabelValues(n.Type, "failed").Inc()
			log.Debug("Notification failed", "to", m.Short(), "err", err)
			continue
		}
		metrics.NotificationsSent.WithLabelValues(n.Type, "sent").Inc()
	}
}
