// Package rpc serves the chat operations as JSON-RPC 2.0 over a line
// oriented stream, one request per line.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/CanopyHQ/tendril/internal/chat"
	"github.com/CanopyHQ/tendril/internal/edgestore"
	"github.com/CanopyHQ/tendril/internal/search"
)

// Error codes.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeAppError       = -32000
)

const maxLineSize = 4 * 1024 * 1024

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type JSONRPCNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorData is attached to application errors.
type ErrorData struct {
	Type     string `json:"type"`
	Resource string `json:"resource,omitempty"`
	Field    string `json:"field,omitempty"`
	Detail   string `json:"detail"`
}

// Writer serialises responses and notifications onto one stream. It is a
// chat.Notifier, so member signals reach the client as notifications.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) write(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("Failed to encode rpc message", "err", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.w, string(data))
}

// Notify sends n to the client as a "notify" notification.
func (w *Writer) Notify(ctx context.Context, to chat.Address, n chat.Notification) error {
	w.write(JSONRPCNotification{
		JSONRPC: "2.0",
		Method:  "notify",
		Params: map[string]interface{}{
			"to":           to,
			"notification": n,
		},
	})
	return nil
}

// Searcher runs message search for search_messages.
type Searcher interface {
	Search(ctx context.Context, conversation edgestore.Address, query string, limit int) ([]search.Hit, error)
}

// Server dispatches requests to a chat service.
type Server struct {
	chat     *chat.Service
	searcher Searcher
	out      *Writer
}

// NewServer returns a server answering on out. searcher may be nil.
func NewServer(svc *chat.Service, searcher Searcher, out *Writer) *Server {
	return &Server{chat: svc, searcher: searcher, out: out}
}

// Serve reads requests from in until EOF or ctx is done.
func (s *Server) Serve(ctx context.Context, in io.Reader) error {
	log.Info("tendril rpc server ready", "agent", s.chat.Self().Short())

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(nil, CodeParseError, "Parse error", err.Error())
			continue
		}
		s.handleRequest(ctx, &req)
	}
	return scanner.Err()
}

type handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

func (s *Server) handlers() map[string]handler {
	return map[string]handler{
		"register":                     s.register,
		"start_conversation":           s.startConversation,
		"join_conversation":            s.joinConversation,
		"get_all_public_conversations": s.listConversations,
		"get_members":                  s.getMembers,
		"get_member_profile":           s.getMemberProfile,
		"get_my_member_profile":        s.getMyMemberProfile,
		"post_message":                 s.postMessage,
		"get_messages":                 s.getMessages,
		"search_messages":              s.searchMessages,
		"stats":                        s.stats,
	}
}

// Methods lists the method names the server answers.
func (s *Server) Methods() []string {
	h := s.handlers()
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	return names
}

// errInvalidParams marks errors that map to CodeInvalidParams.
type errInvalidParams struct{ detail string }

func (e *errInvalidParams) Error() string { return e.detail }

func invalidParams(format string, args ...interface{}) error {
	return &errInvalidParams{detail: fmt.Sprintf(format, args...)}
}

func (s *Server) handleRequest(ctx context.Context, req *JSONRPCRequest) {
	h, ok := s.handlers()[req.Method]
	if !ok {
		s.sendError(req.ID, CodeMethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := h(ctx, req.Params)
	if err != nil {
		s.sendAppError(req.ID, err)
		return
	}
	s.sendResult(req.ID, result)
}

func (s *Server) sendAppError(id interface{}, err error) {
	var (
		ip *errInvalidParams
		nf *chat.NotFoundError
		ve *chat.ValidationError
	)
	switch {
	case errors.As(err, &ip):
		s.sendError(id, CodeInvalidParams, "Invalid params", ip.detail)
	case errors.As(err, &nf):
		s.sendError(id, CodeAppError, "Not found", ErrorData{Type: "not_found", Resource: nf.Resource, Detail: err.Error()})
	case errors.As(err, &ve):
		s.sendError(id, CodeAppError, "Validation failed", ErrorData{Type: "validation", Field: ve.Field, Detail: err.Error()})
	default:
		log.Warn("Request failed", "id", id, "err", err)
		s.sendError(id, CodeAppError, "Internal error", ErrorData{Type: "internal", Detail: err.Error()})
	}
}

func (s *Server) sendResult(id interface{}, result interface{}) {
	s.out.write(JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(id interface{}, code int, message string, data interface{}) {
	s.out.write(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}

func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}

func requireConversation(conv edgestore.Address) error {
	if conv == "" {
		return invalidParams("conversation is required")
	}
	return nil
}

func (s *Server) register(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	addr, err := s.chat.Register(ctx, p.Name, p.AvatarURL)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"agent_address": addr}, nil
}

func (s *Server) startConversation(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Name           string              `json:"name"`
		Description    string              `json:"description"`
		InitialMembers []edgestore.Address `json:"initial_members"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	addr, err := s.chat.StartConversation(ctx, p.Name, p.Description, p.InitialMembers)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"address": addr}, nil
}

type convParams struct {
	Conversation edgestore.Address `json:"conversation"`
}

func (s *Server) joinConversation(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p convParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := requireConversation(p.Conversation); err != nil {
		return nil, err
	}
	if err := s.chat.JoinConversation(ctx, p.Conversation); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "joined"}, nil
}

func (s *Server) listConversations(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.chat.ListPublicConversations(ctx)
}

func (s *Server) getMembers(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p convParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := requireConversation(p.Conversation); err != nil {
		return nil, err
	}
	return s.chat.GetMembers(ctx, p.Conversation)
}

func (s *Server) getMemberProfile(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Agent edgestore.Address `json:"agent"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Agent == "" {
		return nil, invalidParams("agent is required")
	}
	return s.chat.GetMemberProfile(ctx, p.Agent)
}

func (s *Server) getMyMemberProfile(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.chat.GetMyMemberProfile(ctx)
}

func (s *Server) postMessage(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Conversation edgestore.Address `json:"conversation"`
		Message      chat.MessageSpec  `json:"message"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := requireConversation(p.Conversation); err != nil {
		return nil, err
	}
	addr, err := s.chat.PostMessage(ctx, p.Conversation, p.Message)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"address": addr}, nil
}

func (s *Server) getMessages(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Conversation edgestore.Address `json:"conversation"`
		Since        edgestore.Address `json:"since"`
		Limit        int               `json:"limit"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := requireConversation(p.Conversation); err != nil {
		return nil, err
	}
	if p.Limit < 0 {
		return nil, invalidParams("limit must not be negative")
	}
	return s.chat.GetMessages(ctx, p.Conversation, p.Since, p.Limit)
}

type searchHit struct {
	Address      edgestore.Address `json:"address"`
	Conversation edgestore.Address `json:"conversation"`
	Author       edgestore.Address `json:"author"`
	Snippet      string            `json:"snippet"`
	Similarity   float64           `json:"similarity"`
}

func (s *Server) searchMessages(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Conversation edgestore.Address `json:"conversation"`
		Query        string            `json:"query"`
		Limit        int               `json:"limit"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Query == "" {
		return nil, invalidParams("query is required")
	}
	if p.Limit <= 0 {
		p.Limit = 5
	}
	if s.searcher == nil {
		return nil, errors.New("search index unavailable")
	}

	hits, err := s.searcher.Search(ctx, p.Conversation, p.Query, p.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]searchHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, searchHit{
			Address:      h.Address,
			Conversation: h.Conversation,
			Author:       h.Author,
			Snippet:      search.Snippet(h.Payload, 160),
			Similarity:   h.Similarity,
		})
	}
	return out, nil
}

func (s *Server) stats(ctx context.Context, params json.RawMessage) (interface{}, error) {
	st, err := s.chat.Store().Stats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"agent_address": s.chat.Self(),
		"entries":       st.Entries,
		"links":         st.Links,
		"local_log":     st.LocalLog,
	}, nil
}
