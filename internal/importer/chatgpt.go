package importer

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/CanopyHQ/tendril/internal/chat"
)

// ChatGPTConversation represents a ChatGPT export conversation
type ChatGPTConversation struct {
	Title       string                 `json:"title"`
	CreateTime  float64                `json:"create_time"`
	UpdateTime  float64                `json:"update_time"`
	Mapping     map[string]ChatGPTNode `json:"mapping"`
	CurrentNode string                 `json:"current_node,omitempty"`
}

// ChatGPTNode represents a node in the conversation tree
type ChatGPTNode struct {
	ID       string          `json:"id"`
	Message  *ChatGPTMessage `json:"message,omitempty"`
	Parent   *string         `json:"parent,omitempty"`
	Children []string        `json:"children,omitempty"`
}

// ChatGPTMessage represents a message in ChatGPT format
type ChatGPTMessage struct {
	ID         string         `json:"id"`
	Author     ChatGPTAuthor  `json:"author"`
	CreateTime *float64       `json:"create_time,omitempty"`
	Content    ChatGPTContent `json:"content"`
}

// ChatGPTAuthor represents the message author
type ChatGPTAuthor struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

// ChatGPTContent represents message content
type ChatGPTContent struct {
	ContentType string   `json:"content_type"`
	Parts       []string `json:"parts,omitempty"`
}

func decodeChatGPT(data []byte) ([]chat.MessageSpec, error) {
	var export []ChatGPTConversation
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, err
	}
	var specs []chat.MessageSpec
	for _, conv := range export {
		specs = append(specs, chatGPTMessages(conv)...)
	}
	return specs, nil
}

// chatGPTMessages replays the branch the user last saw. Edited prompts
// leave sibling branches in the mapping; following current_node back to
// the root picks the one that was kept.
func chatGPTMessages(conv ChatGPTConversation) []chat.MessageSpec {
	var specs []chat.MessageSpec
	for _, node := range flattenConversation(conv) {
		msg := node.Message
		if msg == nil || msg.Content.ContentType != "text" {
			continue
		}
		content := strings.TrimSpace(strings.Join(msg.Content.Parts, "\n"))
		if content == "" {
			continue
		}
		spec := chat.MessageSpec{
			MessageType: "text",
			Payload:     truncate(content, maxPayload),
			Meta:        "chatgpt:" + msg.Author.Role,
		}
		if msg.CreateTime != nil && *msg.CreateTime > 0 {
			spec.Timestamp = uint64(*msg.CreateTime * 1000)
		}
		specs = append(specs, spec)
	}
	return specs
}

func flattenConversation(conv ChatGPTConversation) []ChatGPTNode {
	if _, ok := conv.Mapping[conv.CurrentNode]; ok {
		var path []ChatGPTNode
		seen := map[string]bool{}
		for id := conv.CurrentNode; id != "" && !seen[id]; {
			node, ok := conv.Mapping[id]
			if !ok {
				break
			}
			seen[id] = true
			path = append(path, node)
			if node.Parent == nil {
				break
			}
			id = *node.Parent
		}
		for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
			path[i], path[j] = path[j], path[i]
		}
		return path
	}

	var roots []string
	for id, node := range conv.Mapping {
		if node.Parent == nil || *node.Parent == "" {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)

	var result []ChatGPTNode
	seen := map[string]bool{}
	var traverse func(id string)
	traverse = func(id string) {
		node, ok := conv.Mapping[id]
		if !ok || seen[id] {
			return
		}
		seen[id] = true
		result = append(result, node)
		for _, child := range node.Children {
			traverse(child)
		}
	}
	for _, root := range roots {
		traverse(root)
	}
	return result
}

// truncate shortens s to at most maxLen runes.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
