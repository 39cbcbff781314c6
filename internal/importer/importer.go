// Package importer replays message transcripts into a conversation.
package importer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/CanopyHQ/tendril/internal/chat"
	"github.com/CanopyHQ/tendril/internal/edgestore"
)

// ImportResult tracks import statistics
type ImportResult struct {
	FilesProcessed int
	MessagesPosted int
	Addresses      []edgestore.Address
	Errors         []string
	Duration       time.Duration
}

// Poster is the part of the chat service an import needs.
type Poster interface {
	PostMessage(ctx context.Context, conv edgestore.Address, spec chat.MessageSpec) (edgestore.Address, error)
}

// maxPayload mirrors the message payload limit enforced by chat.
const maxPayload = 1024

// Export formats recognised besides plain message specs.
const (
	formatSpecs   = "specs"
	formatChatGPT = "chatgpt"
	formatClaude  = "claude"
)

// detectFormat looks at the keys of the first object in data, which may be
// a single object or an array of objects.
func detectFormat(data []byte) string {
	var first map[string]json.RawMessage
	var arr []map[string]json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) == 0 {
			return formatSpecs
		}
		first = arr[0]
	} else if err := json.Unmarshal(data, &first); err != nil {
		return formatSpecs
	}
	switch {
	case first["mapping"] != nil:
		return formatChatGPT
	case first["chat_messages"] != nil:
		return formatClaude
	}
	return formatSpecs
}

// parseSpecs decodes data in whichever format it is written in.
func parseSpecs(data []byte) ([]chat.MessageSpec, error) {
	switch detectFormat(data) {
	case formatChatGPT:
		return decodeChatGPT(data)
	case formatClaude:
		return decodeClaude(data)
	}
	var specs []chat.MessageSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		var single chat.MessageSpec
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, err
		}
		specs = []chat.MessageSpec{single}
	}
	return specs, nil
}

// Importer posts transcript messages in file order.
type Importer struct {
	poster Poster
}

func New(poster Poster) *Importer {
	return &Importer{poster: poster}
}

// ImportFromFile posts every message in filePath to conv. A .jsonl file
// holds one message per line; anything else is a JSON array or a single
// message object. ChatGPT and Claude history exports are recognised and
// replayed as text messages. A message that fails to parse or post is
// recorded and the import continues.
func (i *Importer) ImportFromFile(ctx context.Context, conv edgestore.Address, filePath string) (*ImportResult, error) {
	start := time.Now()
	result := &ImportResult{FilesProcessed: 1}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var specs []chat.MessageSpec
	if strings.ToLower(filepath.Ext(filePath)) == ".jsonl" {
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := bytes.TrimSpace(scanner.Bytes())
			if len(text) == 0 {
				continue
			}
			parsed, err := parseSpecs(text)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: parse error: %v", line, err))
				continue
			}
			specs = append(specs, parsed...)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scanner error: %w", err)
		}
	} else if specs, err = parseSpecs(data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	for n, spec := range specs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		addr, err := i.poster.PostMessage(ctx, conv, spec)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("message %d: %v", n+1, err))
			continue
		}
		result.MessagesPosted++
		result.Addresses = append(result.Addresses, addr)
	}

	result.Duration = time.Since(start)
	log.Debug("Imported transcript", "file", filePath, "posted", result.MessagesPosted, "errors", len(result.Errors))
	return result, nil
}

// ImportFromDirectory imports every .json and .jsonl file under dirPath in
// lexical path order.
func (i *Importer) ImportFromDirectory(ctx context.Context, conv edgestore.Address, dirPath string) (*ImportResult, error) {
	combined := &ImportResult{}
	start := time.Now()

	var paths []string
	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		lower := strings.ToLower(path)
		if !info.IsDir() && (strings.HasSuffix(lower, ".json") || strings.HasSuffix(lower, ".jsonl")) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	for _, path := range paths {
		result, err := i.ImportFromFile(ctx, conv, path)
		if err != nil {
			combined.Errors = append(combined.Errors, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		combined.FilesProcessed++
		combined.MessagesPosted += result.MessagesPosted
		combined.Addresses = append(combined.Addresses, result.Addresses...)
		combined.Errors = append(combined.Errors, result.Errors...)
	}

	combined.Duration = time.Since(start)
	return combined, nil
}
