package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CanopyHQ/tendril/internal/chat"
	"github.com/CanopyHQ/tendril/internal/edgestore/sqlite"
	"github.com/CanopyHQ/tendril/internal/search"
)

type testEnv struct {
	store  *sqlite.Store
	out    *bytes.Buffer
	server *Server
	chat   *chat.Service
	index  *search.Index
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := sqlite.Open(ctx, filepath.Join(dir, "tendril.db"), "agent:alice")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx, err := search.Open(ctx, filepath.Join(dir, "search.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	out := &bytes.Buffer{}
	w := NewWriter(out)
	svc := chat.NewService(store, chat.WithNotifier(w), chat.WithIndexer(idx))
	return &testEnv{store: store, out: out, server: NewServer(svc, idx, w), chat: svc, index: idx}
}

// call sends requests through Serve and returns every line written.
func (e *testEnv) call(t *testing.T, lines ...string) []map[string]interface{} {
	t.Helper()
	e.out.Reset()
	require.NoError(t, e.server.Serve(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n")))

	var msgs []map[string]interface{}
	sc := bufio.NewScanner(bytes.NewReader(e.out.Bytes()))
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		msgs = append(msgs, m)
	}
	return msgs
}

// responses drops notifications.
func responses(msgs []map[string]interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	for _, m := range msgs {
		if _, ok := m["id"]; ok {
			out = append(out, m)
		}
	}
	return out
}

func request(id int, method string, params interface{}) string {
	data, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	return string(data)
}

func errorCode(t *testing.T, m map[string]interface{}) int {
	t.Helper()
	e, ok := m["error"].(map[string]interface{})
	require.True(t, ok, "expected an error response: %v", m)
	return int(e["code"].(float64))
}

func result(t *testing.T, m map[string]interface{}) interface{} {
	t.Helper()
	require.Nil(t, m["error"], "unexpected error: %v", m["error"])
	return m["result"]
}

func TestProtocolErrors(t *testing.T) {
	env := setupTestServer(t)

	msgs := env.call(t,
		"{not json",
		request(1, "no_such_method", nil),
		request(2, "get_messages", map[string]interface{}{}),
		`{"jsonrpc":"2.0","id":3,"method":"get_messages","params":{"conversation":7}}`,
		request(4, "join_conversation", map[string]interface{}{"conversation": "missing"}),
		request(5, "register", map[string]interface{}{"name": ""}),
	)
	require.Len(t, msgs, 6)
	assert.Equal(t, CodeParseError, errorCode(t, msgs[0]))
	assert.Nil(t, msgs[0]["id"])
	assert.Equal(t, CodeMethodNotFound, errorCode(t, msgs[1]))
	assert.Equal(t, CodeInvalidParams, errorCode(t, msgs[2]))
	assert.Equal(t, CodeInvalidParams, errorCode(t, msgs[3]))

	assert.Equal(t, CodeAppError, errorCode(t, msgs[4]))
	data := msgs[4]["error"].(map[string]interface{})["data"].(map[string]interface{})
	assert.Equal(t, "not_found", data["type"])
	assert.Equal(t, "conversation", data["resource"])

	assert.Equal(t, CodeAppError, errorCode(t, msgs[5]))
	data = msgs[5]["error"].(map[string]interface{})["data"].(map[string]interface{})
	assert.Equal(t, "validation", data["type"])
	assert.Equal(t, "name", data["field"])
}

func TestConversationFlow(t *testing.T) {
	env := setupTestServer(t)

	msgs := responses(env.call(t,
		request(1, "register", map[string]interface{}{"name": "Alice"}),
		request(2, "start_conversation", map[string]interface{}{
			"name": "general", "description": "all", "initial_members": []string{"agent:bob"},
		}),
		request(3, "get_all_public_conversations", nil),
		request(4, "get_my_member_profile", nil),
	))
	require.Len(t, msgs, 4)
	assert.Equal(t, "agent:alice", result(t, msgs[0]).(map[string]interface{})["agent_address"])
	conv := result(t, msgs[1]).(map[string]interface{})["address"].(string)
	require.NotEmpty(t, conv)

	convs := result(t, msgs[2]).([]interface{})
	require.Len(t, convs, 1)
	entry := convs[0].(map[string]interface{})["entry"].(map[string]interface{})
	assert.Equal(t, "general", entry["name"])
	assert.Equal(t, "Alice", result(t, msgs[3]).(map[string]interface{})["name"])

	all := env.call(t,
		request(5, "post_message", map[string]interface{}{
			"conversation": conv,
			"message":      map[string]interface{}{"message_type": "text", "payload": "deploy is done"},
		}),
		request(6, "get_messages", map[string]interface{}{"conversation": conv}),
		request(7, "get_members", map[string]interface{}{"conversation": conv}),
		request(8, "search_messages", map[string]interface{}{"conversation": conv, "query": "deploy"}),
		request(9, "stats", nil),
	)

	var notes []map[string]interface{}
	for _, m := range all {
		if m["method"] == "notify" {
			notes = append(notes, m)
		}
	}
	require.Len(t, notes, 1, "bob is told about the new message")
	params := notes[0]["params"].(map[string]interface{})
	assert.Equal(t, "agent:bob", params["to"])
	assert.Equal(t, chat.SignalNewMessage, params["notification"].(map[string]interface{})["type"])

	msgs = responses(all)
	require.Len(t, msgs, 5)
	msgAddr := result(t, msgs[0]).(map[string]interface{})["address"].(string)

	page := result(t, msgs[1]).(map[string]interface{})
	assert.Equal(t, false, page["more"])
	list := page["messages"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, msgAddr, list[0].(map[string]interface{})["address"])

	assert.ElementsMatch(t, []interface{}{"agent:alice", "agent:bob"}, result(t, msgs[2]))

	hits := result(t, msgs[3]).([]interface{})
	require.Len(t, hits, 1)
	assert.Equal(t, "deploy is done", hits[0].(map[string]interface{})["snippet"])

	stats := result(t, msgs[4]).(map[string]interface{})
	assert.Equal(t, "agent:alice", stats["agent_address"])
	assert.Positive(t, stats["entries"].(float64))
}

func TestSearchWithoutIndex(t *testing.T) {
	env := setupTestServer(t)
	env.server = NewServer(env.chat, nil, NewWriter(env.out))

	msgs := env.call(t, request(1, "search_messages", map[string]interface{}{"query": "x"}))
	require.Len(t, msgs, 1)
	assert.Equal(t, CodeAppError, errorCode(t, msgs[0]))

	msgs = env.call(t, request(2, "search_messages", map[string]interface{}{}))
	assert.Equal(t, CodeInvalidParams, errorCode(t, msgs[0]))
}

func TestServeStopsOnCancel(t *testing.T) {
	env := setupTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := env.server.Serve(ctx, strings.NewReader(request(1, "stats", nil)+"\n"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, env.out.String())
}

func TestMethods(t *testing.T) {
	env := setupTestServer(t)
	assert.ElementsMatch(t, []string{
		"register", "start_conversation", "join_conversation", "get_all_public_conversations",
		"get_members", "get_member_profile", "get_my_member_profile", "post_message",
		"get_messages", "search_messages", "stats",
	}, env.server.Methods())
	var _ chat.Notifier = NewWriter(&bytes.Buffer{})
}
