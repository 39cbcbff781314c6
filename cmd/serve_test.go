package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExecute_Status(t *testing.T) {
	useDataDir(t)

	out, err := run(t, "status")
	if err != nil {
		t.Fatalf("Execute(status): %v", err)
	}
	if !strings.Contains(out, "Tendril Status") {
		t.Errorf("status output: %q", out)
	}
	if field(out, "Entries") != "0" {
		t.Errorf("fresh store should be empty: %q", out)
	}
}

func TestExecute_ServeStdio(t *testing.T) {
	useDataDir(t)

	in := filepath.Join(t.TempDir(), "requests.jsonl")
	requests := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"register","params":{"name":"alice"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"stats"}`,
		`{"jsonrpc":"2.0","id":3,"method":"nope"}`,
	}, "\n") + "\n"
	if err := os.WriteFile(in, []byte(requests), 0644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(in)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	oldStdin := os.Stdin
	os.Stdin = f
	defer func() { os.Stdin = oldStdin }()

	out, err := run(t, "serve")
	if err != nil {
		t.Fatalf("Execute(serve): %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 responses, got %d: %q", len(lines), out)
	}
	var resp struct {
		ID     int                    `json:"id"`
		Result map[string]interface{} `json:"result"`
		Error  *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != 2 || resp.Result["local_log"].(float64) < 2 {
		t.Errorf("stats response: %s", lines[1])
	}
	resp.Error = nil
	if err := json.Unmarshal([]byte(lines[2]), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Errorf("unknown method response: %s", lines[2])
	}
}
