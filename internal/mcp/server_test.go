package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/stitch/internal/recombine"
	"github.com/hurttlocker/stitch/internal/store"
	"github.com/hurttlocker/stitch/internal/tokenize"
	"github.com/hurttlocker/stitch/internal/window"
)

// helper: create a test store with two tensors
func setupTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	tensors := []*recombine.Tensor{
		{Line: 0, SourceLine: 0, LayerIDs: []int{-2, -1}, Labels: []string{"[CLS]", "hi", "[SEP]"},
			Tokens: 3, Dims: 2, Data: []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}},
		{Line: 1, SourceLine: 2, LayerIDs: []int{-1}, Labels: []string{"[CLS]", "[SEP]"},
			Tokens: 2, Dims: 1, Data: []float32{0.5, 0.25}},
	}
	for _, tensor := range tensors {
		if err := s.PutTensor(ctx, tensor); err != nil {
			t.Fatalf("adding test tensor: %v", err)
		}
	}
	return s
}

func newTestServer(t *testing.T) *server.MCPServer {
	t.Helper()
	cfg := window.DefaultConfig()
	cfg.MaxSequenceLength = 5
	return NewServer(ServerConfig{Store: setupTestStore(t), Window: cfg, Tokenizer: tokenize.Words{Lowercase: true}})
}

// callTool is a helper that invokes an MCP tool through the JSON-RPC entry point.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]interface{}) *mcplib.CallToolResult {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      name,
			"arguments": args,
		},
	}))

	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}
	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}

	callResult := &mcplib.CallToolResult{IsError: resp.Result.IsError}
	for _, c := range resp.Result.Content {
		if c.Type == "text" {
			callResult.Content = append(callResult.Content, mcplib.NewTextContent(c.Text))
		}
	}
	return callResult
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func getTextContent(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content found")
	return ""
}

func TestNewServer_WithoutStore(t *testing.T) {
	srv := NewServer(ServerConfig{})
	if srv == nil {
		t.Fatal("NewServer returned nil")
	}
	result := callTool(t, srv, "stitch_split", map[string]interface{}{"tokens": "a b"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", getTextContent(t, result))
	}
}

func TestSplitTool_Tokens(t *testing.T) {
	srv := newTestServer(t)
	result := callTool(t, srv, "stitch_split", map[string]interface{}{"tokens": "a b c d e"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", getTextContent(t, result))
	}

	var out splitResult
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if out.Tokens != 5 || len(out.Windows) != 2 {
		t.Fatalf("unexpected split: %+v", out)
	}
	if got := strings.Join(out.Windows[1].Tokens, " "); got != "[CLS] c d e [SEP]" {
		t.Errorf("second window = %q", got)
	}
	if len(out.Overlaps) != 2 || out.Overlaps[0] != 1 || out.Overlaps[1] != 0 {
		t.Errorf("overlaps = %v, want [1 0]", out.Overlaps)
	}
}

func TestSplitTool_TextAndOverrides(t *testing.T) {
	srv := newTestServer(t)
	result := callTool(t, srv, "stitch_split", map[string]interface{}{
		"text":                "Hello there, World",
		"max_sequence_length": 3,
		"overlap":             0,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", getTextContent(t, result))
	}
	var out splitResult
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if out.Tokens != 4 || len(out.Windows) != 4 {
		t.Fatalf("unexpected split: %+v", out)
	}
	if out.Windows[0].Tokens[1] != "hello" {
		t.Errorf("first content token = %q", out.Windows[0].Tokens[1])
	}
}

func TestSplitTool_Errors(t *testing.T) {
	srv := newTestServer(t)
	cases := []map[string]interface{}{
		{},
		{"tokens": "a", "overlap": 1},
		{"tokens": "a", "max_sequence_length": 2},
	}
	for _, args := range cases {
		if result := callTool(t, srv, "stitch_split", args); !result.IsError {
			t.Errorf("expected error for %v", args)
		}
	}
}

func TestTensorTool(t *testing.T) {
	srv := newTestServer(t)
	result := callTool(t, srv, "stitch_tensor", map[string]interface{}{"line": 0, "layer": -1, "token": 1})
	if result.IsError {
		t.Fatalf("unexpected error: %s", getTextContent(t, result))
	}
	var out tensorResult
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if out.Shape != [3]int{2, 3, 2} {
		t.Errorf("shape = %v", out.Shape)
	}
	if len(out.Values) != 2 || out.Values[0] != 9 || out.Values[1] != 10 {
		t.Errorf("values = %v, want [9 10]", out.Values)
	}
	if out.Labels[1] != "hi" {
		t.Errorf("labels = %v", out.Labels)
	}
}

func TestTensorTool_Errors(t *testing.T) {
	srv := newTestServer(t)
	cases := []map[string]interface{}{
		{},
		{"line": 9},
		{"line": 0, "layer": -7, "token": 0},
		{"line": 0, "layer": -1, "token": 3},
	}
	for _, args := range cases {
		if result := callTool(t, srv, "stitch_tensor", args); !result.IsError {
			t.Errorf("expected error for %v", args)
		}
	}
}

func TestListTool(t *testing.T) {
	srv := newTestServer(t)
	result := callTool(t, srv, "stitch_tensors", map[string]interface{}{"offset": 1})
	text := getTextContent(t, result)
	if !strings.Contains(text, `"source_line": 2`) || strings.Contains(text, `"line": 0`) {
		t.Errorf("unexpected list: %s", text)
	}
}

func TestStatsTool(t *testing.T) {
	srv := newTestServer(t)
	result := callTool(t, srv, "stitch_stats", nil)
	if result.IsError {
		t.Fatalf("unexpected error: %s", getTextContent(t, result))
	}
	var stats store.StoreStats
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.TensorCount != 2 || stats.TokenCount != 5 || stats.ValueCount != 14 {
		t.Errorf("stats = %+v", stats)
	}
}
