// Package mcp provides a Model Context Protocol server for stitch.
//
// It exposes the window splitter and the tensor store as MCP tools, and store
// statistics as an MCP resource. Served over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/stitch/internal/store"
	"github.com/hurttlocker/stitch/internal/tokenize"
	"github.com/hurttlocker/stitch/internal/window"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store     store.Store
	Window    window.Config      // defaults for stitch_split
	Tokenizer tokenize.Tokenizer // optional, enables text input for stitch_split
	Version   string             // version string for MCP server info
}

// dbMu serializes tool calls that touch the database. mcp-go dispatches
// handlers concurrently.
var dbMu sync.Mutex

// maxValues caps the values returned by stitch_tensor.
const maxValues = 4096

// NewServer creates a configured MCP server with all stitch tools and resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}
	if cfg.Window.MaxSequenceLength == 0 {
		cfg.Window = window.DefaultConfig()
	}

	s := server.NewMCPServer(
		"stitch",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerSplitTool(s, cfg)
	if cfg.Store != nil {
		registerTensorTool(s, cfg.Store)
		registerListTool(s, cfg.Store)
		registerStatsTool(s, cfg.Store)
		registerStatsResource(s, cfg.Store)
	}
	return s
}

// --- Tools ---

type splitWindow struct {
	Start   int      `json:"start"`
	Tokens  []string `json:"tokens"`
	Overlap int      `json:"overlap"`
}

type splitResult struct {
	Tokens   int           `json:"tokens"`
	Windows  []splitWindow `json:"windows"`
	Overlaps []int         `json:"overlaps"`
}

func registerSplitTool(s *server.MCPServer, cfg ServerConfig) {
	tool := mcp.NewTool("stitch_split",
		mcp.WithDescription("Split one line into sentinel-bracketed overlapping windows for a fixed-context model. Returns the windows and the overlap record that tells the recombiner how many trailing entries of each window to drop."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("tokens",
			mcp.Description("Space-separated tokens of the line. Takes precedence over text."),
		),
		mcp.WithString("text",
			mcp.Description("Raw text of the line, tokenized with the configured tokenizer."),
		),
		mcp.WithNumber("max_sequence_length",
			mcp.Description(fmt.Sprintf("Model context length including the two sentinels (default: %d)", cfg.Window.MaxSequenceLength)),
		),
		mcp.WithNumber("overlap",
			mcp.Description(fmt.Sprintf("Fraction of a window shared with the next, in [0,1) (default: %g)", cfg.Window.Overlap)),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		wcfg := cfg.Window
		if v, err := req.RequireFloat("max_sequence_length"); err == nil {
			wcfg.MaxSequenceLength = int(v)
		}
		if v, err := req.RequireFloat("overlap"); err == nil {
			wcfg.Overlap = v
		}
		sp, err := window.NewSplitter(wcfg)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var toks []string
		if raw, err := req.RequireString("tokens"); err == nil && strings.TrimSpace(raw) != "" {
			toks = strings.Fields(raw)
		} else if text, err := req.RequireString("text"); err == nil {
			if cfg.Tokenizer == nil {
				return mcp.NewToolResultError("no tokenizer configured; pass tokens instead of text"), nil
			}
			toks, err = tokenize.Line(cfg.Tokenizer, text)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("tokenize error: %v", err)), nil
			}
		} else {
			return mcp.NewToolResultError("tokens or text is required"), nil
		}

		windows, overlaps := sp.Split(toks)
		out := splitResult{Tokens: len(toks), Windows: make([]splitWindow, len(windows)), Overlaps: overlaps}
		for i, w := range windows {
			out.Windows[i] = splitWindow{Start: w.Start, Tokens: w.Tokens, Overlap: w.Overlap}
		}

		data, _ := json.MarshalIndent(out, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

type tensorResult struct {
	Line       int       `json:"line"`
	SourceLine int       `json:"source_line"`
	Shape      [3]int    `json:"shape"`
	LayerIDs   []int     `json:"layer_ids"`
	Labels     []string  `json:"labels"`
	Layer      *int      `json:"layer,omitempty"`
	Token      *int      `json:"token,omitempty"`
	Values     []float32 `json:"values,omitempty"`
}

func registerTensorTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("stitch_tensor",
		mcp.WithDescription("Describe a stored line tensor: shape [layers, tokens, dims], layer indices and kept token labels. Optionally return the vector of one token in one layer."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("line",
			mcp.Required(),
			mcp.Description("Dense tensor key (0 = first non-empty line)"),
		),
		mcp.WithNumber("layer",
			mcp.Description("Layer index as reported by the generator, e.g. -1"),
		),
		mcp.WithNumber("token",
			mcp.Description("Token position within the line tensor"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		lineVal, err := req.RequireFloat("line")
		if err != nil {
			return mcp.NewToolResultError("line is required"), nil
		}
		t, err := st.GetTensor(ctx, int(lineVal))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("tensor error: %v", err)), nil
		}

		out := tensorResult{
			Line:       t.Line,
			SourceLine: t.SourceLine,
			Shape:      t.Shape(),
			LayerIDs:   t.LayerIDs,
			Labels:     t.Labels,
		}

		layerVal, layerErr := req.RequireFloat("layer")
		tokenVal, tokenErr := req.RequireFloat("token")
		if layerErr == nil && tokenErr == nil {
			layer, tok := int(layerVal), int(tokenVal)
			slot := -1
			for i, id := range t.LayerIDs {
				if id == layer {
					slot = i
				}
			}
			if slot < 0 {
				return mcp.NewToolResultError(fmt.Sprintf("layer %d not in tensor (have %v)", layer, t.LayerIDs)), nil
			}
			if tok < 0 || tok >= t.Tokens {
				return mcp.NewToolResultError(fmt.Sprintf("token %d out of range [0,%d)", tok, t.Tokens)), nil
			}
			values := t.At(slot, tok)
			if len(values) > maxValues {
				values = values[:maxValues]
			}
			out.Layer, out.Token, out.Values = &layer, &tok, values
		}

		data, _ := json.MarshalIndent(out, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerListTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("stitch_tensors",
		mcp.WithDescription("List stored line tensors in key order with their shapes and source lines."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("offset",
			mcp.Description("First dense key to list (default: 0)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of tensors (default: 20, max: 200)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		offset, limit := 0, 20
		if v, err := req.RequireFloat("offset"); err == nil && v > 0 {
			offset = int(v)
		}
		if v, err := req.RequireFloat("limit"); err == nil {
			limit = int(v)
			if limit > 200 {
				limit = 200
			}
			if limit <= 0 {
				limit = 20
			}
		}

		infos, err := st.ListTensors(ctx, offset, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list error: %v", err)), nil
		}
		type entry struct {
			Line       int    `json:"line"`
			SourceLine int    `json:"source_line"`
			Shape      [3]int `json:"shape"`
		}
		out := make([]entry, len(infos))
		for i, info := range infos {
			out[i] = entry{Line: info.Line, SourceLine: info.SourceLine, Shape: info.Shape()}
		}

		data, _ := json.MarshalIndent(out, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerStatsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("stitch_stats",
		mcp.WithDescription("Get tensor store statistics: tensor, token and value counts, run count, the last run and database size."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stats error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(stats, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

// --- Resources ---

func registerStatsResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"stitch://stats",
		"Tensor Store Statistics",
		mcp.WithResourceDescription("Counts of stored tensors, tokens and values, plus the last recombination run."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("getting stats: %w", err)
		}

		data, _ := json.MarshalIndent(stats, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}
