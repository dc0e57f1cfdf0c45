package embedding

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

// Default ONNX graph names for BERT-style encoders.
const (
	DefaultInputIDsName      = "input_ids"
	DefaultAttentionMaskName = "attention_mask"
	DefaultTokenTypeIDsName  = "token_type_ids"
	DefaultHiddenSize        = 768
	DefaultUnknownToken      = "[UNK]"
)

// Vocabulary maps a token label to its model input id.
type Vocabulary interface {
	TokenToId(token string) (int, bool)
}

// LayerOutput binds one graph output to the layer index reported for it.
// Each output must have shape [1, sequence, hidden].
type LayerOutput struct {
	Name  string
	Layer int
}

// ParseLayerOutputs parses "name:layer,name:layer".
func ParseLayerOutputs(spec string) ([]LayerOutput, error) {
	var out []LayerOutput
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.LastIndex(part, ":")
		if idx <= 0 || idx == len(part)-1 {
			return nil, fmt.Errorf("invalid layer output %q: expected name:layer", part)
		}
		layer, err := strconv.Atoi(part[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid layer index in %q: %w", part, err)
		}
		out = append(out, LayerOutput{Name: part[:idx], Layer: layer})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no layer outputs in %q", spec)
	}
	return out, nil
}

// ONNXConfig configures the in-process generator.
type ONNXConfig struct {
	ModelPath   string
	LibraryPath string // onnxruntime shared library; empty uses the runtime default
	Outputs     []LayerOutput
	HiddenSize  int

	InputIDsName      string
	AttentionMaskName string
	TokenTypeIDsName  string // empty when the graph has no token_type_ids input

	Vocab        Vocabulary
	UnknownToken string
}

func (c *ONNXConfig) applyDefaults() {
	if c.HiddenSize <= 0 {
		c.HiddenSize = DefaultHiddenSize
	}
	if c.InputIDsName == "" {
		c.InputIDsName = DefaultInputIDsName
	}
	if c.AttentionMaskName == "" {
		c.AttentionMaskName = DefaultAttentionMaskName
	}
	if c.UnknownToken == "" {
		c.UnknownToken = DefaultUnknownToken
	}
}

// Validate checks required fields.
func (c *ONNXConfig) Validate() error {
	if c.ModelPath == "" {
		return fmt.Errorf("model path is required")
	}
	if len(c.Outputs) == 0 {
		return fmt.Errorf("at least one layer output is required")
	}
	seen := map[int]bool{}
	for _, o := range c.Outputs {
		if seen[o.Layer] {
			return fmt.Errorf("layer %d bound twice", o.Layer)
		}
		seen[o.Layer] = true
	}
	if c.Vocab == nil {
		return fmt.Errorf("vocabulary is required")
	}
	return nil
}

// ONNXGenerator runs a BERT-style encoder through onnxruntime.
type ONNXGenerator struct {
	cfg     ONNXConfig
	session *ort.DynamicAdvancedSession
	ownsEnv bool
}

// NewONNXGenerator loads the model and prepares a session.
func NewONNXGenerator(cfg ONNXConfig) (*ONNXGenerator, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid onnx config: %w", err)
	}

	g := &ONNXGenerator{cfg: cfg}
	if !ort.IsInitialized() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initializing onnxruntime: %w", err)
		}
		g.ownsEnv = true
	}

	inputs := []string{cfg.InputIDsName, cfg.AttentionMaskName}
	if cfg.TokenTypeIDsName != "" {
		inputs = append(inputs, cfg.TokenTypeIDsName)
	}
	outputs := make([]string, len(cfg.Outputs))
	for i, o := range cfg.Outputs {
		outputs[i] = o.Name
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputs, outputs, nil)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("loading model %s: %w", cfg.ModelPath, err)
	}
	g.session = session
	return g, nil
}

// Generate runs one window through the encoder.
func (g *ONNXGenerator) Generate(ctx context.Context, tokens []string) (*WindowEmbedding, error) {
	if len(tokens) == 0 {
		return &WindowEmbedding{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids, err := lookupIDs(g.cfg.Vocab, tokens, g.cfg.UnknownToken)
	if err != nil {
		return nil, err
	}
	n := int64(len(tokens))
	mask := make([]int64, n)
	for i := range mask {
		mask[i] = 1
	}

	inputShape := ort.NewShape(1, n)
	idsT, err := ort.NewTensor(inputShape, ids)
	if err != nil {
		return nil, fmt.Errorf("creating input_ids tensor: %w", err)
	}
	defer idsT.Destroy()
	maskT, err := ort.NewTensor(inputShape, mask)
	if err != nil {
		return nil, fmt.Errorf("creating attention_mask tensor: %w", err)
	}
	defer maskT.Destroy()

	inputs := []ort.Value{idsT, maskT}
	if g.cfg.TokenTypeIDsName != "" {
		typesT, err := ort.NewTensor(inputShape, make([]int64, n))
		if err != nil {
			return nil, fmt.Errorf("creating token_type_ids tensor: %w", err)
		}
		defer typesT.Destroy()
		inputs = append(inputs, typesT)
	}

	outTensors := make([]*ort.Tensor[float32], len(g.cfg.Outputs))
	outputs := make([]ort.Value, len(g.cfg.Outputs))
	for i := range g.cfg.Outputs {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(1, n, int64(g.cfg.HiddenSize)))
		if err != nil {
			return nil, fmt.Errorf("creating output tensor %s: %w", g.cfg.Outputs[i].Name, err)
		}
		defer t.Destroy()
		outTensors[i] = t
		outputs[i] = t
	}

	if err := g.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("running model: %w", err)
	}

	data := make([][]float32, len(outTensors))
	for i, t := range outTensors {
		data[i] = t.GetData()
	}
	return assembleWindow(tokens, g.cfg.Outputs, data, g.cfg.HiddenSize)
}

// Close destroys the session and, when this generator created it, the
// onnxruntime environment.
func (g *ONNXGenerator) Close() error {
	var firstErr error
	if g.session != nil {
		if err := g.session.Destroy(); err != nil {
			firstErr = err
		}
		g.session = nil
	}
	if g.ownsEnv {
		if err := ort.DestroyEnvironment(); err != nil && firstErr == nil {
			firstErr = err
		}
		g.ownsEnv = false
	}
	return firstErr
}

func lookupIDs(vocab Vocabulary, tokens []string, unknown string) ([]int64, error) {
	ids := make([]int64, len(tokens))
	for i, tok := range tokens {
		id, ok := vocab.TokenToId(tok)
		if !ok {
			id, ok = vocab.TokenToId(unknown)
			if !ok {
				return nil, fmt.Errorf("token %q not in vocabulary and no %s entry", tok, unknown)
			}
		}
		ids[i] = int64(id)
	}
	return ids, nil
}

// assembleWindow slices flat [1, n, hidden] output buffers into per-token
// entries. Values are copied so the runtime buffers can be released.
func assembleWindow(tokens []string, outputs []LayerOutput, data [][]float32, hidden int) (*WindowEmbedding, error) {
	n := len(tokens)
	for i, d := range data {
		if len(d) != n*hidden {
			return nil, fmt.Errorf("output %s has %d values, want %d", outputs[i].Name, len(d), n*hidden)
		}
	}
	rec := &WindowEmbedding{Tokens: make([]TokenEntry, n)}
	for t := 0; t < n; t++ {
		entry := TokenEntry{Label: tokens[t], Layers: make([]Layer, len(outputs))}
		for i, o := range outputs {
			values := make([]float32, hidden)
			copy(values, data[i][t*hidden:(t+1)*hidden])
			entry.Layers[i] = Layer{Index: o.Layer, Values: values}
		}
		rec.Tokens[t] = entry
	}
	return rec, nil
}
