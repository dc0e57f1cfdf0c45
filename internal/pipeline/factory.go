package pipeline

import (
	"fmt"

	"github.com/hurttlocker/stitch/internal/config"
	"github.com/hurttlocker/stitch/internal/embedding"
	"github.com/hurttlocker/stitch/internal/fault"
	"github.com/hurttlocker/stitch/internal/tokenize"
	"github.com/hurttlocker/stitch/internal/window"
)

// NewSplitter builds the splitter from resolved settings.
func NewSplitter(rc config.ResolvedConfig) (*window.Splitter, error) {
	cfg, err := rc.Window()
	if err != nil {
		return nil, err
	}
	return window.NewSplitter(cfg)
}

// NewTokenizer builds the configured tokenizer. Loading failures are
// configuration errors.
func NewTokenizer(rc config.ResolvedConfig) (tokenize.Tokenizer, error) {
	cfg, err := rc.Tokenizer()
	if err != nil {
		return nil, err
	}
	tk, err := tokenize.New(cfg)
	if err != nil {
		return nil, fault.Config("tokenizer: %v", err)
	}
	return tk, nil
}

// NewGenerator builds the configured generator. The ONNX provider needs a
// vocabulary, taken from tk, which must be a WordPiece tokenizer.
func NewGenerator(rc config.ResolvedConfig, tk tokenize.Tokenizer) (embedding.Generator, error) {
	provider, err := rc.Provider()
	if err != nil {
		return nil, err
	}

	switch provider {
	case config.ProviderHTTP:
		cfg := embedding.DefaultHTTPConfig()
		cfg.Endpoint = rc.GeneratorEndpoint.Value
		cfg.Model = rc.GeneratorModel.Value
		cfg.APIKey = rc.GeneratorAPIKey.Value
		if err := cfg.Validate(); err != nil {
			return nil, fault.Config("generator: %v", err)
		}
		return embedding.NewHTTPGenerator(&cfg)

	case config.ProviderONNX:
		vocab, ok := tk.(embedding.Vocabulary)
		if !ok {
			return nil, fault.Config("generator: onnx needs a wordpiece tokenizer for token ids, got %T", tk)
		}
		outputs, err := embedding.ParseLayerOutputs(rc.GeneratorOutputs.Value)
		if err != nil {
			return nil, fault.Config("%s: %v", config.KeyGeneratorOutputs, err)
		}
		hidden, err := rc.HiddenSize()
		if err != nil {
			return nil, err
		}
		if rc.GeneratorModel.Value == "" {
			return nil, fault.Config("%s: onnx model path is required", config.KeyGeneratorModel)
		}
		return embedding.NewONNXGenerator(embedding.ONNXConfig{
			ModelPath:        rc.GeneratorModel.Value,
			LibraryPath:      rc.GeneratorLibrary.Value,
			Outputs:          outputs,
			HiddenSize:       hidden,
			TokenTypeIDsName: embedding.DefaultTokenTypeIDsName,
			Vocab:            vocab,
		})
	}
	return nil, fmt.Errorf("unhandled generator provider %q", provider)
}
