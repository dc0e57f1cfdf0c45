// Package tokenize turns raw text lines into the token sequences the window
// splitter consumes.
//
// Three backends are available:
//   - wordpiece: BERT WordPiece with a vocab.txt or a tokenizer.json
//   - tiktoken: byte-pair encodings such as cl100k_base
//   - words: Unicode word segmentation (UAX #29), no vocabulary needed
//
// Every backend returns tokens free of whitespace so that a tokenized line
// survives a round trip through the space-separated stream formats.
package tokenize

import (
	"fmt"
	"strings"
)

// Backend names accepted by New.
const (
	BackendWordPiece = "wordpiece"
	BackendTiktoken  = "tiktoken"
	BackendWords     = "words"
)

// DefaultEncoding is the tiktoken encoding used when none is configured.
const DefaultEncoding = "cl100k_base"

// Tokenizer splits one line of text into tokens.
type Tokenizer interface {
	Tokenize(text string) ([]string, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend   string
	Vocab     string // vocab.txt or tokenizer.json (wordpiece)
	Lowercase bool   // wordpiece and words
	Encoding  string // tiktoken
}

// New returns the tokenizer for cfg.Backend.
func New(cfg Config) (Tokenizer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendWordPiece, "":
		if cfg.Vocab == "" {
			return nil, fmt.Errorf("wordpiece tokenizer requires a vocabulary file")
		}
		if strings.HasSuffix(strings.ToLower(cfg.Vocab), ".json") {
			return FromFile(cfg.Vocab)
		}
		return NewWordPiece(cfg.Vocab, cfg.Lowercase)
	case BackendTiktoken:
		enc := cfg.Encoding
		if enc == "" {
			enc = DefaultEncoding
		}
		return NewTiktoken(enc)
	case BackendWords:
		return Words{Lowercase: cfg.Lowercase}, nil
	default:
		return nil, fmt.Errorf("unknown tokenizer backend %q (valid: %s, %s, %s)",
			cfg.Backend, BackendWordPiece, BackendTiktoken, BackendWords)
	}
}

// Line strips text and tokenizes it. A blank line yields an empty, non-nil
// token slice.
func Line(tk Tokenizer, text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []string{}, nil
	}
	toks, err := tk.Tokenize(text)
	if err != nil {
		return nil, err
	}
	out := toks[:0]
	for _, t := range toks {
		if t != "" {
			out = append(out, t)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
