package tokenize

import (
	"fmt"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// UnknownToken is the WordPiece out-of-vocabulary label.
const UnknownToken = "[UNK]"

// WordPiece wraps a BERT tokenizer. It also serves as the vocabulary for the
// ONNX generator.
type WordPiece struct {
	tk *tokenizer.Tokenizer
}

// NewWordPiece builds a BERT tokenizer from a vocab.txt file: BERT
// normalization (optionally lowercasing and stripping accents), BERT
// pre-tokenization on whitespace and punctuation, then WordPiece.
func NewWordPiece(vocabFile string, lowercase bool) (*WordPiece, error) {
	model, err := wordpiece.NewWordPieceFromFile(vocabFile, UnknownToken)
	if err != nil {
		return nil, fmt.Errorf("loading vocabulary %s: %w", vocabFile, err)
	}
	tk := tokenizer.NewTokenizer(model)
	tk.WithNormalizer(normalizer.NewBertNormalizer(true, true, lowercase, lowercase))
	tk.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())
	return &WordPiece{tk: tk}, nil
}

// FromFile loads a full tokenizer.json pipeline.
func FromFile(path string) (*WordPiece, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer %s: %w", path, err)
	}
	return &WordPiece{tk: tk}, nil
}

// Tokenize returns WordPiece labels without special tokens.
func (w *WordPiece) Tokenize(text string) ([]string, error) {
	en, err := w.tk.EncodeSingle(text, false)
	if err != nil {
		return nil, fmt.Errorf("encoding %q: %w", truncate(text, 40), err)
	}
	return en.Tokens, nil
}

// TokenToId looks up a label in the vocabulary.
func (w *WordPiece) TokenToId(token string) (int, bool) {
	return w.tk.TokenToId(token)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
