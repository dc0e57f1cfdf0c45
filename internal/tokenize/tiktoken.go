package tokenize

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// byte-level BPE markers for characters that would break the stream formats.
var bpeMarkers = strings.NewReplacer(" ", "Ġ", "\n", "Ċ", "\t", "ĉ", "\r", "č")

// Tiktoken labels each BPE id with its decoded text.
type Tiktoken struct {
	tke *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding, e.g. "cl100k_base".
func NewTiktoken(encoding string) (*Tiktoken, error) {
	tke, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding: %w", err)
	}
	return &Tiktoken{tke: tke}, nil
}

// Tokenize encodes text and decodes every id on its own. Whitespace inside a
// piece is rewritten to the GPT-2 byte markers.
func (t *Tiktoken) Tokenize(text string) ([]string, error) {
	ids := t.tke.Encode(text, nil, nil)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, bpeMarkers.Replace(t.tke.Decode([]int{id})))
	}
	return out, nil
}
