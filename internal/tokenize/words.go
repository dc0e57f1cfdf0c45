package tokenize

import (
	"strings"
	"unicode"

	"github.com/clipperhouse/uax29/words"
)

// Words segments text on Unicode word boundaries and drops whitespace.
// Punctuation marks come out as tokens of their own.
type Words struct {
	Lowercase bool
}

// Tokenize implements Tokenizer.
func (w Words) Tokenize(text string) ([]string, error) {
	segs := words.SegmentAll([]byte(text))
	out := make([]string, 0, len(segs))
	for _, seg := range segs {
		s := string(seg)
		if strings.TrimFunc(s, unicode.IsSpace) == "" {
			continue
		}
		if w.Lowercase {
			s = strings.ToLower(s)
		}
		out = append(out, s)
	}
	return out, nil
}
