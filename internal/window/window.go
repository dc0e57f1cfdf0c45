// Package window splits token sequences into bounded, overlapping windows for
// a fixed-context embedding model and records how much each window overlaps
// its successor.
//
// A line of n tokens is cut into windows of at most w content tokens. Each
// window after the first starts advance = w - floor(f*w) tokens after the
// previous one, so consecutive windows share floor(f*w) tokens. Every window
// is bracketed by a start and an end sentinel. Every window but the last of a
// line records floor(f*w) in the overlap ledger; the last records 0. The
// recombiner drops that many trailing entries from the window's embedding
// output, counted from the end sentinel.
package window

import (
	"math"

	"github.com/hurttlocker/stitch/internal/fault"
)

// Sentinels used by BERT-style models.
const (
	DefaultStartToken = "[CLS]"
	DefaultEndToken   = "[SEP]"
)

// DefaultMaxSequenceLength is the model context length, sentinels included.
const DefaultMaxSequenceLength = 128

// DefaultOverlap is the fraction of a window shared with its successor.
const DefaultOverlap = 0.5

// SentinelSlots is the number of positions reserved for sentinels per window.
const SentinelSlots = 2

// Config controls how lines are split.
type Config struct {
	// MaxSequenceLength is the model's context length. Content per window is
	// MaxSequenceLength - SentinelSlots.
	MaxSequenceLength int
	// Overlap is the fraction of the content length shared between
	// consecutive windows of a line. Must be in [0, 1).
	Overlap    float64
	StartToken string
	EndToken   string
}

// DefaultConfig returns the settings used by the original BERT pipeline.
func DefaultConfig() Config {
	return Config{
		MaxSequenceLength: DefaultMaxSequenceLength,
		Overlap:           DefaultOverlap,
		StartToken:        DefaultStartToken,
		EndToken:          DefaultEndToken,
	}
}

// Validate rejects settings that would not terminate or leave no content.
func (c Config) Validate() error {
	if c.MaxSequenceLength <= SentinelSlots {
		return fault.Config("max sequence length must be greater than %d (got %d)", SentinelSlots, c.MaxSequenceLength)
	}
	if c.Overlap < 0 || c.Overlap >= 1 || math.IsNaN(c.Overlap) {
		return fault.Config("overlap must be between [0,1) (got %v)", c.Overlap)
	}
	if c.StartToken == "" || c.EndToken == "" {
		return fault.Config("start and end tokens must be non-empty")
	}
	return nil
}

// ContentLength is the number of source tokens a window may hold.
func (c Config) ContentLength() int {
	return c.MaxSequenceLength - SentinelSlots
}

// Window is one sentinel-bracketed slice of a line.
type Window struct {
	// Start is the offset of the first content token in the source line.
	Start int
	// Tokens holds the start sentinel, the content and the end sentinel.
	Tokens []string
	// Overlap is the count of trailing entries the recombiner must drop.
	Overlap int
}

// Content returns the window's tokens without sentinels.
func (w Window) Content() []string {
	if len(w.Tokens) < SentinelSlots {
		return nil
	}
	return w.Tokens[1 : len(w.Tokens)-1]
}

// Splitter cuts lines according to a validated Config.
type Splitter struct {
	cfg Config
}

// NewSplitter validates cfg and returns a Splitter.
func NewSplitter(cfg Config) (*Splitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Splitter{cfg: cfg}, nil
}

// Config returns the splitter's settings.
func (s *Splitter) Config() Config {
	return s.cfg
}

// Split returns the windows for one line and the aligned overlap record.
// An empty line yields no windows and an empty (non-nil) record.
func (s *Splitter) Split(tokens []string) ([]Window, []int) {
	w := s.cfg.ContentLength()
	overlap := OverlapFor(w, s.cfg.Overlap)
	advance := w - overlap

	windows := make([]Window, 0, Count(len(tokens), w, s.cfg.Overlap))
	overlaps := make([]int, 0, cap(windows))

	n := len(tokens)
	cur := 0
	for cur < n {
		end := cur + w
		if end > n {
			end = n
		}
		win := make([]string, 0, end-cur+SentinelSlots)
		win = append(win, s.cfg.StartToken)
		win = append(win, tokens[cur:end]...)
		win = append(win, s.cfg.EndToken)

		if cur+w < n {
			windows = append(windows, Window{Start: cur, Tokens: win, Overlap: overlap})
			overlaps = append(overlaps, overlap)
			cur += advance
		} else {
			windows = append(windows, Window{Start: cur, Tokens: win, Overlap: 0})
			overlaps = append(overlaps, 0)
			cur += w
		}
	}
	return windows, overlaps
}

// OverlapFor returns floor(f*w), the shared token count between consecutive
// windows of content length w.
func OverlapFor(w int, f float64) int {
	return int(f * float64(w))
}

// Count returns how many windows a line of n tokens produces with content
// length w and overlap fraction f: 0 for an empty line, 1 when n <= w, and
// 1 + ceil((n-w)/advance) otherwise.
func Count(n, w int, f float64) int {
	if n <= 0 {
		return 0
	}
	if n <= w {
		return 1
	}
	advance := w - OverlapFor(w, f)
	return 1 + (n-w+advance-1)/advance
}
