package embedding

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"github.com/hurttlocker/stitch/internal/fault"
)

// maxRecordBytes bounds one JSON record. A 512-token window with four
// 1024-wide layers is roughly 40 MiB of JSON text.
const maxRecordBytes = 256 * 1024 * 1024

// Reader streams generator output records from JSON lines.
type Reader struct {
	sc     *bufio.Scanner
	record int
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1024*1024), maxRecordBytes)
	return &Reader{sc: sc}
}

// Record returns the number of records read so far.
func (r *Reader) Record() int {
	return r.record
}

// Next parses the next record. Whitespace-only lines are skipped.
func (r *Reader) Next() (*WindowEmbedding, error) {
	for r.sc.Scan() {
		line := bytes.TrimSpace(r.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		r.record++
		rec, err := ParseRecord(line)
		if err != nil {
			return nil, fault.Malformed(r.record-1, err, "embedding record")
		}
		return rec, nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, fmt.Errorf("reading embedding record %d: %w", r.record, err)
	}
	return nil, io.EOF
}

// ParseRecord decodes one record:
//
//	{"linex_index": 0, "features": [{"token": "a", "layers": [{"index": -1, "values": [...]}]}]}
//
// features, token, layers, index and values are required.
func ParseRecord(data []byte) (*WindowEmbedding, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid JSON")
	}
	root := gjson.ParseBytes(data)
	features := root.Get("features")
	if !features.Exists() {
		return nil, fmt.Errorf("missing features")
	}
	if !features.IsArray() {
		return nil, fmt.Errorf("features is not an array")
	}

	rec := &WindowEmbedding{Index: int(root.Get("linex_index").Int())}
	feats := features.Array()
	rec.Tokens = make([]TokenEntry, 0, len(feats))
	for i, f := range feats {
		entry, err := parseFeature(f)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		rec.Tokens = append(rec.Tokens, entry)
	}
	return rec, nil
}

func parseFeature(f gjson.Result) (TokenEntry, error) {
	tok := f.Get("token")
	if tok.Type != gjson.String {
		return TokenEntry{}, fmt.Errorf("missing token label")
	}
	layers := f.Get("layers")
	if !layers.IsArray() {
		return TokenEntry{}, fmt.Errorf("token %q: missing layers", tok.String())
	}

	entry := TokenEntry{Label: tok.String()}
	seen := map[int]bool{}
	for j, l := range layers.Array() {
		idx := l.Get("index")
		if idx.Type != gjson.Number {
			return TokenEntry{}, fmt.Errorf("token %q layer %d: missing index", entry.Label, j)
		}
		vals := l.Get("values")
		if !vals.IsArray() {
			return TokenEntry{}, fmt.Errorf("token %q layer %d: missing values", entry.Label, j)
		}
		li := int(idx.Int())
		if seen[li] {
			return TokenEntry{}, fmt.Errorf("token %q: duplicate layer %d", entry.Label, li)
		}
		seen[li] = true

		raw := vals.Array()
		values := make([]float32, len(raw))
		for k, v := range raw {
			if v.Type != gjson.Number {
				return TokenEntry{}, fmt.Errorf("token %q layer %d: value %d is not a number", entry.Label, li, k)
			}
			values[k] = float32(v.Float())
		}
		entry.Layers = append(entry.Layers, Layer{Index: li, Values: values})
	}
	return entry, nil
}

type recordJSON struct {
	LinexIndex int           `json:"linex_index"`
	Features   []featureJSON `json:"features"`
}

type featureJSON struct {
	Token  string      `json:"token"`
	Layers []layerJSON `json:"layers"`
}

type layerJSON struct {
	Index  int       `json:"index"`
	Values []float32 `json:"values"`
}

// Writer emits generator output records as JSON lines.
type Writer struct {
	w     *bufio.Writer
	index int
}

// NewWriter wraps w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write emits rec, numbering it with the writer's running index. A nil rec
// is written as an empty record.
func (w *Writer) Write(rec *WindowEmbedding) error {
	out := recordJSON{LinexIndex: w.index, Features: []featureJSON{}}
	if rec != nil {
		for _, t := range rec.Tokens {
			f := featureJSON{Token: t.Label, Layers: make([]layerJSON, 0, len(t.Layers))}
			for _, l := range t.Layers {
				f.Layers = append(f.Layers, layerJSON{Index: l.Index, Values: l.Values})
			}
			out.Features = append(out.Features, f)
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encoding record %d: %w", w.index, err)
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	w.index++
	return nil
}

// Flush flushes buffered records.
func (w *Writer) Flush() error {
	return w.w.Flush()
}
